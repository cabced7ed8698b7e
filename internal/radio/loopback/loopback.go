// Package loopback provides an in-memory radio.Radio. Radios created from the
// same Air can see each other's advertisements, connect, discover each
// other's GATT tables and exchange writes and notifications.
//
// Commands never call a handler directly: every event is queued and
// delivered on the receiving radio's own goroutine, in order. This mirrors a
// real controller and lets handlers issue further commands without
// re-entering the caller.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/groutine"
	"github.com/srg/bleuart/internal/radio"
)

// ATT error codes reported in completion events.
const (
	StatusOK            radio.Status = 0x00
	StatusInvalidHandle radio.Status = 0x01
)

var (
	ErrInactive     = errors.New("radio is not active")
	ErrUnknownPeer  = errors.New("no connectable peer at address")
	ErrUnknownConn  = errors.New("unknown connection handle")
	ErrUnknownValue = errors.New("unknown value handle")
	ErrScanning     = errors.New("scan already in progress")
)

// Air is the shared medium. All radio state lives under one lock so
// operations spanning two radios never deadlock.
type Air struct {
	logger *logrus.Logger

	mu       sync.Mutex
	radios   []*Radio
	nextConn radio.ConnHandle

	busy atomic.Int64 // events queued or being handled, across all radios
}

// NewAir creates an empty medium.
func NewAir(logger *logrus.Logger) *Air {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Air{logger: logger, nextConn: 1}
}

// NewRadio attaches a radio with the given public address.
func (a *Air) NewRadio(addr radio.Addr) *Radio {
	r := &Radio{
		air:     a,
		addr:    addr,
		logger:  a.logger,
		attrs:   make(map[radio.ValueHandle]*attribute),
		links:   make(map[radio.ConnHandle]*link),
		pending: make(chan struct{}, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = groutine.Go(ctx, "loopback-"+addr.String(), r.deliver)

	a.mu.Lock()
	a.radios = append(a.radios, r)
	a.mu.Unlock()
	return r
}

// Settle waits until every queued event has been handled, or the timeout
// expires. Events a handler queues while running are counted before the
// handler returns, so a cascade is waited for as a whole.
func (a *Air) Settle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for a.busy.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// Close stops every radio's delivery goroutine.
func (a *Air) Close() {
	a.mu.Lock()
	radios := append([]*Radio(nil), a.radios...)
	a.mu.Unlock()
	for _, r := range radios {
		r.Close()
	}
}

func (a *Air) find(addr radio.Addr) *Radio {
	for _, r := range a.radios {
		if r.addr == addr {
			return r
		}
	}
	return nil
}

type attribute struct {
	char  radio.CharacteristicDef
	def   uint16
	value []byte
}

type service struct {
	def        radio.ServiceDef
	start, end uint16
	values     []radio.ValueHandle
}

type link struct {
	peer     *Radio
	central  bool // this side initiated the connection
	peerAddr radio.Addr
	peerType radio.AddrType
}

// Radio is one simulated controller. All fields except the delivery queue
// are guarded by air.mu.
type Radio struct {
	air    *Air
	addr   radio.Addr
	logger *logrus.Logger

	active      bool
	advInterval time.Duration
	advPayload  []byte
	services    []service
	attrs       map[radio.ValueHandle]*attribute
	links       map[radio.ConnHandle]*link
	scanGen     uint64
	scanning    bool
	scanTimer   *time.Timer

	qmu     sync.Mutex
	queue   []radio.Event
	handler radio.Handler
	closed  bool
	pending chan struct{}
	cancel  context.CancelFunc
	done    <-chan struct{}
}

var _ radio.Radio = (*Radio)(nil)

// Addr returns the radio's address.
func (r *Radio) Addr() radio.Addr { return r.addr }

// Advertising reports whether the radio is currently advertising.
func (r *Radio) Advertising() bool {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	return r.advertising()
}

func (r *Radio) advertising() bool {
	return r.active && r.advInterval > 0
}

// Links returns the number of open connections.
func (r *Radio) Links() int {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	return len(r.links)
}

func (r *Radio) SetHandler(h radio.Handler) {
	r.qmu.Lock()
	r.handler = h
	r.qmu.Unlock()
	r.signal()
}

// Close stops event delivery. Queued events are discarded. It must not be
// called from the radio's own handler.
func (r *Radio) Close() {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return
	}
	r.closed = true
	r.air.busy.Add(-int64(len(r.queue)))
	r.queue = nil
	r.qmu.Unlock()

	r.cancel()
	<-r.done
}

func (r *Radio) Activate(on bool) error {
	a := r.air
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.active == on {
		return nil
	}
	r.active = on
	if on {
		return nil
	}

	r.advInterval = 0
	r.advPayload = nil
	r.stopScanLocked(false)
	for conn := range r.links {
		r.dropLinkLocked(conn)
	}
	return nil
}

func (r *Radio) Advertise(interval time.Duration, payload []byte) error {
	a := r.air
	a.mu.Lock()
	defer a.mu.Unlock()

	if !r.active {
		return ErrInactive
	}
	if interval <= 0 {
		r.advInterval = 0
		r.advPayload = nil
		return nil
	}
	r.advInterval = interval
	r.advPayload = append([]byte(nil), payload...)

	for _, peer := range a.radios {
		if peer != r && peer.scanning {
			peer.enqueue(r.scanResult())
		}
	}
	return nil
}

func (r *Radio) scanResult() radio.ScanResult {
	return radio.ScanResult{
		AddrType: radio.AddrPublic,
		Addr:     r.addr,
		AdvType:  radio.AdvInd,
		RSSI:     -40,
		AdvData:  append([]byte(nil), r.advPayload...),
	}
}

// Scan reports every advertising radio once, then ScanDone after duration.
// A non-positive duration scans until StopScan.
func (r *Radio) Scan(duration, interval, window time.Duration) error {
	a := r.air
	a.mu.Lock()
	defer a.mu.Unlock()

	if !r.active {
		return ErrInactive
	}
	if r.scanning {
		return ErrScanning
	}
	r.scanning = true
	r.scanGen++
	gen := r.scanGen

	r.logger.WithFields(logrus.Fields{
		"radio":    r.addr,
		"duration": duration,
		"interval": interval,
		"window":   window,
	}).Debug("Loopback scan started")

	for _, peer := range a.radios {
		if peer != r && peer.advertising() {
			r.enqueue(peer.scanResult())
		}
	}

	if duration > 0 {
		r.scanTimer = time.AfterFunc(duration, func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if r.scanning && r.scanGen == gen {
				r.stopScanLocked(true)
			}
		})
	}
	return nil
}

func (r *Radio) StopScan() error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()
	r.stopScanLocked(true)
	return nil
}

func (r *Radio) stopScanLocked(report bool) {
	if !r.scanning {
		return
	}
	r.scanning = false
	if r.scanTimer != nil {
		r.scanTimer.Stop()
		r.scanTimer = nil
	}
	if report {
		r.enqueue(radio.ScanDone{})
	}
}

// Connect links to an advertising peer. The peer stops advertising, as a
// connectable advertiser does once a central connects.
func (r *Radio) Connect(addrType radio.AddrType, addr radio.Addr) error {
	a := r.air
	a.mu.Lock()
	defer a.mu.Unlock()

	if !r.active {
		return ErrInactive
	}
	peer := a.find(addr)
	if peer == nil || peer == r || !peer.advertising() {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}

	conn := a.nextConn
	a.nextConn++

	peer.advInterval = 0
	r.links[conn] = &link{peer: peer, central: true, peerAddr: peer.addr, peerType: addrType}
	peer.links[conn] = &link{peer: r, central: false, peerAddr: r.addr, peerType: radio.AddrPublic}

	peer.enqueue(radio.CentralConnect{Conn: conn, AddrType: radio.AddrPublic, Addr: r.addr})
	r.enqueue(radio.PeripheralConnect{Conn: conn, AddrType: addrType, Addr: peer.addr})

	r.logger.WithFields(logrus.Fields{
		"central":    r.addr,
		"peripheral": peer.addr,
		"conn":       conn,
	}).Debug("Loopback link established")
	return nil
}

func (r *Radio) Disconnect(conn radio.ConnHandle) error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()

	if _, ok := r.links[conn]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConn, conn)
	}
	r.dropLinkLocked(conn)
	return nil
}

// dropLinkLocked removes both ends of a link and reports the disconnect to
// each side with its role's event.
func (r *Radio) dropLinkLocked(conn radio.ConnHandle) {
	l, ok := r.links[conn]
	if !ok {
		return
	}
	delete(r.links, conn)
	delete(l.peer.links, conn)

	r.enqueue(disconnectEvent(conn, l.central, l.peerType, l.peerAddr))
	l.peer.enqueue(disconnectEvent(conn, !l.central, radio.AddrPublic, r.addr))
}

func disconnectEvent(conn radio.ConnHandle, central bool, t radio.AddrType, addr radio.Addr) radio.Event {
	if central {
		return radio.PeripheralDisconnect{Conn: conn, AddrType: t, Addr: addr}
	}
	return radio.CentralDisconnect{Conn: conn, AddrType: t, Addr: addr}
}

// RegisterServices lays the table out like a GATT server: each service takes
// one declaration handle, each characteristic a declaration handle followed
// by its value handle. Registering again replaces the table.
func (r *Radio) RegisterServices(defs []radio.ServiceDef) ([][]radio.ValueHandle, error) {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()

	if !r.active {
		return nil, ErrInactive
	}

	r.services = nil
	r.attrs = make(map[radio.ValueHandle]*attribute)

	table := make([][]radio.ValueHandle, len(defs))
	next := uint16(1)
	for i, def := range defs {
		svc := service{def: def, start: next}
		next++
		for _, ch := range def.Characteristics {
			declHandle := next
			vh := radio.ValueHandle(next + 1)
			next += 2
			r.attrs[vh] = &attribute{char: ch, def: declHandle}
			svc.values = append(svc.values, vh)
		}
		svc.end = next - 1
		r.services = append(r.services, svc)
		table[i] = svc.values
	}
	return table, nil
}

func (r *Radio) LocalValue(vh radio.ValueHandle) ([]byte, error) {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()

	at, ok := r.attrs[vh]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownValue, vh)
	}
	return append([]byte(nil), at.value...), nil
}

// SetLocalValue stores a value a central can read.
func (r *Radio) SetLocalValue(vh radio.ValueHandle, data []byte) error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()

	at, ok := r.attrs[vh]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownValue, vh)
	}
	at.value = append([]byte(nil), data...)
	return nil
}

func (r *Radio) linkLocked(conn radio.ConnHandle) (*link, error) {
	if !r.active {
		return nil, ErrInactive
	}
	l, ok := r.links[conn]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConn, conn)
	}
	return l, nil
}

func (r *Radio) Notify(conn radio.ConnHandle, vh radio.ValueHandle, data []byte) error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()

	l, err := r.linkLocked(conn)
	if err != nil {
		return err
	}
	if _, ok := r.attrs[vh]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownValue, vh)
	}
	l.peer.enqueue(radio.Notify{Conn: conn, Value: vh, Data: append([]byte(nil), data...)})
	return nil
}

func (r *Radio) WriteCharacteristic(conn radio.ConnHandle, vh radio.ValueHandle, data []byte) error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()

	l, err := r.linkLocked(conn)
	if err != nil {
		return err
	}
	at, ok := l.peer.attrs[vh]
	if !ok {
		r.enqueue(radio.WriteDone{Conn: conn, Value: vh, Status: StatusInvalidHandle})
		return nil
	}
	at.value = append([]byte(nil), data...)
	l.peer.enqueue(radio.GattsWrite{Conn: conn, Value: vh})
	r.enqueue(radio.WriteDone{Conn: conn, Value: vh, Status: StatusOK})
	return nil
}

func (r *Radio) ReadCharacteristic(conn radio.ConnHandle, vh radio.ValueHandle) error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()

	l, err := r.linkLocked(conn)
	if err != nil {
		return err
	}
	at, ok := l.peer.attrs[vh]
	if !ok {
		r.enqueue(radio.ReadDone{Conn: conn, Value: vh, Status: StatusInvalidHandle})
		return nil
	}
	r.enqueue(radio.ReadResult{Conn: conn, Value: vh, Data: append([]byte(nil), at.value...)})
	r.enqueue(radio.ReadDone{Conn: conn, Value: vh, Status: StatusOK})
	return nil
}

func (r *Radio) DiscoverServices(conn radio.ConnHandle) error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()

	l, err := r.linkLocked(conn)
	if err != nil {
		return err
	}
	for _, svc := range l.peer.services {
		r.enqueue(radio.ServiceResult{Conn: conn, Start: svc.start, End: svc.end, UUID: svc.def.UUID})
	}
	r.enqueue(radio.ServiceDone{Conn: conn, Status: StatusOK})
	return nil
}

func (r *Radio) DiscoverCharacteristics(conn radio.ConnHandle, start, end uint16) error {
	r.air.mu.Lock()
	defer r.air.mu.Unlock()

	l, err := r.linkLocked(conn)
	if err != nil {
		return err
	}
	for _, svc := range l.peer.services {
		for _, vh := range svc.values {
			at := l.peer.attrs[vh]
			if at.def < start || at.def > end {
				continue
			}
			r.enqueue(radio.CharacteristicResult{
				Conn:       conn,
				Def:        at.def,
				Value:      vh,
				Properties: at.char.Flags,
				UUID:       at.char.UUID,
			})
		}
	}
	r.enqueue(radio.CharacteristicDone{Conn: conn, Status: StatusOK})
	return nil
}

func (r *Radio) enqueue(ev radio.Event) {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return
	}
	r.queue = append(r.queue, ev)
	r.air.busy.Add(1)
	r.qmu.Unlock()
	r.signal()
}

func (r *Radio) signal() {
	select {
	case r.pending <- struct{}{}:
	default:
	}
}

// deliver hands queued events to the handler one at a time.
func (r *Radio) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.pending:
		}

		for {
			r.qmu.Lock()
			if r.closed || r.handler == nil || len(r.queue) == 0 {
				r.qmu.Unlock()
				break
			}
			ev := r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			h := r.handler
			r.qmu.Unlock()

			h(ev)
			r.air.busy.Add(-1)
		}
	}
}
