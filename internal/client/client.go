// Package client implements the central (GATT client) side: it scans for a
// peripheral, connects, discovers the remote service table and then offers
// buffered access to notifications keyed by characteristic UUID.
package client

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/adv"
	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/radio"
	"github.com/srg/bleuart/internal/rxbuf"
)

// ErrScanInProgress is returned by Scan while a previous scan is running.
var ErrScanInProgress = errors.New("scan already in progress")

// Options configures a Client.
type Options struct {
	RxBufferSize int // per-characteristic notification buffer capacity
}

type target struct {
	addrType radio.AddrType
	addr     radio.Addr
}

// Client is the GATT client state machine. Events must be fed through
// HandleEvent from a single goroutine; the application-facing methods may be
// called from any goroutine.
type Client struct {
	radio  radio.Radio
	logger *logrus.Logger
	opts   Options

	mu       sync.Mutex
	state    State
	scan     ScanOptions
	scansOwed int // ScanDone events still due, one per radio Scan
	results  []Found

	target     *target
	conn       radio.ConnHandle
	closedConn *radio.ConnHandle // closed locally, disconnect event still due

	services *serviceTable
	chars    *hashmap.Map[string, radio.ValueHandle] // uuid key -> value handle
	pending  []*Service                              // awaiting characteristic discovery
	rx       *rxbuf.Set

	onConnected    func(*Client)
	onDisconnected func(Peer)
	onServerFound  func(Found)
	onScanFinished func([]Found)
	onReadComplete func(radio.ReadResult)
	onNotify       func(*Client)
}

// New creates an idle client.
func New(r radio.Radio, opts Options, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	c := &Client{
		radio:  r,
		logger: logger,
		opts:   opts,
	}
	c.resetLocked()
	return c
}

// resetLocked drops everything learned about the current or last connection.
func (c *Client) resetLocked() {
	c.target = nil
	c.conn = 0
	c.services = newServiceTable()
	c.chars = hashmap.New[string, radio.ValueHandle]()
	c.pending = nil
	c.rx = rxbuf.New(c.opts.RxBufferSize, c.logger)
	if c.state != Scanning {
		c.state = Idle
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the connected peripheral, if any.
func (c *Client) Peer() (Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.linked() {
		return Peer{}, false
	}
	return Peer{Conn: c.conn, AddrType: c.target.addrType, Addr: c.target.addr}, true
}

// Results returns the matches of the current or last scan.
func (c *Client) Results() []Found {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Found(nil), c.results...)
}

// Services returns the discovered services in discovery order.
func (c *Client) Services() []Service {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Service, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		svc := *pair.Value
		svc.Characteristics = append([]Characteristic(nil), svc.Characteristics...)
		out = append(out, svc)
	}
	return out
}

// OnConnected sets the callback run once discovery completes.
func (c *Client) OnConnected(cb func(*Client)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// OnDisconnected sets the callback run when the peripheral goes away.
func (c *Client) OnDisconnected(cb func(Peer)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = cb
}

// OnServerFound sets the callback run for each scan match.
func (c *Client) OnServerFound(cb func(Found)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onServerFound = cb
}

// OnScanFinished sets the callback run with all matches when a scan ends.
func (c *Client) OnScanFinished(cb func([]Found)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onScanFinished = cb
}

// OnReadComplete sets the callback run with the value of a RequestRead.
func (c *Client) OnReadComplete(cb func(radio.ReadResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReadComplete = cb
}

// OnNotify sets the callback run after a notification is buffered.
func (c *Client) OnNotify(cb func(*Client)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotify = cb
}

// Scan starts a scan. Zero fields in opts take the package defaults; a
// negative Timeout scans until StopScan.
func (c *Client) Scan(opts ScanOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == Scanning:
		return ErrScanInProgress
	case c.state != Idle:
		return device.ErrAlreadyConnected
	}

	opts.applyDefaults()
	c.scan = opts
	c.results = nil

	if err := c.radio.Scan(opts.Timeout, opts.Interval, opts.Window); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}
	c.state = Scanning
	c.scansOwed++

	c.logger.WithFields(logrus.Fields{
		"timeout":     opts.Timeout,
		"name_prefix": opts.NamePrefix,
		"connect":     opts.ConnectOnFound,
	}).Info("Scanning for peripherals")
	return nil
}

// StopScan stops a running scan. The scan-finished callback still fires
// when the radio reports the scan done.
func (c *Client) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopScanLocked()
}

func (c *Client) stopScanLocked() error {
	if c.state != Scanning {
		return nil
	}
	c.state = Idle
	if err := c.radio.StopScan(); err != nil {
		return fmt.Errorf("failed to stop scan: %w", err)
	}
	return nil
}

// Connect starts connecting to a peripheral. Only one connection or attempt
// may exist at a time; a second call returns device.ErrAlreadyConnected.
func (c *Client) Connect(addrType radio.AddrType, addr radio.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(addrType, addr)
}

func (c *Client) connectLocked(addrType radio.AddrType, addr radio.Addr) error {
	if c.state >= Connecting {
		return device.ErrAlreadyConnected
	}
	if err := c.stopScanLocked(); err != nil {
		c.logger.WithError(err).Warn("Failed to stop scan before connecting")
	}

	c.target = &target{addrType: addrType, addr: addr}
	c.state = Connecting
	if err := c.radio.Connect(addrType, addr); err != nil {
		c.target = nil
		c.state = Idle
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c.logger.WithField("address", addr).Info("Connecting to peripheral")
	return nil
}

// lookupLocked resolves a discovered characteristic while the client is Ready.
func (c *Client) lookupLocked(uuid ble.UUID) (radio.ValueHandle, error) {
	if c.state != Ready {
		return 0, device.ErrNotConnected
	}
	key := device.UUIDKey(uuid)
	vh, ok := c.chars.Get(key)
	if !ok {
		return 0, device.CharacteristicNotFound(key)
	}
	return vh, nil
}

// Read pops up to size bytes notified on the characteristic. A size of zero
// or less returns everything pending.
func (c *Client) Read(uuid ble.UUID, size int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vh, err := c.lookupLocked(uuid)
	if err != nil {
		return nil, err
	}
	return c.rx.Pop(vh, size), nil
}

// Any returns the number of notified bytes pending for the characteristic.
func (c *Client) Any(uuid ble.UUID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vh, err := c.lookupLocked(uuid)
	if err != nil {
		return 0, err
	}
	return c.rx.Len(vh), nil
}

// Write sends data to the characteristic. Completion is reported by the
// radio later and only logged.
func (c *Client) Write(uuid ble.UUID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	vh, err := c.lookupLocked(uuid)
	if err != nil {
		return err
	}
	if err := c.radio.WriteCharacteristic(c.conn, vh, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", device.UUIDKey(uuid), err)
	}
	return nil
}

// RequestRead asks the peripheral for the characteristic's current value.
// The value is delivered to the read-complete callback.
func (c *Client) RequestRead(uuid ble.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	vh, err := c.lookupLocked(uuid)
	if err != nil {
		return err
	}
	if err := c.radio.ReadCharacteristic(c.conn, vh); err != nil {
		return fmt.Errorf("failed to read %s: %w", device.UUIDKey(uuid), err)
	}
	return nil
}

// Close disconnects and forgets the connection. It is a no-op without one.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.linked() {
		return nil
	}
	conn := c.conn
	err := c.radio.Disconnect(conn)
	c.closedConn = &conn
	c.resetLocked()
	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

// HandleEvent applies one radio event. Events for other connections, or for
// a connection the client has already forgotten, are ignored. Callbacks run
// after the client's lock is released.
func (c *Client) HandleEvent(ev radio.Event) {
	var after func()

	switch e := ev.(type) {
	case radio.ScanResult:
		after = c.handleScanResult(e)
	case radio.ScanDone:
		after = c.handleScanDone()
	case radio.PeripheralConnect:
		c.handleConnect(e)
	case radio.PeripheralDisconnect:
		after = c.handleDisconnect(e)
	case radio.ServiceResult:
		c.handleServiceResult(e)
	case radio.ServiceDone:
		after = c.handleServiceDone(e)
	case radio.CharacteristicResult:
		c.handleCharacteristicResult(e)
	case radio.CharacteristicDone:
		after = c.handleCharacteristicDone(e)
	case radio.ReadResult:
		after = c.handleReadResult(e)
	case radio.ReadDone:
		c.logStatus(e.Conn, e.Value, e.Status, "Read")
	case radio.WriteDone:
		c.logStatus(e.Conn, e.Value, e.Status, "Write")
	case radio.Notify:
		after = c.handleNotify(e.Conn, e.Value, e.Data)
	case radio.Indicate:
		after = c.handleNotify(e.Conn, e.Value, e.Data)
	}

	if after != nil {
		after()
	}
}

// matches applies the scan filters. The caller must hold c.mu.
func (c *Client) matches(e radio.ScanResult) (string, bool) {
	if !e.AdvType.Connectable() {
		return "", false
	}
	name := adv.DecodeName(e.AdvData)
	if !strings.HasPrefix(name, c.scan.NamePrefix) {
		return "", false
	}
	if c.scan.ServiceUUID != nil {
		for _, u := range adv.DecodeServices(e.AdvData) {
			if u.Equal(c.scan.ServiceUUID) {
				return name, true
			}
		}
		return "", false
	}
	return name, true
}

func (c *Client) handleScanResult(e radio.ScanResult) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Scanning {
		return nil
	}
	name, ok := c.matches(e)
	if !ok {
		return nil
	}

	found := Found{Name: name, ScanResult: e}
	c.results = append(c.results, found)

	c.logger.WithFields(logrus.Fields{
		"name":    name,
		"address": e.Addr,
		"rssi":    e.RSSI,
	}).Info("Found peripheral")

	if c.scan.StopOnFound || c.scan.ConnectOnFound {
		if err := c.stopScanLocked(); err != nil {
			c.logger.WithError(err).Warn("Failed to stop scan")
		}
	}
	if c.scan.ConnectOnFound {
		if err := c.connectLocked(e.AddrType, e.Addr); err != nil {
			c.logger.WithError(err).Error("Failed to connect to found peripheral")
		}
	}

	cb := c.onServerFound
	if cb == nil {
		return nil
	}
	return func() { cb(found) }
}

func (c *Client) handleScanDone() func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scansOwed == 0 {
		return nil
	}
	c.scansOwed--
	if c.scansOwed > 0 {
		// late report from a scan that was stopped before the current one
		c.logger.WithField("owed", c.scansOwed).Debug("Ignoring scan done for a superseded scan")
		return nil
	}
	if c.state == Scanning {
		c.state = Idle
	}

	results := append([]Found(nil), c.results...)
	c.logger.WithField("found", len(results)).Debug("Scan finished")

	cb := c.onScanFinished
	if cb == nil {
		return nil
	}
	return func() { cb(results) }
}

func (c *Client) handleConnect(e radio.PeripheralConnect) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connecting || c.target.addr != e.Addr || c.target.addrType != e.AddrType {
		c.logger.WithFields(logrus.Fields{
			"conn":    e.Conn,
			"address": e.Addr,
			"state":   c.state,
		}).Debug("Ignoring connect for unexpected peripheral")
		return
	}

	c.conn = e.Conn
	c.state = Connected
	c.logger.WithFields(logrus.Fields{
		"conn":    e.Conn,
		"address": e.Addr,
	}).Info("Connected to peripheral")

	c.state = DiscoveringServices
	if err := c.radio.DiscoverServices(e.Conn); err != nil {
		c.logger.WithError(err).Error("Failed to start service discovery")
	}
}

func (c *Client) handleDisconnect(e radio.PeripheralDisconnect) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	peer := Peer{Conn: e.Conn, AddrType: e.AddrType, Addr: e.Addr}
	cb := c.onDisconnected
	fire := func() {
		if cb != nil {
			cb(peer)
		}
	}

	switch {
	case c.closedConn != nil && *c.closedConn == e.Conn:
		c.closedConn = nil
		c.logger.WithField("conn", e.Conn).Info("Disconnected from peripheral")
		return fire

	case c.state.linked() && c.conn == e.Conn:
		c.logger.WithFields(logrus.Fields{
			"conn":    e.Conn,
			"address": e.Addr,
		}).Info("Peripheral disconnected")
		c.resetLocked()
		return fire

	case c.state == Connecting && c.target.addr == e.Addr:
		// a failed connection attempt is reported as a disconnect
		c.logger.WithField("address", e.Addr).Warn("Connection attempt failed")
		c.resetLocked()
		return fire
	}

	c.logger.WithField("conn", e.Conn).Debug("Ignoring disconnect for untracked connection")
	return nil
}

func (c *Client) tracking(conn radio.ConnHandle) bool {
	return c.state.linked() && c.conn == conn
}

func (c *Client) handleServiceResult(e radio.ServiceResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tracking(e.Conn) || c.state != DiscoveringServices {
		return
	}
	c.services.Set(e.Start, &Service{
		UUID:  append(ble.UUID(nil), e.UUID...),
		Start: e.Start,
		End:   e.End,
	})
}

func (c *Client) handleServiceDone(e radio.ServiceDone) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tracking(e.Conn) || c.state != DiscoveringServices {
		return nil
	}
	if e.Status != 0 {
		c.logger.WithField("status", e.Status).Warn("Service discovery finished with error status")
	}

	c.pending = c.pending[:0]
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		c.pending = append(c.pending, pair.Value)
	}
	c.logger.WithField("services", len(c.pending)).Debug("Service discovery complete")

	c.state = DiscoveringCharacteristics
	return c.nextDiscoveryLocked()
}

// nextDiscoveryLocked issues characteristic discovery for the next pending
// service, or moves to Ready when none remain.
func (c *Client) nextDiscoveryLocked() func() {
	for len(c.pending) > 0 {
		svc := c.pending[0]
		err := c.radio.DiscoverCharacteristics(c.conn, svc.Start, svc.End)
		if err == nil {
			return nil
		}
		c.logger.WithError(err).WithField("service", svc.UUID).Error("Failed to discover characteristics")
		c.pending = c.pending[1:]
	}

	c.state = Ready
	c.logger.WithFields(logrus.Fields{
		"conn":            c.conn,
		"services":        c.services.Len(),
		"characteristics": c.chars.Len(),
	}).Info("Peripheral ready")

	cb := c.onConnected
	if cb == nil {
		return nil
	}
	return func() { cb(c) }
}

func (c *Client) handleCharacteristicResult(e radio.CharacteristicResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tracking(e.Conn) || c.state != DiscoveringCharacteristics {
		return
	}

	ch := Characteristic{
		UUID:       append(ble.UUID(nil), e.UUID...),
		Def:        e.Def,
		Value:      e.Value,
		Properties: e.Properties,
	}
	owner := false
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.contains(e.Def) {
			pair.Value.Characteristics = append(pair.Value.Characteristics, ch)
			owner = true
			break
		}
	}
	if !owner {
		c.logger.WithField("def_handle", e.Def).Debug("Characteristic outside every discovered service")
	}
	c.chars.Set(device.UUIDKey(e.UUID), e.Value)
}

func (c *Client) handleCharacteristicDone(e radio.CharacteristicDone) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tracking(e.Conn) || c.state != DiscoveringCharacteristics {
		return nil
	}
	if e.Status != 0 {
		c.logger.WithField("status", e.Status).Warn("Characteristic discovery finished with error status")
	}
	if len(c.pending) > 0 {
		c.pending = c.pending[1:]
	}
	return c.nextDiscoveryLocked()
}

func (c *Client) handleReadResult(e radio.ReadResult) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tracking(e.Conn) {
		return nil
	}
	cb := c.onReadComplete
	if cb == nil {
		return nil
	}
	return func() { cb(e) }
}

func (c *Client) handleNotify(conn radio.ConnHandle, vh radio.ValueHandle, data []byte) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tracking(conn) {
		return nil
	}
	c.rx.Append(vh, data)

	cb := c.onNotify
	if cb == nil {
		return nil
	}
	return func() { cb(c) }
}

func (c *Client) logStatus(conn radio.ConnHandle, vh radio.ValueHandle, status radio.Status, op string) {
	fields := logrus.Fields{"conn": conn, "value_handle": vh, "status": status}
	if status != 0 {
		c.logger.WithFields(fields).Warnf("%s failed", op)
		return
	}
	c.logger.WithFields(fields).Debugf("%s complete", op)
}
