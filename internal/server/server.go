// Package server implements the peripheral (GATT server) side: it registers
// the local service table, advertises, tracks connected centrals and buffers
// what they write until the application reads it.
package server

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/adv"
	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/radio"
	"github.com/srg/bleuart/internal/rxbuf"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultAdvertisingInterval is used when Start is given a non-positive interval.
const DefaultAdvertisingInterval = 500 * time.Millisecond

// Options configures a Server.
type Options struct {
	Name         string // advertised complete local name
	Appearance   uint16 // advertised GAP appearance, 0 to omit
	RxBufferSize int    // per-characteristic receive capacity per central
}

// Server is the GATT server state machine. Events must be fed through
// HandleEvent from a single goroutine; the application-facing methods may be
// called from any goroutine.
type Server struct {
	radio  radio.Radio
	logger *logrus.Logger
	opts   Options

	payload []byte

	mu       sync.Mutex
	services []radio.ServiceDef
	handles  *hashmap.Map[string, radio.ValueHandle] // uuid key -> value handle
	local    *hashmap.Map[radio.ValueHandle, string] // value handle -> uuid key
	clients  *orderedmap.OrderedMap[radio.ConnHandle, *Client]
	interval time.Duration
	started  bool

	onReceive      func(*Client)
	onConnected    func(*Client)
	onDisconnected func(*Client)
}

// New builds a server and its advertising payload. It fails only if the
// payload cannot be encoded (e.g. an oversized name).
func New(r radio.Radio, opts Options, logger *logrus.Logger) (*Server, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	payload, err := adv.Encode(adv.Fields{Name: opts.Name, Appearance: opts.Appearance})
	if err != nil {
		return nil, fmt.Errorf("failed to build advertising payload: %w", err)
	}
	if len(payload) > adv.MaxLegacyPayload {
		logger.WithFields(logrus.Fields{
			"len": len(payload),
			"max": adv.MaxLegacyPayload,
		}).Warn("Advertising payload exceeds legacy PDU size")
	}

	return &Server{
		radio:   r,
		logger:  logger,
		opts:    opts,
		payload: payload,
		handles: hashmap.New[string, radio.ValueHandle](),
		local:   hashmap.New[radio.ValueHandle, string](),
		clients: orderedmap.New[radio.ConnHandle, *Client](),
	}, nil
}

// Characteristic builds a characteristic declaration from capability flags.
func Characteristic(uuid ble.UUID, read, write, notify bool) radio.CharacteristicDef {
	var flags ble.Property
	if read {
		flags |= ble.CharRead
	}
	if write {
		flags |= ble.CharWrite
	}
	if notify {
		flags |= ble.CharNotify
	}
	return radio.CharacteristicDef{UUID: uuid, Flags: flags}
}

// DeclareService adds a service to the table registered by Start.
func (s *Server) DeclareService(uuid ble.UUID, chars ...radio.CharacteristicDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append(s.services, radio.ServiceDef{UUID: uuid, Characteristics: chars})
}

// ClearServices forgets every declared service. Already registered handles
// stay valid until the next Start.
func (s *Server) ClearServices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = nil
}

// Payload returns the advertising payload.
func (s *Server) Payload() []byte {
	return append([]byte(nil), s.payload...)
}

// Start registers the declared services with the radio, builds the
// uuid -> value handle map and starts advertising. Registration failures are
// returned as *device.RegistrationError.
func (s *Server) Start(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if interval <= 0 {
		interval = DefaultAdvertisingInterval
	}

	seen := make(map[string]struct{})
	for _, svc := range s.services {
		for _, ch := range svc.Characteristics {
			key := device.UUIDKey(ch.UUID)
			if _, dup := seen[key]; dup {
				return &device.RegistrationError{Reason: fmt.Sprintf("duplicate characteristic %s", key)}
			}
			seen[key] = struct{}{}
		}
	}

	table, err := s.radio.RegisterServices(s.services)
	if err != nil {
		s.logger.WithError(err).Error("Radio rejected service table")
		return &device.RegistrationError{Reason: "radio rejected service table", Err: err}
	}
	if len(table) != len(s.services) {
		return &device.RegistrationError{
			Reason: fmt.Sprintf("radio returned %d handle groups for %d services", len(table), len(s.services)),
		}
	}

	handles := hashmap.New[string, radio.ValueHandle]()
	local := hashmap.New[radio.ValueHandle, string]()
	for i, svc := range s.services {
		if len(table[i]) != len(svc.Characteristics) {
			return &device.RegistrationError{
				Reason: fmt.Sprintf("service %s: radio returned %d handles for %d characteristics",
					svc.UUID, len(table[i]), len(svc.Characteristics)),
			}
		}
		for j, ch := range svc.Characteristics {
			key := device.UUIDKey(ch.UUID)
			handles.Set(key, table[i][j])
			local.Set(table[i][j], key)
		}
	}
	s.handles = handles
	s.local = local
	s.interval = interval

	s.logger.WithFields(logrus.Fields{
		"services":        len(s.services),
		"characteristics": handles.Len(),
		"interval":        interval,
	}).Info("GATT services registered")

	if err := s.radio.Advertise(interval, s.payload); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}
	s.started = true
	return nil
}

// StopAdvertising stops advertising until the next disconnect or Start.
func (s *Server) StopAdvertising() error {
	return s.radio.Advertise(0, nil)
}

// ValueHandle returns the registered handle for a characteristic UUID.
func (s *Server) ValueHandle(uuid ble.UUID) (radio.ValueHandle, error) {
	s.mu.Lock()
	handles := s.handles
	s.mu.Unlock()

	vh, ok := handles.Get(device.UUIDKey(uuid))
	if !ok {
		return 0, device.CharacteristicNotFound(device.UUIDKey(uuid))
	}
	return vh, nil
}

// OnReceive sets the callback run after a central writes to a characteristic.
func (s *Server) OnReceive(cb func(*Client)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReceive = cb
}

// OnConnected sets the callback run when a central connects.
func (s *Server) OnConnected(cb func(*Client)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = cb
}

// OnDisconnected sets the callback run when a central disconnects.
func (s *Server) OnDisconnected(cb func(*Client)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnected = cb
}

// Clients returns the connected centrals in connection order.
func (s *Server) Clients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Client, 0, s.clients.Len())
	for pair := s.clients.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// ClientAt returns the i-th connected central in connection order.
func (s *Server) ClientAt(i int) (*Client, bool) {
	clients := s.Clients()
	if i < 0 || i >= len(clients) {
		return nil, false
	}
	return clients[i], true
}

// Lookup returns the central connected on conn.
func (s *Server) Lookup(conn radio.ConnHandle) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients.Get(conn)
}

// HandleEvent applies one radio event. Events that do not concern the
// server, or that reference connections it no longer tracks, are ignored.
// Callbacks run after the server's lock is released.
func (s *Server) HandleEvent(ev radio.Event) {
	var after func()

	switch e := ev.(type) {
	case radio.CentralConnect:
		after = s.handleConnect(e)
	case radio.CentralDisconnect:
		after = s.handleDisconnect(e)
	case radio.GattsWrite:
		after = s.handleWrite(e)
	}

	if after != nil {
		after()
	}
}

func (s *Server) handleConnect(e radio.CentralConnect) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.clients.Get(e.Conn); ok {
		s.logger.WithFields(logrus.Fields{
			"conn":     e.Conn,
			"old_addr": old.addr,
			"new_addr": e.Addr,
		}).Warn("Central connected on a handle still in use, replacing stale client")
		s.clients.Delete(e.Conn)
	}

	c := &Client{
		server:   s,
		conn:     e.Conn,
		addrType: e.AddrType,
		addr:     e.Addr,
		rx:       rxbuf.New(s.opts.RxBufferSize, s.logger),
	}
	s.clients.Set(e.Conn, c)

	s.logger.WithFields(logrus.Fields{
		"conn":    e.Conn,
		"address": e.Addr,
		"clients": s.clients.Len(),
	}).Info("Central connected")

	cb := s.onConnected
	if cb == nil {
		return nil
	}
	return func() { cb(c) }
}

func (s *Server) handleDisconnect(e radio.CentralDisconnect) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients.Get(e.Conn)
	if !ok {
		s.logger.WithField("conn", e.Conn).Debug("Ignoring disconnect for untracked central")
		return nil
	}
	s.clients.Delete(e.Conn)

	s.logger.WithFields(logrus.Fields{
		"conn":    e.Conn,
		"address": e.Addr,
		"clients": s.clients.Len(),
	}).Info("Central disconnected")

	cb := s.onDisconnected
	started, interval, payload := s.started, s.interval, s.payload
	return func() {
		if cb != nil {
			cb(c)
		}
		if !started {
			return
		}
		if err := s.radio.Advertise(interval, payload); err != nil {
			s.logger.WithError(err).Error("Failed to re-arm advertising")
		}
	}
}

func (s *Server) handleWrite(e radio.GattsWrite) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients.Get(e.Conn)
	if !ok {
		s.logger.WithField("conn", e.Conn).Debug("Ignoring write from untracked central")
		return nil
	}
	if _, ok := s.local.Get(e.Value); !ok {
		s.logger.WithFields(logrus.Fields{
			"conn":         e.Conn,
			"value_handle": e.Value,
		}).Debug("Ignoring write to unregistered value handle")
		return nil
	}

	data, err := s.radio.LocalValue(e.Value)
	if err != nil {
		s.logger.WithError(err).WithField("value_handle", e.Value).Warn("Failed to read written value")
		return nil
	}
	c.rx.Append(e.Value, data)

	s.logger.WithFields(logrus.Fields{
		"conn":         e.Conn,
		"value_handle": e.Value,
		"len":          len(data),
	}).Debug("Central wrote characteristic")

	cb := s.onReceive
	if cb == nil {
		return nil
	}
	return func() { cb(c) }
}
