package testutils

import (
	"sync"
	"time"

	"github.com/srg/bleuart/internal/radio"
	"github.com/stretchr/testify/mock"
)

// MockRadio implements radio.Radio for testing. Every command goes through
// testify's mock.Called; SetHandler is recorded without an expectation so
// tests can push events with Emit.
type MockRadio struct {
	mock.Mock

	mu      sync.Mutex
	handler radio.Handler
}

// NewMockRadio returns a MockRadio with no expectations.
func NewMockRadio() *MockRadio {
	return &MockRadio{}
}

// Emit delivers ev to the registered handler, if any.
func (m *MockRadio) Emit(events ...radio.Event) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return
	}
	for _, ev := range events {
		h(ev)
	}
}

func (m *MockRadio) SetHandler(h radio.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *MockRadio) Activate(on bool) error {
	args := m.Called(on)
	return args.Error(0)
}

func (m *MockRadio) Advertise(interval time.Duration, payload []byte) error {
	args := m.Called(interval, payload)
	return args.Error(0)
}

func (m *MockRadio) Scan(duration, interval, window time.Duration) error {
	args := m.Called(duration, interval, window)
	return args.Error(0)
}

func (m *MockRadio) StopScan() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRadio) Connect(addrType radio.AddrType, addr radio.Addr) error {
	args := m.Called(addrType, addr)
	return args.Error(0)
}

func (m *MockRadio) Disconnect(conn radio.ConnHandle) error {
	args := m.Called(conn)
	return args.Error(0)
}

func (m *MockRadio) RegisterServices(services []radio.ServiceDef) ([][]radio.ValueHandle, error) {
	args := m.Called(services)
	var table [][]radio.ValueHandle
	if v := args.Get(0); v != nil {
		table = v.([][]radio.ValueHandle)
	}
	return table, args.Error(1)
}

func (m *MockRadio) Notify(conn radio.ConnHandle, vh radio.ValueHandle, data []byte) error {
	args := m.Called(conn, vh, data)
	return args.Error(0)
}

func (m *MockRadio) LocalValue(vh radio.ValueHandle) ([]byte, error) {
	args := m.Called(vh)
	var data []byte
	if v := args.Get(0); v != nil {
		data = v.([]byte)
	}
	return data, args.Error(1)
}

func (m *MockRadio) WriteCharacteristic(conn radio.ConnHandle, vh radio.ValueHandle, data []byte) error {
	args := m.Called(conn, vh, data)
	return args.Error(0)
}

func (m *MockRadio) ReadCharacteristic(conn radio.ConnHandle, vh radio.ValueHandle) error {
	args := m.Called(conn, vh)
	return args.Error(0)
}

func (m *MockRadio) DiscoverServices(conn radio.ConnHandle) error {
	args := m.Called(conn)
	return args.Error(0)
}

func (m *MockRadio) DiscoverCharacteristics(conn radio.ConnHandle, start, end uint16) error {
	args := m.Called(conn, start, end)
	return args.Error(0)
}

// Sequential returns a handle table shaped like services, numbering value
// handles from first in declaration order with a stride of two (declaration
// handle plus value handle), as a real attribute table would.
func Sequential(services []radio.ServiceDef, first radio.ValueHandle) [][]radio.ValueHandle {
	table := make([][]radio.ValueHandle, len(services))
	next := first
	for i, svc := range services {
		table[i] = make([]radio.ValueHandle, len(svc.Characteristics))
		for j := range svc.Characteristics {
			table[i][j] = next
			next += 2
		}
	}
	return table
}
