// Package radio describes the host-stack surface the GATT state machines are
// built on: an opaque, event-driven radio that accepts commands and reports
// everything that happens on the air as typed event records.
//
// Nothing in this package talks to hardware. Implementations live elsewhere
// (see the loopback package for an in-memory one).
package radio

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-ble/ble"
)

// ConnHandle identifies a live link. It is assigned by the radio stack.
type ConnHandle uint16

// ValueHandle identifies the storage of a single characteristic value.
type ValueHandle uint16

// AddrType is the Bluetooth address type reported alongside an address.
type AddrType uint8

const (
	AddrPublic AddrType = 0x00
	AddrRandom AddrType = 0x01
)

func (t AddrType) String() string {
	switch t {
	case AddrPublic:
		return "public"
	case AddrRandom:
		return "random"
	default:
		return fmt.Sprintf("addr_type(%d)", uint8(t))
	}
}

// AdvType is the kind of advertising PDU a scan result was built from.
type AdvType uint8

const (
	AdvInd        AdvType = 0x00 // connectable undirected
	AdvDirectInd  AdvType = 0x01 // connectable directed
	AdvScanInd    AdvType = 0x02 // scannable undirected
	AdvNonconnInd AdvType = 0x03 // non-connectable undirected
	AdvScanRsp    AdvType = 0x04 // scan response
)

// Connectable reports whether a central may connect in response to this PDU.
func (t AdvType) Connectable() bool {
	return t == AdvInd || t == AdvDirectInd
}

// Addr is a 6-byte device address in display order.
type Addr [6]byte

// ParseAddr parses "AA:BB:CC:DD:EE:FF" (':' or '-' separated).
func ParseAddr(s string) (Addr, error) {
	var a Addr
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '-' })
	if len(parts) != len(a) {
		return a, fmt.Errorf("invalid address %q: want 6 octets", s)
	}
	for i, p := range parts {
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil || len(p) != 2 {
			return a, fmt.Errorf("invalid address %q: bad octet %q", s, p)
		}
		a[i] = byte(b)
	}
	return a, nil
}

// MustParseAddr is like ParseAddr but panics on error.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Addr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// CharacteristicDef declares a characteristic before registration.
// Flags carry go-ble property bits (ble.CharRead, ble.CharWrite, ble.CharNotify).
type CharacteristicDef struct {
	UUID  ble.UUID
	Flags ble.Property
}

// ServiceDef declares a service and its characteristics, in order.
type ServiceDef struct {
	UUID            ble.UUID
	Characteristics []CharacteristicDef
}

// Handler receives every event the radio produces. The radio guarantees
// calls are serialized.
type Handler func(Event)

// Radio is the command side of a BLE host stack.
//
// Commands only enqueue work; completion, if any, is reported later through
// the Handler as an Event.
type Radio interface {
	Activate(on bool) error

	// Advertise starts advertising payload every interval. A zero interval
	// stops advertising.
	Advertise(interval time.Duration, payload []byte) error

	// Scan runs a timed scan; results arrive as ScanResult events followed by
	// a single ScanDone.
	Scan(duration, interval, window time.Duration) error
	StopScan() error

	Connect(addrType AddrType, addr Addr) error
	Disconnect(conn ConnHandle) error

	// RegisterServices registers the local GATT table and returns the value
	// handles in declaration order: result[i][j] belongs to
	// services[i].Characteristics[j].
	RegisterServices(services []ServiceDef) ([][]ValueHandle, error)

	// Notify pushes data to a connected central.
	Notify(conn ConnHandle, vh ValueHandle, data []byte) error
	// LocalValue returns the current value of a local characteristic.
	LocalValue(vh ValueHandle) ([]byte, error)

	WriteCharacteristic(conn ConnHandle, vh ValueHandle, data []byte) error
	// ReadCharacteristic requests a remote read; the value arrives as ReadResult.
	ReadCharacteristic(conn ConnHandle, vh ValueHandle) error
	DiscoverServices(conn ConnHandle) error
	DiscoverCharacteristics(conn ConnHandle, start, end uint16) error

	SetHandler(h Handler)
}
