package client

import (
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/bleuart/internal/radio"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// State is the position of the client in its connection lifecycle.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	Connected
	DiscoveringServices
	DiscoveringCharacteristics
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case DiscoveringServices:
		return "discovering_services"
	case DiscoveringCharacteristics:
		return "discovering_characteristics"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// linked reports whether the state implies an established connection.
func (s State) linked() bool {
	return s >= Connected
}

// Scan defaults.
const (
	DefaultScanTimeout  = 2 * time.Second
	DefaultScanInterval = 30 * time.Millisecond
	DefaultScanWindow   = 30 * time.Millisecond
)

// ScanOptions configures a scan.
type ScanOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	Window   time.Duration

	// ConnectOnFound stops the scan and connects to the first match.
	ConnectOnFound bool
	// StopOnFound stops the scan at the first match.
	StopOnFound bool
	// NamePrefix filters on the advertised complete local name; "" matches all.
	NamePrefix string
	// ServiceUUID, when set, must appear among the advertised services.
	ServiceUUID ble.UUID
}

// DefaultScanOptions scans for two seconds and connects to the first match.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Timeout:        DefaultScanTimeout,
		Interval:       DefaultScanInterval,
		Window:         DefaultScanWindow,
		ConnectOnFound: true,
		StopOnFound:    true,
	}
}

func (o *ScanOptions) applyDefaults() {
	if o.Timeout == 0 {
		o.Timeout = DefaultScanTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultScanInterval
	}
	if o.Window <= 0 {
		o.Window = DefaultScanWindow
	}
	if o.Window > o.Interval {
		o.Window = o.Interval
	}
}

// Found is a scan result that passed the filters.
type Found struct {
	Name string
	radio.ScanResult
}

// Peer identifies the remote end of a connection.
type Peer struct {
	Conn     radio.ConnHandle
	AddrType radio.AddrType
	Addr     radio.Addr
}

// Characteristic is a discovered remote characteristic.
type Characteristic struct {
	UUID       ble.UUID
	Def        uint16
	Value      radio.ValueHandle
	Properties ble.Property
}

// Service is a discovered remote service with its characteristics in
// discovery order.
type Service struct {
	UUID            ble.UUID
	Start           uint16
	End             uint16
	Characteristics []Characteristic
}

func (s *Service) contains(handle uint16) bool {
	return handle >= s.Start && handle <= s.End
}

// serviceTable keeps discovered services ordered by arrival, keyed by start
// handle so repeated service UUIDs stay distinct.
type serviceTable = orderedmap.OrderedMap[uint16, *Service]

func newServiceTable() *serviceTable {
	return orderedmap.New[uint16, *Service]()
}
