package radio

import (
	"fmt"

	"github.com/go-ble/ble"
)

// Event is a single record delivered by the radio. The concrete types below
// are the complete set.
type Event interface {
	// Kind returns a short, stable name used in logs and traces.
	Kind() string
}

// Status is a stack-reported completion status; zero means success.
type Status uint16

// CentralConnect: a remote central connected to us.
type CentralConnect struct {
	Conn     ConnHandle
	AddrType AddrType
	Addr     Addr
}

// CentralDisconnect: a remote central went away.
type CentralDisconnect struct {
	Conn     ConnHandle
	AddrType AddrType
	Addr     Addr
}

// GattsWrite: a central wrote to one of our characteristics. The value is
// fetched with Radio.LocalValue.
type GattsWrite struct {
	Conn  ConnHandle
	Value ValueHandle
}

type ScanResult struct {
	AddrType AddrType
	Addr     Addr
	AdvType  AdvType
	RSSI     int8
	AdvData  []byte
}

type ScanDone struct{}

// PeripheralConnect: an outbound Connect completed.
type PeripheralConnect struct {
	Conn     ConnHandle
	AddrType AddrType
	Addr     Addr
}

type PeripheralDisconnect struct {
	Conn     ConnHandle
	AddrType AddrType
	Addr     Addr
}

type ServiceResult struct {
	Conn  ConnHandle
	Start uint16
	End   uint16
	UUID  ble.UUID
}

type ServiceDone struct {
	Conn   ConnHandle
	Status Status
}

type CharacteristicResult struct {
	Conn       ConnHandle
	Def        uint16
	Value      ValueHandle
	Properties ble.Property
	UUID       ble.UUID
}

type CharacteristicDone struct {
	Conn   ConnHandle
	Status Status
}

type ReadResult struct {
	Conn  ConnHandle
	Value ValueHandle
	Data  []byte
}

type ReadDone struct {
	Conn   ConnHandle
	Value  ValueHandle
	Status Status
}

type WriteDone struct {
	Conn   ConnHandle
	Value  ValueHandle
	Status Status
}

type Notify struct {
	Conn  ConnHandle
	Value ValueHandle
	Data  []byte
}

type Indicate struct {
	Conn  ConnHandle
	Value ValueHandle
	Data  []byte
}

func (CentralConnect) Kind() string       { return "central_connect" }
func (CentralDisconnect) Kind() string    { return "central_disconnect" }
func (GattsWrite) Kind() string           { return "gatts_write" }
func (ScanResult) Kind() string           { return "scan_result" }
func (ScanDone) Kind() string             { return "scan_done" }
func (PeripheralConnect) Kind() string    { return "peripheral_connect" }
func (PeripheralDisconnect) Kind() string { return "peripheral_disconnect" }
func (ServiceResult) Kind() string        { return "gattc_service_result" }
func (ServiceDone) Kind() string          { return "gattc_service_done" }
func (CharacteristicResult) Kind() string { return "gattc_characteristic_result" }
func (CharacteristicDone) Kind() string   { return "gattc_characteristic_done" }
func (ReadResult) Kind() string           { return "gattc_read_result" }
func (ReadDone) Kind() string             { return "gattc_read_done" }
func (WriteDone) Kind() string            { return "gattc_write_done" }
func (Notify) Kind() string               { return "gattc_notify" }
func (Indicate) Kind() string             { return "gattc_indicate" }

// Describe renders an event for logs and the CLI.
func Describe(ev Event) string {
	switch e := ev.(type) {
	case CentralConnect:
		return fmt.Sprintf("%s conn=%d addr=%s(%s)", e.Kind(), e.Conn, e.Addr, e.AddrType)
	case CentralDisconnect:
		return fmt.Sprintf("%s conn=%d addr=%s(%s)", e.Kind(), e.Conn, e.Addr, e.AddrType)
	case PeripheralConnect:
		return fmt.Sprintf("%s conn=%d addr=%s(%s)", e.Kind(), e.Conn, e.Addr, e.AddrType)
	case PeripheralDisconnect:
		return fmt.Sprintf("%s conn=%d addr=%s(%s)", e.Kind(), e.Conn, e.Addr, e.AddrType)
	case GattsWrite:
		return fmt.Sprintf("%s conn=%d value=%d", e.Kind(), e.Conn, e.Value)
	case ScanResult:
		return fmt.Sprintf("%s addr=%s adv_type=%d rssi=%d len=%d", e.Kind(), e.Addr, e.AdvType, e.RSSI, len(e.AdvData))
	case ServiceResult:
		return fmt.Sprintf("%s conn=%d uuid=%s range=%d-%d", e.Kind(), e.Conn, e.UUID, e.Start, e.End)
	case CharacteristicResult:
		return fmt.Sprintf("%s conn=%d uuid=%s value=%d", e.Kind(), e.Conn, e.UUID, e.Value)
	case ReadResult:
		return fmt.Sprintf("%s conn=%d value=%d data=% X", e.Kind(), e.Conn, e.Value, e.Data)
	case Notify:
		return fmt.Sprintf("%s conn=%d value=%d data=% X", e.Kind(), e.Conn, e.Value, e.Data)
	case Indicate:
		return fmt.Sprintf("%s conn=%d value=%d data=% X", e.Kind(), e.Conn, e.Value, e.Data)
	case nil:
		return "<nil>"
	default:
		return ev.Kind()
	}
}
