// Package adv encodes and decodes BLE advertising payloads.
//
// A payload is a sequence of type-length-value records:
//
//	byte 0      length of the record, counting the type byte
//	byte 1      AD type
//	byte 2..    length-1 bytes of value
package adv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
)

// AD types used by this package.
const (
	TypeFlags      = 0x01 // Flags
	TypeAllUUID16  = 0x03 // Complete List of 16-bit Service Class UUIDs
	TypeAllUUID32  = 0x05 // Complete List of 32-bit Service Class UUIDs
	TypeAllUUID128 = 0x07 // Complete List of 128-bit Service Class UUIDs
	TypeName       = 0x09 // Complete Local Name
	TypeAppearance = 0x19 // Appearance
)

// flag bits
const (
	FlagLimitedDiscoverable = 0x01 // LE Limited Discoverable Mode
	FlagGeneralDiscoverable = 0x02 // LE General Discoverable Mode
	FlagLEOnly              = 0x04 // BR/EDR Not Supported
	FlagBREDR               = 0x18 // Simultaneous LE and BR/EDR (controller and host)
)

// AppearanceGenericComputer is the GAP appearance value for a generic computer.
const AppearanceGenericComputer = 128

// MaxLegacyPayload is the size of a legacy (non-extended) advertising PDU
// payload. Encode does not enforce it; callers that advertise with legacy
// PDUs should check.
const MaxLegacyPayload = 31

// maxValueLen keeps the length byte (value + type) within 255.
const maxValueLen = 254

var (
	// ErrRecordTooLong is returned when a value would not fit a one-byte length.
	ErrRecordTooLong = errors.New("advertising record exceeds 255 bytes")
	// ErrInvalidUUID is returned for service UUIDs that are not 2, 4 or 16 bytes.
	ErrInvalidUUID = errors.New("service UUID must be 2, 4 or 16 bytes")
)

// Fields describes the content of an advertising payload.
type Fields struct {
	LimitedDiscoverable bool
	BREDR               bool
	Name                string
	Services            []ble.UUID
	Appearance          uint16 // 0 omits the record
}

// Record is a single decoded TLV entry.
type Record struct {
	Type  byte
	Value []byte
}

// ProtocolError describes a record whose declared length runs past the end
// of the payload.
type ProtocolError struct {
	Offset    int
	Declared  int
	Remaining int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed advertising record at offset %d: declared length %d, %d bytes remaining",
		e.Offset, e.Declared, e.Remaining)
}

// Encode builds a payload from f. Records are emitted in a fixed order:
// flags, name, one record per service UUID, appearance. Oversized records
// are rejected rather than truncated.
func Encode(f Fields) ([]byte, error) {
	var p payload

	flags := byte(FlagGeneralDiscoverable)
	if f.LimitedDiscoverable {
		flags = FlagLimitedDiscoverable
	}
	if f.BREDR {
		flags += FlagBREDR
	} else {
		flags += FlagLEOnly
	}
	if err := p.append(TypeFlags, []byte{flags}); err != nil {
		return nil, err
	}

	if f.Name != "" {
		if err := p.append(TypeName, []byte(f.Name)); err != nil {
			return nil, fmt.Errorf("name: %w", err)
		}
	}

	for _, u := range f.Services {
		var typ byte
		switch u.Len() {
		case 2:
			typ = TypeAllUUID16
		case 4:
			typ = TypeAllUUID32
		case 16:
			typ = TypeAllUUID128
		default:
			return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidUUID, u.Len())
		}
		// ble.UUID is already little-endian, as the air format wants.
		if err := p.append(typ, u); err != nil {
			return nil, err
		}
	}

	if f.Appearance != 0 {
		v := make([]byte, 2)
		binary.LittleEndian.PutUint16(v, f.Appearance)
		if err := p.append(TypeAppearance, v); err != nil {
			return nil, err
		}
	}

	return p.data, nil
}

type payload struct {
	data []byte
}

// append adds one record: len, type, value. Len is 1 byte for type plus len(value).
func (p *payload) append(typ byte, value []byte) error {
	if len(value) > maxValueLen {
		return ErrRecordTooLong
	}
	p.data = append(p.data, byte(len(value)+1), typ)
	p.data = append(p.data, value...)
	return nil
}

// Records splits a payload into its fully-contained records. A trailing
// record that runs past the end is dropped and reported as *ProtocolError
// alongside the records read so far. A zero length byte ends the payload.
func Records(b []byte) ([]Record, error) {
	var out []Record
	for i := 0; i+1 < len(b); {
		l := int(b[i])
		if l == 0 {
			break
		}
		if i+1+l > len(b) {
			return out, &ProtocolError{Offset: i, Declared: l, Remaining: len(b) - i - 1}
		}
		out = append(out, Record{Type: b[i+1], Value: b[i+2 : i+1+l]})
		i += 1 + l
	}
	return out, nil
}

// DecodeField returns the value of every record of type typ, in order.
// Malformed trailing data stops the scan.
func DecodeField(b []byte, typ byte) [][]byte {
	recs, _ := Records(b)
	var out [][]byte
	for _, r := range recs {
		if r.Type == typ {
			out = append(out, r.Value)
		}
	}
	return out
}

// DecodeName returns the first complete local name, or "".
func DecodeName(b []byte) string {
	if n := DecodeField(b, TypeName); len(n) > 0 {
		return string(n[0])
	}
	return ""
}

// DecodeServices returns the advertised service UUIDs in record order.
// A record may carry several UUIDs of its width; a trailing partial UUID is
// ignored.
func DecodeServices(b []byte) []ble.UUID {
	recs, _ := Records(b)
	var out []ble.UUID
	for _, r := range recs {
		switch r.Type {
		case TypeAllUUID16:
			out = uuidList(out, r.Value, 2)
		case TypeAllUUID32:
			out = uuidList(out, r.Value, 4)
		case TypeAllUUID128:
			out = uuidList(out, r.Value, 16)
		}
	}
	return out
}

func uuidList(u []ble.UUID, d []byte, w int) []ble.UUID {
	for len(d) >= w {
		u = append(u, ble.UUID(append([]byte(nil), d[:w]...)))
		d = d[w:]
	}
	return u
}

// DecodeAppearance returns the advertised appearance, if any.
func DecodeAppearance(b []byte) (uint16, bool) {
	for _, v := range DecodeField(b, TypeAppearance) {
		if len(v) == 2 {
			return binary.LittleEndian.Uint16(v), true
		}
	}
	return 0, false
}

// DecodeFlags returns the flags byte, if any.
func DecodeFlags(b []byte) (byte, bool) {
	for _, v := range DecodeField(b, TypeFlags) {
		if len(v) == 1 {
			return v[0], true
		}
	}
	return 0, false
}
