package device

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ble/ble"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb.
const sigBaseSuffix = "00001000800000805f9b34fb"

// ParseUUID converts a UUID string to go-ble's little-endian representation.
// Accepts 16-bit ("2a00", "0x2A00"), 32-bit ("0000feed") and 128-bit
// (dashed or not, optionally in braces) forms. 128-bit UUIDs built on the SIG
// base are shortened to their 16-bit form.
func ParseUUID(s string) (ble.UUID, error) {
	n := strings.TrimSpace(strings.ToLower(s))
	n = strings.TrimPrefix(n, "0x")
	n = strings.Trim(n, "{}")
	n = strings.ReplaceAll(n, "-", "")
	if len(n) == 32 && strings.HasPrefix(n, "0000") && strings.HasSuffix(n, sigBaseSuffix) {
		n = n[4:8]
	}
	switch len(n) {
	case 4, 32:
		u, err := ble.Parse(n)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return u, nil
	case 8:
		v, err := strconv.ParseUint(n, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return UUID32(uint32(v)), nil
	default:
		return nil, fmt.Errorf("invalid UUID %q: must be 16, 32 or 128 bits", s)
	}
}

// MustParseUUID is like ParseUUID but panics on error.
func MustParseUUID(s string) ble.UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// UUID32 builds a 32-bit UUID in the same little-endian layout go-ble uses
// for 16- and 128-bit values.
func UUID32(v uint32) ble.UUID {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return ble.UUID(b)
}

// UUIDKey returns the map key used for UUID lookups. UUIDs of different
// widths never collide.
func UUIDKey(u ble.UUID) string {
	return u.String()
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns parsed UUIDs or an error.
// Accepts one or more UUIDs as variadic arguments.
func ValidateUUID(uuids ...string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]ble.UUID, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		u, err := ParseUUID(uuid)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID format at index %d: %w", i, err)
		}
		result = append(result, u)
	}
	return result, nil
}
