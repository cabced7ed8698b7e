package device

import (
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected ble.UUID
	}{
		{
			name:     "16-bit UUID lowercase",
			input:    "2a00",
			expected: ble.UUID16(0x2A00),
		},
		{
			name:     "16-bit UUID with 0X prefix uppercase",
			input:    "0X2A00",
			expected: ble.UUID16(0x2A00),
		},
		{
			name:     "Full Bluetooth SIG UUID with dashes",
			input:    "00002902-0000-1000-8000-00805f9b34fb",
			expected: ble.UUID16(0x2902),
		},
		{
			name:     "Full Bluetooth SIG UUID in braces",
			input:    "{0000180D-0000-1000-8000-00805F9B34FB}",
			expected: ble.UUID16(0x180D),
		},
		{
			name:     "32-bit UUID",
			input:    "0001feed",
			expected: ble.UUID{0xed, 0xfe, 0x01, 0x00},
		},
		{
			name:     "Custom 128-bit UUID keeps full width",
			input:    "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			expected: ble.MustParse("6e400001b5a3f393e0a9e50e24dcca9e"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseUUID(tt.input)
			require.NoError(t, err)
			assert.True(t, tt.expected.Equal(u), "got %x want %x", []byte(u), []byte(tt.expected))
		})
	}
}

func TestParseUUID_Invalid(t *testing.T) {
	for _, input := range []string{"", "2a", "2a0", "zzzz", "6e400001-b5a3-f393-e0a9"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseUUID(input)
			assert.Error(t, err)
		})
	}
}

func TestUUID32_LittleEndian(t *testing.T) {
	assert.Equal(t, []byte{0x78, 0x56, 0x34, 0x12}, []byte(UUID32(0x12345678)))
}

func TestUUIDKey_DistinguishesWidths(t *testing.T) {
	short := ble.UUID16(0x2A00)
	wide := UUID32(0x00002A00)

	assert.NotEqual(t, UUIDKey(short), UUIDKey(wide))
	assert.Equal(t, UUIDKey(short), UUIDKey(MustParseUUID("0x2a00")))
}

func TestValidateUUID(t *testing.T) {
	t.Run("parses every entry", func(t *testing.T) {
		uuids, err := ValidateUUID("180d", "2a37")
		require.NoError(t, err)
		assert.Len(t, uuids, 2)
	})

	t.Run("rejects empty list", func(t *testing.T) {
		_, err := ValidateUUID()
		assert.Error(t, err)
	})

	t.Run("rejects empty entry", func(t *testing.T) {
		_, err := ValidateUUID("180d", "")
		assert.ErrorContains(t, err, "index 1")
	})
}
