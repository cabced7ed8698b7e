package adv

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_NameAndAppearance(t *testing.T) {
	b, err := Encode(Fields{Name: "M5UiFlow", Appearance: AppearanceGenericComputer})
	require.NoError(t, err)

	want := []byte{
		0x02, TypeFlags, 0x06,
		0x09, TypeName, 'M', '5', 'U', 'i', 'F', 'l', 'o', 'w',
		0x03, TypeAppearance, 0x80, 0x00,
	}
	assert.Equal(t, want, b)
}

func TestEncode_Flags(t *testing.T) {
	tests := []struct {
		name    string
		fields  Fields
		wantVal byte
	}{
		{name: "general LE only", fields: Fields{}, wantVal: 0x06},
		{name: "limited LE only", fields: Fields{LimitedDiscoverable: true}, wantVal: 0x05},
		{name: "general with BR/EDR", fields: Fields{BREDR: true}, wantVal: 0x1A},
		{name: "limited with BR/EDR", fields: Fields{LimitedDiscoverable: true, BREDR: true}, wantVal: 0x19},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.fields)
			require.NoError(t, err)
			assert.Equal(t, []byte{0x02, TypeFlags, tt.wantVal}, b)

			flags, ok := DecodeFlags(b)
			assert.True(t, ok)
			assert.Equal(t, tt.wantVal, flags)
		})
	}
}

func TestEncode_ServiceRecordTypes(t *testing.T) {
	u128 := ble.MustParse("6e400001b5a3f393e0a9e50e24dcca9e")
	u32 := ble.UUID{0x78, 0x56, 0x34, 0x12}

	b, err := Encode(Fields{Services: []ble.UUID{ble.UUID16(0x180D), u32, u128}})
	require.NoError(t, err)

	recs, err := Records(b)
	require.NoError(t, err)
	require.Len(t, recs, 4)

	assert.Equal(t, Record{Type: TypeAllUUID16, Value: []byte{0x0D, 0x18}}, recs[1])
	assert.Equal(t, Record{Type: TypeAllUUID32, Value: []byte{0x78, 0x56, 0x34, 0x12}}, recs[2])
	assert.Equal(t, byte(TypeAllUUID128), recs[3].Type)
	assert.Equal(t, []byte(u128), recs[3].Value)
}

func TestEncode_Rejects(t *testing.T) {
	t.Run("name longer than one record", func(t *testing.T) {
		_, err := Encode(Fields{Name: strings.Repeat("x", 255)})
		assert.ErrorIs(t, err, ErrRecordTooLong)
	})

	t.Run("name at the ceiling", func(t *testing.T) {
		b, err := Encode(Fields{Name: strings.Repeat("x", 254)})
		require.NoError(t, err)
		assert.Equal(t, byte(255), b[3])
		assert.Equal(t, strings.Repeat("x", 254), DecodeName(b))
	})

	t.Run("odd sized uuid", func(t *testing.T) {
		_, err := Encode(Fields{Services: []ble.UUID{{0x01, 0x02, 0x03}}})
		assert.ErrorIs(t, err, ErrInvalidUUID)
	})
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		fields Fields
	}{
		{
			name:   "name only",
			fields: Fields{Name: "Sensor-01"},
		},
		{
			name:   "utf-8 name",
			fields: Fields{Name: "Thermomètre"},
		},
		{
			name: "mixed widths keep order",
			fields: Fields{
				Name: "NUS",
				Services: []ble.UUID{
					ble.MustParse("6e400001b5a3f393e0a9e50e24dcca9e"),
					ble.UUID16(0x180F),
					{0xEF, 0xBE, 0xAD, 0xDE},
				},
			},
		},
		{
			name:   "no name no services",
			fields: Fields{Appearance: 0x0341},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.fields)
			require.NoError(t, err)

			assert.Equal(t, tt.fields.Name, DecodeName(b))

			got := DecodeServices(b)
			require.Len(t, got, len(tt.fields.Services))
			for i := range got {
				assert.True(t, tt.fields.Services[i].Equal(got[i]), "service %d: got %x want %x", i, got[i], tt.fields.Services[i])
			}

			app, ok := DecodeAppearance(b)
			assert.Equal(t, tt.fields.Appearance != 0, ok)
			assert.Equal(t, tt.fields.Appearance, app)
		})
	}
}

func TestDecodeField_Truncated(t *testing.T) {
	good, err := Encode(Fields{Name: "abc"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
		want    [][]byte
	}{
		{
			name:    "last record declares more than remains",
			payload: append(append([]byte(nil), good...), 0x09, TypeName, 'x', 'y'),
			want:    [][]byte{[]byte("abc")},
		},
		{
			name:    "lone length byte",
			payload: append(append([]byte(nil), good...), 0x05),
			want:    [][]byte{[]byte("abc")},
		},
		{
			name:    "first record already truncated",
			payload: []byte{0x1F, TypeName, 'a'},
			want:    nil,
		},
		{
			name:    "zero padding ends the payload",
			payload: append(append([]byte(nil), good...), 0x00, 0x00, 0x00),
			want:    [][]byte{[]byte("abc")},
		},
		{
			name:    "empty",
			payload: nil,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Equal(t, tt.want, DecodeField(tt.payload, TypeName))
			})
		})
	}
}

func TestRecords_ProtocolError(t *testing.T) {
	payload := []byte{0x02, TypeFlags, 0x06, 0x0A, TypeName, 'h', 'i'}

	recs, err := Records(payload)
	require.Len(t, recs, 1)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Offset)
	assert.Equal(t, 10, perr.Declared)
	assert.Equal(t, 3, perr.Remaining)
}

func TestDecodeName_FirstWins(t *testing.T) {
	payload := []byte{0x04, TypeName, 'o', 'n', 'e', 0x04, TypeName, 't', 'w', 'o'}
	assert.Equal(t, "one", DecodeName(payload))
	assert.Len(t, DecodeField(payload, TypeName), 2)
	assert.Equal(t, "", DecodeName([]byte{0x02, TypeFlags, 0x06}))
}

func TestDecodeServices_MultiUUIDRecord(t *testing.T) {
	payload := []byte{0x06, TypeAllUUID16, 0x0D, 0x18, 0x0F, 0x18, 0xAA}
	got := DecodeServices(payload)

	require.Len(t, got, 2)
	assert.True(t, ble.UUID16(0x180D).Equal(got[0]))
	assert.True(t, ble.UUID16(0x180F).Equal(got[1]))
	// decoded values must not alias the payload
	payload[2] = 0xFF
	assert.True(t, bytes.Equal([]byte{0x0D, 0x18}, got[0]))
}
