package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/bleuart/internal/adv"
	"github.com/srg/bleuart/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "registration",
			err:      fmt.Errorf("start: %w", &device.RegistrationError{Reason: "duplicate characteristic"}),
			expected: "could not register GATT services (duplicate characteristic); check for duplicate characteristic UUIDs",
		},
		{
			name:     "unknown characteristic",
			err:      device.CharacteristicNotFound("2a00"),
			expected: `characteristic "2a00" not found; run 'bleuart demo' to list what the peripheral exposes`,
		},
		{
			name:     "truncated payload",
			err:      &adv.ProtocolError{Offset: 3, Declared: 9, Remaining: 3},
			expected: "advertising payload is truncated at byte 3 (record claims 9 bytes, 3 left)",
		},
		{
			name:     "record too long",
			err:      fmt.Errorf("name: %w", adv.ErrRecordTooLong),
			expected: "advertising field too long: each record value must be at most 254 bytes",
		},
		{
			name:     "not connected",
			err:      fmt.Errorf("write: %w", device.ErrNotConnected),
			expected: "not connected: the peer went away or the connection was never established",
		},
		{
			name:     "no peripheral",
			err:      ErrNoPeripheral,
			expected: "no matching peripheral found; check the name prefix or increase --scan-timeout",
		},
		{
			name:     "passthrough",
			err:      errors.New("boom"),
			expected: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatUserError(tt.err))
		})
	}
}
