package main

import (
	"errors"
	"fmt"

	"github.com/srg/bleuart/internal/adv"
	"github.com/srg/bleuart/internal/device"
)

// Command-level errors
var (
	// ErrNoPeripheral means a scan ended without finding a matching server.
	ErrNoPeripheral = errors.New("no matching peripheral found")
	// ErrTimeout means the central did not reach the ready state in time.
	ErrTimeout = errors.New("timed out")
)

// FormatUserError turns library errors into one-line messages for the
// terminal. Unknown errors are printed as-is.
func FormatUserError(err error) string {
	var (
		notFound *device.NotFoundError
		regErr   *device.RegistrationError
		protoErr *adv.ProtocolError
	)

	switch {
	case errors.As(err, &regErr):
		return fmt.Sprintf("could not register GATT services (%s); check for duplicate characteristic UUIDs", regErr.Reason)
	case errors.As(err, &notFound):
		return fmt.Sprintf("%s; run 'bleuart demo' to list what the peripheral exposes", notFound.Error())
	case errors.As(err, &protoErr):
		return fmt.Sprintf("advertising payload is truncated at byte %d (record claims %d bytes, %d left)",
			protoErr.Offset, protoErr.Declared, protoErr.Remaining)
	case errors.Is(err, adv.ErrRecordTooLong):
		return "advertising field too long: each record value must be at most 254 bytes"
	case errors.Is(err, device.ErrNotConnected):
		return "not connected: the peer went away or the connection was never established"
	case errors.Is(err, device.ErrAlreadyConnected):
		return "already connected: close the current connection first"
	case errors.Is(err, ErrNoPeripheral):
		return "no matching peripheral found; check the name prefix or increase --scan-timeout"
	default:
		return err.Error()
	}
}
