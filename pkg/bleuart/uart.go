package bleuart

import (
	"github.com/srg/bleuart/internal/client"
	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/server"
)

// Nordic UART Service. Centrals write to RX and receive notifications on TX.
var (
	UARTServiceUUID = device.MustParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	UARTRxUUID      = device.MustParseUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	UARTTxUUID      = device.MustParseUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

// DeclareUART adds the UART service to srv. Call before StartServer.
func DeclareUART(srv *server.Server) {
	srv.DeclareService(UARTServiceUUID,
		server.Characteristic(UARTRxUUID, false, true, false),
		server.Characteristic(UARTTxUUID, true, false, true),
	)
}

// Found re-exports the client scan match type for callers of this package.
type Found = client.Found
