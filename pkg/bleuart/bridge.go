package bleuart

import (
	"io"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/ptyio"
	"github.com/srg/bleuart/internal/server"
)

// DefaultChunkSize is the largest notification payload that fits a default
// 23-byte ATT MTU.
const DefaultChunkSize = 20

// Port is the local end of a SerialBridge. *ptyio.PTY implements it.
type Port interface {
	Write(data []byte) (int, error)
	SetOnData(fn ptyio.DataFunc)
}

// BridgeStats counts bytes moved in each direction.
type BridgeStats struct {
	FromCentrals uint64 // written by centrals, forwarded to the port
	ToCentrals   uint64 // typed into the port, notified to centrals
	SendErrors   uint64
}

// SerialBridge joins a server characteristic pair to a local port: writes
// on rx go to the port and port input is notified on tx to every central.
type SerialBridge struct {
	server    *server.Server
	rx, tx    ble.UUID
	port      Port
	logger    *logrus.Logger
	chunkSize atomic.Int64

	fromCentrals atomic.Uint64
	toCentrals   atomic.Uint64
	sendErrors   atomic.Uint64
}

// NewSerialBridge installs the server receive callback and the port data
// callback. Any receive callback previously set on srv is replaced.
func NewSerialBridge(srv *server.Server, rx, tx ble.UUID, port Port, logger *logrus.Logger) *SerialBridge {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	b := &SerialBridge{
		server: srv,
		rx:     rx,
		tx:     tx,
		port:   port,
		logger: logger,
	}
	b.chunkSize.Store(DefaultChunkSize)
	srv.OnReceive(b.drain)
	port.SetOnData(b.Send)
	return b
}

// SetChunkSize sets the notification payload limit; n <= 0 disables chunking.
func (b *SerialBridge) SetChunkSize(n int) {
	b.chunkSize.Store(int64(n))
}

func (b *SerialBridge) drain(c *server.Client) {
	data, err := c.Read(b.rx, 0)
	if err != nil {
		b.logger.WithError(err).WithField("client", c.String()).Warn("Failed to drain receive buffer")
		return
	}
	if len(data) == 0 {
		return
	}
	n, err := b.port.Write(data)
	if err != nil {
		b.logger.WithError(err).Warn("Failed to write to port")
		return
	}
	b.fromCentrals.Add(uint64(n))
}

// Send notifies data on tx to every connected central. Failures for one
// central are logged and do not stop delivery to the others.
func (b *SerialBridge) Send(data []byte) {
	if len(data) == 0 {
		return
	}
	clients := b.server.Clients()
	if len(clients) == 0 {
		b.logger.WithField("bytes", len(data)).Debug("No centrals connected, dropping port input")
		return
	}

	size := int(b.chunkSize.Load())
	if size <= 0 {
		size = len(data)
	}
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		chunk := append([]byte(nil), data[off:end]...)
		for _, c := range clients {
			if err := c.Write(b.tx, chunk); err != nil {
				b.sendErrors.Add(1)
				b.logger.WithError(err).WithField("client", c.String()).Warn("Failed to notify central")
				continue
			}
			b.toCentrals.Add(uint64(len(chunk)))
		}
	}
}

func (b *SerialBridge) Stats() BridgeStats {
	return BridgeStats{
		FromCentrals: b.fromCentrals.Load(),
		ToCentrals:   b.toCentrals.Load(),
		SendErrors:   b.sendErrors.Load(),
	}
}

// Close detaches both callbacks. The port itself is left open.
func (b *SerialBridge) Close() {
	b.server.OnReceive(nil)
	b.port.SetOnData(nil)
}
