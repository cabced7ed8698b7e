package server

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/radio"
	"github.com/srg/bleuart/internal/rxbuf"
)

// Client is a central connected to the server. It stays valid after the
// central disconnects, but every method then fails with ErrNotConnected.
type Client struct {
	server   *Server
	conn     radio.ConnHandle
	addrType radio.AddrType
	addr     radio.Addr
	rx       *rxbuf.Set // guarded by server.mu
}

// ConnHandle returns the radio connection handle.
func (c *Client) ConnHandle() radio.ConnHandle { return c.conn }

// Addr returns the central's address.
func (c *Client) Addr() radio.Addr { return c.addr }

// AddrType returns the central's address type.
func (c *Client) AddrType() radio.AddrType { return c.addrType }

func (c *Client) String() string {
	return fmt.Sprintf("central %s (conn %d)", c.addr, c.conn)
}

// lookup resolves uuid and confirms the central is still connected. The
// caller must hold server.mu.
func (c *Client) lookup(uuid ble.UUID) (radio.ValueHandle, error) {
	if cur, ok := c.server.clients.Get(c.conn); !ok || cur != c {
		return 0, device.ErrNotConnected
	}
	key := device.UUIDKey(uuid)
	vh, ok := c.server.handles.Get(key)
	if !ok {
		return 0, device.CharacteristicNotFound(key)
	}
	return vh, nil
}

// Read pops up to size bytes the central wrote to the characteristic. A size
// of zero or less returns everything pending. It returns an empty slice when
// nothing is pending.
func (c *Client) Read(uuid ble.UUID, size int) ([]byte, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	vh, err := c.lookup(uuid)
	if err != nil {
		return nil, err
	}
	return c.rx.Pop(vh, size), nil
}

// Any returns the number of bytes pending for the characteristic.
func (c *Client) Any(uuid ble.UUID) (int, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	vh, err := c.lookup(uuid)
	if err != nil {
		return 0, err
	}
	return c.rx.Len(vh), nil
}

// Write sends data to the central as a notification on the characteristic.
func (c *Client) Write(uuid ble.UUID, data []byte) error {
	c.server.mu.Lock()
	vh, err := c.lookup(uuid)
	c.server.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.server.radio.Notify(c.conn, vh, data); err != nil {
		return fmt.Errorf("failed to notify %s: %w", device.UUIDKey(uuid), err)
	}
	return nil
}

// Close asks the radio to drop the connection. The client is removed from
// the server when the disconnect event arrives.
func (c *Client) Close() error {
	c.server.mu.Lock()
	_, ok := c.server.clients.Get(c.conn)
	c.server.mu.Unlock()
	if !ok {
		return device.ErrNotConnected
	}
	return c.server.radio.Disconnect(c.conn)
}
