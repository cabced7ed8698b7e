package ptyio

import (
	"bytes"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *collector) add(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(data)
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func openOrSkip(t *testing.T, opts Options) *PTY {
	t.Helper()
	p, err := Open(opts)
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func openSlave(t *testing.T, p *PTY) *os.File {
	t.Helper()
	f, err := os.OpenFile(p.TTYName(), os.O_RDWR|syscall.O_NOCTTY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestPTY_SlaveInputReachesCallback(t *testing.T) {
	var got collector
	p := openOrSkip(t, Options{OnData: got.add, PollTimeout: 10 * time.Millisecond})
	slave := openSlave(t, p)

	_, err := slave.Write([]byte("AT+PING\r"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return got.String() == "AT+PING\r"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(8), p.Stats().ReadBytesTotal)
}

func TestPTY_WriteReachesSlave(t *testing.T) {
	p := openOrSkip(t, Options{PollTimeout: 10 * time.Millisecond})
	slave := openSlave(t, p)

	n, err := p.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := slave.Read(buf)
		read <- buf[:n]
	}()

	select {
	case data := <-read:
		assert.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("slave did not receive data")
	}

	assert.Eventually(t, func() bool {
		return p.Stats().WriteBytesTotal == 5
	}, time.Second, 10*time.Millisecond)
}

func TestPTY_WriteOverflowIsCounted(t *testing.T) {
	p := openOrSkip(t, Options{WriteCap: 4, PollTimeout: 10 * time.Millisecond})
	// nobody reads the slave; the writer loop may still drain into the
	// kernel buffer, so only assert the accounting is consistent
	n, err := p.Write([]byte("0123456789"))
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 4, stats.WriteQueueCap)
	assert.Equal(t, uint64(10-n), stats.DroppedWriteCount)
}

func TestPTY_CloseIsIdempotent(t *testing.T) {
	p, err := Open(Options{})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}

	assert.NotEmpty(t, p.TTYName())
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())

	_, err = p.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
}
