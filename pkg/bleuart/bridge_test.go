package bleuart

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/srg/bleuart/internal/adv"
	"github.com/srg/bleuart/internal/ptyio"
	"github.com/srg/bleuart/internal/radio"
	"github.com/srg/bleuart/internal/server"
	"github.com/srg/bleuart/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	mu      sync.Mutex
	written []byte
	onData  ptyio.DataFunc
	err     error
}

func (p *fakePort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.written = append(p.written, data...)
	return len(data), nil
}

func (p *fakePort) SetOnData(fn ptyio.DataFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onData = fn
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.written)
}

func (p *fakePort) Type(s string) {
	p.mu.Lock()
	fn := p.onData
	p.mu.Unlock()
	if fn != nil {
		fn([]byte(s))
	}
}

const (
	bridgeRx radio.ValueHandle = 3
	bridgeTx radio.ValueHandle = 5
)

func startedServer(t *testing.T) (*server.Server, *testutils.MockRadio) {
	t.Helper()
	r := testutils.NewMockRadio()
	srv, err := server.New(r, server.Options{Name: "M5UiFlow", Appearance: adv.AppearanceGenericComputer}, nil)
	require.NoError(t, err)
	DeclareUART(srv)

	r.On("RegisterServices", mock.Anything).Return([][]radio.ValueHandle{{bridgeRx, bridgeTx}}, nil).Once()
	r.On("Advertise", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, srv.Start(0))
	return srv, r
}

func TestSerialBridge_CentralWritesReachPort(t *testing.T) {
	srv, r := startedServer(t)
	port := &fakePort{}
	b := NewSerialBridge(srv, UARTRxUUID, UARTTxUUID, port, nil)

	srv.HandleEvent(radio.CentralConnect{Conn: 1, Addr: centralAddr})
	r.On("LocalValue", bridgeRx).Return([]byte("ls -l\n"), nil).Once()
	srv.HandleEvent(radio.GattsWrite{Conn: 1, Value: bridgeRx})

	assert.Equal(t, "ls -l\n", port.Written())
	assert.Equal(t, uint64(6), b.Stats().FromCentrals)

	c, _ := srv.Lookup(1)
	n, err := c.Any(UARTRxUUID)
	require.NoError(t, err)
	assert.Zero(t, n, "bridge drains the receive buffer")
}

func TestSerialBridge_PortInputNotifiesEveryCentral(t *testing.T) {
	srv, r := startedServer(t)
	port := &fakePort{}
	b := NewSerialBridge(srv, UARTRxUUID, UARTTxUUID, port, nil)

	srv.HandleEvent(radio.CentralConnect{Conn: 1, Addr: centralAddr})
	srv.HandleEvent(radio.CentralConnect{Conn: 2, Addr: peripheralAddr})
	r.On("Notify", radio.ConnHandle(1), bridgeTx, []byte("ok")).Return(nil).Once()
	r.On("Notify", radio.ConnHandle(2), bridgeTx, []byte("ok")).Return(errors.New("link lost")).Once()

	port.Type("ok")

	r.AssertExpectations(t)
	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.ToCentrals)
	assert.Equal(t, uint64(1), stats.SendErrors)
}

func TestSerialBridge_ChunksLongInput(t *testing.T) {
	srv, r := startedServer(t)
	port := &fakePort{}
	b := NewSerialBridge(srv, UARTRxUUID, UARTTxUUID, port, nil)
	b.SetChunkSize(4)

	srv.HandleEvent(radio.CentralConnect{Conn: 1, Addr: centralAddr})
	r.On("Notify", radio.ConnHandle(1), bridgeTx, []byte("0123")).Return(nil).Once()
	r.On("Notify", radio.ConnHandle(1), bridgeTx, []byte("4567")).Return(nil).Once()
	r.On("Notify", radio.ConnHandle(1), bridgeTx, []byte("89")).Return(nil).Once()

	port.Type("0123456789")

	r.AssertExpectations(t)
	assert.Equal(t, uint64(10), b.Stats().ToCentrals)
}

func TestSerialBridge_NoCentrals(t *testing.T) {
	srv, r := startedServer(t)
	port := &fakePort{}
	NewSerialBridge(srv, UARTRxUUID, UARTTxUUID, port, nil)

	port.Type("lost")
	r.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestSerialBridge_Close(t *testing.T) {
	srv, r := startedServer(t)
	port := &fakePort{}
	b := NewSerialBridge(srv, UARTRxUUID, UARTTxUUID, port, nil)
	b.Close()

	srv.HandleEvent(radio.CentralConnect{Conn: 1, Addr: centralAddr})
	r.On("LocalValue", bridgeRx).Return([]byte("x"), nil).Once()
	srv.HandleEvent(radio.GattsWrite{Conn: 1, Value: bridgeRx})

	assert.Empty(t, port.Written())
	port.mu.Lock()
	assert.Nil(t, port.onData)
	port.mu.Unlock()
}

func TestSerialBridge_OverPTY(t *testing.T) {
	srv, r := startedServer(t)
	p, err := ptyio.Open(ptyio.Options{PollTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer p.Close()
	NewSerialBridge(srv, UARTRxUUID, UARTTxUUID, p, nil)

	slave, err := os.OpenFile(p.TTYName(), os.O_RDWR|syscall.O_NOCTTY, 0)
	require.NoError(t, err)
	defer slave.Close()

	srv.HandleEvent(radio.CentralConnect{Conn: 1, Addr: centralAddr})
	var (
		mu       sync.Mutex
		notified []byte
	)
	r.On("Notify", radio.ConnHandle(1), bridgeTx, mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			notified = append(notified, args.Get(2).([]byte)...)
			mu.Unlock()
		}).
		Return(nil)

	_, err = slave.Write([]byte("hi"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(notified) == "hi"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSerialBridge_ChunkSizeChangesWhileSending(t *testing.T) {
	srv, r := startedServer(t)
	port := &fakePort{}
	b := NewSerialBridge(srv, UARTRxUUID, UARTTxUUID, port, nil)

	srv.HandleEvent(radio.CentralConnect{Conn: 1, Addr: centralAddr})
	r.On("Notify", radio.ConnHandle(1), bridgeTx, mock.Anything).Return(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.SetChunkSize(i%8 + 1)
		}
	}()
	for i := 0; i < 50; i++ {
		port.Type("0123456789")
	}
	<-done

	assert.Equal(t, uint64(500), b.Stats().ToCentrals)
	assert.Zero(t, b.Stats().SendErrors)
}
