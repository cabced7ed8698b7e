package bleuart

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/srg/bleuart/internal/client"
	"github.com/srg/bleuart/internal/radio"
	"github.com/srg/bleuart/internal/radio/loopback"
	"github.com/srg/bleuart/internal/server"
	"github.com/srg/bleuart/internal/testutils"
	"github.com/srg/bleuart/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	peripheralAddr = radio.MustParseAddr("C0:FF:EE:00:00:01")
	centralAddr    = radio.MustParseAddr("C0:FF:EE:00:00:02")
)

// LoopbackSuite runs a peripheral stack and a central stack on one air.
type LoopbackSuite struct {
	suite.Suite
	helper     *testutils.TestHelper
	air        *loopback.Air
	peripheral *Stack
	central    *Stack
}

func TestLoopbackSuite(t *testing.T) {
	suite.Run(t, new(LoopbackSuite))
}

func (s *LoopbackSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.air = loopback.NewAir(s.helper.Logger)
	s.T().Cleanup(s.air.Close)

	s.peripheral = s.newStack(peripheralAddr)
	s.central = s.newStack(centralAddr)

	DeclareUART(s.peripheral.Server())
	s.Require().NoError(s.peripheral.StartServer())
}

func (s *LoopbackSuite) newStack(addr radio.Addr) *Stack {
	cfg := config.DefaultConfig()
	st, err := New(s.air.NewRadio(addr), cfg, s.helper.Logger)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := st.Start(ctx)
	s.T().Cleanup(func() {
		cancel()
		<-done
		_ = st.Close()
	})
	return st
}

func (s *LoopbackSuite) connect() {
	opts := s.central.ScanOptions()
	opts.NamePrefix = "M5"
	s.Require().NoError(s.central.Client().Scan(opts))

	s.helper.Eventually(func() bool {
		return s.central.Client().State() == client.Ready
	}, "central never became ready")
	s.helper.Eventually(func() bool {
		return len(s.peripheral.Server().Clients()) == 1
	}, "peripheral never saw the central")
}

func (s *LoopbackSuite) TestDiscoversUARTService() {
	s.connect()

	services := s.central.Client().Services()
	s.Require().Len(services, 1)
	s.True(services[0].UUID.Equal(UARTServiceUUID))
	s.Len(services[0].Characteristics, 2)

	peer, ok := s.central.Client().Peer()
	s.Require().True(ok)
	s.Equal(peripheralAddr, peer.Addr)
}

func (s *LoopbackSuite) TestCentralWriteReachesServerBuffer() {
	s.connect()

	var (
		mu   sync.Mutex
		seen []byte
	)
	s.peripheral.Server().OnReceive(func(c *server.Client) {
		data, err := c.Read(UARTRxUUID, 0)
		s.NoError(err)
		mu.Lock()
		seen = append(seen, data...)
		mu.Unlock()
	})

	s.Require().NoError(s.central.Client().Write(UARTRxUUID, []byte("\x01\x02")))

	s.helper.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(seen) == "\x01\x02"
	})
}

func (s *LoopbackSuite) TestServerNotifyReachesClientBuffer() {
	s.connect()

	c, ok := s.peripheral.Server().ClientAt(0)
	s.Require().True(ok)
	s.Require().NoError(c.Write(UARTTxUUID, []byte("hello")))

	s.helper.Eventually(func() bool {
		n, err := s.central.Client().Any(UARTTxUUID)
		return err == nil && n == 5
	})
	data, err := s.central.Client().Read(UARTTxUUID, 0)
	s.NoError(err)
	s.Equal([]byte("hello"), data)
}

func (s *LoopbackSuite) TestPeripheralCloseResetsCentral() {
	s.connect()

	var disconnected sync.WaitGroup
	disconnected.Add(1)
	s.central.Client().OnDisconnected(func(client.Peer) { disconnected.Done() })

	c, _ := s.peripheral.Server().ClientAt(0)
	s.Require().NoError(c.Close())

	s.helper.Eventually(func() bool {
		return s.central.Client().State() == client.Idle && len(s.peripheral.Server().Clients()) == 0
	})
	disconnected.Wait()
	s.Empty(s.central.Client().Services())
}

func (s *LoopbackSuite) TestTraceRecordsDispatchedEvents() {
	s.connect()

	kinds := map[string]bool{}
	for _, e := range s.central.Trace() {
		kinds[e.Event.Kind()] = true
		s.NotZero(e.Seq)
	}
	s.True(kinds["scan_result"])
	s.True(kinds["peripheral_connect"])
	s.True(kinds["gattc_characteristic_done"])
}

func TestStack_DispatchesServerThenClient(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	r := testutils.NewMockRadio()
	r.On("Activate", true).Return(nil).Once()

	st, err := New(r, nil, helper.Logger)
	require.NoError(t, err)

	var order []string
	st.Server().OnConnected(func(*server.Client) { order = append(order, "server") })

	st.Dispatch(radio.CentralConnect{Conn: 1, Addr: centralAddr})
	st.Dispatch(nil)

	assert.Equal(t, []string{"server"}, order)
	assert.Len(t, st.Server().Clients(), 1)
	assert.Equal(t, client.Idle, st.Client().State())

	trace := st.Trace()
	require.Len(t, trace, 1)
	assert.True(t, strings.HasPrefix(trace[0].String(), "#1 "))
	assert.Empty(t, st.Trace())
}

func TestStack_TraceKeepsMostRecent(t *testing.T) {
	r := testutils.NewMockRadio()
	r.On("Activate", true).Return(nil).Once()
	cfg := config.DefaultConfig()
	cfg.TraceSize = 4

	st, err := New(r, cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 64; i++ {
		st.Dispatch(radio.ScanDone{})
	}

	trace := st.Trace()
	require.NotEmpty(t, trace)
	assert.Less(t, len(trace), 64)
	assert.Equal(t, uint64(64), trace[len(trace)-1].Seq)
	assert.NotZero(t, st.TraceOverwrites())
}

func TestStack_CloseStopsRunAndDeactivates(t *testing.T) {
	r := testutils.NewMockRadio()
	r.On("Activate", true).Return(nil).Once()
	r.On("Activate", false).Return(nil).Once()

	st, err := New(r, nil, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- st.Run(context.Background()) }()

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}

	// must not block once closed
	st.Post(radio.ScanDone{})
	r.AssertExpectations(t)
}

func TestStack_PostFeedsRun(t *testing.T) {
	r := testutils.NewMockRadio()
	r.On("Activate", true).Return(nil).Once()

	st, err := New(r, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := st.Start(ctx)
	defer func() {
		cancel()
		<-done
	}()

	r.Emit(radio.CentralConnect{Conn: 3, Addr: centralAddr})

	assert.Eventually(t, func() bool {
		_, ok := st.Server().Lookup(3)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.EventQueueSize = 0

	_, err := New(testutils.NewMockRadio(), cfg, nil)
	assert.ErrorContains(t, err, "event_queue_size")
}
