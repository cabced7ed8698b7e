// Package bleuart ties a radio to one GATT server and one GATT client and
// runs the single event loop that feeds both.
//
//	r := air.NewRadio(addr)
//	stack, err := bleuart.New(r, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer stack.Close()
//	done := stack.Start(ctx)
//
// The radio's handler is replaced by Stack.Post. Events are queued and
// dispatched in arrival order on one goroutine, first to the server and then
// to the client.
package bleuart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/bleuart/internal/client"
	"github.com/srg/bleuart/internal/groutine"
	"github.com/srg/bleuart/internal/radio"
	"github.com/srg/bleuart/internal/server"
	"github.com/srg/bleuart/pkg/config"
)

// ErrClosed is returned by Run once the stack has been closed.
var ErrClosed = errors.New("stack is closed")

// TraceEntry is one dispatched event as seen by the event loop.
type TraceEntry struct {
	Seq   uint64
	At    time.Time
	Event radio.Event
}

func (e TraceEntry) String() string {
	return fmt.Sprintf("#%d %s %s", e.Seq, e.At.Format("15:04:05.000"), radio.Describe(e.Event))
}

// Stack owns the radio, the server and the client.
type Stack struct {
	radio  radio.Radio
	cfg    *config.Config
	logger *logrus.Logger

	server *server.Server
	client *client.Client

	events    chan radio.Event
	closed    chan struct{}
	closeOnce sync.Once

	trace      mpmc.RichOverlappedRingBuffer[TraceEntry]
	seq        atomic.Uint64
	overwrites atomic.Uint64
}

// New builds the server and client on r and activates the radio. A nil cfg
// uses config.DefaultConfig().
func New(r radio.Radio, cfg *config.Config, logger *logrus.Logger) (*Stack, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	srv, err := server.New(r, server.Options{
		Name:         cfg.DeviceName,
		Appearance:   cfg.Appearance,
		RxBufferSize: cfg.RxBufferSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	s := &Stack{
		radio:  r,
		cfg:    cfg,
		logger: logger,
		server: srv,
		client: client.New(r, client.Options{RxBufferSize: cfg.RxBufferSize}, logger),
		events: make(chan radio.Event, cfg.EventQueueSize),
		closed: make(chan struct{}),
		trace:  mpmc.NewOverlappedRingBuffer[TraceEntry](uint32(cfg.TraceSize)),
	}

	r.SetHandler(s.Post)
	if err := r.Activate(true); err != nil {
		return nil, fmt.Errorf("failed to activate radio: %w", err)
	}
	return s, nil
}

func (s *Stack) Server() *server.Server { return s.server }
func (s *Stack) Client() *client.Client { return s.client }

// StartServer registers the declared services and starts advertising at the
// configured interval.
func (s *Stack) StartServer() error {
	return s.server.Start(s.cfg.AdvertisingInterval)
}

// ScanOptions returns client scan options carrying the configured timing.
func (s *Stack) ScanOptions() client.ScanOptions {
	opts := client.DefaultScanOptions()
	opts.Timeout = s.cfg.ScanTimeout
	opts.Interval = s.cfg.ScanInterval
	opts.Window = s.cfg.ScanWindow
	return opts
}

// Post queues ev for the event loop. It blocks while the queue is full and
// drops the event once the stack is closed.
func (s *Stack) Post(ev radio.Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
		s.logger.WithField("event", radio.Describe(ev)).Debug("Dropping event after close")
	}
}

// Dispatch hands ev to the server and then to the client. It must only be
// called from one goroutine at a time; Run does that for queued events.
func (s *Stack) Dispatch(ev radio.Event) {
	if ev == nil {
		return
	}
	entry := TraceEntry{Seq: s.seq.Add(1), At: time.Now(), Event: ev}
	if n, err := s.trace.EnqueueM(entry); err != nil {
		s.logger.WithError(err).Warn("Failed to record event trace")
	} else if n > 0 {
		s.overwrites.Add(uint64(n))
	}

	if s.logger.IsLevelEnabled(logrus.TraceLevel) {
		s.logger.WithFields(logrus.Fields{
			"seq":   entry.Seq,
			"event": radio.Describe(ev),
		}).Trace("Dispatching event")
	}

	s.server.HandleEvent(ev)
	s.client.HandleEvent(ev)
}

// Run drains the event queue until ctx is done or the stack is closed.
func (s *Stack) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrClosed
		case ev := <-s.events:
			s.Dispatch(ev)
		}
	}
}

// Start runs the event loop on a named goroutine. The returned channel is
// closed when the loop exits.
func (s *Stack) Start(ctx context.Context) <-chan struct{} {
	return groutine.Go(ctx, "bleuart-event-loop", func(ctx context.Context) {
		if err := s.Run(ctx); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).WithField("goroutine", groutine.GetName(ctx)).Warn("Event loop stopped")
		}
	})
}

// Trace removes and returns the recorded events, oldest first. Only the most
// recent TraceSize entries are retained between calls.
func (s *Stack) Trace() []TraceEntry {
	var out []TraceEntry
	for !s.trace.IsEmpty() {
		e, err := s.trace.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e)
	}
	return out
}

// TraceOverwrites reports how many trace entries were lost to overflow.
func (s *Stack) TraceOverwrites() uint64 {
	return s.overwrites.Load()
}

// Close stops the event loop and deactivates the radio. Events the radio
// reports while shutting down are discarded.
func (s *Stack) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if aerr := s.radio.Activate(false); aerr != nil {
			err = fmt.Errorf("failed to deactivate radio: %w", aerr)
		}
	})
	return err
}
