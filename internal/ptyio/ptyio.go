// Package ptyio exposes a pseudo-terminal whose master side is driven by two
// background loops: a reader that hands incoming bytes to a callback and a
// writer that drains a ring buffer into the master.
//
//	p, err := ptyio.Open(ptyio.Options{WriteCap: 4096, OnData: forward})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	fmt.Println(p.TTYName()) // "/dev/pts/X"
//
// Writes never block. When the ring is full the excess is dropped and
// counted in Stats.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/bleuart/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultWriteCap    = 4096
	DefaultPollTimeout = 50 * time.Millisecond
)

// DataFunc receives bytes typed into the slave side. The slice is reused
// after the call returns.
type DataFunc func(data []byte)

type Options struct {
	WriteCap    int           // ring capacity for bytes headed to the slave
	PollTimeout time.Duration // upper bound on shutdown latency
	OnData      DataFunc
	Logger      *logrus.Logger
}

// Stats provides runtime counters useful for monitoring/backpressure.
type Stats struct {
	WriteQueueLen int
	WriteQueueCap int

	DroppedWriteCount uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

type PTY struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	ttyName string
	poll    int // milliseconds
	onData  atomic.Pointer[DataFunc]

	writeBuf *ringbuffer.RingBuffer
	wake     chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedWrite atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
}

// Open allocates a pty pair, puts the slave in raw mode and starts the loops.
func Open(opts Options) (*PTY, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultWriteCap
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:   logger,
		master:   master,
		slave:    slave,
		ttyName:  slave.Name(),
		poll:     int(opts.PollTimeout / time.Millisecond),
		writeBuf: ringbuffer.New(opts.WriteCap),
		wake:     make(chan struct{}, 1),
		cancel:   cancel,
	}
	p.SetOnData(opts.OnData)

	p.wg.Add(2)
	groutine.Go(ctx, "pty-read-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.readLoop(ctx)
	})
	groutine.Go(ctx, "pty-write-loop", func(ctx context.Context) {
		defer p.wg.Done()
		p.writeLoop(ctx)
	})

	logger.WithField("tty", p.ttyName).Debug("pty opened")
	return p, nil
}

func openRaw() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	fail := func(step string, err error) (*os.File, *os.File, error) {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to %s for %s: %w", step, slave.Name(), err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("set raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("set non-blocking mode", err)
	}
	return master, slave, nil
}

func (p *PTY) readLoop(ctx context.Context) {
	fd := int(p.master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.poll)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).WithField("goroutine", groutine.GetName(ctx)).Warn("pty read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := unix.Read(fd, buf)
		if n > 0 {
			p.readBytes.Add(uint64(n))
			if fn := p.onData.Load(); fn != nil {
				(*fn)(buf[:n])
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EBADF), errors.Is(err, syscall.EIO):
			// EIO: every slave descriptor is closed
			p.logger.WithError(err).Debug("pty read loop exiting")
			return
		default:
			p.logger.WithError(err).Warn("pty read loop exiting")
			return
		}
	}
}

func (p *PTY) writeLoop(ctx context.Context) {
	fd := int(p.master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		if p.writeBuf.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("pty write queue read failed")
			continue
		}

		for offset := 0; offset < n; {
			if ctx.Err() != nil {
				return
			}
			written, err := unix.Write(fd, buf[offset:n])
			if written > 0 {
				offset += written
				p.writeBytes.Add(uint64(written))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, p.poll); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Warn("pty write poll failed")
				}
			case errors.Is(err, syscall.EBADF):
				return
			default:
				p.logger.WithError(err).Warn("pty write loop exiting")
				return
			}
		}
	}
}

// Write queues data for the slave. It returns the number of bytes accepted,
// which is less than len(data) when the queue overflows.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		dropped := len(data) - n
		p.droppedWrite.Add(uint64(dropped))
		p.logger.WithFields(logrus.Fields{
			"tty":     p.ttyName,
			"dropped": dropped,
			"queued":  n,
		}).Warn("pty write queue overflow")
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return n, nil
}

// SetOnData replaces the callback for slave input. nil unregisters it.
func (p *PTY) SetOnData(fn DataFunc) {
	if fn == nil {
		p.onData.Store(nil)
		return
	}
	p.onData.Store(&fn)
}

// TTYName returns the slave device path, e.g. "/dev/pts/5".
func (p *PTY) TTYName() string {
	return p.ttyName
}

func (p *PTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     p.writeBuf.Length(),
		WriteQueueCap:     p.writeBuf.Capacity(),
		DroppedWriteCount: p.droppedWrite.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
	}
}

// Close stops both loops and releases the pty pair. It is idempotent.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	// loops notice cancellation within one poll timeout
	p.wg.Wait()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pty master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pty slave: %w", err))
	}
	return errors.Join(errs...)
}
