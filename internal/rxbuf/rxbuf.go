// Package rxbuf holds bytes received on characteristic value handles until
// the application reads them.
//
// Each value handle gets its own ring buffer, created on first append. Appends
// are all-or-nothing: a chunk that does not fit in the remaining capacity is
// dropped whole and counted, so a reader never observes half of a write.
//
// Set is not safe for concurrent use; owners guard it with their own lock.
package rxbuf

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/bleuart/internal/radio"
)

// DefaultCapacity is the per-handle capacity used when none is given.
const DefaultCapacity = 4096

// noopLogger is shared by sets created without a logger.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Stats reports counters for one Set.
type Stats struct {
	Buffered     int    // bytes currently pending across all handles
	DroppedBytes uint64 // bytes rejected because a buffer was full
	Appended     uint64 // bytes accepted
}

// Set is a collection of per-value-handle byte queues.
type Set struct {
	capacity int
	logger   *logrus.Logger
	bufs     map[radio.ValueHandle]*ringbuffer.RingBuffer

	dropped  uint64
	appended uint64
}

// New creates an empty Set whose buffers hold up to capacity bytes each.
func New(capacity int, logger *logrus.Logger) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = noopLogger
	}
	return &Set{
		capacity: capacity,
		logger:   logger,
		bufs:     make(map[radio.ValueHandle]*ringbuffer.RingBuffer),
	}
}

// Append queues data behind whatever is pending for vh. It reports whether
// the data was accepted.
func (s *Set) Append(vh radio.ValueHandle, data []byte) bool {
	if len(data) == 0 {
		return true
	}

	rb, ok := s.bufs[vh]
	if !ok {
		rb = ringbuffer.New(s.capacity)
		s.bufs[vh] = rb
	}

	if rb.Free() < len(data) {
		s.dropped += uint64(len(data))
		s.logger.WithFields(logrus.Fields{
			"value_handle": vh,
			"len":          len(data),
			"free":         rb.Free(),
		}).Warn("Receive buffer overflow: dropping chunk")
		return false
	}

	written, err := rb.Write(data)
	if err != nil {
		// Free() said it fits; anything else is a bug in the accounting.
		s.logger.WithError(err).WithField("value_handle", vh).Error("Receive buffer write failed")
		return false
	}
	s.appended += uint64(written)
	return true
}

// Len returns the number of pending bytes for vh.
func (s *Set) Len(vh radio.ValueHandle) int {
	rb, ok := s.bufs[vh]
	if !ok {
		return 0
	}
	return rb.Length()
}

// Pop removes and returns up to size bytes from the front of vh's queue.
// A size of zero or less pops everything pending. It never blocks and
// returns an empty, non-nil slice when nothing is pending.
func (s *Set) Pop(vh radio.ValueHandle, size int) []byte {
	rb, ok := s.bufs[vh]
	if !ok || rb.IsEmpty() {
		return []byte{}
	}

	n := rb.Length()
	if size > 0 && size < n {
		n = size
	}
	out := make([]byte, n)
	got, err := rb.TryRead(out)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		s.logger.WithError(err).WithField("value_handle", vh).Warn("Receive buffer read failed")
		return []byte{}
	}
	return out[:got]
}

// Reset discards every buffer.
func (s *Set) Reset() {
	s.bufs = make(map[radio.ValueHandle]*ringbuffer.RingBuffer)
}

// Stats returns a snapshot of the counters.
func (s *Set) Stats() Stats {
	st := Stats{DroppedBytes: s.dropped, Appended: s.appended}
	for _, rb := range s.bufs {
		st.Buffered += rb.Length()
	}
	return st
}
