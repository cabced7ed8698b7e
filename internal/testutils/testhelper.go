package testutils

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// CaptureLogs redirects the helper's logger into a buffer and returns it.
func (h *TestHelper) CaptureLogs() *SyncBuffer {
	buf := &SyncBuffer{}
	h.Logger.SetOutput(buf)
	h.Logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})
	return buf
}

// Eventually polls cond until it holds or the timeout expires.
func (h *TestHelper) Eventually(cond func() bool, msgAndArgs ...interface{}) bool {
	h.T.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(msgAndArgs) > 0 {
		h.T.Errorf("condition not met in time: %v", msgAndArgs...)
	} else {
		h.T.Error("condition not met in time")
	}
	return false
}

// SyncBuffer is a bytes.Buffer safe for concurrent writers.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
