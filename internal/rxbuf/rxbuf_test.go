package rxbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet_AppendAndPop(t *testing.T) {
	s := New(16, nil)

	assert.Equal(t, 0, s.Len(7))
	assert.Equal(t, []byte{}, s.Pop(7, 0))

	assert.True(t, s.Append(7, []byte{0x01, 0x02}))
	assert.True(t, s.Append(7, []byte{0x03}))
	assert.Equal(t, 3, s.Len(7))

	assert.Equal(t, []byte{0x01}, s.Pop(7, 1))
	assert.Equal(t, 2, s.Len(7))
	assert.Equal(t, []byte{0x02, 0x03}, s.Pop(7, 0))
	assert.Equal(t, 0, s.Len(7))
}

func TestSet_PopMoreThanPending(t *testing.T) {
	s := New(16, nil)
	s.Append(1, []byte("abc"))

	assert.Equal(t, []byte("abc"), s.Pop(1, 100))
	assert.Equal(t, []byte{}, s.Pop(1, 100))
}

func TestSet_HandlesAreIndependent(t *testing.T) {
	s := New(16, nil)
	s.Append(1, []byte("one"))
	s.Append(2, []byte("two!"))

	assert.Equal(t, 3, s.Len(1))
	assert.Equal(t, 4, s.Len(2))
	assert.Equal(t, []byte("two!"), s.Pop(2, 0))
	assert.Equal(t, 3, s.Len(1))
}

func TestSet_OverflowDropsWholeChunk(t *testing.T) {
	s := New(4, nil)

	assert.True(t, s.Append(1, []byte{1, 2, 3}))
	assert.False(t, s.Append(1, []byte{4, 5}))
	assert.Equal(t, 3, s.Len(1))

	st := s.Stats()
	assert.Equal(t, uint64(2), st.DroppedBytes)
	assert.Equal(t, uint64(3), st.Appended)
	assert.Equal(t, 3, st.Buffered)

	// space frees up after a read and the ring wraps
	assert.Equal(t, []byte{1, 2}, s.Pop(1, 2))
	assert.True(t, s.Append(1, []byte{6, 7, 8}))
	assert.Equal(t, []byte{3, 6, 7, 8}, s.Pop(1, 0))
}

func TestSet_Reset(t *testing.T) {
	s := New(0, nil)
	s.Append(1, []byte("x"))
	s.Reset()

	assert.Equal(t, 0, s.Len(1))
	assert.Equal(t, 0, s.Stats().Buffered)
}
