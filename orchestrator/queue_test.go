package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cureiam/types"
)

func TestQueue_FIFOAndSentinel(t *testing.T) {
	q := NewQueue("store")
	a := &types.Record{Raw: &types.Recommendation{Name: "a"}}
	b := &types.Record{Raw: &types.Recommendation{Name: "b"}}

	q.Push(a)
	q.Push(b)
	q.PushSentinel()
	assert.Equal(t, 3, q.Len())

	rec, ok := q.Pop()
	require.True(t, ok)
	assert.Same(t, a, rec)

	rec, ok = q.Pop()
	require.True(t, ok)
	assert.Same(t, b, rec)

	rec, ok = q.Pop()
	assert.False(t, ok)
	assert.Nil(t, rec)
	assert.Zero(t, q.Len())
}

// Test Pop blocks until a feeder pushes
func TestQueue_PopBlocks(t *testing.T) {
	q := NewQueue("store")
	got := make(chan bool)

	go func() {
		_, ok := q.Pop()
		got <- ok
	}()

	select {
	case <-got:
		t.Fatal("Pop returned from an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.PushSentinel()
	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not observe the sentinel")
	}
}
