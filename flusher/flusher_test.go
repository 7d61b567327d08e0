package flusher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	batches [][]string
}

func (c *collector) flush(chunks []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, chunks)
}

func (c *collector) all() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.batches))
	copy(out, c.batches)
	return out
}

func TestOrderPreservedWithinWindow(t *testing.T) {
	c := &collector{}
	f := New(20*time.Millisecond, c.flush)

	f.Add("A")
	f.Add("B")
	f.Add("C")

	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C"}, c.all()[0])
}

func TestAtMostOneFlushPerWindow(t *testing.T) {
	c := &collector{}
	f := New(30*time.Millisecond, c.flush)

	f.Add("A")
	f.Add("B")
	time.Sleep(5 * time.Millisecond)
	f.Add("C")

	time.Sleep(60 * time.Millisecond)
	batches := c.all()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"A", "B", "C"}, batches[0])
}

func TestSecondWindowAfterFirstFires(t *testing.T) {
	c := &collector{}
	f := New(10*time.Millisecond, c.flush)

	f.Add("A")
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, time.Millisecond)

	f.Add("B")
	require.Eventually(t, func() bool { return len(c.all()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, [][]string{{"A"}, {"B"}}, c.all())
}

func TestFlushImmediate(t *testing.T) {
	c := &collector{}
	f := New(time.Hour, c.flush)

	f.Add("A")
	f.Flush()

	require.Len(t, c.all(), 1)
	assert.Equal(t, []string{"A"}, c.all()[0])

	// Nothing pending, nothing flushed.
	f.Flush()
	assert.Len(t, c.all(), 1)
}

func TestCloseFlushesAndRejects(t *testing.T) {
	c := &collector{}
	f := New(time.Hour, c.flush)

	f.Add("A")
	f.Close()
	require.Equal(t, [][]string{{"A"}}, c.all())

	f.Add("B")
	f.Close()
	assert.Equal(t, [][]string{{"A"}}, c.all())
}
