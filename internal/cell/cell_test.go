package cell

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCell_GetReturnsLatest(t *testing.T) {
	c := New(1)
	require.Equal(t, 1, c.Get())
	c.Set(2)
	require.Equal(t, 2, c.Get())
}

func TestCell_NextBlocksUntilChange(t *testing.T) {
	c := New(0)

	done := make(chan int, 1)
	go func() {
		v, _, _ := c.Next(0)
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	c.Set(42)

	select {
	case v := <-done:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Set")
	}
}

func TestCell_SubscribeCoalescesAndCloses(t *testing.T) {
	c := New(0)
	done := make(chan struct{})
	ch := c.Subscribe(done)

	for i := 1; i <= 5; i++ {
		c.Set(i)
	}

	var last int
	for last != 5 {
		select {
		case v, ok := <-ch:
			require.True(t, ok)
			last = v
		case <-time.After(time.Second):
			t.Fatalf("subscribe channel stuck before reaching 5, last seen %d", last)
		}
	}

	close(done)
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscribe channel never closed after done")
	}
}

func TestCell_CloseUnblocksSubscribers(t *testing.T) {
	c := New("idle")
	ch := c.Subscribe(nil)

	// drain the initial no-op wait: Subscribe only delivers on a version
	// change, so closing immediately should still terminate the goroutine.
	c.Close()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Subscribe channel never closed after Close")
	}
}
