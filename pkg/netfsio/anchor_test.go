package netfsio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpCounter_AnchorHoldsParkerUntilDropped(t *testing.T) {
	c := newOpCounter()
	drop := c.Anchor()
	assert.Equal(t, int64(1), c.Load())

	c.Add(1) // a subrequest joins
	assert.Equal(t, int64(2), c.Load())

	parked := make(chan error, 1)
	go func() {
		parked <- c.ParkUntilOne(context.Background())
	}()

	select {
	case <-parked:
		t.Fatal("ParkUntilOne returned before the counter reached 1")
	case <-time.After(50 * time.Millisecond):
	}

	c.Add(-1) // the subrequest completes, counter back to 1 (anchor only)

	select {
	case err := <-parked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ParkUntilOne never woke after counter reached 1")
	}

	assert.False(t, drop())
}

func TestOpCounter_AnchorDroppedTwicePanics(t *testing.T) {
	c := newOpCounter()
	drop := c.Anchor()
	drop()

	assert.Panics(t, func() { drop() })
}

func TestOpCounter_ParkUntilOneReturnsOnCancel(t *testing.T) {
	c := newOpCounter()
	drop := c.Anchor()
	c.Add(1) // never drops back to 1 on its own

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		err = c.ParkUntilOne(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.Error(t, err)
	drop()
	c.Add(-1)
}
