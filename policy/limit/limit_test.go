package limit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimited(t *testing.T) {
	l := Unlimited()

	assert.Equal(t, KindUnlimited, l.Kind())
	assert.Equal(t, 10, l.Acquire(10))
	assert.False(t, l.Done())
	assert.False(t, l.ShouldStop())
	assert.Equal(t, -1, l.Remaining())
	assert.Equal(t, "unlimited", l.String())
}

func TestCount_AcquireNeverExceedsN(t *testing.T) {
	l := Count(7)

	assert.Equal(t, 5, l.Acquire(5))
	assert.Equal(t, 2, l.Acquire(5))
	assert.Equal(t, 0, l.Acquire(5))

	// The queue delivered only 3 of the 5 first requested messages.
	l.Release(2)
	assert.Equal(t, 2, l.Acquire(10))
	assert.Equal(t, 0, l.Acquire(1))
}

func TestCount_DoneStopsAtZero(t *testing.T) {
	l := Count(3)

	assert.False(t, l.ShouldStop())
	assert.False(t, l.Done())
	assert.False(t, l.Done())
	assert.True(t, l.Done())
	assert.True(t, l.ShouldStop())
	assert.Equal(t, 0, l.Remaining())
}

func TestCount_Zero(t *testing.T) {
	for _, n := range []int{0, -4} {
		l := Count(n)
		assert.True(t, l.ShouldStop())
		assert.Equal(t, 0, l.Acquire(10))
	}
}

func TestCount_ConcurrentDoneReportsStopOnce(t *testing.T) {
	const n = 500
	l := Count(n)
	require.Equal(t, n, l.Acquire(n))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		stops int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Done() {
				mu.Lock()
				stops++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.True(t, l.ShouldStop())
	assert.Equal(t, 1, stops)
}

func TestCount_ConcurrentAcquire(t *testing.T) {
	const n = 100
	l := Count(n)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := l.Acquire(3)
			mu.Lock()
			granted += g
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, n, granted)
}

func TestRenew(t *testing.T) {
	l := Count(2)
	l.Acquire(2)
	l.Done()
	l.Done()
	require.True(t, l.ShouldStop())

	r := l.Renew()
	assert.False(t, r.ShouldStop())
	assert.Equal(t, 2, r.Remaining())
	assert.Equal(t, 2, r.Acquire(5))
	assert.True(t, l.ShouldStop(), "renewing leaves the original untouched")

	assert.Equal(t, KindUnlimited, Unlimited().Renew().Kind())
}
