package admission

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShedder(t *testing.T) {
	t.Parallel()

	s := NewShedder(2)
	assert.True(t, s.TryAcquire())
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	assert.Equal(t, 2, s.InFlight())

	s.Release()
	assert.True(t, s.TryAcquire())
	assert.Equal(t, 2, s.Max())
}

func TestShedder_Unlimited(t *testing.T) {
	t.Parallel()

	s := NewShedder(0)
	for i := 0; i < 100; i++ {
		assert.True(t, s.TryAcquire())
	}
	assert.Equal(t, 100, s.InFlight())
	assert.Equal(t, 0, s.Max())
}

func TestShedder_ConcurrentCeiling(t *testing.T) {
	t.Parallel()

	s := NewShedder(10)
	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryAcquire() {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), acquired.Load())
}
