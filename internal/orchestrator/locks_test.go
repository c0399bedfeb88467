package orchestrator

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex()
	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := km.lock("task-1")
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	assert.Equal(t, 0, km.size())
}

func TestKeyedMutexIndependentKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()
	releaseA := km.lock("task-a")
	defer releaseA()

	acquired := make(chan struct{})
	go func() {
		release := km.lock("task-b")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on an independent key blocked")
	}
}

func TestKeyedMutexReclaimsEntries(t *testing.T) {
	km := newKeyedMutex()
	require.Equal(t, 0, km.size())

	r1 := km.lock("a")
	r2 := km.lock("b")
	assert.Equal(t, 2, km.size())

	r1()
	assert.Equal(t, 1, km.size())
	r2()
	assert.Equal(t, 0, km.size())

	// A fully released key can be taken again.
	r3 := km.lock("a")
	assert.Equal(t, 1, km.size())
	r3()
	assert.Equal(t, 0, km.size())
}
