package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestPoolBlockingAllocateHandoff is the literal spec.md §8 scenario 5: a
// pool of 2 elements, both allocated by one task, a second task blocks on
// AllocateW and wakes with a valid element once the first task frees one.
func TestPoolBlockingAllocateHandoff(t *testing.T) {
	cfg := Config{
		Tasks: []TaskConfig{
			{Name: "A", InitialPriority: 1, StackSizeBytes: 256},
			{Name: "B", InitialPriority: 5, StackSizeBytes: 256},
		},
	}
	k, host := newTestKernel(t, cfg)
	const taskA, taskB TaskID = 1, 2

	pool := k.NewPool(2, 8)

	bBlocked := make(chan struct{})
	bWoke := make(chan PoolBlockID)

	go func() {
		host.ParkSelf(taskA)
		id1, r := pool.AllocateW()
		require.Equal(t, ResultOK, r)
		id2, r := pool.AllocateW()
		require.Equal(t, ResultOK, r)
		require.NotEqual(t, id1, id2)
		close(bBlocked)
		k.Sleep(5) // let B run and block on the empty pool
		pool.Free(id1)
		k.ExitRunning()
	}()
	go func() {
		host.ParkSelf(taskB)
		<-bBlocked
		id, r := pool.AllocateW()
		require.Equal(t, ResultOK, r)
		bWoke <- id
		k.ExitRunning()
	}()

	require.Equal(t, ResultOK, k.Launch(taskA))
	require.Equal(t, ResultOK, k.Launch(taskB))

	waitUntil(t, 2*time.Second, func() bool { return k.blockedOnSema(taskB) })
	for tick := uint32(1); tick <= 10; tick++ {
		k.ExpireTimerCallin(tick)
	}

	select {
	case id := <-bWoke:
		require.True(t, pool.IsElement(id))
	case <-time.After(2 * time.Second):
		t.Fatal("B never woke with a freed element")
	}
}

// TestPoolISRAllocateKeepsGateConsistent proves SPEC_FULL.md §5.3's
// documented invariant: AllocateFromISR decrements the gate semaphore's
// internal count directly, bypassing Sema.Get, but the two bookkeeping
// paths (free list length vs. gate count) must still agree afterward.
func TestPoolISRAllocateKeepsGateConsistent(t *testing.T) {
	cfg := Config{Tasks: []TaskConfig{{Name: "A", InitialPriority: 1, StackSizeBytes: 256}}}
	k, _ := newTestKernel(t, cfg)

	pool := k.NewPool(3, 4)

	id, r := pool.AllocateFromISR()
	require.Equal(t, ResultOK, r)
	require.True(t, pool.IsElement(id))
	require.Equal(t, uint16(2), k.SemaCountGet(pool.sema))

	id2, r := pool.AllocateFromISR()
	require.Equal(t, ResultOK, r)
	require.Equal(t, uint16(1), k.SemaCountGet(pool.sema))

	pool.Free(id)
	require.Equal(t, uint16(2), k.SemaCountGet(pool.sema))
	pool.Free(id2)
	require.Equal(t, uint16(3), k.SemaCountGet(pool.sema))
}

func TestPoolAllocateFromISRReturnsPoolEmpty(t *testing.T) {
	cfg := Config{Tasks: []TaskConfig{{Name: "A", InitialPriority: 1, StackSizeBytes: 256}}}
	k, _ := newTestKernel(t, cfg)

	pool := k.NewPool(1, 4)
	_, r := pool.AllocateFromISR()
	require.Equal(t, ResultOK, r)

	_, r = pool.AllocateFromISR()
	require.Equal(t, ResultPoolEmpty, r)
}

func TestPoolIsElementRejectsOutOfRange(t *testing.T) {
	cfg := Config{Tasks: []TaskConfig{{Name: "A", InitialPriority: 1, StackSizeBytes: 256}}}
	k, _ := newTestKernel(t, cfg)

	pool := k.NewPool(2, 4)
	require.True(t, pool.IsElement(0))
	require.True(t, pool.IsElement(1))
	require.False(t, pool.IsElement(2))
	require.False(t, pool.IsElement(nilPoolBlock))
}
