package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPclTestKernel(t *testing.T, numPcls, pclSize int) (*Kernel, *fakeHost) {
	t.Helper()
	cfg := Config{
		Tasks:   []TaskConfig{{Name: "A", InitialPriority: 1, StackSizeBytes: 256}},
		NumPcls: numPcls,
		PclSize: pclSize,
	}
	return newTestKernel(t, cfg)
}

// runInTask launches taskA on k/host and runs fn from within its goroutine,
// since every pool/particle allocation call (like sema_test.go's blocking
// primitives) reads k.running and requires a real task context.
func runInTask(t *testing.T, k *Kernel, host *fakeHost, tid TaskID, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		host.ParkSelf(tid)
		fn()
		close(done)
		k.ExitRunning()
	}()
	require.Equal(t, ResultOK, k.Launch(tid))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never finished")
	}
}

// TestParticleWriteReadRoundTrip is the literal spec.md §8 law: writing k
// bytes and reading them back from offset 0 must return the identical bytes,
// across a chain spanning multiple particles.
func TestParticleWriteReadRoundTrip(t *testing.T) {
	k, host := newPclTestKernel(t, 8, 16)
	const taskA TaskID = 1

	runInTask(t, k, host, taskA, func() {
		payload := make([]byte, 40)
		for i := range payload {
			payload[i] = byte(i)
		}

		head, r := k.AllocChainWT(len(payload), true, false, 0)
		require.Equal(t, ResultOK, r)
		require.Equal(t, ResultOK, k.WriteData(head, 0, payload))

		got, r := k.Read(head, 0, len(payload))
		require.Equal(t, ResultOK, r)
		require.Equal(t, payload, got)

		k.FreeChain(head)
	})
}

func TestParticleChainCapacityAccounting(t *testing.T) {
	k, host := newPclTestKernel(t, 8, 16)
	const taskA TaskID = 1

	runInTask(t, k, host, taskA, func() {
		// Header eats 8 bytes of the first particle, so a totalLen that fits
		// the first particle's headerless capacity needs only one particle,
		// while one byte more spills into a second.
		head, r := k.AllocChainWT(8, true, false, 0)
		require.Equal(t, ResultOK, r)
		require.Equal(t, 1, k.chainCount(head))
		k.FreeChain(head)

		head, r = k.AllocChainWT(9, true, false, 0)
		require.Equal(t, ResultOK, r)
		require.Equal(t, 2, k.chainCount(head))
		k.FreeChain(head)
	})
}

func TestParticleLengthenChainGrowsCapacity(t *testing.T) {
	k, host := newPclTestKernel(t, 8, 16)
	const taskA TaskID = 1

	runInTask(t, k, host, taskA, func() {
		head, r := k.AllocChainWT(4, true, false, 0)
		require.Equal(t, ResultOK, r)
		require.Equal(t, 1, k.chainCount(head))

		require.Equal(t, ResultOK, k.LengthenChainWT(head, 40, false, 0))
		require.Equal(t, 3, k.chainCount(head))
		require.Equal(t, 40, k.ChainLen(head))

		payload := make([]byte, 40)
		for i := range payload {
			payload[i] = byte(100 + i)
		}
		require.Equal(t, ResultOK, k.WriteData(head, 0, payload))
		got, r := k.Read(head, 0, 40)
		require.Equal(t, ResultOK, r)
		require.Equal(t, payload, got)

		k.FreeChain(head)
	})
}

func TestParticleReaderSeekFfwdAndRewind(t *testing.T) {
	k, host := newPclTestKernel(t, 8, 16)
	const taskA TaskID = 1

	runInTask(t, k, host, taskA, func() {
		payload := []byte("0123456789abcdefghij")
		head, r := k.AllocChainWT(len(payload), true, false, 0)
		require.Equal(t, ResultOK, r)
		require.Equal(t, ResultOK, k.WriteData(head, 0, payload))

		reader := k.NewPclReader(head)
		reader.SeekFfwd(5)
		buf := make([]byte, 3)
		n, r := reader.Read(buf)
		require.Equal(t, ResultOK, r)
		require.Equal(t, 3, n)
		require.Equal(t, []byte("567"), buf)

		reader.SeekRewind(3)
		n, r = reader.Read(buf)
		require.Equal(t, ResultOK, r)
		require.Equal(t, []byte("567"), buf[:n])

		// Ffwd is clamped to the chain's total length.
		reader.SeekFfwd(1000)
		_, r = reader.Read(buf)
		require.Equal(t, ResultInvalid, r)

		k.FreeChain(head)
	})
}

// TestParticleAllocChainTimesOutOnExhaustedPool proves AllocChainWT's
// timeout path: a second chain needing more particles than remain in the
// pool blocks on the pool's gate semaphore and must time out rather than
// hang forever, leaking none of the particles it already held.
func TestParticleAllocChainTimesOutOnExhaustedPool(t *testing.T) {
	k, host := newPclTestKernel(t, 2, 16)
	const taskA TaskID = 1

	runInTask(t, k, host, taskA, func() {
		head, r := k.AllocChainWT(8, true, false, 0)
		require.Equal(t, ResultOK, r)
		require.Equal(t, 1, k.chainCount(head))

		go func() {
			for tick := uint32(1); tick <= 10; tick++ {
				k.ExpireTimerCallin(tick)
				time.Sleep(time.Millisecond)
			}
		}()

		_, r = k.AllocChainWT(40, true, true, 5)
		require.Equal(t, ResultTimeout, r)

		k.FreeChain(head)
	})
}

func TestParticleWriteDataWTAllocatesOnDemand(t *testing.T) {
	k, host := newPclTestKernel(t, 8, 16)
	const taskA TaskID = 1

	runInTask(t, k, host, taskA, func() {
		var head pclID = nilPcl
		payload := []byte("hello world, this spans particles")

		require.Equal(t, ResultOK, k.WriteDataWT(&head, 0, payload, true, false, 0))
		require.NotEqual(t, nilPcl, head)
		got, r := k.Read(head, 0, len(payload))
		require.Equal(t, ResultOK, r)
		require.Equal(t, payload, got)

		// A second, further-out write against the same chain must lengthen it
		// rather than fail for lack of capacity.
		more := []byte("!!!")
		require.Equal(t, ResultOK, k.WriteDataWT(&head, len(payload), more, true, false, 0))
		got, r = k.Read(head, 0, len(payload)+len(more))
		require.Equal(t, ResultOK, r)
		require.Equal(t, append(append([]byte{}, payload...), more...), got)

		k.FreeChain(head)
	})
}

func TestParticleReaderWriteDataContinueStopsAtChainEnd(t *testing.T) {
	k, host := newPclTestKernel(t, 2, 16)
	const taskA TaskID = 1

	runInTask(t, k, host, taskA, func() {
		head, r := k.AllocChainWT(8, true, false, 0)
		require.Equal(t, ResultOK, r)

		reader := k.NewPclReader(head)
		n := reader.WriteDataContinue([]byte("0123456789"))
		require.Equal(t, 8, n, "chain only has 8 bytes of capacity")

		got, r := k.Read(head, 0, 8)
		require.Equal(t, ResultOK, r)
		require.Equal(t, []byte("01234567"), got)

		k.FreeChain(head)
	})
}

func TestParticleGetPreviousPclAndContiguousCount(t *testing.T) {
	k, host := newPclTestKernel(t, 8, 16)
	const taskA TaskID = 1

	runInTask(t, k, host, taskA, func() {
		head, r := k.AllocChainWT(9, true, false, 0) // spills into a second particle
		require.Equal(t, ResultOK, r)
		require.Equal(t, 2, k.chainCount(head))

		second := k.pclMeta[head].next
		require.Equal(t, head, k.GetPreviousPcl(head, second))
		require.Equal(t, nilPcl, k.GetPreviousPcl(head, head))

		// Head particle holds 8 payload bytes; one byte left before the
		// boundary at offset 7.
		require.Equal(t, 1, k.ContiguousCount(head, 7))
		// Second particle's own capacity is a full PclSize.
		require.Equal(t, 16, k.ContiguousCount(head, 8))

		k.FreeChain(head)
	})
}

func TestParticleReaderHeaderlessAndPacketOffsets(t *testing.T) {
	k, host := newPclTestKernel(t, 8, 16)
	const taskA TaskID = 1

	runInTask(t, k, host, taskA, func() {
		payload := []byte("abcdefgh")
		head, r := k.AllocChainWT(len(payload), true, false, 0)
		require.Equal(t, ResultOK, r)
		require.Equal(t, ResultOK, k.WriteData(head, 0, payload))

		reader := k.NewPclReader(head)
		reader.SetSeekToPacketOffset(2)
		buf := make([]byte, 2)
		n, r := reader.Read(buf)
		require.Equal(t, ResultOK, r)
		require.Equal(t, 2, n)
		require.Equal(t, []byte("cd"), buf)

		// Headerless offset counts from the start of the header itself, so
		// asking for pclHeaderBytes+2 lands on the same payload byte as
		// packet offset 2.
		reader.SetSeekToHeaderlessOffset(pclHeaderBytes + 2)
		n, r = reader.Read(buf)
		require.Equal(t, ResultOK, r)
		require.Equal(t, []byte("cd"), buf[:n])

		k.FreeChain(head)
	})
}

func TestParticleSeekRewindBoundedToOnePclBack(t *testing.T) {
	k, host := newPclTestKernel(t, 8, 16)
	const taskA TaskID = 1

	runInTask(t, k, host, taskA, func() {
		// Head particle holds 8 payload bytes; allocate enough to spill two
		// full particles past it so a naive full-chain rewind would be
		// observably different from the one-particle-back limit.
		head, r := k.AllocChainWT(8+16+16, true, false, 0)
		require.Equal(t, ResultOK, r)
		require.Equal(t, 3, k.chainCount(head))

		reader := k.NewPclReader(head)
		reader.SetOffset(8 + 16 + 4) // 4 bytes into the third particle
		reader.SeekRewind(1000)     // would go to 0 without the bound
		require.True(t, reader.pos > 0, "rewind must not cross more than one particle back")
		require.Equal(t, 8, reader.pos, "rewind stops at the start of the previous particle")

		k.FreeChain(head)
	})
}

func TestParticleWriteDataRejectsOversizedWrite(t *testing.T) {
	k, host := newPclTestKernel(t, 4, 16)
	const taskA TaskID = 1

	runInTask(t, k, host, taskA, func() {
		head, r := k.AllocChainWT(8, true, false, 0)
		require.Equal(t, ResultOK, r)

		require.Equal(t, ResultInvalid, k.WriteData(head, 0, make([]byte, 9)))

		k.FreeChain(head)
	})
}

// TestParticleAllocChainWithoutHeaderUsesFullCapacity proves with_header ==
// false gives the first particle the same capacity as every other one,
// unlike TestParticleChainCapacityAccounting's with_header == true case.
func TestParticleAllocChainWithoutHeaderUsesFullCapacity(t *testing.T) {
	k, host := newPclTestKernel(t, 8, 16)
	const taskA TaskID = 1

	runInTask(t, k, host, taskA, func() {
		head, r := k.AllocChainWT(16, false, false, 0)
		require.Equal(t, ResultOK, r)
		require.Equal(t, 1, k.chainCount(head), "headerless first particle holds a full PclSize")
		k.FreeChain(head)

		head, r = k.AllocChainWT(17, false, false, 0)
		require.Equal(t, ResultOK, r)
		require.Equal(t, 2, k.chainCount(head))
		k.FreeChain(head)
	})
}
