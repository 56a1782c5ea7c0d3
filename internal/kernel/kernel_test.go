package kernel

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeHost is a minimal stand-in for sim.Sim for in-package tests: one gate
// channel per task. ParkSelf blocks for real (so tests exercise genuine
// goroutine suspend/resume), WakeTask never blocks, matching the "exactly
// one WakeTask per ParkSelf" contract host.go documents.
type fakeHost struct {
	gate []chan struct{}
}

func newFakeHost(numTasks int) *fakeHost {
	h := &fakeHost{gate: make([]chan struct{}, numTasks+1)}
	for i := 1; i <= numTasks; i++ {
		h.gate[i] = make(chan struct{}, 1)
	}
	return h
}

func (h *fakeHost) ParkSelf(tid TaskID) { <-h.gate[tid] }

func (h *fakeHost) WakeTask(tid TaskID) {
	select {
	case h.gate[tid] <- struct{}{}:
	default:
	}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestKernel fills in whatever sizing fields cfg left at zero with small
// defaults and builds a Kernel against a fakeHost.
func newTestKernel(t *testing.T, cfg Config) (*Kernel, *fakeHost) {
	t.Helper()
	if cfg.MaxMsgs == 0 {
		cfg.MaxMsgs = 32
	}
	if cfg.MsgPriorities == 0 {
		cfg.MsgPriorities = 3
	}
	if cfg.NumTimers == 0 {
		cfg.NumTimers = 16
	}
	if cfg.TickPeriodMS == 0 {
		cfg.TickPeriodMS = 1
	}
	if cfg.AssertLevel == AssertNone {
		cfg.AssertLevel = AssertAll
	}
	host := newFakeHost(len(cfg.Tasks))
	k, err := New(cfg, host, testLogger())
	require.NoError(t, err)
	return k, host
}

// waitUntil polls cond (which must take its own lock if it touches kernel
// state) until it returns true or timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true within " + timeout.String())
}

func (k *Kernel) blockedOnSema(tid TaskID) bool {
	k.lock()
	defer k.unlock()
	return k.task(tid).blockFlags.isSema()
}

// freeMsgBlocks exposes the message pool's free count for tests checking
// invariant #6 (spec.md §8: total blocks in {free list} U {all inboxes}
// equals MaxMsgs).
func (k *Kernel) freeMsgBlocks() int {
	k.lock()
	defer k.unlock()
	return k.msgFreeCount
}
