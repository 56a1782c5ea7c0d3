package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nufr-rtos/nufr/internal/kernel"
	"github.com/nufr-rtos/nufr/sim"
)

// Message priorities used by the scenarios below (0 = highest, matching
// task priority's "lower is more urgent" convention).
const (
	msgHigh kernel.MsgPriority = iota
	msgMid
	msgLow
)

// scenario is one of the literal end-to-end checks from spec §8, reproduced
// as a smoke test runnable against the real simulator adapter rather than a
// mock.
type scenario struct {
	name string
	desc string
	run  func(log *logrus.Logger) error
}

var scenarios = []scenario{
	{"msg-priority-order", "three-way message priority ordering", scenarioMsgPriorityOrder},
	{"msg-aborts-bop", "message aborts a BOP wait", scenarioMsgAbortsBop},
	{"priority-inversion", "mutex priority inheritance", scenarioPriorityInversion},
	{"timer-continuous", "continuous timer delivers n expirations", scenarioTimerContinuous},
	{"pool-blocking-alloc", "blocking pool allocation wakes on free", scenarioPoolBlockingAlloc},
	{"bop-key-staleness", "stale BOP key is rejected", scenarioBopKeyStaleness},
}

func findScenario(name string) (scenario, bool) {
	for _, s := range scenarios {
		if s.name == name {
			return s, true
		}
	}
	return scenario{}, false
}

func baseConfig(tasks []kernel.TaskConfig, semas []kernel.SemaConfig, caps kernel.Capabilities) kernel.Config {
	return kernel.Config{
		Tasks:         tasks,
		Semas:         semas,
		Caps:          caps,
		MaxMsgs:       64,
		MsgPriorities: 3,
		NumTimers:     16,
		TickPeriodMS:  1,
		AssertLevel:   kernel.AssertAPI,
	}
}

// buildSim wires a *kernel.Kernel and *sim.Sim to each other: the kernel
// needs HostOps at New time and the Sim needs numTasks, so the Sim is built
// first against a deferred kernel reference (same two-phase construction
// sim and kernel always require of each other). Scenarios that drive ticks
// themselves (e.g. scenarioTimerContinuous) pass a long tickPeriod so the
// Sim's own background ticker doesn't also call ExpireTimerCallin and race
// the scenario's manual ticks.
func buildSim(cfg kernel.Config, tickPeriod time.Duration, log *logrus.Logger) (*kernel.Kernel, *sim.Sim, error) {
	s := sim.New(nil, len(cfg.Tasks), tickPeriod, log)
	k, err := kernel.New(cfg, s, log)
	if err != nil {
		return nil, nil, err
	}
	s.BindKernel(k)
	return k, s, nil
}

// --- scenario 1: three-way message priority ordering --------------------

func scenarioMsgPriorityOrder(log *logrus.Logger) error {
	cfg := baseConfig(
		[]kernel.TaskConfig{
			{Name: "A", InitialPriority: 10, StackSizeBytes: 4096},
			{Name: "B", InitialPriority: 10, StackSizeBytes: 4096},
		},
		nil,
		kernel.Capabilities{Messaging: true},
	)
	const taskA, taskB kernel.TaskID = 1, 2

	k, s, err := buildSim(cfg, time.Millisecond, log)
	if err != nil {
		return err
	}

	var got []uint32
	var mu sync.Mutex
	recvDone := make(chan struct{})

	entries := map[kernel.TaskID]sim.TaskFunc{
		taskA: func(k *kernel.Kernel, self kernel.TaskID) {
			for i := 0; i < 3; i++ {
				info, r := k.MsgGetW()
				if r != kernel.ResultOK {
					break
				}
				mu.Lock()
				got = append(got, info.Parameter)
				mu.Unlock()
			}
			close(recvDone)
		},
		taskB: func(k *kernel.Kernel, self kernel.TaskID) {
			<-recvDone // dispatched only after A has received all three and exited
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, entries) }()

	// All three messages are queued before A is launched, so A sees them
	// all pending at its first MsgGetW.
	k.MsgSendFromISR(taskA, 1, 1, msgLow, 5)
	k.MsgSendFromISR(taskA, 1, 2, msgMid, 6)
	k.MsgSendFromISR(taskA, 1, 3, msgHigh, 7)

	if r := k.Launch(taskA); r != kernel.ResultOK {
		return fmt.Errorf("launch A: %v", r)
	}
	if r := k.Launch(taskB); r != kernel.ResultOK {
		return fmt.Errorf("launch B: %v", r)
	}

	select {
	case <-recvDone:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for receiver")
	}
	cancel()
	<-runErr

	mu.Lock()
	defer mu.Unlock()
	want := []uint32{7, 6, 5}
	if len(got) != len(want) {
		return fmt.Errorf("got %d messages, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("message %d: got param %d, want %d (full: %v)", i, got[i], want[i], got)
		}
	}
	return nil
}

// --- scenario 2: message aborts a BOP wait -------------------------------

func scenarioMsgAbortsBop(log *logrus.Logger) error {
	cfg := baseConfig(
		[]kernel.TaskConfig{
			{Name: "A", InitialPriority: 10, StackSizeBytes: 4096},
			{Name: "B", InitialPriority: 10, StackSizeBytes: 4096},
		},
		nil,
		kernel.Capabilities{Messaging: true},
	)
	const taskA, taskB kernel.TaskID = 1, 2

	k, s, err := buildSim(cfg, time.Millisecond, log)
	if err != nil {
		return err
	}

	resultCh := make(chan kernel.Result, 1)
	pendingCh := make(chan bool, 1)
	bSent := make(chan struct{})

	entries := map[kernel.TaskID]sim.TaskFunc{
		taskA: func(k *kernel.Kernel, self kernel.TaskID) {
			r := k.BopWaitW(msgHigh)
			// Checked here, while A is running: its inbox is drained when
			// it exits.
			_, pending := k.MsgPeek()
			pendingCh <- pending
			resultCh <- r
		},
		taskB: func(k *kernel.Kernel, self kernel.TaskID) {
			<-bSent
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, entries) }()

	k.Launch(taskA)
	k.Launch(taskB)

	time.Sleep(20 * time.Millisecond) // let A reach its BOP wait
	k.MsgSendFromISR(taskA, 9, 0, msgHigh, 0)
	close(bSent)

	var r kernel.Result
	select {
	case r = <-resultCh:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for A to unblock")
	}
	cancel()
	<-runErr

	if r != kernel.ResultAbortedByMessage {
		return fmt.Errorf("BopWaitW returned %v, want AbortedByMessage", r)
	}
	if !<-pendingCh {
		return fmt.Errorf("expected aborting message to remain in A's inbox")
	}
	return nil
}

// --- scenario 3: priority inversion --------------------------------------

func scenarioPriorityInversion(log *logrus.Logger) error {
	cfg := baseConfig(
		[]kernel.TaskConfig{
			{Name: "L", InitialPriority: 12, StackSizeBytes: 4096},
			{Name: "H", InitialPriority: 7, StackSizeBytes: 4096},
		},
		[]kernel.SemaConfig{{Name: "M", InitialCount: 1, PriorityInheritance: true}},
		kernel.Capabilities{Semaphore: true},
	)
	const taskL, taskH kernel.TaskID = 1, 2
	const semaM kernel.SemaID = 1

	k, s, err := buildSim(cfg, time.Millisecond, log)
	if err != nil {
		return err
	}

	observed := make(chan kernel.Priority, 1)
	lDone := make(chan struct{})
	hMayRequest := make(chan struct{})

	entries := map[kernel.TaskID]sim.TaskFunc{
		taskL: func(k *kernel.Kernel, self kernel.TaskID) {
			k.SemaGetW(semaM)
			close(hMayRequest)
			time.Sleep(30 * time.Millisecond) // hold the mutex while H queues
			observed <- k.PriorityOf(self)
			k.SemaRelease(semaM)
			close(lDone)
		},
		taskH: func(k *kernel.Kernel, self kernel.TaskID) {
			<-hMayRequest
			k.SemaGetW(semaM)
			k.SemaRelease(semaM)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, entries) }()

	k.Launch(taskL)
	k.Launch(taskH)

	var boosted kernel.Priority
	select {
	case boosted = <-observed:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for L's boosted priority")
	}
	<-lDone
	cancel()
	<-runErr

	if boosted != 7 {
		return fmt.Errorf("L's effective priority while blocking H was %d, want 7", boosted)
	}
	if got := k.PriorityOf(taskL); got != 12 {
		return fmt.Errorf("L's priority after release is %d, want restored 12", got)
	}
	return nil
}

// --- scenario 4: continuous timer -----------------------------------------

func scenarioTimerContinuous(log *logrus.Logger) error {
	cfg := baseConfig(
		[]kernel.TaskConfig{{Name: "Self", InitialPriority: 10, StackSizeBytes: 4096}},
		nil, kernel.Capabilities{Messaging: true},
	)
	const taskSelf kernel.TaskID = 1
	const timerMsgID uint16 = 42

	k, s, err := buildSim(cfg, time.Hour, log)
	if err != nil {
		return err
	}

	// Arm the timer at a known tick before any manual tick runs: it fires
	// at 110, 120, ..., 200, i.e. 10 times within ticks 101..205.
	k.ExpireTimerCallin(100)
	if _, r := k.TimerStart(10, 10, taskSelf, 1, timerMsgID, msgHigh, 0); r != kernel.ResultOK {
		return fmt.Errorf("TimerStart: %v", r)
	}

	var mu sync.Mutex
	expirations := 0
	taskDone := make(chan struct{})

	entries := map[kernel.TaskID]sim.TaskFunc{
		taskSelf: func(k *kernel.Kernel, self kernel.TaskID) {
			defer close(taskDone)
			for i := 0; i < 10; i++ {
				info, r := k.MsgGetW()
				if r != kernel.ResultOK || info.ID != timerMsgID {
					return
				}
				mu.Lock()
				expirations++
				mu.Unlock()
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, entries) }()
	k.Launch(taskSelf)

	for tick := uint32(1); tick <= 105; tick++ {
		k.ExpireTimerCallin(100 + tick)
	}

	select {
	case <-taskDone:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for the task to receive its timer messages")
	}
	cancel()
	<-runErr

	mu.Lock()
	defer mu.Unlock()
	if expirations != 10 {
		return fmt.Errorf("got %d message deliveries in 105 ticks, want 10", expirations)
	}
	return nil
}

// --- scenario 5: blocking pool allocation ---------------------------------

func scenarioPoolBlockingAlloc(log *logrus.Logger) error {
	cfg := baseConfig(
		[]kernel.TaskConfig{
			{Name: "A", InitialPriority: 10, StackSizeBytes: 4096},
			{Name: "B", InitialPriority: 10, StackSizeBytes: 4096},
		},
		nil, kernel.Capabilities{},
	)
	const taskA, taskB kernel.TaskID = 1, 2

	k, s, err := buildSim(cfg, time.Millisecond, log)
	if err != nil {
		return err
	}
	pool := k.NewPool(2, 16)

	var held [2]kernel.PoolBlockID
	aDone := make(chan struct{})
	bResult := make(chan kernel.Result, 1)

	entries := map[kernel.TaskID]sim.TaskFunc{
		taskA: func(k *kernel.Kernel, self kernel.TaskID) {
			held[0], _ = pool.AllocateW()
			held[1], _ = pool.AllocateW()
			close(aDone)
			k.Sleep(30) // let B run and block on the empty pool
			pool.Free(held[0])
		},
		taskB: func(k *kernel.Kernel, self kernel.TaskID) {
			<-aDone
			_, r := pool.AllocateW()
			bResult <- r
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, entries) }()
	k.Launch(taskA)
	k.Launch(taskB)

	var r kernel.Result
	select {
	case r = <-bResult:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for B's blocking allocate")
	}
	cancel()
	<-runErr

	if r != kernel.ResultOK {
		return fmt.Errorf("B's blocking allocate returned %v, want OK", r)
	}
	return nil
}

// --- scenario 6: stale BOP key ---------------------------------------------

func scenarioBopKeyStaleness(log *logrus.Logger) error {
	cfg := baseConfig(
		[]kernel.TaskConfig{
			{Name: "A", InitialPriority: 10, StackSizeBytes: 4096},
			{Name: "B", InitialPriority: 10, StackSizeBytes: 4096},
		},
		nil, kernel.Capabilities{},
	)
	const taskA, taskB kernel.TaskID = 1, 2

	k, s, err := buildSim(cfg, time.Millisecond, log)
	if err != nil {
		return err
	}

	keyCh := make(chan uint16, 1)
	firstWaitDone := make(chan struct{})
	secondWaitResult := make(chan kernel.Result, 1)
	sendResult := make(chan kernel.Result, 1)

	entries := map[kernel.TaskID]sim.TaskFunc{
		taskA: func(k *kernel.Kernel, self kernel.TaskID) {
			keyCh <- k.BopGetKey(self)
			k.BopSendWithKeyOverride(self) // complete the first wait ourselves
			k.BopWaitW(kernel.NoAbortPriority)
			close(firstWaitDone)

			secondWaitResult <- k.BopWaitT(20, kernel.NoAbortPriority)
		},
		taskB: func(k *kernel.Kernel, self kernel.TaskID) {
			staleKey := <-keyCh
			<-firstWaitDone
			sendResult <- k.BopSend(taskA, staleKey)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, entries) }()
	k.Launch(taskA)
	k.Launch(taskB)

	var sr kernel.Result
	select {
	case sr = <-sendResult:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for stale BopSend")
	}
	var wr kernel.Result
	select {
	case wr = <-secondWaitResult:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("timed out waiting for A's second BOP wait")
	}
	cancel()
	<-runErr

	if sr != kernel.ResultKeyMismatch {
		return fmt.Errorf("stale BopSend returned %v, want KeyMismatch", sr)
	}
	if wr != kernel.ResultTimeout {
		return fmt.Errorf("A's second wait returned %v, want Timeout (should not have been woken by the stale send)", wr)
	}
	return nil
}
