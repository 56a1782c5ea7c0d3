package kernel

const noPriorityParent = TaskID(0)

// blockFlags is the "why is this task not on the ready list" bitset
// (spec.md §3). Exactly one of {on ready list, on a waiter list, on the
// sleep/timer list, not-launched} holds for a task at any time, and
// block_flags == 0 iff the task is on the ready list (invariant #3, §8).
type blockFlags uint16

const (
	blockNotLaunched blockFlags = 1 << iota
	blockAsleep
	blockBop
	blockBopTimeout
	blockMsg
	blockMsgTimeout
	blockSema
	blockSemaTimeout
)

func (b blockFlags) isBop() bool  { return b&(blockBop|blockBopTimeout) != 0 }
func (b blockFlags) isMsg() bool  { return b&(blockMsg|blockMsgTimeout) != 0 }
func (b blockFlags) isSema() bool { return b&(blockSema|blockSemaTimeout) != 0 }

// statusFlags are orthogonal to blockFlags (spec.md §3: "a status bitset").
type statusFlags uint16

const (
	statusTimerRunning statusFlags = 1 << iota
	statusBopLocked
)

// NoAbortPriority is the sentinel meaning "this wait has no message-abort
// threshold" (spec.md §4.2/§4.4: abort_priority may be None), passed to
// BopWaitW/T, SemaGetWithAbort, and the internal wait helpers that don't
// want message-abort semantics at all.
const NoAbortPriority MsgPriority = 0xFF

const noAbortPriority = NoAbortPriority

// taskCB is one task's control block. Fields mirror spec.md §3 exactly;
// ready-list and waiter-list membership are expressed as TaskID links into
// the kernel's task array rather than pointers, per DESIGN NOTES §9.
type taskCB struct {
	id TaskID

	priority        Priority // current effective priority
	basePriority    Priority // priority the task was configured with

	prioritizeSaved []Priority // stack of priorities saved by nested Prioritize calls
	inheritSaved    *Priority  // priority saved before the first inheritance boost; nil when not boosted

	blockFlags  blockFlags
	statusFlags statusFlags

	bopKey     uint16
	bopPending bool

	abortMsgPriority MsgPriority // noAbortPriority if this wait has no abort threshold
	wakeReason       Result      // set by whoever wakes the task, read after resume

	ownedSema SemaID // mutex this task currently owns, valid only while hasOwned; released on exit/kill
	hasOwned  bool

	// ready list links
	readyNext, readyPrev TaskID
	onReadyList          bool

	// semaphore waiter list links (priority-ordered)
	semaNext, semaPrev TaskID
	waitingSema        SemaID
	hasWaitingSema      bool

	// per-priority message inboxes: head/tail block ids, one pair per
	// configured MsgPriorities level.
	inboxHead []msgBlockID
	inboxTail []msgBlockID

	sleepTimer TimerID // timer id backing Sleep/*_t timeouts; nilTimer if none
}

func (k *Kernel) initTasks() {
	n := len(k.cfg.Tasks)
	k.tasks = make([]taskCB, n+1) // index 0 unused
	for i := 1; i <= n; i++ {
		tid := TaskID(i)
		t := &k.tasks[tid]
		t.id = tid
		t.basePriority = k.cfg.Tasks[i-1].InitialPriority
		t.priority = t.basePriority
		t.blockFlags = blockNotLaunched
		t.abortMsgPriority = noAbortPriority
		t.sleepTimer = nilTimer
		t.inboxHead = make([]msgBlockID, k.cfg.MsgPriorities)
		t.inboxTail = make([]msgBlockID, k.cfg.MsgPriorities)
		for p := range t.inboxHead {
			t.inboxHead[p] = nilBlock
			t.inboxTail[p] = nilBlock
		}
	}
	k.readyHead = noTask
	k.readyTail = noTask
	k.nominalTail = noTask
}

func (k *Kernel) task(tid TaskID) *taskCB {
	k.requireAPI(tid != noTask && int(tid) < len(k.tasks), "invalid task id %d", tid)
	return &k.tasks[tid]
}

// --- ready list -------------------------------------------------------

// readyInsert inserts tid into the priority-ordered ready list (spec.md
// §4.1 "Ready-list insert algorithm"): scan from head while
// node.priority <= insert.priority; insert before the first node of
// strictly lower priority, so tasks of equal priority stay in FIFO order.
// The cached nominalTail accelerates the common
// case of a nominal-priority task appending at the tail of its band.
func (k *Kernel) readyInsert(tid TaskID) {
	t := k.task(tid)
	k.requireInvariant(t.blockFlags == 0, "readyInsert: task %d still has block flags %#x", tid, t.blockFlags)
	t.onReadyList = true

	if k.readyHead == noTask {
		t.readyNext, t.readyPrev = noTask, noTask
		k.readyHead, k.readyTail = tid, tid
		k.nominalTail, k.nominalPrio = tid, t.priority
		return
	}

	// Fast path: nominal-priority append at the cached nominal tail.
	if k.nominalTail != noTask && t.priority == k.nominalPrio {
		after := k.nominalTail
		k.insertAfter(after, tid)
		k.nominalTail = tid
		return
	}

	// General path: scan from head past every node at least as urgent as
	// the new task (priority <= t.priority) so FIFO order is preserved
	// within a priority band, and insert before the first strictly lower
	// priority node.
	cur := k.readyHead
	for cur != noTask && k.task(cur).priority <= t.priority {
		cur = k.task(cur).readyNext
	}
	if cur == noTask {
		k.insertAfter(k.readyTail, tid)
	} else {
		k.insertBefore(cur, tid)
	}
}

func (k *Kernel) insertAfter(after, tid TaskID) {
	t := k.task(tid)
	if after == noTask {
		t.readyNext, t.readyPrev = k.readyHead, noTask
		if k.readyHead != noTask {
			k.task(k.readyHead).readyPrev = tid
		}
		k.readyHead = tid
		if k.readyTail == noTask {
			k.readyTail = tid
		}
		return
	}
	a := k.task(after)
	nxt := a.readyNext
	t.readyPrev, t.readyNext = after, nxt
	a.readyNext = tid
	if nxt != noTask {
		k.task(nxt).readyPrev = tid
	} else {
		k.readyTail = tid
	}
}

func (k *Kernel) insertBefore(before, tid TaskID) {
	t := k.task(tid)
	b := k.task(before)
	prv := b.readyPrev
	t.readyNext, t.readyPrev = before, prv
	b.readyPrev = tid
	if prv != noTask {
		k.task(prv).readyNext = tid
	} else {
		k.readyHead = tid
	}
}

// readyRemove detaches tid from the ready list. Does not touch blockFlags;
// callers set the appropriate block flag themselves.
func (k *Kernel) readyRemove(tid TaskID) {
	t := k.task(tid)
	if !t.onReadyList {
		return
	}
	if t.readyPrev != noTask {
		k.task(t.readyPrev).readyNext = t.readyNext
	} else {
		k.readyHead = t.readyNext
	}
	if t.readyNext != noTask {
		k.task(t.readyNext).readyPrev = t.readyPrev
	} else {
		k.readyTail = t.readyPrev
	}
	if k.nominalTail == tid {
		k.nominalTail = t.readyPrev
		if k.nominalTail != noTask {
			k.nominalPrio = k.task(k.nominalTail).priority
		}
	}
	t.onReadyList = false
	t.readyNext, t.readyPrev = noTask, noTask
}

// --- task lifecycle -----------------------------------------------------

// Launch starts tid running its configured entry point (spec.md §4.1
// launch). The platform-specific stack-prepare step (prepare_stack, §6) is
// the port's job; here we only perform the scheduling side effect: clear
// flags and add to the ready list, switching to it immediately if it now
// outranks the running task.
func (k *Kernel) Launch(tid TaskID) Result {
	k.lock()
	t := k.task(tid)
	k.requireAPI(t.blockFlags == blockNotLaunched, "Launch: task %d is not in NotLaunched state", tid)

	t.blockFlags = 0
	t.priority = t.basePriority
	t.inheritSaved = nil
	t.prioritizeSaved = nil
	t.bopPending = false
	k.readyInsert(tid)

	caller := k.running
	k.rescheduleAfterChange(caller)
	return ResultOK
}

// ExitRunning removes the calling task from the ready list and marks it
// NotLaunched (spec.md §4.1 exit_running). Any semaphore it owned is
// released to the next waiter so ownership never dangles.
//
// Unlike every other rescheduling point, the caller here is never coming
// back: a task that calls exit_running has no stack to resume. Passing
// noTask to rescheduleAfterChange takes the ISR-context branch (wake the
// new head, nothing to park) instead of the normal contextSwitch, which
// would otherwise park the exiting task's own goroutine with no matching
// WakeTask ever coming -- a permanent leak that would also stall a host
// like sim.Run, which waits for every task goroutine to return.
func (k *Kernel) ExitRunning() {
	k.lock()
	self := k.running
	k.requireAPI(self != noTask, "ExitRunning: no task is running")
	t := k.task(self)

	if t.hasOwned {
		k.releaseOwnedLocked(t.ownedSema, self)
	}
	k.readyRemove(self)
	t.blockFlags = blockNotLaunched
	k.msgDrainLocked(self, 0)
	k.rescheduleAfterChange(noTask)
}

// Kill removes tid from whatever list it is on (ready, waiter, or sleep)
// from another context and marks it NotLaunched (spec.md §4.1 kill). Its
// wait-timeout and any app timers addressed to it are freed.
func (k *Kernel) Kill(tid TaskID) Result {
	k.requireAPI(k.cfg.Caps.TaskKill, "Kill: TaskKill capability not enabled in Config")
	k.lock()
	t := k.task(tid)
	if t.blockFlags == blockNotLaunched {
		k.unlock()
		return ResultNotLaunched
	}

	if t.onReadyList {
		k.readyRemove(tid)
	} else if t.blockFlags.isSema() && t.hasWaitingSema {
		k.semaWaiterRemove(t.waitingSema, tid)
	}
	if t.sleepTimer != nilTimer {
		k.freeTimerLocked(t.sleepTimer)
		t.sleepTimer = nilTimer
	}
	for i := range k.timers {
		if tm := &k.timers[i]; tm.inUse && tm.owner == noTask && tm.dest == tid {
			k.freeTimerSlotLocked(TimerID(i))
		}
	}
	if t.hasOwned {
		k.releaseOwnedLocked(t.ownedSema, tid)
	}
	t.blockFlags = blockNotLaunched
	t.statusFlags = 0
	t.hasWaitingSema = false
	k.msgDrainLocked(tid, 0)

	// A task killing itself hits the same non-resumable case ExitRunning
	// does: there is no caller left to park.
	caller := k.running
	if caller == tid {
		caller = noTask
	}
	k.rescheduleAfterChange(caller)
	return ResultOK
}

// PriorityOf returns tid's current effective priority (the configured
// priority, possibly temporarily raised by Prioritize or mutex inheritance).
func (k *Kernel) PriorityOf(tid TaskID) Priority {
	k.lock()
	defer k.unlock()
	return k.task(tid).priority
}

// ChangePriority re-homes tid at new priority, wherever it currently is
// (ready list or a semaphore waiter list), per spec.md §4.1.
func (k *Kernel) ChangePriority(tid TaskID, newPriority Priority) Result {
	k.lock()
	t := k.task(tid)
	if t.priority == newPriority {
		k.unlock()
		return ResultOK
	}
	t.priority = newPriority

	if t.onReadyList {
		k.readyRemove(tid)
		k.readyInsert(tid)
	} else if t.hasWaitingSema {
		k.semaWaiterRemove(t.waitingSema, tid)
		k.semaWaiterInsert(t.waitingSema, tid)
	}

	caller := k.running
	k.rescheduleAfterChange(caller)
	return ResultOK
}

// Prioritize raises the calling task to GuaranteedHighest, saving its
// current priority; Unprioritize restores it. Nested calls behave like a
// stack (spec.md §4.1): the value restored is the value saved at the
// matching Prioritize.
func (k *Kernel) Prioritize() {
	k.lock()
	defer k.unlock()
	self := k.task(k.running)
	self.prioritizeSaved = append(self.prioritizeSaved, self.priority)
	k.setPriorityLocked(k.running, GuaranteedHighest)
}

func (k *Kernel) Unprioritize() {
	k.lock()
	self := k.task(k.running)
	k.requireAPI(len(self.prioritizeSaved) > 0, "Unprioritize without matching Prioritize")
	n := len(self.prioritizeSaved)
	restore := self.prioritizeSaved[n-1]
	self.prioritizeSaved = self.prioritizeSaved[:n-1]
	k.setPriorityLocked(k.running, restore)
	caller := k.running
	k.rescheduleAfterChange(caller)
}

// setPriorityLocked changes tid's effective priority and re-homes it on
// whatever list it is on. Caller holds the lock.
func (k *Kernel) setPriorityLocked(tid TaskID, newPriority Priority) {
	t := k.task(tid)
	t.priority = newPriority
	if t.onReadyList {
		k.readyRemove(tid)
		k.readyInsert(tid)
	} else if t.hasWaitingSema {
		k.semaWaiterRemove(t.waitingSema, tid)
		k.semaWaiterInsert(t.waitingSema, tid)
	}
}

// Sleep blocks the calling task for the given number of ticks.
func (k *Kernel) Sleep(ticks uint32) {
	k.lock()
	self := k.running
	t := k.task(self)
	k.requireAPI(self != noTask, "Sleep: no task running")

	t.blockFlags = blockAsleep
	t.sleepTimer = k.armWaitTimerLocked(self, ticks, ResultOK)
	k.readyRemove(self)
	head := k.readyHead
	k.running = head
	k.unlock()
	k.contextSwitch(self, head)
}

// Yield gives up the CPU for one round at the calling task's own priority
// band: move to the tail of its own priority band and reschedule.
func (k *Kernel) Yield() {
	k.lock()
	self := k.running
	k.readyRemove(self)
	k.readyInsert(self)
	k.rescheduleAfterChange(self)
}

// abortBlockedTaskLocked pulls tid off whatever waiter/sleep list it is
// blocked on and returns it to the ready list with wakeReason set to
// reason. Used by timer expiry (timer.go) and by the message-abort rule
// (msg.go §4.2: a message at or above a blocked task's abort priority
// cuts its Sleep/BOP/sema wait short).
func (k *Kernel) abortBlockedTaskLocked(tid TaskID, reason Result) {
	t := k.task(tid)
	switch {
	case t.blockFlags.isSema() && t.hasWaitingSema:
		k.semaWaiterRemove(t.waitingSema, tid)
	case t.blockFlags.isBop():
		// no separate waiter list for BOP; task is simply not on any list
	case t.blockFlags&blockAsleep != 0:
		// ditto
	case t.blockFlags.isMsg():
		// ditto; msg waits block the task directly, not via a list
	}
	t.blockFlags = 0
	t.abortMsgPriority = noAbortPriority
	t.wakeReason = reason
	k.readyInsert(tid)
}
