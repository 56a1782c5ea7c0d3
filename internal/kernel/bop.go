package kernel

// BOP ("block on pend") is the lightest NUFR wake primitive (spec.md §4.3):
// a single pending-or-not flag per task, keyed so a stale send arriving
// after the wait it was meant for has already completed is rejected
// instead of waking the wrong round of waiting.

// BopGetKey returns tid's current key. Callers hand this value to whoever
// they expect to wake them, so that send can be matched against the wait
// it was actually meant for (spec.md §4.3 key-staleness rule).
func (k *Kernel) BopGetKey(tid TaskID) uint16 {
	k.lock()
	defer k.unlock()
	return k.task(tid).bopKey
}

// BopLockWaiter defers delivery of BopSend to tid: if tid is (or becomes)
// blocked on a BOP wait while locked, the wake is held as a pending flag
// instead of being delivered immediately, and only takes effect at the
// matching BopUnlockWaiter. This lets a caller prepare several related
// pieces of state before letting a single accumulated wake reach the
// waiter, without the waiter racing ahead on the first of them.
func (k *Kernel) BopLockWaiter(tid TaskID) {
	k.lock()
	defer k.unlock()
	k.task(tid).statusFlags |= statusBopLocked
}

// BopUnlockWaiter clears the lock set by BopLockWaiter and, if a send
// arrived while locked, delivers it now.
func (k *Kernel) BopUnlockWaiter(tid TaskID) {
	k.lock()
	t := k.task(tid)
	t.statusFlags &^= statusBopLocked
	if t.blockFlags.isBop() && t.bopPending {
		t.bopPending = false
		k.cancelWaitTimerLocked(t)
		k.abortBlockedTaskLocked(tid, ResultOK)
		caller := k.running
		k.rescheduleAfterChange(caller)
		return
	}
	k.unlock()
}

// BopSend wakes tid if it is waiting with a matching key, or records the
// wake as pending (to be consumed by tid's next BopWaitW/T, or by
// BopUnlockWaiter if tid is currently lock-deferred) if tid has not yet
// entered its wait. Returns ResultKeyMismatch if key doesn't match tid's
// current key, or ResultTaskNotWaiting if tid is not launched (never
// launched, or since exited or killed).
func (k *Kernel) BopSend(tid TaskID, key uint16) Result {
	return k.bopSend(tid, key, false)
}

// BopSendWithKeyOverride is BopSend without the key check, for callers
// that know the target's generation by construction (e.g. a supervisor
// forcibly waking a task it just restarted).
func (k *Kernel) BopSendWithKeyOverride(tid TaskID) Result {
	return k.bopSend(tid, 0, true)
}

func (k *Kernel) bopSend(tid TaskID, key uint16, override bool) Result {
	k.lock()
	t := k.task(tid)
	if t.blockFlags == blockNotLaunched {
		k.unlock()
		return ResultTaskNotWaiting
	}
	if !override && t.bopKey != key {
		k.unlock()
		return ResultKeyMismatch
	}

	if t.blockFlags.isBop() && t.statusFlags&statusBopLocked == 0 {
		k.cancelWaitTimerLocked(t)
		k.abortBlockedTaskLocked(tid, ResultOK)
		caller := k.running
		k.rescheduleAfterChange(caller)
		return ResultOK
	}

	t.bopPending = true
	k.unlock()
	return ResultOK
}

// BopWaitW blocks the calling task until a matching BopSend arrives, an
// already-pending one is consumed, or (if abortPriority != noAbortPriority)
// a message at or above that priority arrives first.
func (k *Kernel) BopWaitW(abortPriority MsgPriority) Result {
	k.lock()
	return k.bopWaitLocked(k.running, false, 0, abortPriority)
}

// BopWaitT is BopWaitW with a tick timeout.
func (k *Kernel) BopWaitT(ticks uint32, abortPriority MsgPriority) Result {
	k.lock()
	return k.bopWaitLocked(k.running, true, ticks, abortPriority)
}

// bopWaitLocked must be called with the kernel lock held; it releases the
// lock itself (either immediately, for the pending-consumed fast path, or
// via contextSwitch after blocking).
func (k *Kernel) bopWaitLocked(self TaskID, hasTimeout bool, ticks uint32, abortPriority MsgPriority) Result {
	t := k.task(self)

	if t.bopPending {
		t.bopPending = false
		t.bopKey++
		k.unlock()
		return ResultOK
	}

	flag := blockBop
	if hasTimeout {
		flag = blockBopTimeout
	}
	t.blockFlags = flag
	t.abortMsgPriority = abortPriority
	if hasTimeout {
		t.sleepTimer = k.armWaitTimerLocked(self, ticks, ResultTimeout)
	}
	k.readyRemove(self)
	head := k.readyHead
	k.running = head
	k.unlock()
	k.contextSwitch(self, head)

	t.bopKey++
	return t.wakeReason
}
