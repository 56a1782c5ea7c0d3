package kernel

// SemaID identifies one configured semaphore or mutex (spec.md §4.4).
// semaphore is the runtime state behind it.
type semaphore struct {
	id   SemaID
	name string

	isMutex bool // priority-inheriting binary semaphore

	count    uint16 // current available count (counting semaphores only)
	hasOwner bool
	ownerTid TaskID // valid iff isMutex && hasOwner

	waitHead, waitTail TaskID // priority-ordered waiter list
}

func (k *Kernel) initSemas() {
	n := len(k.cfg.Semas)
	k.semas = make([]semaphore, n+1) // index 0 unused, matches SemaID(0) == invalid
	for i := 1; i <= n; i++ {
		cfg := k.cfg.Semas[i-1]
		s := &k.semas[i]
		s.id = SemaID(i)
		s.name = cfg.Name
		s.isMutex = cfg.PriorityInheritance
		s.count = cfg.InitialCount
		s.waitHead, s.waitTail = noTask, noTask
		if s.isMutex && s.count == 0 {
			// A mutex configured with InitialCount 0 starts owned by no one
			// and immediately acquirable, same as an ordinary binary sema at 1.
			s.count = 1
		}
	}
}

func (k *Kernel) sema(id SemaID) *semaphore {
	k.requireAPI(id != 0 && int(id) < len(k.semas), "invalid sema id %d", id)
	return &k.semas[id]
}

// --- waiter list (priority-ordered, no nominal-tail cache: sema waiter
// lists are typically short) -------------------------------------------

func (k *Kernel) semaWaiterInsert(said SemaID, tid TaskID) {
	s := k.sema(said)
	t := k.task(tid)
	t.waitingSema = said
	t.hasWaitingSema = true

	if s.waitHead == noTask {
		t.semaNext, t.semaPrev = noTask, noTask
		s.waitHead, s.waitTail = tid, tid
		return
	}
	cur := s.waitHead
	for cur != noTask && k.task(cur).priority <= t.priority {
		cur = k.task(cur).semaNext
	}
	if cur == noTask {
		last := s.waitTail
		k.task(last).semaNext = tid
		t.semaPrev = last
		t.semaNext = noTask
		s.waitTail = tid
		return
	}
	prev := k.task(cur).semaPrev
	t.semaNext = cur
	t.semaPrev = prev
	k.task(cur).semaPrev = tid
	if prev != noTask {
		k.task(prev).semaNext = tid
	} else {
		s.waitHead = tid
	}
}

func (k *Kernel) semaWaiterRemove(said SemaID, tid TaskID) {
	s := k.sema(said)
	t := k.task(tid)
	if t.semaPrev != noTask {
		k.task(t.semaPrev).semaNext = t.semaNext
	} else {
		s.waitHead = t.semaNext
	}
	if t.semaNext != noTask {
		k.task(t.semaNext).semaPrev = t.semaPrev
	} else {
		s.waitTail = t.semaPrev
	}
	t.semaNext, t.semaPrev = noTask, noTask
	t.hasWaitingSema = false
}

// --- priority inheritance ------------------------------------------------

// boostOwnerChainLocked raises the priority of said's owner (and, if that
// owner is itself blocked waiting on another mutex, transitively up the
// ownership chain) to at least priority. This is the transitive case
// called out in SPEC_FULL.md's Open Question decision: a two-hop or
// deeper donation chain propagates in full, not just one hop.
func (k *Kernel) boostOwnerChainLocked(said SemaID, priority Priority) {
	for said != 0 {
		s := k.sema(said)
		if !s.isMutex || !s.hasOwner {
			return
		}
		owner := k.task(s.ownerTid)
		if owner.priority <= priority {
			return
		}
		if owner.inheritSaved == nil {
			saved := owner.priority
			owner.inheritSaved = &saved
		}
		k.setPriorityLocked(s.ownerTid, priority)

		if !owner.hasWaitingSema {
			return
		}
		said = owner.waitingSema
	}
}

// restoreOwnerPriorityLocked undoes a donation when the owning task
// releases the mutex that carried it.
func (k *Kernel) restoreOwnerPriorityLocked(tid TaskID) {
	t := k.task(tid)
	if t.inheritSaved == nil {
		return
	}
	restore := *t.inheritSaved
	t.inheritSaved = nil
	k.setPriorityLocked(tid, restore)
}

// --- acquire / release ----------------------------------------------------

// SemaGetW acquires said, blocking indefinitely if unavailable.
func (k *Kernel) SemaGetW(said SemaID) Result {
	return k.semaGet(said, false, 0, noAbortPriority)
}

// SemaGetT acquires said, blocking up to ticks, or returns ResultTimeout.
func (k *Kernel) SemaGetT(said SemaID, ticks uint32) Result {
	return k.semaGet(said, true, ticks, noAbortPriority)
}

// SemaGetWithAbort blocks indefinitely but is woken early, with
// ResultAbortedByMessage, if a message at or above abortPriority arrives
// for the calling task first (spec.md §4.4/§4.2 message-abort rule).
func (k *Kernel) SemaGetWithAbort(said SemaID, abortPriority MsgPriority) Result {
	return k.semaGet(said, false, 0, abortPriority)
}

func (k *Kernel) semaGet(said SemaID, hasTimeout bool, ticks uint32, abortPriority MsgPriority) Result {
	// Ids past the configured table are the internal pool gates, which
	// work whether or not the application enabled the Semaphore capability.
	k.requireAPI(k.cfg.Caps.Semaphore || int(said) > len(k.cfg.Semas), "SemaGet: Semaphore capability not enabled in Config")
	k.lock()
	s := k.sema(said)
	self := k.running
	t := k.task(self)

	if s.isMutex {
		if !s.hasOwner {
			s.hasOwner, s.ownerTid = true, self
			t.hasOwned, t.ownedSema = true, said
			k.unlock()
			return ResultOK
		}
		if s.ownerTid == self {
			k.requireAPI(false, "SemaGet: task %d already owns mutex %d (recursive acquire not supported)", self, said)
		}
	} else if s.count > 0 {
		s.count--
		k.unlock()
		return ResultOK
	}

	// Must block. Boost the current owner's priority if we outrank it.
	if s.isMutex && s.hasOwner {
		k.boostOwnerChainLocked(said, t.priority)
	}

	flag := blockSema
	if hasTimeout {
		flag = blockSemaTimeout
	}
	t.blockFlags = flag
	t.abortMsgPriority = abortPriority
	k.semaWaiterInsert(said, self)
	if hasTimeout {
		t.sleepTimer = k.armWaitTimerLocked(self, ticks, ResultTimeout)
	}
	k.readyRemove(self)

	head := k.readyHead
	k.running = head
	k.unlock()
	k.contextSwitch(self, head)

	return t.wakeReason
}

// SemaRelease releases said. If the owning/counting side has waiters,
// ownership (or one count) transfers directly to the highest-priority
// waiter (spec.md §4.4: releases never pass through an intermediate
// "available" state when a waiter is present, avoiding a lost-wakeup
// window).
func (k *Kernel) SemaRelease(said SemaID) Result {
	k.lock()
	s := k.sema(said)
	self := k.running

	if s.isMutex {
		if !s.hasOwner || s.ownerTid != self {
			k.requireAPI(false, "SemaRelease: task %d does not own mutex %d", self, said)
		}
		k.task(self).hasOwned = false
		k.restoreOwnerPriorityLocked(self)
	}

	k.releaseOwnedLocked(said, self)
	caller := self
	k.rescheduleAfterChange(caller)
	return ResultOK
}

// releaseOwnedLocked performs the mechanical hand-off of said, which the
// caller has already verified ownerTid (or count) may relinquish. Used by
// SemaRelease directly, and by ExitRunning/Kill when a task dies while
// still owning a mutex.
func (k *Kernel) releaseOwnedLocked(said SemaID, from TaskID) {
	s := k.sema(said)
	if s.isMutex {
		s.hasOwner = false
		s.ownerTid = noTask
	}
	if s.waitHead == noTask {
		if !s.isMutex {
			s.count++
		}
		return
	}
	next := s.waitHead
	k.semaWaiterRemove(said, next)
	nt := k.task(next)
	if nt.sleepTimer != nilTimer {
		k.freeTimerLocked(nt.sleepTimer)
		nt.sleepTimer = nilTimer
	}
	nt.blockFlags = 0
	nt.abortMsgPriority = noAbortPriority
	nt.wakeReason = ResultOK
	if s.isMutex {
		s.hasOwner, s.ownerTid = true, next
		nt.hasOwned = true
		nt.ownedSema = said
	}
	k.readyInsert(next)
}

// SemaCountGet returns a counting semaphore's current count. Calling it on
// a mutex returns 1 if free, 0 if owned.
func (k *Kernel) SemaCountGet(said SemaID) uint16 {
	k.lock()
	defer k.unlock()
	s := k.sema(said)
	if s.isMutex {
		if s.hasOwner {
			return 0
		}
		return 1
	}
	return s.count
}
