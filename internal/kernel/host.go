package kernel

// HostOps is the platform-glue boundary (spec.md §6 "supplied by the
// port"): the pieces the kernel consumes but does not implement itself --
// int_lock/unlock is modeled as the kernel's own mutex (kernel.go), but
// actually suspending and resuming the thing a task runs on is inherently
// platform-specific (PendSV on Cortex-M, a host goroutine in the sim
// package, ...), so it is injected here.
//
// Every method may be called with the kernel lock NOT held (ContextSwitch
// calls ParkSelf/WakeTask, which must be able to block/wake without
// reentering the kernel).
type HostOps interface {
	// ParkSelf suspends the calling goroutine, which must be the one
	// standing in for tid, until a matching WakeTask(tid) call returns.
	// Exactly one WakeTask per ParkSelf: this is a single-slot handoff,
	// not a counting semaphore (spec.md §4.8: "the switch-out task then
	// blocks on its own [binary semaphore]").
	ParkSelf(tid TaskID)
	// WakeTask resumes the goroutine parked in ParkSelf(tid). Must not
	// block. May be called from an ISR-context call path.
	WakeTask(tid TaskID)
}

// contextSwitch performs spec.md §4.8's "context_switch sets nufr_running
// and posts the switch-in task's semaphore; the switch-out task blocks on
// its own": it hands the CPU token to `to` and, if `from` is a real task
// (not an ISR/background caller), parks it until it is woken again.
//
// Must be called with the kernel lock NOT held.
func (k *Kernel) contextSwitch(from, to TaskID) {
	if to != noTask && to != from {
		k.host.WakeTask(to)
	}
	if from != noTask && from != to {
		k.host.ParkSelf(from)
	}
}

// rescheduleAfterChange is called at the end of every operation that may
// have changed the ready list, from either task context (callerTid != 0) or
// ISR context (callerTid == 0). It implements spec.md §5's rule: "A context
// switch is triggered exactly when (a) the head of the ready list changes
// and (b) the change raises the head above the running task, or the
// running task is removed from the ready list."
//
// Must be called with the kernel lock held; it releases the lock to perform
// the actual switch and does not re-acquire it (callers that need the lock
// again must re-lock).
func (k *Kernel) rescheduleAfterChange(callerTid TaskID) {
	head := k.readyHead
	running := k.running
	if head == running {
		k.unlock()
		return
	}
	k.running = head
	k.unlock()

	if callerTid == noTask {
		// ISR context: there is no task goroutine to park here (see the
		// HostOps doc comment above); just hand the token to the new head.
		if head != noTask {
			k.host.WakeTask(head)
		}
		return
	}
	k.contextSwitch(callerTid, head)
}
