package kernel

// timerEntry backs both application timers (TimerStart/TimerKill) and the
// internal wait-timeouts used by Sleep/SemaGetT/BopWaitT/MsgGetT. The two
// kinds share one arena and one sorted active list because both need the
// same "expire in priority-of-time order" machinery (spec.md §4.6).
type timerEntry struct {
	id       TimerID
	inUse    bool
	active   bool
	expiry   uint32 // absolute tick count, compared with wraparound (timeBefore)
	period   uint32 // 0 = one-shot; >0 = reload period for a continuous timer

	// App-timer message fields (spec.md §3 "msg_fields, msg_parameter,
	// dest_task_id"), delivered via msg_send on expiry (spec.md §4.7). Set
	// only when owner == noTask; a wait-timeout's owner/reason below are
	// the discriminator between the two uses of this arena.
	dest        TaskID
	prefix      uint16
	msgID       uint16
	msgPriority MsgPriority
	parameter   uint32

	owner  TaskID // set (!= noTask) for wait-timeouts
	reason Result // Result delivered to owner on expiry

	next, prev TimerID // active-list links, sorted by expiry
}

func (k *Kernel) initTimers() {
	n := k.cfg.NumTimers
	k.timers = make([]timerEntry, n)
	k.timerFreeHead = nilTimer
	k.timerActiveHead, k.timerActiveTail = nilTimer, nilTimer
	for i := n - 1; i >= 0; i-- {
		k.timers[i].id = TimerID(i)
		k.timers[i].next = k.timerFreeHead
		k.timerFreeHead = TimerID(i)
	}
}

func (k *Kernel) timer(id TimerID) *timerEntry {
	k.requireAPI(id != nilTimer && int(id) < len(k.timers), "invalid timer id %d", id)
	return &k.timers[id]
}

// timeBefore reports whether a is earlier than b under 32-bit modular tick
// arithmetic (spec.md §4.6: the tick counter wraps, so comparisons must use
// signed-difference semantics rather than a plain <).
func timeBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

func (k *Kernel) allocTimerLocked() (TimerID, bool) {
	if k.timerFreeHead == nilTimer {
		return nilTimer, false
	}
	id := k.timerFreeHead
	t := &k.timers[id]
	k.timerFreeHead = t.next
	t.inUse = true
	t.next, t.prev = nilTimer, nilTimer
	return id, true
}

func (k *Kernel) freeTimerSlotLocked(id TimerID) {
	t := k.timer(id)
	if t.active {
		k.unlinkActiveLocked(id)
	}
	*t = timerEntry{id: id}
	t.next = k.timerFreeHead
	k.timerFreeHead = id
}

func (k *Kernel) insertActiveLocked(id TimerID) {
	t := k.timer(id)
	t.active = true
	if k.timerActiveHead == nilTimer {
		t.next, t.prev = nilTimer, nilTimer
		k.timerActiveHead, k.timerActiveTail = id, id
		return
	}
	cur := k.timerActiveHead
	for cur != nilTimer && !timeBefore(t.expiry, k.expiryOf(cur)) {
		cur = k.timer(cur).next
	}
	if cur == nilTimer {
		last := k.timerActiveTail
		k.timer(last).next = id
		t.prev = last
		t.next = nilTimer
		k.timerActiveTail = id
		return
	}
	prev := k.timer(cur).prev
	t.next, t.prev = cur, prev
	k.timer(cur).prev = id
	if prev != nilTimer {
		k.timer(prev).next = id
	} else {
		k.timerActiveHead = id
	}
}

func (k *Kernel) expiryOf(id TimerID) uint32 { return k.timers[id].expiry }

func (k *Kernel) unlinkActiveLocked(id TimerID) {
	t := k.timer(id)
	if t.prev != nilTimer {
		k.timer(t.prev).next = t.next
	} else {
		k.timerActiveHead = t.next
	}
	if t.next != nilTimer {
		k.timer(t.next).prev = t.prev
	} else {
		k.timerActiveTail = t.prev
	}
	t.active = false
	t.next, t.prev = nilTimer, nilTimer
}

// armWaitTimerLocked allocates and arms a wait-timeout backing some
// blocking call (Sleep, SemaGetT, BopWaitT, MsgGetT). Returns nilTimer if
// the arena is exhausted; callers treat that as "wait forever" rather than
// failing the whole operation, since a blown timer arena should not turn a
// bounded wait into a permanently-hung one in this simulator (a real
// deployment would size NumTimers for worst case instead).
func (k *Kernel) armWaitTimerLocked(owner TaskID, ticks uint32, reason Result) TimerID {
	id, ok := k.allocTimerLocked()
	if !ok {
		k.log.Warn("timer arena exhausted arming a wait-timeout")
		return nilTimer
	}
	t := k.timer(id)
	t.expiry = k.latestTime + ticks
	t.period = 0
	t.owner = owner
	t.reason = reason
	k.insertActiveLocked(id)
	return id
}

// freeTimerLocked cancels and frees id, used when a wait completes by some
// means other than its own timeout (e.g. the sema it was blocked on was
// released first).
func (k *Kernel) freeTimerLocked(id TimerID) {
	if id == nilTimer {
		return
	}
	k.freeTimerSlotLocked(id)
}

// TimerStart allocates and arms an application timer. A period of 0 makes
// it one-shot; a positive period makes it continuous, reloading itself at
// every expiry until TimerKill is called (spec.md §4.6 continuous timer).
// On every expiry the timer delivers a message to dest the same way
// msg_send would (spec.md §3 "App timer... msg_fields, msg_parameter,
// dest_task_id", §4.7 "drain the expired list by sending each timer's
// message"): an application task observes the firing by calling
// MsgGetW/MsgGetT on itself, not through an arbitrary callback.
func (k *Kernel) TimerStart(ticks, period uint32, dest TaskID, prefix, id uint16, priority MsgPriority, parameter uint32) (TimerID, Result) {
	k.requireAPI(k.cfg.Caps.Messaging, "TimerStart: Messaging capability not enabled in Config")
	k.lock()
	defer k.unlock()
	tid, ok := k.allocTimerLocked()
	if !ok {
		return nilTimer, ResultInvalid
	}
	t := k.timer(tid)
	t.expiry = k.latestTime + ticks
	t.period = period
	t.owner = noTask
	t.dest = dest
	t.prefix = prefix
	t.msgID = id
	t.msgPriority = priority
	t.parameter = parameter
	k.insertActiveLocked(tid)
	return tid, ResultOK
}

// TimerKill stops and frees an application timer. Safe to call on an
// already-expired one-shot timer's id only before it has been reused.
func (k *Kernel) TimerKill(id TimerID) Result {
	k.lock()
	defer k.unlock()
	t := k.timer(id)
	if !t.inUse {
		return ResultInvalid
	}
	k.freeTimerSlotLocked(id)
	return ResultOK
}

// timerMsgDelivery is one app timer's message captured while the kernel
// lock is held during ExpireTimerCallin's sweep, sent after the lock is
// released (msg_send takes the lock itself, and the kernel's mutex isn't
// reentrant).
type timerMsgDelivery struct {
	dest      TaskID
	prefix    uint16
	msgID     uint16
	priority  MsgPriority
	parameter uint32
}

// ExpireTimerCallin is the tick handler (spec.md §5 ticking architecture):
// the port/simulator calls it once per OS tick with the new absolute tick
// count. Every timer whose expiry has passed fires: wait-timeouts abort
// their owning task's block with the recorded Result, app timers deliver
// their message (spec.md §4.7 "drain the expired list by sending each
// timer's message") and, if continuous, reload.
func (k *Kernel) ExpireTimerCallin(now uint32) {
	k.lock()
	k.latestTime = now

	var deliveries []timerMsgDelivery

	for k.timerActiveHead != nilTimer && !timeBefore(now, k.expiryOf(k.timerActiveHead)) {
		id := k.timerActiveHead
		t := k.timer(id)
		k.unlinkActiveLocked(id)

		if t.owner != noTask {
			k.abortBlockedTaskLocked(t.owner, t.reason)
			k.freeTimerSlotLocked(id)
			continue
		}

		deliveries = append(deliveries, timerMsgDelivery{
			dest:      t.dest,
			prefix:    t.prefix,
			msgID:     t.msgID,
			priority:  t.msgPriority,
			parameter: t.parameter,
		})

		if t.period > 0 {
			t.expiry = now + t.period
			k.insertActiveLocked(id)
		} else {
			k.freeTimerSlotLocked(id)
		}
	}

	// Ticks arrive from the simulator's ticker goroutine, not from a task
	// context, so this always reschedules as an ISR-context caller (see
	// rescheduleAfterChange/host.go).
	k.rescheduleAfterChange(noTask)

	for _, d := range deliveries {
		k.msgSend(d.dest, d.prefix, d.msgID, d.priority, d.parameter, noTask)
	}
}
