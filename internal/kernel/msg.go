package kernel

// MsgInfo is the caller-visible contents of a received message: the typed
// record DESIGN NOTES §9 asks for in place of the original's bit-packed
// `fields` word macros. Sender is noTask ("null") when the message was
// sent from ISR context rather than from another task (spec.md §8 law:
// "sending_task equals the actual sender, or null if from ISR"). A
// payload that needs more than one machine word rides on a particle chain
// (pcl.go), referenced by convention through Parameter as a pclID.
type MsgInfo struct {
	Prefix    uint16 // 10 bits on the wire
	ID        uint16 // 10 bits on the wire
	Priority  MsgPriority
	Sender    TaskID
	Parameter uint32
}

// Fields packs Prefix/ID/Priority/Sender into the 32-bit layout spec.md §3
// defines (priority: 3 bits, sending-task-id: 8 bits, id: 10 bits, prefix:
// 10 bits), preserved so anything that depends on the original wire format
// keeps working unchanged.
func (m MsgInfo) Fields() uint32 {
	return uint32(m.Priority&0x7)<<29 | uint32(m.Sender&0xFF)<<21 | uint32(m.ID&0x3FF)<<11 | uint32(m.Prefix&0x3FF)<<1
}

// msgBlock is one allocated message, either sitting in the free pool or
// linked into exactly one task's one per-priority inbox.
type msgBlock struct {
	id        msgBlockID
	inUse     bool
	prefix    uint16
	msgID     uint16
	priority  MsgPriority
	sender    TaskID
	parameter uint32
	next      msgBlockID
}

func (k *Kernel) initMsgPool() {
	n := k.cfg.MaxMsgs
	k.blocks = make([]msgBlock, n)
	k.msgFreeHead = nilBlock
	for i := n - 1; i >= 0; i-- {
		k.blocks[i].id = msgBlockID(i)
		k.blocks[i].next = k.msgFreeHead
		k.msgFreeHead = msgBlockID(i)
	}
	k.msgFreeCount = n
}

func (k *Kernel) allocMsgBlockLocked() (msgBlockID, bool) {
	if k.msgFreeHead == nilBlock {
		return nilBlock, false
	}
	id := k.msgFreeHead
	b := &k.blocks[id]
	k.msgFreeHead = b.next
	k.msgFreeCount--
	b.inUse = true
	b.next = nilBlock
	return id, true
}

func (k *Kernel) freeMsgBlockLocked(id msgBlockID) {
	b := &k.blocks[id]
	*b = msgBlock{id: id}
	b.next = k.msgFreeHead
	k.msgFreeHead = id
	k.msgFreeCount++
}

// inboxPopLocked removes and returns the block at the head of tid's
// highest-priority non-empty inbox (0 is highest, spec.md §4.2 "strict
// priority across the per-task inboxes, FIFO within a priority level").
func (k *Kernel) inboxPopLocked(tid TaskID) (msgBlockID, bool) {
	t := k.task(tid)
	for p := 0; p < len(t.inboxHead); p++ {
		if t.inboxHead[p] == nilBlock {
			continue
		}
		id := t.inboxHead[p]
		b := &k.blocks[id]
		t.inboxHead[p] = b.next
		if t.inboxHead[p] == nilBlock {
			t.inboxTail[p] = nilBlock
		}
		b.next = nilBlock
		return id, true
	}
	return nilBlock, false
}

func (k *Kernel) inboxPushLocked(tid TaskID, id msgBlockID) {
	t := k.task(tid)
	p := int(k.blocks[id].priority)
	k.requireAPI(p < len(t.inboxHead), "message priority %d exceeds configured MsgPriorities", p)
	if t.inboxTail[p] == nilBlock {
		t.inboxHead[p] = id
	} else {
		k.blocks[t.inboxTail[p]].next = id
	}
	t.inboxTail[p] = id
}


// MsgSend delivers a message to dest from task context.
func (k *Kernel) MsgSend(dest TaskID, prefix, id uint16, priority MsgPriority, parameter uint32) Result {
	return k.msgSend(dest, prefix, id, priority, parameter, k.running)
}

// MsgSendFromISR is MsgSend for callers with no task context of their own
// (spec.md §4.8 ISR-context sends): the reschedule it may trigger only
// wakes the new head, it never tries to park a "calling task", and the
// delivered message records Sender as noTask ("null"), per spec.md §8's
// sender law.
func (k *Kernel) MsgSendFromISR(dest TaskID, prefix, id uint16, priority MsgPriority, parameter uint32) Result {
	return k.msgSend(dest, prefix, id, priority, parameter, noTask)
}

func (k *Kernel) msgSend(dest TaskID, prefix, msgID uint16, priority MsgPriority, parameter uint32, callerTid TaskID) Result {
	k.requireAPI(k.cfg.Caps.Messaging, "MsgSend: Messaging capability not enabled in Config")
	k.lock()
	if int(dest) < 1 || int(dest) >= len(k.tasks) {
		k.unlock()
		return ResultDestNotFound
	}
	id, ok := k.allocMsgBlockLocked()
	if !ok {
		k.unlock()
		return ResultNoMsgBlock
	}
	b := &k.blocks[id]
	b.prefix, b.msgID, b.priority, b.parameter, b.sender = prefix, msgID, priority, parameter, callerTid
	k.inboxPushLocked(dest, id)

	t := k.task(dest)
	switch {
	case t.blockFlags.isMsg():
		k.cancelWaitTimerLocked(t)
		k.abortBlockedTaskLocked(dest, ResultOK)
	case t.abortMsgPriority != noAbortPriority && priority <= t.abortMsgPriority && t.statusFlags&statusBopLocked == 0:
		k.cancelWaitTimerLocked(t)
		k.abortBlockedTaskLocked(dest, ResultAbortedByMessage)
	}

	k.rescheduleAfterChange(callerTid)
	return ResultOK
}

func (k *Kernel) cancelWaitTimerLocked(t *taskCB) {
	if t.sleepTimer != nilTimer {
		k.freeTimerLocked(t.sleepTimer)
		t.sleepTimer = nilTimer
	}
}

// MsgGetBlock reserves a free message block for later delivery via
// MsgSendByBlock without attaching it to any inbox yet. ISR-safe, like
// MsgSendFromISR it only ever touches the free pool, never blocks.
func (k *Kernel) MsgGetBlock() (msgBlockID, Result) {
	k.lock()
	defer k.unlock()
	id, ok := k.allocMsgBlockLocked()
	if !ok {
		return nilBlock, ResultNoMsgBlock
	}
	return id, ResultOK
}

// MsgFreeBlock returns a block obtained via MsgGetBlock that was never
// delivered with MsgSendByBlock.
func (k *Kernel) MsgFreeBlock(id msgBlockID) {
	k.lock()
	defer k.unlock()
	k.freeMsgBlockLocked(id)
}

// MsgSendByBlock delivers a message using a block already reserved by
// MsgGetBlock, skipping the free-pool allocation MsgSend otherwise does
// first. Useful when a caller wants to guarantee a block is available
// before doing the work needed to fill it.
func (k *Kernel) MsgSendByBlock(id msgBlockID, dest TaskID, prefix, msgID uint16, priority MsgPriority, parameter uint32) Result {
	k.requireAPI(k.cfg.Caps.Messaging, "MsgSendByBlock: Messaging capability not enabled in Config")
	k.lock()
	if int(dest) < 1 || int(dest) >= len(k.tasks) {
		k.freeMsgBlockLocked(id)
		k.unlock()
		return ResultDestNotFound
	}
	callerTid := k.running
	b := &k.blocks[id]
	b.prefix, b.msgID, b.priority, b.parameter, b.sender = prefix, msgID, priority, parameter, callerTid
	k.inboxPushLocked(dest, id)

	t := k.task(dest)
	switch {
	case t.blockFlags.isMsg():
		k.cancelWaitTimerLocked(t)
		k.abortBlockedTaskLocked(dest, ResultOK)
	case t.abortMsgPriority != noAbortPriority && priority <= t.abortMsgPriority && t.statusFlags&statusBopLocked == 0:
		k.cancelWaitTimerLocked(t)
		k.abortBlockedTaskLocked(dest, ResultAbortedByMessage)
	}

	k.rescheduleAfterChange(callerTid)
	return ResultOK
}

// MsgSendArgsW is MsgSend under the inline-argument-send name: the
// parameter travels as a plain machine word, no particle chain attached.
func (k *Kernel) MsgSendArgsW(dest TaskID, prefix, id uint16, priority MsgPriority, parameter uint32) Result {
	return k.MsgSend(dest, prefix, id, priority, parameter)
}

// MsgGetArgsW is MsgGetW under the inline-argument-receive name.
func (k *Kernel) MsgGetArgsW() (MsgInfo, Result) { return k.MsgGetW() }

// MsgGetArgsT is MsgGetT under the inline-argument-receive name.
func (k *Kernel) MsgGetArgsT(ticks uint32) (MsgInfo, Result) { return k.MsgGetT(ticks) }

// MsgSendStructW sends a reference to an already-allocated particle chain
// as a message's payload, gated on the LocalStruct capability, letting a
// message carry more than a single parameter word.
func (k *Kernel) MsgSendStructW(dest TaskID, prefix, id uint16, priority MsgPriority, structRef pclID) Result {
	k.requireAPI(k.cfg.Caps.LocalStruct, "MsgSendStructW: LocalStruct capability not enabled in Config")
	return k.MsgSend(dest, prefix, id, priority, uint32(structRef))
}

// MsgGetStructW is MsgGetW for a message sent via MsgSendStructW,
// interpreting the parameter word back as a particle chain reference.
func (k *Kernel) MsgGetStructW() (pclID, MsgInfo, Result) {
	k.requireAPI(k.cfg.Caps.LocalStruct, "MsgGetStructW: LocalStruct capability not enabled in Config")
	info, r := k.MsgGetW()
	return pclID(info.Parameter), info, r
}

// MsgGetStructT is MsgGetT for a message sent via MsgSendStructW.
func (k *Kernel) MsgGetStructT(ticks uint32) (pclID, MsgInfo, Result) {
	k.requireAPI(k.cfg.Caps.LocalStruct, "MsgGetStructT: LocalStruct capability not enabled in Config")
	info, r := k.MsgGetT(ticks)
	return pclID(info.Parameter), info, r
}

// MsgSendMulti sends independently-allocated copies of the same message to
// every destination in dests (spec.md §4.2 prefix multicast). The sender is
// raised to GuaranteedHighest for the duration of the fan-out, the same way
// the source does, so it cannot be preempted mid-multicast and leave some
// destinations holding the message while others don't; unlike the source,
// the priority restore is unconditional (SPEC_FULL.md §5: the original only
// restored on the non-error path, so a PoolEmpty partway through the loop
// left the sender stuck at guaranteed_highest). Each destination also gets
// its own independently allocated block rather than a shared refcounted
// one, removing a second hazard in the same loop: the original's shared
// in-flight block could be handed to a later destination already
// part-aborted by an earlier one's abort-by-message race.
func (k *Kernel) MsgSendMulti(dests []TaskID, prefix, id uint16, priority MsgPriority, parameter uint32) Result {
	k.Prioritize()
	defer k.Unprioritize()

	result := ResultOK
	for _, d := range dests {
		if r := k.MsgSend(d, prefix, id, priority, parameter); r != ResultOK {
			result = r
		}
	}
	return result
}

// MsgGetW blocks indefinitely until a message is available, then returns it.
func (k *Kernel) MsgGetW() (MsgInfo, Result) {
	return k.msgGet(false, 0)
}

// MsgGetT blocks up to ticks for a message, or returns ResultTimeout.
func (k *Kernel) MsgGetT(ticks uint32) (MsgInfo, Result) {
	return k.msgGet(true, ticks)
}

func (k *Kernel) msgGet(hasTimeout bool, ticks uint32) (MsgInfo, Result) {
	k.requireAPI(k.cfg.Caps.Messaging, "MsgGet: Messaging capability not enabled in Config")
	k.lock()
	self := k.running
	if id, ok := k.inboxPopLocked(self); ok {
		info := msgInfoOf(&k.blocks[id])
		k.freeMsgBlockLocked(id)
		k.unlock()
		return info, ResultOK
	}

	t := k.task(self)
	flag := blockMsg
	if hasTimeout {
		flag = blockMsgTimeout
	}
	t.blockFlags = flag
	if hasTimeout {
		t.sleepTimer = k.armWaitTimerLocked(self, ticks, ResultTimeout)
	}
	k.readyRemove(self)
	head := k.readyHead
	k.running = head
	k.unlock()
	k.contextSwitch(self, head)

	k.lock()
	reason := t.wakeReason
	if reason != ResultOK {
		k.unlock()
		return MsgInfo{}, reason
	}
	id, ok := k.inboxPopLocked(self)
	k.unlock()
	if !ok {
		// Woken to recheck but another task drained the inbox first
		// (e.g. MsgDrain); treat as a spurious wake and report timeout-free
		// emptiness to the caller rather than blocking again silently.
		return MsgInfo{}, ResultInvalid
	}
	info := msgInfoOf(&k.blocks[id])
	k.lock()
	k.freeMsgBlockLocked(id)
	k.unlock()
	return info, ResultOK
}

func msgInfoOf(b *msgBlock) MsgInfo {
	return MsgInfo{
		Prefix:    b.prefix,
		ID:        b.msgID,
		Priority:  b.priority,
		Sender:    b.sender,
		Parameter: b.parameter,
	}
}

// MsgPeek reports the highest-priority pending message for the calling
// task without removing it.
func (k *Kernel) MsgPeek() (MsgInfo, bool) {
	k.lock()
	defer k.unlock()
	self := k.running
	t := k.task(self)
	for p := 0; p < len(t.inboxHead); p++ {
		if t.inboxHead[p] != nilBlock {
			return msgInfoOf(&k.blocks[t.inboxHead[p]]), true
		}
	}
	return MsgInfo{}, false
}

// AnyMsgID matches every id when passed to MsgPurge as the id to match,
// so a caller can purge by prefix alone (spec.md §4.3 "mask-match on
// prefix+id" -- a wildcard id is a mask that matches everything).
const AnyMsgID uint16 = 0xFFFF

// MsgPurge discards every pending message in the calling task's inboxes
// whose prefix and id both match (spec.md §4.3 msg_purge: "walks every
// inbox and frees matching blocks, mask-match on prefix+id"), returning
// the count removed. Pass AnyMsgID to match on prefix alone.
func (k *Kernel) MsgPurge(prefix, id uint16) int {
	k.lock()
	defer k.unlock()
	self := k.running
	t := k.task(self)
	removed := 0
	for p := range t.inboxHead {
		var keepHead, keepTail msgBlockID = nilBlock, nilBlock
		cur := t.inboxHead[p]
		for cur != nilBlock {
			next := k.blocks[cur].next
			if k.blocks[cur].prefix == prefix && (id == AnyMsgID || k.blocks[cur].msgID == id) {
				k.freeMsgBlockLocked(cur)
				removed++
			} else {
				k.blocks[cur].next = nilBlock
				if keepHead == nilBlock {
					keepHead = cur
				} else {
					k.blocks[keepTail].next = cur
				}
				keepTail = cur
			}
			cur = next
		}
		t.inboxHead[p], t.inboxTail[p] = keepHead, keepTail
	}
	return removed
}

// MsgDrain discards every pending message in tid's inboxes at priority
// level fromPriority or lower urgency (numerically >= fromPriority; 0 is
// the highest priority, spec.md §3), returning the count removed. Pass 0
// to drain every inbox. Unlike MsgPurge, which only operates on the
// calling task, MsgDrain takes an explicit tid (spec.md §6 msg_drain(tid,
// from_priority)) since it is typically used by a supervisor cleaning up
// after a task it is about to Kill; ExitRunning/Kill call the locked
// variant below on the dying task for the same reason, so a dead task never
// holds message blocks the free pool can no longer reach.
func (k *Kernel) MsgDrain(tid TaskID, fromPriority MsgPriority) int {
	k.lock()
	defer k.unlock()
	return k.msgDrainLocked(tid, fromPriority)
}

func (k *Kernel) msgDrainLocked(tid TaskID, fromPriority MsgPriority) int {
	t := k.task(tid)
	removed := 0
	for p := range t.inboxHead {
		if MsgPriority(p) < fromPriority {
			continue
		}
		cur := t.inboxHead[p]
		for cur != nilBlock {
			next := k.blocks[cur].next
			k.freeMsgBlockLocked(cur)
			removed++
			cur = next
		}
		t.inboxHead[p], t.inboxTail[p] = nilBlock, nilBlock
	}
	return removed
}

// MsgSendAndBopWait sends a message and then immediately enters a BOP wait
// (spec.md §4.2/§4.3 synchronous-call idiom), both under the same critical
// section so no reply can arrive and be missed between the send and the
// wait starting.
func (k *Kernel) MsgSendAndBopWait(dest TaskID, prefix, id uint16, priority MsgPriority, parameter uint32, hasTimeout bool, ticks uint32) Result {
	k.lock()
	self := k.running
	bid, ok := k.allocMsgBlockLocked()
	if !ok {
		k.unlock()
		return ResultNoMsgBlock
	}
	b := &k.blocks[bid]
	b.prefix, b.msgID, b.priority, b.parameter, b.sender = prefix, id, priority, parameter, self
	k.inboxPushLocked(dest, bid)

	dt := k.task(dest)
	switch {
	case dt.blockFlags.isMsg():
		k.cancelWaitTimerLocked(dt)
		k.abortBlockedTaskLocked(dest, ResultOK)
	case dt.abortMsgPriority != noAbortPriority && priority <= dt.abortMsgPriority && dt.statusFlags&statusBopLocked == 0:
		k.cancelWaitTimerLocked(dt)
		k.abortBlockedTaskLocked(dest, ResultAbortedByMessage)
	}

	return k.bopWaitLocked(self, hasTimeout, ticks, noAbortPriority)
}
