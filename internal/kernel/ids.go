package kernel

// TaskID is the stable identity of a statically declared task: an ordinal
// 1..N, never reused, never dynamically allocated (spec.md §1 Non-goals:
// "dynamic task creation"). 0 is reserved as "no task" / "background".
type TaskID uint16

// noTask is the sentinel TaskID representing the idle/background pseudo-TCB
// ("BG SP" in spec.md §3) -- the context the CPU is in when no declared task
// is runnable.
const noTask TaskID = 0

// SemaID indexes a statically configured semaphore or mutex.
type SemaID uint16

// msgBlockID indexes an entry in the fixed message-block arena.
type msgBlockID uint32

// nilBlock is the "no block" sentinel, used for free-list/inbox terminators.
const nilBlock = ^msgBlockID(0)

// pclID indexes an entry in the fixed particle arena.
type pclID uint32

const nilPcl = ^pclID(0)

// TimerID indexes an entry in the fixed timer arena.
type TimerID uint16

const nilTimer = ^TimerID(0)

// Priority is a task or message scheduling priority. 0 is highest; larger
// values are lower priority, matching spec.md §3 "0 = highest".
type Priority uint8

// GuaranteedHighest is the effective priority a task is raised to by
// Prioritize (spec.md §4.1).
const GuaranteedHighest Priority = 0

// MsgPriority is the priority of a single message (spec.md §3: 3 bits of
// wire format, so 0..7 are representable; the configuration surface narrows
// this to 1..4 distinct inbox levels per task, spec.md §6).
type MsgPriority uint8

const maxMsgPriorityBits = 3
