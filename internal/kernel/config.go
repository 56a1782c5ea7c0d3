package kernel

import "github.com/pkg/errors"

// TaskConfig is one entry of the static task table (spec.md §6 Configuration
// surface: "the task table (id, entry, stack region, initial priority)").
// Entry/stack preparation is platform glue (spec.md §1, §6 "supplied by the
// port") and is represented here only as an opaque size -- the real stack
// memory and prepare_stack() call live in HostOps.
type TaskConfig struct {
	Name            string
	InitialPriority Priority
	// StackSizeBytes is the task's stack size; the kernel only checks that
	// it is positive. There is no per-task nominal-priority setting: the
	// ready-list nominal-tail cache (spec.md §4.1) takes its priority band
	// from the ready list itself.
	StackSizeBytes int
}

// SemaConfig is one entry of the static semaphore/mutex table.
type SemaConfig struct {
	Name                string
	InitialCount        uint16
	PriorityInheritance bool
}

// PrefixDestinations maps a message-prefix enumerator to the task(s) that
// should receive it (spec.md §6: "the message-prefix enum and its
// prefix -> destination-tid(s) map"). Populated only informationally here;
// nothing in the core requires it (msg_send always takes an explicit dest),
// but it is validated so applications can rely on it.
type PrefixDestinations map[uint16][]TaskID

// Capability flags (spec.md §6).
type Capabilities struct {
	TaskKill    bool
	LocalStruct bool
	Messaging   bool
	Semaphore   bool
}

// Config is the static, compile-time-in-spirit configuration of a NUFR
// kernel instance (spec.md §6 Configuration surface). It replaces the
// original's preprocessor constants with an explicit, validated struct so
// that multiple *Kernel instances never share state (see doc.go).
type Config struct {
	Tasks  []TaskConfig
	Semas  []SemaConfig
	Prefix PrefixDestinations
	Caps   Capabilities

	// MaxMsgs is the size of the global message-block free pool (MAX_MSGS).
	MaxMsgs int
	// MsgPriorities is the number of distinct per-task inbox levels
	// (1..4, spec.md §6 MSG_PRIORITIES).
	MsgPriorities int
	// NumTimers is the size of the app-timer arena (NUM_TIMERS).
	NumTimers int
	// PclSize is the payload capacity of one particle buffer, in bytes
	// (PCL_SIZE).
	PclSize int
	// NumPcls is the size of the particle arena (NUM_PCLS).
	NumPcls int
	// TickPeriodMS is the OS tick period the port's systick drives
	// (TICK_PERIOD_MS).
	TickPeriodMS uint32

	AssertLevel AssertLevel
}

// validate is the sanity/init orchestrator (spec.md §4.9 / Component table
// "Sanity / init orchestrator"): it validates static configuration before
// any subsystem is initialized; New calls it and then runs the subsystem
// init calls (sane_init) in order. Firing here is the one place a configuration error is
// reported as a Go error instead of a panic, since this runs before any
// task exists to receive a fatal assertion.
func (c Config) validate() error {
	if len(c.Tasks) == 0 {
		return errors.New("nufr: config must declare at least one task")
	}
	if len(c.Tasks) >= int(noTask) && len(c.Tasks) > 0xFFFE {
		return errors.New("nufr: too many tasks for a 16-bit TaskID")
	}
	for i, t := range c.Tasks {
		if t.Name == "" {
			return errors.Errorf("nufr: task %d: name required", i)
		}
		if t.StackSizeBytes <= 0 {
			return errors.Errorf("nufr: task %q: stack size must be positive", t.Name)
		}
	}
	for i, s := range c.Semas {
		if s.Name == "" {
			return errors.Errorf("nufr: sema %d: name required", i)
		}
		if s.PriorityInheritance && s.InitialCount > 1 {
			return errors.Errorf("nufr: sema %q: priority-inheriting semaphores (mutexes) must have initial count 0 or 1, got %d", s.Name, s.InitialCount)
		}
	}
	if c.MsgPriorities < 1 || c.MsgPriorities > 4 {
		return errors.Errorf("nufr: MsgPriorities must be in 1..4, got %d", c.MsgPriorities)
	}
	if c.MaxMsgs <= 0 {
		return errors.New("nufr: MaxMsgs must be positive")
	}
	if c.NumTimers < 0 {
		return errors.New("nufr: NumTimers must be non-negative")
	}
	if c.NumPcls < 0 || c.PclSize < 0 {
		return errors.New("nufr: NumPcls/PclSize must be non-negative")
	}
	if c.NumPcls > 0 && c.PclSize == 0 {
		return errors.New("nufr: PclSize must be positive when NumPcls > 0")
	}
	if c.TickPeriodMS == 0 {
		return errors.New("nufr: TickPeriodMS must be positive")
	}
	for prefix, dests := range c.Prefix {
		for _, d := range dests {
			if int(d) < 1 || int(d) > len(c.Tasks) {
				return errors.Errorf("nufr: prefix %d: destination tid %d out of range", prefix, d)
			}
		}
	}
	return nil
}
