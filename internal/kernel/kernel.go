package kernel

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Kernel is one NUFR kernel instance: the task table, ready list, message
// pool, semaphore table, particle arena, and timer list, all reached
// through typed array indices rather than pointers (spec.md DESIGN NOTES
// §9). mu stands in for int_lock()/int_unlock(): spec.md §5 calls out that
// the ready list, message free list, per-task inboxes, sema waiter lists,
// pool free lists, and timer list are all updated under this single
// critical section.
type Kernel struct {
	cfg         Config
	log         *logrus.Logger
	assertLevel AssertLevel
	host        HostOps

	mu sync.Mutex

	tasks []taskCB // index 0 unused; tasks[1..N] map to TaskID 1..N

	readyHead   TaskID
	readyTail   TaskID
	nominalTail TaskID
	nominalPrio Priority

	running TaskID

	// message system
	blocks       []msgBlock
	msgFreeHead  msgBlockID
	msgFreeCount int

	// semaphores / mutexes
	semas []semaphore

	// particle pool (bound at New time; see pcl.go)
	pclPool *Pool
	pclMeta []particleMeta

	// app timers
	timers          []timerEntry
	timerFreeHead   TimerID
	timerActiveHead TimerID
	timerActiveTail TimerID
	latestTime      uint32
}

// New validates cfg (the sanity/init orchestrator, spec.md §4.9) and builds
// a fresh Kernel with every task Not-Launched, every semaphore at its
// configured initial count, every message block and particle on its free
// list, and an empty timer list.
func New(cfg Config, host HostOps, log *logrus.Logger) (*Kernel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if host == nil {
		return nil, errNilHost
	}

	k := &Kernel{
		cfg:         cfg,
		log:         nilLoggerIfNeeded(log),
		assertLevel: cfg.AssertLevel,
		host:        host,
		running:     noTask,
	}

	k.initTasks()
	k.initMsgPool()
	k.initSemas()
	k.initTimers()
	k.initParticles()

	return k, nil
}

func (k *Kernel) lock()   { k.mu.Lock() }
func (k *Kernel) unlock() { k.mu.Unlock() }

// NumTasks returns the number of statically configured tasks.
func (k *Kernel) NumTasks() int { return len(k.cfg.Tasks) }

// SelfTid returns the currently running task, or 0 if none (background).
func (k *Kernel) SelfTid() TaskID {
	k.lock()
	defer k.unlock()
	return k.running
}
