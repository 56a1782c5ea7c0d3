// Package sim is the host-side port for the kernel package (spec.md §4.8
// "simulator adapter"): each NUFR task becomes a goroutine gated by its own
// binary semaphore, and a ticker goroutine drives the OS tick. It plays the
// same role the teacher's cons_t/kbd_daemon pairing does for a console
// device -- a background goroutine synchronized with the rest of the system
// over a narrow, blocking handoff -- generalized from one device to N tasks.
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nufr-rtos/nufr/internal/kernel"
)

// TaskFunc is a task's entry point. It runs until it returns; returning is
// equivalent to the task calling ExitRunning.
type TaskFunc func(k *kernel.Kernel, self kernel.TaskID)

// Sim wires a *kernel.Kernel to a set of goroutines and implements
// kernel.HostOps on top of per-task binary semaphores.
type Sim struct {
	k    *kernel.Kernel
	log  *logrus.Logger
	gate []*semaphore.Weighted // index by TaskID; gate[0] unused

	TickPeriod time.Duration
}

// New builds a Sim for numTasks tasks (TaskID 1..numTasks). Every gate
// starts closed: the task goroutines spawned by Run block inside their
// initial ParkSelf until the kernel's Launch (or an explicit first
// WakeTask) lets them through, exactly as a real task waits at its reset
// vector until the scheduler first picks it.
//
// k may be nil at this point -- a Sim is a valid HostOps before its kernel
// exists, which lets a caller break the New/New construction cycle (the
// kernel needs a HostOps to be built, and the reference HostOps needs a
// kernel to drive its ticker) by building the Sim first and calling
// BindKernel once the *kernel.Kernel comes back from kernel.New.
func New(k *kernel.Kernel, numTasks int, tickPeriod time.Duration, log *logrus.Logger) *Sim {
	if log == nil {
		log = logrus.New()
	}
	s := &Sim{
		k:          k,
		log:        log,
		gate:       make([]*semaphore.Weighted, numTasks+1),
		TickPeriod: tickPeriod,
	}
	for i := 1; i <= numTasks; i++ {
		g := semaphore.NewWeighted(1)
		_ = g.Acquire(context.Background(), 1) // start closed
		s.gate[i] = g
	}
	return s
}

// BindKernel attaches the kernel this Sim drives. Required before Run if
// New was called with a nil kernel.
func (s *Sim) BindKernel(k *kernel.Kernel) {
	s.k = k
}

// ParkSelf implements kernel.HostOps.
func (s *Sim) ParkSelf(tid kernel.TaskID) {
	if err := s.gate[tid].Acquire(context.Background(), 1); err != nil {
		// context.Background() never cancels; a non-nil error here means
		// something is deeply wrong with the runtime, not with NUFR.
		panic(err)
	}
}

// WakeTask implements kernel.HostOps. Relies on the kernel's own contract
// (host.go: "exactly one WakeTask per ParkSelf") to never release more
// tokens than a matching Acquire will consume.
func (s *Sim) WakeTask(tid kernel.TaskID) {
	s.gate[tid].Release(1)
}

// Run launches one goroutine per entry in entries plus a ticker goroutine,
// and blocks until every one of them has returned; the first error any of
// them returned is Run's result (a panic recovered from a task is reported
// as an error so a single bad task doesn't take down the process silently).
func (s *Sim) Run(ctx context.Context, entries map[kernel.TaskID]TaskFunc) error {
	g, ctx := errgroup.WithContext(ctx)

	for tid, fn := range entries {
		tid, fn := tid, fn
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithField("task", tid).WithField("panic", r).Error("task panicked")
					err = fmt.Errorf("sim: task %d panicked: %v", tid, r)
				}
			}()
			s.ParkSelf(tid)
			fn(s.k, tid)
			s.k.ExitRunning()
			return nil
		})
	}

	g.Go(func() error {
		return s.runTicker(ctx)
	})

	return g.Wait()
}

func (s *Sim) runTicker(ctx context.Context) error {
	ticker := time.NewTicker(s.TickPeriod)
	defer ticker.Stop()
	var tick uint32
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick++
			s.k.ExpireTimerCallin(tick)
		}
	}
}
