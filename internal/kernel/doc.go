// Package kernel implements the NUFR core: a priority-preemptive scheduler,
// the BOP wake primitive, a bit-packed message system, priority-inheriting
// semaphores and mutexes, a fixed-block pool, chained particle buffers, and
// an app-timer wheel.
//
// The package holds no package-level mutable state. Every piece of kernel
// state (task table, ready list, message pool, timer list, ...) lives inside
// a *Kernel, constructed by New from a Config. This keeps multiple kernel
// instances (e.g. one per test, or one per simulated board) from aliasing
// each other, and makes the "process-wide singletons" the original source
// keeps as C globals (spec.md DESIGN NOTES §9) into ordinary struct fields
// reached through typed, array-index handles instead of pointers.
//
// kernel does not itself run anything: it decides what should run next and
// calls out to a HostOps implementation (see host.go) to actually suspend
// and resume the goroutine standing in for a task. The sim package provides
// the reference HostOps.
package kernel
