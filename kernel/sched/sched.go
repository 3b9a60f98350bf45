// Package sched implements the run queue and the preemption-safe process
// switch protocol: a single FIFO queue of runnable processes plus a preempt
// lock that keeps interrupt-driven preemption and cooperative yields from
// racing each other into inconsistent state.
package sched

import (
	"github.com/devyn/kit-sub000/kernel"
	"github.com/devyn/kit-sub000/kernel/ksync"
	"github.com/devyn/kit-sub000/kernel/process"
)

var (
	errPushNotRunning = &kernel.Error{Module: "sched", Message: "push of a process that is not running"}

	// serviceInterruptsFn lets one pending hardware interrupt be
	// serviced between switch attempts (sti; nop; cli on hardware). The
	// default is a no-op for hosted use.
	serviceInterruptsFn = func() {}

	// haltFn waits for the next interrupt when nothing is runnable
	// (sti; hlt on hardware).
	haltFn = func() {}
)

// SetInterruptHooks installs the arch routines used between switch attempts.
func SetInterruptHooks(service, halt func()) {
	if service != nil {
		serviceInterruptsFn = service
	}
	if halt != nil {
		haltFn = halt
	}
}

// Scheduler dispatches Running processes in strict FIFO order.
type Scheduler struct {
	table *process.Table

	queueLock ksync.Spinlock
	queue     []*process.Process

	// preemptLock sequences switch attempts. Preempt only try-locks it,
	// so timer interrupts never stall waiting for a scheduling
	// opportunity.
	preemptLock ksync.Spinlock
}

// New creates a scheduler over the supplied process table and registers
// itself as the wait-queue wakeup sink.
func New(table *process.Table) *Scheduler {
	s := &Scheduler{table: table}
	ksync.SetAwakenFn(s.awakenById)
	return s
}

// Push appends a Running process to the run queue. Enqueuing a process in
// any other state is a programming error, not a runtime condition.
func (s *Scheduler) Push(p *process.Process) {
	if p.State() != process.StateRunning {
		kernel.Panic(errPushNotRunning)
	}

	s.queueLock.Acquire()
	s.queue = append(s.queue, p)
	s.queueLock.Release()
}

// PopRunning returns the first queued process that is still Running,
// discarding any queued entries that stopped being runnable while waiting.
// It returns nil when the queue holds no runnable process.
func (s *Scheduler) PopRunning() *process.Process {
	s.queueLock.Acquire()
	defer s.queueLock.Release()

	for len(s.queue) > 0 {
		p := s.queue[0]
		s.queue = s.queue[1:]
		if p.State() == process.StateRunning {
			return p
		}
	}
	return nil
}

// QueueLen returns the current run-queue length.
func (s *Scheduler) QueueLen() int {
	s.queueLock.Acquire()
	defer s.queueLock.Release()
	return len(s.queue)
}

// Switch attempts to hand the CPU to next. It fails if next is no longer
// runnable (the caller retries with another pick) and succeeds trivially
// without a hardware switch when next is already the current process.
// Otherwise the outgoing process is pushed back onto the run queue if it is
// still runnable — one that just called Sleep is not re-queued — and the
// hardware context switch is performed.
func (s *Scheduler) Switch(next *process.Process) bool {
	if next.State() != process.StateRunning {
		return false
	}

	current := s.table.Current()
	if next == current {
		return true
	}

	if current.State() == process.StateRunning {
		s.Push(current)
	}

	s.table.SwitchTo(next)
	return true
}

// Yield cooperatively gives up the CPU. It loops — allowing one pending
// interrupt to be serviced under the preempt lock, then picking the next
// queued runnable process, falling back to the current process if it is
// still runnable and to halt-and-wait otherwise — until a switch attempt
// succeeds. For a process that just went to sleep, Yield returns only once
// the process is runnable again and dispatched.
func (s *Scheduler) Yield() {
	for {
		s.preemptLock.Acquire()
		serviceInterruptsFn()
		s.preemptLock.Release()

		next := s.PopRunning()
		if next == nil {
			current := s.table.Current()
			if current.State() == process.StateRunning {
				next = current
			} else {
				haltFn()
				continue
			}
		}

		if s.Switch(next) {
			return
		}
	}
}

// Preempt is the interrupt-driven twin of Yield. It must not block: if the
// preempt lock is contended or no other process is queued it returns false,
// reporting that no switch happened.
func (s *Scheduler) Preempt() bool {
	if !s.preemptLock.TryToAcquire() {
		return false
	}
	defer s.preemptLock.Release()

	next := s.PopRunning()
	if next == nil {
		return false
	}

	return s.Switch(next)
}

// Sleep parks the current process and yields until it is awakened.
func (s *Scheduler) Sleep() {
	s.table.Current().Sleep()
	s.Yield()
}

// Awaken transitions a Sleeping process to Running and enqueues it. The
// boolean reports whether a transition actually occurred; a process that was
// already Running yields (false, nil). A process that is neither alive nor
// sleeping fails with its actual state — the caller's bug, or a race the
// caller must tolerate.
func (s *Scheduler) Awaken(p *process.Process) (bool, *kernel.Error) {
	transitioned, err := p.Awaken()
	if err != nil {
		return false, err
	}
	if transitioned {
		s.Push(p)
	}
	return transitioned, nil
}

func (s *Scheduler) awakenById(pid uint32) {
	p, err := s.table.Get(pid)
	if err != nil {
		return
	}
	s.Awaken(p)
}

// WaitProcess blocks until the process with the supplied id exits, reaps its
// table entry and returns its exit status. The condition is polled in a
// loop, parking on the target's exit wait queue between polls. An exit that
// lands before the park finds this process still Running and its wakeup is
// consumed without a transition, so the dead re-check must come after the
// park; the pending-interrupt window sits between the insert and the park,
// where such an exit can arrive.
func (s *Scheduler) WaitProcess(id uint32) (int32, *kernel.Error) {
	target, err := s.table.Get(id)
	if err != nil {
		return 0, err
	}

	current := s.table.Current()
	for target.State() != process.StateDead {
		target.ExitWait.Insert(current.Id())

		s.preemptLock.Acquire()
		serviceInterruptsFn()
		s.preemptLock.Release()

		current.Sleep()

		if target.State() == process.StateDead {
			current.Awaken()
			target.ExitWait.Remove(current.Id())
			break
		}

		s.Yield()
	}

	return s.table.Reap(id)
}
