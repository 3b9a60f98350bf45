package process

import (
	"github.com/devyn/kit-sub000/kernel"
	"github.com/devyn/kit-sub000/kernel/ksync"
)

// State is a process's position in the lifecycle state machine
// Loading → Running ⇄ Sleeping → Dead.
type State uint8

const (
	// StateLoading marks a process still being constructed; it has never
	// run.
	StateLoading State = iota

	// StateRunning marks a process eligible for dispatch.
	StateRunning

	// StateSleeping marks a process parked pending a condition.
	StateSleeping

	// StateDead marks an exited process awaiting reaping.
	StateDead
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateDead:
		return "dead"
	default:
		return "invalid"
	}
}

var (
	errRunNotLoading  = &kernel.Error{Module: "process", Message: "run() on a process that is not loading"}
	errSleepNotAlive  = &kernel.Error{Module: "process", Message: "sleep() on a process that is not alive"}
	errAwakenNotAlive = &kernel.Error{Module: "process", Message: "awaken() on a process that is not alive"}
	errExitDead       = &kernel.Error{Module: "process", Message: "exit() on a dead process"}
)

// Process is one kernel or user execution context. The hardware state is
// exclusively owned; the memory space is nil for kernel-only processes and
// shared between the kernel and any subprocess threads otherwise.
type Process struct {
	lock ksync.Spinlock

	id   uint32
	pgid uint32
	name string

	state State
	hw    *HardwareState
	mem   *Mem

	exitStatus int32

	// ExitWait parks processes waiting for this process to exit.
	ExitWait ksync.WaitQueue
}

// Id returns the process id. Id 0 is reserved for the kernel process.
func (p *Process) Id() uint32 {
	return p.id
}

// Pgid returns the process group id. A subprocess shares its creator's pgid.
func (p *Process) Pgid() uint32 {
	return p.pgid
}

// Name returns the process name.
func (p *Process) Name() string {
	return p.name
}

// State returns the process's current lifecycle state.
func (p *Process) State() State {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.state
}

// Mem returns the process's memory space, or nil for a kernel-only process.
func (p *Process) Mem() *Mem {
	return p.mem
}

// HardwareState returns the process's register block.
func (p *Process) HardwareState() *HardwareState {
	return p.hw
}

// ExitStatus returns the status recorded by Exit. Only meaningful once the
// process is Dead.
func (p *Process) ExitStatus() int32 {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.exitStatus
}

// IsAlive reports whether the process is Running or Sleeping.
func (p *Process) IsAlive() bool {
	state := p.State()
	return state == StateRunning || state == StateSleeping
}

// SetEntryPoint primes the instruction pointer a fresh process starts at.
// The ELF loader calls this once the image's entry is known.
func (p *Process) SetEntryPoint(entry uint64) {
	p.hw.Rip = entry
}

// SetArgsRegisters primes the (argc, argv) entry registers.
func (p *Process) SetArgsRegisters(argc uint64, argvPtr uintptr) {
	p.hw.Rdi = argc
	p.hw.Rsi = uint64(argvPtr)
}

// Run marks a fully loaded process eligible for dispatch. Calling Run on a
// process that is not Loading is a programming error and panics: it catches
// "ran an already-running process" bugs at the fault site.
func (p *Process) Run() {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.state != StateLoading {
		kernel.Panic(errRunNotLoading)
	}
	p.state = StateRunning
}

// Sleep parks the process pending a condition. The process must be alive.
func (p *Process) Sleep() {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.state != StateRunning && p.state != StateSleeping {
		kernel.Panic(errSleepNotAlive)
	}
	p.state = StateSleeping
}

// Awaken transitions a Sleeping process back to Running. It returns true if
// a transition occurred, false if the process was already Running, and an
// error carrying the actual state if the process was not alive — a caller's
// bug or a race the caller must tolerate.
func (p *Process) Awaken() (bool, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	switch p.state {
	case StateSleeping:
		p.state = StateRunning
		return true, nil
	case StateRunning:
		return false, nil
	default:
		return false, errAwakenNotAlive
	}
}

// Exit marks the process Dead, records its exit status and wakes every
// process parked on its exit wait queue. Exiting an already-dead process is
// a contract violation and panics.
func (p *Process) Exit(status int32) {
	p.lock.Acquire()

	if p.state == StateDead {
		p.lock.Release()
		kernel.Panic(errExitDead)
	}

	p.state = StateDead
	p.exitStatus = status
	p.lock.Release()

	p.ExitWait.AwakenAll()
}
