package process

import (
	"math"

	"github.com/devyn/kit-sub000/kernel"
	"github.com/devyn/kit-sub000/kernel/ksync"
	"github.com/devyn/kit-sub000/kernel/mem/pmm"
	"github.com/devyn/kit-sub000/kernel/mem/vmm"
)

var (
	errIdExhausted = &kernel.Error{Module: "process", Message: "process id space exhausted"}

	// ErrNotFound is returned when looking up an id with no table entry.
	ErrNotFound = &kernel.Error{Module: "process", Message: "no such process"}
)

// Table owns every live process, the id counter and the current-process
// record. One spinlock guards the map and the counter; it is never held
// together with the physical allocator's lock.
type Table struct {
	lock ksync.Spinlock

	processes map[uint32]*Process
	nextId    uint32

	physical      *pmm.Allocator
	kernelPageset *vmm.Pageset

	// current is the process executing on this core, published through
	// an RCU cell so interrupt handlers can read it without taking the
	// table lock.
	current ksync.Rcu[Process]
}

// NewTable creates a process table holding only the kernel process (id 0,
// Running, no separate memory space). The kernel process becomes current.
func NewTable(physical *pmm.Allocator, kernelPageset *vmm.Pageset) *Table {
	kproc := &Process{
		id:    0,
		pgid:  0,
		name:  "kernel",
		state: StateRunning,
		hw:    &HardwareState{},
	}

	t := &Table{
		processes:     map[uint32]*Process{0: kproc},
		nextId:        1,
		physical:      physical,
		kernelPageset: kernelPageset,
	}
	t.current.Set(kproc)
	return t
}

// allocId hands out the next process id. The id space is assumed never to
// realistically exhaust; if it does, the system is failed outright.
func (t *Table) allocId() uint32 {
	if t.nextId == math.MaxUint32 {
		kernel.Panic(errIdExhausted)
	}
	id := t.nextId
	t.nextId++
	return id
}

// Get returns the process with the supplied id.
func (t *Table) Get(id uint32) (*Process, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	p, ok := t.processes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Current returns the process currently executing on this core.
func (t *Table) Current() *Process {
	return t.current.Read()
}

// Create constructs a fresh Loading process with its own memory space: a new
// user pageset, a pre-mapped downward-growing stack and hardware state
// primed to enter user mode at a not-yet-set instruction pointer.
func (t *Table) Create(name string) (*Process, *kernel.Error) {
	t.lock.Acquire()
	id := t.allocId()
	t.lock.Release()

	m, err := NewMem(t.physical, t.kernelPageset, id)
	if err != nil {
		return nil, err
	}

	p := &Process{
		id:    id,
		pgid:  id,
		name:  name,
		state: StateLoading,
		hw: &HardwareState{
			Rsp: uint64(StackTopAddr),
		},
		mem: m,
	}

	t.lock.Acquire()
	t.processes[id] = p
	t.lock.Release()
	return p, nil
}

// CreateSubprocess constructs a kernel-thread-style process sharing the
// creator's memory space and pgid, with an independent id and hardware
// state.
func (t *Table) CreateSubprocess(creator *Process, name string) (*Process, *kernel.Error) {
	t.lock.Acquire()
	id := t.allocId()
	t.lock.Release()

	var rsp uint64
	if creator.mem != nil {
		creator.mem.retain()
		rsp = uint64(StackTopAddr)
	}

	p := &Process{
		id:    id,
		pgid:  creator.pgid,
		name:  name,
		state: StateLoading,
		hw:    &HardwareState{Rsp: rsp},
		mem:   creator.mem,
	}

	t.lock.Acquire()
	t.processes[id] = p
	t.lock.Release()
	return p, nil
}

var errSwitchNotRunning = &kernel.Error{Module: "process", Message: "switch_to() target is not running"}

// SwitchTo hands the CPU to next, which must be Running. The pageset is
// swapped only if next owns a memory space, so kernel-only processes avoid
// a needless TLB flush. The current-process record is replaced before the
// hardware switch; the old context resumes after a later switch back.
func (t *Table) SwitchTo(next *Process) {
	if next.State() != StateRunning {
		kernel.Panic(errSwitchNotRunning)
	}

	old := t.current.Read()
	if old == next {
		return
	}

	if next.mem != nil {
		next.mem.Pageset().Load()
	}

	t.current.Set(next)
	switchContextFn(old.hw, next.hw)
}

// Reap removes a Dead process from the table and releases its memory space.
// Reaping a live process is refused.
func (t *Table) Reap(id uint32) (int32, *kernel.Error) {
	t.lock.Acquire()
	p, ok := t.processes[id]
	if !ok {
		t.lock.Release()
		return 0, ErrNotFound
	}
	if p.State() != StateDead {
		t.lock.Release()
		return 0, errReapAlive
	}
	delete(t.processes, id)
	t.lock.Release()

	if p.mem != nil {
		p.mem.ReleaseAll()
	}
	return p.ExitStatus(), nil
}

var errReapAlive = &kernel.Error{Module: "process", Message: "reap of a process that has not exited"}
