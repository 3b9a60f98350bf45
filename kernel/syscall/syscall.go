// Package syscall is the thin dispatch layer between user processes and the
// process/scheduler core. Calls are direct and non-reentrant; there is no
// wire format.
package syscall

import (
	"github.com/devyn/kit-sub000/kernel"
	"github.com/devyn/kit-sub000/kernel/archive"
	"github.com/devyn/kit-sub000/kernel/process"
	"github.com/devyn/kit-sub000/kernel/sched"
)

var errNoMemorySpace = &kernel.Error{Module: "syscall", Message: "calling process has no memory space"}

// Handler dispatches the syscall surface onto the core APIs.
type Handler struct {
	table     *process.Table
	scheduler *sched.Scheduler
	initFiles *archive.Archive
}

// NewHandler wires a syscall handler to the process table, the scheduler
// and the init archive used by Spawn.
func NewHandler(table *process.Table, scheduler *sched.Scheduler, initFiles *archive.Archive) *Handler {
	return &Handler{table: table, scheduler: scheduler, initFiles: initFiles}
}

// Exit terminates the calling process with the supplied status and
// schedules away from it. It does not return to the caller.
func (h *Handler) Exit(status int32) {
	h.table.Current().Exit(status)
	h.scheduler.Yield()
}

// Yield gives up the CPU cooperatively.
func (h *Handler) Yield() {
	h.scheduler.Yield()
}

// Sleep parks the calling process until another process awakens it.
func (h *Handler) Sleep() {
	h.scheduler.Sleep()
}

// Spawn starts the named program from the init archive with the supplied
// argv, returning the new process id or a negative error code.
func (h *Handler) Spawn(filename string, argv [][]byte) int64 {
	return archive.Spawn(h.table, h.scheduler, h.initFiles, filename, argv)
}

// WaitProcess blocks until the process with the supplied id exits and
// returns its exit status.
func (h *Handler) WaitProcess(id uint32) (int32, *kernel.Error) {
	return h.scheduler.WaitProcess(id)
}

// AdjustHeap grows or shrinks the calling process's heap by delta bytes and
// returns the new heap end pointer.
func (h *Handler) AdjustHeap(delta int64) (uintptr, *kernel.Error) {
	m := h.table.Current().Mem()
	if m == nil {
		return 0, errNoMemorySpace
	}
	return m.AdjustHeap(delta)
}
