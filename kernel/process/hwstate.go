// Package process implements process lifecycle, per-process virtual memory
// ownership and the hardware-state handoff used by the scheduler's context
// switch.
package process

// HardwareState is the architecture-defined register block saved and
// restored across a context switch: the x86-64 callee-saved set, the kernel
// stack pointer, the entry registers handed to a newly dispatched process,
// and the SIMD save area.
type HardwareState struct {
	Rsp uint64
	Rbp uint64
	Rbx uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Rip is the instruction pointer a fresh process starts at. The ELF
	// loader fills it in; an ongoing process's resume point lives on its
	// kernel stack instead.
	Rip uint64

	// Rdi and Rsi carry (argc, argv) into a user process's entry point
	// per the platform ABI.
	Rdi uint64
	Rsi uint64

	// KernelStack is the top of the process's kernel-mode stack.
	KernelStack uintptr

	// FxSave holds the SIMD/x87 state in FXSAVE layout.
	FxSave [512]byte
}

// switchContextFn saves the callee-preserved registers and kernel stack
// pointer of the old context and loads them for the new one. The arch
// bootstrap installs the real assembly routine; the default is a no-op so
// hosted tests can exercise the switch protocol, and tests override it to
// observe the handoff.
var switchContextFn = func(old, new *HardwareState) {}

// SetContextSwitcher registers the low-level context switch routine.
func SetContextSwitcher(fn func(old, new *HardwareState)) {
	switchContextFn = fn
}
