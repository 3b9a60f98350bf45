// Package ksync provides the synchronization primitives used by the kernel:
// spinlocks, wait queues and a lock-free region list.
package ksync

import "sync/atomic"

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Spinlocks protect short critical sections
// only; the holder must release via normal execution or interrupt and never
// expects a waiter to yield to it.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IsHeld reports whether the lock is currently held by some task.
func (l *Spinlock) IsHeld() bool {
	return atomic.LoadUint32(&l.state) != 0
}
