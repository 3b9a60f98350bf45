package ksync

import "sync/atomic"

// Rcu is a read-copy-update cell: readers load the current value without
// synchronization while writers publish a replacement atomically. The old
// value stays valid for readers that already hold it.
type Rcu[T any] struct {
	ptr atomic.Pointer[T]
}

// NewRcu returns a cell holding v.
func NewRcu[T any](v *T) *Rcu[T] {
	r := &Rcu[T]{}
	r.ptr.Store(v)
	return r
}

// Read returns the cell's current value.
func (r *Rcu[T]) Read() *T {
	return r.ptr.Load()
}

// Set publishes v as the cell's new value.
func (r *Rcu[T]) Set(v *T) {
	r.ptr.Store(v)
}

// Update applies fn to the current value and publishes the result,
// retrying if a concurrent writer got in between. It returns the published
// value. fn must not mutate the old value in place.
func (r *Rcu[T]) Update(fn func(old *T) *T) *T {
	for {
		old := r.ptr.Load()
		new := fn(old)
		if r.ptr.CompareAndSwap(old, new) {
			return new
		}
	}
}
