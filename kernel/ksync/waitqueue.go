package ksync

// AwakenFn is invoked by a WaitQueue for each process id it wakes. The
// scheduler registers the real implementation during its initialization;
// before that, wakeups are dropped (nothing can be sleeping yet).
type AwakenFn func(pid uint32)

var awakenFn AwakenFn

// SetAwakenFn registers the function used to transition a parked process back
// to a runnable state.
func SetAwakenFn(fn AwakenFn) {
	awakenFn = fn
}

// WaitQueue holds the ids of processes parked pending a condition, in FIFO
// insertion order.
type WaitQueue struct {
	lock Spinlock
	pids []uint32
}

// Insert parks the process with the supplied id on the queue. The caller is
// expected to put the process to sleep and yield afterwards; Insert only
// records the id.
func (q *WaitQueue) Insert(pid uint32) {
	q.lock.Acquire()
	q.pids = append(q.pids, pid)
	q.lock.Release()
}

// Remove drops the given id from the queue, returning true if it was present.
// It is used when a waiter is signalled through another path and must not
// receive a spurious wakeup later.
func (q *WaitQueue) Remove(pid uint32) bool {
	q.lock.Acquire()
	defer q.lock.Release()

	for i, queued := range q.pids {
		if queued == pid {
			q.pids = append(q.pids[:i], q.pids[i+1:]...)
			return true
		}
	}
	return false
}

// AwakenOne wakes the process that has been parked the longest and returns
// true if a wakeup was delivered.
func (q *WaitQueue) AwakenOne() bool {
	q.lock.Acquire()
	if len(q.pids) == 0 {
		q.lock.Release()
		return false
	}
	pid := q.pids[0]
	q.pids = q.pids[1:]
	q.lock.Release()

	if awakenFn != nil {
		awakenFn(pid)
	}
	return true
}

// AwakenAll wakes every parked process. No ordering is guaranteed between the
// woken processes beyond their run-queue insertion order.
func (q *WaitQueue) AwakenAll() int {
	q.lock.Acquire()
	pids := q.pids
	q.pids = nil
	q.lock.Release()

	if awakenFn != nil {
		for _, pid := range pids {
			awakenFn(pid)
		}
	}
	return len(pids)
}

// Len returns the number of currently parked processes.
func (q *WaitQueue) Len() int {
	q.lock.Acquire()
	defer q.lock.Release()
	return len(q.pids)
}
