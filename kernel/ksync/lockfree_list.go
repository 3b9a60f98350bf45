package ksync

import "sync/atomic"

// RegionNode is a node of a LockFreeList describing a run of pages. Vaddr and
// Paddr are fixed for the lifetime of the node; Pages is mutated with
// compare-and-swap so that concurrent allocators can shrink a region without
// taking a lock.
type RegionNode struct {
	Vaddr uintptr
	Paddr uintptr

	pages uint64
	next  atomic.Pointer[RegionNode]
}

// NewRegionNode returns a node describing pages of memory at vaddr, backed by
// paddr (zero when the node tracks unbacked virtual space).
func NewRegionNode(vaddr, paddr uintptr, pages uint64) *RegionNode {
	n := &RegionNode{Vaddr: vaddr, Paddr: paddr}
	atomic.StoreUint64(&n.pages, pages)
	return n
}

// Pages returns the node's current page count.
func (n *RegionNode) Pages() uint64 {
	return atomic.LoadUint64(&n.pages)
}

// CompareAndSwapPages atomically replaces the node's page count with new if it
// still equals old. The heap's tail-placement allocator uses this to claim the
// end of a free region; a false return means another allocator won the race
// and the caller must rescan.
func (n *RegionNode) CompareAndSwapPages(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&n.pages, old, new)
}

// Next returns the node following n, or nil at the end of the list.
func (n *RegionNode) Next() *RegionNode {
	return n.next.Load()
}

// LockFreeList is a singly linked list of RegionNodes supporting concurrent
// Push, Pop and Remove through compare-and-swap on the links. It exists so
// that the heap can mutate its region bookkeeping while other spinlocks are
// held elsewhere, without risking nested blocking locks during allocator
// bootstrap.
type LockFreeList struct {
	head atomic.Pointer[RegionNode]
}

// First returns the head of the list, or nil if the list is empty.
func (l *LockFreeList) First() *RegionNode {
	return l.head.Load()
}

// Push inserts node at the front of the list.
func (l *LockFreeList) Push(node *RegionNode) {
	for {
		head := l.head.Load()
		node.next.Store(head)
		if l.head.CompareAndSwap(head, node) {
			return
		}
	}
}

// Pop removes and returns the front node, or nil if the list is empty.
func (l *LockFreeList) Pop() *RegionNode {
	for {
		head := l.head.Load()
		if head == nil {
			return nil
		}
		next := head.next.Load()
		if l.head.CompareAndSwap(head, next) {
			head.next.Store(nil)
			return head
		}
	}
}

// Remove unlinks node from the list, returning true if it was found. On link
// contention the scan restarts from the head.
func (l *LockFreeList) Remove(node *RegionNode) bool {
retry:
	for {
		prev := (*RegionNode)(nil)
		cur := l.head.Load()

		for cur != nil {
			next := cur.next.Load()
			if cur == node {
				if prev == nil {
					if !l.head.CompareAndSwap(cur, next) {
						continue retry
					}
				} else if !prev.next.CompareAndSwap(cur, next) {
					continue retry
				}
				cur.next.Store(nil)
				return true
			}
			prev, cur = cur, next
		}
		return false
	}
}

// Len walks the list and returns the number of nodes. It is intended for
// tests and diagnostics; the result is stale by the time it returns.
func (l *LockFreeList) Len() int {
	n := 0
	for node := l.First(); node != nil; node = node.Next() {
		n++
	}
	return n
}
