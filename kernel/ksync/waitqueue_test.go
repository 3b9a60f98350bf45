package ksync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWaitQueueFIFO(t *testing.T) {
	var woken []uint32
	SetAwakenFn(func(pid uint32) { woken = append(woken, pid) })
	defer SetAwakenFn(nil)

	var q WaitQueue
	q.Insert(3)
	q.Insert(1)
	q.Insert(2)
	require.Equal(t, 3, q.Len())

	// Wakeups are delivered in park order.
	require.True(t, q.AwakenOne())
	require.True(t, q.AwakenOne())
	require.Equal(t, []uint32{3, 1}, woken)

	require.True(t, q.AwakenOne())
	require.False(t, q.AwakenOne())
	require.Equal(t, []uint32{3, 1, 2}, woken)
	require.Equal(t, 0, q.Len())
}

func TestWaitQueueAwakenAll(t *testing.T) {
	var woken []uint32
	SetAwakenFn(func(pid uint32) { woken = append(woken, pid) })
	defer SetAwakenFn(nil)

	var q WaitQueue
	q.Insert(5)
	q.Insert(6)
	q.Insert(7)

	require.Equal(t, 3, q.AwakenAll())
	require.Equal(t, []uint32{5, 6, 7}, woken)
	require.Equal(t, 0, q.AwakenAll())
}

func TestWaitQueueRemove(t *testing.T) {
	var woken []uint32
	SetAwakenFn(func(pid uint32) { woken = append(woken, pid) })
	defer SetAwakenFn(nil)

	var q WaitQueue
	q.Insert(1)
	q.Insert(2)

	// A waiter signalled through another path leaves the queue without a
	// wakeup.
	require.True(t, q.Remove(1))
	require.False(t, q.Remove(1))

	require.True(t, q.AwakenOne())
	require.Equal(t, []uint32{2}, woken)
}

func TestWaitQueueNoAwakenFn(t *testing.T) {
	SetAwakenFn(nil)

	var q WaitQueue
	q.Insert(9)

	// Without a registered wakeup function the entry is still consumed.
	require.True(t, q.AwakenOne())
	require.Equal(t, 0, q.Len())
}
