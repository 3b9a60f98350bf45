package ksync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRcuReadSet(t *testing.T) {
	a, b := 1, 2

	r := NewRcu(&a)
	require.Same(t, &a, r.Read())

	r.Set(&b)
	require.Same(t, &b, r.Read())

	// The previous value is untouched for readers that still hold it.
	require.Equal(t, 1, a)
}

func TestRcuUpdate(t *testing.T) {
	start := 0
	r := NewRcu(&start)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Update(func(old *int) *int {
					next := *old + 1
					return &next
				})
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 800, *r.Read())
}
