package process

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devyn/kit-sub000/kernel/mem"
)

func TestNewTableKernelProcess(t *testing.T) {
	table, _ := newTestTable(t, 256)

	kproc, err := table.Get(0)
	require.Nil(t, err)
	require.Equal(t, uint32(0), kproc.Id())
	require.Equal(t, "kernel", kproc.Name())
	require.Equal(t, StateRunning, kproc.State())
	require.Nil(t, kproc.Mem())
	require.Same(t, kproc, table.Current())

	_, err = table.Get(42)
	require.Equal(t, ErrNotFound, err)
}

func TestCreate(t *testing.T) {
	table, _ := newTestTable(t, 256)

	p, err := table.Create("shell")
	require.Nil(t, err)
	require.Equal(t, uint32(1), p.Id())
	require.Equal(t, p.Id(), p.Pgid())
	require.Equal(t, "shell", p.Name())
	require.Equal(t, StateLoading, p.State())
	require.Equal(t, uint64(StackTopAddr), p.HardwareState().Rsp)

	// The initial stack is pre-mapped below the stack top.
	m := p.Mem()
	require.NotNil(t, m)
	_, ok := m.Pageset().Lookup(StackTopAddr - mem.PageSize)
	require.True(t, ok)
	_, ok = m.Pageset().Lookup(StackTopAddr - initialStackPages*mem.PageSize)
	require.True(t, ok)
	_, ok = m.Pageset().Lookup(StackTopAddr)
	require.False(t, ok)

	got, err := table.Get(p.Id())
	require.Nil(t, err)
	require.Same(t, p, got)

	// Ids are never reused across creations.
	p2, err := table.Create("other")
	require.Nil(t, err)
	require.Equal(t, uint32(2), p2.Id())
}

func TestCreateSubprocess(t *testing.T) {
	table, _ := newTestTable(t, 256)

	creator, err := table.Create("main")
	require.Nil(t, err)

	sub, err := table.CreateSubprocess(creator, "worker")
	require.Nil(t, err)
	require.NotEqual(t, creator.Id(), sub.Id())
	require.Equal(t, creator.Pgid(), sub.Pgid())
	require.Same(t, creator.Mem(), sub.Mem())
	require.Equal(t, StateLoading, sub.State())
}

func TestSwitchTo(t *testing.T) {
	table, _ := newTestTable(t, 256)

	var switches [][2]*HardwareState
	origSwitch := switchContextFn
	SetContextSwitcher(func(old, new *HardwareState) {
		switches = append(switches, [2]*HardwareState{old, new})
	})
	defer func() { switchContextFn = origSwitch }()

	kproc := table.Current()

	p, err := table.Create("shell")
	require.Nil(t, err)
	p.Run()

	table.SwitchTo(p)
	require.Same(t, p, table.Current())
	require.Len(t, switches, 1)
	require.Same(t, kproc.HardwareState(), switches[0][0])
	require.Same(t, p.HardwareState(), switches[0][1])

	// Switching to the current process is a no-op.
	table.SwitchTo(p)
	require.Len(t, switches, 1)
}

func TestSwitchToNotRunningPanics(t *testing.T) {
	table, _ := newTestTable(t, 256)

	p, err := table.Create("shell")
	require.Nil(t, err)

	require.PanicsWithValue(t, errSwitchNotRunning, func() { table.SwitchTo(p) })
}

func TestReap(t *testing.T) {
	table, physical := newTestTable(t, 256)
	freeBefore := physical.TotalFree()

	p, err := table.Create("shell")
	require.Nil(t, err)
	p.Run()

	// A live process cannot be reaped.
	_, rerr := table.Reap(p.Id())
	require.Equal(t, errReapAlive, rerr)

	p.Exit(3)
	status, rerr := table.Reap(p.Id())
	require.Nil(t, rerr)
	require.Equal(t, int32(3), status)

	_, err = table.Get(p.Id())
	require.Equal(t, ErrNotFound, err)

	// Every physical page the process owned is back.
	require.Equal(t, freeBefore, physical.TotalFree())

	_, rerr = table.Reap(p.Id())
	require.Equal(t, ErrNotFound, rerr)
}

func TestReapSharedMemLastHolder(t *testing.T) {
	table, physical := newTestTable(t, 256)
	freeBefore := physical.TotalFree()

	creator, err := table.Create("main")
	require.Nil(t, err)
	creator.Run()

	sub, err := table.CreateSubprocess(creator, "worker")
	require.Nil(t, err)
	sub.Run()

	// Reaping the creator must not tear down the shared space while the
	// subprocess still uses it.
	creator.Exit(0)
	_, rerr := table.Reap(creator.Id())
	require.Nil(t, rerr)

	_, ok := sub.Mem().Pageset().Lookup(StackTopAddr - mem.PageSize)
	require.True(t, ok)
	require.NotEqual(t, freeBefore, physical.TotalFree())

	sub.Exit(0)
	_, rerr = table.Reap(sub.Id())
	require.Nil(t, rerr)
	require.Equal(t, freeBefore, physical.TotalFree())
}
