package archive

import (
	"github.com/devyn/kit-sub000/kernel/kfmt"
	"github.com/devyn/kit-sub000/kernel/loader"
	"github.com/devyn/kit-sub000/kernel/process"
	"github.com/devyn/kit-sub000/kernel/sched"
)

// Spawn error codes, returned as negative values in place of a process id.
const (
	ErrCodeNoProgram     = int64(-1)
	ErrCodeNotFound      = int64(-2)
	ErrCodeVerifyFailed  = int64(-3)
	ErrCodeNotExecutable = int64(-4)
	ErrCodeLoadFailed    = int64(-5)
	ErrCodeArgsFailed    = int64(-6)
)

// Spawn locates filename in the archive, constructs a process around it,
// loads the image, lays out argv, marks the process runnable and hands it to
// the scheduler. It returns the new process id, or a negative error code
// from the closed set above.
func Spawn(table *process.Table, scheduler *sched.Scheduler, a *Archive, filename string, argv [][]byte) int64 {
	if filename == "" {
		return ErrCodeNoProgram
	}

	image, ok := a.Get(filename)
	if !ok {
		return ErrCodeNotFound
	}

	p, err := table.Create(filename)
	if err != nil {
		kfmt.Printf("[archive] spawn %s: %s\n", filename, err.Message)
		return ErrCodeLoadFailed
	}

	if err := loader.Load(p, image); err != nil {
		switch err {
		case loader.ErrVerifyFailed:
			return ErrCodeVerifyFailed
		case loader.ErrNotExecutable:
			return ErrCodeNotExecutable
		default:
			return ErrCodeLoadFailed
		}
	}

	argc, argvPtr, err := p.Mem().SetupArgs(argv)
	if err != nil {
		return ErrCodeArgsFailed
	}
	p.SetArgsRegisters(argc, argvPtr)

	p.Run()
	scheduler.Push(p)
	return int64(p.Id())
}
