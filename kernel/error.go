// Package kernel provides the error and panic primitives shared by every
// kernel subsystem.
package kernel

// Error describes a kernel error. Kernel errors are defined as global
// variables that are pointers to the Error structure so that hot error paths
// do not allocate.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Module + ": " + e.Message
}
