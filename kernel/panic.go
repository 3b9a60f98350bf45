package kernel

// Panic halts the kernel with the supplied error. It is reserved for
// programming-contract violations and unrecoverable corruption; environmental
// failures (out of memory, bad user input) are reported as *Error values
// instead.
func Panic(err *Error) {
	panic(err)
}
