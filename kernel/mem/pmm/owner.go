package pmm

// OwnerKind distinguishes the kernel from process owners.
type OwnerKind uint8

const (
	// OwnerKernel marks a region owned by the kernel itself.
	OwnerKernel OwnerKind = iota

	// OwnerProcess marks a region owned by a single process.
	OwnerProcess
)

// Owner identifies who holds an allocated physical region. Regions are
// currently single-owner.
type Owner struct {
	Kind OwnerKind
	Pid  uint32
}

// KernelOwner is the owner value for kernel-held regions.
var KernelOwner = Owner{Kind: OwnerKernel}

// ProcessOwner returns the owner value for the process with the given id.
func ProcessOwner(pid uint32) Owner {
	return Owner{Kind: OwnerProcess, Pid: pid}
}
