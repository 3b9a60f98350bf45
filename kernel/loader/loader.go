// Package loader maps ELF64 executable images into a process's memory space
// through the ProcessMem mapping contract and primes the process entry
// point.
package loader

import (
	"encoding/binary"
	"unsafe"

	"github.com/devyn/kit-sub000/kernel"
	"github.com/devyn/kit-sub000/kernel/mem"
	"github.com/devyn/kit-sub000/kernel/mem/vmm"
	"github.com/devyn/kit-sub000/kernel/process"
)

const (
	elfHeaderSize = 64

	elfClass64      = 2
	elfDataLittle   = 1
	elfTypeExec     = 2
	elfMachineX8664 = 62

	ptLoad = 1

	pfExec  = 1
	pfWrite = 2
)

var (
	// ErrVerifyFailed is returned when the image is not a well-formed
	// 64-bit little-endian ELF file.
	ErrVerifyFailed = &kernel.Error{Module: "loader", Message: "image verification failed"}

	// ErrNotExecutable is returned when the image is valid ELF but not an
	// x86-64 executable.
	ErrNotExecutable = &kernel.Error{Module: "loader", Message: "image is not an x86-64 executable"}

	// ErrLoadFailed is returned when a segment cannot be mapped or
	// copied.
	ErrLoadFailed = &kernel.Error{Module: "loader", Message: "failed to load image segments"}

	// copySegmentFn writes segment bytes to a virtual address while the
	// target pageset is loaded. Tests override it; the default writes
	// through the active mapping.
	copySegmentFn = func(vaddr uintptr, data []byte) {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(vaddr)), len(data))
		copy(dst, data)
	}
)

// SetSegmentCopier registers the routine used to write segment bytes while
// the target pageset is loaded.
func SetSegmentCopier(fn func(vaddr uintptr, data []byte)) {
	copySegmentFn = fn
}

// Load maps every PT_LOAD segment of image into p's memory space, zeroes
// the BSS tails, applies the segment permissions and sets the process entry
// point. The process heap base is placed just past the highest mapped
// segment.
func Load(p *process.Process, image []byte) *kernel.Error {
	if err := verify(image); err != nil {
		return err
	}

	m := p.Mem()
	if m == nil {
		return ErrLoadFailed
	}

	var (
		entry     = binary.LittleEndian.Uint64(image[24:])
		phOff     = binary.LittleEndian.Uint64(image[32:])
		phEntSize = uint64(binary.LittleEndian.Uint16(image[54:]))
		phNum     = uint64(binary.LittleEndian.Uint16(image[56:]))
		highest   uintptr
	)

	// phNum and phEntSize are 16-bit fields, so their product cannot wrap;
	// phOff is attacker controlled and must be range-checked before any
	// arithmetic on it.
	if phEntSize < 56 || phOff > uint64(len(image)) ||
		phNum*phEntSize > uint64(len(image))-phOff {
		return ErrVerifyFailed
	}

	for i := uint64(0); i < phNum; i++ {
		ph := image[phOff+i*phEntSize:]
		if binary.LittleEndian.Uint32(ph) != ptLoad {
			continue
		}

		var (
			flags  = binary.LittleEndian.Uint32(ph[4:])
			offset = binary.LittleEndian.Uint64(ph[8:])
			vaddr  = uintptr(binary.LittleEndian.Uint64(ph[16:]))
			fileSz = binary.LittleEndian.Uint64(ph[32:])
			memSz  = binary.LittleEndian.Uint64(ph[40:])
		)

		if memSz == 0 {
			continue
		}
		if fileSz > memSz || offset > uint64(len(image)) ||
			fileSz > uint64(len(image))-offset {
			return ErrVerifyFailed
		}

		// Map writable first; the real permissions are applied after
		// the copy.
		if _, err := m.MapAllocate(vaddr, uintptr(memSz), vmm.PageUserData); err != nil {
			return ErrLoadFailed
		}

		if err := copyIntoSpace(m, vaddr, image[offset:offset+fileSz], memSz-fileSz); err != nil {
			return err
		}

		pageType := vmm.UserType(flags&pfWrite != 0, flags&pfExec != 0)
		if _, err := m.SetPermissions(vaddr, uintptr(memSz), pageType); err != nil {
			return ErrLoadFailed
		}

		if end := vaddr + uintptr(memSz); end > highest {
			highest = end
		}
	}

	if highest != 0 {
		m.SetHeapBase(mem.PageAlignUp(highest))
	}

	p.SetEntryPoint(entry)
	return nil
}

// verify checks the ELF identification and executable fields, splitting
// "not ELF at all" from "ELF but not something we can run".
func verify(image []byte) *kernel.Error {
	if len(image) < elfHeaderSize {
		return ErrVerifyFailed
	}
	if image[0] != 0x7f || image[1] != 'E' || image[2] != 'L' || image[3] != 'F' {
		return ErrVerifyFailed
	}
	if image[4] != elfClass64 || image[5] != elfDataLittle {
		return ErrVerifyFailed
	}

	elfType := binary.LittleEndian.Uint16(image[16:])
	machine := binary.LittleEndian.Uint16(image[18:])
	if elfType != elfTypeExec || machine != elfMachineX8664 {
		return ErrNotExecutable
	}
	return nil
}

// copyIntoSpace copies data to vaddr in m's address space and zeroes
// zeroTail bytes after it, with the target pageset loaded for the duration.
// The previously active pageset is restored unconditionally.
func copyIntoSpace(m *process.Mem, vaddr uintptr, data []byte, zeroTail uint64) *kernel.Error {
	prev := vmm.Active()
	m.Pageset().Load()
	defer func() {
		if prev != nil {
			prev.Load()
		}
	}()

	copySegmentFn(vaddr, data)

	if zeroTail > 0 {
		var zeros [mem.PageSize]byte
		addr := vaddr + uintptr(len(data))
		for zeroTail > 0 {
			n := uint64(len(zeros))
			if zeroTail < n {
				n = zeroTail
			}
			copySegmentFn(addr, zeros[:n])
			addr += uintptr(n)
			zeroTail -= n
		}
	}

	return nil
}
