package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that stores Printf
// output until an output sink is registered. It must be a power of 2.
const ringBufferSize = 4096

// ringBuffer buffers kernel log output emitted before the console subsystem
// comes up. Once full, the oldest data is overwritten.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
	full           bool
}

// Write appends p to the ring buffer, discarding the oldest bytes on overflow.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.full {
			rb.rIndex = rb.wIndex
		}
		if rb.rIndex == rb.wIndex {
			rb.full = true
		}
	}

	return len(p), nil
}

// Read reads up to len(p) buffered bytes into p.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	if rb.rIndex == rb.wIndex && !rb.full {
		return 0, io.EOF
	}

	for n < len(p) {
		p[n] = rb.buffer[rb.rIndex]
		rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		rb.full = false
		n++
		if rb.rIndex == rb.wIndex {
			break
		}
	}

	return n, nil
}
