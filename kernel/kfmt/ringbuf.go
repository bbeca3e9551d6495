package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that holds early Printf
// output. The default size is enough to buffer the contents of a standard
// 80*25 text-mode console. The ring buffer size must always be a power of 2.
const ringBufferSize = 2048

// ringBuffer buffers the output of Printf until a console sink is
// registered. Once the buffer fills up, each write overwrites the oldest
// buffered byte.
type ringBuffer struct {
	data [ringBufferSize]byte

	// start indexes the oldest buffered byte; used counts the bytes
	// currently buffered.
	start, used int
}

// Write appends len(p) bytes from p to the ring buffer, overwriting the
// oldest data when the buffer is full. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[(rb.start+rb.used)&(ringBufferSize-1)] = b
		if rb.used == ringBufferSize {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
		} else {
			rb.used++
		}
	}

	return len(p), nil
}

// Read copies up to len(p) of the oldest buffered bytes into p. It returns
// io.EOF once the buffer has been fully drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.used == 0 {
		return 0, io.EOF
	}

	var n int
	for n < len(p) && rb.used > 0 {
		p[n] = rb.data[rb.start]
		rb.start = (rb.start + 1) & (ringBufferSize - 1)
		rb.used--
		n++
	}

	return n, nil
}
