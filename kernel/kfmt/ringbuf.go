package kfmt

import "io"

// ringBufferSize defines the number of bytes of early output that are retained
// before an output sink is attached. Older output is overwritten.
const ringBufferSize = 16 * 1024

// ringBuffer captures log output before an output sink is attached. Once the
// buffer fills up, new writes overwrite the oldest bytes.
type ringBuffer struct {
	buffer []byte

	// start is the index of the oldest byte; size the number of valid bytes.
	start, size int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buffer: make([]byte, capacity)}
}

// Write appends p to the buffer, dropping the oldest bytes when full.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	capacity := len(rb.buffer)
	for _, b := range p {
		rb.buffer[(rb.start+rb.size)%capacity] = b
		if rb.size == capacity {
			rb.start = (rb.start + 1) % capacity
		} else {
			rb.size++
		}
	}

	return len(p), nil
}

// Len returns the number of buffered bytes.
func (rb *ringBuffer) Len() int { return rb.size }

// WriteTo drains the buffered bytes into w in the order they were written.
func (rb *ringBuffer) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for rb.size > 0 {
		end := rb.start + rb.size
		if end > len(rb.buffer) {
			end = len(rb.buffer)
		}

		n, err := w.Write(rb.buffer[rb.start:end])
		written += int64(n)
		rb.start = (rb.start + n) % len(rb.buffer)
		rb.size -= n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
