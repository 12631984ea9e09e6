package playback

// ringBuffer is a fixed-size float32 FIFO. It is not goroutine-safe,
// the owning Stream serializes access.
type ringBuffer struct {
	buf     []float32
	readPos int
	count   int
}

func (r *ringBuffer) init(size int) {
	r.buf = make([]float32, size)
}

func (r *ringBuffer) occupancy() int {
	return r.count
}

// write appends samples, discarding the oldest ones when the buffer
// is full. It reports whether anything was discarded.
func (r *ringBuffer) write(samples []float32) bool {
	overflowed := false

	if len(samples) > len(r.buf) {
		samples = samples[len(samples)-len(r.buf):]
		overflowed = true
	}

	excess := r.count + len(samples) - len(r.buf)
	if excess > 0 {
		r.readPos = (r.readPos + excess) % len(r.buf)
		r.count -= excess
		overflowed = true
	}

	writePos := (r.readPos + r.count) % len(r.buf)
	n := copy(r.buf[writePos:], samples)
	copy(r.buf, samples[n:])
	r.count += len(samples)

	return overflowed
}

// read fills out and reports whether enough samples were available.
// On a short buffer nothing is consumed.
func (r *ringBuffer) read(out []float32) bool {
	if r.count < len(out) {
		return false
	}

	n := copy(out, r.buf[r.readPos:])
	copy(out[n:], r.buf)

	r.readPos = (r.readPos + len(out)) % len(r.buf)
	r.count -= len(out)
	return true
}
