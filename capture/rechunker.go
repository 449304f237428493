package capture

// Rechunker regroups device buffers of any size into QuantumFrames-sized
// quanta. It keeps one fixed buffer and never allocates after construction.
// Not safe for concurrent use; a device calls it from its audio thread only.
type Rechunker struct {
	buf  [QuantumFrames]float32
	n    int
	emit func(quantum []float32)
}

func NewRechunker(emit func(quantum []float32)) *Rechunker {
	return &Rechunker{emit: emit}
}

func (r *Rechunker) Write(samples []float32) {
	for len(samples) > 0 {
		c := copy(r.buf[r.n:], samples)
		r.n += c
		samples = samples[c:]
		if r.n == QuantumFrames {
			r.emit(r.buf[:])
			r.n = 0
		}
	}
}

// Pending is the number of buffered frames not yet emitted.
func (r *Rechunker) Pending() int {
	return r.n
}

func (r *Rechunker) Reset() {
	r.n = 0
}
