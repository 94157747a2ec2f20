package audio

// Framer re-chunks arbitrary-length PCM16 writes into fixed-size frames.
// Capture devices deliver whatever buffer size the driver prefers; the wire
// wants exactly one frame per [FrameDuration]. Not safe for concurrent use;
// feed it from a single goroutine.
type Framer struct {
	frameBytes int
	buf        []byte
	emit       func(pcm []byte)
}

// NewFramer creates a Framer that emits frames sized for sampleRate. The
// emit callback receives a slice that is reused between calls; callers that
// retain the frame must copy it.
func NewFramer(sampleRate int, emit func(pcm []byte)) *Framer {
	n := FrameBytes(sampleRate)
	return &Framer{
		frameBytes: n,
		buf:        make([]byte, 0, n*2),
		emit:       emit,
	}
}

// Write appends pcm to the pending buffer and emits as many complete frames
// as are now available.
func (f *Framer) Write(pcm []byte) {
	f.buf = append(f.buf, pcm...)
	for len(f.buf) >= f.frameBytes {
		f.emit(f.buf[:f.frameBytes])
		f.buf = f.buf[:copy(f.buf, f.buf[f.frameBytes:])]
	}
}

// Flush emits any buffered partial frame, zero-padded to a full frame.
// Call once when the capture stream ends.
func (f *Framer) Flush() {
	if len(f.buf) == 0 {
		return
	}
	frame := make([]byte, f.frameBytes)
	copy(frame, f.buf)
	f.buf = f.buf[:0]
	f.emit(frame)
}

// Pending returns the number of buffered bytes not yet emitted.
func (f *Framer) Pending() int {
	return len(f.buf)
}
