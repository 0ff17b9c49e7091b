package audio

// Chunker re-slices an arbitrary-length byte stream into fixed-size frames.
// Speech engines emit audio in whatever chunk sizes their transport favors;
// the telephony leg wants exact cadence frames. Push buffers the remainder
// between calls so frame boundaries survive chunk boundaries.
//
// A Chunker is not safe for concurrent use; each stream gets its own.
type Chunker struct {
	size int
	buf  []byte
}

// NewChunker returns a Chunker producing frames of size bytes.
func NewChunker(size int) *Chunker {
	return &Chunker{size: size}
}

// Push appends p to the buffered remainder and returns every complete frame
// now available, in order. Returned frames are freshly allocated and safe
// to retain.
func (c *Chunker) Push(p []byte) [][]byte {
	c.buf = append(c.buf, p...)
	if len(c.buf) < c.size {
		return nil
	}
	n := len(c.buf) / c.size
	frames := make([][]byte, 0, n)
	for i := range n {
		frame := make([]byte, c.size)
		copy(frame, c.buf[i*c.size:])
		frames = append(frames, frame)
	}
	c.buf = c.buf[:copy(c.buf, c.buf[n*c.size:])]
	return frames
}

// Pending reports buffered bytes not yet forming a complete frame.
func (c *Chunker) Pending() int { return len(c.buf) }

// Reset discards the buffered remainder. Used when playback is cut short
// and partial audio must not leak into the next turn.
func (c *Chunker) Reset() { c.buf = c.buf[:0] }
