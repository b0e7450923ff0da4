package audio

import (
	"sync"
)

// Buffer is a thread-safe jitter buffer for synthesized audio.
// It becomes ready once the buffered byte count reaches the prebuffer
// threshold or the producer marks it finished.
type Buffer struct {
	chunks    [][]byte
	total     int
	finished  bool
	prebuffer int
	mu        sync.Mutex
}

// NewBuffer creates a new buffer with the specified prebuffer threshold in bytes
func NewBuffer(prebuffer int) *Buffer {
	return &Buffer{
		prebuffer: prebuffer,
	}
}

// Add appends a chunk to the buffer. Empty chunks are ignored.
func (b *Buffer) Add(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.total += len(chunk)
}

// MarkFinished records that no more chunks will arrive for the current utterance
func (b *Buffer) MarkFinished() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
}

// IsReady returns true when enough audio is buffered or the producer is finished
func (b *Buffer) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isReady()
}

func (b *Buffer) isReady() bool {
	return b.total >= b.prebuffer || b.finished
}

// Drain returns all buffered audio as one payload and empties the buffer.
// Returns nil when the buffer is not ready or holds nothing.
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isReady() || len(b.chunks) == 0 {
		return nil
	}

	out := make([]byte, 0, b.total)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	b.chunks = nil
	b.total = 0

	return out
}

// Done returns true when the producer is finished and everything has been drained
func (b *Buffer) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished && len(b.chunks) == 0
}

// Len returns the number of buffered bytes
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Reset clears the buffer for a new utterance
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = nil
	b.total = 0
	b.finished = false
}
