package callmgr

import "sync"

const (
	// chunkBytes is 20ms of 8kHz 16-bit mono audio.
	chunkBytes = 320
	// maxChunks caps the outbound buffer at ~50s of speech. Beyond that the
	// oldest audio is dropped; a stalled playback path must not grow memory.
	maxChunks = 2500
)

// audioQueue buffers the model's response audio until the turn completes and
// playback starts. Barge-in flushes it.
type audioQueue struct {
	mu     sync.Mutex
	chunks [][]byte
}

func newAudioQueue() *audioQueue {
	return &audioQueue{}
}

// Push splits pcm into fixed-size chunks and appends them, dropping from the
// front when full.
func (q *audioQueue) Push(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := make([]byte, end-off)
		copy(chunk, pcm[off:end])
		q.chunks = append(q.chunks, chunk)
	}
	if over := len(q.chunks) - maxChunks; over > 0 {
		q.chunks = q.chunks[over:]
	}
}

// Drain returns everything buffered as one contiguous buffer and empties the
// queue.
func (q *audioQueue) Drain() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	var total int
	for _, c := range q.chunks {
		total += len(c)
	}
	if total == 0 {
		q.chunks = nil
		return nil
	}
	out := make([]byte, 0, total)
	for _, c := range q.chunks {
		out = append(out, c...)
	}
	q.chunks = nil
	return out
}

// Flush discards everything buffered.
func (q *audioQueue) Flush() {
	q.mu.Lock()
	q.chunks = nil
	q.mu.Unlock()
}

func (q *audioQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}
