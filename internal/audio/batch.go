package audio

import "sync"

const (
	// DefaultLowWater is the queue depth that triggers a flush. Playback on
	// the client side tends to be choppy without batching.
	DefaultLowWater = 10
	// DefaultHighWater caps the chunks drained into a single batch.
	DefaultHighWater = 20
)

// EmitFunc receives one numbered batch of audio chunks.
type EmitFunc func(blobs []string, sequence int) error

// BatchSequencer accumulates opaque audio chunks and flushes them as numbered
// batches. Sequences start at 0 and increment by exactly 1 per emitted batch.
// One instance exists per direction per stream run; never reuse across runs.
type BatchSequencer struct {
	mu    sync.Mutex
	queue []string
	seq   int
	low   int
	high  int
	emit  EmitFunc
}

func NewBatchSequencer(low, high int, emit EmitFunc) *BatchSequencer {
	if low <= 0 {
		low = DefaultLowWater
	}
	if high <= low {
		high = low * 2
	}
	return &BatchSequencer{low: low, high: high, emit: emit}
}

// Enqueue appends a chunk and flushes one batch once more than the low-water
// mark is queued. At most high-water chunks leave in a single batch; the
// remainder stays queued for the next call.
func (s *BatchSequencer) Enqueue(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, chunk)
	if len(s.queue) <= s.low {
		return nil
	}

	n := len(s.queue)
	if n > s.high {
		n = s.high
	}
	return s.emitLocked(n)
}

// ForceDrain flushes everything and always emits, even a zero-length batch,
// so the receiver can flush partial playback buffers at stream boundaries.
func (s *BatchSequencer) ForceDrain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(len(s.queue))
}

func (s *BatchSequencer) emitLocked(n int) error {
	blobs := make([]string, n)
	copy(blobs, s.queue[:n])
	s.queue = s.queue[n:]

	seq := s.seq
	s.seq++
	return s.emit(blobs, seq)
}
