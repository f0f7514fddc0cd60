package audio

import "sync"

// DefaultMaxSkipWait is how many batches may arrive while an expected
// sequence is missing before the gap is abandoned. A visible gap in playback
// beats a stalled session.
const DefaultMaxSkipWait = 3

// ReassemblySequencer re-orders inbound audio batches by sequence number and
// releases their chunks strictly in ascending order. A fresh instance is
// created per stream run with the expected sequence reset to 0.
type ReassemblySequencer struct {
	mu          sync.Mutex
	pending     map[int][]string
	next        int
	stalled     int
	maxSkipWait int
	deliver     func(chunks []string)
}

func NewReassemblySequencer(maxSkipWait int, deliver func(chunks []string)) *ReassemblySequencer {
	if maxSkipWait <= 0 {
		maxSkipWait = DefaultMaxSkipWait
	}
	return &ReassemblySequencer{
		pending:     make(map[int][]string),
		maxSkipWait: maxSkipWait,
		deliver:     deliver,
	}
}

// OnBatch buffers one batch and releases every consecutively-numbered batch
// now available. Batches older than the release point are dropped; a
// duplicate pending sequence is overwritten. If the expected sequence stays
// missing while maxSkipWait newer batches arrive, the release point jumps to
// the lowest pending sequence.
func (s *ReassemblySequencer) OnBatch(chunks []string, sequence int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sequence < s.next {
		return
	}
	s.pending[sequence] = chunks
	s.releaseLocked()

	if len(s.pending) == 0 {
		s.stalled = 0
		return
	}
	s.stalled++
	if s.stalled <= s.maxSkipWait {
		return
	}

	lowest := -1
	for seq := range s.pending {
		if lowest < 0 || seq < lowest {
			lowest = seq
		}
	}
	s.next = lowest
	s.stalled = 0
	s.releaseLocked()
}

func (s *ReassemblySequencer) releaseLocked() {
	for {
		chunks, ok := s.pending[s.next]
		if !ok {
			return
		}
		delete(s.pending, s.next)
		s.next++
		s.stalled = 0
		if s.deliver != nil {
			s.deliver(chunks)
		}
	}
}
