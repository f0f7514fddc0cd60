package modelstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockProvider is a scripted local stand-in used when the bridge runs
// without model credentials. It greets the caller and answers every batch of
// audio with a canned exchange, exercising the full turn pipeline.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartStream(_ context.Context, cfg SessionConfig) (Stream, error) {
	s := &mockStream{events: make(chan Event, 256), done: make(chan struct{})}
	s.emitTextTurn("ASSISTANT", fmt.Sprintf("Hello! This is a simulated session for voice %s. Say something and I will echo a reply.", cfg.VoiceID))
	return s, nil
}

type mockStream struct {
	mu     sync.Mutex
	events chan Event
	done   chan struct{}
	closed bool
	chunks int
	turns  int
}

func (s *mockStream) EnqueueAudioInput(chunks []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.chunks += len(chunks)
	// Pretend roughly two seconds of audio make an utterance.
	if s.chunks < 40 {
		return
	}
	s.chunks = 0
	s.turns++
	s.emitTextTurnLocked("USER", fmt.Sprintf("Simulated user utterance number %d.", s.turns))
	s.emitTextTurnLocked("ASSISTANT", fmt.Sprintf("Thanks, I heard utterance number %d. What else?", s.turns))
	s.emitAudioSegmentLocked()
}

func (s *mockStream) emitTextTurn(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitTextTurnLocked(role, text)
}

func (s *mockStream) emitTextTurnLocked(role, text string) {
	id := uuid.NewString()
	s.pushLocked(Event{ContentStart: &ContentStart{
		ContentID:             id,
		Role:                  role,
		Type:                  ContentTypeText,
		AdditionalModelFields: `{"generationStage":"FINAL"}`,
	}})
	s.pushLocked(Event{TextOutput: &TextOutput{ContentID: id, Role: role, Content: text}})
	s.pushLocked(Event{ContentEnd: &ContentEnd{ContentID: id, Type: ContentTypeText, StopReason: StopReasonEndTurn}})
}

func (s *mockStream) emitAudioSegmentLocked() {
	id := uuid.NewString()
	for i := 0; i < 12; i++ {
		s.pushLocked(Event{AudioOutput: &AudioOutput{Content: "AAAA"}})
	}
	s.pushLocked(Event{ContentEnd: &ContentEnd{ContentID: id, Type: ContentTypeAudio, StopReason: "PARTIAL_TURN"}})
}

func (s *mockStream) pushLocked(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	default:
	}
}

func (s *mockStream) Events() <-chan Event { return s.events }

func (s *mockStream) ExecuteToolAndSendResult(context.Context, string, string, string) error {
	return nil
}

func (s *mockStream) Err() error { return nil }

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.events)
	return nil
}
