package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"

	"github.com/solvertalk/sonicbridge/internal/channel"
	"github.com/solvertalk/sonicbridge/internal/modelstream"
	"github.com/solvertalk/sonicbridge/internal/observability"
	"github.com/solvertalk/sonicbridge/internal/protocol"
	"github.com/solvertalk/sonicbridge/internal/session"
)

type scriptedStream struct {
	mu       sync.Mutex
	events   chan modelstream.Event
	received [][]string
	tools    []string
	once     sync.Once

	// fail is reported by Err once the script ends. Set before the stream
	// is handed to the orchestrator.
	fail error
}

func newScriptedStream(evs ...modelstream.Event) *scriptedStream {
	s := &scriptedStream{events: make(chan modelstream.Event, len(evs)+16)}
	for _, ev := range evs {
		s.events <- ev
	}
	return s
}

// finish ends the script, standing in for the remote side closing the stream.
func (s *scriptedStream) finish() {
	s.once.Do(func() { close(s.events) })
}

func (s *scriptedStream) EnqueueAudioInput(chunks []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(chunks))
	copy(cp, chunks)
	s.received = append(s.received, cp)
}

func (s *scriptedStream) inputs() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.received))
	copy(out, s.received)
	return out
}

func (s *scriptedStream) Events() <-chan modelstream.Event { return s.events }

func (s *scriptedStream) ExecuteToolAndSendResult(_ context.Context, _, toolName, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, toolName)
	return nil
}

func (s *scriptedStream) Err() error { return s.fail }

func (s *scriptedStream) Close() error {
	s.finish()
	return nil
}

type fakeProvider struct {
	mu      sync.Mutex
	streams []*scriptedStream
	calls   int
}

func (p *fakeProvider) StartStream(_ context.Context, _ modelstream.SessionConfig) (modelstream.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.streams) == 0 {
		return nil, errors.New("no scripted stream left")
	}
	s := p.streams[0]
	p.streams = p.streams[1:]
	return s, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingStore struct {
	mu      sync.Mutex
	ids     []string
	entries []pair
}

func (s *recordingStore) AppendEntry(_ context.Context, externalID, question, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, externalID)
	s.entries = append(s.entries, pair{question, answer})
	return nil
}

func (s *recordingStore) Close() error { return nil }

func (s *recordingStore) pairs() []pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pair, len(s.entries))
	copy(out, s.entries)
	return out
}

type clientRecorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (r *clientRecorder) attach(t *testing.T, hub *channel.MemoryHub, path string) {
	t.Helper()
	ch, err := hub.Connect(context.Background(), path)
	if err != nil {
		t.Fatalf("recorder connect: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	if err := ch.Subscribe(func(env protocol.Envelope) {
		if env.Direction != protocol.DirectionModelToClient {
			return
		}
		r.mu.Lock()
		r.envs = append(r.envs, env)
		r.mu.Unlock()
	}, nil); err != nil {
		t.Fatalf("recorder subscribe: %v", err)
	}
}

func (r *clientRecorder) count(kind protocol.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.envs {
		if env.Event == kind {
			n++
		}
	}
	return n
}

func textTurn(id, role, text, stage, stopReason string) []modelstream.Event {
	return []modelstream.Event{
		{ContentStart: &modelstream.ContentStart{
			ContentID:             id,
			Role:                  role,
			Type:                  modelstream.ContentTypeText,
			AdditionalModelFields: fmt.Sprintf(`{"generationStage":%q}`, stage),
		}},
		{TextOutput: &modelstream.TextOutput{ContentID: id, Role: role, Content: text}},
		{ContentEnd: &modelstream.ContentEnd{ContentID: id, Type: modelstream.ContentTypeText, StopReason: stopReason}},
	}
}

func newTestOrchestrator(hub *channel.MemoryHub, provider *fakeProvider, store *recordingStore, cfg Config) *Orchestrator {
	metrics := observability.NewMetrics(fmt.Sprintf("sonicbridge_test_%d", time.Now().UnixNano()))
	return New(hub, provider, store, session.NewManager(time.Minute), metrics, observability.NewStageWindow(32), cfg)
}

func testConfig() Config {
	return Config{
		ReadyInterval:        10 * time.Millisecond,
		ReadyTimeout:         5 * time.Second,
		SubscribeSettleDelay: -1,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestOrchestratorBridgesModelOutputAndSavesPairs(t *testing.T) {
	var evs []modelstream.Event
	evs = append(evs, textTurn("c1", "USER", "hi", "FINAL", "")...)
	evs = append(evs, textTurn("c2", "ASSISTANT", "What is your name?", "FINAL", "END_TURN")...)
	evs = append(evs,
		modelstream.Event{AudioOutput: &modelstream.AudioOutput{Content: "b64-one"}},
		modelstream.Event{AudioOutput: &modelstream.AudioOutput{Content: "b64-two"}},
		modelstream.Event{ContentEnd: &modelstream.ContentEnd{ContentID: "c3", Type: modelstream.ContentTypeAudio}},
	)
	evs = append(evs, textTurn("c4", "USER", "I am Ada.", "FINAL", "")...)
	evs = append(evs, textTurn("c5", "ASSISTANT", "Nice.", "FINAL", "END_TURN")...)

	stream := newScriptedStream(evs...)
	stream.finish()
	provider := &fakeProvider{streams: []*scriptedStream{stream}}
	store := &recordingStore{}
	hub := channel.NewMemoryHub()
	rec := &clientRecorder{}
	rec.attach(t, hub, "/nova-sonic-voice/user/u1/s1")

	o := newTestOrchestrator(hub, provider, store, testConfig())
	err := o.Run(context.Background(), RunParams{
		SessionID:  "s1",
		UserID:     "u1",
		ExternalID: "ext-1",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := rec.count(protocol.KindTextStart); got != 4 {
		t.Fatalf("textStart events = %d, want 4", got)
	}
	if got := rec.count(protocol.KindTextOutput); got != 4 {
		t.Fatalf("textOutput events = %d, want 4", got)
	}
	if got := rec.count(protocol.KindAudioOutput); got != 1 {
		t.Fatalf("audioOutput events = %d, want 1", got)
	}
	if got := rec.count(protocol.KindEnd); got != 1 {
		t.Fatalf("end events = %d, want 1", got)
	}

	pairs := store.pairs()
	if len(pairs) != 1 {
		t.Fatalf("saved pairs = %d, want 1", len(pairs))
	}
	if pairs[0].q != "What is your name?" || pairs[0].a != "I am Ada." {
		t.Fatalf("pair = %+v", pairs[0])
	}
	if store.ids[0] != "ext-1" {
		t.Fatalf("external id = %q, want ext-1", store.ids[0])
	}
}

func TestOrchestratorTerminateSessionEndsRun(t *testing.T) {
	stream := newScriptedStream()
	provider := &fakeProvider{streams: []*scriptedStream{stream}}
	hub := channel.NewMemoryHub()
	rec := &clientRecorder{}
	rec.attach(t, hub, "/nova-sonic-voice/user/u1/s1")

	o := newTestOrchestrator(hub, provider, &recordingStore{}, testConfig())
	done := make(chan error, 1)
	go func() {
		done <- o.Run(context.Background(), RunParams{SessionID: "s1", UserID: "u1"})
	}()

	waitFor(t, func() bool { return provider.callCount() == 1 }, "stream start")
	if err := hub.PublishClient("/nova-sonic-voice/user/u1/s1", protocol.KindTerminateSession, protocol.TerminateSession{}); err != nil {
		t.Fatalf("PublishClient() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not finish after terminateSession")
	}
	if got := rec.count(protocol.KindEnd); got != 1 {
		t.Fatalf("end events = %d, want 1", got)
	}
}

func TestOrchestratorReordersClientAudio(t *testing.T) {
	stream := newScriptedStream()
	provider := &fakeProvider{streams: []*scriptedStream{stream}}
	hub := channel.NewMemoryHub()
	path := "/nova-sonic-voice/user/u1/s1"

	o := newTestOrchestrator(hub, provider, &recordingStore{}, testConfig())
	done := make(chan error, 1)
	go func() {
		done <- o.Run(context.Background(), RunParams{SessionID: "s1", UserID: "u1"})
	}()
	waitFor(t, func() bool { return provider.callCount() == 1 }, "stream start")

	// Second batch lands first; delivery must still follow the sequence.
	if err := hub.PublishClient(path, protocol.KindAudioInput, protocol.AudioInput{Blobs: []string{"late"}, Sequence: 1}); err != nil {
		t.Fatalf("PublishClient() error = %v", err)
	}
	if err := hub.PublishClient(path, protocol.KindAudioInput, protocol.AudioInput{Blobs: []string{"early"}, Sequence: 0}); err != nil {
		t.Fatalf("PublishClient() error = %v", err)
	}

	waitFor(t, func() bool { return len(stream.inputs()) == 2 }, "audio delivery")
	got := stream.inputs()
	if got[0][0] != "early" || got[1][0] != "late" {
		t.Fatalf("delivery order = %v, want early then late", got)
	}

	hub.PublishClient(path, protocol.KindTerminateSession, protocol.TerminateSession{})
	<-done
}

func TestOrchestratorResumesAfterSoftCap(t *testing.T) {
	var evs []modelstream.Event
	evs = append(evs, textTurn("c1", "USER", "hi", "FINAL", "")...)
	evs = append(evs, textTurn("c2", "ASSISTANT", "Still there?", "FINAL", "END_TURN")...)
	first := newScriptedStream(evs...)
	second := newScriptedStream()
	second.finish()
	provider := &fakeProvider{streams: []*scriptedStream{first, second}}
	hub := channel.NewMemoryHub()
	rec := &clientRecorder{}
	rec.attach(t, hub, "/nova-sonic-voice/user/u1/s1")

	cfg := testConfig()
	cfg.ResumeAfterMin = time.Nanosecond
	cfg.ResumeAfterMax = 2 * time.Nanosecond
	o := newTestOrchestrator(hub, provider, &recordingStore{}, cfg)
	o.randFloat = func() float64 { return 0 }

	if err := o.Run(context.Background(), RunParams{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := provider.callCount(); got != 2 {
		t.Fatalf("stream starts = %d, want 2", got)
	}
	// Resumption stays invisible to the client: one session, one end event.
	if got := rec.count(protocol.KindEnd); got != 1 {
		t.Fatalf("end events = %d, want 1", got)
	}
}

func TestOrchestratorEndsWhenClientNeverArrives(t *testing.T) {
	stream := newScriptedStream()
	provider := &fakeProvider{streams: []*scriptedStream{stream}}
	hub := channel.NewMemoryHub()
	rec := &clientRecorder{}
	rec.attach(t, hub, "/nova-sonic-voice/user/u1/s1")

	cfg := testConfig()
	cfg.ReadyTimeout = 50 * time.Millisecond
	o := newTestOrchestrator(hub, provider, &recordingStore{}, cfg)

	if err := o.Run(context.Background(), RunParams{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := rec.count(protocol.KindReady); got < 1 {
		t.Fatalf("ready events = %d, want at least 1", got)
	}
	if got := rec.count(protocol.KindEnd); got != 1 {
		t.Fatalf("end events = %d, want 1", got)
	}
}

func TestOrchestratorRejectsDuplicateSession(t *testing.T) {
	stream := newScriptedStream()
	provider := &fakeProvider{streams: []*scriptedStream{stream}}
	hub := channel.NewMemoryHub()
	path := "/nova-sonic-voice/user/u1/s1"

	o := newTestOrchestrator(hub, provider, &recordingStore{}, testConfig())
	done := make(chan error, 1)
	go func() {
		done <- o.Run(context.Background(), RunParams{SessionID: "s1", UserID: "u1"})
	}()
	waitFor(t, func() bool { return provider.callCount() == 1 }, "stream start")

	if err := o.Run(context.Background(), RunParams{SessionID: "s1", UserID: "u1"}); !errors.Is(err, session.ErrActive) {
		t.Fatalf("duplicate Run() error = %v, want ErrActive", err)
	}

	hub.PublishClient(path, protocol.KindTerminateSession, protocol.TerminateSession{})
	<-done
}

func TestSessionRunBuffersAndReplaysOnce(t *testing.T) {
	run := newSessionRun(2, 0)
	run.onAudioBatch([]string{"a"}, 0)
	run.onAudioBatch([]string{"b"}, 1)
	run.onAudioBatch([]string{"dropped"}, 2)

	stream := newScriptedStream()
	run.attach(stream)
	if got := stream.inputs(); len(got) != 2 {
		t.Fatalf("replayed groups = %d, want 2", len(got))
	}

	run.detach()
	next := newScriptedStream()
	run.attach(next)
	if got := next.inputs(); len(got) != 0 {
		t.Fatalf("second attach replayed %d groups, want 0", len(got))
	}
}

func TestOrchestratorConcatenatesTextDeltas(t *testing.T) {
	var evs []modelstream.Event
	evs = append(evs, textTurn("c1", "USER", "Hello.", "FINAL", "")...)
	// The question arrives split mid-word across two deltas.
	evs = append(evs,
		modelstream.Event{ContentStart: &modelstream.ContentStart{
			ContentID:             "c2",
			Role:                  "ASSISTANT",
			Type:                  modelstream.ContentTypeText,
			AdditionalModelFields: `{"generationStage":"FINAL"}`,
		}},
		modelstream.Event{TextOutput: &modelstream.TextOutput{ContentID: "c2", Role: "ASSISTANT", Content: "What is your sur"}},
		modelstream.Event{TextOutput: &modelstream.TextOutput{ContentID: "c2", Role: "ASSISTANT", Content: "name?"}},
		modelstream.Event{ContentEnd: &modelstream.ContentEnd{ContentID: "c2", Type: modelstream.ContentTypeText, StopReason: "END_TURN"}},
	)
	evs = append(evs, textTurn("c3", "USER", "Smith.", "FINAL", "")...)
	evs = append(evs, textTurn("c4", "ASSISTANT", "Thanks.", "FINAL", "END_TURN")...)

	stream := newScriptedStream(evs...)
	stream.finish()
	provider := &fakeProvider{streams: []*scriptedStream{stream}}
	store := &recordingStore{}
	hub := channel.NewMemoryHub()

	o := newTestOrchestrator(hub, provider, store, testConfig())
	if err := o.Run(context.Background(), RunParams{SessionID: "s1", UserID: "u1", ExternalID: "ext-1"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	pairs := store.pairs()
	if len(pairs) != 1 {
		t.Fatalf("saved pairs = %d, want 1", len(pairs))
	}
	if pairs[0].q != "What is your surname?" {
		t.Fatalf("question = %q, want %q", pairs[0].q, "What is your surname?")
	}
	if pairs[0].a != "Smith." {
		t.Fatalf("answer = %q, want %q", pairs[0].a, "Smith.")
	}
}

func TestOrchestratorResumesAfterTransientStreamFault(t *testing.T) {
	var evs []modelstream.Event
	evs = append(evs, textTurn("c1", "USER", "hi", "FINAL", "")...)
	first := newScriptedStream(evs...)
	first.fail = &smithy.GenericAPIError{Code: "modelStreamErrorException", Message: "stream reset"}
	first.finish()
	second := newScriptedStream()
	second.finish()
	provider := &fakeProvider{streams: []*scriptedStream{first, second}}
	hub := channel.NewMemoryHub()
	rec := &clientRecorder{}
	rec.attach(t, hub, "/nova-sonic-voice/user/u1/s1")

	o := newTestOrchestrator(hub, provider, &recordingStore{}, testConfig())
	if err := o.Run(context.Background(), RunParams{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := provider.callCount(); got != 2 {
		t.Fatalf("stream starts = %d, want 2", got)
	}
	// The reopened stream is invisible to the client: one session, one end.
	if got := rec.count(protocol.KindEnd); got != 1 {
		t.Fatalf("end events = %d, want 1", got)
	}
}

func TestOrchestratorFailsOnFatalStreamError(t *testing.T) {
	stream := newScriptedStream()
	stream.fail = &smithy.GenericAPIError{Code: "ValidationException", Message: "bad request"}
	stream.finish()
	provider := &fakeProvider{streams: []*scriptedStream{stream}}
	hub := channel.NewMemoryHub()

	o := newTestOrchestrator(hub, provider, &recordingStore{}, testConfig())
	err := o.Run(context.Background(), RunParams{SessionID: "s1", UserID: "u1"})
	if err == nil {
		t.Fatal("Run() error = nil, want failure on non-retryable stream error")
	}
	if got := provider.callCount(); got != 1 {
		t.Fatalf("stream starts = %d, want 1", got)
	}
}

func TestOrchestratorStreamDoubleCloseKeepsSingleEnd(t *testing.T) {
	stream := newScriptedStream()
	stream.finish()
	provider := &fakeProvider{streams: []*scriptedStream{stream}}
	hub := channel.NewMemoryHub()
	rec := &clientRecorder{}
	rec.attach(t, hub, "/nova-sonic-voice/user/u1/s1")

	o := newTestOrchestrator(hub, provider, &recordingStore{}, testConfig())
	if err := o.Run(context.Background(), RunParams{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The run already closed the stream on its way out.
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if got := rec.count(protocol.KindEnd); got != 1 {
		t.Fatalf("end events = %d, want 1", got)
	}
}

func TestOrchestratorKeepsSessionAfterReadyTimeoutWhenConfigured(t *testing.T) {
	stream := newScriptedStream()
	provider := &fakeProvider{streams: []*scriptedStream{stream}}
	hub := channel.NewMemoryHub()
	path := "/nova-sonic-voice/user/u1/s1"

	cfg := testConfig()
	cfg.ReadyTimeout = 20 * time.Millisecond
	cfg.KeepAliveOnReadyTimeout = true
	o := newTestOrchestrator(hub, provider, &recordingStore{}, cfg)

	done := make(chan error, 1)
	go func() {
		done <- o.Run(context.Background(), RunParams{SessionID: "s1", UserID: "u1"})
	}()
	waitFor(t, func() bool { return provider.callCount() == 1 }, "stream start")

	// Well past the ready timeout the session must still be live.
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Run ended after ready timeout: %v", err)
	default:
	}

	if err := hub.PublishClient(path, protocol.KindTerminateSession, protocol.TerminateSession{}); err != nil {
		t.Fatalf("PublishClient() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not finish after terminateSession")
	}
}

func TestOrchestratorExecutesTools(t *testing.T) {
	evs := []modelstream.Event{
		{ToolUse: &modelstream.ToolUse{ContentID: "c1", ToolUseID: "t1", ToolName: "getDateTool", Content: "{}"}},
		{ContentEnd: &modelstream.ContentEnd{ContentID: "c1", Type: modelstream.ContentTypeTool}},
	}
	stream := newScriptedStream(evs...)
	stream.finish()
	provider := &fakeProvider{streams: []*scriptedStream{stream}}
	hub := channel.NewMemoryHub()

	o := newTestOrchestrator(hub, provider, &recordingStore{}, testConfig())
	if err := o.Run(context.Background(), RunParams{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(stream.tools) != 1 || stream.tools[0] != "getDateTool" {
		t.Fatalf("tools executed = %v, want [getDateTool]", stream.tools)
	}
}
