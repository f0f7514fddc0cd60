package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/solvertalk/sonicbridge/internal/audio"
	"github.com/solvertalk/sonicbridge/internal/channel"
	"github.com/solvertalk/sonicbridge/internal/modelstream"
	"github.com/solvertalk/sonicbridge/internal/observability"
	"github.com/solvertalk/sonicbridge/internal/protocol"
	"github.com/solvertalk/sonicbridge/internal/reliability"
	"github.com/solvertalk/sonicbridge/internal/session"
	"github.com/solvertalk/sonicbridge/internal/transcript"
)

// Config tunes one orchestrator. Zero values fall back to production
// defaults.
type Config struct {
	// Namespace is the leading path segment of every session channel.
	Namespace string

	LowWatermark  int
	HighWatermark int
	MaxSkipWait   int

	// HardSessionCap bounds the whole session from invocation; the soft cap
	// for each stream run is drawn from [ResumeAfterMin, ResumeAfterMax).
	HardSessionCap time.Duration
	ResumeAfterMin time.Duration
	ResumeAfterMax time.Duration

	// ReadyInterval paces the ready heartbeat published until the client's
	// first event; ReadyTimeout gives up on a client that never shows.
	ReadyInterval time.Duration
	ReadyTimeout  time.Duration

	// SubscribeSettleDelay lets the subscription propagate through the
	// pub/sub fabric before the model stream opens.
	SubscribeSettleDelay time.Duration

	// KeepAliveOnReadyTimeout leaves the session running after the ready
	// heartbeat gives up, so a slow client can still join.
	KeepAliveOnReadyTimeout bool

	ReplayBufferLimit int
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "nova-sonic-voice"
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = audio.DefaultLowWater
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = audio.DefaultHighWater
	}
	if c.MaxSkipWait <= 0 {
		c.MaxSkipWait = audio.DefaultMaxSkipWait
	}
	if c.HardSessionCap <= 0 {
		c.HardSessionCap = 10 * time.Minute
	}
	if c.ResumeAfterMin <= 0 {
		c.ResumeAfterMin = 2 * time.Minute
	}
	if c.ResumeAfterMax <= c.ResumeAfterMin {
		c.ResumeAfterMax = c.ResumeAfterMin + 330*time.Second
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = time.Minute
	}
	if c.SubscribeSettleDelay < 0 {
		c.SubscribeSettleDelay = 0
	}
	if c.ReplayBufferLimit <= 0 {
		c.ReplayBufferLimit = 256
	}
	return c
}

// ErrClientTimeout reports a session whose client never published an event.
var ErrClientTimeout = errors.New("client produced no events before the ready timeout")

// Orchestrator bridges one pub/sub channel per session with a bidirectional
// speech-to-speech model stream and keeps the two sides flowing.
type Orchestrator struct {
	connector channel.Connector
	provider  modelstream.Provider
	store     transcript.Store
	sessions  *session.Manager
	metrics   *observability.Metrics
	stages    *observability.StageWindow
	cfg       Config

	randFloat func() float64
}

func New(connector channel.Connector, provider modelstream.Provider, store transcript.Store, sessions *session.Manager, metrics *observability.Metrics, stages *observability.StageWindow, cfg Config) *Orchestrator {
	return &Orchestrator{
		connector: connector,
		provider:  provider,
		store:     store,
		sessions:  sessions,
		metrics:   metrics,
		stages:    stages,
		cfg:       cfg.withDefaults(),
		randFloat: rand.Float64,
	}
}

// RunParams identifies one session invocation.
type RunParams struct {
	SessionID    string
	UserID       string
	SystemPrompt string
	VoiceID      string

	// ExternalID keys the transcript record. Empty means the session runs
	// without persistence.
	ExternalID string
}

// Run drives a full session: subscribe, stream, resume as needed, and tear
// down. It blocks until the session ends and returns nil when the session
// completed, including completion forced by the hard cap.
func (o *Orchestrator) Run(ctx context.Context, p RunParams) (err error) {
	if p.SessionID == "" || p.UserID == "" {
		return errors.New("session id and user id are required")
	}
	invokedAt := time.Now()

	if _, berr := o.sessions.Begin(p.SessionID, p.UserID, p.ExternalID, p.VoiceID); berr != nil {
		return fmt.Errorf("begin session %s: %w", p.SessionID, berr)
	}
	o.metrics.ActiveSessions.Inc()
	o.metrics.SessionEvents.WithLabelValues("start").Inc()
	defer func() {
		if _, eerr := o.sessions.End(p.SessionID); eerr != nil {
			log.Printf("agent: end session %s: %v", p.SessionID, eerr)
		}
		o.metrics.ActiveSessions.Dec()
		o.metrics.SessionEvents.WithLabelValues("end").Inc()
		o.stages.Observe("session_total", float64(time.Since(invokedAt).Milliseconds()))
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	path := fmt.Sprintf("/%s/user/%s/%s", o.cfg.Namespace, p.UserID, p.SessionID)
	ch, cerr := o.connector.Connect(ctx, path)
	if cerr != nil {
		return fmt.Errorf("connect channel %s: %w", path, cerr)
	}
	defer func() {
		if clerr := ch.Close(); clerr != nil {
			log.Printf("agent: close channel %s: %v", path, clerr)
		}
	}()

	// The end event is the client's only signal that the bridge is gone, so
	// it goes out on every exit path, cancelled contexts included.
	defer func() {
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		endCtx, endCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer endCancel()
		o.publish(endCtx, ch, protocol.KindEnd, protocol.End{Reason: reason})
	}()

	run := newSessionRun(o.cfg.ReplayBufferLimit, o.cfg.MaxSkipWait)
	subscribedAt := time.Now()
	if serr := ch.Subscribe(o.clientEventHandler(p.SessionID, run, subscribedAt), func(serr error) {
		log.Printf("agent: channel %s subscription error: %v", path, serr)
	}); serr != nil {
		return fmt.Errorf("subscribe %s: %w", path, serr)
	}

	if o.cfg.SubscribeSettleDelay > 0 {
		select {
		case <-time.After(o.cfg.SubscribeSettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go o.readyLoop(ctx, ch, run)

	tracker := NewTurnTracker(o.appendFunc(p), invokedAt, o.cfg.HardSessionCap)

	for {
		softCap := o.drawResumeWindow()
		if serr := o.sessions.SetResumeWindow(p.SessionID, softCap); serr != nil {
			log.Printf("agent: session %s: %v", p.SessionID, serr)
		}
		tracker.BeginStream(time.Now(), softCap)

		openedAt := time.Now()
		stream, serr := o.provider.StartStream(ctx, modelstream.SessionConfig{
			SystemPrompt: p.SystemPrompt,
			VoiceID:      p.VoiceID,
		})
		if serr != nil {
			return fmt.Errorf("start model stream: %w", serr)
		}
		o.stages.Observe("stream_open", float64(time.Since(openedAt).Milliseconds()))

		outcome, perr := o.processStream(ctx, ch, run, stream, tracker)
		run.detach()
		if clerr := stream.Close(); clerr != nil {
			log.Printf("agent: close model stream: %v", clerr)
		}
		if perr != nil {
			return perr
		}
		if outcome != OutcomeResume || run.isTerminated() || ctx.Err() != nil {
			log.Printf("agent: session %s finished, %d pairs saved, %s",
				p.SessionID, tracker.PairsSaved(), outcome)
			return nil
		}

		if time.Since(invokedAt) > o.cfg.HardSessionCap {
			log.Printf("agent: session %s hit the hard cap while resuming, %d pairs saved",
				p.SessionID, tracker.PairsSaved())
			return nil
		}
		if merr := o.sessions.MarkResume(p.SessionID); merr != nil {
			log.Printf("agent: session %s: %v", p.SessionID, merr)
		}
		o.metrics.SessionEvents.WithLabelValues("resume").Inc()
		o.stages.ObserveIndicator("resume")
		log.Printf("agent: session %s resuming stream after %s soft cap", p.SessionID, softCap)
	}
}

// drawResumeWindow picks this stream run's soft cap from the configured
// interval. Randomizing the cap spreads resume churn across concurrent
// sessions.
func (o *Orchestrator) drawResumeWindow() time.Duration {
	span := o.cfg.ResumeAfterMax - o.cfg.ResumeAfterMin
	return o.cfg.ResumeAfterMin + time.Duration(o.randFloat()*float64(span))
}

func (o *Orchestrator) clientEventHandler(sessionID string, run *sessionRun, subscribedAt time.Time) func(protocol.Envelope) {
	return func(env protocol.Envelope) {
		ev, err := protocol.ParseClientEnvelope(env)
		if errors.Is(err, protocol.ErrWrongDirection) {
			// Our own publishes echo back on the shared channel.
			return
		}
		if err != nil {
			log.Printf("agent: dropping client event: %v", err)
			return
		}
		o.metrics.ChannelEvents.WithLabelValues(string(protocol.DirectionClientToModel), string(ev.Kind)).Inc()
		if terr := o.sessions.Touch(sessionID); terr != nil {
			log.Printf("agent: session %s: %v", sessionID, terr)
		}
		run.markClientSeen(func() {
			latency := time.Since(subscribedAt)
			o.metrics.ObserveFirstClientEventLatency(latency)
			o.stages.Observe("subscribe_to_first_event", float64(latency.Milliseconds()))
		})

		switch payload := ev.Payload.(type) {
		case protocol.AudioInput:
			run.onAudioBatch(payload.Blobs, payload.Sequence)
		case protocol.TerminateSession:
			log.Printf("agent: client requested session end")
			run.terminate()
		}
	}
}

// readyLoop publishes a ready heartbeat until the client's first event
// arrives. A client that stays silent past the timeout ends the session
// unless KeepAliveOnReadyTimeout is set.
func (o *Orchestrator) readyLoop(ctx context.Context, ch channel.Channel, run *sessionRun) {
	ticker := time.NewTicker(o.cfg.ReadyInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(o.cfg.ReadyTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-run.firstEvent:
			return
		case <-timeout.C:
			log.Printf("agent: %v", ErrClientTimeout)
			o.stages.ObserveIndicator("client_timeout")
			if o.cfg.KeepAliveOnReadyTimeout {
				// Heartbeat stops but the session stays open for a late client.
				return
			}
			run.terminate()
			return
		case <-ticker.C:
			o.publish(ctx, ch, protocol.KindReady, protocol.Ready{})
		}
	}
}

type textBlock struct {
	role  string
	stage string
	text  string
}

// processStream consumes one model stream until it ends, the client
// terminates, or the tracker calls a deadline. The returned outcome is
// OutcomeResume only when the stream should be reopened.
func (o *Orchestrator) processStream(ctx context.Context, ch channel.Channel, run *sessionRun, stream modelstream.Stream, tracker *TurnTracker) (Outcome, error) {
	startedAt := time.Now()
	defer func() {
		o.stages.Observe("stream_run_total", float64(time.Since(startedAt).Milliseconds()))
	}()

	batcher := audio.NewBatchSequencer(o.cfg.LowWatermark, o.cfg.HighWatermark, func(blobs []string, sequence int) error {
		o.publish(ctx, ch, protocol.KindAudioOutput, protocol.AudioOutput{Blobs: blobs, Sequence: sequence})
		o.metrics.AudioBatches.Inc()
		return nil
	})
	blocks := make(map[string]*textBlock)
	var pendingTool *modelstream.ToolUse

	run.attach(stream)

	for {
		select {
		case <-ctx.Done():
			return OutcomeNone, ctx.Err()
		case <-run.terminated:
			return OutcomeSuccess, nil
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					if reliability.IsTransientStreamFault(err) {
						o.metrics.StreamFaults.WithLabelValues("transient").Inc()
						o.stages.ObserveIndicator("transient_fault")
						log.Printf("agent: model stream dropped, reopening: %v", err)
						return OutcomeResume, nil
					}
					o.metrics.StreamFaults.WithLabelValues("fatal").Inc()
					return OutcomeNone, fmt.Errorf("model stream failed: %w", err)
				}
				return OutcomeSuccess, nil
			}
			if ev.Err != nil {
				if reliability.IsTransientStreamFault(ev.Err) {
					o.metrics.StreamFaults.WithLabelValues("transient").Inc()
					o.stages.ObserveIndicator("transient_fault")
					log.Printf("agent: transient model stream fault, continuing: %v", ev.Err)
					continue
				}
				o.metrics.StreamFaults.WithLabelValues("fatal").Inc()
				return OutcomeNone, fmt.Errorf("model stream failed: %w", ev.Err)
			}

			switch {
			case ev.AudioOutput != nil:
				if err := batcher.Enqueue(ev.AudioOutput.Content); err != nil {
					log.Printf("agent: audio batch emit: %v", err)
				}

			case ev.ContentStart != nil:
				cs := ev.ContentStart
				if cs.Type != modelstream.ContentTypeText {
					continue
				}
				role := modelstream.NormalizeRole(cs.Role)
				blocks[cs.ContentID] = &textBlock{role: role, stage: cs.GenerationStage()}
				o.publish(ctx, ch, protocol.KindTextStart, protocol.TextStart{
					ID:              cs.ContentID,
					Role:            role,
					GenerationStage: cs.GenerationStage(),
				})

			case ev.TextOutput != nil:
				to := ev.TextOutput
				// The interruption marker reaches the client so playback
				// stops, but it is not conversation text.
				if to.Content != modelstream.InterruptionMarker {
					if b, ok := blocks[to.ContentID]; ok {
						// Deltas are fragments of one utterance; the model
						// carries any spacing inside the fragments.
						b.text += to.Content
					}
				}
				o.publish(ctx, ch, protocol.KindTextOutput, protocol.TextOutput{
					ID:      to.ContentID,
					Role:    modelstream.NormalizeRole(to.Role),
					Content: to.Content,
				})

			case ev.ContentEnd != nil:
				ce := ev.ContentEnd
				switch ce.Type {
				case modelstream.ContentTypeAudio:
					if err := batcher.ForceDrain(); err != nil {
						log.Printf("agent: audio batch drain: %v", err)
					}
				case modelstream.ContentTypeText:
					o.publish(ctx, ch, protocol.KindTextStop, protocol.TextStop{
						ID:         ce.ContentID,
						StopReason: ce.StopReason,
					})
					b, ok := blocks[ce.ContentID]
					if !ok {
						continue
					}
					delete(blocks, ce.ContentID)
					outcome := tracker.OnContentEnd(ctx, b.role, b.text,
						b.stage == modelstream.GenerationStageFinal, ce.StopReason)
					if outcome != OutcomeNone {
						return outcome, nil
					}
				case modelstream.ContentTypeTool:
					if pendingTool == nil {
						continue
					}
					tu := pendingTool
					pendingTool = nil
					if err := stream.ExecuteToolAndSendResult(ctx, tu.ToolUseID, tu.ToolName, tu.Content); err != nil {
						log.Printf("agent: tool %s: %v", tu.ToolName, err)
					}
				}

			case ev.ToolUse != nil:
				pendingTool = ev.ToolUse
			}
		}
	}
}

func (o *Orchestrator) appendFunc(p RunParams) AppendFunc {
	if p.ExternalID == "" {
		return func(_ context.Context, q, _ string) error {
			log.Printf("agent: session %s has no external id, dropping pair for %q", p.SessionID, q)
			return nil
		}
	}
	return func(ctx context.Context, q, a string) error {
		if err := o.store.AppendEntry(ctx, p.ExternalID, q, a); err != nil {
			return err
		}
		o.metrics.TranscriptPairs.Inc()
		return nil
	}
}

func (o *Orchestrator) publish(ctx context.Context, ch channel.Channel, kind protocol.EventKind, data any) {
	if err := ch.Publish(ctx, kind, data); err != nil {
		o.metrics.PublishErrors.Inc()
		log.Printf("agent: publish %s: %v", kind, err)
		return
	}
	o.metrics.ChannelEvents.WithLabelValues(string(protocol.DirectionModelToClient), string(kind)).Inc()
}

// sessionRun is the mutable per-session state shared between the channel
// subscription callback and the stream loop. Reordered client audio arriving
// between streams is buffered and replayed into the next stream exactly once.
type sessionRun struct {
	mu       sync.Mutex
	stream   modelstream.Stream
	buffered [][]string
	limit    int
	reasm    *audio.ReassemblySequencer

	firstEvent chan struct{}
	terminated chan struct{}
	firstOnce  sync.Once
	termOnce   sync.Once
}

func newSessionRun(replayLimit, maxSkipWait int) *sessionRun {
	r := &sessionRun{
		limit:      replayLimit,
		firstEvent: make(chan struct{}),
		terminated: make(chan struct{}),
	}
	r.reasm = audio.NewReassemblySequencer(maxSkipWait, r.forward)
	return r
}

func (r *sessionRun) markClientSeen(onFirst func()) {
	r.firstOnce.Do(func() {
		onFirst()
		close(r.firstEvent)
	})
}

func (r *sessionRun) terminate() {
	r.termOnce.Do(func() {
		close(r.terminated)
	})
}

func (r *sessionRun) isTerminated() bool {
	select {
	case <-r.terminated:
		return true
	default:
		return false
	}
}

func (r *sessionRun) onAudioBatch(blobs []string, sequence int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasm.OnBatch(blobs, sequence)
}

// forward runs under r.mu via onAudioBatch.
func (r *sessionRun) forward(chunks []string) {
	if r.stream != nil {
		r.stream.EnqueueAudioInput(chunks)
		return
	}
	if len(r.buffered) >= r.limit {
		log.Printf("agent: replay buffer full, dropping %d audio chunks", len(chunks))
		return
	}
	r.buffered = append(r.buffered, chunks)
}

func (r *sessionRun) attach(stream modelstream.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream = stream
	for _, chunks := range r.buffered {
		stream.EnqueueAudioInput(chunks)
	}
	r.buffered = nil
}

func (r *sessionRun) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream = nil
}
