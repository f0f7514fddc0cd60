package agent

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/solvertalk/sonicbridge/internal/modelstream"
)

// Outcome is the terminal state a stream run can reach from a content event.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeResume
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeResume:
		return "resume"
	default:
		return "none"
	}
}

// AppendFunc persists one question/answer pair.
type AppendFunc func(ctx context.Context, question, answer string) error

// TurnTracker accumulates final model text by speaker role and pairs
// assistant questions with user answers at role boundaries. One tracker
// spans a whole orchestrator run: pairing state survives stream resumes so
// resumption stays invisible in the persisted transcript.
type TurnTracker struct {
	appendEntry AppendFunc
	now         func() time.Time

	invokedAt time.Time
	hardCap   time.Duration

	streamStartedAt time.Time
	softCap         time.Duration

	currentQuestion  string
	pendingAssistant string
	pendingUser      string
	lastRole         string
	firstUserTurn    bool
	pairsSaved       int
}

func NewTurnTracker(appendEntry AppendFunc, invokedAt time.Time, hardCap time.Duration) *TurnTracker {
	return &TurnTracker{
		appendEntry:   appendEntry,
		now:           time.Now,
		invokedAt:     invokedAt,
		hardCap:       hardCap,
		firstUserTurn: true,
	}
}

// BeginStream starts the timing window for one stream run. The soft cap is
// measured from this stream's own start; the hard cap keeps counting from
// the outer invocation.
func (t *TurnTracker) BeginStream(startedAt time.Time, softCap time.Duration) {
	t.streamStartedAt = startedAt
	t.softCap = softCap
}

func (t *TurnTracker) PairsSaved() int { return t.pairsSaved }

// OnContentEnd processes one finished TEXT content block. Speculative and
// empty content is ignored. A role change flushes the previous role's
// buffer: the first user turn ever seen is a conversational opener and is
// discarded; later user turns answer the pending question; assistant text
// becomes the next pending question. Session deadlines are only checked at
// an assistant end of turn, never mid-turn.
func (t *TurnTracker) OnContentEnd(ctx context.Context, role, text string, isFinal bool, stopReason string) Outcome {
	if !isFinal {
		return OutcomeNone
	}
	clean := strings.TrimSpace(strings.ReplaceAll(text, "  ", " "))
	if clean == "" {
		return OutcomeNone
	}

	if t.lastRole != "" && t.lastRole != role {
		t.flushRole(ctx, t.lastRole)
	}

	switch role {
	case "user":
		t.pendingUser = joinTurn(t.pendingUser, clean)
	case "assistant":
		t.pendingAssistant = joinTurn(t.pendingAssistant, clean)
		if stopReason == modelstream.StopReasonEndTurn {
			now := t.now()
			if now.Sub(t.invokedAt) > t.hardCap {
				return OutcomeSuccess
			}
			if now.Sub(t.streamStartedAt) > t.softCap {
				return OutcomeResume
			}
		}
	}

	t.lastRole = role
	return OutcomeNone
}

func (t *TurnTracker) flushRole(ctx context.Context, role string) {
	switch role {
	case "user":
		if t.pendingUser == "" {
			return
		}
		if t.firstUserTurn {
			t.firstUserTurn = false
		} else if t.currentQuestion != "" {
			if err := t.appendEntry(ctx, t.currentQuestion, t.pendingUser); err != nil {
				// The pair is lost rather than retried; losing one Q/A is
				// preferable to stalling or aborting the audio pipeline.
				log.Printf("turn tracker: transcript append failed, pair dropped: %v", err)
			} else {
				t.pairsSaved++
			}
			t.currentQuestion = ""
		}
		t.pendingUser = ""
	case "assistant":
		if t.pendingAssistant == "" {
			return
		}
		t.currentQuestion = t.pendingAssistant
		t.pendingAssistant = ""
	}
}

func joinTurn(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + " " + addition
}
