package modelstream

import "context"

// Turn is one prior conversational turn used to seed a new stream.
type Turn struct {
	Role    string
	Content string
}

// SessionConfig describes one model conversation.
type SessionConfig struct {
	SystemPrompt string
	VoiceID      string

	// PriorTurns seeds the model with earlier conversation. The bridge
	// currently always passes an empty slice: resumed streams start cold and
	// the persisted transcript is the only cross-resume record.
	PriorTurns []Turn
}

// Stream is one live bidirectional model conversation.
type Stream interface {
	// EnqueueAudioInput feeds reordered base64 PCM chunks into the stream.
	// Input is best effort; chunks are dropped under writer backpressure.
	EnqueueAudioInput(chunks []string)

	// Events yields decoded model output until the remote stream ends or
	// Close is called; the channel closes in both cases.
	Events() <-chan Event

	// ExecuteToolAndSendResult runs a registered tool and writes its result
	// back into the stream. Tool failures produce an error result for the
	// model rather than an error here.
	ExecuteToolAndSendResult(ctx context.Context, toolUseID, toolName, payload string) error

	// Err reports the terminal stream error once Events is closed, nil when
	// the stream ended normally or was closed locally.
	Err() error

	// Close releases the stream. Safe to call more than once.
	Close() error
}

// Provider opens model streams.
type Provider interface {
	StartStream(ctx context.Context, cfg SessionConfig) (Stream, error)
}
