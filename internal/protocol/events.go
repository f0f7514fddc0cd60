package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Direction marks which side of the bridge produced a channel event.
type Direction string

const (
	DirectionClientToModel Direction = "ctob"
	DirectionModelToClient Direction = "btoc"
)

// EventKind identifies channel event payload variants.
type EventKind string

const (
	// Client to model.
	KindAudioInput       EventKind = "audioInput"
	KindTerminateSession EventKind = "terminateSession"

	// Model to client.
	KindReady       EventKind = "ready"
	KindAudioOutput EventKind = "audioOutput"
	KindTextStart   EventKind = "textStart"
	KindTextOutput  EventKind = "textOutput"
	KindTextStop    EventKind = "textStop"
	KindEnd         EventKind = "end"
)

var (
	ErrUnsupportedKind = errors.New("unsupported event kind")
	ErrWrongDirection  = errors.New("event direction does not match consumer role")
)

// Envelope is the wire shape of every message on the pub/sub channel.
type Envelope struct {
	Direction Direction       `json:"direction"`
	Event     EventKind       `json:"event"`
	Data      json.RawMessage `json:"data"`
}

// ClientEvent is a validated client-to-model event with its typed payload.
type ClientEvent struct {
	Kind    EventKind
	Payload any
}

// AudioInput carries one numbered batch of base64 PCM chunks from the client.
type AudioInput struct {
	Blobs    []string `json:"blobs"`
	Sequence int      `json:"sequence"`
}

// TerminateSession asks the bridge to close the active model stream.
type TerminateSession struct{}

// Ready is the periodic liveness signal published until the client speaks.
type Ready struct{}

// AudioOutput carries one numbered batch of base64 PCM chunks toward the client.
type AudioOutput struct {
	Blobs    []string `json:"blobs"`
	Sequence int      `json:"sequence"`
}

// TextStart announces a new model text content block.
type TextStart struct {
	ID              string `json:"id"`
	Role            string `json:"role"`
	GenerationStage string `json:"generationStage"`
}

// TextOutput carries one text delta for an open content block.
type TextOutput struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextStop closes a content block.
type TextStop struct {
	ID         string `json:"id"`
	StopReason string `json:"stopReason"`
}

// End is the last event on a channel; Reason is empty on normal completion.
type End struct {
	Reason string `json:"reason"`
}

// ParseClientEvent validates a raw channel message from the bridge's point of
// view: model-to-client traffic echoes back on the shared channel and is
// reported as ErrWrongDirection so the caller can skip it silently.
func ParseClientEvent(raw []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientEvent{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return ParseClientEnvelope(env)
}

// ParseClientEnvelope validates an already-decoded envelope.
func ParseClientEnvelope(env Envelope) (ClientEvent, error) {
	if env.Direction == DirectionModelToClient {
		return ClientEvent{}, ErrWrongDirection
	}
	if env.Direction != DirectionClientToModel {
		return ClientEvent{}, fmt.Errorf("invalid direction %q", env.Direction)
	}

	switch env.Event {
	case KindAudioInput:
		var msg AudioInput
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return ClientEvent{}, fmt.Errorf("invalid audioInput: %w", err)
		}
		if msg.Sequence < 0 {
			return ClientEvent{}, errors.New("invalid audioInput: negative sequence")
		}
		return ClientEvent{Kind: KindAudioInput, Payload: msg}, nil
	case KindTerminateSession:
		return ClientEvent{Kind: KindTerminateSession, Payload: TerminateSession{}}, nil
	default:
		return ClientEvent{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, env.Event)
	}
}
