package modelstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Content block types and markers used by the speech-to-speech model.
const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
	ContentTypeTool  = "TOOL"

	StopReasonEndTurn    = "END_TURN"
	GenerationStageFinal = "FINAL"

	// InterruptionMarker shows up as text output when the user barges in.
	InterruptionMarker = `{ "interrupted" : true }`
)

// Event is one decoded model output event. Exactly one pointer field is set,
// or Err carries a per-event stream fault.
type Event struct {
	AudioOutput  *AudioOutput
	ContentStart *ContentStart
	TextOutput   *TextOutput
	ContentEnd   *ContentEnd
	ToolUse      *ToolUse
	Err          error
}

// AudioOutput carries one base64 PCM chunk of synthesized speech.
type AudioOutput struct {
	Content string `json:"content"`
}

// ContentStart opens a content block.
type ContentStart struct {
	ContentID             string `json:"contentId"`
	Role                  string `json:"role"`
	Type                  string `json:"type"`
	StopReason            string `json:"stopReason"`
	AdditionalModelFields string `json:"additionalModelFields"`
}

// GenerationStage extracts the stage hint ("FINAL" or "SPECULATIVE") from the
// additional model fields, empty when absent or malformed.
func (c *ContentStart) GenerationStage() string {
	if c.AdditionalModelFields == "" {
		return ""
	}
	var fields struct {
		GenerationStage string `json:"generationStage"`
	}
	if err := json.Unmarshal([]byte(c.AdditionalModelFields), &fields); err != nil {
		return ""
	}
	return fields.GenerationStage
}

// Role returns normalized lowercase roles ("user", "assistant", "system").
func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// TextOutput carries one text delta for an open content block.
type TextOutput struct {
	ContentID string `json:"contentId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// ContentEnd closes a content block.
type ContentEnd struct {
	ContentID  string `json:"contentId"`
	Type       string `json:"type"`
	StopReason string `json:"stopReason"`
}

// ToolUse asks the bridge to execute a registered tool.
type ToolUse struct {
	ContentID string `json:"contentId"`
	ToolUseID string `json:"toolUseId"`
	ToolName  string `json:"toolName"`
	Content   string `json:"content"`
}

type rawEnvelope struct {
	Event rawEvent `json:"event"`
}

type rawEvent struct {
	AudioOutput  *AudioOutput  `json:"audioOutput"`
	ContentStart *ContentStart `json:"contentStart"`
	TextOutput   *TextOutput   `json:"textOutput"`
	ContentEnd   *ContentEnd   `json:"contentEnd"`
	ToolUse      *ToolUse      `json:"toolUse"`
}

// DecodeEvent parses the JSON chunk envelope {"event":{...}} emitted by the
// model stream. Unrecognized event shapes decode to a zero Event, which
// consumers skip.
func DecodeEvent(raw []byte) (Event, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("decode model event: %w", err)
	}
	return Event{
		AudioOutput:  env.Event.AudioOutput,
		ContentStart: env.Event.ContentStart,
		TextOutput:   env.Event.TextOutput,
		ContentEnd:   env.Event.ContentEnd,
		ToolUse:      env.Event.ToolUse,
	}, nil
}
