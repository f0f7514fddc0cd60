package modelstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"
)

// BedrockConfig configures the speech-to-speech model connection.
type BedrockConfig struct {
	Region  string
	ModelID string

	MaxTokens   int
	TopP        float64
	Temperature float64

	InputSampleRateHz  int
	OutputSampleRateHz int
}

func (c *BedrockConfig) applyDefaults() {
	if c.ModelID == "" {
		c.ModelID = "amazon.nova-sonic-v1:0"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.TopP <= 0 {
		c.TopP = 0.9
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.InputSampleRateHz <= 0 {
		c.InputSampleRateHz = 16000
	}
	if c.OutputSampleRateHz <= 0 {
		c.OutputSampleRateHz = 24000
	}
}

// BedrockProvider opens bidirectional streams against the Bedrock runtime.
type BedrockProvider struct {
	client *bedrockruntime.Client
	cfg    BedrockConfig
	tools  *Registry
}

func NewBedrockProvider(ctx context.Context, cfg BedrockConfig, tools *Registry) (*BedrockProvider, error) {
	cfg.applyDefaults()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if tools == nil {
		tools = NewRegistry()
	}
	return &BedrockProvider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		cfg:    cfg,
		tools:  tools,
	}, nil
}

func (p *BedrockProvider) StartStream(ctx context.Context, sc SessionConfig) (Stream, error) {
	out, err := p.client.InvokeModelWithBidirectionalStream(ctx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
		ModelId: aws.String(p.cfg.ModelID),
	})
	if err != nil {
		return nil, fmt.Errorf("invoke model stream: %w", err)
	}

	s := &bedrockStream{
		es:               out.GetStream(),
		tools:            p.tools,
		cfg:              p.cfg,
		promptName:       uuid.NewString(),
		audioContentName: uuid.NewString(),
		outbox:           make(chan []byte, 512),
		events:           make(chan Event, 256),
		done:             make(chan struct{}),
	}

	if err := s.open(ctx, sc); err != nil {
		_ = s.Close()
		return nil, err
	}

	go s.writeLoop(ctx)
	go s.readLoop()
	return s, nil
}

type bedrockStream struct {
	es    *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream
	tools *Registry
	cfg   BedrockConfig

	promptName       string
	audioContentName string

	outbox chan []byte
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// open seeds the new stream: session/prompt configuration, the system
// prompt, any prior turns, and the long-lived user audio content block.
func (s *bedrockStream) open(ctx context.Context, sc SessionConfig) error {
	events := []map[string]any{
		{"sessionStart": map[string]any{
			"inferenceConfiguration": map[string]any{
				"maxTokens":   s.cfg.MaxTokens,
				"topP":        s.cfg.TopP,
				"temperature": s.cfg.Temperature,
			},
		}},
		{"promptStart": map[string]any{
			"promptName": s.promptName,
			"textOutputConfiguration": map[string]any{
				"mediaType": "text/plain",
			},
			"audioOutputConfiguration": map[string]any{
				"mediaType":       "audio/lpcm",
				"sampleRateHertz": s.cfg.OutputSampleRateHz,
				"sampleSizeBits":  16,
				"channelCount":    1,
				"voiceId":         sc.VoiceID,
				"encoding":        "base64",
				"audioType":       "SPEECH",
			},
			"toolUseOutputConfiguration": map[string]any{
				"mediaType": "application/json",
			},
			"toolConfiguration": map[string]any{
				"tools": s.tools.Specs(),
			},
		}},
	}
	events = append(events, textContentEvents(s.promptName, "SYSTEM", sc.SystemPrompt)...)
	for _, turn := range sc.PriorTurns {
		events = append(events, textContentEvents(s.promptName, NormalizeRole(turn.Role), turn.Content)...)
	}
	events = append(events, map[string]any{
		"contentStart": map[string]any{
			"promptName":  s.promptName,
			"contentName": s.audioContentName,
			"type":        ContentTypeAudio,
			"interactive": true,
			"role":        "USER",
			"audioInputConfiguration": map[string]any{
				"mediaType":       "audio/lpcm",
				"sampleRateHertz": s.cfg.InputSampleRateHz,
				"sampleSizeBits":  16,
				"channelCount":    1,
				"audioType":       "SPEECH",
				"encoding":        "base64",
			},
		},
	})

	for _, ev := range events {
		if err := s.sendNow(ctx, ev); err != nil {
			return fmt.Errorf("open model stream: %w", err)
		}
	}
	return nil
}

func textContentEvents(promptName, role, content string) []map[string]any {
	contentName := uuid.NewString()
	switch role {
	case "user":
		role = "USER"
	case "assistant":
		role = "ASSISTANT"
	case "system", "SYSTEM":
		role = "SYSTEM"
	}
	return []map[string]any{
		{"contentStart": map[string]any{
			"promptName":  promptName,
			"contentName": contentName,
			"type":        ContentTypeText,
			"interactive": true,
			"role":        role,
			"textInputConfiguration": map[string]any{
				"mediaType": "text/plain",
			},
		}},
		{"textInput": map[string]any{
			"promptName":  promptName,
			"contentName": contentName,
			"content":     content,
		}},
		{"contentEnd": map[string]any{
			"promptName":  promptName,
			"contentName": contentName,
		}},
	}
}

func (s *bedrockStream) EnqueueAudioInput(chunks []string) {
	for _, chunk := range chunks {
		s.enqueue(map[string]any{
			"audioInput": map[string]any{
				"promptName":  s.promptName,
				"contentName": s.audioContentName,
				"content":     chunk,
			},
		})
	}
}

func (s *bedrockStream) Events() <-chan Event { return s.events }

func (s *bedrockStream) ExecuteToolAndSendResult(ctx context.Context, toolUseID, toolName, payload string) error {
	result, err := s.tools.Execute(ctx, toolName, payload)
	if err != nil {
		// A tool failure is answered, not escalated: one bad call must not
		// take down the whole session.
		errPayload, merr := json.Marshal(map[string]string{"error": err.Error()})
		if merr != nil {
			return merr
		}
		result = string(errPayload)
	}

	contentName := uuid.NewString()
	s.enqueue(map[string]any{
		"contentStart": map[string]any{
			"promptName":  s.promptName,
			"contentName": contentName,
			"type":        ContentTypeTool,
			"interactive": false,
			"role":        "TOOL",
			"toolResultInputConfiguration": map[string]any{
				"toolUseId": toolUseID,
				"type":      ContentTypeText,
				"textInputConfiguration": map[string]any{
					"mediaType": "text/plain",
				},
			},
		},
	})
	s.enqueue(map[string]any{
		"toolResult": map[string]any{
			"promptName":  s.promptName,
			"contentName": contentName,
			"content":     result,
		},
	})
	s.enqueue(map[string]any{
		"contentEnd": map[string]any{
			"promptName":  s.promptName,
			"contentName": contentName,
		},
	})
	return nil
}

func (s *bedrockStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears the stream down: audio content end, prompt end, session end,
// then the transport. Idempotent; the Events channel closes shortly after.
func (s *bedrockStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)

		ctx := context.Background()
		teardown := []map[string]any{
			{"contentEnd": map[string]any{
				"promptName":  s.promptName,
				"contentName": s.audioContentName,
			}},
			{"promptEnd": map[string]any{"promptName": s.promptName}},
			{"sessionEnd": map[string]any{}},
		}
		for _, ev := range teardown {
			if err := s.sendNow(ctx, ev); err != nil {
				break
			}
		}
		retErr = s.es.Close()
	})
	return retErr
}

func (s *bedrockStream) enqueue(event map[string]any) {
	raw, err := json.Marshal(rawOutbound{Event: event})
	if err != nil {
		log.Printf("model stream: drop unmarshalable event: %v", err)
		return
	}
	select {
	case s.outbox <- raw:
	case <-s.done:
	default:
		// Realtime input: dropping beats stalling the whole pipeline.
		log.Printf("model stream: input queue full, dropping event")
	}
}

type rawOutbound struct {
	Event map[string]any `json:"event"`
}

func (s *bedrockStream) sendNow(ctx context.Context, event map[string]any) error {
	raw, err := json.Marshal(rawOutbound{Event: event})
	if err != nil {
		return err
	}
	return s.es.Send(ctx, &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: types.BidirectionalInputPayloadPart{Bytes: raw},
	})
}

func (s *bedrockStream) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case raw := <-s.outbox:
			err := s.es.Send(ctx, &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
				Value: types.BidirectionalInputPayloadPart{Bytes: raw},
			})
			if err != nil {
				if !s.closed.Load() {
					log.Printf("model stream: send failed: %v", err)
				}
				return
			}
		}
	}
}

func (s *bedrockStream) readLoop() {
	defer close(s.events)
	for raw := range s.es.Events() {
		chunk, ok := raw.(*types.InvokeModelWithBidirectionalStreamOutputMemberChunk)
		if !ok || chunk.Value.Bytes == nil {
			continue
		}
		ev, err := DecodeEvent(chunk.Value.Bytes)
		if err != nil {
			ev = Event{Err: err}
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
	if err := s.es.Err(); err != nil && !s.closed.Load() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
	}
}
