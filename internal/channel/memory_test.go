package channel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/solvertalk/sonicbridge/internal/protocol"
)

func TestMemoryHubBroadcastsBothDirections(t *testing.T) {
	hub := NewMemoryHub()
	ch, err := hub.Connect(context.Background(), "/test/user/u1/s1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var mu sync.Mutex
	var seen []protocol.Envelope
	if err := ch.Subscribe(func(env protocol.Envelope) {
		mu.Lock()
		seen = append(seen, env)
		mu.Unlock()
	}, nil); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := ch.Publish(context.Background(), protocol.KindReady, protocol.Ready{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := hub.PublishClient("/test/user/u1/s1", protocol.KindAudioInput, protocol.AudioInput{Blobs: []string{"x"}, Sequence: 0}); err != nil {
		t.Fatalf("PublishClient() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("events = %d, want 2", len(seen))
	}
	if seen[0].Direction != protocol.DirectionModelToClient || seen[0].Event != protocol.KindReady {
		t.Fatalf("unexpected first event: %+v", seen[0])
	}
	if seen[1].Direction != protocol.DirectionClientToModel || seen[1].Event != protocol.KindAudioInput {
		t.Fatalf("unexpected second event: %+v", seen[1])
	}
	var audio protocol.AudioInput
	if err := json.Unmarshal(seen[1].Data, &audio); err != nil {
		t.Fatalf("unmarshal audio input: %v", err)
	}
	if len(audio.Blobs) != 1 || audio.Blobs[0] != "x" {
		t.Fatalf("unexpected audio payload: %+v", audio)
	}
}

func TestMemoryChannelClosedPublishFails(t *testing.T) {
	hub := NewMemoryHub()
	ch, err := hub.Connect(context.Background(), "/test/user/u1/s1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := ch.Publish(context.Background(), protocol.KindReady, protocol.Ready{}); err == nil {
		t.Fatalf("Publish() after Close should fail")
	}
}
