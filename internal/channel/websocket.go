package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/solvertalk/sonicbridge/internal/protocol"
)

const (
	eventsSubprotocol     = "aws-appsync-event-ws"
	connectionAckTimeout  = 10 * time.Second
	subscriptionQueueSize = 256
)

// WebsocketConfig configures the realtime events API client.
type WebsocketConfig struct {
	// Endpoint is the realtime websocket URL, e.g. wss://host/event/realtime.
	Endpoint string
	APIKey   string
}

// WebsocketConnector speaks the realtime events pub/sub protocol over a
// websocket: one connection per channel, JSON control frames, and data
// frames carrying the event envelope as an encoded string.
type WebsocketConnector struct {
	cfg WebsocketConfig
}

func NewWebsocketConnector(cfg WebsocketConfig) (*WebsocketConnector, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("events endpoint is required")
	}
	return &WebsocketConnector{cfg: cfg}, nil
}

type wsFrame struct {
	Type          string            `json:"type"`
	ID            string            `json:"id,omitempty"`
	Channel       string            `json:"channel,omitempty"`
	Event         string            `json:"event,omitempty"`
	Events        []string          `json:"events,omitempty"`
	Authorization map[string]string `json:"authorization,omitempty"`
	Errors        json.RawMessage   `json:"errors,omitempty"`
}

func (c *WebsocketConnector) Connect(ctx context.Context, path string) (Channel, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse events endpoint: %w", err)
	}

	headers := http.Header{}
	if c.cfg.APIKey != "" {
		headers.Set("x-api-key", c.cfg.APIKey)
	}
	headers.Set("host", u.Host)

	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = []string{eventsSubprotocol}

	conn, _, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial events websocket: %w", err)
	}

	ch := &wsChannel{
		conn: conn,
		path: path,
		auth: c.auth(u.Host),
	}
	if err := ch.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}

func (c *WebsocketConnector) auth(host string) map[string]string {
	auth := map[string]string{"host": host}
	if c.cfg.APIKey != "" {
		auth["x-api-key"] = c.cfg.APIKey
	}
	return auth
}

type wsChannel struct {
	conn *websocket.Conn
	path string
	auth map[string]string

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu      sync.Mutex
	onEvent func(protocol.Envelope)
	onError func(error)
}

func (ch *wsChannel) handshake(ctx context.Context) error {
	if err := ch.writeFrame(wsFrame{Type: "connection_init"}); err != nil {
		return fmt.Errorf("send connection_init: %w", err)
	}

	deadline := time.Now().Add(connectionAckTimeout)
	if t, ok := ctx.Deadline(); ok && t.Before(deadline) {
		deadline = t
	}
	_ = ch.conn.SetReadDeadline(deadline)
	for {
		var frame wsFrame
		if err := ch.conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("await connection_ack: %w", err)
		}
		switch frame.Type {
		case "connection_ack":
			_ = ch.conn.SetReadDeadline(time.Time{})
			return nil
		case "connection_error":
			return fmt.Errorf("events connection rejected: %s", string(frame.Errors))
		}
		// Keepalive and unrelated frames are skipped during the handshake.
	}
}

func (ch *wsChannel) Subscribe(onEvent func(protocol.Envelope), onError func(error)) error {
	ch.mu.Lock()
	ch.onEvent = onEvent
	ch.onError = onError
	ch.mu.Unlock()

	err := ch.writeFrame(wsFrame{
		Type:          "subscribe",
		ID:            uuid.NewString(),
		Channel:       ch.path,
		Authorization: ch.auth,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ch.path, err)
	}

	go ch.readLoop()
	return nil
}

func (ch *wsChannel) Publish(ctx context.Context, kind protocol.EventKind, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env, err := json.Marshal(protocol.Envelope{
		Direction: protocol.DirectionModelToClient,
		Event:     kind,
		Data:      payload,
	})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", kind, err)
	}

	return ch.writeFrame(wsFrame{
		Type:          "publish",
		ID:            uuid.NewString(),
		Channel:       ch.path,
		Events:        []string{string(env)},
		Authorization: ch.auth,
	})
}

func (ch *wsChannel) readLoop() {
	for {
		var frame wsFrame
		if err := ch.conn.ReadJSON(&frame); err != nil {
			ch.reportError(err)
			return
		}
		switch frame.Type {
		case "data":
			var env protocol.Envelope
			if err := json.Unmarshal([]byte(frame.Event), &env); err != nil {
				// Validation fault: drop the one message, keep the session.
				log.Printf("channel %s: dropping malformed event: %v", ch.path, err)
				continue
			}
			ch.deliver(env)
		case "subscribe_error", "publish_error", "error":
			log.Printf("channel %s: %s frame: %s", ch.path, frame.Type, string(frame.Errors))
		case "ka", "subscribe_success", "publish_success":
			// expected control traffic
		}
	}
}

func (ch *wsChannel) deliver(env protocol.Envelope) {
	ch.mu.Lock()
	handler := ch.onEvent
	ch.mu.Unlock()
	if handler != nil {
		handler(env)
	}
}

func (ch *wsChannel) reportError(err error) {
	ch.mu.Lock()
	handler := ch.onError
	ch.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

func (ch *wsChannel) writeFrame(frame wsFrame) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return ch.conn.WriteJSON(frame)
}

func (ch *wsChannel) Close() error {
	var retErr error
	ch.closeOnce.Do(func() {
		retErr = ch.conn.Close()
	})
	return retErr
}
