package channel

import (
	"context"
	"errors"

	"github.com/solvertalk/sonicbridge/internal/protocol"
)

var ErrClosed = errors.New("channel closed")

// Channel is one named pub/sub channel shared with a browser client.
// Publish stamps the model-to-client direction; Subscribe delivers every
// envelope seen on the channel, including the bridge's own publishes, so
// consumers filter on direction.
type Channel interface {
	Publish(ctx context.Context, kind protocol.EventKind, data any) error
	Subscribe(onEvent func(protocol.Envelope), onError func(error)) error
	Close() error
}

// Connector establishes channels by path, e.g. /{ns}/user/{userID}/{sessionID}.
type Connector interface {
	Connect(ctx context.Context, path string) (Channel, error)
}
