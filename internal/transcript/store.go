package transcript

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound reports that the target transcript record does not exist.
// Appends to a missing record must fail loudly, never be swallowed.
var ErrNotFound = errors.New("transcript record not found")

// Entry is one persisted question/answer pair.
type Entry struct {
	Question string `json:"q"`
	Answer   string `json:"a"`
}

// Store appends paired turns to an ordered transcript keyed by the external
// record id.
type Store interface {
	AppendEntry(ctx context.Context, externalID, question, answer string) error
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise a
// no-op store that logs what would have been saved.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewNoopStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
