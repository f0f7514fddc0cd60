package transcript

import (
	"context"
	"log"
)

// NoopStore is used when no database is configured: entries are logged and
// discarded so a local session still shows the pairing behavior.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) AppendEntry(_ context.Context, externalID, question, answer string) error {
	log.Printf("transcript store disabled: dropping pair for %s (q=%q a=%q)", externalID, question, answer)
	return nil
}

func (s *NoopStore) Close() error { return nil }
