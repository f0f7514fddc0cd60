package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solvertalk/sonicbridge/internal/policy"
)

// PostgresStore persists transcripts in PostgreSQL. Each conversation row
// holds its ordered Q/A entries in a jsonb array.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS interview (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// AppendEntry read-modify-writes one {q,a} pair onto the record's entries.
// The row is locked for the duration so concurrent appends cannot lose each
// other's writes. Spoken answers sometimes carry contact details or card
// numbers; those are masked before the pair is stored.
func (s *PostgresStore) AppendEntry(ctx context.Context, externalID, question, answer string) error {
	if redacted, changed := policy.RedactPII(answer); changed {
		answer = redacted
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT data FROM interview WHERE id=$1 FOR UPDATE`,
		externalID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, externalID)
	}
	if err != nil {
		return fmt.Errorf("read transcript %s: %w", externalID, err)
	}

	var entries []Entry
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("decode transcript %s: %w", externalID, err)
		}
	}
	entries = append(entries, Entry{Question: question, Answer: answer})

	updated, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode transcript %s: %w", externalID, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE interview SET data=$1::jsonb WHERE id=$2`,
		updated,
		externalID,
	)
	if err != nil {
		return fmt.Errorf("update transcript %s: %w", externalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, externalID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
