package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const callStateSchema = `
CREATE TABLE IF NOT EXISTS caller_state (
	caller_id  TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore is the durable cold tier. State is stored as one JSONB
// payload per caller; the row survives process restarts and redis evictions.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("state: connect postgres: %w", err)
	}
	if _, err := db.Exec(ctx, callStateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Load(ctx context.Context, callerID string) (CallState, error) {
	var payload []byte
	err := s.db.QueryRow(ctx,
		`SELECT payload FROM caller_state WHERE caller_id = $1`, callerID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return CallState{}, ErrNotFound
	}
	if err != nil {
		return CallState{}, fmt.Errorf("state: load %s: %w", callerID, err)
	}
	var st CallState
	if err := json.Unmarshal(payload, &st); err != nil {
		return CallState{}, fmt.Errorf("state: decode %s: %w", callerID, err)
	}
	return st, nil
}

func (s *PostgresStore) Save(ctx context.Context, st CallState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", st.CallerID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO caller_state (caller_id, payload, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (caller_id) DO UPDATE
		SET payload = EXCLUDED.payload, updated_at = now()`,
		st.CallerID, payload,
	)
	if err != nil {
		return fmt.Errorf("state: save %s: %w", st.CallerID, err)
	}
	return nil
}

// AppendTurn grows the stored transcript in place, so committing one turn is
// a small write instead of a rewrite of the whole record.
func (s *PostgresStore) AppendTurn(ctx context.Context, callerID string, entry TranscriptEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("state: encode turn for %s: %w", callerID, err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE caller_state
		SET payload = jsonb_set(
			payload, '{transcript}',
			COALESCE(payload->'transcript', '[]'::jsonb) || $2::jsonb
		), updated_at = now()
		WHERE caller_id = $1`,
		callerID, payload,
	)
	if err != nil {
		return fmt.Errorf("state: append turn for %s: %w", callerID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, callerID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM caller_state WHERE caller_id = $1`, callerID); err != nil {
		return fmt.Errorf("state: delete %s: %w", callerID, err)
	}
	return nil
}

func (s *PostgresStore) Close() { s.db.Close() }
