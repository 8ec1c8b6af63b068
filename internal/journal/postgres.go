package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pingsantohq/cellguard/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS cellguard_events (
    id          UUID PRIMARY KEY,
    event_type  TEXT NOT NULL,
    radio_id    INTEGER NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    labels      JSONB,
    details     JSONB
);
CREATE INDEX IF NOT EXISTS cellguard_events_radio_ts ON cellguard_events (radio_id, recorded_at);
`

const insertEvent = `
INSERT INTO cellguard_events (id, event_type, radio_id, recorded_at, labels, details)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO NOTHING;
`

// batcher is the subset of *pgxpool.Pool the sink needs.
type batcher interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresSink appends events to the cellguard_events table.
type PostgresSink struct {
	db   batcher
	pool *pgxpool.Pool
}

// NewPostgresSink connects using the supplied connection string and
// verifies the connection.
func NewPostgresSink(ctx context.Context, connString string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSink{db: pool, pool: pool}, nil
}

func (p *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresSink) Send(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		labels, err := jsonOrNil(ev.Labels)
		if err != nil {
			return fmt.Errorf("encode labels for %s: %w", ev.ID, err)
		}
		details, err := jsonOrNil(ev.Details)
		if err != nil {
			return fmt.Errorf("encode details for %s: %w", ev.ID, err)
		}
		batch.Queue(insertEvent, ev.ID, string(ev.Type), int(ev.RadioID), ev.Timestamp, labels, details)
	}
	results := p.db.SendBatch(ctx, batch)
	for range events {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert events: %w", err)
		}
	}
	return results.Close()
}

// Close releases database resources.
func (p *PostgresSink) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func jsonOrNil[M ~map[string]V, V any](m M) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
