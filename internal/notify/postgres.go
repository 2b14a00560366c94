package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	schemaSQL = `create schema if not exists meta;
create table if not exists meta.ids (tid text not null unique)`
	recipientsSQL  = `select tid from meta.ids`
	subscribeSQL   = `insert into meta.ids (tid) values ($1) on conflict do nothing`
	unsubscribeSQL = `delete from meta.ids where tid = $1`
)

// PostgresStore keeps subscribers in the meta.ids table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("database dsn not set")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting subscriber database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the subscriber table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("creating subscriber schema: %w", err)
	}
	return nil
}

// Recipients implements SubscriberStore.
func (s *PostgresStore) Recipients(ctx context.Context) ([]Recipient, error) {
	rows, err := s.pool.Query(ctx, recipientsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying subscribers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("reading subscribers: %w", err)
	}
	out := make([]Recipient, len(ids))
	for i, id := range ids {
		out[i] = Recipient(id)
	}
	return out, nil
}

// Subscribe adds a recipient; existing recipients are left alone.
func (s *PostgresStore) Subscribe(ctx context.Context, r Recipient) error {
	if _, err := s.pool.Exec(ctx, subscribeSQL, string(r)); err != nil {
		return fmt.Errorf("subscribing %s: %w", r, err)
	}
	return nil
}

// Unsubscribe removes a recipient.
func (s *PostgresStore) Unsubscribe(ctx context.Context, r Recipient) error {
	if _, err := s.pool.Exec(ctx, unsubscribeSQL, string(r)); err != nil {
		return fmt.Errorf("unsubscribing %s: %w", r, err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
