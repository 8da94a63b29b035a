package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const createSubscriptionsTable = `
	CREATE TABLE IF NOT EXISTS event_subscriptions (
		id            TEXT PRIMARY KEY,
		callback_url  TEXT NOT NULL,
		topic         TEXT NOT NULL,
		topic_value   TEXT NOT NULL DEFAULT '',
		secret        TEXT NOT NULL,
		state         TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS event_subscriptions_topic_idx ON event_subscriptions (topic);
`

const subscriptionColumns = `id, callback_url, topic, topic_value, secret, state, created_at, updated_at`

// PostgresStore keeps subscriptions in the event_subscriptions table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connString and makes sure the table exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the subscriptions table when missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, createSubscriptionsTable); err != nil {
		return fmt.Errorf("failed to create subscriptions table: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) Insert(ctx context.Context, sub Subscription) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO event_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.CallbackURL, sub.SubscribeOn.Topic, sub.SubscribeOn.Value,
		sub.Secret, string(sub.State), sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Subscription, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM event_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (p *PostgresStore) ByTopic(ctx context.Context, topic string) ([]Subscription, error) {
	return p.query(ctx, `SELECT `+subscriptionColumns+` FROM event_subscriptions WHERE topic = $1 ORDER BY created_at, id`, topic)
}

func (p *PostgresStore) All(ctx context.Context) ([]Subscription, error) {
	return p.query(ctx, `SELECT `+subscriptionColumns+` FROM event_subscriptions ORDER BY created_at, id`)
}

func (p *PostgresStore) UpdateState(ctx context.Context, id string, next State, at time.Time, check func(State) error) (Subscription, error) {
	var updated Subscription
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT state FROM event_subscriptions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := check(State(current)); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE event_subscriptions SET state = $2, updated_at = $3
			WHERE id = $1
			RETURNING `+subscriptionColumns,
			id, string(next), at,
		)
		updated, err = scanSubscription(row)
		return err
	})
	if err != nil {
		return Subscription{}, err
	}
	return updated, nil
}

func (p *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]Subscription, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}

func scanSubscription(row pgx.Row) (Subscription, error) {
	var (
		sub   Subscription
		state string
	)
	err := row.Scan(
		&sub.ID, &sub.CallbackURL, &sub.SubscribeOn.Topic, &sub.SubscribeOn.Value,
		&sub.Secret, &state, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return Subscription{}, err
	}
	sub.State = State(state)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return sub, nil
}
