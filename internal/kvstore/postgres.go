package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS kv_expires_at ON kv (expires_at);`

// Postgres keeps entries in a shared kv table so several proxy instances can
// share one cache.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init kv schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres get: %w", err)
	}
	return value, true, nil
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expires)
	if err != nil {
		return fmt.Errorf("postgres put: %w", err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key FROM kv WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > now()) ORDER BY key`,
		likeEscape(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("postgres list: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres list: %w", err)
	}
	return keys, nil
}

func (p *Postgres) Sweep(now time.Time) int {
	tag, err := p.pool.Exec(context.Background(), `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0
	}
	return int(tag.RowsAffected())
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
