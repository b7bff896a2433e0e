package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-forward-bot/internal/domain"
	"tg-forward-bot/internal/infra/metrics"
)

// DB — часть pgxpool.Pool, которой пользуется адаптер.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Postgres хранит те же документы пользователей в таблице forwarder_users (jsonb).
type Postgres struct {
	pool DB
}

var _ domain.ConfigRepo = (*Postgres)(nil)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool DB) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// EnsureSchema создаёт таблицу, если её нет.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS forwarder_users (
    user_id    BIGINT PRIMARY KEY,
    doc        JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	metrics.ObserveNetworkRequest("postgres", "ensure_schema", "forwarder_users", start, err)
	return err
}

// Load реализует domain.ConfigRepo.
func (p *Postgres) Load(ctx context.Context, userID int64) (domain.UserConfig, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT doc FROM forwarder_users WHERE user_id = $1`, userID).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "forwarder_users_load", "forwarder_users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return emptyConfig(), nil
	}
	if err != nil {
		return domain.UserConfig{}, fmt.Errorf("загрузка пользователя %d: %w", userID, err)
	}
	return decodeDocument(data)
}

// Save реализует domain.ConfigRepo.
func (p *Postgres) Save(ctx context.Context, userID int64, cfg domain.UserConfig) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	data, err := encodeDocument(cfg)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO forwarder_users (user_id, doc, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (user_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
`, userID, data)
	metrics.ObserveNetworkRequest("postgres", "forwarder_users_store", "forwarder_users", start, err)
	return err
}

// Update блокирует строку пользователя (SELECT ... FOR UPDATE) на время изменения.
func (p *Postgres) Update(ctx context.Context, userID int64, fn func(cfg *domain.UserConfig) error) (domain.UserConfig, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	cfg, err := p.update(ctx, userID, fn)
	metrics.ObserveNetworkRequest("postgres", "forwarder_users_update", "forwarder_users", start, err)
	return cfg, err
}

func (p *Postgres) update(ctx context.Context, userID int64, fn func(cfg *domain.UserConfig) error) (domain.UserConfig, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.UserConfig{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
INSERT INTO forwarder_users (user_id) VALUES ($1)
ON CONFLICT (user_id) DO NOTHING
`, userID); err != nil {
		return domain.UserConfig{}, err
	}
	var data []byte
	if err := tx.QueryRow(ctx, `SELECT doc FROM forwarder_users WHERE user_id = $1 FOR UPDATE`, userID).Scan(&data); err != nil {
		return domain.UserConfig{}, err
	}
	cfg, err := decodeDocument(data)
	if err != nil {
		return domain.UserConfig{}, err
	}
	if err := fn(&cfg); err != nil {
		return domain.UserConfig{}, err
	}
	cfg.Rules = normalizeRules(cfg.Rules)
	encoded, err := encodeDocument(cfg)
	if err != nil {
		return domain.UserConfig{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE forwarder_users SET doc = $2, updated_at = now() WHERE user_id = $1`, userID, encoded); err != nil {
		return domain.UserConfig{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.UserConfig{}, err
	}
	return cfg, nil
}

// ListAll реализует domain.ConfigRepo.
func (p *Postgres) ListAll(ctx context.Context) (map[int64]domain.UserConfig, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT user_id, doc FROM forwarder_users`)
	metrics.ObserveNetworkRequest("postgres", "forwarder_users_list", "forwarder_users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]domain.UserConfig)
	for rows.Next() {
		var (
			userID int64
			data   []byte
		)
		if err := rows.Scan(&userID, &data); err != nil {
			return nil, err
		}
		cfg, err := decodeDocument(data)
		if err != nil {
			return nil, err
		}
		out[userID] = cfg
	}
	return out, rows.Err()
}
