package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultIdempotencyBatch = 1000

const (
	// ON CONFLICT DO NOTHING: из конкурентных запросов ключ получает ровно один.
	claimIdempotencyKeySQL = `
		INSERT INTO idempotency_keys (key, request_hash, status, ttl_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (key) DO NOTHING`

	selectIdempotencyKeySQL = `
		SELECT key, request_hash, response_body, status, ttl_at, created_at, updated_at
		  FROM idempotency_keys
		 WHERE key = $1`

	finishIdempotencyKeySQL = `
		UPDATE idempotency_keys
		   SET status = $2, response_body = $3, updated_at = $4
		 WHERE key = $1`

	releaseIdempotencyKeySQL = `
		DELETE FROM idempotency_keys
		 WHERE key = $1 AND status = $2`

	deleteExpiredKeysSQL = `
		DELETE FROM idempotency_keys
		 WHERE key IN (
			SELECT key FROM idempotency_keys
			 WHERE ttl_at <= $1
			 ORDER BY ttl_at
			 LIMIT $2)`

	// Частичный индекс idx_idempotency_keys_processing покрывает этот отбор.
	releaseStaleKeysSQL = `
		DELETE FROM idempotency_keys
		 WHERE key IN (
			SELECT key FROM idempotency_keys
			 WHERE status = $1 AND updated_at <= $2
			 ORDER BY updated_at
			 LIMIT $3)`
)

type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт хранилище ключей в таблице idempotency_keys.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

func (r *idempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	record, err := domain.NewProcessingRecord(key, requestHash, ttlAt, time.Now())
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	execCtx, cancel := withTimeout(ctx)
	defer cancel()

	inserted, err := affected(r.db.ExecContext(execCtx, claimIdempotencyKeySQL,
		record.Key, record.RequestHash, string(record.Status), record.TTLAt, record.CreatedAt))
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key %s: %w", record.Key, err)
	}
	if inserted == 1 {
		return record, nil
	}

	existing, err := r.Get(ctx, record.Key)
	if err != nil {
		// Ключ удалили между INSERT и SELECT; для клиента это всё равно повтор.
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	return existing, existing.Conflict(record.RequestHash)
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		record domain.IdempotencyRecord
		status string
	)
	err := r.db.QueryRowContext(ctx, selectIdempotencyKeySQL, key).Scan(
		&record.Key, &record.RequestHash, &record.ResponseBody, &status,
		&record.TTLAt, &record.CreatedAt, &record.UpdatedAt,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyNotFound
	case err != nil:
		return domain.IdempotencyRecord{}, fmt.Errorf("load idempotency key %s: %w", key, err)
	}

	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %s has unknown status %q", key, status)
	}
	return record, nil
}

func (r *idempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte) error {
	return r.finish(ctx, key, domain.IdempotencyStatusDone, responseBody)
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte) error {
	return r.finish(ctx, key, domain.IdempotencyStatusFailed, responseBody)
}

func (r *idempotencyRepository) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	n, err := affected(r.db.ExecContext(ctx, releaseIdempotencyKeySQL, key, string(domain.IdempotencyStatusProcessing)))
	if err != nil {
		return fmt.Errorf("release idempotency key %s: %w", key, err)
	}
	if n == 0 {
		return domain.ErrIdempotencyNotFound
	}
	return nil
}

// DeleteExpired удаляет записи с ttl_at <= before; limit <= 0 берёт порцию по умолчанию.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	if limit <= 0 {
		limit = defaultIdempotencyBatch
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	n, err := affected(r.db.ExecContext(ctx, deleteExpiredKeysSQL, before, limit))
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return int(n), nil
}

func (r *idempotencyRepository) ReleaseStale(ctx context.Context, updatedBefore time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultIdempotencyBatch
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	n, err := affected(r.db.ExecContext(ctx, releaseStaleKeysSQL,
		string(domain.IdempotencyStatusProcessing), updatedBefore, limit))
	if err != nil {
		return 0, fmt.Errorf("release stale idempotency keys: %w", err)
	}
	return int(n), nil
}

func (r *idempotencyRepository) finish(ctx context.Context, key string, status domain.IdempotencyStatus, responseBody []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	n, err := affected(r.db.ExecContext(ctx, finishIdempotencyKeySQL, key, string(status), responseBody, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("mark idempotency key %s %s: %w", key, status, err)
	}
	if n == 0 {
		return domain.ErrIdempotencyNotFound
	}
	return nil
}

// affected возвращает число затронутых строк результата Exec.
func affected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
