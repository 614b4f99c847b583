package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultCleanupInterval   = 10 * time.Minute
	defaultCleanupBatchSize  = 500
	defaultProcessingTimeout = 5 * time.Minute
)

var (
	cleanupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_idempotency_cleanup_runs_total",
		Help: "Total number of idempotency cleanup runs grouped by result.",
	}, []string{"result"})
	cleanupRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_idempotency_cleanup_removed_total",
		Help: "Total number of removed idempotency keys grouped by reason.",
	}, []string{"reason"})
)

// Sweep — итог одного прохода очистки.
type Sweep struct {
	// Expired — удалено записей с истёкшим TTL.
	Expired int
	// Released — освобождено ключей, зависших в processing (упавший запрос оформления заказа).
	Released int
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithInterval задаёт интервал между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithBatchSize задаёт размер одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(w *CleanupWorker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// WithProcessingTimeout задаёт, сколько ключ может оставаться в processing.
// 0 отключает освобождение зависших ключей.
func WithProcessingTimeout(timeout time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if timeout >= 0 {
			w.processingTimeout = timeout
		}
	}
}

// CleanupWorker обслуживает ключи идемпотентного создания заказов:
// удаляет просроченные и освобождает зависшие в processing.
type CleanupWorker struct {
	repo              domain.IdempotencyRepository
	logger            *log.Entry
	interval          time.Duration
	batchSize         int
	processingTimeout time.Duration
}

// NewCleanupWorker создаёт воркер очистки ключей идемпотентности.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:              repo,
		logger:            log.WithField("component", "idempotency-cleanup-worker"),
		interval:          defaultCleanupInterval,
		batchSize:         defaultCleanupBatchSize,
		processingTimeout: defaultProcessingTimeout,
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run выполняет Sweep сразу и затем каждые interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	sweep, err := w.Sweep(ctx, time.Now().UTC())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		cleanupRuns.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("idempotency cleanup run failed")
		return
	}

	cleanupRuns.WithLabelValues("ok").Inc()
	if sweep.Expired > 0 || sweep.Released > 0 {
		w.logger.WithFields(log.Fields{
			"expired":  sweep.Expired,
			"released": sweep.Released,
		}).Info("idempotency cleanup completed")
	}
}

// Sweep удаляет записи с TTL не позже now и освобождает ключи,
// не менявшиеся дольше processingTimeout.
func (w *CleanupWorker) Sweep(ctx context.Context, now time.Time) (Sweep, error) {
	var (
		sweep Sweep
		err   error
	)

	sweep.Expired, err = w.drain(ctx, func(ctx context.Context, limit int) (int, error) {
		return w.repo.DeleteExpired(ctx, now, limit)
	})
	cleanupRemoved.WithLabelValues("expired").Add(float64(sweep.Expired))
	if err != nil {
		return sweep, fmt.Errorf("delete expired keys: %w", err)
	}

	if w.processingTimeout == 0 {
		return sweep, nil
	}

	staleBefore := now.Add(-w.processingTimeout)
	sweep.Released, err = w.drain(ctx, func(ctx context.Context, limit int) (int, error) {
		return w.repo.ReleaseStale(ctx, staleBefore, limit)
	})
	cleanupRemoved.WithLabelValues("stale_processing").Add(float64(sweep.Released))
	if sweep.Released > 0 {
		w.logger.WithFields(log.Fields{
			"released":     sweep.Released,
			"stale_before": staleBefore.Format(time.RFC3339),
		}).Warn("released idempotency keys stuck in processing")
	}
	if err != nil {
		return sweep, fmt.Errorf("release stale keys: %w", err)
	}

	return sweep, nil
}

// drain повторяет удаление порциями batchSize, пока порция не окажется неполной.
func (w *CleanupWorker) drain(ctx context.Context, remove func(context.Context, int) (int, error)) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := remove(ctx, w.batchSize)
		if err != nil {
			return total, err
		}
		total += n

		if n < w.batchSize {
			return total, nil
		}
	}
}
