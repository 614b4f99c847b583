package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OutboxBacklogChecker переводит сервис в degraded, когда старейшее pending-сообщение outbox старше maxAge.
// Ошибка чтения статистики означает unhealthy.
type OutboxBacklogChecker struct {
	outbox domain.OutboxRepository
	maxAge time.Duration
	now    func() time.Time
}

func NewOutboxBacklogChecker(outbox domain.OutboxRepository, maxAge time.Duration) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{outbox: outbox, maxAge: maxAge, now: time.Now}
}

func (c *OutboxBacklogChecker) Check(ctx context.Context) Check {
	return timed("outbox", func() (Status, string) {
		stats, err := c.outbox.Stats(ctx)
		if err != nil {
			return StatusUnhealthy, err.Error()
		}
		if stats.PendingCount == 0 || c.maxAge <= 0 {
			return StatusHealthy, ""
		}
		lag := c.now().Sub(stats.OldestPendingAt)
		if lag <= c.maxAge {
			return StatusHealthy, ""
		}
		return StatusDegraded, fmt.Sprintf("%d pending messages, oldest %s", stats.PendingCount, lag.Round(time.Second))
	})
}
