package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/labstock/labstock/internal/observability"
	"github.com/labstock/labstock/internal/shared"
)

// NewIdempotencyCleanupHandler builds the handler for TaskIdempotencyCleanup.
func NewIdempotencyCleanupHandler(store *shared.IdempotencyStore, retention time.Duration, metrics *observability.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if err := store.Cleanup(ctx, retention); err != nil {
			metrics.RecordJob(TaskIdempotencyCleanup, "error")
			return err
		}
		logger.Info("idempotency keys pruned", slog.Duration("retention", retention))
		metrics.RecordJob(TaskIdempotencyCleanup, "ok")
		return nil
	}
}
