package obs

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/hook0/dispatch-engine/internal/config"
)

// StartQueueLengthUpdater samples the count of claimable request_attempt
// rows and updates PendingAttempts, the Postgres-backed replacement for the
// teacher's Redis LLen sampler. Counts both the pg-native queue (rows with
// delay_until <= now()) and, when the external queue is active, treats that
// count under the "external" label so both modes show up on one gauge.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, db *sql.DB, log *zap.Logger) {
	interval := 2 * time.Second

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := samplePendingCount(ctx, db)
				if err != nil {
					log.Debug("pending attempt count poll error", Err(err))
					continue
				}
				PendingAttempts.WithLabelValues(string(cfg.Worker.QueueType)).Set(float64(n))
			}
		}
	}()
}

func samplePendingCount(ctx context.Context, db *sql.DB) (int64, error) {
	const q = `
		SELECT count(*) FROM request_attempts
		WHERE state IN ('pending', 'failed_retry')
		  AND delay_until <= now()
		  AND picked_at IS NULL
	`
	var n int64
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
