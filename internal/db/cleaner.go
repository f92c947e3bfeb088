package db

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// StartAppOpenCleaner deletes app-open events older than retention every
// interval until ctx is done.
func StartAppOpenCleaner(
	ctx context.Context,
	db *sql.DB,
	interval time.Duration,
	retention time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := PruneAppOpens(ctx, db, time.Now().Add(-retention))
				if err != nil {
					log.Error("failed to prune app-open events", zap.Error(err))
					continue
				}
				if removed > 0 {
					log.Info("pruned app-open events", zap.Int64("removed", removed))
				}
			}
		}
	}()
}

// PruneAppOpens deletes app-open events created before cutoff.
func PruneAppOpens(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM app_opens WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
