package daemon

import (
	"context"
	"os"
	"time"

	"memoir/internal/logging"
)

// runRetentionSweeper deletes expired projects on an interval: database rows,
// chunk blobs, and the media directory. Disabled when no interval is set.
func (d *Daemon) runRetentionSweeper(ctx context.Context) error {
	interval := time.Duration(d.cfg.Retention.SweepInterval) * time.Second
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.sweepExpired(ctx)
		}
	}
}

func (d *Daemon) sweepExpired(ctx context.Context) {
	ids, err := d.store.ExpiredProjects(ctx, time.Now().UTC())
	if err != nil {
		d.logger.Warn("retention sweep query failed", logging.Error(err))
		return
	}
	for _, id := range ids {
		deleted, err := d.store.DeleteProject(ctx, id)
		if err != nil {
			d.logger.Warn("retention delete failed",
				logging.String(logging.FieldProjectID, id),
				logging.Error(err),
			)
			continue
		}
		if !deleted {
			continue
		}
		if err := d.blobs.DeleteProject(ctx, id); err != nil {
			d.logger.Warn("retention blob cleanup failed",
				logging.String(logging.FieldProjectID, id),
				logging.Error(err),
			)
		}
		if err := os.RemoveAll(d.cfg.ProjectDir(id)); err != nil {
			d.logger.Warn("retention dir cleanup failed",
				logging.String(logging.FieldProjectID, id),
				logging.Error(err),
			)
		}
		d.logger.Info("expired project removed", logging.String(logging.FieldProjectID, id))
	}
}
