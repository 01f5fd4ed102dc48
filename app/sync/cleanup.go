package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/ykarpov/readersync/app/store"
)

// retentionHorizon is how far back read, unstarred items survive before the
// sweep considers them outdated.
const retentionHorizon = 30 * 24 * time.Hour

// CleanupJob sweeps outdated items and their content artifacts. Purely
// local, but it runs through the scheduler so it never overlaps an item
// fetch.
type CleanupJob struct {
	base
	store     *store.Store
	retention int
}

func NewCleanupJob(st *store.Store, retention int) *CleanupJob {
	return &CleanupJob{
		base:      newBase("cleanup", "cleanup"),
		store:     st,
		retention: retention,
	}
}

func (j *CleanupJob) Run(ctx context.Context) error {
	removed, err := j.store.SweepOutdated(time.Now().Add(-retentionHorizon), j.retention)
	if err != nil {
		return storageErr(err, "failed to sweep outdated items")
	}
	if removed > 0 {
		slog.Info("Swept outdated items", "count", removed)
	}
	return nil
}
