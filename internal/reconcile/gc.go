package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/nodepilot/internal/otel"
	"github.com/basket/nodepilot/internal/store"
)

const keyGCCursor = "PIPELINE_GC_CURSOR"

// GC deletes finished pipeline trees past the retention window. Each pass
// removes one bounded batch and leaves its position in the config store, so
// a large backlog drains across passes without a long transaction.
type GC struct {
	store     *store.Store
	retention time.Duration
	batchSize int
	logger    *slog.Logger
	metrics   *otel.Metrics
	now       func() time.Time
}

func NewGC(st *store.Store, retention time.Duration, batchSize int, logger *slog.Logger, metrics *otel.Metrics) *GC {
	return &GC{
		store:     st,
		retention: retention,
		batchSize: batchSize,
		logger:    logger.With("component", "gc"),
		metrics:   metrics,
		now:       time.Now,
	}
}

func (g *GC) RunOnce(ctx context.Context) error {
	cursor, err := g.store.GetConfig(ctx, keyGCCursor)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	cutoff := g.now().Add(-g.retention)
	trees, err := g.store.ListExpiredTrees(ctx, cutoff, cursor, g.batchSize)
	if err != nil {
		return err
	}
	if len(trees) == 0 {
		// Backlog drained; restart from the top next pass.
		if cursor != "" {
			return g.store.SetConfig(ctx, keyGCCursor, "")
		}
		return nil
	}

	if err := g.store.DeletePipelines(ctx, trees); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.PipelinesDeleted.Add(ctx, int64(len(trees)))
	}
	g.logger.Info("expired pipeline trees deleted",
		"count", len(trees), "cutoff", cutoff.Format(time.RFC3339))
	return g.store.SetConfig(ctx, keyGCCursor, trees[len(trees)-1])
}
