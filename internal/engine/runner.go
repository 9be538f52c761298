package engine

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"schemaprobe/internal/schema"
)

// RunAll runs every operation in the catalog with bounded concurrency.
// Results are slotted by catalog index, so report order is stable no matter
// which operation finishes first. Operations share only the executor's HTTP
// client; each gets its own derived seed and result slot.
func (e *Engine) RunAll(ctx context.Context, cat *schema.Catalog) []*RunResult {
	ops := cat.Operations()
	results := make([]*RunResult, len(ops))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, op := range ops {
		g.Go(func() error {
			results[i] = e.Run(gctx, op)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures live in the results

	e.log.Info("run complete",
		zap.Int("operations", len(ops)),
		zap.Int("workers", e.opts.Workers),
	)
	return results
}
