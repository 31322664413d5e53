package ledger

import (
	"context"
	"log/slog"
	"time"
)

// Pruner removes records older than a retention window on a fixed interval.
type Pruner struct {
	ledger    Ledger
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewPruner creates a Pruner for l.
func NewPruner(l Ledger, retention time.Duration, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{ledger: l, retention: retention, logger: logger, now: time.Now}
}

// PruneOnce deletes records older than now minus the retention window.
// Taking now as a parameter lets operators backfill from a fixed reference time.
func (p *Pruner) PruneOnce(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-p.retention)
	removed, err := p.ledger.Prune(ctx, cutoff)
	if err != nil {
		p.logger.ErrorContext(ctx, "ledger prune failed", "cutoff", cutoff, "error", err)
		return removed, err
	}
	if removed > 0 {
		p.logger.InfoContext(ctx, "ledger pruned", "cutoff", cutoff, "removed", removed)
	}
	return removed, nil
}

// Run prunes every interval until ctx is done. A failed pass is logged and
// retried on the next tick.
func (p *Pruner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = p.PruneOnce(ctx, p.now())
		}
	}
}
