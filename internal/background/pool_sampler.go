package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/redcell/optrack/internal/database"
)

type PoolStatsSource interface {
	PoolStats() database.PoolStats
}

type PoolStatsObserver interface {
	ObservePool(database.PoolStats)
}

// PoolSampler periodically copies database pool counters into the metrics
// gauges and warns when the pool is saturated.
type PoolSampler struct {
	source   PoolStatsSource
	observer PoolStatsObserver
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewPoolSampler(
	source PoolStatsSource,
	observer PoolStatsObserver,
	logger *slog.Logger,
	interval time.Duration,
) *PoolSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PoolSampler{
		source:   source,
		observer: observer,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start blocks until ctx is cancelled or Stop is called.
func (ps *PoolSampler) Start(ctx context.Context) {
	defer close(ps.doneCh)

	ticker := time.NewTicker(ps.interval)
	defer ticker.Stop()

	ps.sample()

	for {
		select {
		case <-ticker.C:
			ps.sample()
		case <-ps.stopCh:
			ps.logger.Info("pool sampler stopped")
			return
		case <-ctx.Done():
			ps.logger.Info("pool sampler context cancelled")
			return
		}
	}
}

func (ps *PoolSampler) sample() {
	st := ps.source.PoolStats()
	ps.observer.ObservePool(st)

	if st.Max > 0 && st.Acquired >= st.Max {
		ps.logger.Warn("database pool saturated",
			slog.Int("acquired", int(st.Acquired)),
			slog.Int("max", int(st.Max)),
			slog.Int64("empty_acquires", st.EmptyAcquireCount),
		)
	}
}

// Stop signals the sampler to exit and waits for it.
func (ps *PoolSampler) Stop() {
	close(ps.stopCh)
	<-ps.doneCh
}
