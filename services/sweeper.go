package services

import (
	"context"
	"time"

	"github.com/coder/quartz"

	"chorus/presence-service/metrics"
	"chorus/presence-service/store"
	"chorus/presence-service/utils"
)

// Sweeper reclaims expired records on a fixed interval, for deployments
// where storage grows too much between queries. Lazy eviction keeps running
// alongside it.
type Sweeper struct {
	evictor  store.Evictor
	clock    quartz.Clock
	logger   *utils.Logger
	metrics  *metrics.Metrics
	ttl      time.Duration
	interval time.Duration
	timeout  time.Duration
}

func NewSweeper(evictor store.Evictor, clock quartz.Clock, m *metrics.Metrics, logger *utils.Logger, ttl, interval, timeout time.Duration) *Sweeper {
	return &Sweeper{
		evictor:  evictor,
		clock:    clock,
		logger:   logger.With("component", "sweeper"),
		metrics:  m,
		ttl:      ttl,
		interval: interval,
		timeout:  timeout,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Starting presence sweeper", "interval", s.interval)
	w := s.clock.TickerFunc(ctx, s.interval, func() error {
		s.Sweep(ctx)
		return nil
	}, "sweeper")
	return w.Wait()
}

func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := s.clock.Now().UTC().Truncate(time.Millisecond).Add(-s.ttl)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.evictor.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.metrics.EvictionFailures.Inc()
		s.logger.Warn("Sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.metrics.Evicted.Add(float64(n))
		s.logger.Info("Swept expired presence", "count", n, "cutoff", cutoff)
	}
}
