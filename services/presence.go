package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"chorus/presence-service/auth"
	"chorus/presence-service/directory"
	"chorus/presence-service/metrics"
	"chorus/presence-service/models"
	"chorus/presence-service/store"
	"chorus/presence-service/utils"
)

const (
	// PlaceholderDisplayName is shown when the directory has no usable entry.
	PlaceholderDisplayName = "Unknown user"

	enrichmentConcurrency = 8
)

type PresenceOptions struct {
	// TTL is how long a heartbeat keeps its subject online.
	TTL           time.Duration
	StoreTimeout  time.Duration
	LookupTimeout time.Duration
	Clock         quartz.Clock
}

// PresenceService ingests heartbeats and resolves the online set.
type PresenceService struct {
	store     store.Store
	evictor   store.Evictor
	directory directory.Directory
	metrics   *metrics.Metrics
	logger    *utils.Logger
	clock     quartz.Clock

	ttl           time.Duration
	storeTimeout  time.Duration
	lookupTimeout time.Duration
}

// NewPresenceService wires the service. evictor may be nil when expired
// records are reclaimed only by a Sweeper.
func NewPresenceService(st store.Store, evictor store.Evictor, dir directory.Directory, m *metrics.Metrics, logger *utils.Logger, opts PresenceOptions) *PresenceService {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.TTL <= 0 {
		opts.TTL = 120 * time.Second // 4 x the default 30s heartbeat interval
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}

	return &PresenceService{
		store:         st,
		evictor:       evictor,
		directory:     dir,
		metrics:       m,
		logger:        logger.With("component", "presence"),
		clock:         opts.Clock,
		ttl:           opts.TTL,
		storeTimeout:  opts.StoreTimeout,
		lookupTimeout: opts.LookupTimeout,
	}
}

func (ps *PresenceService) TTL() time.Duration {
	return ps.ttl
}

// now is millisecond precision, the resolution every store keeps.
func (ps *PresenceService) now() time.Time {
	return ps.clock.Now().UTC().Truncate(time.Millisecond)
}

// RecordHeartbeat upserts the principal's record to the service's current
// time and returns the timestamp written.
func (ps *PresenceService) RecordHeartbeat(ctx context.Context, principal auth.Principal) (time.Time, error) {
	if principal.ID == "" {
		return time.Time{}, models.ErrUnauthenticated
	}

	now := ps.now()

	ctx, cancel := context.WithTimeout(ctx, ps.storeTimeout)
	defer cancel()

	if err := ps.store.Upsert(ctx, principal.ID, now); err != nil {
		ps.metrics.Heartbeats.WithLabelValues("error").Inc()
		ps.logger.Warn("Failed to record heartbeat", "subject_id", principal.ID, "error", err)
		return time.Time{}, fmt.Errorf("%w: %w", models.ErrTransient, err)
	}

	ps.metrics.Heartbeats.WithLabelValues("ok").Inc()
	ps.logger.Debug("Recorded heartbeat", "subject_id", principal.ID, "last_seen_at", now)
	return now, nil
}

// ListOnline resolves the online set as of now.
func (ps *PresenceService) ListOnline(ctx context.Context, principal auth.Principal) ([]models.EnrichedPresence, time.Time, error) {
	asOf := ps.now()
	online, err := ps.ListOnlineAt(ctx, principal, asOf)
	return online, asOf, err
}

// ListOnlineAt returns every subject whose LastSeenAt >= asOf-TTL, most
// recently active first with ties by subject id, and evicts older records as
// a side effect.
func (ps *PresenceService) ListOnlineAt(ctx context.Context, principal auth.Principal, asOf time.Time) ([]models.EnrichedPresence, error) {
	if principal.ID == "" {
		return nil, models.ErrUnauthenticated
	}

	start := ps.clock.Now()
	cutoff := asOf.Add(-ps.ttl)

	storeCtx, cancel := context.WithTimeout(ctx, ps.storeTimeout)
	records, err := ps.store.ListSince(storeCtx, cutoff)
	cancel()
	if err != nil {
		ps.logger.Warn("Failed to list presence", "error", err)
		return nil, fmt.Errorf("%w: %w", models.ErrTransient, err)
	}

	// The store already filtered; filtering again keeps the answer independent
	// of how the backend rounds its timestamps.
	online := make([]models.PresenceRecord, 0, len(records))
	for _, rec := range records {
		if !rec.LastSeenAt.Before(cutoff) {
			online = append(online, rec)
		}
	}

	ps.evictExpired(ctx, asOf)

	enriched := ps.enrich(ctx, online)
	sort.SliceStable(enriched, func(i, j int) bool {
		a, b := enriched[i], enriched[j]
		if !a.LastSeenAt.Equal(b.LastSeenAt) {
			return a.LastSeenAt.After(b.LastSeenAt)
		}
		return a.SubjectID < b.SubjectID
	})

	ps.metrics.OnlineSubjects.Set(float64(len(enriched)))
	ps.metrics.ListDuration.Observe(ps.clock.Since(start).Seconds())
	return enriched, nil
}

// evictExpired deletes records older than the TTL with the evictor's
// authority. Failures are logged and counted only.
func (ps *PresenceService) evictExpired(ctx context.Context, asOf time.Time) {
	if ps.evictor == nil {
		return
	}

	// Never evict relative to a point later than the service's own clock, so
	// a record refreshed within the last TTL can't be removed.
	if now := ps.now(); asOf.After(now) {
		asOf = now
	}
	cutoff := asOf.Add(-ps.ttl)

	ctx, cancel := context.WithTimeout(ctx, ps.storeTimeout)
	defer cancel()

	n, err := ps.evictor.DeleteBefore(ctx, cutoff)
	if err != nil {
		ps.metrics.EvictionFailures.Inc()
		ps.logger.Warn("Failed to evict expired presence", "cutoff", cutoff, "error", err)
		return
	}
	if n > 0 {
		ps.metrics.Evicted.Add(float64(n))
		ps.logger.Info("Evicted expired presence", "count", n, "cutoff", cutoff)
	}
}

func (ps *PresenceService) enrich(ctx context.Context, records []models.PresenceRecord) []models.EnrichedPresence {
	out := make([]models.EnrichedPresence, len(records))

	var g errgroup.Group
	g.SetLimit(enrichmentConcurrency)
	for i, rec := range records {
		g.Go(func() error {
			out[i] = ps.enrichOne(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (ps *PresenceService) enrichOne(ctx context.Context, rec models.PresenceRecord) models.EnrichedPresence {
	entry := models.EnrichedPresence{
		SubjectID:  rec.SubjectID,
		LastSeenAt: rec.LastSeenAt,
	}

	ctx, cancel := context.WithTimeout(ctx, ps.lookupTimeout)
	defer cancel()

	profile, err := ps.directory.Lookup(ctx, rec.SubjectID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		ps.logger.Debug("No directory entry", "subject_id", rec.SubjectID)
	case err != nil:
		ps.logger.Warn("Directory lookup failed", "subject_id", rec.SubjectID, "error", err)
	case profile.DisplayName != "":
		entry.DisplayName = profile.DisplayName
		entry.AvatarRef = profile.AvatarRef
		return entry
	}

	ps.metrics.EnrichmentPlaceholders.Inc()
	entry.DisplayName = PlaceholderDisplayName
	entry.Placeholder = true
	return entry
}
