package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/presence-service/auth"
	"chorus/presence-service/directory"
	"chorus/presence-service/metrics"
	"chorus/presence-service/models"
	"chorus/presence-service/store"
	"chorus/presence-service/utils"
)

const testTTL = 120 * time.Second

var base = time.Date(2030, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *PresenceService
	mr      *miniredis.Miniredis
	redis   *redis.Client
	clock   *quartz.Mock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, dir directory.Directory) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := quartz.NewMock(t)
	clock.Set(base)
	m := metrics.New(prometheus.NewRegistry())

	svc := NewPresenceService(store.NewRedisStore(client), store.NewRedisEvictor(client), dir, m, utils.NewNopLogger(), PresenceOptions{
		TTL:   testTTL,
		Clock: clock,
	})
	return &fixture{svc: svc, mr: mr, redis: client, clock: clock, metrics: m}
}

func (f *fixture) at(ctx context.Context, offset time.Duration) {
	f.clock.Set(base.Add(offset)).MustWait(ctx)
}

func (f *fixture) heartbeat(ctx context.Context, t *testing.T, subject string) {
	t.Helper()
	_, err := f.svc.RecordHeartbeat(ctx, auth.Principal{ID: subject})
	require.NoError(t, err)
}

func (f *fixture) online(ctx context.Context, t *testing.T) []models.EnrichedPresence {
	t.Helper()
	list, _, err := f.svc.ListOnline(ctx, auth.Principal{ID: "viewer"})
	require.NoError(t, err)
	return list
}

func subjects(list []models.EnrichedPresence) []string {
	out := make([]string, len(list))
	for i, p := range list {
		out[i] = p.SubjectID
	}
	return out
}

func (f *fixture) stored(ctx context.Context, t *testing.T) int64 {
	t.Helper()
	n, err := f.redis.ZCard(ctx, "presence:last_seen").Result()
	require.NoError(t, err)
	return n
}

func TestListOnline_MissedHeartbeatsThenExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, directory.Static{"A": {DisplayName: "Ada"}})

	for _, sec := range []int{0, 30, 60} {
		f.at(ctx, time.Duration(sec)*time.Second)
		f.heartbeat(ctx, t, "A")
	}

	f.at(ctx, 90*time.Second)
	list := f.online(ctx, t)
	require.Len(t, list, 1)
	assert.Equal(t, "A", list[0].SubjectID)
	assert.Equal(t, "Ada", list[0].DisplayName)
	assert.Equal(t, base.Add(60*time.Second), list[0].LastSeenAt)

	f.at(ctx, 200*time.Second)
	assert.Empty(t, f.online(ctx, t))
	assert.EqualValues(t, 0, f.stored(ctx, t), "expired record should be evicted by the query")
	assert.EqualValues(t, 1, testutil.ToFloat64(f.metrics.Evicted))
}

func TestListOnline_BoundedStaleness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, directory.Static{})

	f.heartbeat(ctx, t, "A")

	f.at(ctx, testTTL-time.Millisecond)
	assert.Equal(t, []string{"A"}, subjects(f.online(ctx, t)))

	f.at(ctx, testTTL)
	assert.Equal(t, []string{"A"}, subjects(f.online(ctx, t)), "a heartbeat exactly TTL old is still online")

	f.at(ctx, testTTL+time.Millisecond)
	assert.Empty(t, f.online(ctx, t))
}

func TestListOnline_OrderedMostRecentFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, directory.Static{})

	f.heartbeat(ctx, t, "A")
	f.heartbeat(ctx, t, "B")
	f.at(ctx, 500*time.Millisecond)
	f.heartbeat(ctx, t, "C")

	f.at(ctx, time.Second)
	list := f.online(ctx, t)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"C", "A", "B"}, subjects(list))
	assert.Equal(t, list[1].LastSeenAt, list[2].LastSeenAt)
	assert.Equal(t, base, list[1].LastSeenAt)
}

func TestListOnline_EqualTimestampsOrderedBySubject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, directory.Static{})

	// Redis hands back equal scores in reverse member order.
	for _, s := range []string{"bravo", "delta", "alpha", "charlie"} {
		f.heartbeat(ctx, t, s)
	}

	f.at(ctx, time.Second)
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, subjects(f.online(ctx, t)))
}

func TestRecordHeartbeat_IdempotentPerSubject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, directory.Static{})

	first, err := f.svc.RecordHeartbeat(ctx, auth.Principal{ID: "A"})
	require.NoError(t, err)
	f.at(ctx, time.Second)
	second, err := f.svc.RecordHeartbeat(ctx, auth.Principal{ID: "A"})
	require.NoError(t, err)

	assert.Equal(t, base, first)
	assert.Equal(t, base.Add(time.Second), second)
	assert.EqualValues(t, 1, f.stored(ctx, t))
	assert.EqualValues(t, 2, testutil.ToFloat64(f.metrics.Heartbeats.WithLabelValues("ok")))
}

func TestRecordHeartbeat_UsesServiceClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, directory.Static{})
	f.clock.Set(base.Add(1500 * time.Microsecond)).MustWait(ctx)

	at, err := f.svc.RecordHeartbeat(ctx, auth.Principal{ID: "A"})
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Millisecond), at)

	score, err := f.redis.ZScore(ctx, "presence:last_seen", "A").Result()
	require.NoError(t, err)
	assert.EqualValues(t, base.Add(time.Millisecond).UnixMilli(), score)
}

type flakyDirectory struct {
	directory.Static
	fail string
}

func (d flakyDirectory) Lookup(ctx context.Context, subjectID string) (models.Profile, error) {
	if subjectID == d.fail {
		return models.Profile{}, errors.New("directory timeout")
	}
	return d.Static.Lookup(ctx, subjectID)
}

func TestListOnline_PartialEnrichmentFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, flakyDirectory{
		Static: directory.Static{
			"A": {DisplayName: "Ada"},
			"B": {DisplayName: "Bo", AvatarRef: "b.png"},
			"C": {DisplayName: "Cy"},
		},
		fail: "B",
	})

	for _, s := range []string{"A", "B", "C"} {
		f.heartbeat(ctx, t, s)
	}
	f.heartbeat(ctx, t, "D") // not in the directory at all

	list := f.online(ctx, t)
	require.Len(t, list, 4)

	byID := map[string]models.EnrichedPresence{}
	for _, p := range list {
		byID[p.SubjectID] = p
	}
	assert.Equal(t, "Ada", byID["A"].DisplayName)
	assert.False(t, byID["A"].Placeholder)
	assert.Equal(t, PlaceholderDisplayName, byID["B"].DisplayName)
	assert.True(t, byID["B"].Placeholder)
	assert.Empty(t, byID["B"].AvatarRef)
	assert.Equal(t, "Cy", byID["C"].DisplayName)
	assert.True(t, byID["D"].Placeholder)
	assert.EqualValues(t, 2, testutil.ToFloat64(f.metrics.EnrichmentPlaceholders))
}

type countingStore struct {
	calls atomic.Int32
}

func (s *countingStore) Upsert(context.Context, string, time.Time) error {
	s.calls.Add(1)
	return nil
}

func (s *countingStore) ListSince(context.Context, time.Time) ([]models.PresenceRecord, error) {
	s.calls.Add(1)
	return nil, nil
}

func TestPresence_RejectsAnonymousBeforeStoreAccess(t *testing.T) {
	t.Parallel()
	st := &countingStore{}
	svc := NewPresenceService(st, nil, directory.Static{}, metrics.New(prometheus.NewRegistry()), utils.NewNopLogger(), PresenceOptions{})

	_, err := svc.RecordHeartbeat(context.Background(), auth.Principal{})
	assert.ErrorIs(t, err, models.ErrUnauthenticated)
	_, _, err = svc.ListOnline(context.Background(), auth.Principal{})
	assert.ErrorIs(t, err, models.ErrUnauthenticated)
	assert.EqualValues(t, 0, st.calls.Load())
}

func TestPresence_StoreUnavailableIsTransient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, directory.Static{})
	f.mr.Close()

	_, err := f.svc.RecordHeartbeat(ctx, auth.Principal{ID: "A"})
	assert.ErrorIs(t, err, models.ErrTransient)
	assert.NotErrorIs(t, err, models.ErrUnauthenticated)

	_, _, err = f.svc.ListOnline(ctx, auth.Principal{ID: "A"})
	assert.ErrorIs(t, err, models.ErrTransient)
	assert.EqualValues(t, 1, testutil.ToFloat64(f.metrics.Heartbeats.WithLabelValues("error")))
}

type failingEvictor struct{}

func (failingEvictor) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("NOPERM this user has no permissions to run the 'zremrangebyscore' command")
}

func TestListOnline_EvictionFailureDoesNotAffectResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := quartz.NewMock(t)
	clock.Set(base)
	m := metrics.New(prometheus.NewRegistry())
	svc := NewPresenceService(store.NewRedisStore(client), failingEvictor{}, directory.Static{}, m, utils.NewNopLogger(), PresenceOptions{TTL: testTTL, Clock: clock})

	_, err := svc.RecordHeartbeat(ctx, auth.Principal{ID: "old"})
	require.NoError(t, err)
	clock.Set(base.Add(time.Hour)).MustWait(ctx)
	_, err = svc.RecordHeartbeat(ctx, auth.Principal{ID: "new"})
	require.NoError(t, err)

	list, _, err := svc.ListOnline(ctx, auth.Principal{ID: "new"})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, subjects(list), "stale record must not count as online even if it was never evicted")
	assert.EqualValues(t, 1, testutil.ToFloat64(m.EvictionFailures))
}

func TestListOnlineAt_FutureAsOfNeverEvictsFreshRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, directory.Static{})

	f.heartbeat(ctx, t, "A")

	list, err := f.svc.ListOnlineAt(ctx, auth.Principal{ID: "viewer"}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.EqualValues(t, 1, f.stored(ctx, t), "record is within TTL of the service clock")
}

func TestListOnline_ConcurrentHeartbeatsNeverEvicted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, directory.Static{})
	f.heartbeat(ctx, t, "A")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.RecordHeartbeat(ctx, auth.Principal{ID: "A"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			list, _, err := f.svc.ListOnline(ctx, auth.Principal{ID: "viewer"})
			if assert.NoError(t, err) {
				assert.Equal(t, []string{"A"}, subjects(list))
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.stored(ctx, t))
}
