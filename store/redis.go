package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chorus/presence-service/config"
	"chorus/presence-service/models"
)

// Records live in one sorted set: member = subject id, score = LastSeenAt in
// unix milliseconds. ZADD on an existing member replaces its score, which
// gives the one-record-per-subject upsert.
const presenceKey = "presence:last_seen"

func NewRedisClient(ctx context.Context, url string, db int) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.DB = db

	client := redis.NewClient(opt)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// NewRedisClients opens the subject-scoped and the admin connection.
func NewRedisClients(ctx context.Context, cfg *config.Config) (scoped, admin *redis.Client, err error) {
	scoped, err = NewRedisClient(ctx, cfg.RedisURL, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	admin, err = NewRedisClient(ctx, cfg.RedisAdminURL, cfg.RedisDB)
	if err != nil {
		_ = scoped.Close()
		return nil, nil, fmt.Errorf("admin connection: %w", err)
	}
	return scoped, admin, nil
}

type RedisStore struct {
	redis *redis.Client
	key   string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client, key: presenceKey}
}

func (s *RedisStore) Upsert(ctx context.Context, subjectID string, at time.Time) error {
	err := s.redis.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: subjectID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	return nil
}

func (s *RedisStore) ListSince(ctx context.Context, cutoff time.Time) ([]models.PresenceRecord, error) {
	zs, err := s.redis.ZRevRangeByScoreWithScores(ctx, s.key, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}

	records := make([]models.PresenceRecord, 0, len(zs))
	for _, z := range zs {
		subjectID, ok := z.Member.(string)
		if !ok {
			continue
		}
		records = append(records, models.PresenceRecord{
			SubjectID:  subjectID,
			LastSeenAt: time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return records, nil
}

// Listen subscribes to keyspace notifications for the presence key. The
// server must have K and z (or A) in notify-keyspace-events; see
// EnableKeyspaceEvents.
func (s *RedisStore) Listen(ctx context.Context, onChange func()) error {
	channel := fmt.Sprintf("__keyspace@%d__:%s", s.redis.Options().DB, s.key)
	pubsub := s.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so errors surface here.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return errors.New("keyspace subscription closed")
			}
			onChange()
		}
	}
}

// EnableKeyspaceEvents adds the flags Listen needs to the server's
// notify-keyspace-events setting, keeping whatever was already configured.
// Needs CONFIG permission, so it is run with the admin connection.
func EnableKeyspaceEvents(ctx context.Context, client *redis.Client) error {
	current, err := client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		return fmt.Errorf("failed to read notify-keyspace-events: %w", err)
	}
	flags := current["notify-keyspace-events"]
	merged := mergeKeyspaceFlags(flags)
	if merged == flags {
		return nil
	}
	if err := client.ConfigSet(ctx, "notify-keyspace-events", merged).Err(); err != nil {
		return fmt.Errorf("failed to set notify-keyspace-events: %w", err)
	}
	return nil
}

func mergeKeyspaceFlags(flags string) string {
	if !strings.Contains(flags, "K") {
		flags += "K"
	}
	if !strings.ContainsAny(flags, "zA") {
		flags += "z"
	}
	return flags
}

// RedisEvictor deletes expired records. Build it from the admin client.
type RedisEvictor struct {
	redis *redis.Client
	key   string
}

func NewRedisEvictor(admin *redis.Client) *RedisEvictor {
	return &RedisEvictor{redis: admin, key: presenceKey}
}

func (e *RedisEvictor) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := e.redis.ZRemRangeByScore(ctx, e.key, "-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to evict presence: %w", err)
	}
	return n, nil
}
