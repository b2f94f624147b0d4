package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chorus/presence-service/models"
)

type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, subjectID string, at time.Time) error {
	record := models.PresenceRecord{SubjectID: subjectID, LastSeenAt: at}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_seen_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSince(ctx context.Context, cutoff time.Time) ([]models.PresenceRecord, error) {
	var records []models.PresenceRecord
	err := s.db.WithContext(ctx).
		Where("last_seen_at >= ?", cutoff).
		Order("last_seen_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	for i := range records {
		records[i].LastSeenAt = records[i].LastSeenAt.UTC()
	}
	return records, nil
}

// PostgresEvictor must be built on a connection whose role may delete rows
// it does not own.
type PostgresEvictor struct {
	db *gorm.DB
}

func NewPostgresEvictor(admin *gorm.DB) *PostgresEvictor {
	return &PostgresEvictor{db: admin}
}

// DeleteBefore removes records older than cutoff. When none exist no DELETE
// is issued at all, so an idle eviction pass never reaches the change feed.
func (e *PostgresEvictor) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var expired bool
	err := e.db.WithContext(ctx).
		Raw("SELECT EXISTS (SELECT 1 FROM "+models.PresenceRecord{}.TableName()+" WHERE last_seen_at < ?)", cutoff).
		Scan(&expired).Error
	if err != nil {
		return 0, fmt.Errorf("failed to check expired presence: %w", err)
	}
	if !expired {
		return 0, nil
	}

	result := e.db.WithContext(ctx).
		Where("last_seen_at < ?", cutoff).
		Delete(&models.PresenceRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to evict presence: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PGListener is the Postgres change feed: LISTEN on the channel the presence
// trigger notifies. It holds a dedicated connection outside the gorm pool.
type PGListener struct {
	dsn     string
	channel string
}

func NewPGListener(dsn, channel string) *PGListener {
	return &PGListener{dsn: dsn, channel: channel}
}

func (l *PGListener) Listen(ctx context.Context, onChange func()) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return err
		}
		onChange()
	}
}
