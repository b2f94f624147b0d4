package models

import "time"

// PresenceRecord is the only persisted entity: the last accepted heartbeat of a subject.
type PresenceRecord struct {
	SubjectID  string    `json:"subject_id" gorm:"column:subject_id;primaryKey"`
	LastSeenAt time.Time `json:"last_seen_at" gorm:"column:last_seen_at;not null;index"`
}

func (PresenceRecord) TableName() string {
	return "presence_records"
}

// Profile is the directory metadata attached to an online subject.
type Profile struct {
	SubjectID   string `json:"subject_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_url,omitempty"`
}

// EnrichedPresence is a PresenceRecord joined with directory metadata. It is
// recomputed on every query.
type EnrichedPresence struct {
	SubjectID   string    `json:"subject_id"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_url,omitempty"`
	Placeholder bool      `json:"placeholder,omitempty"`
}

type HeartbeatResponse struct {
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type OnlineUsersResponse struct {
	Count int                `json:"count"`
	Users []EnrichedPresence `json:"users"`
	AsOf  time.Time          `json:"as_of"`
}

// ChangeEvent is pushed to change-stream subscribers. It carries no presence
// data; receivers re-poll.
type ChangeEvent struct {
	Type  string `json:"type"`
	Table string `json:"table"`
}

const (
	ChangeEventPresenceChanged = "presence_changed"
	PresenceTable              = "presence"
)

type ErrorResponse struct {
	Error string `json:"error"`
}
