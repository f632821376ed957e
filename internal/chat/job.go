package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is the bookkeeping row behind one queued message. The queue itself is
// the source of redelivery state; this row exists for operator inspection
// (dead-letter record) and is pruned by the janitor once terminal.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	MessageID  uint64 `gorm:"index;not null"`
	ChatroomID uint64 `gorm:"not null"`
	UserID     uint64 `gorm:"index;not null"`

	Status   JobStatus `gorm:"type:varchar(16);index;not null"`
	Attempts int       `gorm:"not null;default:0"`

	// Filled when succeeded
	ResultMessageID *uint64 `gorm:"index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
