package chat

import "time"

type Kind string

const (
	KindUser Kind = "user"
	KindAI   Kind = "ai"
)

// Status is a message's processing status. Transitions are strictly
// pending -> processing -> completed|failed; terminal states never move.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Chatroom struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint64    `gorm:"index;not null" json:"-"`
	Name        string    `gorm:"type:varchar(255);not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Chatroom) TableName() string { return "chatrooms" }

type Message struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatroomID uint64    `gorm:"index;not null" json:"chatroom_id"`
	UserID     uint64    `gorm:"index;not null" json:"-"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Kind       Kind      `gorm:"type:varchar(8);not null" json:"message_type"`
	Status     Status    `gorm:"type:varchar(16);index;not null" json:"processing_status"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// ChatroomSummary is the cached listing projection.
type ChatroomSummary struct {
	ID            uint64     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	CreatedAt     time.Time  `json:"created_at"`
	MessageCount  int64      `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at"`
}
