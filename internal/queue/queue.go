package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that the broker could not accept a publish within
// the enqueue timeout. The accepting request must not block behind it.
var ErrUnavailable = errors.New("queue: broker unavailable")

// Payload is the job carried between the accepting process and workers.
// The attempt count is deliberately absent: redelivery accounting lives in
// the broker so it survives requeues.
type Payload struct {
	JobID      string `json:"job_id"`
	MessageID  uint64 `json:"message_id"`
	ChatroomID uint64 `json:"chatroom_id"`
	UserID     uint64 `json:"user_id"`
	Content    string `json:"content"`
}

type Publisher interface {
	Publish(ctx context.Context, p Payload) error
}

// Delivery is one leased job. Exactly one of Ack, Retry or Reject must be
// called; until then the broker keeps the job invisible to other consumers,
// and an expired lease makes it visible again.
type Delivery interface {
	Body() []byte
	// Attempt returns how many deliveries preceded this one.
	Attempt() int
	Ack() error
	// Retry schedules a redelivery after the given delay and settles the
	// current lease.
	Retry(delay time.Duration) error
	// Reject dead-letters the job.
	Reject() error
}

