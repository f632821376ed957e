package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrConflict reports a status transition that found the row in an
// unexpected state, e.g. completing a message another worker already
// finished after a lease expired.
var ErrConflict = errors.New("chat: message not in expected status")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Chatrooms

func (r *Repo) CreateChatroom(ctx context.Context, room *Chatroom) error {
	return r.db.WithContext(ctx).Create(room).Error
}

func (r *Repo) GetChatroom(ctx context.Context, id, userID uint64) (*Chatroom, error) {
	var room Chatroom
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&room).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// DeleteChatroom removes the room and cascades to its messages.
func (r *Repo) DeleteChatroom(ctx context.Context, id, userID uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&Chatroom{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("chatroom_id = ?", id).Delete(&Message{}).Error
	})
}

func (r *Repo) ListChatroomSummaries(ctx context.Context, userID uint64) ([]ChatroomSummary, error) {
	rows := make([]ChatroomSummary, 0)
	err := r.db.WithContext(ctx).
		Table("chatrooms c").
		Select("c.id, c.name, c.description, c.created_at, COUNT(m.id) AS message_count, MAX(m.created_at) AS last_message_at").
		Joins("LEFT JOIN messages m ON c.id = m.chatroom_id").
		Where("c.user_id = ?", userID).
		Group("c.id, c.name, c.description, c.created_at").
		Order("c.created_at DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Messages

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns a chatroom's messages oldest first.
func (r *Repo) ListMessages(ctx context.Context, chatroomID uint64) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chatroom_id = ?", chatroomID).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// RecentMessages returns the most recent messages newest first; callers
// reverse for prompt construction.
func (r *Repo) RecentMessages(ctx context.Context, chatroomID uint64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chatroom_id = ?", chatroomID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetMessageForUser resolves a message only when the requester owns its
// chatroom, so foreign messages read as not found.
func (r *Repo) GetMessageForUser(ctx context.Context, messageID, userID uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Joins("JOIN chatrooms ON chatrooms.id = messages.chatroom_id").
		Where("messages.id = ? AND chatrooms.user_id = ?", messageID, userID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ClaimMessage flips pending -> processing and reports the status the row
// ended up in. A terminal result means the job was already finished by an
// earlier delivery.
func (r *Repo) ClaimMessage(ctx context.Context, messageID uint64) (Status, error) {
	if err := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND status = ?", messageID, StatusPending).
		Update("status", StatusProcessing).Error; err != nil {
		return "", err
	}

	var m Message
	if err := r.db.WithContext(ctx).Select("status").First(&m, messageID).Error; err != nil {
		return "", err
	}
	return m.Status, nil
}

// CompleteMessage inserts the AI reply and flips the original message
// processing -> completed in one transaction; both become durable together
// or neither does.
func (r *Repo) CompleteMessage(ctx context.Context, userMsgID uint64, reply *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Message{}).
			Where("id = ? AND status = ?", userMsgID, StatusProcessing).
			Update("status", StatusCompleted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return tx.Create(reply).Error
	})
}

// FailMessage is terminal; it only applies to messages still in flight.
func (r *Repo) FailMessage(ctx context.Context, messageID uint64) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND status IN ?", messageID, []Status{StatusPending, StatusProcessing}).
		Update("status", StatusFailed).Error
}

// FindReplyAfter returns the first AI message following the given one in
// the same chatroom.
func (r *Repo) FindReplyAfter(ctx context.Context, chatroomID, afterID uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("chatroom_id = ? AND kind = ? AND id > ?", chatroomID, KindAI, afterID).
		Order("id ASC").
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// Jobs (bookkeeping)

func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) MarkJobRunning(ctx context.Context, id string, attempt int) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":   JobRunning,
			"attempts": attempt + 1,
		}).Error
}

// MarkJobSucceeded records the terminal outcome; a zero result id (the
// reply was written by an earlier delivery) leaves the column untouched.
func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, resultMessageID uint64) error {
	updates := map[string]any{
		"status": JobSucceeded,
		"error":  nil,
	}
	if resultMessageID != 0 {
		updates["result_message_id"] = resultMessageID
	}
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

// DeleteTerminalJobsBefore prunes succeeded and failed bookkeeping rows
// older than the cutoff and returns how many were removed.
func (r *Repo) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []JobStatus{JobSucceeded, JobFailed}, cutoff).
		Delete(&Job{})
	return res.RowsAffected, res.Error
}
