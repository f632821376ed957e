package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/gemchat/gemchat/internal/ai"
	"github.com/gemchat/gemchat/internal/common"
	"github.com/gemchat/gemchat/internal/queue"
	"github.com/gemchat/gemchat/internal/quota"
)

var ErrNotFound = errors.New("chat: not found")

// Cache stores the chatroom-listing projection. Values round-trip as JSON.
type Cache interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

func chatroomsKey(userID uint64) string {
	return fmt.Sprintf("chatrooms:%d", userID)
}

// Options carries the service's collaborators. The API server sets Gate and
// Publisher; the worker sets Provider; both share Cache and the repo.
type Options struct {
	Gate      *quota.Gate
	Publisher queue.Publisher
	Provider  ai.Provider
	Cache     Cache

	CacheTTL      time.Duration
	ContextWindow int
	AITimeout     time.Duration

	Logger zerolog.Logger
}

type Service struct {
	repo      *Repo
	gate      *quota.Gate
	publisher queue.Publisher
	provider  ai.Provider
	cache     Cache

	cacheTTL      time.Duration
	contextWindow int
	aiTimeout     time.Duration

	log zerolog.Logger
}

func NewService(repo *Repo, opts Options) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.ContextWindow <= 0 || opts.ContextWindow > 100 {
		opts.ContextWindow = 10
	}
	if opts.AITimeout <= 0 {
		opts.AITimeout = 60 * time.Second
	}
	return &Service{
		repo:          repo,
		gate:          opts.Gate,
		publisher:     opts.Publisher,
		provider:      opts.Provider,
		cache:         opts.Cache,
		cacheTTL:      opts.CacheTTL,
		contextWindow: opts.ContextWindow,
		aiTimeout:     opts.AITimeout,
		log:           opts.Logger,
	}
}

// Chatrooms

func (s *Service) CreateChatroom(ctx context.Context, userID uint64, name, description string) (*Chatroom, error) {
	room := &Chatroom{
		UserID:      userID,
		Name:        name,
		Description: description,
	}
	if err := s.repo.CreateChatroom(ctx, room); err != nil {
		return nil, err
	}
	if err := s.InvalidateChatroomListing(ctx, userID); err != nil {
		return nil, err
	}
	return room, nil
}

// ListChatrooms reads through the per-user cache. The bool reports whether
// the result came from cache.
func (s *Service) ListChatrooms(ctx context.Context, userID uint64) ([]ChatroomSummary, bool, error) {
	key := chatroomsKey(userID)
	if s.cache != nil {
		var cached []ChatroomSummary
		hit, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			s.log.Warn().Err(err).Uint64("user_id", userID).Msg("chatroom cache read failed")
		} else if hit {
			return cached, true, nil
		}
	}

	rows, err := s.repo.ListChatroomSummaries(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, rows, s.cacheTTL); err != nil {
			s.log.Warn().Err(err).Uint64("user_id", userID).Msg("chatroom cache write failed")
		}
	}
	return rows, false, nil
}

func (s *Service) GetChatroomWithMessages(ctx context.Context, userID, chatroomID uint64) (*Chatroom, []Message, error) {
	room, err := s.repo.GetChatroom(ctx, chatroomID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, chatroomID)
	if err != nil {
		return nil, nil, err
	}
	return room, msgs, nil
}

func (s *Service) DeleteChatroom(ctx context.Context, userID, chatroomID uint64) error {
	if err := s.repo.DeleteChatroom(ctx, chatroomID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	return s.InvalidateChatroomListing(ctx, userID)
}

// SendMessage runs the synchronous accept path: ownership check, quota
// admission, pending row, durable enqueue, cache invalidation. Everything
// after the enqueue is the worker's problem.
func (s *Service) SendMessage(ctx context.Context, userID uint64, tier string, chatroomID uint64, content string) (*Message, error) {
	if _, err := s.repo.GetChatroom(ctx, chatroomID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := s.gate.Admit(ctx, userID, tier); err != nil {
		return nil, err
	}

	msg := &Message{
		ChatroomID: chatroomID,
		UserID:     userID,
		Content:    content,
		Kind:       KindUser,
		Status:     StatusPending,
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:         jobID,
		MessageID:  msg.ID,
		ChatroomID: chatroomID,
		UserID:     userID,
		Status:     JobQueued,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if err := s.publisher.Publish(ctx, queue.Payload{
		JobID:      jobID,
		MessageID:  msg.ID,
		ChatroomID: chatroomID,
		UserID:     userID,
		Content:    content,
	}); err != nil {
		// No job made it behind the row; fail it now rather than leave it
		// pending with nothing to ever pick it up.
		_ = s.repo.FailMessage(ctx, msg.ID)
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		_ = s.InvalidateChatroomListing(ctx, userID)
		return nil, err
	}

	if err := s.InvalidateChatroomListing(ctx, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

// StatusView is the status-poll response: the message itself plus, once
// completed, the AI reply that answered it.
type StatusView struct {
	Message Message  `json:"message"`
	Reply   *Message `json:"reply,omitempty"`
}

// MessageStatus is a direct store read; status churns too fast to cache.
// Foreign and missing messages are indistinguishable.
func (s *Service) MessageStatus(ctx context.Context, userID, messageID uint64) (*StatusView, error) {
	m, err := s.repo.GetMessageForUser(ctx, messageID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	view := &StatusView{Message: *m}
	if m.Status == StatusCompleted {
		reply, err := s.repo.FindReplyAfter(ctx, m.ChatroomID, m.ID)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		} else {
			view.Reply = reply
		}
	}
	return view, nil
}

// Worker-facing operations

func (s *Service) ClaimMessage(ctx context.Context, messageID uint64) (Status, error) {
	return s.repo.ClaimMessage(ctx, messageID)
}

// GenerateReply builds the prompt from the chatroom's recent history
// (oldest first) and calls the provider under its own timeout so one slow
// completion cannot hold a worker slot indefinitely.
func (s *Service) GenerateReply(ctx context.Context, chatroomID uint64) (string, error) {
	recentDesc, err := s.repo.RecentMessages(ctx, chatroomID, s.contextWindow)
	if err != nil {
		return "", err
	}

	prompt := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		role := "user"
		if m.Kind == KindAI {
			role = "assistant"
		}
		prompt = append(prompt, ai.Message{Role: role, Content: m.Content})
	}

	cctx, cancel := context.WithTimeout(ctx, s.aiTimeout)
	defer cancel()
	return s.provider.Chat(cctx, prompt)
}

// CompleteMessage stores the reply and the completed flip atomically, then
// drops the stale listing entry. ErrConflict means another delivery beat us
// to the terminal transition.
func (s *Service) CompleteMessage(ctx context.Context, p queue.Payload, reply string) (uint64, error) {
	aiMsg := &Message{
		ChatroomID: p.ChatroomID,
		UserID:     p.UserID,
		Content:    reply,
		Kind:       KindAI,
		Status:     StatusCompleted,
	}
	if err := s.repo.CompleteMessage(ctx, p.MessageID, aiMsg); err != nil {
		return 0, err
	}
	if err := s.InvalidateChatroomListing(ctx, p.UserID); err != nil {
		return aiMsg.ID, err
	}
	return aiMsg.ID, nil
}

func (s *Service) FailMessage(ctx context.Context, p queue.Payload) error {
	if err := s.repo.FailMessage(ctx, p.MessageID); err != nil {
		return err
	}
	return s.InvalidateChatroomListing(ctx, p.UserID)
}

// InvalidateChatroomListing drops the user's cached listing. Mutations call
// this before reporting success so the next read reflects them.
func (s *Service) InvalidateChatroomListing(ctx context.Context, userID uint64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, chatroomsKey(userID))
}

// Job bookkeeping passthroughs

func (s *Service) MarkJobRunning(ctx context.Context, jobID string, attempt int) error {
	return s.repo.MarkJobRunning(ctx, jobID, attempt)
}

func (s *Service) MarkJobSucceeded(ctx context.Context, jobID string, resultMessageID uint64) error {
	return s.repo.MarkJobSucceeded(ctx, jobID, resultMessageID)
}

func (s *Service) MarkJobFailed(ctx context.Context, jobID string, reason string) error {
	return s.repo.MarkJobFailed(ctx, jobID, reason)
}

// PruneTerminalJobs removes terminal job bookkeeping older than the
// retention window.
func (s *Service) PruneTerminalJobs(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.DeleteTerminalJobsBefore(ctx, time.Now().Add(-retention))
}
