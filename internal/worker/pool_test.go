package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gemchat/gemchat/internal/ai"
	"github.com/gemchat/gemchat/internal/chat"
	"github.com/gemchat/gemchat/internal/models"
	"github.com/gemchat/gemchat/internal/queue"
)

// fakeDelivery records how the pool settles a lease.
type fakeDelivery struct {
	body    []byte
	attempt int

	acked    bool
	rejected bool
	retries  []time.Duration
}

func (f *fakeDelivery) Body() []byte { return f.body }
func (f *fakeDelivery) Attempt() int { return f.attempt }
func (f *fakeDelivery) Ack() error {
	f.acked = true
	return nil
}
func (f *fakeDelivery) Retry(delay time.Duration) error {
	f.retries = append(f.retries, delay)
	return nil
}
func (f *fakeDelivery) Reject() error {
	f.rejected = true
	return nil
}

// scriptedProvider returns the queued errors first, then succeeds.
type scriptedProvider struct {
	errs  []error
	reply string
	calls int
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return "", err
	}
	return p.reply, nil
}

type poolEnv struct {
	db   *gorm.DB
	repo *chat.Repo
	pool *Pool
}

func newPoolEnv(t *testing.T, prov ai.Provider) *poolEnv {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared&_pragma=busy_timeout(10000)"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &chat.Chatroom{}, &chat.Message{}, &chat.Job{}))

	repo := chat.NewRepo(db)
	svc := chat.NewService(repo, chat.Options{
		Provider: prov,
		Logger:   zerolog.Nop(),
	})
	pool := NewPool(svc, PoolOptions{Concurrency: 1, Logger: zerolog.Nop()})
	return &poolEnv{db: db, repo: repo, pool: pool}
}

// seedJob creates a user, chatroom, pending message and queued job row, and
// returns the payload a dispatcher would have published for it.
func (e *poolEnv) seedJob(t *testing.T, content string) queue.Payload {
	t.Helper()
	u := &models.User{
		Email:            "worker@example.com",
		Username:         "worker",
		PasswordHash:     "x",
		SubscriptionTier: models.TierBasic,
	}
	require.NoError(t, e.db.Create(u).Error)

	room := &chat.Chatroom{UserID: u.ID, Name: "general"}
	require.NoError(t, e.db.Create(room).Error)

	msg := &chat.Message{
		ChatroomID: room.ID,
		UserID:     u.ID,
		Content:    content,
		Kind:       chat.KindUser,
		Status:     chat.StatusPending,
	}
	require.NoError(t, e.db.Create(msg).Error)

	job := &chat.Job{
		ID:         "01TESTJOB0000000000000ULID",
		MessageID:  msg.ID,
		ChatroomID: room.ID,
		UserID:     u.ID,
		Status:     chat.JobQueued,
	}
	require.NoError(t, e.db.Create(job).Error)

	return queue.Payload{
		JobID:      job.ID,
		MessageID:  msg.ID,
		ChatroomID: room.ID,
		UserID:     u.ID,
		Content:    content,
	}
}

func (e *poolEnv) delivery(t *testing.T, p queue.Payload, attempt int) *fakeDelivery {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	return &fakeDelivery{body: body, attempt: attempt}
}

func (e *poolEnv) messageStatus(t *testing.T, id uint64) chat.Status {
	t.Helper()
	var m chat.Message
	require.NoError(t, e.db.First(&m, id).Error)
	return m.Status
}

func (e *poolEnv) aiMessageCount(t *testing.T, chatroomID uint64) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&chat.Message{}).
		Where("chatroom_id = ? AND kind = ?", chatroomID, chat.KindAI).
		Count(&n).Error)
	return n
}

func (e *poolEnv) job(t *testing.T, id string) chat.Job {
	t.Helper()
	var j chat.Job
	require.NoError(t, e.db.First(&j, "id = ?", id).Error)
	return j
}

func TestHandle_Success(t *testing.T) {
	env := newPoolEnv(t, &scriptedProvider{reply: "Hello back"})
	p := env.seedJob(t, "Hello")
	d := env.delivery(t, p, 0)

	env.pool.handle(context.Background(), 0, d)

	require.True(t, d.acked)
	require.False(t, d.rejected)
	require.Empty(t, d.retries)

	require.Equal(t, chat.StatusCompleted, env.messageStatus(t, p.MessageID))
	require.EqualValues(t, 1, env.aiMessageCount(t, p.ChatroomID))

	var reply chat.Message
	require.NoError(t, env.db.Where("kind = ?", chat.KindAI).First(&reply).Error)
	require.Equal(t, "Hello back", reply.Content)

	j := env.job(t, p.JobID)
	require.Equal(t, chat.JobSucceeded, j.Status)
	require.Equal(t, 1, j.Attempts)
	require.NotNil(t, j.ResultMessageID)
	require.Equal(t, reply.ID, *j.ResultMessageID)
}

func TestHandle_RetriesThenSucceeds(t *testing.T) {
	prov := &scriptedProvider{
		errs:  []error{ai.ErrUnavailable, ai.ErrTimeout},
		reply: "Third time lucky",
	}
	env := newPoolEnv(t, prov)
	p := env.seedJob(t, "Hello")

	// attempt 0: transient failure, backoff 2s
	d0 := env.delivery(t, p, 0)
	env.pool.handle(context.Background(), 0, d0)
	require.Equal(t, []time.Duration{2 * time.Second}, d0.retries)
	require.False(t, d0.acked)
	require.False(t, d0.rejected)
	require.Equal(t, chat.StatusProcessing, env.messageStatus(t, p.MessageID))
	require.EqualValues(t, 0, env.aiMessageCount(t, p.ChatroomID))

	// attempt 1: transient failure again, backoff doubles
	d1 := env.delivery(t, p, 1)
	env.pool.handle(context.Background(), 0, d1)
	require.Equal(t, []time.Duration{4 * time.Second}, d1.retries)

	// attempt 2: success
	d2 := env.delivery(t, p, 2)
	env.pool.handle(context.Background(), 0, d2)
	require.True(t, d2.acked)
	require.Empty(t, d2.retries)

	require.Equal(t, chat.StatusCompleted, env.messageStatus(t, p.MessageID))
	require.EqualValues(t, 1, env.aiMessageCount(t, p.ChatroomID))
	require.Equal(t, 3, prov.calls)

	j := env.job(t, p.JobID)
	require.Equal(t, chat.JobSucceeded, j.Status)
	require.Equal(t, 3, j.Attempts)
}

func TestHandle_RetryBudgetExhausted(t *testing.T) {
	prov := &scriptedProvider{
		errs: []error{ai.ErrUnavailable, ai.ErrUnavailable, ai.ErrUnavailable},
	}
	env := newPoolEnv(t, prov)
	p := env.seedJob(t, "Hello")

	d0 := env.delivery(t, p, 0)
	env.pool.handle(context.Background(), 0, d0)
	require.Len(t, d0.retries, 1)

	d1 := env.delivery(t, p, 1)
	env.pool.handle(context.Background(), 0, d1)
	require.Len(t, d1.retries, 1)

	// third attempt exhausts the budget: terminal failure, no more retries
	d2 := env.delivery(t, p, 2)
	env.pool.handle(context.Background(), 0, d2)
	require.Empty(t, d2.retries)
	require.True(t, d2.rejected)
	require.False(t, d2.acked)

	require.Equal(t, chat.StatusFailed, env.messageStatus(t, p.MessageID))
	require.EqualValues(t, 0, env.aiMessageCount(t, p.ChatroomID))

	j := env.job(t, p.JobID)
	require.Equal(t, chat.JobFailed, j.Status)
	require.NotNil(t, j.Error)
}

func TestHandle_PermanentProviderError(t *testing.T) {
	prov := &scriptedProvider{errs: []error{errors.New("model rejected the prompt")}}
	env := newPoolEnv(t, prov)
	p := env.seedJob(t, "Hello")

	d := env.delivery(t, p, 0)
	env.pool.handle(context.Background(), 0, d)

	// non-retryable errors burn no budget: straight to failed
	require.True(t, d.rejected)
	require.Empty(t, d.retries)
	require.Equal(t, chat.StatusFailed, env.messageStatus(t, p.MessageID))
	require.Equal(t, chat.JobFailed, env.job(t, p.JobID).Status)
}

func TestHandle_MalformedPayload(t *testing.T) {
	env := newPoolEnv(t, &scriptedProvider{reply: "unused"})

	d := &fakeDelivery{body: []byte("{not json")}
	env.pool.handle(context.Background(), 0, d)
	require.True(t, d.rejected)
	require.Empty(t, d.retries)

	// parseable but missing the message id is just as dead
	d = &fakeDelivery{body: []byte(`{"job_id":"01X","content":"hi"}`)}
	env.pool.handle(context.Background(), 0, d)
	require.True(t, d.rejected)
	require.Empty(t, d.retries)
}

func TestHandle_RedeliveryAfterCompletion(t *testing.T) {
	prov := &scriptedProvider{reply: "should not be used"}
	env := newPoolEnv(t, prov)
	p := env.seedJob(t, "Hello")

	// first delivery completes the message
	d0 := env.delivery(t, p, 0)
	env.pool.handle(context.Background(), 0, d0)
	require.True(t, d0.acked)
	require.EqualValues(t, 1, env.aiMessageCount(t, p.ChatroomID))

	// a crash between commit and ack redelivers the same job; the outcome
	// must not be duplicated
	d1 := env.delivery(t, p, 1)
	env.pool.handle(context.Background(), 0, d1)
	require.True(t, d1.acked)
	require.False(t, d1.rejected)
	require.EqualValues(t, 1, env.aiMessageCount(t, p.ChatroomID))
	require.Equal(t, 1, prov.calls)

	j := env.job(t, p.JobID)
	require.Equal(t, chat.JobSucceeded, j.Status)
}
