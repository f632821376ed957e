package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gemchat/gemchat/internal/ai"
	"github.com/gemchat/gemchat/internal/chat"
	"github.com/gemchat/gemchat/internal/queue"
)

// Pool runs a fixed number of executors over queue deliveries. Each job is
// processed by exactly one executor per lease; distinct jobs run in
// parallel up to the configured concurrency.
type Pool struct {
	svc    *chat.Service
	policy BackoffPolicy

	concurrency   int
	retention     time.Duration
	sweepInterval time.Duration

	log zerolog.Logger
}

type PoolOptions struct {
	Concurrency   int
	Policy        BackoffPolicy
	Retention     time.Duration
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

func NewPool(svc *chat.Service, opts PoolOptions) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Concurrency > 50 {
		opts.Concurrency = 50
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultBackoff()
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Hour
	}
	return &Pool{
		svc:           svc,
		policy:        opts.Policy,
		concurrency:   opts.Concurrency,
		retention:     opts.Retention,
		sweepInterval: opts.SweepInterval,
		log:           opts.Logger,
	}
}

// Run dispatches deliveries to the executors until the context is canceled
// or the delivery channel closes, then drains in-flight work.
func (p *Pool) Run(ctx context.Context, deliveries <-chan queue.Delivery) {
	jobs := make(chan queue.Delivery, p.concurrency*2)

	var wg sync.WaitGroup
	wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				p.handle(ctx, workerID, d)
			}
		}(i)
	}

	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		p.janitor(ctx)
	}()

	p.log.Info().Int("concurrency", p.concurrency).Msg("worker pool started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("worker pool shutting down")
			close(jobs)
			wg.Wait()
			<-janitorDone
			return
		case d, ok := <-deliveries:
			if !ok {
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func (p *Pool) handle(ctx context.Context, workerID int, d queue.Delivery) {
	start := time.Now()

	var payload queue.Payload
	if err := json.Unmarshal(d.Body(), &payload); err != nil || payload.MessageID == 0 {
		// Malformed payload: permanent, consumes no retry budget. With no
		// usable message id there is nothing to flip; dead-letter and move on.
		p.log.Error().Int("worker", workerID).Err(err).Msg("malformed job payload")
		if err == nil && payload.JobID != "" {
			_ = p.svc.MarkJobFailed(ctx, payload.JobID, "malformed payload")
		}
		_ = d.Reject()
		return
	}

	attempt := d.Attempt()
	_ = p.svc.MarkJobRunning(ctx, payload.JobID, attempt)

	// Claim before the AI call so a crash mid-processing leaves auditable
	// evidence that work was attempted.
	status, err := p.svc.ClaimMessage(ctx, payload.MessageID)
	if err != nil {
		p.retryOrFail(ctx, d, payload, attempt, err)
		return
	}
	if status.Terminal() {
		// Redelivery after a crash between commit and ack. The outcome is
		// already durable; settle the bookkeeping and the lease.
		if status == chat.StatusCompleted {
			_ = p.svc.MarkJobSucceeded(ctx, payload.JobID, 0)
		} else {
			_ = p.svc.MarkJobFailed(ctx, payload.JobID, "settled by earlier delivery")
		}
		_ = p.svc.InvalidateChatroomListing(ctx, payload.UserID)
		_ = d.Ack()
		return
	}

	reply, err := p.svc.GenerateReply(ctx, payload.ChatroomID)
	if err != nil {
		if ai.IsRetryable(err) {
			p.retryOrFail(ctx, d, payload, attempt, err)
		} else {
			p.fail(ctx, d, payload, err)
		}
		return
	}

	aiMsgID, err := p.svc.CompleteMessage(ctx, payload, reply)
	if err != nil {
		if errors.Is(err, chat.ErrConflict) {
			// Another delivery finished this message; do not duplicate the reply.
			_ = d.Ack()
			return
		}
		p.retryOrFail(ctx, d, payload, attempt, err)
		return
	}

	_ = p.svc.MarkJobSucceeded(ctx, payload.JobID, aiMsgID)
	if err := d.Ack(); err != nil {
		p.log.Warn().Int("worker", workerID).Str("job", payload.JobID).Err(err).Msg("ack failed")
	}

	if cost := time.Since(start); cost > 2*time.Second {
		p.log.Info().
			Int("worker", workerID).
			Str("job", payload.JobID).
			Uint64("message_id", payload.MessageID).
			Dur("cost", cost).
			Msg("slow job")
	}
}

// retryOrFail handles a transient failure: schedule a redelivery while the
// budget lasts, otherwise settle the job as failed.
func (p *Pool) retryOrFail(ctx context.Context, d queue.Delivery, payload queue.Payload, attempt int, cause error) {
	if p.policy.Exhausted(attempt) {
		p.fail(ctx, d, payload, cause)
		return
	}

	delay := p.policy.Delay(attempt)
	p.log.Warn().
		Str("job", payload.JobID).
		Uint64("message_id", payload.MessageID).
		Int("attempt", attempt+1).
		Dur("retry_in", delay).
		Err(cause).
		Msg("job attempt failed, scheduling retry")

	if err := d.Retry(delay); err != nil {
		// Retry requeues the delivery on failure, so the job comes back,
		// just without the backoff delay.
		p.log.Error().Str("job", payload.JobID).Err(err).Msg("retry scheduling failed")
	}
}

// fail is the terminal failure path: flip the message, record the cause on
// the job row, dead-letter the delivery.
func (p *Pool) fail(ctx context.Context, d queue.Delivery, payload queue.Payload, cause error) {
	p.log.Error().
		Str("job", payload.JobID).
		Uint64("message_id", payload.MessageID).
		Err(cause).
		Msg("job failed permanently")

	if err := p.svc.FailMessage(ctx, payload); err != nil {
		p.log.Error().Str("job", payload.JobID).Err(err).Msg("failed-status write failed")
	}
	_ = p.svc.MarkJobFailed(ctx, payload.JobID, cause.Error())
	_ = d.Reject()
}

// janitor prunes terminal job bookkeeping on a fixed schedule so queue
// storage stays bounded.
func (p *Pool) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.svc.PruneTerminalJobs(ctx, p.retention)
			if err != nil {
				p.log.Warn().Err(err).Msg("job sweep failed")
				continue
			}
			if n > 0 {
				p.log.Info().Int64("removed", n).Msg("job sweep completed")
			}
		}
	}
}
