package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/gemchat/gemchat/internal/queue"
)

// fakeAcker records how a lease is settled.
type fakeAcker struct {
	acks    int
	nacks   int
	requeue bool
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.acks++
	return nil
}

func (f *fakeAcker) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

func TestAttemptCountsRetryQueueDeaths(t *testing.T) {
	cases := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{
			name: "first delivery has no history",
			want: 0,
		},
		{
			name:    "unexpected header shape",
			headers: amqp.Table{"x-death": "bogus"},
			want:    0,
		},
		{
			name: "counts only the retry queue",
			headers: amqp.Table{
				"x-death": []any{
					amqp.Table{"queue": "jobs.retry", "count": int64(2)},
					amqp.Table{"queue": "jobs.dlq", "count": int64(1)},
				},
			},
			want: 2,
		},
		{
			name: "non-table entries and missing counts are skipped",
			headers: amqp.Table{
				"x-death": []any{
					"junk",
					amqp.Table{"queue": "jobs.retry"},
					amqp.Table{"queue": "jobs.retry", "count": int64(1)},
				},
			},
			want: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dl := &delivery{
				d:      amqp.Delivery{Headers: tc.headers},
				retryQ: "jobs.retry",
			}
			require.Equal(t, tc.want, dl.Attempt())
		})
	}
}

func TestRetryParksWithTTLThenAcks(t *testing.T) {
	acker := &fakeAcker{}
	var gotKey string
	var gotPub amqp.Publishing

	dl := &delivery{
		d:      amqp.Delivery{Acknowledger: acker, Body: []byte(`{"job_id":"01X"}`)},
		retryQ: "jobs.retry",
		publish: func(ctx context.Context, routingKey string, pub amqp.Publishing) error {
			gotKey = routingKey
			gotPub = pub
			return nil
		},
	}

	require.NoError(t, dl.Retry(4*time.Second))
	require.Equal(t, "jobs.retry", gotKey)
	require.Equal(t, "4000", gotPub.Expiration)
	require.Equal(t, dl.d.Body, gotPub.Body)
	require.Equal(t, 1, acker.acks)
	require.Equal(t, 0, acker.nacks)
}

func TestRetryPublishFailureRequeues(t *testing.T) {
	acker := &fakeAcker{}
	dl := &delivery{
		d:      amqp.Delivery{Acknowledger: acker},
		retryQ: "jobs.retry",
		publish: func(ctx context.Context, routingKey string, pub amqp.Publishing) error {
			return errors.New("channel closed")
		},
	}

	err := dl.Retry(2 * time.Second)
	require.ErrorIs(t, err, queue.ErrUnavailable)

	// the lease must not stay unsettled pinning a prefetch slot
	require.Equal(t, 0, acker.acks)
	require.Equal(t, 1, acker.nacks)
	require.True(t, acker.requeue)
}
