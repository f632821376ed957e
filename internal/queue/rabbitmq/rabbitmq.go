package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gemchat/gemchat/internal/queue"
)

const publishTimeout = 10 * time.Second

// Client owns one connection and channel against a main/retry/dlq queue
// trio. The retry queue has no consumers: messages parked there expire via
// per-message TTL and dead-letter back to the main queue, which is how
// backoff happens without a sleeping worker.
type Client struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	mainQ  string
	retryQ string
	dlqQ   string
}

func Dial(url, queueName string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		conn:   conn,
		ch:     ch,
		mainQ:  queueName,
		retryQ: queueName + ".retry",
		dlqQ:   queueName + ".dlq",
	}
	if err := c.declareTopology(); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) declareTopology() error {
	if _, err := c.ch.QueueDeclare(
		c.dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: per-message TTL, dead-letter back to main
	if _, err := c.ch.QueueDeclare(
		c.retryQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": c.mainQ,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	if _, err := c.ch.QueueDeclare(
		c.mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": c.dlqQ,
		},
	); err != nil {
		return err
	}
	return nil
}

func (c *Client) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Publish enqueues a job with a hard timeout so an unresponsive broker
// cannot hang the accepting request.
func (c *Client) Publish(ctx context.Context, p queue.Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = c.ch.PublishWithContext(cctx,
		"",      // default exchange
		c.mainQ, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	return nil
}

// Consume starts delivering jobs. Prefetch bounds how many unacked leases a
// single worker process may hold.
func (c *Client) Consume(ctx context.Context, prefetch int) (<-chan queue.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}

	msgs, err := c.ch.Consume(c.mainQ, "", false, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				out <- &delivery{d: d, retryQ: c.retryQ, publish: c.publishRaw}
			}
		}
	}()
	return out, nil
}

func (c *Client) publishRaw(ctx context.Context, routingKey string, pub amqp.Publishing) error {
	return c.ch.PublishWithContext(ctx, "", routingKey, false, false, pub)
}

type delivery struct {
	d       amqp.Delivery
	retryQ  string
	publish func(ctx context.Context, routingKey string, pub amqp.Publishing) error
}

func (dl *delivery) Body() []byte { return dl.d.Body }

// Attempt counts prior redeliveries from the broker's x-death history so
// the retry budget survives requeues without touching the payload.
func (dl *delivery) Attempt() int {
	deaths, ok := dl.d.Headers["x-death"].([]any)
	if !ok {
		return 0
	}
	total := int64(0)
	for _, entry := range deaths {
		t, ok := entry.(amqp.Table)
		if !ok {
			continue
		}
		if q, _ := t["queue"].(string); q != dl.retryQ {
			continue
		}
		if n, ok := t["count"].(int64); ok {
			total += n
		}
	}
	return int(total)
}

func (dl *delivery) Ack() error { return dl.d.Ack(false) }

// Retry parks a copy on the retry queue with expiration = delay, then acks
// the original. Expired messages dead-letter back to the main queue.
func (dl *delivery) Retry(delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         dl.d.Body,
		Headers:      dl.d.Headers,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Timestamp:    time.Now(),
	}

	cctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := dl.publish(cctx, dl.retryQ, pub); err != nil {
		// An unacked lease is not redelivered until the channel closes, and
		// it pins a prefetch slot meanwhile. Requeue explicitly so the broker
		// hands the job out again, just without the backoff delay.
		_ = dl.d.Nack(false, true)
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	return dl.d.Ack(false)
}

func (dl *delivery) Reject() error { return dl.d.Nack(false, false) }
