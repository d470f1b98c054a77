package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-meshqueue-attempt"

// AMQP delivers job ids through a durable RabbitMQ queue bound to a
// dead-letter exchange. Deliveries are connection scoped: RabbitMQ redelivers
// them when the consumer's channel closes, so there is no lease to renew.
//
// Nack republishes the job id with an incremented attempt header and acks the
// original. A crash redelivery keeps the old header, so its attempt is
// inferred from the redelivered flag.
//
// Delivery tags are only meaningful on the channel that issued them. After a
// reconnect, settling or extending a delivery from an earlier channel returns
// ErrLeaseLost; RabbitMQ has already requeued it.
type AMQP struct {
	url  string
	opts Options

	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	gen        uint64
	closed     bool
}

var _ Broker = (*AMQP)(nil)

// NewAMQP dials url and declares the queue topology.
func NewAMQP(url string, opts Options) (*AMQP, error) {
	b := &AMQP{url: url, opts: opts.withDefaults()}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQP) deadExchange() string { return b.opts.Queue + ".dlx" }
func (b *AMQP) deadQueue() string    { return b.opts.Queue + ".dead" }

// connect must be called with mu held or before the broker is shared.
func (b *AMQP) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := b.declare(ch); err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Qos(b.opts.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(b.opts.Queue, "meshqueue-"+uuid.NewString(), false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("consume %s: %w", b.opts.Queue, err)
	}
	b.conn = conn
	b.channel = ch
	b.deliveries = deliveries
	b.gen++
	return nil
}

func (b *AMQP) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(b.deadExchange(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(b.deadQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(b.deadQueue(), "", b.deadExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	_, err := ch.QueueDeclare(b.opts.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": b.deadExchange(),
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", b.opts.Queue, err)
	}
	return nil
}

func (b *AMQP) publish(ctx context.Context, jobID string, attempt int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return b.channel.PublishWithContext(ctx, "", b.opts.Queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int64(attempt)},
		Body:         []byte(jobID),
	})
}

func (b *AMQP) Enqueue(ctx context.Context, jobID string) error {
	if err := b.publish(ctx, jobID, 0); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

func (b *AMQP) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		deliveries, gen := b.deliveries, b.gen
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				if err := b.reconnect(ctx, deliveries); err != nil {
					return nil, err
				}
				continue
			}
			return &Delivery{
				JobID:   string(msg.Body),
				Token:   uuid.NewString(),
				Attempt: attemptOf(msg),
				tag:     msg.DeliveryTag,
				gen:     gen,
			}, nil
		}
	}
}

// reconnect replaces a dead connection unless another caller already did.
func (b *AMQP) reconnect(ctx context.Context, stale <-chan amqp.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.deliveries != stale {
		return nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	if err := b.connect(); err != nil {
		if sleepErr := sleep(ctx, b.opts.PollInterval); sleepErr != nil {
			return sleepErr
		}
		return fmt.Errorf("reconnect amqp: %w", err)
	}
	return nil
}

func attemptOf(msg amqp.Delivery) int {
	previous := 0
	switch v := msg.Headers[attemptHeader].(type) {
	case int64:
		previous = int(v)
	case int32:
		previous = int(v)
	case int:
		previous = v
	}
	attempt := previous + 1
	if msg.Redelivered {
		attempt++
	}
	return attempt
}

// current must be called with mu held.
func (b *AMQP) current(d *Delivery) error {
	if b.closed {
		return ErrClosed
	}
	if d.gen != b.gen {
		return fmt.Errorf("%w: delivery of job %s belongs to a closed channel", ErrLeaseLost, d.JobID)
	}
	return nil
}

func (b *AMQP) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.current(d); err != nil {
		return err
	}
	if err := b.channel.Ack(d.tag, false); err != nil {
		return fmt.Errorf("ack delivery: %w", err)
	}
	return nil
}

func (b *AMQP) Nack(ctx context.Context, d *Delivery) error {
	// Republishing a superseded delivery would duplicate the requeued one.
	if err := b.Extend(ctx, d); err != nil {
		return err
	}
	if err := b.publish(ctx, d.JobID, d.Attempt); err != nil {
		return fmt.Errorf("nack delivery: %w", err)
	}
	return b.Ack(ctx, d)
}

func (b *AMQP) DeadLetter(_ context.Context, d *Delivery, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.current(d); err != nil {
		return err
	}
	if err := b.channel.Nack(d.tag, false, false); err != nil {
		return fmt.Errorf("dead-letter delivery: %w", err)
	}
	return nil
}

// Extend only checks that d still belongs to the live channel.
func (b *AMQP) Extend(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(d)
}

func (b *AMQP) Stats(context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ready, err := b.channel.QueueDeclarePassive(b.opts.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": b.deadExchange(),
	})
	if err != nil {
		return Stats{}, fmt.Errorf("inspect queue: %w", err)
	}
	dead, err := b.channel.QueueDeclarePassive(b.deadQueue(), true, false, false, false, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("inspect dead-letter queue: %w", err)
	}
	return Stats{Ready: ready.Messages, Dead: dead.Messages}, nil
}

func (b *AMQP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
