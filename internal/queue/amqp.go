package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/rabbitmq/amqp091-go"
)

// envelope is the wire form of a job on the broker.
type envelope struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	BackoffMS   int64           `json:"backoffMs"`
}

func encodeEnvelope(job *Job) ([]byte, error) {
	return json.Marshal(envelope{
		ID:          job.ID,
		Name:        job.Name,
		Payload:     job.Payload,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		BackoffMS:   job.Backoff.Milliseconds(),
	})
}

func decodeEnvelope(body []byte) (*Job, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job envelope: %w", err)
	}
	if env.ID == "" || env.Name == "" {
		return nil, fmt.Errorf("job envelope missing id or name")
	}
	return &Job{
		ID:          env.ID,
		Name:        env.Name,
		Payload:     env.Payload,
		Attempt:     max(env.Attempt, 1),
		MaxAttempts: max(env.MaxAttempts, 1),
		Backoff:     time.Duration(env.BackoffMS) * time.Millisecond,
	}, nil
}

// AMQPQueue carries jobs over RabbitMQ. Delayed retries sit in a TTL queue
// that dead-letters back into the work queue.
type AMQPQueue struct {
	conn       *amqp091.Connection
	pub        *amqp091.Channel
	pubMu      sync.Mutex
	exchange   string
	queueName  string
	retryQueue string
	dispatcher *Dispatcher
	ledger     Ledger
	defaults   Options
	logger     *utils.Logger
}

func NewAMQPQueue(url, queueName string, dispatcher *Dispatcher, ledger Ledger, defaults Options, logger *utils.Logger) (*AMQPQueue, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &AMQPQueue{
		conn:       conn,
		pub:        ch,
		exchange:   queueName,
		queueName:  queueName,
		retryQueue: queueName + ".retry",
		dispatcher: dispatcher,
		ledger:     ledger,
		defaults:   defaults,
		logger:     logger.WithComponent("amqp"),
	}
	if err := q.setup(); err != nil {
		q.Close()
		return nil, fmt.Errorf("failed to set up exchange and queues: %w", err)
	}
	return q, nil
}

func (q *AMQPQueue) setup() error {
	if err := q.pub.ExchangeDeclare(q.exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := q.pub.QueueDeclare(q.queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := q.pub.QueueBind(q.queueName, q.queueName, q.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	if _, err := q.pub.QueueDeclare(q.retryQueue, true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange":    q.exchange,
		"x-dead-letter-routing-key": q.queueName,
	}); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}
	return nil
}

func (q *AMQPQueue) Add(ctx context.Context, name string, payload any, opts ...Option) (string, error) {
	o := q.defaults.apply(opts)
	id := o.JobID
	if id == "" {
		id = utils.GenerateID()
	}
	job, err := newJob(name, payload, o, id)
	if err != nil {
		return "", err
	}
	added, err := q.ledger.Enqueue(ctx, job)
	if err != nil {
		return "", err
	}
	if !added {
		q.logger.Debug("Job already queued", "job_id", id)
		return id, nil
	}
	if err := q.publish(ctx, q.exchange, q.queueName, job, 0); err != nil {
		return "", err
	}
	return id, nil
}

func (q *AMQPQueue) publish(ctx context.Context, exchange, key string, job *Job, delay time.Duration) error {
	body, err := encodeEnvelope(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		MessageId:    job.ID,
		Type:         job.Name,
		Body:         body,
	}
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if err := q.pub.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}
	return nil
}

// Consume dispatches deliveries on a dedicated channel until ctx is done.
func (q *AMQPQueue) Consume(ctx context.Context, workers int) error {
	workers = max(workers, 1)
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(workers, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	msgs, err := ch.Consume(q.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	q.logger.Info("Started consuming jobs", "queue", q.queueName, "workers", workers)

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case delivery, ok := <-msgs:
					if !ok {
						errCh <- fmt.Errorf("message channel closed")
						return
					}
					q.handle(ctx, delivery)
				}
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		q.logger.Info("Stopping job consumption", "reason", ctx.Err())
		return ctx.Err()
	}
}

func (q *AMQPQueue) handle(ctx context.Context, delivery amqp091.Delivery) {
	job, err := decodeEnvelope(delivery.Body)
	if err != nil {
		q.logger.Error("Failed to decode job", "error", err)
		delivery.Nack(false, false)
		return
	}

	decision := q.dispatcher.Dispatch(ctx, job)
	if decision.Retry {
		retry := *job
		retry.Attempt++
		if err := q.publish(context.WithoutCancel(ctx), "", q.retryQueue, &retry, decision.Delay); err != nil {
			q.logger.Error("Failed to schedule retry, requeueing", "job_id", job.ID, "error", err)
			delivery.Nack(false, true)
			return
		}
	}
	delivery.Ack(false)
}

func (q *AMQPQueue) Close() error {
	if q.pub != nil {
		q.pub.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
