package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"billing-pipeline/domain"
)

const (
	// DefaultWorkers bounds pipeline concurrency. Audit throughput needs are
	// modest; per-entity ordering comes from the lock arena, not from here.
	DefaultWorkers      = 5
	DefaultMaxAttempts  = 5
	DefaultPollInterval = time.Second
	DefaultVisibility   = 60 * time.Second
)

// QueueClient is the slice of the queue API the consumer needs. Messages not
// deleted before the visibility timeout elapses are redelivered, which is the
// whole retry mechanism.
type QueueClient interface {
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// DeadLetterQueue receives jobs removed from the retry path.
type DeadLetterQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Processor handles one decoded change event.
type Processor interface {
	Process(ctx context.Context, ev domain.ChangeEvent) error
}

// ConsumerOptions configures a Consumer. Queue, DeadLetter, Processor and
// Logger are required.
type ConsumerOptions struct {
	Queue        QueueClient
	DeadLetter   DeadLetterQueue
	Processor    Processor
	Logger       *log.Logger
	Workers      int
	MaxAttempts  int64
	PollInterval time.Duration
	Visibility   time.Duration
}

// Consumer drains the change-event queue with a fixed pool of workers.
type Consumer struct {
	queue        QueueClient
	deadLetter   DeadLetterQueue
	proc         Processor
	log          *log.Logger
	workers      int
	maxAttempts  int64
	pollInterval time.Duration
	visibility   int32
}

// NewConsumer creates a Consumer from the given options.
func NewConsumer(opts ConsumerOptions) *Consumer {
	if opts.Queue == nil || opts.DeadLetter == nil || opts.Processor == nil {
		panic("worker: queue, dead-letter queue and processor are required")
	}
	if opts.Logger == nil {
		panic("worker: logger is required")
	}
	c := &Consumer{
		queue:        opts.Queue,
		deadLetter:   opts.DeadLetter,
		proc:         opts.Processor,
		log:          opts.Logger,
		workers:      opts.Workers,
		maxAttempts:  opts.MaxAttempts,
		pollInterval: opts.PollInterval,
	}
	if c.workers <= 0 {
		c.workers = DefaultWorkers
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	vis := opts.Visibility
	if vis <= 0 {
		vis = DefaultVisibility
	}
	c.visibility = int32(vis / time.Second)
	return c
}

// Run consumes until ctx is cancelled. It blocks; cancel the context to stop.
func (c *Consumer) Run(ctx context.Context) {
	c.log.WithField("workers", c.workers).Info("change event consumer started")
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (c *Consumer) loop(ctx context.Context, id int) {
	vis := c.visibility
	opts := &azqueue.DequeueMessageOptions{VisibilityTimeout: &vis}
	for ctx.Err() == nil {
		resp, err := c.queue.DequeueMessage(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Errorf("dequeue failed, worker=%d", id)
			c.sleep(ctx)
			continue
		}
		if len(resp.Messages) == 0 {
			c.sleep(ctx)
			continue
		}
		for _, msg := range resp.Messages {
			c.handle(ctx, msg, id)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *azqueue.DequeuedMessage, workerID int) {
	var text string
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	attempts := int64(1)
	if msg.DequeueCount != nil {
		attempts = *msg.DequeueCount
	}

	var ev domain.ChangeEvent
	if err := json.Unmarshal([]byte(text), &ev); err != nil {
		c.sendToDeadLetter(ctx, text, attempts, "malformed change event: "+err.Error())
		c.delete(ctx, msg)
		return
	}

	err := c.proc.Process(ctx, ev)
	switch {
	case err == nil:
		c.delete(ctx, msg)
	case IsPoisoned(err):
		c.sendToDeadLetter(ctx, text, attempts, err.Error())
		c.delete(ctx, msg)
	case attempts >= c.maxAttempts:
		c.log.WithError(err).WithFields(log.Fields{
			"entity":   ev.EntityKey(),
			"attempts": attempts,
		}).Error("retries exhausted, dead-lettering job")
		c.sendToDeadLetter(ctx, text, attempts, "retries exhausted: "+err.Error())
		c.delete(ctx, msg)
	default:
		// Leave the message invisible; it redelivers after the visibility
		// timeout with an incremented dequeue count.
		c.log.WithError(err).WithFields(log.Fields{
			"entity":   ev.EntityKey(),
			"attempt":  attempts,
			"worker":   workerID,
			"poisoned": false,
		}).Warn("job failed, will retry")
	}
}

func (c *Consumer) sendToDeadLetter(ctx context.Context, payload string, attempts int64, reason string) {
	env := struct {
		Reason   string          `json:"reason"`
		Attempts int64           `json:"attempts"`
		Event    json.RawMessage `json:"event"`
	}{Reason: reason, Attempts: attempts, Event: json.RawMessage(payload)}
	if !json.Valid([]byte(payload)) {
		quoted, _ := json.Marshal(payload)
		env.Event = quoted
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.log.WithError(err).Error("failed to encode dead-letter envelope")
		return
	}
	if _, err := c.deadLetter.EnqueueMessage(ctx, string(data), nil); err != nil {
		c.log.WithError(err).Error("failed to dead-letter job, leaving on queue")
		return
	}
	c.log.WithField("reason", reason).Error("job dead-lettered")
}

func (c *Consumer) delete(ctx context.Context, msg *azqueue.DequeuedMessage) {
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return
	}
	if _, err := c.queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
		c.log.WithError(err).Error("failed to delete message; it will redeliver")
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
