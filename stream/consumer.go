package stream

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"

	"billing-pipeline/domain"
)

// DefaultBuffer is the capacity of the delivery channel handed to the caller.
const DefaultBuffer = 16

// Dialer opens a live notification stream. The returned body carries
// server-sent events until the connection drops.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadCloser, error)
}

// Backfiller fetches notifications created after the given id, in ascending
// id order. Used to reconcile gaps after a reconnect.
type Backfiller interface {
	FetchSince(ctx context.Context, id int64) ([]domain.Notification, error)
}

// ConsumerOptions configures a Consumer. Dialer and Backfiller are required.
type ConsumerOptions struct {
	Dialer     Dialer
	Backfiller Backfiller
	Logger     *logrus.Logger

	// BackoffBase and BackoffMax tune the reconnect delay sequence.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Buffer is the capacity of the Notifications channel.
	Buffer int
}

// Consumer maintains a connection to the notification stream, reconnects
// with exponential backoff, backfills missed notifications after each
// reconnect and deduplicates by notification id so the caller sees every
// notification exactly once, in per-recipient id order.
type Consumer struct {
	dial     Dialer
	backfill Backfiller
	log      *logrus.Logger
	backoff  Backoff
	out      chan domain.Notification

	seen     map[int64]struct{}
	lastSeen int64
	opened   bool
}

func NewConsumer(opts ConsumerOptions) *Consumer {
	if opts.Dialer == nil {
		panic("stream: Dialer is required")
	}
	if opts.Backfiller == nil {
		panic("stream: Backfiller is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Consumer{
		dial:     opts.Dialer,
		backfill: opts.Backfiller,
		log:      log,
		backoff:  Backoff{Base: opts.BackoffBase, Max: opts.BackoffMax},
		out:      make(chan domain.Notification, buffer),
		seen:     make(map[int64]struct{}),
	}
}

// Notifications is the ordered, deduplicated delivery channel. It is closed
// when Run returns.
func (c *Consumer) Notifications() <-chan domain.Notification {
	return c.out
}

// Run drives the connect/consume/reconnect loop until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := c.dial.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.WithError(err).Warn("notification stream connect failed")
			if !c.wait(ctx, c.backoff.Next()) {
				return ctx.Err()
			}
			continue
		}
		c.backoff.Reset()

		if c.opened {
			if err := c.reconcile(ctx); err != nil {
				if ctx.Err() != nil {
					body.Close()
					return ctx.Err()
				}
				c.log.WithError(err).Warn("backfill after reconnect failed")
			}
		}
		c.opened = true

		err = c.consume(ctx, body)
		body.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.log.WithError(err).Warn("notification stream dropped")
		} else {
			c.log.Info("notification stream closed by server")
		}
		if !c.wait(ctx, c.backoff.Next()) {
			return ctx.Err()
		}
	}
}

// reconcile fetches everything created since the last surfaced notification.
// Replays of already-seen ids are absorbed by the dedup set.
func (c *Consumer) reconcile(ctx context.Context) error {
	missed, err := c.backfill.FetchSince(ctx, c.lastSeen)
	if err != nil {
		return err
	}
	for _, n := range missed {
		if !c.surface(ctx, n) {
			return ctx.Err()
		}
	}
	return nil
}

// consume reads server-sent events until the body errors or ends. Comment
// lines (heartbeats) keep the connection alive and are otherwise ignored.
func (c *Consumer) consume(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				c.handleFrame(ctx, data.String())
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if data.Len() > 0 {
		c.handleFrame(ctx, data.String())
	}
	return scanner.Err()
}

func (c *Consumer) handleFrame(ctx context.Context, payload string) {
	var n domain.Notification
	if err := sonic.UnmarshalString(payload, &n); err != nil {
		c.log.WithError(err).Warn("dropping malformed stream frame")
		return
	}
	if n.ID == 0 {
		c.log.Warn("dropping stream frame without id")
		return
	}
	c.surface(ctx, n)
}

// surface delivers n to the caller unless its id was already seen. Returns
// false only when ctx is cancelled mid-delivery.
func (c *Consumer) surface(ctx context.Context, n domain.Notification) bool {
	if _, dup := c.seen[n.ID]; dup {
		return true
	}
	c.seen[n.ID] = struct{}{}
	if n.ID > c.lastSeen {
		c.lastSeen = n.ID
	}
	select {
	case c.out <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
