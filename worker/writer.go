package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"billing-pipeline/domain"
	"billing-pipeline/mention"
)

const (
	// DefaultLockWait bounds how long a job waits behind another writer for
	// the same entity before going back to the queue.
	DefaultLockWait = 10 * time.Second
	// DefaultHoldTimeout bounds how long a job may hold an entity lock while
	// its appends commit. Exceeding it fails the job so a stuck write cannot
	// starve every future change to that entity.
	DefaultHoldTimeout = 30 * time.Second
)

// HistoryStore appends audit records. All records of one call belong to the
// same entity and must commit atomically together with the dedup marker;
// a redelivered dedup key returns a DuplicateEventError.
type HistoryStore interface {
	AppendHistory(ctx context.Context, dedupKey string, records []domain.ChangeHistoryRecord) error
}

// NotificationStore persists notification rows.
type NotificationStore interface {
	CreateNotifications(ctx context.Context, notifications []domain.Notification) error
}

// Directory resolves users for mention matching and username denormalization.
type Directory interface {
	UserByID(ctx context.Context, id string) (domain.User, error)
	UsersByUsernames(ctx context.Context, usernames []string) ([]domain.User, error)
}

// Publisher pushes a freshly created notification toward live consumers.
// Publish failures are delivery failures, never write failures.
type Publisher interface {
	Publish(ctx context.Context, n domain.Notification) error
}

// NotFoundError is implemented by storage errors for missing rows.
type NotFoundError interface {
	error
	NotFound()
}

// WriterOptions configures a Writer. History, Notifications, Users and Logger
// are required; Deduper and Publisher are optional.
type WriterOptions struct {
	History       HistoryStore
	Notifications NotificationStore
	Users         Directory
	Deduper       Deduper
	Publisher     Publisher
	Logger        *log.Logger
	LockWait      time.Duration
	HoldTimeout   time.Duration
}

// Writer turns one ChangeEvent into its side effects: audit records appended
// in per-entity order, and notification rows plus live pushes for comment
// content changes.
type Writer struct {
	store       HistoryStore
	notifs      NotificationStore
	users       Directory
	deduper     Deduper
	pub         Publisher
	locks       *lockArena
	lockWait    time.Duration
	holdTimeout time.Duration
	log         *log.Logger
}

// NewWriter creates a Writer from the given options.
func NewWriter(opts WriterOptions) *Writer {
	if opts.History == nil || opts.Notifications == nil || opts.Users == nil {
		panic("worker: history, notification and user stores are required")
	}
	if opts.Logger == nil {
		panic("worker: logger is required")
	}
	w := &Writer{
		store:       opts.History,
		notifs:      opts.Notifications,
		users:       opts.Users,
		deduper:     opts.Deduper,
		pub:         opts.Publisher,
		locks:       newLockArena(),
		lockWait:    opts.LockWait,
		holdTimeout: opts.HoldTimeout,
		log:         opts.Logger,
	}
	if w.lockWait <= 0 {
		w.lockWait = DefaultLockWait
	}
	if w.holdTimeout <= 0 {
		w.holdTimeout = DefaultHoldTimeout
	}
	return w
}

// Process handles one change-event job. It returns nil when the job is
// committed (including idempotent replays), a PoisonedJobError for
// structurally invalid events, and a retryable error otherwise.
func (w *Writer) Process(ctx context.Context, ev domain.ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return poisoned("%v", err)
	}

	changes := ev.EffectiveChanges()
	if len(changes) == 0 && ev.Comment == nil {
		w.log.WithField("entity", ev.EntityKey()).Debug("no effective changes, skipping")
		return nil
	}

	actor := w.lookupActor(ctx, ev.ActorUserID)

	if len(changes) > 0 {
		if err := w.appendHistory(ctx, ev, changes, actor); err != nil {
			return err
		}
	}
	if ev.Comment != nil && ev.Comment.Content != "" {
		if err := w.emitNotifications(ctx, ev, actor); err != nil {
			return err
		}
	}
	return nil
}

// lookupActor is best effort: a missing or unreachable directory entry costs
// the denormalized username, not the audit record.
func (w *Writer) lookupActor(ctx context.Context, userID string) domain.User {
	u, err := w.users.UserByID(ctx, userID)
	if err != nil {
		w.log.WithError(err).WithField("user", userID).Warn("actor lookup failed")
		return domain.User{ID: userID}
	}
	return u
}

func (w *Writer) appendHistory(ctx context.Context, ev domain.ChangeEvent, changes []domain.FieldChange, actor domain.User) error {
	lockCtx, cancel := context.WithTimeout(ctx, w.lockWait)
	defer cancel()
	release, err := w.locks.Acquire(lockCtx, ev.EntityKey())
	if err != nil {
		w.log.WithField("entity", ev.EntityKey()).Warn("entity lock wait timed out")
		return err
	}
	defer release()

	holdCtx, cancelHold := context.WithTimeout(ctx, w.holdTimeout)
	defer cancelHold()

	now := time.Now().UTC()
	records := make([]domain.ChangeHistoryRecord, 0, len(changes))
	for _, fc := range changes {
		rec := domain.ChangeHistoryRecord{
			ID:                domain.NextID(),
			EntityType:        ev.EntityType,
			EntityID:          ev.EntityID,
			NewValue:          map[string]any{fc.Field: fc.NewValue},
			ChangedByUserID:   ev.ActorUserID,
			ChangedByUsername: actor.Username,
			CreatedAt:         now,
			DedupKey:          ev.DedupKey,
		}
		if fc.OldValue != nil {
			rec.OldValue = map[string]any{fc.Field: fc.OldValue}
		}
		records = append(records, rec)
	}

	err = w.store.AppendHistory(holdCtx, ev.DedupKey, records)
	var dup DuplicateEventError
	switch {
	case err == nil:
		w.log.WithFields(log.Fields{
			"entity":  ev.EntityKey(),
			"records": len(records),
			"actor":   ev.ActorUserID,
		}).Info("recorded change history")
		return nil
	case errors.As(err, &dup):
		w.log.WithField("dedup_key", ev.DedupKey).Debug("history already recorded, skipping")
		return nil
	case errors.Is(holdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return ErrLockTimeout
	default:
		return retryable(fmt.Errorf("append history for %s: %w", ev.EntityKey(), err))
	}
}

func (w *Writer) emitNotifications(ctx context.Context, ev domain.ChangeEvent, actor domain.User) error {
	cc := ev.Comment
	claim := "notif:" + ev.DedupKey
	if w.deduper != nil {
		added, err := w.deduper.Claim(ctx, claim)
		if err != nil {
			w.log.WithError(err).Warn("deduper unavailable, proceeding without fast path")
		} else if !added {
			w.log.WithField("dedup_key", ev.DedupKey).Debug("notifications already emitted, skipping")
			return nil
		}
	}

	users := make(map[string]domain.User)
	if names := mention.Parse(cc.Content); len(names) > 0 {
		found, err := w.users.UsersByUsernames(ctx, names)
		if err != nil {
			w.releaseClaim(ctx, claim)
			return retryable(fmt.Errorf("resolve mentions: %w", err))
		}
		for _, u := range found {
			users[strings.ToLower(u.Username)] = u
		}
	}

	recips := mention.Resolve(cc.Content, mention.Context{
		AuthorUserID:       cc.AuthorUserID,
		ParentAuthorUserID: cc.ParentAuthorUserID,
	}, users)
	if len(recips) == 0 {
		return nil
	}

	actorName := actor.Username
	if actorName == "" {
		actorName = actor.ID
	}
	now := time.Now().UTC()
	notifs := make([]domain.Notification, 0, len(recips))
	for _, r := range recips {
		msg := fmt.Sprintf("@%s mentioned you in a comment", actorName)
		if r.Type == domain.NotificationReply {
			msg = fmt.Sprintf("@%s replied to your comment", actorName)
		}
		notifs = append(notifs, domain.Notification{
			ID:              domain.NotificationID(ev.DedupKey, r.UserID, r.Type, ev.OccurredAt),
			Type:            r.Type,
			Message:         msg,
			CommentID:       cc.CommentID,
			ActorUserID:     ev.ActorUserID,
			RecipientUserID: r.UserID,
			CreatedAt:       now,
		})
	}

	if err := w.notifs.CreateNotifications(ctx, notifs); err != nil {
		w.releaseClaim(ctx, claim)
		return retryable(fmt.Errorf("create notifications: %w", err))
	}

	for _, n := range notifs {
		if w.pub == nil {
			continue
		}
		if err := w.pub.Publish(ctx, n); err != nil {
			// The row is persisted; a disconnected client recovers it via
			// backfill on reconnect.
			w.log.WithError(err).WithField("recipient", n.RecipientUserID).Warn("live push failed")
		}
	}

	w.log.WithFields(log.Fields{
		"comment":       cc.CommentID,
		"notifications": len(notifs),
	}).Info("created notifications")
	return nil
}

func (w *Writer) releaseClaim(ctx context.Context, claim string) {
	if w.deduper == nil {
		return
	}
	if err := w.deduper.Release(ctx, claim); err != nil {
		w.log.WithError(err).WithField("key", claim).Error("dedupe rollback failed")
	}
}
