package worker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"billing-pipeline/domain"
)

type duplicateErr struct{}

func (duplicateErr) Error() string   { return "dedup key already recorded" }
func (duplicateErr) DuplicateEvent() {}

type memHistory struct {
	mu         sync.Mutex
	records    []domain.ChangeHistoryRecord
	seen       map[string]struct{}
	failures   int
	block      chan struct{}
	active     map[string]int
	overlapped bool
	maxActive  int
}

func newMemHistory() *memHistory {
	return &memHistory{seen: make(map[string]struct{}), active: make(map[string]int)}
}

func (s *memHistory) AppendHistory(ctx context.Context, dedupKey string, recs []domain.ChangeHistoryRecord) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("storage unavailable")
	}
	if _, dup := s.seen[dedupKey]; dup {
		s.mu.Unlock()
		return duplicateErr{}
	}
	key := fmt.Sprintf("%s-%d", recs[0].EntityType, recs[0].EntityID)
	s.active[key]++
	if s.active[key] > 1 {
		s.overlapped = true
	}
	total := 0
	for _, n := range s.active {
		total += n
	}
	if total > s.maxActive {
		s.maxActive = total
	}
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			s.mu.Lock()
			s.active[key]--
			s.mu.Unlock()
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.active[key]--
	s.seen[dedupKey] = struct{}{}
	s.records = append(s.records, recs...)
	s.mu.Unlock()
	return nil
}

func (s *memHistory) all() []domain.ChangeHistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChangeHistoryRecord, len(s.records))
	copy(out, s.records)
	return out
}

type memNotifications struct {
	mu       sync.Mutex
	created  []domain.Notification
	failures int
	// rows persisted before a simulated failure, like a batch dying midway
	failAfterRows int
}

func (s *memNotifications) CreateNotifications(ctx context.Context, ns []domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		for _, n := range ns[:min(s.failAfterRows, len(ns))] {
			s.insert(n)
		}
		return errors.New("storage unavailable")
	}
	for _, n := range ns {
		s.insert(n)
	}
	return nil
}

// insert skips rows whose (recipient, id) already exists, the way the table
// rejects a duplicate insert with a conflict.
func (s *memNotifications) insert(n domain.Notification) {
	for _, existing := range s.created {
		if existing.RecipientUserID == n.RecipientUserID && existing.ID == n.ID {
			return
		}
	}
	s.created = append(s.created, n)
}

type memDirectory struct {
	users map[string]domain.User // by id
}

func (d *memDirectory) UserByID(ctx context.Context, id string) (domain.User, error) {
	if u, ok := d.users[id]; ok {
		return u, nil
	}
	return domain.User{}, errors.New("user not found")
}

func (d *memDirectory) UsersByUsernames(ctx context.Context, names []string) ([]domain.User, error) {
	var out []domain.User
	for _, n := range names {
		for _, u := range d.users {
			if strings.EqualFold(u.Username, n) {
				out = append(out, u)
			}
		}
	}
	return out, nil
}

type memPublisher struct {
	mu        sync.Mutex
	published []domain.Notification
	fail      bool
}

func (p *memPublisher) Publish(ctx context.Context, n domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("channel gone")
	}
	p.published = append(p.published, n)
	return nil
}

func testDirectory() *memDirectory {
	return &memDirectory{users: map[string]domain.User{
		"u-alice": {ID: "u-alice", Username: "alice"},
		"u-bob":   {ID: "u-bob", Username: "bob"},
		"u-carol": {ID: "u-carol", Username: "carol"},
		"u-dave":  {ID: "u-dave", Username: "dave"},
	}}
}

func testWriter(t *testing.T, hist *memHistory, notifs *memNotifications, pub Publisher) *Writer {
	t.Helper()
	logger := log.New()
	return NewWriter(WriterOptions{
		History:       hist,
		Notifications: notifs,
		Users:         testDirectory(),
		Publisher:     pub,
		Logger:        logger,
		LockWait:      200 * time.Millisecond,
		HoldTimeout:   time.Second,
	})
}

func adjustmentEvent(entityID int64, dedupKey, old, new string) domain.ChangeEvent {
	return domain.ChangeEvent{
		EntityType:   domain.EntityInvoiceLineItem,
		EntityID:     entityID,
		FieldChanges: []domain.FieldChange{{Field: "adjustments", OldValue: old, NewValue: new}},
		ActorUserID:  "u-alice",
		OccurredAt:   time.Now(),
		DedupKey:     dedupKey,
	}
}

func TestProcessRejectsPoisonedEvent(t *testing.T) {
	w := testWriter(t, newMemHistory(), &memNotifications{}, nil)
	err := w.Process(context.Background(), domain.ChangeEvent{EntityType: "bogus"})
	if !IsPoisoned(err) {
		t.Fatalf("expected poisoned job error, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("poisoned error must not be retryable")
	}
}

func TestProcessAppendsOneRecordPerFieldChange(t *testing.T) {
	hist := newMemHistory()
	w := testWriter(t, hist, &memNotifications{}, nil)

	ev := domain.ChangeEvent{
		EntityType: domain.EntityCampaign,
		EntityID:   9,
		FieldChanges: []domain.FieldChange{
			{Field: "name", OldValue: "Q3 push", NewValue: "Q4 push"},
			{Field: "budget", OldValue: "1000", NewValue: "2000"},
		},
		ActorUserID: "u-bob",
		DedupKey:    "evt-1",
	}
	if err := w.Process(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}

	recs := hist.all()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].NewValue["name"] != "Q4 push" || recs[1].NewValue["budget"] != "2000" {
		t.Fatalf("field order not preserved: %+v", recs)
	}
	if recs[0].ChangedByUsername != "bob" {
		t.Fatalf("expected denormalized username, got %q", recs[0].ChangedByUsername)
	}
	if recs[0].OldValue["name"] != "Q3 push" {
		t.Fatalf("old value missing: %+v", recs[0].OldValue)
	}
}

func TestProcessIsIdempotentPerDedupKey(t *testing.T) {
	hist := newMemHistory()
	w := testWriter(t, hist, &memNotifications{}, nil)

	ev := adjustmentEvent(1, "evt-dup", "100.00", "150.00")
	for i := 0; i < 2; i++ {
		if err := w.Process(context.Background(), ev); err != nil {
			t.Fatalf("process #%d: %v", i+1, err)
		}
	}
	if got := len(hist.all()); got != 1 {
		t.Fatalf("expected exactly one record after redelivery, got %d", got)
	}
}

func TestProcessSkipsEventsWithNoEffectiveChanges(t *testing.T) {
	hist := newMemHistory()
	w := testWriter(t, hist, &memNotifications{}, nil)
	if err := w.Process(context.Background(), adjustmentEvent(4, "evt-noop", "100.00", "100.00")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(hist.all()) != 0 {
		t.Fatal("no-op change must not produce a record")
	}
}

func TestProcessReturnsRetryableOnStorageFailure(t *testing.T) {
	hist := newMemHistory()
	hist.failures = 1
	w := testWriter(t, hist, &memNotifications{}, nil)

	err := w.Process(context.Background(), adjustmentEvent(2, "evt-fail", "1", "2"))
	if !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	// Redelivery succeeds and writes exactly once.
	if err := w.Process(context.Background(), adjustmentEvent(2, "evt-fail", "1", "2")); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := len(hist.all()); got != 1 {
		t.Fatalf("expected 1 record after successful retry, got %d", got)
	}
}

func TestProcessSameEntityNeverOverlaps(t *testing.T) {
	hist := newMemHistory()
	w := testWriter(t, hist, &memNotifications{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := adjustmentEvent(5, fmt.Sprintf("evt-%d", i), fmt.Sprint(i), fmt.Sprint(i+1))
			if err := w.Process(context.Background(), ev); err != nil {
				t.Errorf("process %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if hist.overlapped {
		t.Fatal("two appends for the same entity ran concurrently")
	}
	if got := len(hist.all()); got != 8 {
		t.Fatalf("expected 8 records, got %d", got)
	}
}

func TestProcessDifferentEntitiesRunInParallel(t *testing.T) {
	hist := newMemHistory()
	hist.block = make(chan struct{})
	w := testWriter(t, hist, &memNotifications{}, nil)

	var wg sync.WaitGroup
	for i := int64(1); i <= 2; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			ev := adjustmentEvent(id, fmt.Sprintf("evt-par-%d", id), "a", "b")
			if err := w.Process(context.Background(), ev); err != nil {
				t.Errorf("process entity %d: %v", id, err)
			}
		}(i)
	}

	// Both appends must be in flight before anyone is released.
	deadline := time.Now().Add(time.Second)
	for {
		hist.mu.Lock()
		max := hist.maxActive
		hist.mu.Unlock()
		if max >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entities serialized against each other")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(hist.block)
	wg.Wait()
}

func TestProcessLockWaitIsBounded(t *testing.T) {
	hist := newMemHistory()
	hist.block = make(chan struct{})
	w := testWriter(t, hist, &memNotifications{}, nil)

	started := make(chan struct{})
	go func() {
		close(started)
		_ = w.Process(context.Background(), adjustmentEvent(6, "evt-hold", "a", "b"))
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	err := w.Process(context.Background(), adjustmentEvent(6, "evt-blocked", "b", "c"))
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("lock timeout must be retryable")
	}
	close(hist.block)
}

func TestContinuityInvariantAcrossSequentialEdits(t *testing.T) {
	hist := newMemHistory()
	w := testWriter(t, hist, &memNotifications{}, nil)

	values := []string{"100.00", "150.00", "175.00", "90.00"}
	for i := 1; i < len(values); i++ {
		ev := adjustmentEvent(11, fmt.Sprintf("evt-chain-%d", i), values[i-1], values[i])
		if err := w.Process(context.Background(), ev); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}

	recs := hist.all()
	for i := 1; i < len(recs); i++ {
		if !reflect.DeepEqual(recs[i].OldValue, recs[i-1].NewValue) {
			t.Fatalf("continuity broken at record %d: old=%v prev new=%v", i, recs[i].OldValue, recs[i-1].NewValue)
		}
	}
}

func commentEvent(dedupKey, content, author, parentAuthor string) domain.ChangeEvent {
	return domain.ChangeEvent{
		EntityType:   domain.EntityComment,
		EntityID:     30,
		FieldChanges: []domain.FieldChange{{Field: "content", NewValue: content}},
		ActorUserID:  author,
		DedupKey:     dedupKey,
		Comment: &domain.CommentContext{
			CommentID:          30,
			Content:            content,
			AuthorUserID:       author,
			ParentAuthorUserID: parentAuthor,
		},
	}
}

func TestProcessCreatesMentionAndReplyNotifications(t *testing.T) {
	notifs := &memNotifications{}
	pub := &memPublisher{}
	w := testWriter(t, newMemHistory(), notifs, pub)

	ev := commentEvent("evt-cmt", "@alice @alice @bob please check", "u-carol", "u-dave")
	if err := w.Process(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}

	byRecipient := make(map[string]domain.Notification)
	for _, n := range notifs.created {
		byRecipient[n.RecipientUserID+"/"+n.Type] = n
	}
	if len(notifs.created) != 3 {
		t.Fatalf("expected 3 notifications, got %d: %+v", len(notifs.created), notifs.created)
	}
	if _, ok := byRecipient["u-alice/mention"]; !ok {
		t.Fatal("missing mention for alice")
	}
	if _, ok := byRecipient["u-bob/mention"]; !ok {
		t.Fatal("missing mention for bob")
	}
	reply, ok := byRecipient["u-dave/reply"]
	if !ok {
		t.Fatal("missing reply notification for dave")
	}
	if reply.Message != "@carol replied to your comment" {
		t.Fatalf("unexpected reply message: %q", reply.Message)
	}
	if got := byRecipient["u-alice/mention"].Message; got != "@carol mentioned you in a comment" {
		t.Fatalf("unexpected mention message: %q", got)
	}
	if len(pub.published) != 3 {
		t.Fatalf("expected 3 live pushes, got %d", len(pub.published))
	}
}

func TestProcessPublishFailureDoesNotFailJob(t *testing.T) {
	notifs := &memNotifications{}
	w := testWriter(t, newMemHistory(), notifs, &memPublisher{fail: true})

	if err := w.Process(context.Background(), commentEvent("evt-pubfail", "@alice hi", "u-carol", "")); err != nil {
		t.Fatalf("publish failure must not fail the job: %v", err)
	}
	if len(notifs.created) != 1 {
		t.Fatalf("notification row must still be persisted, got %d", len(notifs.created))
	}
}

func TestProcessReplayAfterPartialNotificationWriteConverges(t *testing.T) {
	notifs := &memNotifications{failures: 1, failAfterRows: 1}
	w := testWriter(t, newMemHistory(), notifs, nil)

	ev := commentEvent("evt-partial", "@alice @bob see this", "u-carol", "")
	ev.OccurredAt = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	if err := w.Process(context.Background(), ev); !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if err := w.Process(context.Background(), ev); err != nil {
		t.Fatalf("redelivered job must converge: %v", err)
	}

	rows := make(map[string][]int64)
	for _, n := range notifs.created {
		rows[n.RecipientUserID] = append(rows[n.RecipientUserID], n.ID)
	}
	if len(rows) != 2 {
		t.Fatalf("expected rows for 2 recipients, got %v", rows)
	}
	for user, ids := range rows {
		if len(ids) != 1 {
			t.Fatalf("recipient %s has %d rows for one event: %v", user, len(ids), ids)
		}
	}
}

func TestProcessNotificationStoreFailureIsRetryable(t *testing.T) {
	notifs := &memNotifications{failures: 1}
	w := testWriter(t, newMemHistory(), notifs, nil)

	err := w.Process(context.Background(), commentEvent("evt-nfail", "@alice hi", "u-carol", ""))
	if !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
