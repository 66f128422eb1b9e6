package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/askhub/livesync/internal/backend"
	"github.com/askhub/livesync/internal/feed"
	"github.com/askhub/livesync/internal/model"
	"github.com/askhub/livesync/internal/query"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// countingFeed wraps a Broker and counts subscribe and release calls.
type countingFeed struct {
	*feed.Broker
	subscribes   atomic.Int32
	unsubscribes atomic.Int32
	refuse       atomic.Bool

	mu    sync.Mutex
	specs []feed.Spec
}

func newCountingFeed() *countingFeed {
	return &countingFeed{Broker: feed.NewBroker(4096)}
}

var errRefused = errors.New("channel refused")

func (f *countingFeed) Subscribe(ctx context.Context, spec feed.Spec, h feed.Handler, st feed.StatusFunc) (*feed.Handle, error) {
	f.subscribes.Add(1)
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.refuse.Load() {
		return nil, errRefused
	}
	inner, err := f.Broker.Subscribe(ctx, spec, h, st)
	if err != nil {
		return nil, err
	}
	return feed.NewHandle(inner.ID(), spec, func() error {
		f.unsubscribes.Add(1)
		return inner.Unsubscribe()
	}), nil
}

// lastSpec returns the most recent spec subscribed on table.
func (f *countingFeed) lastSpec(t *testing.T, table string) feed.Spec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.specs) - 1; i >= 0; i-- {
		if f.specs[i].Table == table {
			return f.specs[i]
		}
	}
	t.Fatalf("no subscription on %s", table)
	return feed.Spec{}
}

// countingBackend wraps Memory with call counters, injected errors and an
// optional gate that holds Select until released.
type countingBackend struct {
	*backend.Memory

	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]error
	gate    chan struct{}
	started chan struct{}
}

func newCountingBackend(f *feed.Broker) *countingBackend {
	return &countingBackend{
		Memory: backend.NewMemory(f),
		calls:  make(map[string]int),
		fail:   make(map[string]error),
	}
}

func (b *countingBackend) hit(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	return b.fail[op]
}

func (b *countingBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *countingBackend) failOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, op)
		return
	}
	b.fail[op] = err
}

// holdSelects makes the next Select calls block until the returned func is called.
func (b *countingBackend) holdSelects() (release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	b.started = make(chan struct{}, 16)
	gate := b.gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (b *countingBackend) Select(ctx context.Context, table string, f query.Filter, o query.Order, limit int) ([]json.RawMessage, error) {
	err := b.hit("select:" + table)
	b.mu.Lock()
	gate, started := b.gate, b.started
	b.mu.Unlock()
	if gate != nil {
		select {
		case started <- struct{}{}:
		default:
		}
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return b.Memory.Select(ctx, table, f, o, limit)
}

func (b *countingBackend) UnreadCounts(ctx context.Context, viewerID string, ids []string) (map[string]int, error) {
	if err := b.hit("unread_counts"); err != nil {
		return nil, err
	}
	return b.Memory.UnreadCounts(ctx, viewerID, ids)
}

func (b *countingBackend) Insert(ctx context.Context, table string, row map[string]any) (json.RawMessage, error) {
	if err := b.hit("insert:" + table); err != nil {
		return nil, err
	}
	return b.Memory.Insert(ctx, table, row)
}

func (b *countingBackend) Update(ctx context.Context, table string, f query.Filter, patch map[string]any) (int64, error) {
	if err := b.hit("update:" + table); err != nil {
		return 0, err
	}
	return b.Memory.Update(ctx, table, f, patch)
}

func (b *countingBackend) MarkMessagesRead(ctx context.Context, conversationID, viewerID string) error {
	if err := b.hit("mark_messages_read"); err != nil {
		return err
	}
	return b.Memory.MarkMessagesRead(ctx, conversationID, viewerID)
}

// seed inserts rows straight into Memory, bypassing counters.
func (b *countingBackend) seed(t *testing.T, table string, row map[string]any) json.RawMessage {
	t.Helper()
	raw, err := b.Memory.Insert(context.Background(), table, row)
	if err != nil {
		t.Fatalf("seed %s: %v", table, err)
	}
	return raw
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ string, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recordingReporter) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type fakeNotifier struct {
	mu        sync.Mutex
	perm      Permission
	requested int
	shown     chan Notice
}

func newFakeNotifier(p Permission) *fakeNotifier {
	return &fakeNotifier{perm: p, shown: make(chan Notice, 16)}
}

func (n *fakeNotifier) Permission(context.Context, string) (Permission, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.perm, nil
}

func (n *fakeNotifier) RequestPermission(context.Context, string) (Permission, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requested++
	return n.perm, nil
}

func (n *fakeNotifier) Show(_ context.Context, notice Notice) error {
	n.shown <- notice
	return nil
}

func ts(min int) string {
	return time.Date(2024, 3, 1, 12, min, 0, 0, time.UTC).Format(time.RFC3339)
}

func seedProfiles(t *testing.T, b *countingBackend, ids ...string) {
	t.Helper()
	for _, id := range ids {
		b.seed(t, backend.TableProfiles, map[string]any{"id": id, "username": "user-" + id})
	}
}

func conversationIDs(cs []model.Conversation) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func backendID(id string) query.Filter {
	return query.Where(query.Eq("id", id))
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return tm
}
