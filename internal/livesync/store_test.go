package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/askhub/livesync/internal/feed"
	"github.com/askhub/livesync/internal/model"
	"github.com/askhub/livesync/internal/query"
)

type item struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	N     int    `json:"n"`
}

func (i item) Key() string { return i.ID }

// stubSnapshots serves fixed rows for any table.
type stubSnapshots struct {
	mu      sync.Mutex
	rows    []item
	err     error
	selects int
}

func (s *stubSnapshots) Select(context.Context, string, query.Filter, query.Order, int) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selects++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]json.RawMessage, 0, len(s.rows))
	for _, r := range s.rows {
		b, _ := json.Marshal(r)
		out = append(out, b)
	}
	return out, nil
}

func (s *stubSnapshots) UnreadCounts(context.Context, string, []string) (map[string]int, error) {
	return nil, nil
}

func (s *stubSnapshots) Profiles(context.Context, []string) (map[string]model.Profile, error) {
	return nil, nil
}

func (s *stubSnapshots) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubSnapshots) selectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selects
}

func itemStore(snaps *stubSnapshots, f feed.Feed, opts Options[item]) *Store[item] {
	opts.Table = "items"
	opts.Filter = func(sc Scope) query.Filter { return query.Where(query.Eq("owner", sc.Viewer)) }
	return NewStore(snaps, f, opts)
}

func change(t *testing.T, typ feed.Event, it item) feed.Change {
	t.Helper()
	raw, err := json.Marshal(it)
	if err != nil {
		t.Fatal(err)
	}
	if typ == feed.Delete {
		return feed.Change{Table: "items", Type: typ, Old: raw}
	}
	return feed.Change{Table: "items", Type: typ, New: raw}
}

func TestStoreWithoutViewerDoesNoIO(t *testing.T) {
	snaps := &stubSnapshots{}
	f := newCountingFeed()
	s := itemStore(snaps, f, Options[item]{})

	assert.Equal(t, s.Activate(context.Background(), Scope{}), nil)
	assert.Equal(t, snaps.selectCount(), 0)
	assert.Equal(t, f.subscribes.Load(), int32(0))
	assert.Equal(t, s.State(), StateInactive)
	assert.Equal(t, s.Loading(), false)
	assert.Equal(t, len(s.Items()), 0)

	assert.Equal(t, errors.Is(s.Refresh(context.Background()), ErrNoViewer), true)
	assert.Equal(t, snaps.selectCount(), 0)
}

func TestStoreMergesEventsInArrivalOrder(t *testing.T) {
	initial := []item{{ID: "a", Owner: "v", N: 1}, {ID: "b", Owner: "v", N: 2}, {ID: "c", Owner: "v", N: 3}}
	snaps := &stubSnapshots{rows: initial}
	f := newCountingFeed()
	s := itemStore(snaps, f, Options[item]{})
	assert.Equal(t, s.Activate(context.Background(), Scope{Viewer: "v"}), nil)
	assert.Equal(t, s.State(), StateLive)

	want := append([]item(nil), initial...)
	apply := func(typ feed.Event, it item) {
		idx := -1
		for i := range want {
			if want[i].ID == it.ID {
				idx = i
			}
		}
		switch {
		case typ == feed.Insert:
			want = append(want, it)
		case typ == feed.Update && idx >= 0:
			want[idx] = it
		case typ == feed.Delete && idx >= 0:
			want = append(want[:idx], want[idx+1:]...)
		}
	}

	rng := rand.New(rand.NewSource(7))
	next := 0
	for i := 0; i < 300; i++ {
		var typ feed.Event
		var it item
		switch rng.Intn(3) {
		case 0:
			typ = feed.Insert
			it = item{ID: "n" + strconv.Itoa(next), Owner: "v", N: i}
			next++
		case 1:
			typ = feed.Update
			it = item{ID: "n" + strconv.Itoa(rng.Intn(next+3)), Owner: "v", N: i}
		default:
			typ = feed.Delete
			it = item{ID: "n" + strconv.Itoa(rng.Intn(next+3)), Owner: "v"}
		}
		apply(typ, it)
		f.Publish(change(t, typ, it))
		// rows of other owners never reach the store
		f.Publish(change(t, feed.Insert, item{ID: "x" + strconv.Itoa(i), Owner: "other"}))
	}
	sentinel := item{ID: "sentinel", Owner: "v"}
	apply(feed.Insert, sentinel)
	f.Publish(change(t, feed.Insert, sentinel))

	eventually(t, "sentinel", func() bool {
		items := s.Items()
		return len(items) > 0 && items[len(items)-1].ID == "sentinel"
	})
	assert.Equal(t, s.Items(), want)
	assert.Equal(t, s.Err(), nil)
}

func TestStoreSortInsertKeepsOrder(t *testing.T) {
	snaps := &stubSnapshots{rows: []item{{ID: "a", Owner: "v", N: 10}, {ID: "b", Owner: "v", N: 20}}}
	f := newCountingFeed()
	s := itemStore(snaps, f, Options[item]{Less: func(a, b item) bool { return a.N < b.N }})
	assert.Equal(t, s.Activate(context.Background(), Scope{Viewer: "v"}), nil)

	f.Publish(change(t, feed.Insert, item{ID: "c", Owner: "v", N: 15}))
	f.Publish(change(t, feed.Insert, item{ID: "d", Owner: "v", N: 20}))
	f.Publish(change(t, feed.Insert, item{ID: "e", Owner: "v", N: 5}))

	eventually(t, "five items", func() bool { return len(s.Items()) == 5 })
	ids := []string{}
	for _, it := range s.Items() {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, ids, []string{"e", "a", "c", "b", "d"})
}

func TestStoreReactivationReleasesPreviousSubscription(t *testing.T) {
	snaps := &stubSnapshots{}
	f := newCountingFeed()
	s := itemStore(snaps, f, Options[item]{})
	ctx := context.Background()

	assert.Equal(t, s.Activate(ctx, Scope{Viewer: "v1"}), nil)
	assert.Equal(t, s.Activate(ctx, Scope{Viewer: "v2"}), nil)
	assert.Equal(t, f.subscribes.Load(), int32(2))
	assert.Equal(t, f.unsubscribes.Load(), int32(1))
	assert.Equal(t, f.Len(), 1)

	s.Deactivate()
	s.Deactivate()
	assert.Equal(t, f.unsubscribes.Load(), int32(2))
	assert.Equal(t, f.Len(), 0)
	assert.Equal(t, s.State(), StateInactive)
}

func TestStoreDropsFetchThatResolvesAfterDeactivate(t *testing.T) {
	b := newCountingBackend(nil)
	b.seed(t, "messages", map[string]any{"conversation_id": "c1", "sender_id": "u2", "content": "hi"})
	f := newCountingFeed()
	v := NewThreadView(b, f, ViewOptions{})

	release := b.holdSelects()
	done := make(chan error, 1)
	go func() { done <- v.Activate(context.Background(), "u1", "c1") }()
	<-b.started
	assert.Equal(t, v.State(), StateLoading)

	v.Deactivate()
	release()
	assert.Equal(t, <-done, nil)

	assert.Equal(t, v.State(), StateInactive)
	assert.Equal(t, len(v.Items()), 0)
	assert.Equal(t, f.subscribes.Load(), int32(0))
	assert.Equal(t, f.Len(), 0)
}

func TestStoreFetchErrorRecoversOnRefresh(t *testing.T) {
	boom := errors.New("db down")
	snaps := &stubSnapshots{err: boom, rows: []item{{ID: "a", Owner: "v"}}}
	f := newCountingFeed()
	rep := &recordingReporter{}
	s := itemStore(snaps, f, Options[item]{Reporter: rep})

	err := s.Activate(context.Background(), Scope{Viewer: "v"})
	var ferr *FetchError
	assert.Equal(t, errors.As(err, &ferr), true)
	assert.Equal(t, errors.Is(err, boom), true)
	assert.Equal(t, s.State(), StateError)
	assert.Equal(t, s.Loading(), false)
	assert.Equal(t, f.subscribes.Load(), int32(0))
	assert.Equal(t, len(rep.all()), 1)

	snaps.setErr(nil)
	assert.Equal(t, s.Refresh(context.Background()), nil)
	assert.Equal(t, s.State(), StateLive)
	assert.Equal(t, s.Err(), nil)
	assert.Equal(t, len(s.Items()), 1)
}

func TestStoreChannelErrorWithoutReconnect(t *testing.T) {
	snaps := &stubSnapshots{}
	f := newCountingFeed()
	rep := &recordingReporter{}
	s := itemStore(snaps, f, Options[item]{Reporter: rep})
	assert.Equal(t, s.Activate(context.Background(), Scope{Viewer: "v"}), nil)

	f.FailAll(errors.New("socket closed"))
	eventually(t, "error state", func() bool { return s.State() == StateError })

	var cerr *ChannelError
	assert.Equal(t, errors.As(s.Err(), &cerr), true)
	assert.Equal(t, cerr.Table, "items")
	assert.Equal(t, s.Loading(), false)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, f.subscribes.Load(), int32(1))
	assert.Equal(t, snaps.selectCount(), 1)
	assert.Equal(t, f.unsubscribes.Load(), int32(1))
}

func TestStoreReconnectResyncsSnapshot(t *testing.T) {
	snaps := &stubSnapshots{rows: []item{{ID: "a", Owner: "v"}}}
	f := newCountingFeed()
	s := itemStore(snaps, f, Options[item]{
		Reconnect: Reconnect{MaxAttempts: 3, Initial: 5 * time.Millisecond},
		Reporter:  &recordingReporter{},
	})
	assert.Equal(t, s.Activate(context.Background(), Scope{Viewer: "v"}), nil)

	snaps.mu.Lock()
	snaps.rows = append(snaps.rows, item{ID: "missed", Owner: "v"})
	snaps.mu.Unlock()
	f.FailAll(errors.New("socket closed"))

	eventually(t, "live again", func() bool { return s.State() == StateLive && len(s.Items()) == 2 })
	assert.Equal(t, snaps.selectCount(), 2)
	assert.Equal(t, f.subscribes.Load(), int32(2))

	f.Publish(change(t, feed.Insert, item{ID: "after", Owner: "v"}))
	eventually(t, "event after reconnect", func() bool { return len(s.Items()) == 3 })
}

func TestStoreReconnectGivesUp(t *testing.T) {
	snaps := &stubSnapshots{}
	f := newCountingFeed()
	s := itemStore(snaps, f, Options[item]{
		Reconnect: Reconnect{MaxAttempts: 3, Initial: time.Millisecond, Max: 4 * time.Millisecond},
		Reporter:  &recordingReporter{},
	})
	assert.Equal(t, s.Activate(context.Background(), Scope{Viewer: "v"}), nil)

	f.refuse.Store(true)
	f.FailAll(errors.New("socket closed"))

	eventually(t, "all attempts", func() bool { return f.subscribes.Load() == 4 })
	eventually(t, "error state", func() bool { return s.State() == StateError })
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, f.subscribes.Load(), int32(4))

	var cerr *ChannelError
	assert.Equal(t, errors.As(s.Err(), &cerr), true)
	assert.Equal(t, cerr.Attempt, 3)
	assert.Equal(t, errors.Is(s.Err(), errRefused), true)
}

func TestStoreDeactivateCancelsReconnect(t *testing.T) {
	snaps := &stubSnapshots{}
	f := newCountingFeed()
	s := itemStore(snaps, f, Options[item]{
		Reconnect: Reconnect{MaxAttempts: 5, Initial: 20 * time.Millisecond},
		Reporter:  &recordingReporter{},
	})
	assert.Equal(t, s.Activate(context.Background(), Scope{Viewer: "v"}), nil)
	f.FailAll(errors.New("socket closed"))
	eventually(t, "error state", func() bool { return s.State() == StateError })

	s.Deactivate()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, f.subscribes.Load(), int32(1))
	assert.Equal(t, s.State(), StateInactive)
}

func TestStoreObserve(t *testing.T) {
	snaps := &stubSnapshots{rows: []item{{ID: "a", Owner: "v"}}}
	f := newCountingFeed()
	s := itemStore(snaps, f, Options[item]{})

	var mu sync.Mutex
	var states []State
	cancel := s.Observe(func(snap Snapshot[item]) {
		mu.Lock()
		states = append(states, snap.State)
		mu.Unlock()
	})
	assert.Equal(t, s.Activate(context.Background(), Scope{Viewer: "v"}), nil)
	cancel()
	s.Deactivate()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, states, []State{StateInactive, StateLoading, StateLive})
}

func TestReconnectDelay(t *testing.T) {
	r := Reconnect{MaxAttempts: 10}
	assert.Equal(t, r.delay(1), time.Second)
	assert.Equal(t, r.delay(2), 2*time.Second)
	assert.Equal(t, r.delay(5), 16*time.Second)
	assert.Equal(t, r.delay(6), 30*time.Second)
	assert.Equal(t, r.delay(9), 30*time.Second)
}
