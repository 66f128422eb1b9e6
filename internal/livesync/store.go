// Package livesync keeps in-memory collections in step with the database:
// a snapshot load followed by a change-feed subscription whose events are
// merged into the collection. Views built on Store derive unread counters,
// conversation previews and vote state from the same stream.
package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/askhub/livesync/internal/backend"
	"github.com/askhub/livesync/internal/feed"
	"github.com/askhub/livesync/internal/logger"
	"github.com/askhub/livesync/internal/query"
)

// Keyed rows are identified by a stable id.
type Keyed interface {
	Key() string
}

// Scope is what a store is activated for. Viewer is always required; Key
// narrows the collection further (a conversation id for threads).
type Scope struct {
	Viewer string
	Key    string
}

// Hooks run under the store lock, in event order. They let views maintain
// derived state next to the collection.
type Hooks[T any] struct {
	// OnLoad sees the snapshot before it is published and may edit items in place.
	OnLoad func(sc Scope, items []T)
	// OnInsert runs for keys not yet tracked and returns the item to store.
	// A repeated insert of a tracked key goes to OnUpdate instead.
	OnInsert func(sc Scope, item T) T
	// OnUpdate gets the local image and known=true only for tracked keys.
	// Untracked rows arrive with a zero prev and known=false, whatever the
	// transport sent as the old image. The result is stored only for
	// tracked keys.
	OnUpdate func(sc Scope, prev T, known bool, next T) T
	OnDelete func(sc Scope, prev T, found bool)
	// OnClear runs when the collection is dropped on (de)activation.
	OnClear func()
}

// Extra is a companion subscription that shares the store's lifecycle. Apply
// runs under the store lock and reports whether items changed.
type Extra[T any] struct {
	Table  string
	Filter func(Scope) query.Filter
	// Where is passed to feed.Spec.Where as is.
	Where  func(row map[string]any) bool
	Events feed.Event
	Apply  func(sc Scope, c feed.Change, items []T) bool
}

// Reconnect bounds automatic resubscription after a channel error.
// MaxAttempts <= 0 disables it.
type Reconnect struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func (r Reconnect) delay(attempt int) time.Duration {
	d, limit := r.Initial, r.Max
	if d <= 0 {
		d = time.Second
	}
	if limit <= 0 {
		limit = 30 * time.Second
	}
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

type Options[T Keyed] struct {
	Name   string
	Table  string
	Filter func(Scope) query.Filter
	Order  query.Order
	Limit  int
	// Events defaults to feed.All.
	Events feed.Event
	// Where narrows the main subscription beyond Filter, see feed.Spec.Where.
	Where func(row map[string]any) bool
	// NeedsKey keeps the store inactive while Scope.Key is empty.
	NeedsKey bool
	// Less, when set, places streamed inserts by sort order (after equal
	// items) instead of appending.
	Less func(a, b T) bool
	// Load replaces the default Select-and-decode snapshot.
	Load      func(ctx context.Context, sc Scope) ([]T, error)
	Hooks     Hooks[T]
	Extras    []Extra[T]
	Reconnect Reconnect
	Reporter  Reporter
}

// Snapshot is an immutable copy of a store's state handed to observers.
// Version increases with every change.
type Snapshot[T any] struct {
	Items   []T
	State   State
	Err     error
	Version uint64
}

func (s Snapshot[T]) Loading() bool { return s.State == StateLoading }

// Store is a collection kept in sync with one table. Each activation,
// refresh or reconnect starts a new generation; results of fetches and events
// of subscriptions from older generations are dropped.
type Store[T Keyed] struct {
	opts  Options[T]
	snaps backend.Snapshots
	feed  feed.Feed

	mu      sync.Mutex
	scope   Scope
	gen     uint64
	items   []T
	state   State
	err     error
	subs    []*feed.Handle
	stop    context.CancelFunc
	version uint64

	obsMu     sync.Mutex
	observers map[int]func(Snapshot[T])
	nextObs   int
}

func NewStore[T Keyed](snaps backend.Snapshots, f feed.Feed, opts Options[T]) *Store[T] {
	if opts.Events == 0 {
		opts.Events = feed.All
	}
	if opts.Name == "" {
		opts.Name = opts.Table
	}
	if opts.Reporter == nil {
		opts.Reporter = LogReporter
	}
	return &Store[T]{
		opts:      opts,
		snaps:     snaps,
		feed:      f,
		observers: make(map[int]func(Snapshot[T])),
	}
}

func (s *Store[T]) Name() string { return s.opts.Name }

func (s *Store[T]) activatable(sc Scope) bool {
	if sc.Viewer == "" {
		return false
	}
	return !s.opts.NeedsKey || sc.Key != ""
}

// Activate (re)binds the store to sc. The previous subscription is released
// before anything else happens. A scope without a viewer (or without a key
// when one is needed) leaves the store inactive and empty without any I/O.
// It returns the snapshot or channel error of this activation, or nil if the
// store was re-activated or deactivated in the meantime.
func (s *Store[T]) Activate(ctx context.Context, sc Scope) error {
	return s.restart(ctx, sc, true)
}

// Deactivate releases the subscription and empties the store.
func (s *Store[T]) Deactivate() {
	_ = s.restart(context.Background(), Scope{}, true)
}

// Refresh reloads the snapshot and resubscribes, keeping current items
// visible while loading.
func (s *Store[T]) Refresh(ctx context.Context) error {
	s.mu.Lock()
	sc := s.scope
	s.mu.Unlock()
	if !s.activatable(sc) {
		return ErrNoViewer
	}
	return s.restart(ctx, sc, false)
}

func (s *Store[T]) restart(ctx context.Context, sc Scope, clear bool) error {
	s.mu.Lock()
	old := s.resetLocked()
	gen := s.gen
	s.scope = sc
	active := s.activatable(sc)
	if clear || !active {
		s.items = nil
		if s.opts.Hooks.OnClear != nil {
			s.opts.Hooks.OnClear()
		}
	}
	s.err = nil
	var fctx, actx context.Context
	if active {
		s.state = StateLoading
		// fctx bounds this load; actx outlives it for reconnects. Both end
		// with the generation.
		var fcancel, acancel context.CancelFunc
		fctx, fcancel = context.WithCancel(ctx)
		actx, acancel = context.WithCancel(context.WithoutCancel(ctx))
		s.stop = func() { fcancel(); acancel() }
		defer fcancel()
	} else {
		s.state = StateInactive
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	release(old)
	s.publish(snap)
	if !active {
		return nil
	}
	err := s.sync(fctx, sc, gen, 0)
	var cerr *ChannelError
	if errors.As(err, &cerr) {
		s.startReconnect(actx, gen)
	}
	return err
}

// resetLocked starts a new generation, cancels pending reconnects and hands
// back the subscriptions the caller must release.
func (s *Store[T]) resetLocked() []*feed.Handle {
	s.gen++
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	old := s.subs
	s.subs = nil
	return old
}

func release(subs []*feed.Handle) {
	for _, h := range subs {
		if err := h.Unsubscribe(); err != nil {
			logger.Errorf("livesync: unsubscribe %s: %v", h.Spec(), err)
		}
	}
}

func (s *Store[T]) load(ctx context.Context, sc Scope) ([]T, error) {
	if s.opts.Load != nil {
		return s.opts.Load(ctx, sc)
	}
	var f query.Filter
	if s.opts.Filter != nil {
		f = s.opts.Filter(sc)
	}
	rows, err := s.snaps.Select(ctx, s.opts.Table, f, s.opts.Order, s.opts.Limit)
	if err != nil {
		return nil, err
	}
	return backend.DecodeRows[T](rows)
}

// sync loads the snapshot, applies it and opens the subscriptions of gen.
func (s *Store[T]) sync(ctx context.Context, sc Scope, gen uint64, attempt int) error {
	items, err := s.load(ctx, sc)
	if err != nil {
		ferr := &FetchError{View: s.opts.Name, Err: err}
		if !s.fail(gen, ferr) {
			return nil
		}
		return ferr
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	if items == nil {
		items = []T{}
	}
	if s.opts.Hooks.OnLoad != nil {
		s.opts.Hooks.OnLoad(sc, items)
	}
	s.items = items
	s.version++
	s.mu.Unlock()

	subs, table, err := s.subscribe(ctx, sc, gen)
	if err != nil {
		release(subs)
		cerr := &ChannelError{View: s.opts.Name, Table: table, Attempt: attempt, Err: err}
		if !s.fail(gen, cerr) {
			return nil
		}
		return cerr
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		release(subs)
		return nil
	}
	s.subs = subs
	s.state = StateLive
	snap := s.snapshotLocked()
	s.mu.Unlock()

	logger.Debugf("livesync %s: live viewer=%s key=%s items=%d", s.opts.Name, sc.Viewer, sc.Key, len(snap.Items))
	s.publish(snap)
	return nil
}

func (s *Store[T]) subscribe(ctx context.Context, sc Scope, gen uint64) ([]*feed.Handle, string, error) {
	var main query.Filter
	if s.opts.Filter != nil {
		main = s.opts.Filter(sc)
	}
	spec := feed.Spec{Table: s.opts.Table, Filter: main, Events: s.opts.Events, Where: s.opts.Where}
	h, err := s.feed.Subscribe(ctx, spec, func(c feed.Change) { s.apply(gen, c) }, s.status(gen, spec.Table))
	if err != nil {
		return nil, spec.Table, err
	}
	subs := []*feed.Handle{h}
	for i := range s.opts.Extras {
		x := s.opts.Extras[i]
		var f query.Filter
		if x.Filter != nil {
			f = x.Filter(sc)
		}
		events := x.Events
		if events == 0 {
			events = feed.All
		}
		xs := feed.Spec{Table: x.Table, Filter: f, Events: events, Where: x.Where}
		h, err := s.feed.Subscribe(ctx, xs, func(c feed.Change) { s.applyExtra(gen, x, c) }, s.status(gen, x.Table))
		if err != nil {
			return subs, x.Table, err
		}
		subs = append(subs, h)
	}
	return subs, "", nil
}

func (s *Store[T]) status(gen uint64, table string) feed.StatusFunc {
	return func(st feed.Status, err error) {
		if st != feed.StatusChannelError {
			logger.Debugf("livesync %s: %s %s", s.opts.Name, table, st)
			return
		}
		s.channelDropped(gen, table, err)
	}
}

// channelDropped moves a live generation to Error. The dropped generation
// is retired so its late events and pending subscribe results are ignored.
func (s *Store[T]) channelDropped(gen uint64, table string, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	old := s.subs
	s.subs = nil
	s.gen++
	next := s.gen
	cerr := &ChannelError{View: s.opts.Name, Table: table, Err: err}
	s.state = StateError
	s.err = cerr
	var actx context.Context
	if s.stop != nil {
		s.stop()
	}
	actx, s.stop = context.WithCancel(context.Background())
	snap := s.snapshotLocked()
	s.mu.Unlock()

	release(old)
	s.opts.Reporter.Report(s.opts.Name, cerr)
	s.publish(snap)
	s.startReconnect(actx, next)
}

func (s *Store[T]) startReconnect(ctx context.Context, gen uint64) {
	if s.opts.Reconnect.MaxAttempts <= 0 || ctx == nil {
		return
	}
	go s.reconnect(ctx, gen)
}

func (s *Store[T]) reconnect(ctx context.Context, gen uint64) {
	for attempt := 1; attempt <= s.opts.Reconnect.MaxAttempts; attempt++ {
		t := time.NewTimer(s.opts.Reconnect.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		sc := s.scope
		s.state = StateLoading
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)

		logger.Infof("livesync %s: reconnect attempt %d/%d", s.opts.Name, attempt, s.opts.Reconnect.MaxAttempts)
		if err := s.sync(ctx, sc, gen, attempt); err == nil {
			return
		}
	}
	logger.Errorf("livesync %s: giving up after %d reconnect attempts", s.opts.Name, s.opts.Reconnect.MaxAttempts)
}

// fail records err for gen and reports it. It returns false for a stale gen.
func (s *Store[T]) fail(gen uint64, err error) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.state = StateError
	s.err = err
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.opts.Reporter.Report(s.opts.Name, err)
	s.publish(snap)
	return true
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

func (s *Store[T]) apply(gen uint64, c feed.Change) {
	item, err := decode[T](c.Row())
	if err != nil {
		s.opts.Reporter.Report(s.opts.Name, err)
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	sc := s.scope
	hooks := s.opts.Hooks
	idx := s.indexLocked(item.Key())
	changed := true
	switch c.Type {
	case feed.Insert:
		if idx >= 0 {
			// повторная доставка строки, уже попавшей в снимок
			if hooks.OnUpdate != nil {
				item = hooks.OnUpdate(sc, s.items[idx], true, item)
			}
			s.items[idx] = item
			break
		}
		if hooks.OnInsert != nil {
			item = hooks.OnInsert(sc, item)
		}
		s.insertLocked(item)
	case feed.Update:
		var prev T
		if idx >= 0 {
			prev = s.items[idx]
		}
		if hooks.OnUpdate != nil {
			item = hooks.OnUpdate(sc, prev, idx >= 0, item)
		}
		if idx >= 0 {
			s.items[idx] = item
		}
		changed = idx >= 0 || hooks.OnUpdate != nil
	case feed.Delete:
		if idx >= 0 {
			item = s.items[idx]
			s.items = append(s.items[:idx], s.items[idx+1:]...)
		}
		if hooks.OnDelete != nil {
			hooks.OnDelete(sc, item, idx >= 0)
		}
		changed = idx >= 0 || hooks.OnDelete != nil
	default:
		changed = false
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Store[T]) applyExtra(gen uint64, x Extra[T], c feed.Change) {
	s.mu.Lock()
	if s.gen != gen || s.items == nil {
		s.mu.Unlock()
		return
	}
	if !x.Apply(s.scope, c, s.items) {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Store[T]) indexLocked(key string) int {
	for i := range s.items {
		if s.items[i].Key() == key {
			return i
		}
	}
	return -1
}

func (s *Store[T]) insertLocked(item T) {
	if s.opts.Less == nil {
		s.items = append(s.items, item)
		return
	}
	i := len(s.items)
	for j := range s.items {
		if s.opts.Less(item, s.items[j]) {
			i = j
			break
		}
	}
	var zero T
	s.items = append(s.items, zero)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = item
}

// update edits the tracked item with key; fn reports whether it changed anything.
func (s *Store[T]) update(key string, fn func(item *T) bool) bool {
	return s.mutate(func(items []T) bool {
		for i := range items {
			if items[i].Key() == key {
				return fn(&items[i])
			}
		}
		return false
	})
}

// mutate runs fn on the items under the store lock and publishes when it
// reports a change.
func (s *Store[T]) mutate(fn func(items []T) bool) bool {
	s.mu.Lock()
	if !fn(s.items) {
		s.mu.Unlock()
		return false
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return true
}

func (s *Store[T]) locked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *Store[T]) snapshotLocked() Snapshot[T] {
	s.version++
	items := make([]T, len(s.items))
	copy(items, s.items)
	return Snapshot[T]{Items: items, State: s.state, Err: s.err, Version: s.version}
}

func (s *Store[T]) Snapshot() Snapshot[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]T, len(s.items))
	copy(items, s.items)
	return Snapshot[T]{Items: items, State: s.state, Err: s.err, Version: s.version}
}

// Items returns a copy of the ordered collection.
func (s *Store[T]) Items() []T { return s.Snapshot().Items }

// Loading reports whether a snapshot load is in flight.
func (s *Store[T]) Loading() bool { return s.State() == StateLoading }

func (s *Store[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Store[T]) Scope() Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Observe calls fn with the current snapshot and after every change until
// cancel is called. Calls are serialized but may arrive out of order across
// goroutines; compare Version to drop stale ones. fn must not mutate the store.
func (s *Store[T]) Observe(fn func(Snapshot[T])) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	fn(s.Snapshot())
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *Store[T]) publish(snap Snapshot[T]) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for _, fn := range s.observers {
		fn(snap)
	}
}
