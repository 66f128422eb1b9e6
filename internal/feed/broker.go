package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/askhub/livesync/internal/logger"
	"github.com/askhub/livesync/internal/query"
)

const defaultBufSize = 256

// ErrSlowSubscriber is reported when a subscription's buffer overflows; the
// subscription is dropped rather than blocking the publisher.
var ErrSlowSubscriber = errors.New("feed: subscriber buffer full")

// Broker is an in-process Feed. Publish fans a change out to every matching
// subscription; each subscription has its own buffer and delivery goroutine.
// RedisFeed and PGFeed use a Broker to fan out what they receive upstream.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	bufSize int
	closed  bool
}

type subscriber struct {
	id     string
	spec   Spec
	h      Handler
	status StatusFunc
	ch     chan Change
	done   chan struct{}
	failed chan error
	once   sync.Once
}

// NewBroker creates a broker; bufSize <= 0 means 256.
func NewBroker(bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &Broker{subs: make(map[string]*subscriber), bufSize: bufSize}
}

func (b *Broker) Subscribe(ctx context.Context, spec Spec, h Handler, status StatusFunc) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New("feed: nil handler")
	}
	if spec.Events == 0 {
		spec.Events = All
	}
	s := &subscriber{
		id:     uuid.New().String(),
		spec:   spec,
		h:      h,
		status: status,
		ch:     make(chan Change, b.bufSize),
		done:   make(chan struct{}),
		failed: make(chan error, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.run()
	logger.Debugf("feed: subscribed id=%s spec=%s", s.id, spec)
	return NewHandle(s.id, spec, func() error {
		b.remove(s.id)
		s.stop()
		logger.Debugf("feed: unsubscribed id=%s", s.id)
		return nil
	}), nil
}

// Publish delivers c to every matching subscription without blocking.
func (b *Broker) Publish(c Change) {
	var (
		row     map[string]any
		decoded bool
		slow    []*subscriber
	)
	b.mu.RLock()
	for _, s := range b.subs {
		if s.spec.Table != c.Table || !s.spec.Events.Has(c.Type) {
			continue
		}
		if !s.spec.Filter.IsZero() || s.spec.Where != nil {
			if !decoded {
				var err error
				row, err = query.DecodeRow(c.Row())
				if err != nil {
					b.mu.RUnlock()
					logger.Errorf("feed: drop change on %s: %v", c.Table, err)
					return
				}
				decoded = true
			}
			if !s.spec.Filter.Match(row) {
				continue
			}
			if s.spec.Where != nil && !s.spec.Where(row) {
				continue
			}
		}
		select {
		case s.ch <- c:
		default:
			slow = append(slow, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range slow {
		logger.Errorf("feed: subscriber %s too slow on %s, dropping", s.id, s.spec.Table)
		b.Fail(s.id, ErrSlowSubscriber)
	}
}

// Fail reports err to one subscription and removes it.
func (b *Broker) Fail(id string, err error) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		s.fail(err)
	}
}

// FailAll reports err to every subscription and removes them. Used by
// transports when the upstream connection drops.
func (b *Broker) FailAll(err error) {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		s.fail(err)
	}
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close fails all subscriptions with ErrClosed and rejects new ones.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.FailAll(ErrClosed)
	return nil
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (s *subscriber) run() {
	if s.status != nil {
		s.status(StatusSubscribed, nil)
	}
	for {
		select {
		case <-s.done:
			return
		case err := <-s.failed:
			if s.status != nil {
				s.status(StatusChannelError, err)
			}
			return
		case c := <-s.ch:
			select {
			case <-s.done:
				return
			default:
			}
			s.h(c)
		}
	}
}

func (s *subscriber) fail(err error) {
	s.once.Do(func() {
		s.failed <- err
	})
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}
