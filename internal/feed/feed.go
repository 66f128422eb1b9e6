// Package feed delivers row-change events for a table, narrowed by a
// query.Filter, to subscriber callbacks. Transports: an in-process Broker,
// Redis pub/sub and Postgres LISTEN/NOTIFY.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/askhub/livesync/internal/query"
)

// Event is a set of change kinds.
type Event uint8

const (
	Insert Event = 1 << iota
	Update
	Delete

	All = Insert | Update | Delete
)

func (e Event) Has(kind Event) bool { return e&kind != 0 }

func (e Event) String() string {
	if e == All {
		return "*"
	}
	var parts []string
	if e.Has(Insert) {
		parts = append(parts, "INSERT")
	}
	if e.Has(Update) {
		parts = append(parts, "UPDATE")
	}
	if e.Has(Delete) {
		parts = append(parts, "DELETE")
	}
	return strings.Join(parts, "|")
}

// ParseEvent maps a single wire kind ("INSERT", "update", ...) to an Event.
func ParseEvent(s string) (Event, bool) {
	switch strings.ToUpper(s) {
	case "INSERT":
		return Insert, true
	case "UPDATE":
		return Update, true
	case "DELETE":
		return Delete, true
	}
	return 0, false
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	ev, ok := ParseEvent(s)
	if !ok {
		return errors.New("feed: unknown event " + s)
	}
	*e = ev
	return nil
}

// Change is one committed row change. New holds the row image after the
// change and is empty for deletes; Old holds the previous image when the
// transport has it (always for deletes). Partial marks images that were cut
// down to their short columns to fit the transport.
type Change struct {
	Table      string          `json:"table"`
	Type       Event           `json:"type"`
	New        json.RawMessage `json:"new"`
	Old        json.RawMessage `json:"old,omitempty"`
	CommitTime time.Time       `json:"commit_time"`
	Partial    bool            `json:"partial,omitempty"`
}

// Row returns the image the filter is matched against.
func (c Change) Row() json.RawMessage {
	if present(c.New) {
		return c.New
	}
	return c.Old
}

// HasOld reports whether the previous image is available.
func (c Change) HasOld() bool { return present(c.Old) }

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// Spec selects the changes a subscription receives.
type Spec struct {
	Table  string
	Filter query.Filter
	Events Event
	// Where narrows delivery further by a predicate on the decoded row. It
	// runs on the publishing goroutine and must not block.
	Where func(row map[string]any) bool
}

func (s Spec) String() string {
	return s.Table + "?" + s.Filter.String() + "#" + s.Events.String()
}

// Accepts reports whether c falls under the spec.
func (s Spec) Accepts(c Change) bool {
	if c.Table != s.Table || !s.Events.Has(c.Type) {
		return false
	}
	if s.Filter.IsZero() && s.Where == nil {
		return true
	}
	row, err := query.DecodeRow(c.Row())
	if err != nil {
		return false
	}
	return s.Filter.Match(row) && (s.Where == nil || s.Where(row))
}

type Status int

const (
	StatusSubscribed Status = iota + 1
	StatusChannelError
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusChannelError:
		return "CHANNEL_ERROR"
	case StatusClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

type Handler func(Change)

// StatusFunc receives channel status transitions; err is set for StatusChannelError.
type StatusFunc func(Status, error)

// Feed opens subscriptions. Handlers of one subscription are never called
// concurrently and see changes in publish order.
type Feed interface {
	Subscribe(ctx context.Context, spec Spec, h Handler, status StatusFunc) (*Handle, error)
}

var ErrClosed = errors.New("feed: closed")

// Handle owns one subscription. Unsubscribe releases it exactly once.
type Handle struct {
	id      string
	spec    Spec
	once    sync.Once
	release func() error
	err     error
}

func NewHandle(id string, spec Spec, release func() error) *Handle {
	return &Handle{id: id, spec: spec, release: release}
}

func (h *Handle) ID() string { return h.id }
func (h *Handle) Spec() Spec { return h.spec }

// Unsubscribe is safe to call more than once; only the first call reaches the transport.
func (h *Handle) Unsubscribe() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if h.release != nil {
			h.err = h.release()
		}
	})
	return h.err
}
