package livesync

import (
	"context"
	"strings"

	"github.com/askhub/livesync/internal/backend"
	"github.com/askhub/livesync/internal/feed"
	"github.com/askhub/livesync/internal/model"
	"github.com/askhub/livesync/internal/query"
)

// ThreadView is one conversation's messages, oldest first. Loading the
// snapshot marks the thread read for the viewer.
type ThreadView struct {
	store    *Store[model.Message]
	snaps    backend.Snapshots
	procs    backend.Procedures
	muts     backend.Mutations
	reporter Reporter
}

func NewThreadView(b backend.Backend, f feed.Feed, opts ViewOptions) *ThreadView {
	v := &ThreadView{snaps: b, procs: b, muts: b, reporter: opts.reporter()}
	v.store = NewStore(b, f, Options[model.Message]{
		Name:     "thread",
		Table:    backend.TableMessages,
		Filter:   threadFilter,
		Order:    query.Asc("created_at"),
		Events:   feed.Insert | feed.Update,
		NeedsKey: true,
		// streamed inserts land after every message not newer than them
		Less: func(a, b model.Message) bool {
			return a.CreatedAt.Before(b.CreatedAt)
		},
		Load:      v.load,
		Reconnect: opts.Reconnect,
		Reporter:  opts.Reporter,
	})
	return v
}

func threadFilter(sc Scope) query.Filter {
	return query.Where(query.Eq("conversation_id", sc.Key))
}

func (v *ThreadView) load(ctx context.Context, sc Scope) ([]model.Message, error) {
	rows, err := v.snaps.Select(ctx, backend.TableMessages, threadFilter(sc), query.Asc("created_at"), 0)
	if err != nil {
		return nil, err
	}
	msgs, err := backend.DecodeRows[model.Message](rows)
	if err != nil {
		return nil, err
	}
	if err := v.procs.MarkMessagesRead(ctx, sc.Key, sc.Viewer); err != nil {
		v.reporter.Report("thread", &MutationError{Op: "mark_messages_read", Err: err})
	}
	return msgs, nil
}

// Activate opens conversationID for viewer. An empty conversation id means
// no thread is selected: the view goes inactive without any request.
func (v *ThreadView) Activate(ctx context.Context, viewer, conversationID string) error {
	return v.store.Activate(ctx, Scope{Viewer: viewer, Key: conversationID})
}

func (v *ThreadView) Deactivate() { v.store.Deactivate() }
func (v *ThreadView) Refresh(ctx context.Context) error { return v.store.Refresh(ctx) }
func (v *ThreadView) Items() []model.Message { return v.store.Items() }
func (v *ThreadView) Loading() bool { return v.store.Loading() }
func (v *ThreadView) Err() error { return v.store.Err() }
func (v *ThreadView) State() State { return v.store.State() }

func (v *ThreadView) ConversationID() string { return v.store.Scope().Key }

func (v *ThreadView) Observe(fn func(Snapshot[model.Message])) func() {
	return v.store.Observe(fn)
}

// SendMessage inserts a message into the open thread. Nothing is added
// locally; the message shows up when its insert event arrives.
func (v *ThreadView) SendMessage(ctx context.Context, content string, typ model.MessageType) error {
	sc := v.store.Scope()
	if sc.Key == "" {
		return validationErr("no conversation selected")
	}
	if sc.Viewer == "" {
		return ErrNoViewer
	}
	if strings.TrimSpace(content) == "" {
		return validationErr("empty message")
	}
	switch typ {
	case "":
		typ = model.MessageTypeText
	case model.MessageTypeText, model.MessageTypeImage, model.MessageTypeFile:
	default:
		return validationErr("unknown message type %q", typ)
	}
	_, err := v.muts.Insert(ctx, backend.TableMessages, map[string]any{
		"conversation_id": sc.Key,
		"sender_id":       sc.Viewer,
		"content":         content,
		"type":            string(typ),
	})
	if err != nil {
		merr := &MutationError{Op: "send_message", Err: err}
		v.reporter.Report("thread", merr)
		return merr
	}
	return nil
}
