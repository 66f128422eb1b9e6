package livesync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/askhub/livesync/internal/backend"
	"github.com/askhub/livesync/internal/feed"
	"github.com/askhub/livesync/internal/model"
	"github.com/askhub/livesync/internal/query"
)

// ViewOptions are shared by the views in this package.
type ViewOptions struct {
	Reconnect Reconnect
	Reporter  Reporter
	// Limit caps the snapshot size where the view supports it; 0 uses the view default.
	Limit int
}

func (o ViewOptions) reporter() Reporter {
	if o.Reporter == nil {
		return LogReporter
	}
	return o.Reporter
}

const profileLookupTimeout = 10 * time.Second

// ConversationView lists the viewer's conversations with unread counters and
// the other participant's profile. Order is fixed at load time (latest
// message first); streamed messages update previews and counters in place.
type ConversationView struct {
	store    *Store[model.Conversation]
	snaps    backend.Snapshots
	procs    backend.Procedures
	reporter Reporter
	// tracked narrows the message subscription to listed conversations.
	tracked idSet
}

func NewConversationView(b backend.Backend, f feed.Feed, opts ViewOptions) *ConversationView {
	v := &ConversationView{snaps: b, procs: b, reporter: opts.reporter()}
	v.store = NewStore(b, f, Options[model.Conversation]{
		Name:      "conversations",
		Table:     backend.TableConversations,
		Filter:    participantFilter,
		Order:     query.Desc("last_message_at"),
		Where:     v.tracked.note,
		Load:      v.load,
		Reconnect: opts.Reconnect,
		Reporter:  opts.Reporter,
		Hooks: Hooks[model.Conversation]{
			OnLoad:   v.onLoad,
			OnInsert: v.onInsert,
			OnUpdate: keepDerived,
			OnClear:  v.tracked.reset,
		},
		Extras: []Extra[model.Conversation]{{
			Table:  backend.TableMessages,
			Events: feed.Insert,
			Where:  v.tracked.matches("conversation_id"),
			Apply:  applyMessage,
		}},
	})
	return v
}

// idSet is the set of conversation ids read by feed predicates on the
// publishing goroutine. note records every conversation the main
// subscription passes, before its messages can be published.
type idSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func (s *idSet) note(row map[string]any) bool {
	if id, ok := row["id"].(string); ok {
		s.mu.Lock()
		if s.ids == nil {
			s.ids = make(map[string]struct{})
		}
		s.ids[id] = struct{}{}
		s.mu.Unlock()
	}
	return true
}

func (s *idSet) matches(column string) func(map[string]any) bool {
	return func(row map[string]any) bool {
		id, _ := row[column].(string)
		s.mu.RLock()
		defer s.mu.RUnlock()
		_, ok := s.ids[id]
		return ok
	}
}

func (s *idSet) reset() {
	s.mu.Lock()
	s.ids = nil
	s.mu.Unlock()
}

func (s *idSet) replace(ids []string) {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	s.mu.Lock()
	s.ids = m
	s.mu.Unlock()
}

func (s *idSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// onLoad restarts tracking from the loaded rows; the previous generation's
// subscriptions are already released.
func (v *ConversationView) onLoad(_ Scope, items []model.Conversation) {
	ids := make([]string, len(items))
	for i, c := range items {
		ids[i] = c.ID
	}
	v.tracked.replace(ids)
}

func participantFilter(sc Scope) query.Filter {
	return query.Filter{}.Or(
		query.Eq("participant_1", sc.Viewer),
		query.Eq("participant_2", sc.Viewer),
	)
}

// load fetches the rows, then unread counts and profiles side by side. The
// view is loaded only when both have returned.
func (v *ConversationView) load(ctx context.Context, sc Scope) ([]model.Conversation, error) {
	rows, err := v.snaps.Select(ctx, backend.TableConversations, participantFilter(sc), query.Desc("last_message_at"), 0)
	if err != nil {
		return nil, err
	}
	convs, err := backend.DecodeRows[model.Conversation](rows)
	if err != nil || len(convs) == 0 {
		return convs, err
	}

	ids := make([]string, len(convs))
	others := make([]string, 0, len(convs))
	seen := make(map[string]struct{}, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
		o := c.OtherParticipant(sc.Viewer)
		if _, ok := seen[o]; !ok {
			seen[o] = struct{}{}
			others = append(others, o)
		}
	}

	var (
		counts   map[string]int
		profiles map[string]model.Profile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		counts, err = v.snaps.UnreadCounts(gctx, sc.Viewer, ids)
		return err
	})
	g.Go(func() error {
		var err error
		profiles, err = v.snaps.Profiles(gctx, others)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range convs {
		convs[i].UnreadCount = counts[convs[i].ID]
		if p, ok := profiles[convs[i].OtherParticipant(sc.Viewer)]; ok {
			convs[i].OtherUser = &p
		}
	}
	return convs, nil
}

// onInsert starts a profile lookup for a conversation that appeared after load.
func (v *ConversationView) onInsert(sc Scope, c model.Conversation) model.Conversation {
	go v.resolveOther(sc, c.ID, c.OtherParticipant(sc.Viewer))
	return c
}

func (v *ConversationView) resolveOther(sc Scope, convID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), profileLookupTimeout)
	defer cancel()
	profiles, err := v.snaps.Profiles(ctx, []string{userID})
	if err != nil {
		v.reporter.Report("conversations", err)
		return
	}
	p, ok := profiles[userID]
	if !ok || v.store.Scope() != sc {
		return
	}
	v.store.update(convID, func(c *model.Conversation) bool {
		c.OtherUser = &p
		return true
	})
}

// keepDerived carries per-viewer fields over a streamed row update.
func keepDerived(_ Scope, prev model.Conversation, known bool, next model.Conversation) model.Conversation {
	if known {
		next.UnreadCount = prev.UnreadCount
		next.OtherUser = prev.OtherUser
	}
	return next
}

// applyMessage moves the preview of the message's conversation and counts
// it as unread unless the viewer sent it.
func applyMessage(sc Scope, c feed.Change, items []model.Conversation) bool {
	var m model.Message
	if err := json.Unmarshal(c.New, &m); err != nil {
		return false
	}
	for i := range items {
		if items[i].ID != m.ConversationID {
			continue
		}
		at := m.CreatedAt
		items[i].LastMessage = m.Content
		items[i].LastMessageAt = &at
		if m.SenderID != sc.Viewer {
			items[i].UnreadCount++
		}
		return true
	}
	return false
}

// Activate loads the viewer's conversations; an empty viewer deactivates.
func (v *ConversationView) Activate(ctx context.Context, viewer string) error {
	return v.store.Activate(ctx, Scope{Viewer: viewer})
}

func (v *ConversationView) Deactivate() { v.store.Deactivate() }
func (v *ConversationView) Refresh(ctx context.Context) error { return v.store.Refresh(ctx) }
func (v *ConversationView) Items() []model.Conversation { return v.store.Items() }
func (v *ConversationView) Loading() bool { return v.store.Loading() }
func (v *ConversationView) Err() error { return v.store.Err() }
func (v *ConversationView) State() State { return v.store.State() }

func (v *ConversationView) Observe(fn func(Snapshot[model.Conversation])) func() {
	return v.store.Observe(fn)
}

// UnreadTotal sums unread counters over all conversations.
func (v *ConversationView) UnreadTotal() int {
	n := 0
	for _, c := range v.store.Items() {
		n += c.UnreadCount
	}
	return n
}

// ResetUnread zeroes the local counter of a conversation whose thread was opened.
func (v *ConversationView) ResetUnread(conversationID string) {
	v.store.update(conversationID, func(c *model.Conversation) bool {
		if c.UnreadCount == 0 {
			return false
		}
		c.UnreadCount = 0
		return true
	})
}

// Open returns the conversation between the viewer and otherUserID,
// creating it if needed. The new row reaches the list through the feed.
func (v *ConversationView) Open(ctx context.Context, otherUserID string) (string, error) {
	viewer := v.store.Scope().Viewer
	if viewer == "" {
		return "", ErrNoViewer
	}
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" || otherUserID == viewer {
		return "", validationErr("invalid conversation partner %q", otherUserID)
	}
	id, err := v.procs.GetOrCreateConversation(ctx, viewer, otherUserID)
	if err != nil {
		merr := &MutationError{Op: "get_or_create_conversation", Err: err}
		v.reporter.Report("conversations", merr)
		return "", merr
	}
	return id, nil
}
