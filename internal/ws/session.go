package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/askhub/livesync/internal/backend"
	"github.com/askhub/livesync/internal/feed"
	"github.com/askhub/livesync/internal/livesync"
	"github.com/askhub/livesync/internal/logger"
	"github.com/askhub/livesync/internal/model"
)

const actionTimeout = 10 * time.Second

// SessionConfig is shared by every session of a Hub.
type SessionConfig struct {
	Backend           backend.Backend
	Feed              feed.Feed
	Notifier          livesync.Notifier
	Reconnect         livesync.Reconnect
	Reporter          livesync.Reporter
	NotificationLimit int
	QuestionLimit     int
}

// Session holds one viewer's views for the lifetime of a connection and
// forwards their snapshots through out. out must not block.
type Session struct {
	viewer string
	out    func(OutgoingMessage)
	procs  backend.Procedures

	conversations *livesync.ConversationView
	notifications *livesync.NotificationView
	thread        *livesync.ThreadView
	questions     *livesync.QuestionFeed
	votes         *livesync.VoteTracker

	mu       sync.Mutex
	closed   bool
	cancels  []func()
	versions map[EventType]uint64
}

func NewSession(cfg SessionConfig, viewer string, out func(OutgoingMessage)) *Session {
	opts := livesync.ViewOptions{Reconnect: cfg.Reconnect, Reporter: cfg.Reporter}
	nopts := livesync.NotificationOptions{ViewOptions: opts, Notifier: cfg.Notifier}
	nopts.Limit = cfg.NotificationLimit
	qopts := opts
	qopts.Limit = cfg.QuestionLimit
	return &Session{
		viewer:        viewer,
		out:           out,
		procs:         cfg.Backend,
		conversations: livesync.NewConversationView(cfg.Backend, cfg.Feed, opts),
		notifications: livesync.NewNotificationView(cfg.Backend, cfg.Feed, nopts),
		thread:        livesync.NewThreadView(cfg.Backend, cfg.Feed, opts),
		questions:     livesync.NewQuestionFeed(cfg.Backend, cfg.Feed, qopts),
		votes:         livesync.NewVoteTracker(cfg.Backend, cfg.Feed, opts),
		versions:      make(map[EventType]uint64),
	}
}

func (s *Session) Viewer() string { return s.viewer }

// Start registers observers and activates the viewer's views. Activation
// failures are already visible to the client as error snapshots, so they are
// only logged here.
func (s *Session) Start(ctx context.Context) {
	if s.isClosed() {
		return
	}
	// observers deliver the current snapshot immediately, so s.mu is not held here
	cancels := []func(){
		s.conversations.Observe(func(snap livesync.Snapshot[model.Conversation]) {
			total := 0
			for _, c := range snap.Items {
				total += c.UnreadCount
			}
			s.emit(EventConversations, snap.Version, ConversationsPayload{ViewPayload: viewPayload(snap), UnreadTotal: total})
		}),
		s.notifications.Observe(func(snap livesync.Snapshot[model.Notification]) {
			s.emit(EventNotifications, snap.Version, NotificationsPayload{ViewPayload: viewPayload(snap), UnreadCount: s.notifications.UnreadCount()})
		}),
		s.thread.Observe(func(snap livesync.Snapshot[model.Message]) {
			s.emit(EventThread, snap.Version, ThreadPayload{ViewPayload: viewPayload(snap), ConversationID: s.thread.ConversationID()})
		}),
		s.questions.Observe(func(snap livesync.Snapshot[model.Question]) {
			s.emit(EventQuestions, snap.Version, viewPayload(snap))
		}),
		s.votes.Observe(func(snap livesync.Snapshot[model.Vote]) {
			s.emit(EventVotes, snap.Version, viewPayload(snap))
		}),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		return
	}
	s.cancels = cancels
	s.mu.Unlock()

	defer logger.DeferLogDuration("ws.Session.Start", time.Now())()
	// independent: one failing view must not cancel the others
	var g errgroup.Group
	for name, activate := range map[string]func(context.Context, string) error{
		"conversations": s.conversations.Activate,
		"notifications": s.notifications.Activate,
		"questions":     s.questions.Activate,
		"votes":         s.votes.Activate,
	} {
		g.Go(func() error {
			if err := activate(ctx, s.viewer); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Errorf("ws session start viewer=%s: %v", s.viewer, err)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// emit drops snapshots that arrive after a newer one of the same stream.
func (s *Session) emit(t EventType, version uint64, payload any) {
	s.mu.Lock()
	if s.closed || version <= s.versions[t] {
		s.mu.Unlock()
		return
	}
	s.versions[t] = version
	s.mu.Unlock()
	s.out(OutgoingMessage{Type: t, Payload: payload})
}

// Close stops forwarding and releases every subscription of the session.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.thread.Deactivate()
	s.conversations.Deactivate()
	s.notifications.Deactivate()
	s.questions.Deactivate()
	s.votes.Deactivate()
}

var errUnknownAction = errors.New("unknown action")

// Handle runs one client action. Results other than acks reach the client
// through the observers.
func (s *Session) Handle(ctx context.Context, msg IncomingMessage) error {
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	switch msg.Type {
	case ActionOpenThread:
		if msg.ConversationID == "" {
			return fmt.Errorf("%w: conversation_id required", livesync.ErrValidation)
		}
		if err := s.thread.Activate(ctx, s.viewer, msg.ConversationID); err != nil {
			return err
		}
		// the thread load has marked the messages read
		s.conversations.ResetUnread(msg.ConversationID)
	case ActionCloseThread:
		s.thread.Deactivate()
	case ActionSendMessage:
		return s.thread.SendMessage(ctx, msg.Content, msg.MessageType)
	case ActionMarkRead:
		if msg.NotificationID == "" {
			return fmt.Errorf("%w: notification_id required", livesync.ErrValidation)
		}
		return s.notifications.MarkAsRead(ctx, msg.NotificationID)
	case ActionMarkAllRead:
		return s.notifications.MarkAllAsRead(ctx)
	case ActionCastVote:
		return s.votes.Cast(ctx, msg.TargetType, msg.TargetID, msg.Value)
	case ActionViewQuestion:
		return livesync.RecordQuestionView(ctx, s.procs, msg.QuestionID)
	case ActionOpenConversation:
		id, err := s.conversations.Open(ctx, msg.UserID)
		if err != nil {
			return err
		}
		s.out(OutgoingMessage{Type: EventConversationOpened, Payload: ConversationOpenedPayload{Ref: msg.Ref, ConversationID: id}})
	case ActionRequestPermission:
		p, err := s.notifications.RequestPermission(ctx)
		if err != nil {
			return err
		}
		s.out(OutgoingMessage{Type: EventPermission, Payload: PermissionPayload{Permission: p}})
	case ActionRefresh:
		return s.refresh(ctx, msg.View)
	default:
		return fmt.Errorf("%w %q", errUnknownAction, msg.Type)
	}
	return nil
}

func (s *Session) refresh(ctx context.Context, view EventType) error {
	refreshers := map[EventType]func(context.Context) error{
		EventConversations: s.conversations.Refresh,
		EventNotifications: s.notifications.Refresh,
		EventQuestions:     s.questions.Refresh,
	}
	if s.thread.ConversationID() != "" {
		refreshers[EventThread] = s.thread.Refresh
	}
	if view != "" {
		fn, ok := refreshers[view]
		if !ok {
			return fmt.Errorf("%w: cannot refresh %q", livesync.ErrValidation, view)
		}
		return fn(ctx)
	}
	var errs []error
	for _, fn := range refreshers {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// errorCode classifies action errors for the client.
func errorCode(err error) string {
	var (
		ferr *livesync.FetchError
		cerr *livesync.ChannelError
		merr *livesync.MutationError
	)
	switch {
	case errors.Is(err, livesync.ErrValidation):
		return "validation"
	case errors.Is(err, livesync.ErrNoViewer):
		return "no_viewer"
	case errors.Is(err, errUnknownAction):
		return "unknown_action"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &ferr):
		return "fetch"
	case errors.As(err, &cerr):
		return "channel"
	case errors.As(err, &merr):
		return "mutation"
	default:
		return "internal"
	}
}
