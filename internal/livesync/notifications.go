package livesync

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/askhub/livesync/internal/backend"
	"github.com/askhub/livesync/internal/feed"
	"github.com/askhub/livesync/internal/model"
	"github.com/askhub/livesync/internal/query"
)

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Notice is what a desktop notification shows.
type Notice struct {
	UserID string
	Title  string
	Body   string
	Data   map[string]string
}

// Notifier is the local notification primitive. Delivery is best effort.
type Notifier interface {
	Permission(ctx context.Context, userID string) (Permission, error)
	RequestPermission(ctx context.Context, userID string) (Permission, error)
	Show(ctx context.Context, n Notice) error
}

const (
	DefaultNotificationLimit = 50
	showTimeout              = 10 * time.Second
)

// NotificationView is the viewer's newest notifications plus an unread
// counter. Inserts may raise a desktop notification.
type NotificationView struct {
	store    *Store[model.Notification]
	muts     backend.Mutations
	notifier Notifier
	limiter  *rate.Limiter
	reporter Reporter

	// unread is guarded by the store lock.
	unread int
}

type NotificationOptions struct {
	ViewOptions
	Notifier Notifier
	// ShowRate limits desktop notifications per second; 0 means 1/s with a burst of 3.
	ShowRate  rate.Limit
	ShowBurst int
}

func NewNotificationView(b backend.Backend, f feed.Feed, opts NotificationOptions) *NotificationView {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	r, burst := opts.ShowRate, opts.ShowBurst
	if r == 0 {
		r, burst = 1, 3
	}
	if burst <= 0 {
		burst = 1
	}
	v := &NotificationView{
		muts:     b,
		notifier: opts.Notifier,
		limiter:  rate.NewLimiter(r, burst),
		reporter: opts.reporter(),
	}
	v.store = NewStore(b, f, Options[model.Notification]{
		Name:  "notifications",
		Table: backend.TableNotifications,
		Filter: func(sc Scope) query.Filter {
			return query.Where(query.Eq("user_id", sc.Viewer))
		},
		Order: query.Desc("created_at"),
		Limit: limit,
		Less: func(a, b model.Notification) bool {
			return a.CreatedAt.After(b.CreatedAt)
		},
		Reconnect: opts.Reconnect,
		Reporter:  opts.Reporter,
		Hooks: Hooks[model.Notification]{
			OnLoad:   v.onLoad,
			OnInsert: v.onInsert,
			OnUpdate: v.onUpdate,
			OnDelete: v.onDelete,
			OnClear:  func() { v.unread = 0 },
		},
	})
	return v
}

func (v *NotificationView) onLoad(_ Scope, items []model.Notification) {
	v.unread = 0
	for _, n := range items {
		if !n.Read {
			v.unread++
		}
	}
}

func (v *NotificationView) onInsert(sc Scope, n model.Notification) model.Notification {
	if !n.Read {
		v.unread++
	}
	v.showDesktop(sc.Viewer, n)
	return n
}

func (v *NotificationView) onUpdate(_ Scope, prev model.Notification, known bool, next model.Notification) model.Notification {
	if known && !prev.Read && next.Read {
		v.decrementLocked()
	}
	return next
}

func (v *NotificationView) onDelete(_ Scope, prev model.Notification, found bool) {
	if found && !prev.Read {
		v.decrementLocked()
	}
}

func (v *NotificationView) decrementLocked() {
	if v.unread > 0 {
		v.unread--
	}
}

// showDesktop fires a desktop notification without waiting for it. Denied
// permission and throttled bursts are dropped silently.
func (v *NotificationView) showDesktop(viewer string, n model.Notification) {
	if v.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), showTimeout)
		defer cancel()
		perm, err := v.notifier.Permission(ctx, viewer)
		if err != nil || perm != PermissionGranted {
			return
		}
		if !v.limiter.Allow() {
			return
		}
		err = v.notifier.Show(ctx, Notice{UserID: viewer, Title: n.Title, Body: n.Message, Data: n.Link()})
		if err != nil {
			v.reporter.Report("notifications", err)
		}
	}()
}

// Activate loads the viewer's notifications; an empty viewer deactivates.
func (v *NotificationView) Activate(ctx context.Context, viewer string) error {
	return v.store.Activate(ctx, Scope{Viewer: viewer})
}

func (v *NotificationView) Deactivate() { v.store.Deactivate() }
func (v *NotificationView) Refresh(ctx context.Context) error { return v.store.Refresh(ctx) }
func (v *NotificationView) Items() []model.Notification { return v.store.Items() }
func (v *NotificationView) Loading() bool { return v.store.Loading() }
func (v *NotificationView) Err() error { return v.store.Err() }
func (v *NotificationView) State() State { return v.store.State() }

func (v *NotificationView) Observe(fn func(Snapshot[model.Notification])) func() {
	return v.store.Observe(fn)
}

func (v *NotificationView) UnreadCount() int {
	var n int
	v.store.locked(func() { n = v.unread })
	return n
}

// MarkAsRead marks one notification read. On success the local row and
// counter are updated right away; the streamed update that follows finds the
// row already read and does not count it again.
func (v *NotificationView) MarkAsRead(ctx context.Context, id string) error {
	viewer := v.store.Scope().Viewer
	if viewer == "" {
		return ErrNoViewer
	}
	if id == "" {
		return validationErr("empty notification id")
	}
	_, err := v.muts.Update(ctx, backend.TableNotifications,
		query.Where(query.Eq("id", id), query.Eq("user_id", viewer)),
		map[string]any{"read": true})
	if err != nil {
		merr := &MutationError{Op: "mark_notification_read", Err: err}
		v.reporter.Report("notifications", merr)
		return merr
	}
	v.store.update(id, func(n *model.Notification) bool {
		if n.Read {
			return false
		}
		n.Read = true
		v.decrementLocked()
		return true
	})
	return nil
}

// MarkAllAsRead sends the bulk update even when nothing is unread locally,
// then resets the counter without waiting for streamed confirmations.
func (v *NotificationView) MarkAllAsRead(ctx context.Context) error {
	viewer := v.store.Scope().Viewer
	if viewer == "" {
		return ErrNoViewer
	}
	_, err := v.muts.Update(ctx, backend.TableNotifications,
		query.Where(query.Eq("user_id", viewer), query.Eq("read", false)),
		map[string]any{"read": true})
	if err != nil {
		merr := &MutationError{Op: "mark_all_notifications_read", Err: err}
		v.reporter.Report("notifications", merr)
		return merr
	}
	v.store.mutate(func(items []model.Notification) bool {
		for i := range items {
			items[i].Read = true
		}
		v.unread = 0
		return true
	})
	return nil
}

// RequestPermission asks for desktop notification permission. Denial is not
// an error; the view just stops showing desktop notifications.
func (v *NotificationView) RequestPermission(ctx context.Context) (Permission, error) {
	viewer := v.store.Scope().Viewer
	if viewer == "" {
		return PermissionDefault, ErrNoViewer
	}
	if v.notifier == nil {
		return PermissionDenied, nil
	}
	perm, err := v.notifier.RequestPermission(ctx, viewer)
	if err != nil {
		v.reporter.Report("notifications", err)
		return PermissionDefault, err
	}
	return perm, nil
}
