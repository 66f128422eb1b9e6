package push

import (
	"context"
	"encoding/json"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/askhub/livesync/internal/livesync"
	"github.com/askhub/livesync/internal/logger"
)

// SendFunc delivers one payload to one browser subscription.
type SendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Dispatcher sends Web Push notifications to every subscription of a user
// and prunes subscriptions the push service reports as gone.
type Dispatcher struct {
	store Store
	vapid *webpush.Options
	send  SendFunc
}

// NewDispatcher: при vapid == nil подписки сохраняются, отправка не выполняется.
func NewDispatcher(store Store, vapid *webpush.Options) *Dispatcher {
	return &Dispatcher{store: store, vapid: vapid, send: webpush.SendNotificationWithContext}
}

func (d *Dispatcher) Store() Store { return d.store }

func (d *Dispatcher) Permission(ctx context.Context, userID string) (livesync.Permission, error) {
	out, err := d.store.OptedOut(ctx, userID)
	if err != nil {
		return livesync.PermissionDefault, err
	}
	if out {
		return livesync.PermissionDenied, nil
	}
	subs, err := d.store.List(ctx, userID)
	if err != nil {
		return livesync.PermissionDefault, err
	}
	if len(subs) == 0 || d.vapid == nil {
		return livesync.PermissionDefault, nil
	}
	return livesync.PermissionGranted, nil
}

// Dispatch returns the number of subscriptions the payload was accepted for.
func (d *Dispatcher) Dispatch(ctx context.Context, n livesync.Notice) (int, error) {
	if d.vapid == nil {
		return 0, nil
	}
	subs, err := d.store.List(ctx, n.UserID)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(map[string]any{"title": n.Title, "body": n.Body, "data": n.Data})
	if err != nil {
		return 0, err
	}
	sent := 0
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := d.send(ctx, payload, wpSub, d.vapid)
		if err != nil {
			logger.Errorf("push send %s: %v", shortEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			if err := d.store.Remove(ctx, n.UserID, sub.Endpoint); err != nil {
				logger.Errorf("push prune %s: %v", shortEndpoint(sub.Endpoint), err)
			}
		case resp.StatusCode/100 == 2:
			sent++
		default:
			logger.Errorf("push send %s: status %d", shortEndpoint(sub.Endpoint), resp.StatusCode)
		}
	}
	return sent, nil
}

func shortEndpoint(e string) string {
	return e[:min(50, len(e))]
}
