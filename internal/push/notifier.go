package push

import (
	"context"
	"encoding/json"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/devcollab/internal/logger"
	"github.com/devcollab/internal/storage"
)

// Payload is what the service worker receives.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Notifier delivers Web Push notifications to a user's stored subscriptions.
// Without VAPID keys subscriptions are still stored but nothing is sent.
type Notifier struct {
	store storage.Store
	vapid *webpush.Options
	send  sendFunc
}

func NewNotifier(store storage.Store, publicKey, privateKey, subscriber string) *Notifier {
	n := &Notifier{store: store, send: webpush.SendNotificationWithContext}
	if publicKey != "" && privateKey != "" {
		n.vapid = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  publicKey,
			VAPIDPrivateKey: privateKey,
			TTL:             30,
		}
	}
	return n
}

// Enabled reports whether notifications are actually sent.
func (n *Notifier) Enabled() bool {
	return n != nil && n.vapid != nil
}

// PublicKey is handed to browsers for PushManager.subscribe.
func (n *Notifier) PublicKey() string {
	if !n.Enabled() {
		return ""
	}
	return n.vapid.VAPIDPublicKey
}

func (n *Notifier) Subscribe(ctx context.Context, userID string, sub storage.PushSubscription) error {
	return n.store.AddPushSubscription(ctx, userID, sub)
}

func (n *Notifier) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return n.store.RemovePushSubscription(ctx, userID, endpoint)
}

// Notify sends p to every subscription of userID. Subscriptions the push
// service reports as gone (404/410) are removed. Errors are logged only.
func (n *Notifier) Notify(ctx context.Context, userID string, p Payload) {
	if !n.Enabled() {
		return
	}
	subs, err := n.store.PushSubscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push: load subscriptions user=%s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	body, err := json.Marshal(p)
	if err != nil {
		logger.Errorf("push: encode payload: %v", err)
		return
	}
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := n.send(ctx, body, wpSub, n.vapid)
		if err != nil {
			logger.Errorf("push: send %s: %v", sub.Endpoint[:min(50, len(sub.Endpoint))], err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			if err := n.store.RemovePushSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push: drop stale subscription: %v", err)
			}
		}
	}
}
