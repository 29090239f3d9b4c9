// Package notify turns dispatch events into provider and customer
// notifications. Delivery is best effort and never feeds back into matching:
// a provider who got no notification simply lets the offer expire.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/fixmarket/dispatch/core/logger"
	"github.com/fixmarket/dispatch/core/model"
)

// Kind labels a notification message.
type Kind string

const (
	KindOfferIssued    Kind = "offer.issued"
	KindOfferClosed    Kind = "offer.closed"
	KindSearchUpdated  Kind = "search.updated"
	KindAssigned       Kind = "booking.assigned"
	KindStatusChanged  Kind = "booking.status"
	KindWorkCompleted  Kind = "booking.completed"
	KindCancelled      Kind = "booking.cancelled"
	KindSearchFailed   Kind = "search.exhausted"
	KindProviderMoving Kind = "provider.location"
)

// Message is one notification addressed to a single user.
type Message struct {
	Kind    Kind            `json:"kind"`
	Role    model.ActorRole `json:"role"`
	UserID  string          `json:"user_id"`
	At      time.Time       `json:"at"`
	Payload any             `json:"payload"`
}

// ErrNoSession is returned by a realtime transport when the user has no live
// connection.
var ErrNoSession = errors.New("notify: no active session")

// Realtime pushes a message over a live connection, typically a websocket.
type Realtime interface {
	Send(ctx context.Context, m Message) error
}

// Pusher delivers a message through an out-of-band push channel when no live
// session exists.
type Pusher interface {
	Push(ctx context.Context, m Message) error
}

// Streamer mirrors every message onto an external event stream for audit and
// downstream consumers.
type Streamer interface {
	Stream(m Message) error
}

// DeliveryRecorder persists the delivery outcome of offer notifications.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, offerID string, outcome model.DeliveryOutcome) error
}

// deliver tries realtime first and falls back to push, reporting which
// channel carried the message.
func deliver(ctx context.Context, rt Realtime, push Pusher, log logger.Logger, m Message) model.DeliveryOutcome {
	if rt != nil {
		err := rt.Send(ctx, m)
		if err == nil {
			return model.DeliveryRealtime
		}
		if !errors.Is(err, ErrNoSession) {
			log.Warnf("realtime delivery failed for %s %s: %v", m.Role, m.UserID, err)
		}
	}
	if push != nil {
		if err := push.Push(ctx, m); err != nil {
			log.Warnf("push delivery failed for %s %s: %v", m.Role, m.UserID, err)
			return model.DeliveryFailed
		}
		return model.DeliveryPush
	}
	return model.DeliveryNoSession
}
