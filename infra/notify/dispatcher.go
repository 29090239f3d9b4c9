package notify

import (
	"context"
	"time"

	"github.com/fixmarket/dispatch/core/events"
	"github.com/fixmarket/dispatch/core/logger"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/internal/eventbus"
)

// Dispatcher consumes the dispatch event bus and fans messages out to the
// configured transports.
type Dispatcher struct {
	bus      eventbus.EventBus
	realtime Realtime
	push     Pusher
	stream   Streamer
	store    DeliveryRecorder
	log      logger.Logger

	done chan struct{}
	sub  <-chan eventbus.Event
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRealtime sets the live-session transport.
func WithRealtime(rt Realtime) Option { return func(d *Dispatcher) { d.realtime = rt } }

// WithPush sets the fallback push transport.
func WithPush(p Pusher) Option { return func(d *Dispatcher) { d.push = p } }

// WithStreamer mirrors messages onto an event stream.
func WithStreamer(s Streamer) Option { return func(d *Dispatcher) { d.stream = s } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// NewDispatcher builds a Dispatcher. The store records offer delivery
// outcomes and may not be nil.
func NewDispatcher(bus eventbus.EventBus, store DeliveryRecorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:   bus,
		store: store,
		log:   logger.Nop{},
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start subscribes to the bus and consumes events until Stop or context
// cancellation.
func (d *Dispatcher) Start(ctx context.Context) {
	d.sub = d.bus.Subscribe()
	go func() {
		defer close(d.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-d.sub:
				if !ok {
					return
				}
				d.handle(ctx, ev)
			}
		}
	}()
}

// Stop unsubscribes and waits for the consumer loop to drain.
func (d *Dispatcher) Stop() {
	d.bus.Unsubscribe(d.sub)
	<-d.done
}

func (d *Dispatcher) handle(ctx context.Context, ev eventbus.Event) {
	switch e := ev.(type) {
	case events.OfferIssued:
		d.handleOffer(ctx, e)
	case events.SearchUpdated:
		d.send(ctx, Message{Kind: KindSearchUpdated, Role: model.RoleCustomer, UserID: e.CustomerID, At: time.Now(), Payload: e})
	case events.OfferClosed:
		d.send(ctx, Message{Kind: KindOfferClosed, Role: model.RoleProvider, UserID: e.ProviderID, At: time.Now(), Payload: e})
	case events.ProviderAssigned:
		d.send(ctx, Message{Kind: KindAssigned, Role: model.RoleCustomer, UserID: e.CustomerID, At: e.AssignedAt, Payload: e})
		d.send(ctx, Message{Kind: KindAssigned, Role: model.RoleProvider, UserID: e.ProviderID, At: e.AssignedAt, Payload: e})
	case events.BookingStatusChanged:
		d.send(ctx, Message{Kind: KindStatusChanged, Role: model.RoleCustomer, UserID: e.CustomerID, At: e.At, Payload: e})
	case events.WorkCompleted:
		d.send(ctx, Message{Kind: KindWorkCompleted, Role: model.RoleCustomer, UserID: e.CustomerID, At: e.CompletedAt, Payload: e})
		d.send(ctx, Message{Kind: KindWorkCompleted, Role: model.RoleProvider, UserID: e.ProviderID, At: e.CompletedAt, Payload: e})
	case events.BookingCancelled:
		d.send(ctx, Message{Kind: KindCancelled, Role: model.RoleCustomer, UserID: e.CustomerID, At: e.At, Payload: e})
		if e.ProviderID != "" {
			d.send(ctx, Message{Kind: KindCancelled, Role: model.RoleProvider, UserID: e.ProviderID, At: e.At, Payload: e})
		}
	case events.SearchExhausted:
		d.send(ctx, Message{Kind: KindSearchFailed, Role: model.RoleCustomer, UserID: e.CustomerID, At: time.Now(), Payload: e})
	case events.ProviderLocation:
		d.send(ctx, Message{Kind: KindProviderMoving, Role: model.RoleCustomer, UserID: e.CustomerID, At: e.At, Payload: e})
	default:
		d.log.Debugf("ignoring unknown event %T", ev)
	}
}

// handleOffer delivers the offer to the provider and records the outcome so
// audits can tell a declined offer from one that never arrived.
func (d *Dispatcher) handleOffer(ctx context.Context, e events.OfferIssued) {
	m := Message{Kind: KindOfferIssued, Role: model.RoleProvider, UserID: e.ProviderID, At: time.Now(), Payload: e}
	outcome := deliver(ctx, d.realtime, d.push, d.log, m)
	messagesTotal.WithLabelValues(string(m.Kind), string(outcome)).Inc()
	d.mirror(m)
	if err := d.store.RecordDelivery(ctx, e.OfferID, outcome); err != nil {
		d.log.Errorf("record delivery for offer %s: %v", e.OfferID, err)
	}
	if outcome == model.DeliveryFailed || outcome == model.DeliveryNoSession {
		d.log.Infof("offer %s to provider %s undelivered (%s); it will expire on its own", e.OfferID, e.ProviderID, outcome)
	}
}

func (d *Dispatcher) send(ctx context.Context, m Message) {
	outcome := deliver(ctx, d.realtime, d.push, d.log, m)
	messagesTotal.WithLabelValues(string(m.Kind), string(outcome)).Inc()
	d.mirror(m)
}

func (d *Dispatcher) mirror(m Message) {
	if d.stream == nil {
		return
	}
	if err := d.stream.Stream(m); err != nil {
		streamErrors.Inc()
		d.log.Warnf("stream %s: %v", m.Kind, err)
	}
}
