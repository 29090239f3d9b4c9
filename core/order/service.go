package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fixmarket/dispatch/core/events"
	"github.com/fixmarket/dispatch/core/logger"
	"github.com/fixmarket/dispatch/core/metrics"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/policy"
	"github.com/fixmarket/dispatch/core/radius"
	"github.com/fixmarket/dispatch/core/storage"
	"github.com/fixmarket/dispatch/internal/clock"
	"github.com/fixmarket/dispatch/internal/eventbus"
)

// Result is returned by every public entry point. Integrating handlers
// translate it into a user-facing response; the service never panics or
// surfaces raw storage errors to callers.
type Result struct {
	Success bool
	Message string
}

func failure(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

func success(format string, args ...any) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

// ErrTrackingClosed is returned when a location update arrives outside the
// travelling or working phases.
var ErrTrackingClosed = errors.New("order: booking is not accepting location updates")

// DefaultDeclineDebounce delays the expansion reaction to a decline so
// sibling offers still in flight get a chance to be accepted first.
const DefaultDeclineDebounce = 2 * time.Second

// Expander widens a stalled search. Implemented by radius.Controller.
type Expander interface {
	Expand(ctx context.Context, b *model.Booking) (radius.Outcome, error)
}

// Service applies booking transitions and resolves provider actions.
type Service struct {
	store    storage.Store
	bus      eventbus.EventBus
	sink     metrics.Sink
	clock    clock.Clock
	log      logger.Logger
	expander Expander
	debounce time.Duration
}

// NewService builds the order service with its dependencies injected.
// expander may be nil, in which case declines never trigger expansion (used
// by tests that drive expansion explicitly).
func NewService(store storage.Store, bus eventbus.EventBus, sink metrics.Sink, clk clock.Clock, log logger.Logger, expander Expander, debounce time.Duration) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("order: nil store")
	}
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = logger.Nop{}
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if debounce <= 0 {
		debounce = DefaultDeclineDebounce
	}
	return &Service{store: store, bus: bus, sink: sink, clock: clk, log: log, expander: expander, debounce: debounce}, nil
}

// HandleProviderAcceptance resolves a provider's attempt to take an offer.
// The decision is a single conditional storage operation, so concurrent
// attempts on the same booking produce exactly one winner; everyone else is
// told the offer is no longer available.
func (s *Service) HandleProviderAcceptance(ctx context.Context, offerID, providerID string) Result {
	now := s.clock.Now()
	o, err := s.store.Offer(ctx, offerID)
	if errors.Is(err, storage.ErrNotFound) {
		acceptanceAttempts.WithLabelValues("not_found").Inc()
		return failure("offer not found")
	}
	if err != nil {
		s.log.Errorf("accept %s: load offer: %v", offerID, err)
		return failure("could not process acceptance, please retry")
	}
	if o.ProviderID != providerID {
		acceptanceAttempts.WithLabelValues("not_found").Inc()
		return failure("offer not found")
	}

	change := model.StatusChange{
		ID:         uuid.NewString(),
		BookingID:  o.BookingID,
		FromStatus: model.StatusProviderSearch,
		ToStatus:   model.StatusProviderAssigned,
		ActorID:    providerID,
		ActorRole:  model.RoleProvider,
		Reason:     "offer accepted",
		CreatedAt:  now,
	}
	acc, err := s.store.AcceptOffer(ctx, offerID, providerID, now, change)
	if err != nil {
		s.log.Errorf("accept %s: %v", offerID, err)
		return failure("could not process acceptance, please retry")
	}
	acceptanceAttempts.WithLabelValues(acc.Outcome.String()).Inc()

	switch acc.Outcome {
	case storage.AcceptOK:
		s.afterAcceptance(o, acc, now)
		return success("offer accepted, booking assigned")
	case storage.AcceptExpired:
		return failure("offer expired")
	case storage.AcceptNotFound:
		return failure("offer not found")
	default:
		return failure("offer no longer available")
	}
}

func (s *Service) afterAcceptance(o *model.JobRequest, acc storage.Acceptance, now time.Time) {
	b := acc.Booking
	wait := now.Sub(o.CreatedAt)
	assignmentWait.Observe(wait.Seconds())
	s.log.Infof("booking %s assigned to provider %s after %s (wave %d)", b.ID, o.ProviderID, wait.Round(time.Second), o.Wave)

	if s.bus != nil {
		s.bus.Publish(events.ProviderAssigned{
			BookingID:  b.ID,
			CustomerID: b.CustomerID,
			ProviderID: o.ProviderID,
			OfferID:    o.ID,
			AssignedAt: now,
		})
		for _, sib := range acc.CancelledOffers {
			s.bus.Publish(events.OfferClosed{
				OfferID:    sib.ID,
				BookingID:  b.ID,
				ProviderID: sib.ProviderID,
				Reason:     "taken",
			})
		}
	}
	if err := s.sink.RecordAssignment(metrics.AssignmentRecord{
		BookingID:  b.ID,
		ProviderID: o.ProviderID,
		OfferID:    o.ID,
		Wave:       o.Wave,
		WaitTime:   wait,
		Time:       now,
	}); err != nil {
		s.log.Errorf("assignment metrics error: %v", err)
	}
}

// HandleProviderDecline marks the offer declined. When it was the last
// outstanding offer, an expansion attempt is scheduled after the debounce
// window rather than immediately, in case a sibling acceptance is in flight.
func (s *Service) HandleProviderDecline(ctx context.Context, offerID, providerID string) Result {
	now := s.clock.Now()
	o, err := s.store.Offer(ctx, offerID)
	if errors.Is(err, storage.ErrNotFound) {
		return failure("offer not found")
	}
	if err != nil {
		s.log.Errorf("decline %s: load offer: %v", offerID, err)
		return failure("could not process decline, please retry")
	}
	if o.ProviderID != providerID {
		return failure("offer not found")
	}

	ok, err := s.store.DeclineOffer(ctx, offerID, providerID, now)
	if err != nil {
		s.log.Errorf("decline %s: %v", offerID, err)
		return failure("could not process decline, please retry")
	}
	if !ok {
		return failure("offer no longer available")
	}
	declinesTotal.Inc()
	s.log.Debugf("offer %s declined by provider %s", offerID, providerID)

	remaining, err := s.store.SentOfferCount(ctx, o.BookingID)
	if err != nil {
		s.log.Errorf("decline %s: count outstanding offers: %v", offerID, err)
		return success("offer declined")
	}
	if remaining == 0 && s.expander != nil {
		bookingID := o.BookingID
		s.clock.AfterFunc(s.debounce, func() { s.expandAfterDecline(bookingID) })
	}
	return success("offer declined")
}

// expandAfterDecline runs when the debounce window elapses. It re-checks the
// booking so an acceptance that slipped in meanwhile wins over expansion.
func (s *Service) expandAfterDecline(bookingID string) {
	ctx := context.Background()
	b, err := s.store.Booking(ctx, bookingID)
	if err != nil {
		s.log.Errorf("post-decline expansion %s: %v", bookingID, err)
		return
	}
	if b.Status != model.StatusProviderSearch {
		return
	}
	remaining, err := s.store.SentOfferCount(ctx, bookingID)
	if err != nil || remaining > 0 {
		return
	}
	if _, err := s.expander.Expand(ctx, b); err != nil {
		s.log.Errorf("post-decline expansion %s: %v", bookingID, err)
	}
}

// UpdateProviderStatus applies a provider-reported progress event. The event
// is validated against the current state; out-of-order reports are rejected,
// never coerced.
func (s *Service) UpdateProviderStatus(ctx context.Context, bookingID, providerID string, to model.BookingStatus) Result {
	now := s.clock.Now()
	b, err := s.store.Booking(ctx, bookingID)
	if errors.Is(err, storage.ErrNotFound) {
		return failure("booking not found")
	}
	if err != nil {
		s.log.Errorf("status update %s: %v", bookingID, err)
		return failure("could not process status update, please retry")
	}
	if b.AssignedProviderID != providerID {
		return failure("not the assigned provider for this booking")
	}
	if !providerReportable[to] || !CanTransition(b.Status, to) {
		rejectedUpdates.Inc()
		return failure("illegal status transition %s -> %s", b.Status, to)
	}

	t := storage.Transition{
		BookingID: bookingID,
		From:      b.Status,
		To:        to,
		Change: model.StatusChange{
			ID:         uuid.NewString(),
			BookingID:  bookingID,
			FromStatus: b.Status,
			ToStatus:   to,
			ActorID:    providerID,
			ActorRole:  model.RoleProvider,
			Reason:     "provider status report",
			CreatedAt:  now,
		},
	}
	if to == model.StatusWorkCompleted {
		t.CompletedAt = &now
	}
	ok, err := s.store.TransitionBooking(ctx, t)
	if err != nil {
		s.log.Errorf("status update %s: %v", bookingID, err)
		return failure("could not process status update, please retry")
	}
	if !ok {
		return failure("booking state changed, please retry")
	}

	if s.bus != nil {
		s.bus.Publish(events.BookingStatusChanged{
			BookingID:  bookingID,
			CustomerID: b.CustomerID,
			ProviderID: providerID,
			From:       b.Status,
			To:         to,
			At:         now,
		})
	}
	if to == model.StatusWorkCompleted {
		s.finishWork(b, providerID, now)
	}
	return success("status updated to %s", to)
}

// finishWork emits the completion certificate and the terminal outcome
// record. This is the handoff to rating and billing flows.
func (s *Service) finishWork(b *model.Booking, providerID string, now time.Time) {
	if s.bus != nil {
		s.bus.Publish(events.WorkCompleted{
			CertificateID: uuid.NewString(),
			BookingID:     b.ID,
			CustomerID:    b.CustomerID,
			ProviderID:    providerID,
			TotalAmount:   b.TotalAmount,
			CompletedAt:   now,
		})
	}
	if err := s.sink.RecordOutcome(metrics.OutcomeRecord{
		BookingID: b.ID,
		Outcome:   string(model.StatusWorkCompleted),
		Waves:     b.SearchWave,
		Time:      now,
	}); err != nil {
		s.log.Errorf("outcome metrics error: %v", err)
	}
	s.log.Infof("booking %s completed by provider %s", b.ID, providerID)
}

// HandleOrderCancellation cancels a booking from any non-terminal state,
// computing the refund from the service's cancellation policy and closing
// every outstanding offer.
func (s *Service) HandleOrderCancellation(ctx context.Context, bookingID, actorID string, role model.ActorRole, reason string) Result {
	now := s.clock.Now()
	b, err := s.store.Booking(ctx, bookingID)
	if errors.Is(err, storage.ErrNotFound) {
		return failure("booking not found")
	}
	if err != nil {
		s.log.Errorf("cancel %s: %v", bookingID, err)
		return failure("could not process cancellation, please retry")
	}
	if b.Status.Terminal() {
		return failure("booking already closed")
	}

	pol := s.policyFor(ctx, b.ServiceID)
	ref := policy.ComputeRefund(pol, hoursBeforeService(b, pol, now), role, b.TotalAmount)
	cancellation := &model.Cancellation{
		ActorID:       actorID,
		ActorRole:     role,
		Reason:        reason,
		CancelledAt:   now,
		RefundPercent: ref.RefundPercent,
		RefundAmount:  ref.RefundAmount,
		PenaltyAmount: ref.PenaltyAmount,
	}
	ok, err := s.store.TransitionBooking(ctx, storage.Transition{
		BookingID: bookingID,
		From:      b.Status,
		To:        model.StatusCancelled,
		Change: model.StatusChange{
			ID:         uuid.NewString(),
			BookingID:  bookingID,
			FromStatus: b.Status,
			ToStatus:   model.StatusCancelled,
			ActorID:    actorID,
			ActorRole:  role,
			Reason:     reason,
			CreatedAt:  now,
		},
		Cancellation: cancellation,
	})
	if err != nil {
		s.log.Errorf("cancel %s: %v", bookingID, err)
		return failure("could not process cancellation, please retry")
	}
	if !ok {
		return failure("booking state changed, please retry")
	}
	cancellationsTotal.WithLabelValues(string(role)).Inc()

	s.closeOffers(ctx, bookingID, now)
	if s.bus != nil {
		s.bus.Publish(events.BookingCancelled{
			BookingID:     bookingID,
			CustomerID:    b.CustomerID,
			ProviderID:    b.AssignedProviderID,
			CancelledBy:   role,
			Reason:        reason,
			RefundPercent: ref.RefundPercent,
			RefundAmount:  ref.RefundAmount,
			PenaltyAmount: ref.PenaltyAmount,
			At:            now,
		})
	}
	if err := s.sink.RecordOutcome(metrics.OutcomeRecord{
		BookingID: bookingID,
		Outcome:   string(model.StatusCancelled),
		Waves:     b.SearchWave,
		Time:      now,
	}); err != nil {
		s.log.Errorf("outcome metrics error: %v", err)
	}
	s.log.Infof("booking %s cancelled by %s (%s): refund %.0f%%", bookingID, role, reason, ref.RefundPercent)
	return success("booking cancelled, refund %.0f%%", ref.RefundPercent)
}

// closeOffers cancels outstanding offers and tells their providers.
func (s *Service) closeOffers(ctx context.Context, bookingID string, now time.Time) {
	offers, err := s.store.OffersForBooking(ctx, bookingID)
	if err != nil {
		s.log.Errorf("cancel %s: list offers: %v", bookingID, err)
		return
	}
	if _, err := s.store.CancelSentOffers(ctx, bookingID, now); err != nil {
		s.log.Errorf("cancel %s: close offers: %v", bookingID, err)
		return
	}
	if s.bus == nil {
		return
	}
	for _, o := range offers {
		if o.Status != model.OfferSent {
			continue
		}
		s.bus.Publish(events.OfferClosed{
			OfferID:    o.ID,
			BookingID:  bookingID,
			ProviderID: o.ProviderID,
			Reason:     "cancelled",
		})
	}
}

// RecordLocation stores a provider tracking snapshot. Accepted only while
// the provider travels to or works at the job site.
func (s *Service) RecordLocation(ctx context.Context, u model.LocationUpdate) error {
	b, err := s.store.Booking(ctx, u.BookingID)
	if err != nil {
		return err
	}
	if b.AssignedProviderID != u.ProviderID {
		return fmt.Errorf("order: provider %s is not assigned to booking %s", u.ProviderID, u.BookingID)
	}
	if b.Status != model.StatusProviderOnWay && b.Status != model.StatusWorkInProgress {
		return ErrTrackingClosed
	}
	if u.RecordedAt.IsZero() {
		u.RecordedAt = s.clock.Now()
	}
	if err := s.store.RecordLocation(ctx, u); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(events.ProviderLocation{
			BookingID:  u.BookingID,
			CustomerID: b.CustomerID,
			ProviderID: u.ProviderID,
			Point:      u.Point,
			At:         u.RecordedAt,
		})
	}
	return nil
}

// defaultPolicy applies when a service has no stored cancellation policy:
// generous to the customer, no provider penalty.
var defaultPolicy = model.CancellationPolicy{
	FreeHours:         0,
	FreeRefundPercent: 100,
}

func (s *Service) policyFor(ctx context.Context, serviceID string) model.CancellationPolicy {
	pol, err := s.store.PolicyForService(ctx, serviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return defaultPolicy
	}
	if err != nil {
		s.log.Errorf("policy lookup %s: %v", serviceID, err)
		return defaultPolicy
	}
	return *pol
}

// hoursBeforeService computes the policy input. Scheduled bookings measure
// against the appointment; instant bookings count as inside the free window
// while no provider is assigned and as immediate (zero hours) afterwards.
func hoursBeforeService(b *model.Booking, pol model.CancellationPolicy, now time.Time) float64 {
	if b.Mode == model.ModeScheduled && b.ScheduledAt != nil {
		h := b.ScheduledAt.Sub(now).Hours()
		if h < 0 {
			return 0
		}
		return h
	}
	if b.AssignedProviderID == "" {
		return pol.FreeHours
	}
	return 0
}
