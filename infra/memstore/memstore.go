// Package memstore provides an in-memory storage.Store. Every conditional
// update runs under one mutex, which gives the atomicity the acceptance race
// requires; it backs the test suites and the simulate command.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/storage"
)

// Store implements storage.Store in process memory.
type Store struct {
	mu        sync.Mutex
	bookings  map[string]*model.Booking
	offers    map[string]*model.JobRequest
	byBooking map[string][]string
	policies  map[string]*model.CancellationPolicy
	history   map[string][]model.StatusChange
	locations map[string][]model.LocationUpdate
}

// New creates an empty store.
func New() *Store {
	return &Store{
		bookings:  make(map[string]*model.Booking),
		offers:    make(map[string]*model.JobRequest),
		byBooking: make(map[string][]string),
		policies:  make(map[string]*model.CancellationPolicy),
		history:   make(map[string][]model.StatusChange),
		locations: make(map[string][]model.LocationUpdate),
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) CreateBooking(_ context.Context, b *model.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return fmt.Errorf("memstore: booking %s already exists", b.ID)
	}
	s.bookings[b.ID] = cloneBooking(b)
	return nil
}

func (s *Store) Booking(_ context.Context, id string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneBooking(b), nil
}

func (s *Store) BookingsNeedingMatching(_ context.Context, horizon time.Time) ([]*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Booking
	for _, b := range s.bookings {
		switch {
		case b.Status == model.StatusProviderSearch:
			out = append(out, cloneBooking(b))
		case b.Status != model.StatusPending:
		case b.Mode == model.ModeInstant:
			out = append(out, cloneBooking(b))
		case b.ScheduledAt != nil && !b.ScheduledAt.After(horizon):
			out = append(out, cloneBooking(b))
		}
	}
	sortBookings(out)
	return out, nil
}

func (s *Store) BookingsNeedingExpansion(_ context.Context, now time.Time, maxRadiusKm float64) ([]*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Booking
	for _, b := range s.bookings {
		if b.Status == model.StatusProviderSearch &&
			b.MatchingExpiresAt != nil && now.After(*b.MatchingExpiresAt) &&
			b.SearchRadiusKm < maxRadiusKm {
			out = append(out, cloneBooking(b))
		}
	}
	sortBookings(out)
	return out, nil
}

func (s *Store) StartSearchWave(_ context.Context, w storage.StartWave) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[w.BookingID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if b.Status != w.FromStatus || b.SearchWave != w.FromWave {
		return false, nil
	}
	if w.RadiusKm < b.SearchRadiusKm {
		return false, fmt.Errorf("memstore: booking %s radius would shrink (%.1f -> %.1f)", b.ID, b.SearchRadiusKm, w.RadiusKm)
	}

	b.Status = w.Status
	b.SearchRadiusKm = w.RadiusKm
	b.SearchWave = w.Wave
	exp := w.ExpiresAt
	b.MatchingExpiresAt = &exp
	b.PendingOffers = len(w.Offers)
	b.UpdatedAt = w.At
	if w.Expansion != nil {
		b.RadiusExpansions = append(b.RadiusExpansions, *w.Expansion)
	}
	for _, o := range w.Offers {
		s.offers[o.ID] = cloneOffer(o)
		s.byBooking[o.BookingID] = append(s.byBooking[o.BookingID], o.ID)
	}
	if w.Change != nil {
		s.history[b.ID] = append(s.history[b.ID], *w.Change)
	}
	return true, nil
}

func (s *Store) TransitionBooking(_ context.Context, t storage.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[t.BookingID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if b.Status != t.From {
		return false, nil
	}
	b.Status = t.To
	if t.To != model.StatusProviderSearch {
		b.MatchingExpiresAt = nil
	}
	if t.Cancellation != nil {
		c := *t.Cancellation
		b.Cancellation = &c
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		b.CompletedAt = &at
	}
	b.UpdatedAt = t.Change.CreatedAt
	s.history[b.ID] = append(s.history[b.ID], t.Change)
	return true, nil
}

func (s *Store) AcceptOffer(_ context.Context, offerID, providerID string, now time.Time, change model.StatusChange) (storage.Acceptance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[offerID]
	if !ok || o.ProviderID != providerID {
		return storage.Acceptance{Outcome: storage.AcceptNotFound}, nil
	}
	if o.Status == model.OfferExpired {
		return storage.Acceptance{Outcome: storage.AcceptExpired}, nil
	}
	if o.Status != model.OfferSent {
		return storage.Acceptance{Outcome: storage.AcceptUnavailable}, nil
	}
	if o.ExpiredBy(now) {
		// Logically dead even though the sweep has not stamped it yet.
		o.Status = model.OfferExpired
		o.ResolvedAt = &now
		return storage.Acceptance{Outcome: storage.AcceptExpired}, nil
	}
	b, ok := s.bookings[o.BookingID]
	if !ok {
		return storage.Acceptance{Outcome: storage.AcceptNotFound}, nil
	}
	if b.Status != model.StatusProviderSearch {
		return storage.Acceptance{Outcome: storage.AcceptUnavailable}, nil
	}

	o.Status = model.OfferAccepted
	o.ResolvedAt = &now
	var cancelled []*model.JobRequest
	for _, sid := range s.byBooking[o.BookingID] {
		sib := s.offers[sid]
		if sid == offerID || sib.Status != model.OfferSent {
			continue
		}
		sib.Status = model.OfferCancelled
		sib.ResolvedAt = &now
		cancelled = append(cancelled, cloneOffer(sib))
	}
	b.Status = model.StatusProviderAssigned
	b.AssignedProviderID = providerID
	b.MatchingExpiresAt = nil
	b.PendingOffers = 0
	b.UpdatedAt = now
	s.history[b.ID] = append(s.history[b.ID], change)
	return storage.Acceptance{
		Outcome:         storage.AcceptOK,
		Booking:         cloneBooking(b),
		CancelledOffers: cancelled,
	}, nil
}

func (s *Store) Offer(_ context.Context, id string) (*model.JobRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneOffer(o), nil
}

func (s *Store) OffersForBooking(_ context.Context, bookingID string) ([]*model.JobRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byBooking[bookingID]
	out := make([]*model.JobRequest, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneOffer(s.offers[id]))
	}
	return out, nil
}

func (s *Store) SentOfferCount(_ context.Context, bookingID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.byBooking[bookingID] {
		if s.offers[id].Status == model.OfferSent {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeclineOffer(_ context.Context, offerID, providerID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[offerID]
	if !ok || o.ProviderID != providerID || o.Status != model.OfferSent {
		return false, nil
	}
	if o.ExpiredBy(now) {
		o.Status = model.OfferExpired
		o.ResolvedAt = &now
		s.dropPending(o.BookingID)
		return false, nil
	}
	o.Status = model.OfferDeclined
	o.ResolvedAt = &now
	s.dropPending(o.BookingID)
	return true, nil
}

func (s *Store) CancelSentOffers(_ context.Context, bookingID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.byBooking[bookingID] {
		o := s.offers[id]
		if o.Status != model.OfferSent {
			continue
		}
		o.Status = model.OfferCancelled
		o.ResolvedAt = &now
		n++
	}
	if b, ok := s.bookings[bookingID]; ok {
		b.PendingOffers = 0
	}
	return n, nil
}

func (s *Store) ExpireDueOffers(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.offers {
		if o.Status != model.OfferSent || !o.ExpiredBy(now) {
			continue
		}
		o.Status = model.OfferExpired
		o.ResolvedAt = &now
		s.dropPending(o.BookingID)
		n++
	}
	return n, nil
}

func (s *Store) RecordDelivery(_ context.Context, offerID string, outcome model.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[offerID]
	if !ok {
		return storage.ErrNotFound
	}
	o.Delivery = outcome
	return nil
}

func (s *Store) PolicyForService(_ context.Context, serviceID string) (*model.CancellationPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[serviceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// PutPolicy seeds a cancellation policy. Policies are otherwise read-only.
func (s *Store) PutPolicy(p model.CancellationPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ServiceID] = &p
}

func (s *Store) HistoryForBooking(_ context.Context, bookingID string) ([]model.StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.StatusChange(nil), s.history[bookingID]...), nil
}

func (s *Store) RecordLocation(_ context.Context, u model.LocationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[u.BookingID] = append(s.locations[u.BookingID], u)
	return nil
}

func (s *Store) LocationTrail(_ context.Context, bookingID string) ([]model.LocationUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LocationUpdate(nil), s.locations[bookingID]...), nil
}

// dropPending decrements the booking's pending-offer counter, clamped at 0.
func (s *Store) dropPending(bookingID string) {
	if b, ok := s.bookings[bookingID]; ok && b.PendingOffers > 0 {
		b.PendingOffers--
	}
}

func sortBookings(bs []*model.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].CreatedAt.Equal(bs[j].CreatedAt) {
			return bs[i].CreatedAt.Before(bs[j].CreatedAt)
		}
		return bs[i].ID < bs[j].ID
	})
}

func cloneBooking(b *model.Booking) *model.Booking {
	c := *b
	if b.ScheduledAt != nil {
		t := *b.ScheduledAt
		c.ScheduledAt = &t
	}
	if b.MatchingExpiresAt != nil {
		t := *b.MatchingExpiresAt
		c.MatchingExpiresAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}
	if b.Cancellation != nil {
		cc := *b.Cancellation
		c.Cancellation = &cc
	}
	c.RadiusExpansions = append([]model.RadiusExpansion(nil), b.RadiusExpansions...)
	return &c
}

func cloneOffer(o *model.JobRequest) *model.JobRequest {
	c := *o
	if o.ResolvedAt != nil {
		t := *o.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
