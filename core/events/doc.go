// Package events defines the notification intents emitted on the event bus.
// Core packages produce these as plain data; the infra notify dispatcher
// consumes and delivers them, so engine correctness never depends on a
// transport.
//
// Available event types:
//   - OfferIssued: a job offer addressed to one provider
//   - SearchUpdated: search progress addressed to the customer
//   - OfferClosed: an offer became unavailable to its provider
//   - ProviderAssigned: a provider won the booking
//   - BookingStatusChanged: provider-reported progress updates
//   - WorkCompleted: completion certificate handoff
//   - BookingCancelled: cancellation with its refund outcome
//   - SearchExhausted: no providers found after the full radius ladder
//   - ProviderLocation: tracking snapshot relayed to the customer
package events
