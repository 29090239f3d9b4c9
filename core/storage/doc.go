// Package storage declares the persistence interfaces the dispatch engine
// depends on. The conditional-update operations (StartSearchWave,
// TransitionBooking, AcceptOffer, DeclineOffer) are the concurrency boundary:
// implementations must apply each as a single atomic unit keyed on the
// booking's current status so racing callers resolve to exactly one winner.
package storage
