// Package order implements the booking state machine and the entry points
// provider and customer actions arrive through. Every transition is applied
// as a conditional storage update together with its audit history entry.
package order

import "github.com/fixmarket/dispatch/core/model"

// allowedTransitions encodes the booking state flow. cancelled is reachable
// from every non-terminal state and is listed explicitly so the table is the
// single source of truth.
var allowedTransitions = map[model.BookingStatus][]model.BookingStatus{
	model.StatusPending: {
		model.StatusProviderSearch,
		model.StatusCancelled,
	},
	model.StatusProviderSearch: {
		model.StatusProviderAssigned,
		model.StatusNoProvidersFound,
		model.StatusCancelled,
	},
	model.StatusProviderAssigned: {
		model.StatusProviderOnWay,
		model.StatusCancelled,
	},
	model.StatusProviderOnWay: {
		model.StatusWorkInProgress,
		model.StatusCancelled,
	},
	model.StatusWorkInProgress: {
		model.StatusWorkCompleted,
		model.StatusCancelled,
	},
}

// CanTransition reports whether from -> to is structurally legal. Terminal
// states allow nothing.
func CanTransition(from, to model.BookingStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// providerReportable is the subset of states a provider may report directly.
var providerReportable = map[model.BookingStatus]bool{
	model.StatusProviderOnWay:  true,
	model.StatusWorkInProgress: true,
	model.StatusWorkCompleted:  true,
}
