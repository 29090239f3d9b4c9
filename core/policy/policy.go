// Package policy computes cancellation refunds and provider penalties from a
// per-service cancellation policy. Pure computation, no I/O.
package policy

import (
	"math"

	"github.com/fixmarket/dispatch/core/model"
)

// Refund is the outcome of evaluating a cancellation against a policy.
type Refund struct {
	RefundPercent float64
	RefundAmount  int64
	PenaltyAmount int64
}

// ComputeRefund evaluates the refund tier for a cancellation happening
// hoursBeforeService ahead of the appointment, on a booking worth totalAmount
// (minor currency units). A provider cancelling inside the free window is
// additionally charged the policy's penalty percentage.
func ComputeRefund(p model.CancellationPolicy, hoursBeforeService float64, role model.ActorRole, totalAmount int64) Refund {
	var pct float64
	switch {
	case hoursBeforeService >= p.FreeHours:
		pct = p.FreeRefundPercent
	case hoursBeforeService >= p.PartialRefundHours:
		pct = p.PartialRefundPercent
	default:
		pct = p.NoRefundPercent
	}

	r := Refund{
		RefundPercent: pct,
		RefundAmount:  percentOf(totalAmount, pct),
	}
	if role == model.RoleProvider && hoursBeforeService < p.FreeHours {
		r.PenaltyAmount = percentOf(totalAmount, p.ProviderPenaltyPercent)
	}
	return r
}

func percentOf(amount int64, pct float64) int64 {
	return int64(math.Round(float64(amount) * pct / 100))
}
