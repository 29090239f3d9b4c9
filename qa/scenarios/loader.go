// Package scenarios drives full booking lifecycles, declared in YAML, through
// an in-memory assembly of the matching engine and the order service. Each
// .yaml file in this directory is one scenario.
package scenarios

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/infra/geo"
)

type ProviderDef struct {
	ID      string  `yaml:"id"`
	Lat     float64 `yaml:"lat"`
	Lon     float64 `yaml:"lon"`
	Rating  float64 `yaml:"rating"`
	Offline bool    `yaml:"offline,omitempty"`
}

func (p ProviderDef) ToProvider() geo.Provider {
	return geo.Provider{
		ID:       p.ID,
		Location: model.GeoPoint{Lat: p.Lat, Lon: p.Lon},
		Rating:   p.Rating,
		Online:   !p.Offline,
	}
}

type BookingDef struct {
	ID      string  `yaml:"id"`
	Service string  `yaml:"service"`
	Urgency string  `yaml:"urgency,omitempty"`
	Lat     float64 `yaml:"lat"`
	Lon     float64 `yaml:"lon"`
	Amount  int64   `yaml:"amount,omitempty"`
	// ScheduledInHours turns the booking into a scheduled one with the
	// appointment that far past the scenario start.
	ScheduledInHours float64 `yaml:"scheduled_in_hours,omitempty"`
}

func (b BookingDef) ToModel(start time.Time) *model.Booking {
	urgency := model.UrgencyTier(b.Urgency)
	if b.Urgency == "" {
		urgency = model.UrgencyNormal
	}
	bk := &model.Booking{
		ID:          b.ID,
		CustomerID:  "scenario-customer",
		ServiceID:   b.Service,
		Location:    model.ServiceLocation{Point: model.GeoPoint{Lat: b.Lat, Lon: b.Lon}},
		Mode:        model.ModeInstant,
		Urgency:     urgency,
		Status:      model.StatusPending,
		TotalAmount: b.Amount,
		CreatedAt:   start,
		UpdatedAt:   start,
	}
	if b.ScheduledInHours > 0 {
		at := start.Add(time.Duration(b.ScheduledInHours * float64(time.Hour)))
		bk.Mode = model.ModeScheduled
		bk.ScheduledAt = &at
	}
	return bk
}

type PolicyDef struct {
	FreeHours              float64 `yaml:"free_hours"`
	FreeRefundPercent      float64 `yaml:"free_refund_percent"`
	PartialRefundHours     float64 `yaml:"partial_refund_hours"`
	PartialRefundPercent   float64 `yaml:"partial_refund_percent"`
	NoRefundPercent        float64 `yaml:"no_refund_percent"`
	ProviderPenaltyPercent float64 `yaml:"provider_penalty_percent"`
}

// StepDef is one action in the scenario script. Exactly one field should be
// set per step.
type StepDef struct {
	// Advance moves the clock forward by a Go duration string.
	Advance string `yaml:"advance,omitempty"`
	// Tick runs one engine pass.
	Tick bool `yaml:"tick,omitempty"`
	// Accept / Decline resolve the named provider's open offer.
	Accept  string `yaml:"accept,omitempty"`
	Decline string `yaml:"decline,omitempty"`
	// Status is a progress report from the assigned provider:
	// provider_on_way, work_in_progress or work_completed.
	Status string `yaml:"status,omitempty"`
	// Cancel aborts the booking as "customer" or "provider".
	Cancel string `yaml:"cancel,omitempty"`
}

type Expected struct {
	Status string `yaml:"status"`
	Wave   int    `yaml:"wave,omitempty"`
	Offers int    `yaml:"offers,omitempty"`
	// RefundPercent is only meaningful for cancelled endings.
	RefundPercent *float64 `yaml:"refund_percent,omitempty"`
	Provider      string   `yaml:"provider,omitempty"`
}

type Scenario struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	Providers   []ProviderDef `yaml:"providers"`
	Booking     BookingDef    `yaml:"booking"`
	Policy      *PolicyDef    `yaml:"policy,omitempty"`
	Steps       []StepDef     `yaml:"steps"`
	Expected    Expected      `yaml:"expected"`
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if sc.Booking.ID == "" || sc.Booking.Service == "" {
		return nil, fmt.Errorf("scenario %s: booking id and service are required", path)
	}
	return &sc, nil
}
