// Package radius decides when and how far to widen a stalled provider
// search. A wave that produced no acceptance either climbs to the next rung
// of the configured radius ladder or declares the search exhausted.
package radius

import (
	"errors"
	"fmt"
)

// DefaultLadderKm is the deployment default search ladder.
var DefaultLadderKm = []float64{15, 25, 40}

// Ladder is the ordered sequence of search radii used across waves.
// Valid ladders are non-empty and strictly increasing.
type Ladder []float64

// ErrEmptyLadder is returned for a ladder with no rungs.
var ErrEmptyLadder = errors.New("radius: ladder must have at least one rung")

// Validate checks the ladder invariants.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return ErrEmptyLadder
	}
	for i, r := range l {
		if r <= 0 {
			return fmt.Errorf("radius: rung %d (%.1fkm) must be positive", i, r)
		}
		if i > 0 && r <= l[i-1] {
			return fmt.Errorf("radius: ladder must be strictly increasing, rung %d (%.1fkm) <= %.1fkm", i, r, l[i-1])
		}
	}
	return nil
}

// First is the radius used for a booking's opening wave.
func (l Ladder) First() float64 { return l[0] }

// Max is the largest radius the search may reach.
func (l Ladder) Max() float64 { return l[len(l)-1] }

// Next returns the smallest rung strictly above current, or false when the
// ladder is exhausted. A current radius below the first rung climbs to the
// first rung, so a booking can never shrink its search.
func (l Ladder) Next(current float64) (float64, bool) {
	for _, r := range l {
		if r > current {
			return r, true
		}
	}
	return 0, false
}
