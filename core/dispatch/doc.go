// Package dispatch implements the polling control loop driving the matching
// pipeline: each tick sweeps expired offers, widens stalled searches and
// starts waves for fresh bookings. The loop is autonomous; per-booking
// failures are logged and contained so one bad record never stalls the rest
// of the queue.
package dispatch
