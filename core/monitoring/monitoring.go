// Package monitoring is the error reporting seam. The engine reports
// contained failures here; the concrete reporter (Sentry in production, the
// no-op everywhere else) is installed at startup.
package monitoring

import "time"

// Monitor receives contained failures for out-of-band alerting.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	Recover()
	Flush(timeout time.Duration)
}

// NopMonitor discards everything.
type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) Recover()                                  {}
func (NopMonitor) Flush(time.Duration)                       {}

var current Monitor = NopMonitor{}

// Init installs the process-wide monitor.
func Init(m Monitor) {
	if m != nil {
		current = m
	}
}

// CaptureException records the error with optional tags.
func CaptureException(err error, tags map[string]string) {
	current.CaptureException(err, tags)
}

// Recover captures panics in goroutines.
func Recover() {
	current.Recover()
}

// Flush drains buffered events before shutdown.
func Flush(d time.Duration) {
	current.Flush(d)
}
