package notify

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesTotal *prometheus.CounterVec
	streamErrors  prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, prometheus.Counter) {
	msg := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_messages_total",
			Help: "Notification messages by kind and delivery channel",
		},
		[]string{"kind", "channel"},
	)
	errs := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_stream_errors_total",
			Help: "Failures mirroring messages to the event stream",
		},
	)
	return msg, errs
}

func init() {
	messagesTotal, streamErrors = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers notify metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(messagesTotal, streamErrors)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	messagesTotal, streamErrors = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
