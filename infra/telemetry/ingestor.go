// Package telemetry ingests provider position pings published over MQTT and
// feeds them into the order tracking trail. Provider apps publish one JSON
// message per ping; positions are tracking data only and never influence
// matching.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fixmarket/dispatch/core/logger"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/order"
	"github.com/fixmarket/dispatch/infra/mqtt"
)

// Config tunes the telemetry subscriber. The broker connection itself comes
// from the shared MQTT config.
type Config struct {
	Enabled bool   `json:"enabled"`
	Topic   string `json:"topic"`
	QoS     byte   `json:"qos"`
}

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "dispatch/telemetry/location"

// Tracker records a provider position against an active booking.
// *order.Service satisfies it.
type Tracker interface {
	RecordLocation(ctx context.Context, u model.LocationUpdate) error
}

type locationPing struct {
	BookingID  string    `json:"booking_id"`
	ProviderID string    `json:"provider_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	RecordedAt time.Time `json:"recorded_at"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

var (
	pingsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_pings_received_total",
		Help: "Location pings read off the broker",
	})
	pingsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_pings_rejected_total",
		Help: "Location pings dropped before reaching the trail",
	}, []string{"reason"})
)

func init() {
	prometheus.DefaultRegisterer.MustRegister(pingsReceived, pingsRejected)
}

// Ingestor subscribes to the location topic and forwards pings to the order
// service.
type Ingestor struct {
	cli     pahoClient
	tracker Tracker
	log     logger.Logger
	now     func() time.Time
}

// NewIngestor connects a dedicated MQTT session and subscribes to the
// configured topic. The subscription stays active until Close.
func NewIngestor(brokerCfg mqtt.Config, cfg Config, tracker Tracker, log logger.Logger) (*Ingestor, error) {
	if tracker == nil {
		return nil, fmt.Errorf("telemetry: tracker is required")
	}
	if log == nil {
		log = logger.Nop{}
	}
	opts, err := mqtt.NewClientOptions(brokerCfg)
	if err != nil {
		return nil, err
	}
	if brokerCfg.ClientID != "" {
		opts.SetClientID(brokerCfg.ClientID + "-telemetry")
	} else {
		opts.SetClientID("telemetry-" + uuid.NewString())
	}
	cli := newMQTTClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	in := &Ingestor{cli: cli, tracker: tracker, log: log, now: time.Now}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	if token := cli.Subscribe(topic, cfg.QoS, in.handle); token.Wait() && token.Error() != nil {
		cli.Disconnect(250)
		return nil, fmt.Errorf("telemetry: subscribe %s: %w", topic, token.Error())
	}
	log.Infof("telemetry ingest listening on %s", topic)
	return in, nil
}

func (in *Ingestor) handle(_ paho.Client, msg paho.Message) {
	pingsReceived.Inc()
	var ping locationPing
	if err := json.Unmarshal(msg.Payload(), &ping); err != nil {
		pingsRejected.WithLabelValues("malformed").Inc()
		in.log.Warnf("telemetry: malformed ping on %s: %v", msg.Topic(), err)
		return
	}
	if ping.BookingID == "" || ping.ProviderID == "" {
		pingsRejected.WithLabelValues("incomplete").Inc()
		in.log.Warnf("telemetry: ping on %s missing booking or provider id", msg.Topic())
		return
	}
	recorded := ping.RecordedAt
	if recorded.IsZero() {
		recorded = in.now()
	}
	err := in.tracker.RecordLocation(context.Background(), model.LocationUpdate{
		BookingID:  ping.BookingID,
		ProviderID: ping.ProviderID,
		Point:      model.GeoPoint{Lat: ping.Lat, Lon: ping.Lon},
		RecordedAt: recorded,
	})
	switch {
	case err == nil:
	case errors.Is(err, order.ErrTrackingClosed):
		// Pings racing a status change are expected, not an incident.
		pingsRejected.WithLabelValues("closed").Inc()
		in.log.Debugf("telemetry: ping for closed booking %s dropped", ping.BookingID)
	default:
		pingsRejected.WithLabelValues("rejected").Inc()
		in.log.Warnf("telemetry: ping for booking %s rejected: %v", ping.BookingID, err)
	}
}

// Close tears down the MQTT session.
func (in *Ingestor) Close() {
	if in.cli != nil && in.cli.IsConnected() {
		in.cli.Disconnect(250)
	}
}
