package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/fixmarket/dispatch/core/logger"
	coremetrics "github.com/fixmarket/dispatch/core/metrics"
)

// InfluxSink writes dispatch events to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string, log logger.Logger) *InfluxSink {
	if log == nil {
		log = logger.Nop{}
	}
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      log,
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a NopSink
// when the health check fails, so a down metrics store never blocks dispatch.
func NewInfluxSinkWithFallback(url, token, org, bucket string, log logger.Logger) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordMatches writes one point per offer issued.
func (s *InfluxSink) RecordMatches(recs []coremetrics.MatchRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, r := range recs {
		p := write.NewPointWithMeasurement("matching_offer").
			AddTag("booking_id", r.BookingID).
			AddTag("provider_id", r.ProviderID).
			AddTag("service_id", r.ServiceID).
			AddTag("urgency", r.Urgency).
			AddTag("wave", strconv.Itoa(r.Wave)).
			AddField("radius_km", round3(r.RadiusKm)).
			AddField("distance_km", round3(r.DistanceKm)).
			SetTime(r.Time)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RecordAssignment writes the winning acceptance.
func (s *InfluxSink) RecordAssignment(rec coremetrics.AssignmentRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("matching_assignment").
		AddTag("booking_id", rec.BookingID).
		AddTag("provider_id", rec.ProviderID).
		AddTag("offer_id", rec.OfferID).
		AddTag("wave", strconv.Itoa(rec.Wave)).
		AddField("wait_seconds", round3(rec.WaitTime.Seconds())).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordOutcome writes the terminal booking outcome.
func (s *InfluxSink) RecordOutcome(rec coremetrics.OutcomeRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("booking_outcome").
		AddTag("booking_id", rec.BookingID).
		AddTag("outcome", rec.Outcome).
		AddField("waves", rec.Waves).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
