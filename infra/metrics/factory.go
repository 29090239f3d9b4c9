package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fixmarket/dispatch/core/logger"
	coremetrics "github.com/fixmarket/dispatch/core/metrics"
	"github.com/fixmarket/dispatch/infra/kpi"
)

// Config selects which sinks to assemble.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    int    `json:"prometheus_port"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
	// KPIEnabled persists daily rollups to a local SQLite database.
	KPIEnabled bool   `json:"kpi_enabled"`
	KPIPath    string `json:"kpi_path"`
}

// Validate checks that every enabled sink has the settings it needs.
func (c Config) Validate() error {
	if c.InfluxEnabled && c.InfluxURL == "" {
		return fmt.Errorf("metrics.influx_url is required when influx is enabled")
	}
	if c.KPIEnabled && c.KPIPath == "" {
		return fmt.Errorf("metrics.kpi_path is required when kpi rollups are enabled")
	}
	return nil
}

// NewSink assembles the configured sinks into one. With nothing enabled the
// engine records into a NopSink.
func NewSink(cfg Config, reg prometheus.Registerer, log logger.Logger) (coremetrics.Sink, error) {
	var sinks []coremetrics.Sink
	if cfg.PrometheusEnabled {
		prom, err := NewPromSinkWithRegistry(reg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, prom)
	}
	if cfg.InfluxEnabled {
		sinks = append(sinks, NewInfluxSinkWithFallback(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, log))
	}
	if cfg.KPIEnabled {
		st, err := kpi.NewStore(cfg.KPIPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, st)
	}
	switch len(sinks) {
	case 0:
		return coremetrics.NopSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return coremetrics.NewMultiSink(sinks...), nil
	}
}
