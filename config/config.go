// Package config loads the service configuration from a JSON or YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fixmarket/dispatch/core/dispatch"
	"github.com/fixmarket/dispatch/core/matching"
	"github.com/fixmarket/dispatch/core/radius"
	"github.com/fixmarket/dispatch/infra/geo"
	inframetrics "github.com/fixmarket/dispatch/infra/metrics"
	inframon "github.com/fixmarket/dispatch/infra/monitoring"
	"github.com/fixmarket/dispatch/infra/mqtt"
	"github.com/fixmarket/dispatch/infra/postgres"
	"github.com/fixmarket/dispatch/infra/push"
	"github.com/fixmarket/dispatch/infra/telemetry"
)

type Config struct {
	Logging  LoggingConfig       `json:"logging"`
	Server   ServerConfig        `json:"server"`
	Dispatch dispatch.Config     `json:"dispatch"`
	Matching matching.Config     `json:"matching"`
	Radius   RadiusConfig        `json:"radius"`
	Order    OrderConfig         `json:"order"`
	Storage  StorageConfig       `json:"storage"`
	Redis    RedisConfig         `json:"redis"`
	Metrics  inframetrics.Config `json:"metrics"`
	Notify   NotifyConfig        `json:"notify"`
	// Telemetry subscribes to provider location pings on the notify broker.
	Telemetry telemetry.Config `json:"telemetry"`
	Sentry    inframon.Config  `json:"sentry"`
}

// LoggingConfig selects the log output format.
type LoggingConfig struct {
	// Env switches between human-readable ("dev") and JSON output.
	Env string `json:"env"`
}

// SetDefaults applies sane defaults.
func (c *LoggingConfig) SetDefaults() {
	if c.Env == "" {
		c.Env = "prod"
	}
}

// Validate checks mandatory fields.
func (c LoggingConfig) Validate() error {
	if c.Env != "dev" && c.Env != "prod" {
		return fmt.Errorf("unknown logging env %s", c.Env)
	}
	return nil
}

// ServerConfig holds the HTTP listener settings for the websocket gateway
// and health endpoints.
type ServerConfig struct {
	Addr string `json:"addr"`
	// APIToken, when set, is required as a bearer token on every API call.
	APIToken string `json:"api_token"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

// RadiusConfig carries the search ladder in kilometres.
type RadiusConfig struct {
	LadderKm []float64 `json:"ladder_km"`
}

// Ladder converts the config to a validated ladder, falling back to the
// deployment default when empty.
func (c RadiusConfig) Ladder() (radius.Ladder, error) {
	if len(c.LadderKm) == 0 {
		return radius.Ladder(radius.DefaultLadderKm), nil
	}
	l := radius.Ladder(c.LadderKm)
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// OrderConfig tunes the order lifecycle service.
type OrderConfig struct {
	// DeclineDebounce delays the expansion check after a decline so a
	// near-simultaneous acceptance can win first.
	DeclineDebounce time.Duration `json:"decline_debounce"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "postgres" or "memory".
	Backend  string          `json:"backend"`
	Postgres postgres.Config `json:"postgres"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
}

func (c StorageConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage backend %s", c.Backend)
	}
}

// RedisConfig selects the provider index backend.
type RedisConfig struct {
	Enabled bool       `json:"enabled"`
	Geo     geo.Config `json:"geo"`
}

func (c RedisConfig) Validate() error {
	if c.Enabled && c.Geo.Addr == "" {
		return fmt.Errorf("redis.geo.addr is required when redis is enabled")
	}
	return nil
}

// NotifyConfig wires the notification transports.
type NotifyConfig struct {
	PushEnabled bool        `json:"push_enabled"`
	Push        push.Config `json:"push"`
	MQTTEnabled bool        `json:"mqtt_enabled"`
	MQTT        mqtt.Config `json:"mqtt"`
}

func (c NotifyConfig) Validate() error {
	if c.PushEnabled && c.Push.Endpoint == "" {
		return fmt.Errorf("notify.push.endpoint is required when push is enabled")
	}
	if c.MQTTEnabled && c.MQTT.Broker == "" {
		return fmt.Errorf("notify.mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("FM_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "fm_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Logging.SetDefaults()
	cfg.Server.SetDefaults()
	cfg.Storage.SetDefaults()
	if err := cfg.Logging.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Redis.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Notify.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Metrics.Validate(); err != nil {
		return nil, err
	}
	if cfg.Telemetry.Enabled && cfg.Notify.MQTT.Broker == "" {
		return nil, fmt.Errorf("notify.mqtt.broker is required when telemetry ingest is enabled")
	}
	if _, err := cfg.Radius.Ladder(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
