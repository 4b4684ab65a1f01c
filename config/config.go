// Package config manages the galvanad service configuration.
// Defaults come from an embedded YAML file; an optional config file overlays
// them, and GALVANA_* environment variables override both.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Service modes. "all" hosts the gateway and the instrument service in one
// process over the in-memory bus; the split modes talk over HTTP + Redis.
const (
	ModeAll        = "all"
	ModeGateway    = "gateway"
	ModeInstrument = "instrument"
)

// Server holds the listen addresses and, for gateway mode, the remote
// instrument service base URL.
type Server struct {
	GatewayAddr    string `json:"gateway_addr"    yaml:"gateway_addr"`
	InstrumentAddr string `json:"instrument_addr" yaml:"instrument_addr"`
	InstrumentURL  string `json:"instrument_url"  yaml:"instrument_url"`
}

// Auth configures token signing and the seed admin account.
type Auth struct {
	Secret        string `json:"secret"         yaml:"secret"`
	AdminUser     string `json:"admin_user"     yaml:"admin_user"`
	AdminPassword string `json:"admin_password" yaml:"admin_password"`
}

// Store selects the persistence backend.
type Store struct {
	Backend string `json:"backend" yaml:"backend"` // sqlite | postgres
	Path    string `json:"path"    yaml:"path"`    // sqlite database file
	DSN     string `json:"dsn"     yaml:"dsn"`     // postgres connection string
}

// Bus selects the telemetry fanout backend.
type Bus struct {
	Backend  string `json:"backend"  yaml:"backend"` // memory | redis
	Addr     string `json:"addr"     yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db"       yaml:"db"`
}

// Limits holds admission quotas.
type Limits struct {
	MaxConnectionsPerPrincipal int `json:"max_connections_per_principal" yaml:"max_connections_per_principal"`
}

// Backpressure tunes the per-subscriber frame queues. Durations are strings
// ("1s", "5s") parsed at wiring time.
type Backpressure struct {
	QueueCapacity   int     `json:"queue_capacity"   yaml:"queue_capacity"`
	MediumThreshold float64 `json:"medium_threshold" yaml:"medium_threshold"`
	SlowThreshold   float64 `json:"slow_threshold"   yaml:"slow_threshold"`
	EnqueueTimeout  string  `json:"enqueue_timeout"  yaml:"enqueue_timeout"`
	WarningCooldown string  `json:"warning_cooldown" yaml:"warning_cooldown"`
}

// Safety holds the hardware interlock bounds.
type Safety struct {
	VoltageMin            float64 `json:"voltage_min"             yaml:"voltage_min"`
	VoltageMax            float64 `json:"voltage_max"             yaml:"voltage_max"`
	CurrentMin            float64 `json:"current_min"             yaml:"current_min"`
	CurrentMax            float64 `json:"current_max"             yaml:"current_max"`
	MaxExperimentDuration string  `json:"max_experiment_duration" yaml:"max_experiment_duration"`
	StopOnDisconnect      bool    `json:"stop_on_disconnect"      yaml:"stop_on_disconnect"`
}

// Telemetry tunes frame production and bridging.
type Telemetry struct {
	KeyframeInterval     int     `json:"keyframe_interval"      yaml:"keyframe_interval"`
	SamplingRateHz       float64 `json:"sampling_rate_hz"       yaml:"sampling_rate_hz"`
	DriverConnectTimeout string  `json:"driver_connect_timeout" yaml:"driver_connect_timeout"`
}

// Log configures the hclog root logger.
type Log struct {
	Level string `json:"level" yaml:"level"`
}

// Data is the full serialisable configuration.
type Data struct {
	Mode         string       `json:"mode"         yaml:"mode"`
	Server       Server       `json:"server"       yaml:"server"`
	Auth         Auth         `json:"auth"         yaml:"auth"`
	Store        Store        `json:"store"        yaml:"store"`
	Bus          Bus          `json:"bus"          yaml:"bus"`
	Limits       Limits       `json:"limits"       yaml:"limits"`
	Backpressure Backpressure `json:"backpressure" yaml:"backpressure"`
	Safety       Safety       `json:"safety"       yaml:"safety"`
	Telemetry    Telemetry    `json:"telemetry"    yaml:"telemetry"`
	Log          Log          `json:"log"          yaml:"log"`
}

// Load builds the effective configuration: embedded defaults, overlaid with
// the optional YAML file at path, overridden by GALVANA_* env vars.
func Load(path string) (Data, error) {
	d := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Data{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &d); err != nil {
			return Data{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&d)

	if err := d.Validate(); err != nil {
		return Data{}, err
	}
	return d, nil
}

// defaults returns the built-in configuration by parsing the embedded YAML.
func defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}

func applyEnv(d *Data) {
	envStr("GALVANA_MODE", &d.Mode)
	envStr("GALVANA_GATEWAY_ADDR", &d.Server.GatewayAddr)
	envStr("GALVANA_INSTRUMENT_ADDR", &d.Server.InstrumentAddr)
	envStr("GALVANA_INSTRUMENT_URL", &d.Server.InstrumentURL)
	envStr("GALVANA_AUTH_SECRET", &d.Auth.Secret)
	envStr("GALVANA_ADMIN_USER", &d.Auth.AdminUser)
	envStr("GALVANA_ADMIN_PASSWORD", &d.Auth.AdminPassword)
	envStr("GALVANA_STORE_BACKEND", &d.Store.Backend)
	envStr("GALVANA_STORE_PATH", &d.Store.Path)
	envStr("GALVANA_STORE_DSN", &d.Store.DSN)
	envStr("GALVANA_BUS_BACKEND", &d.Bus.Backend)
	envStr("GALVANA_BUS_ADDR", &d.Bus.Addr)
	envStr("GALVANA_BUS_PASSWORD", &d.Bus.Password)
	envInt("GALVANA_BUS_DB", &d.Bus.DB)
	envInt("GALVANA_MAX_CONNECTIONS", &d.Limits.MaxConnectionsPerPrincipal)
	envStr("GALVANA_LOG_LEVEL", &d.Log.Level)
}

func envStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// Validate rejects configurations the services cannot run with.
func (d Data) Validate() error {
	switch d.Mode {
	case ModeAll, ModeGateway, ModeInstrument:
	default:
		return fmt.Errorf("invalid mode %q (want all, gateway, or instrument)", d.Mode)
	}
	switch d.Store.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid store backend %q (want sqlite or postgres)", d.Store.Backend)
	}
	if d.Store.Backend == "postgres" && d.Store.DSN == "" {
		return fmt.Errorf("store backend postgres requires a dsn")
	}
	switch d.Bus.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid bus backend %q (want memory or redis)", d.Bus.Backend)
	}
	if d.Mode != ModeAll && d.Bus.Backend == "memory" {
		return fmt.Errorf("mode %q requires the redis bus", d.Mode)
	}
	if d.Mode == ModeGateway && d.Server.InstrumentURL == "" {
		return fmt.Errorf("mode gateway requires server.instrument_url")
	}
	if d.Mode != ModeInstrument && d.Auth.Secret == "" {
		return fmt.Errorf("auth.secret must not be empty")
	}
	if d.Backpressure.QueueCapacity <= 0 {
		return fmt.Errorf("backpressure.queue_capacity must be positive")
	}
	if d.Backpressure.MediumThreshold <= 0 ||
		d.Backpressure.SlowThreshold <= d.Backpressure.MediumThreshold ||
		d.Backpressure.SlowThreshold > 1 {
		return fmt.Errorf("backpressure thresholds must satisfy 0 < medium < slow <= 1")
	}
	if d.Safety.VoltageMax <= d.Safety.VoltageMin {
		return fmt.Errorf("safety voltage bounds inverted")
	}
	if d.Safety.CurrentMax <= d.Safety.CurrentMin {
		return fmt.Errorf("safety current bounds inverted")
	}
	if d.Limits.MaxConnectionsPerPrincipal <= 0 {
		return fmt.Errorf("limits.max_connections_per_principal must be positive")
	}
	if d.Telemetry.KeyframeInterval <= 0 {
		return fmt.Errorf("telemetry.keyframe_interval must be positive")
	}
	return nil
}

// Duration parses a config duration string, falling back when empty or
// malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
