package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gcslink/internal/link"
)

type Config struct {
	Link      LinkConfig      `yaml:"link"`
	Commands  CommandsConfig  `yaml:"commands"`
	Velocity  VelocityConfig  `yaml:"velocity"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Web       WebConfig       `yaml:"web"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Redis     RedisConfig     `yaml:"redis"`
	FlightLog FlightLogConfig `yaml:"flightlog"`
	TLog      TLogConfig      `yaml:"tlog"`
	Forward   ForwardConfig   `yaml:"forward"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Log       LogConfig       `yaml:"log"`
}

type LinkConfig struct {
	// Endpoint, e.g. "udpin:0.0.0.0:14550" or "serial:/dev/ttyUSB0:57600".
	Endpoint          string        `yaml:"endpoint"`
	AutoConnect       bool          `yaml:"auto_connect"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	SystemID          int           `yaml:"system_id"`
	ComponentID       int           `yaml:"component_id"`
	SendQueue         int           `yaml:"send_queue"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type CommandsConfig struct {
	ArmTimeout         time.Duration `yaml:"arm_timeout"`
	DisarmTimeout      time.Duration `yaml:"disarm_timeout"`
	ModeTimeout        time.Duration `yaml:"mode_timeout"`
	TakeoffTimeout     time.Duration `yaml:"takeoff_timeout"`
	TakeoffThreshold   float64       `yaml:"takeoff_threshold"`
	DefaultTakeoffAltM float64       `yaml:"default_takeoff_alt_m"`
	MaxAltitudeM       float64       `yaml:"max_altitude_m"`
	MinAirborneAltM    float64       `yaml:"min_airborne_alt_m"`
	History            int           `yaml:"history"`
}

type VelocityConfig struct {
	Interval   time.Duration `yaml:"interval"`
	InputSpeed float64       `yaml:"input_speed"`
}

type TelemetryConfig struct {
	StaleAfter     time.Duration `yaml:"stale_after"`
	StreamInterval time.Duration `yaml:"stream_interval"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type DiscoveryConfig struct {
	Enable   bool   `yaml:"enable"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
	Domain   string `yaml:"domain"`
}

type RedisConfig struct {
	Enable   bool          `yaml:"enable"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	Interval time.Duration `yaml:"interval"`
}

type FlightLogConfig struct {
	Enable         bool          `yaml:"enable"`
	Path           string        `yaml:"path"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type TLogConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
	Append bool   `yaml:"append"`
}

type ForwardConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type IndicatorConfig struct {
	Enable    bool   `yaml:"enable"`
	Chip      string `yaml:"chip"`
	Line      int    `yaml:"line"`
	ActiveLow bool   `yaml:"active_low"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads path strictly (unknown keys are errors) and applies defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) && unknownFieldsOnly(te) {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(stripLines(te.Errors), "; "))
		}
		return Config{}, err
	}

	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var yamlLinePrefix = regexp.MustCompile(`^line \d+: `)

func stripLines(msgs []string) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, yamlLinePrefix.ReplaceAllString(m, ""))
	}
	return out
}

func unknownFieldsOnly(te *yaml.TypeError) bool {
	for _, m := range te.Errors {
		if !strings.Contains(m, "not found in type") {
			return false
		}
	}
	return len(te.Errors) > 0
}

// DefaultAndValidate fills zero values with defaults and rejects invalid
// combinations. It is also used before saving edited settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	// Link.
	cfg.Link.Endpoint = strings.TrimSpace(cfg.Link.Endpoint)
	if cfg.Link.Endpoint != "" {
		if _, err := link.ParseEndpoint(cfg.Link.Endpoint); err != nil {
			return fmt.Errorf("link.endpoint is invalid: %v", err)
		}
	}
	if cfg.Link.AutoConnect && cfg.Link.Endpoint == "" {
		return fmt.Errorf("link.endpoint is required when link.auto_connect is true")
	}
	if cfg.Link.ConnectTimeout < 0 {
		return fmt.Errorf("link.connect_timeout must be >= 0")
	}
	if cfg.Link.ConnectTimeout == 0 {
		cfg.Link.ConnectTimeout = link.DefaultConnectTimeout
	}
	if cfg.Link.SystemID == 0 {
		cfg.Link.SystemID = int(link.DefaultSystemID)
	}
	if cfg.Link.SystemID < 1 || cfg.Link.SystemID > 255 {
		return fmt.Errorf("link.system_id must be between 1 and 255")
	}
	if cfg.Link.ComponentID == 0 {
		cfg.Link.ComponentID = int(link.DefaultComponentID)
	}
	if cfg.Link.ComponentID < 1 || cfg.Link.ComponentID > 255 {
		return fmt.Errorf("link.component_id must be between 1 and 255")
	}
	if cfg.Link.SendQueue < 0 {
		return fmt.Errorf("link.send_queue must be >= 0")
	}
	if cfg.Link.SendQueue == 0 {
		cfg.Link.SendQueue = link.DefaultSendQueue
	}
	if cfg.Link.HeartbeatInterval <= 0 {
		cfg.Link.HeartbeatInterval = 1 * time.Second
	}

	// Commands.
	for _, d := range []struct {
		name string
		v    *time.Duration
		def  time.Duration
	}{
		{"commands.arm_timeout", &cfg.Commands.ArmTimeout, 10 * time.Second},
		{"commands.disarm_timeout", &cfg.Commands.DisarmTimeout, 10 * time.Second},
		{"commands.mode_timeout", &cfg.Commands.ModeTimeout, 5 * time.Second},
		{"commands.takeoff_timeout", &cfg.Commands.TakeoffTimeout, 60 * time.Second},
	} {
		if *d.v < 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
		if *d.v == 0 {
			*d.v = d.def
		}
	}
	if cfg.Commands.TakeoffThreshold == 0 {
		cfg.Commands.TakeoffThreshold = 0.95
	}
	if cfg.Commands.TakeoffThreshold < 0 || cfg.Commands.TakeoffThreshold > 1 {
		return fmt.Errorf("commands.takeoff_threshold must be in (0, 1]")
	}
	if cfg.Commands.MaxAltitudeM == 0 {
		cfg.Commands.MaxAltitudeM = 120
	}
	if cfg.Commands.MaxAltitudeM < 0 {
		return fmt.Errorf("commands.max_altitude_m must be > 0")
	}
	if cfg.Commands.MinAirborneAltM == 0 {
		cfg.Commands.MinAirborneAltM = 0.5
	}
	if cfg.Commands.MinAirborneAltM < 0 {
		return fmt.Errorf("commands.min_airborne_alt_m must be > 0")
	}
	if cfg.Commands.DefaultTakeoffAltM == 0 {
		cfg.Commands.DefaultTakeoffAltM = 10
	}
	if cfg.Commands.DefaultTakeoffAltM < 0 || cfg.Commands.DefaultTakeoffAltM > cfg.Commands.MaxAltitudeM {
		return fmt.Errorf("commands.default_takeoff_alt_m must be in (0, commands.max_altitude_m]")
	}
	if cfg.Commands.History < 0 {
		return fmt.Errorf("commands.history must be >= 0")
	}
	if cfg.Commands.History == 0 {
		cfg.Commands.History = 64
	}

	// Velocity.
	if cfg.Velocity.Interval < 0 {
		return fmt.Errorf("velocity.interval must be > 0")
	}
	if cfg.Velocity.Interval == 0 {
		cfg.Velocity.Interval = 1 * time.Second
	}
	if cfg.Velocity.InputSpeed < 0 {
		return fmt.Errorf("velocity.input_speed must be > 0")
	}
	if cfg.Velocity.InputSpeed == 0 {
		cfg.Velocity.InputSpeed = 1
	}

	// Telemetry.
	if cfg.Telemetry.StaleAfter <= 0 {
		cfg.Telemetry.StaleAfter = 3 * time.Second
	}
	if cfg.Telemetry.StreamInterval <= 0 {
		cfg.Telemetry.StreamInterval = 100 * time.Millisecond
	}

	// Web.
	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}

	// Discovery.
	if cfg.Discovery.Instance == "" {
		cfg.Discovery.Instance = "gcslink"
	}
	if cfg.Discovery.Service == "" {
		cfg.Discovery.Service = "_gcslink._tcp"
	}
	if cfg.Discovery.Domain == "" {
		cfg.Discovery.Domain = "local."
	}
	if cfg.Discovery.Enable && !cfg.Web.Enable {
		return fmt.Errorf("discovery.enable requires web.enable")
	}

	// Redis.
	if cfg.Redis.Enable && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required when redis.enable is true")
	}
	if cfg.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0")
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "gcslink"
	}
	if cfg.Redis.Interval <= 0 {
		cfg.Redis.Interval = 1 * time.Second
	}

	// Flight log.
	if cfg.FlightLog.Enable && strings.TrimSpace(cfg.FlightLog.Path) == "" {
		return fmt.Errorf("flightlog.path is required when flightlog.enable is true")
	}
	if cfg.FlightLog.SampleInterval <= 0 {
		cfg.FlightLog.SampleInterval = 1 * time.Second
	}

	// Telemetry log.
	if cfg.TLog.Enable {
		if strings.TrimSpace(cfg.TLog.Path) == "" {
			return fmt.Errorf("tlog.path is required when tlog.enable is true")
		}
		if ep, err := link.ParseEndpoint(cfg.Link.Endpoint); err == nil && ep.Kind == link.KindReplay && ep.Address == cfg.TLog.Path {
			return fmt.Errorf("tlog.path must differ from the replay file in link.endpoint")
		}
	}

	// Forwarding.
	if cfg.Forward.Enable && strings.TrimSpace(cfg.Forward.Dest) == "" {
		return fmt.Errorf("forward.dest is required when forward.enable is true")
	}

	// Indicator.
	if cfg.Indicator.Chip == "" {
		cfg.Indicator.Chip = "gpiochip0"
	}
	if cfg.Indicator.Line < 0 {
		return fmt.Errorf("indicator.line must be >= 0")
	}

	// Logging.
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 20
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 30
	}

	return nil
}
