/*
Package config loads the server configuration from YAML.

PURPOSE:
  One file describes the process: HTTP server, database, engine tuning,
  notification delivery, sweep schedules, the static directory and the
  approval flows to register. Missing values fall back to defaults;
  invalid values are reported together.

EXAMPLE:
  server:
    port: 8080
    cors_origins: ["http://localhost:3000"]
  database:
    path: ./data/reservations.db
  engine:
    claim_window: 15m
    waitlist_fan_out: 1
    max_conflict_ratio: "0.5"
    location: Europe/Paris
  sweeps:
    no_show: "@every 5m"
    waitlist: "@every 1m"
  directory:
    users:
      alice: [staff]
    grants:
      staff: [reserve, check_in]
  flows:
    presets: [standard-room, lab-equipment]
    files: [./flows/av-equipment.json]
*/
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/reservation-engine/reservation"
)

// Config represents the overall application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Log           LogConfig           `yaml:"log"`
	Engine        EngineConfig        `yaml:"engine"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Sweeps        SweepsConfig        `yaml:"sweeps"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Flows         FlowsConfig         `yaml:"flows"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Path is a SQLite file path, or ":memory:".
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type EngineConfig struct {
	ClaimWindow      time.Duration `yaml:"claim_window"`
	WaitlistFanOut   int           `yaml:"waitlist_fan_out"`
	MaxAlternatives  int           `yaml:"max_alternatives"`
	CapacityTiers    []int         `yaml:"capacity_tiers"`
	RecurrenceMax    int           `yaml:"recurrence_max_occurrences"`
	RecurrenceWindow time.Duration `yaml:"recurrence_horizon"`
	MaxConflictRatio string        `yaml:"max_conflict_ratio"`
	CheckInLeeway    time.Duration `yaml:"check_in_leeway"`
	// MetadataRetries is a pointer so an explicit 0 turns retries off.
	MetadataRetries  *int          `yaml:"metadata_retries"`
	Location         string        `yaml:"location"`
}

type NotificationsConfig struct {
	Buffer        int     `yaml:"buffer"`
	Workers       int     `yaml:"workers"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// SweepsConfig holds cron specs; an empty spec disables that sweep.
type SweepsConfig struct {
	NoShow     string `yaml:"no_show"`
	Completion string `yaml:"completion"`
	Waitlist   string `yaml:"waitlist"`
}

type DirectoryConfig struct {
	Users          map[string][]string            `yaml:"users"`
	Grants         map[string][]string            `yaml:"grants"`
	ResourceGrants map[string]map[string][]string `yaml:"resource_grants"`
	RoleCacheTTL   time.Duration                  `yaml:"role_cache_ttl"`
}

type FlowsConfig struct {
	Presets []string `yaml:"presets"`
	Files   []string `yaml:"files"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	engine := reservation.DefaultOptions()

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Database.Path == "" {
		c.Database.Path = "reservations.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Engine.ClaimWindow <= 0 {
		c.Engine.ClaimWindow = engine.Waitlist.ClaimWindow
	}
	if c.Engine.WaitlistFanOut <= 0 {
		c.Engine.WaitlistFanOut = engine.Waitlist.FanOut
	}
	if c.Engine.MaxAlternatives <= 0 {
		c.Engine.MaxAlternatives = engine.Detector.MaxAlternatives
	}
	if len(c.Engine.CapacityTiers) == 0 {
		c.Engine.CapacityTiers = append([]int(nil), engine.Detector.CapacityTiers...)
	}
	if c.Engine.RecurrenceMax <= 0 {
		c.Engine.RecurrenceMax = engine.Expander.MaxOccurrences
	}
	if c.Engine.RecurrenceWindow <= 0 {
		c.Engine.RecurrenceWindow = engine.Expander.Horizon
	}
	if c.Engine.MaxConflictRatio == "" {
		c.Engine.MaxConflictRatio = engine.MaxConflictRatio.String()
	}
	if c.Engine.CheckInLeeway <= 0 {
		c.Engine.CheckInLeeway = engine.CheckInLeeway
	}
	if c.Engine.MetadataRetries == nil {
		retries := engine.MetadataRetries
		c.Engine.MetadataRetries = &retries
	}
	if c.Engine.Location == "" {
		c.Engine.Location = "UTC"
	}

	if c.Notifications.Buffer <= 0 {
		c.Notifications.Buffer = 256
	}
	if c.Notifications.Workers <= 0 {
		c.Notifications.Workers = 2
	}
	if c.Notifications.Burst <= 0 {
		c.Notifications.Burst = 10
	}

	if c.Sweeps == (SweepsConfig{}) {
		c.Sweeps = SweepsConfig{NoShow: "@every 5m", Completion: "@every 5m", Waitlist: "@every 1m"}
	}

	if c.Directory.RoleCacheTTL <= 0 {
		c.Directory.RoleCacheTTL = time.Minute
	}
	if len(c.Flows.Presets) == 0 && len(c.Flows.Files) == 0 {
		c.Flows.Presets = []string{"standard-room"}
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	ratio, err := decimal.NewFromString(c.Engine.MaxConflictRatio)
	switch {
	case err != nil:
		problems = append(problems, fmt.Sprintf("engine.max_conflict_ratio %q is not a decimal", c.Engine.MaxConflictRatio))
	case ratio.IsNegative() || ratio.GreaterThan(decimal.NewFromInt(1)):
		problems = append(problems, "engine.max_conflict_ratio must be between 0 and 1")
	}
	if r := c.Engine.MetadataRetries; r != nil && *r < 0 {
		problems = append(problems, fmt.Sprintf("engine.metadata_retries %d must not be negative", *r))
	}
	if _, err := time.LoadLocation(c.Engine.Location); err != nil {
		problems = append(problems, fmt.Sprintf("engine.location %q: %v", c.Engine.Location, err))
	}
	for i := 1; i < len(c.Engine.CapacityTiers); i++ {
		if c.Engine.CapacityTiers[i] <= c.Engine.CapacityTiers[i-1] {
			problems = append(problems, "engine.capacity_tiers must be strictly increasing")
			break
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"no_show": c.Sweeps.NoShow, "completion": c.Sweeps.Completion, "waitlist": c.Sweeps.Waitlist,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			problems = append(problems, fmt.Sprintf("sweeps.%s %q: %v", name, spec, err))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EngineOptions converts the engine section into reservation.Options.
func (c *Config) EngineOptions() (reservation.Options, error) {
	opts := reservation.DefaultOptions()

	loc, err := time.LoadLocation(c.Engine.Location)
	if err != nil {
		return opts, fmt.Errorf("failed to load location: %w", err)
	}
	ratio, err := decimal.NewFromString(c.Engine.MaxConflictRatio)
	if err != nil {
		return opts, fmt.Errorf("failed to parse max_conflict_ratio: %w", err)
	}

	opts.Detector.MaxAlternatives = c.Engine.MaxAlternatives
	opts.Detector.CapacityTiers = append([]int(nil), c.Engine.CapacityTiers...)
	opts.Detector.Location = loc
	opts.Expander.MaxOccurrences = c.Engine.RecurrenceMax
	opts.Expander.Horizon = c.Engine.RecurrenceWindow
	opts.Expander.Location = loc
	opts.Waitlist.FanOut = c.Engine.WaitlistFanOut
	opts.Waitlist.ClaimWindow = c.Engine.ClaimWindow
	opts.MaxConflictRatio = ratio
	opts.CheckInLeeway = c.Engine.CheckInLeeway
	if c.Engine.MetadataRetries != nil {
		opts.MetadataRetries = *c.Engine.MetadataRetries
	}
	return opts, nil
}
