// Package config holds the configuration model of the variant selection
// engine: defaults, TOML or JSON loading, validation and hot reload.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/clawinfra/evovariant/internal/classifier"
	"github.com/clawinfra/evovariant/internal/engine"
	"github.com/clawinfra/evovariant/internal/policy"
	"github.com/clawinfra/evovariant/internal/reward"
	"github.com/clawinfra/evovariant/internal/rsi"
	"github.com/clawinfra/evovariant/internal/safety"
	"github.com/clawinfra/evovariant/internal/scheduler"
	"github.com/clawinfra/evovariant/internal/telemetry"
	"github.com/clawinfra/evovariant/internal/transfer"
	"github.com/clawinfra/evovariant/internal/wal"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config holds all engine configuration
type Config struct {
	Server     ServerConfig      `json:"server" toml:"server"`
	Learning   policy.Config     `json:"learning" toml:"learning"`
	Reward     reward.Config     `json:"reward" toml:"reward"`
	Classifier classifier.Config `json:"classifier" toml:"classifier"`
	Safety     safety.Config     `json:"safety" toml:"safety"`
	Proposer   rsi.Config        `json:"proposer" toml:"proposer"`
	Transfer   transfer.Config   `json:"transfer" toml:"transfer"`
	Store      wal.Config        `json:"store" toml:"store"`
	Variants   VariantsConfig    `json:"variants" toml:"variants"`
	Telemetry  TelemetryConfig   `json:"telemetry" toml:"telemetry"`
	Scheduler  scheduler.Config  `json:"scheduler" toml:"scheduler"`
}

type ServerConfig struct {
	Port      int    `json:"port" toml:"port"`
	DataDir   string `json:"dataDir" toml:"dataDir"`
	LogLevel  string `json:"logLevel" toml:"logLevel"`
	LogFormat string `json:"logFormat" toml:"logFormat"` // "text" or "json"
	// WatchIntervalSec polls the config file for changes in serve mode.
	// Zero disables hot reload.
	WatchIntervalSec int `json:"watchIntervalSec" toml:"watchIntervalSec"`
}

// VariantsConfig locates variant definitions and their metrics store.
type VariantsConfig struct {
	// Dir holds <agent>/<variant_id>.yaml files. Empty means <dataDir>/variants.
	Dir string `json:"dir" toml:"dir"`
	// DBPath is the SQLite metrics store. Empty means <dataDir>/variants.db.
	DBPath string `json:"dbPath" toml:"dbPath"`
}

// TelemetryConfig selects the enabled telemetry sinks.
type TelemetryConfig struct {
	Log bool `json:"log" toml:"log"`
	// SQLitePath enables the SQLite sink. Relative paths are resolved
	// against the data dir.
	SQLitePath string         `json:"sqlitePath,omitempty" toml:"sqlitePath"`
	MQTT       MQTTSinkConfig `json:"mqtt" toml:"mqtt"`
}

type MQTTSinkConfig struct {
	Enabled bool `json:"enabled" toml:"enabled"`
	telemetry.MQTTConfig
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	proposer := rsi.DefaultConfig()
	proposer.OutputDir = ""
	return &Config{
		Server: ServerConfig{
			Port:      8430,
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Learning:   policy.DefaultConfig(),
		Reward:     reward.DefaultConfig(),
		Classifier: classifier.DefaultConfig(),
		Safety:     safety.DefaultConfig(),
		Proposer:   proposer,
		Transfer:   transfer.DefaultConfig(),
		Store:      wal.DefaultConfig(),
		Telemetry: TelemetryConfig{
			Log: true,
			MQTT: MQTTSinkConfig{MQTTConfig: telemetry.MQTTConfig{
				Broker:      "localhost",
				Port:        1883,
				TopicPrefix: "evovariant/telemetry",
			}},
		},
		Scheduler: scheduler.DefaultConfig(),
	}
}

// Load reads config from a TOML file (by .toml extension) or JSON file,
// layered over the defaults. Empty paths are resolved against the data dir.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if isTOML(path) {
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("%w: unknown keys: %s", ErrInvalid, strings.Join(keys, ", "))
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve fills empty paths from the data dir.
func (c *Config) Resolve() {
	dataDir := c.Server.DataDir
	if dataDir == "" {
		dataDir = "./data"
		c.Server.DataDir = dataDir
	}
	if c.Store.Dir == "" {
		c.Store.Dir = filepath.Join(dataDir, "state")
	}
	if c.Proposer.OutputDir == "" {
		c.Proposer.OutputDir = filepath.Join(dataDir, "proposals")
	}
	if c.Variants.Dir == "" {
		c.Variants.Dir = filepath.Join(dataDir, "variants")
	}
	if c.Variants.DBPath == "" {
		c.Variants.DBPath = filepath.Join(dataDir, "variants.db")
	}
	if p := c.Telemetry.SQLitePath; p != "" && !filepath.IsAbs(p) && filepath.Dir(p) == "." {
		c.Telemetry.SQLitePath = filepath.Join(dataDir, p)
	}
}

// Validate checks every section. All failures wrap ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	switch strings.ToLower(c.Server.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("server", fmt.Errorf("unknown logLevel %q", c.Server.LogLevel))
	}
	switch strings.ToLower(c.Server.LogFormat) {
	case "", "text", "json":
	default:
		add("server", fmt.Errorf("unknown logFormat %q", c.Server.LogFormat))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server", fmt.Errorf("port %d out of range", c.Server.Port))
	}

	add("reward", c.Reward.Validate())
	add("learning", c.Learning.Validate(policy.Bounds{Min: c.Reward.Min, Max: c.Reward.Max}))
	add("classifier", validateClassifier(c.Classifier))
	add("safety", c.Safety.Validate())
	if c.Proposer.OutputDir != "" {
		add("proposer", c.Proposer.Validate())
	}
	add("transfer", c.Transfer.Validate())
	if c.Store.CompactEvery < 0 {
		add("store", fmt.Errorf("compactEvery must not be negative"))
	}
	if c.Telemetry.MQTT.Enabled && c.Telemetry.MQTT.Broker == "" {
		add("telemetry", fmt.Errorf("mqtt broker required when mqtt is enabled"))
	}
	add("scheduler", c.Scheduler.Validate())

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func validateClassifier(c classifier.Config) error {
	if c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("minScore %.2f must be in [0,1]", c.MinScore)
	}
	for dim, w := range c.Weights {
		switch dim {
		case classifier.DimKeyword, classifier.DimFilePattern, classifier.DimTechHint:
		default:
			return fmt.Errorf("unknown weight dimension %q", dim)
		}
		if w < 0 {
			return fmt.Errorf("weight %q must not be negative", dim)
		}
	}
	for _, tt := range c.TaskTypes {
		if tt.Name == "" {
			return fmt.Errorf("custom task type without a name")
		}
	}
	return nil
}

// Engine returns the engine configuration. Call Resolve first.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		Policy:       c.Learning,
		Reward:       c.Reward,
		Safety:       c.Safety,
		Proposer:     c.Proposer,
		Transfer:     c.Transfer,
		AuditDir:     c.Store.Dir,
		CompactEvery: c.Store.CompactEvery,
	}
}

// Save writes config as TOML (by .toml extension) or indented JSON.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	if isTOML(path) {
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
	} else {
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		buf.Write(data)
	}
	return os.WriteFile(path, buf.Bytes(), 0640)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
