// Package config loads the cachegen YAML file and applies CACHEGEN_* environment overrides.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server" envPrefix:"SERVER_"`
	Storage   Storage   `yaml:"storage" envPrefix:"STORAGE_"`
	Manifest  Manifest  `yaml:"manifest" envPrefix:"MANIFEST_"`
	Policy    Policy    `yaml:"policy" envPrefix:"POLICY_"`
	Lifecycle Lifecycle `yaml:"lifecycle" envPrefix:"LIFECYCLE_"`
	Logging   Logging   `yaml:"logging" envPrefix:"LOGGING_"`

	Rules []Rule `yaml:"rules"`
}

type Server struct {
	Port          int    `yaml:"port" env:"PORT"`
	Origin        string `yaml:"origin" env:"ORIGIN"`
	ControlPrefix string `yaml:"controlPrefix" env:"CONTROL_PREFIX"`
}

type Storage struct {
	Path string `yaml:"path" env:"PATH"`
	RAM  struct {
		Max string `yaml:"max" env:"MAX"`
	} `yaml:"ram" envPrefix:"RAM_"`
	Disk struct {
		Max string `yaml:"max" env:"MAX"`
	} `yaml:"disk" envPrefix:"DISK_"`

	// compiled
	RAMBytes  int64 `yaml:"-"`
	DiskBytes int64 `yaml:"-"`
}

type Manifest struct {
	Path        string   `yaml:"path" env:"PATH"`
	VersionPath string   `yaml:"versionPath" env:"VERSION_PATH"`
	Sitemaps    []string `yaml:"sitemaps" env:"SITEMAPS"`
	Redis       struct {
		Addr string `yaml:"addr" env:"ADDR"`
		Key  string `yaml:"key" env:"KEY"`
	} `yaml:"redis" envPrefix:"REDIS_"`
}

type Policy struct {
	NetworkTimeout     string `yaml:"networkTimeout" env:"NETWORK_TIMEOUT"`
	Default            string `yaml:"default" env:"DEFAULT"`
	Dynamic            string `yaml:"dynamic" env:"DYNAMIC"`
	Fresh              string `yaml:"fresh" env:"FRESH"`
	FallbackDocument   string `yaml:"fallbackDocument" env:"FALLBACK_DOCUMENT"`
	RefreshConcurrency int    `yaml:"refreshConcurrency" env:"REFRESH_CONCURRENCY"`

	// compiled
	NetworkTimeoutDur time.Duration `yaml:"-"`
	DynamicMatch      Matcher       `yaml:"-"`
	FreshMatch        Matcher       `yaml:"-"`
}

type Lifecycle struct {
	Activation         string `yaml:"activation" env:"ACTIVATION"`
	CheckEvery         string `yaml:"checkEvery" env:"CHECK_EVERY"`
	HandoverGrace      string `yaml:"handoverGrace" env:"HANDOVER_GRACE"`
	InstallConcurrency int    `yaml:"installConcurrency" env:"INSTALL_CONCURRENCY"`

	// compiled
	CheckEveryDur    time.Duration `yaml:"-"`
	HandoverGraceDur time.Duration `yaml:"-"`
}

type Logging struct {
	Level         string `yaml:"level" env:"LEVEL"`
	Development   bool   `yaml:"development" env:"DEVELOPMENT"`
	LogStatsEvery string `yaml:"logStatsEvery" env:"LOG_STATS_EVERY"`

	// compiled
	LogStatsEveryDur time.Duration `yaml:"-"`
}

// Rule routes matching requests straight to the origin.
type Rule struct {
	Match             string   `yaml:"match"`
	Priority          int      `yaml:"priority"`
	Bypass            bool     `yaml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	// compiled
	matcher Matcher
}

const (
	ActivationDeferred  = "deferred"
	ActivationImmediate = "immediate"
)

// Load reads path, applies CACHEGEN_* overrides, fills defaults and compiles
// durations, sizes and matchers.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse is Load without the file read.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CACHEGEN_"}); err != nil {
		return Config{}, fmt.Errorf("env: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/_cachegen"
	}
	cfg.Server.ControlPrefix = "/" + strings.Trim(cfg.Server.ControlPrefix, "/")
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "1gb"
	}
	if cfg.Manifest.Path == "" {
		cfg.Manifest.Path = "/_app/manifest.json"
	}
	if cfg.Manifest.VersionPath == "" {
		cfg.Manifest.VersionPath = "/_app/version.json"
	}
	if cfg.Policy.NetworkTimeout == "" {
		cfg.Policy.NetworkTimeout = "5s"
	}
	if cfg.Policy.Default == "" {
		cfg.Policy.Default = "stale-while-revalidate"
	}
	if cfg.Policy.Fresh == "" {
		cfg.Policy.Fresh = fmt.Sprintf("PathPrefix(%s)|PathPrefix(%s)", cfg.Manifest.VersionPath, cfg.Manifest.Path)
	}
	if cfg.Policy.FallbackDocument == "" {
		cfg.Policy.FallbackDocument = "/"
	}
	if cfg.Policy.RefreshConcurrency <= 0 {
		cfg.Policy.RefreshConcurrency = 32
	}
	if cfg.Lifecycle.Activation == "" {
		cfg.Lifecycle.Activation = ActivationDeferred
	}
	if cfg.Lifecycle.CheckEvery == "" {
		cfg.Lifecycle.CheckEvery = "1m"
	}
	if cfg.Lifecycle.HandoverGrace == "" {
		cfg.Lifecycle.HandoverGrace = "10s"
	}
	if cfg.Lifecycle.InstallConcurrency <= 0 {
		cfg.Lifecycle.InstallConcurrency = 8
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (cfg *Config) compile() error {
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	var err error
	if cfg.Storage.RAMBytes, err = ParseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.DiskBytes, err = ParseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.Policy.NetworkTimeoutDur, err = time.ParseDuration(cfg.Policy.NetworkTimeout); err != nil {
		return fmt.Errorf("policy.networkTimeout: %w", err)
	}
	if cfg.Policy.Dynamic != "" {
		if cfg.Policy.DynamicMatch, err = ParseMatch(cfg.Policy.Dynamic); err != nil {
			return fmt.Errorf("policy.dynamic: %w", err)
		}
	}
	if cfg.Policy.FreshMatch, err = ParseMatch(cfg.Policy.Fresh); err != nil {
		return fmt.Errorf("policy.fresh: %w", err)
	}
	switch cfg.Policy.Default {
	case "cache-first", "network-first", "stale-while-revalidate", "network-only":
	default:
		return fmt.Errorf("policy.default: unknown strategy %q", cfg.Policy.Default)
	}

	switch cfg.Lifecycle.Activation {
	case ActivationDeferred, ActivationImmediate:
	default:
		return fmt.Errorf("lifecycle.activation: must be %q or %q, got %q",
			ActivationDeferred, ActivationImmediate, cfg.Lifecycle.Activation)
	}
	if cfg.Lifecycle.CheckEveryDur, err = time.ParseDuration(cfg.Lifecycle.CheckEvery); err != nil {
		return fmt.Errorf("lifecycle.checkEvery: %w", err)
	}
	if cfg.Lifecycle.HandoverGraceDur, err = time.ParseDuration(cfg.Lifecycle.HandoverGrace); err != nil {
		return fmt.Errorf("lifecycle.handoverGrace: %w", err)
	}

	if cfg.Logging.LogStatsEvery != "" {
		if cfg.Logging.LogStatsEveryDur, err = time.ParseDuration(cfg.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		m, err := ParseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matcher = m
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

// PickRule returns the first rule, by priority, matching path.
func (cfg *Config) PickRule(path string) *Rule {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

func (r *Rule) Matches(path string) bool { return r.matcher.Match(path) }
