// Package config loads centrix settings.
//
// Values are layered, lowest precedence first: built-in defaults, an optional
// YAML file, then CENTRIX_-prefixed environment variables. Nested keys use a
// double underscore in the environment, so CENTRIX_ALERT__RATE_PER_MINUTE
// sets alert.rate_per_minute.
//
// The result is a plain value passed into constructors; nothing in centrix
// reads configuration from a package-level singleton.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CENTRIX_"

// PathEnvVar names a config file when --config is not given.
const PathEnvVar = EnvPrefix + "CONFIG"

// Config is the complete centrix configuration.
type Config struct {
	Store    StoreConfig       `koanf:"store"`
	Runtime  RuntimeConfig     `koanf:"runtime"`
	Log      LogConfig         `koanf:"log"`
	Alert    AlertConfig       `koanf:"alert"`
	Approval ApprovalConfig    `koanf:"approval"`
	Lock     LockConfig        `koanf:"lock"`
	Worker   WorkerConfig      `koanf:"worker"`
	Registry RegistryConfig    `koanf:"registry"`
	Roles    map[string]string `koanf:"roles" validate:"dive,keys,required,endkeys,oneof=observer operator admin"`
}

// StoreConfig locates the shared SQLite file.
type StoreConfig struct {
	Path        string        `koanf:"path" validate:"required"`
	BusyTimeout time.Duration `koanf:"busy_timeout" validate:"gte=0"`
}

// RuntimeConfig locates process-shared runtime files.
type RuntimeConfig struct {
	Dir string `koanf:"dir" validate:"required"`
}

// LocksDir is where lock files live.
func (r RuntimeConfig) LocksDir() string {
	return r.Dir + string(os.PathSeparator) + "locks"
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// AlertConfig tunes the alert engine and its outbound notifier.
type AlertConfig struct {
	MinLevel      string        `koanf:"min_level" validate:"oneof=DEBUG INFO WARN WARNING ERROR CRITICAL"`
	DedupWindow   time.Duration `koanf:"dedup_window" validate:"gt=0"`
	RatePerMinute int           `koanf:"rate_per_minute" validate:"gte=1"`
	NotifyTimeout time.Duration `koanf:"notify_timeout" validate:"gt=0"`
	Webhook       WebhookConfig `koanf:"webhook"`
}

// WebhookConfig configures the optional HTTP notifier. An empty URL disables it.
type WebhookConfig struct {
	URL             string        `koanf:"url" validate:"omitempty,url"`
	RatePerSecond   float64       `koanf:"rate_per_second" validate:"gt=0"`
	Burst           int           `koanf:"burst" validate:"gte=1"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// ApprovalConfig tunes two-man-rule approvals.
type ApprovalConfig struct {
	TTL         time.Duration `koanf:"ttl" validate:"gt=0"`
	TokenLength int           `koanf:"token_length" validate:"gte=4,lte=32"`
	GatedTypes  []string      `koanf:"gated_types"`
}

// LockConfig tunes the lock manager.
type LockConfig struct {
	DefaultTTL time.Duration `koanf:"default_ttl" validate:"gt=0"`
}

// WorkerConfig tunes the command worker and sweeper.
type WorkerConfig struct {
	Name          string        `koanf:"name" validate:"required"`
	PollInterval  time.Duration `koanf:"poll_interval" validate:"gt=0"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	EnforceRBAC   bool          `koanf:"enforce_rbac"`
}

// RegistryConfig tunes heartbeats and liveness.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	FreshnessWindow   time.Duration `koanf:"freshness_window" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:        "runtime/ctl.db",
			BusyTimeout: 5 * time.Second,
		},
		Runtime: RuntimeConfig{Dir: "runtime"},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Alert: AlertConfig{
			MinLevel:      "INFO",
			DedupWindow:   60 * time.Second,
			RatePerMinute: 10,
			NotifyTimeout: 3 * time.Second,
			Webhook: WebhookConfig{
				RatePerSecond:   1,
				Burst:           5,
				BreakerFailures: 5,
				BreakerTimeout:  30 * time.Second,
			},
		},
		Approval: ApprovalConfig{
			TTL:         300 * time.Second,
			TokenLength: 8,
			GatedTypes:  []string{"ORDER"},
		},
		Lock: LockConfig{DefaultTTL: 30 * time.Second},
		Worker: WorkerConfig{
			Name:          "worker",
			PollInterval:  time.Second,
			SweepInterval: 5 * time.Second,
			EnforceRBAC:   true,
		},
		Registry: RegistryConfig{
			HeartbeatInterval: 5 * time.Second,
			FreshnessWindow:   10 * time.Second,
		},
		Roles: map[string]string{},
	}
}

// sliceKeys arrive from the environment as comma-separated strings.
var sliceKeys = []string{"approval.gated_types"}

// Load builds a Config from defaults, the file at path (if non-empty, else
// $CENTRIX_CONFIG if set) and the environment, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps CENTRIX_ALERT__RATE_PER_MINUTE to alert.rate_per_minute.
// The config-file selector itself is not a setting and maps to "".
func envKey(key string) string {
	if key == PathEnvVar {
		return ""
	}
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	c.Alert.MinLevel = strings.ToUpper(c.Alert.MinLevel)
	for i, t := range c.Approval.GatedTypes {
		c.Approval.GatedTypes[i] = strings.ToUpper(strings.TrimSpace(t))
	}
	if c.Roles == nil {
		c.Roles = map[string]string{}
	}
	for user, role := range c.Roles {
		c.Roles[user] = strings.ToLower(role)
	}
}

var validate = validator.New()

// Validate reports every constraint violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return errors.Join(msgs...)
}
