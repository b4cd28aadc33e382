package pseudonym

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read by LoadConfig. PSEUDONYM_MASTER_KEY_<N> sets the
// master key of version N.
const (
	EnvCurrentKeyVersion = "PSEUDONYM_CURRENT_KEY_VERSION"
	EnvMasterKeyPrefix   = "PSEUDONYM_MASTER_KEY_"
	EnvPepper            = "PSEUDONYM_PEPPER"
	EnvDBDriver          = "PSEUDONYM_DB_DRIVER"
	EnvDBPath            = "PSEUDONYM_DB_PATH"
	EnvLogLevel          = "PSEUDONYM_LOG_LEVEL"
	EnvTimezone          = "PSEUDONYM_TIMEZONE"
	EnvListen            = "PSEUDONYM_LISTEN"
	EnvPruneCron         = "PSEUDONYM_PRUNE_CRON"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
)

// ModeratorConfig grants a bearer token access to the moderation API.
type ModeratorConfig struct {
	ID     string   `yaml:"id"`
	Token  string   `yaml:"token"`
	Guilds []string `yaml:"guilds"`
	Owner  bool     `yaml:"owner"`
}

// Config is the process configuration: a YAML file overlaid by environment.
type Config struct {
	Keys struct {
		Current int            `yaml:"current"`
		Masters map[int]string `yaml:"masters"`
		Pepper  string         `yaml:"pepper"`
	} `yaml:"keys"`
	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Guild struct {
		RateLimitCount   *int          `yaml:"rate_limit_count"`
		RateLimitWindow  time.Duration `yaml:"rate_limit_window"`
		RotationWindow   time.Duration `yaml:"rotation_window"`
		MaxMessageLength int           `yaml:"max_message_length"`
		PseudonymFormat  string        `yaml:"pseudonym_format"`
		Timezone         string        `yaml:"timezone"`
		BlockedWords     []string      `yaml:"blocked_words"`
	} `yaml:"guild"`
	Server struct {
		Listen     string            `yaml:"listen"`
		Moderators []ModeratorConfig `yaml:"moderators"`
	} `yaml:"server"`
	Janitor struct {
		PruneCron string        `yaml:"prune_cron"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"janitor"`
}

// DefaultConfig returns a configuration with every optional field set.
func DefaultConfig() *Config {
	var c Config
	c.Storage.Driver = DriverSQLite
	c.Storage.Path = "pseudonym.db"
	c.Logging.Level = "info"
	c.Guild.Timezone = "UTC"
	c.Server.Listen = "127.0.0.1:8089"
	c.Janitor.PruneCron = "0 * * * *"
	c.Janitor.Retention = 48 * time.Hour
	return &c
}

// LoadConfig loads envFile (or ./.env when present), then path (when set),
// then applies environment overrides.
func LoadConfig(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.Environ()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays KEY=VALUE pairs onto c.
func (c *Config) ApplyEnv(environ []string) error {
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		switch {
		case k == EnvCurrentKeyVersion:
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			c.Keys.Current = n
		case strings.HasPrefix(k, EnvMasterKeyPrefix):
			n, err := strconv.Atoi(strings.TrimPrefix(k, EnvMasterKeyPrefix))
			if err != nil {
				return fmt.Errorf("%s: invalid key version: %w", k, err)
			}
			if c.Keys.Masters == nil {
				c.Keys.Masters = make(map[int]string)
			}
			c.Keys.Masters[n] = v
		case k == EnvPepper:
			c.Keys.Pepper = v
		case k == EnvDBDriver:
			c.Storage.Driver = v
		case k == EnvDBPath:
			c.Storage.Path = v
		case k == EnvLogLevel:
			c.Logging.Level = v
		case k == EnvTimezone:
			c.Guild.Timezone = v
		case k == EnvListen:
			c.Server.Listen = v
		case k == EnvPruneCron:
			c.Janitor.PruneCron = v
		}
	}
	return nil
}

// Validate checks the non-secret fields. Secrets are checked by KeyRing.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverPebble:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Path == "" {
		return errors.New("storage path is required")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Janitor.PruneCron != "" && !gronx.IsValid(c.Janitor.PruneCron) {
		return fmt.Errorf("invalid prune cron expression: %s", c.Janitor.PruneCron)
	}
	seen := make(map[string]bool)
	for _, m := range c.Server.Moderators {
		if m.ID == "" || m.Token == "" {
			return errors.New("moderator id and token are required")
		}
		if seen[m.Token] {
			return fmt.Errorf("moderator %s: duplicate token", m.ID)
		}
		seen[m.Token] = true
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Guild.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Guild.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Guild.Timezone, err)
	}
	return loc, nil
}

// KeyRing decodes the master keys and pepper. Missing material fails with
// ErrMissingSecret; no default key exists.
func (c *Config) KeyRing() (*KeyRing, error) {
	if len(c.Keys.Masters) == 0 {
		return nil, fmt.Errorf("%w: no master keys (set %sN)", ErrMissingSecret, EnvMasterKeyPrefix)
	}
	if c.Keys.Pepper == "" {
		return nil, fmt.Errorf("%w: no pepper (set %s)", ErrMissingSecret, EnvPepper)
	}
	versions := make([]int, 0, len(c.Keys.Masters))
	for v := range c.Keys.Masters {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	keys := make([]MasterKey, 0, len(versions))
	for _, v := range versions {
		secret, err := DecodeMasterKey(c.Keys.Masters[v])
		if err != nil {
			return nil, fmt.Errorf("master key %d: %w", v, err)
		}
		keys = append(keys, MasterKey{Version: v, Secret: secret})
	}
	current := c.Keys.Current
	if current == 0 {
		current = versions[len(versions)-1]
	}
	return NewKeyRing(keys, current, []byte(c.Keys.Pepper))
}

// Settings returns the guild settings described by c.
func (c *Config) Settings() (Settings, error) {
	loc, err := c.Location()
	if err != nil {
		return Settings{}, err
	}
	s := DefaultSettings()
	if c.Guild.RateLimitCount != nil {
		s.RateLimitCount = *c.Guild.RateLimitCount
	}
	if c.Guild.RateLimitWindow > 0 {
		s.RateLimitWindow = c.Guild.RateLimitWindow
	}
	if c.Guild.RotationWindow > 0 {
		s.RotationWindow = c.Guild.RotationWindow
	}
	if c.Guild.MaxMessageLength > 0 {
		s.MaxMessageLength = c.Guild.MaxMessageLength
	}
	if c.Guild.PseudonymFormat != "" {
		s.PseudonymFormat = c.Guild.PseudonymFormat
	}
	s.Location = loc
	return s, nil
}

// OpenStore opens the configured storage backend.
func (c *Config) OpenStore() (Store, error) {
	switch c.Storage.Driver {
	case DriverSQLite:
		return OpenSQLiteStore(c.Storage.Path)
	case DriverPebble:
		return OpenPebbleStore(c.Storage.Path)
	}
	return nil, fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
}

// DecodeMasterKey accepts a 32-byte key as hex or standard/URL base64.
func DecodeMasterKey(s string) ([KeySize]byte, error) {
	var out [KeySize]byte
	s = strings.TrimSpace(s)
	var raw []byte
	if b, err := hex.DecodeString(s); err == nil {
		raw = b
	} else if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		raw = b
	} else if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		raw = b
	} else {
		return out, errors.New("key is neither hex nor base64")
	}
	if len(raw) != KeySize {
		return out, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
