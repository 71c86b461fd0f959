package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	ProfileText            = "text"
	ProfileImageToText     = "imageToText"
	ProfileObjectDetection = "objectDetection"
)

const (
	StorageSQLite = "sqlite"
	StorageFile   = "file"
	StorageMemory = "memory"
)

// HistoryKey is the storage key the chat session list is persisted under
const HistoryKey = "chatHistory"

var (
	ErrUnknownProfile  = errors.New("unknown model profile")
	ErrMissingEndpoint = errors.New("model profile has no endpoint")
)

// ModelProfile describes which backend capability handles a request
type ModelProfile struct {
	Key             string `toml:"-" mapstructure:"-"`
	DisplayName     string `toml:"display_name" mapstructure:"display_name"`
	ExpectedLatency string `toml:"expected_latency" mapstructure:"expected_latency"`
	Endpoint        string `toml:"endpoint" mapstructure:"endpoint"`
}

// RequiresImage reports whether the profile uploads an image instead of text
func (p ModelProfile) RequiresImage() bool {
	return p.Key == ProfileImageToText || p.Key == ProfileObjectDetection
}

// StorageConfig selects the key-value driver backing the chat history
type StorageConfig struct {
	Driver string `toml:"driver" mapstructure:"driver"`
	Path   string `toml:"path" mapstructure:"path"` // sqlite file or directory for the file driver
}

// Config holds application configuration
type Config struct {
	Debug        bool          `mapstructure:"debug"`
	LogDir       string        `mapstructure:"log_dir"`
	TelemetryDir string        `mapstructure:"telemetry_dir"`
	Storage      StorageConfig `mapstructure:"storage"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"` // 0 disables the timeout
	TypingInterval time.Duration `mapstructure:"typing_interval"` // reveal speed of error messages

	MaxChats         int `mapstructure:"max_chats"`
	MaxMessagesTotal int `mapstructure:"max_messages_total"`

	Context        string                  `mapstructure:"context"` // module context sent with text requests
	DefaultProfile string                  `mapstructure:"default_profile"`
	Profiles       map[string]ModelProfile `mapstructure:"profiles"`
}

// DefaultProfiles returns the three backend capabilities served by the lab backend
func DefaultProfiles() map[string]ModelProfile {
	return map[string]ModelProfile{
		ProfileText: {
			Key:             ProfileText,
			DisplayName:     "DeepSeek-R1-8B (Text)",
			ExpectedLatency: "1-2s",
			Endpoint:        "http://localhost:8000/api/ai-assistant",
		},
		ProfileImageToText: {
			Key:             ProfileImageToText,
			DisplayName:     "BLIP-2 (Image)",
			ExpectedLatency: "500-1000ms",
			Endpoint:        "http://localhost:8000/api/image-to-text",
		},
		ProfileObjectDetection: {
			Key:             ProfileObjectDetection,
			DisplayName:     "YOLOv8m",
			ExpectedLatency: "50-100ms",
			Endpoint:        "http://localhost:8000/api/object-detection",
		},
	}
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		LogDir:       "logs",
		TelemetryDir: "logs",
		Storage: StorageConfig{
			Driver: StorageSQLite,
			Path:   "vlabassist.db",
		},
		TypingInterval:   50 * time.Millisecond,
		MaxChats:         10,
		MaxMessagesTotal: 100,
		DefaultProfile:   ProfileText,
		Profiles:         DefaultProfiles(),
	}
}

// Profile looks up a model profile by key. Keys match case-insensitively
// because viper lowercases map keys.
func (c *Config) Profile(key string) (ModelProfile, error) {
	if p, ok := c.Profiles[key]; ok {
		return p, nil
	}
	for k, p := range c.Profiles {
		if strings.EqualFold(k, key) {
			return p, nil
		}
	}
	return ModelProfile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, key)
}

// ProfileKeys returns the configured profile keys in sorted order
func (c *Config) ProfileKeys() []string {
	keys := make([]string, 0, len(c.Profiles))
	for k := range c.Profiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that every profile is known and has an endpoint
func (c *Config) Validate() error {
	for key, p := range c.Profiles {
		if canonicalProfileKey(key) == "" {
			return fmt.Errorf("%w: %s", ErrUnknownProfile, key)
		}
		if p.Endpoint == "" {
			return fmt.Errorf("%w: %s", ErrMissingEndpoint, key)
		}
	}
	if _, err := c.Profile(c.DefaultProfile); err != nil {
		return fmt.Errorf("invalid default_profile: %w", err)
	}
	if c.MaxChats <= 0 {
		return fmt.Errorf("max_chats must be positive (got %d)", c.MaxChats)
	}
	if c.MaxMessagesTotal <= 0 {
		return fmt.Errorf("max_messages_total must be positive (got %d)", c.MaxMessagesTotal)
	}
	return nil
}

// canonicalProfileKey maps a case-folded key back to its profile constant
func canonicalProfileKey(key string) string {
	for _, k := range []string{ProfileText, ProfileImageToText, ProfileObjectDetection} {
		if strings.EqualFold(k, key) {
			return k
		}
	}
	return ""
}
