package config

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// SetDefaults registers the default configuration on a viper instance.
// Nested keys are registered one by one so file values merge with them.
func SetDefaults(v *viper.Viper) {
	d := NewDefaultConfig()
	v.SetDefault("debug", d.Debug)
	v.SetDefault("log_dir", d.LogDir)
	v.SetDefault("telemetry_dir", d.TelemetryDir)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("typing_interval", d.TypingInterval)
	v.SetDefault("max_chats", d.MaxChats)
	v.SetDefault("max_messages_total", d.MaxMessagesTotal)
	v.SetDefault("context", d.Context)
	v.SetDefault("default_profile", d.DefaultProfile)
	for key, p := range d.Profiles {
		v.SetDefault("profiles."+key+".display_name", p.DisplayName)
		v.SetDefault("profiles."+key+".expected_latency", p.ExpectedLatency)
		v.SetDefault("profiles."+key+".endpoint", p.Endpoint)
	}
}

// Load builds a Config from the values known to v, falling back to defaults
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalizeProfiles()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalizeProfiles restores the camel-cased profile keys viper folded away
func (c *Config) normalizeProfiles() {
	normalized := make(map[string]ModelProfile, len(c.Profiles))
	for key, p := range c.Profiles {
		canonical := canonicalProfileKey(key)
		if canonical == "" {
			// kept as-is so Validate can report it
			canonical = key
		}
		p.Key = canonical
		normalized[canonical] = p
	}
	c.Profiles = normalized
	if k := canonicalProfileKey(c.DefaultProfile); k != "" {
		c.DefaultProfile = k
	}
}

// document is the on-disk TOML shape; durations are written as strings
type document struct {
	Debug            bool                    `toml:"debug"`
	LogDir           string                  `toml:"log_dir"`
	TelemetryDir     string                  `toml:"telemetry_dir"`
	RequestTimeout   string                  `toml:"request_timeout"`
	TypingInterval   string                  `toml:"typing_interval"`
	MaxChats         int                     `toml:"max_chats"`
	MaxMessagesTotal int                     `toml:"max_messages_total"`
	Context          string                  `toml:"context"`
	DefaultProfile   string                  `toml:"default_profile"`
	Storage          StorageConfig           `toml:"storage"`
	Profiles         map[string]ModelProfile `toml:"profiles"`
}

// WriteTOML encodes the configuration in the format Load reads back
func (c *Config) WriteTOML(w io.Writer) error {
	doc := document{
		Debug:            c.Debug,
		LogDir:           c.LogDir,
		TelemetryDir:     c.TelemetryDir,
		RequestTimeout:   c.RequestTimeout.String(),
		TypingInterval:   c.TypingInterval.String(),
		MaxChats:         c.MaxChats,
		MaxMessagesTotal: c.MaxMessagesTotal,
		Context:          c.Context,
		DefaultProfile:   c.DefaultProfile,
		Storage:          c.Storage,
		Profiles:         c.Profiles,
	}
	if err := toml.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
