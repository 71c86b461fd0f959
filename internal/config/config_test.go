package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadString(t *testing.T, body string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("toml")
	require.NoError(t, v.ReadConfig(strings.NewReader(body)))
	return Load(v)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.MaxChats)
	assert.Equal(t, 100, cfg.MaxMessagesTotal)
	assert.Equal(t, 50*time.Millisecond, cfg.TypingInterval)
	assert.Equal(t, time.Duration(0), cfg.RequestTimeout)
	assert.Equal(t, StorageSQLite, cfg.Storage.Driver)
	assert.Equal(t, ProfileText, cfg.DefaultProfile)
	assert.ElementsMatch(t, []string{ProfileImageToText, ProfileObjectDetection, ProfileText}, cfg.ProfileKeys())

	p, err := cfg.Profile(ProfileImageToText)
	require.NoError(t, err)
	assert.Equal(t, ProfileImageToText, p.Key)
	assert.True(t, p.RequiresImage())
	assert.Equal(t, "http://localhost:8000/api/image-to-text", p.Endpoint)
}

func TestLoadOverridesCamelCaseProfile(t *testing.T) {
	cfg, err := loadString(t, `
typing_interval = "5ms"
default_profile = "objectDetection"

[profiles.objectDetection]
endpoint = "http://lab.example/detect"
`)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Millisecond, cfg.TypingInterval)
	assert.Equal(t, ProfileObjectDetection, cfg.DefaultProfile)

	p, err := cfg.Profile(ProfileObjectDetection)
	require.NoError(t, err)
	assert.Equal(t, "http://lab.example/detect", p.Endpoint)
	assert.Equal(t, "YOLOv8m", p.DisplayName)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name: "unknown profile",
			mutate: func(c *Config) {
				c.Profiles["speech"] = ModelProfile{Key: "speech", Endpoint: "http://x"}
			},
			wantErr: ErrUnknownProfile,
		},
		{
			name: "missing endpoint",
			mutate: func(c *Config) {
				p := c.Profiles[ProfileText]
				p.Endpoint = ""
				c.Profiles[ProfileText] = p
			},
			wantErr: ErrMissingEndpoint,
		},
		{
			name:    "unknown default profile",
			mutate:  func(c *Config) { c.DefaultProfile = "audio" },
			wantErr: ErrUnknownProfile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestWriteTOMLRoundTrip(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Context = "experiment"
	cfg.RequestTimeout = 90 * time.Second

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteTOML(&buf))

	loaded, err := loadString(t, buf.String())
	require.NoError(t, err)

	assert.Equal(t, "experiment", loaded.Context)
	assert.Equal(t, 90*time.Second, loaded.RequestTimeout)
	assert.Equal(t, cfg.TypingInterval, loaded.TypingInterval)
	assert.Equal(t, cfg.Profiles, loaded.Profiles)
}
