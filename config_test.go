package signalk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := loadConfig(context.Background(), "", envconfig.MapLookuper(nil))

	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig(t *testing.T) {
	// arrange
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: http://boat.local:3000
token: from-file
subscription_mode: wildcard
write_timeout: 5s
mqtt:
  in_topic: boat/delta
`), 0o600))
	env := envconfig.MapLookuper(map[string]string{
		"TOKEN":            "from-env",
		"SUBSCRIBE_PERIOD": "500",
	})

	// act
	cfg, err := loadConfig(context.Background(), path, env)

	// assert
	require.NoError(t, err)
	assert.Equal(t, "http://boat.local:3000", cfg.ServerURL)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, "wildcard", cfg.SubscriptionMode)
	assert.Equal(t, 500, cfg.SubscribePeriod)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
	assert.Equal(t, "boat/delta", cfg.MQTT.InTopic)
	assert.Equal(t, "signalk/request", cfg.MQTT.OutTopic)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), envconfig.MapLookuper(nil))

	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{name: "default", modify: func(*Config) {}, valid: true},
		{name: "unknown mode", modify: func(c *Config) { c.SubscriptionMode = "all" }},
		{name: "unknown transport", modify: func(c *Config) { c.Transport = "nmea0183" }},
		{name: "mqtt without broker", modify: func(c *Config) { c.Transport = TransportMQTT }},
		{name: "mqtt", modify: func(c *Config) {
			c.Transport = TransportMQTT
			c.MQTT.ServerURL = "mqtt://localhost:1883"
		}, valid: true},
		{name: "no server", modify: func(c *Config) { c.ServerURL = "" }},
		{name: "stream only", modify: func(c *Config) {
			c.ServerURL = ""
			c.StreamURL = "ws://boat.local:3000/signalk/v1/stream"
		}, valid: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)

			err := cfg.Validate()

			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestStreamURLFromServer(t *testing.T) {
	assert.Equal(t, "ws://boat.local:3000/signalk/v1/stream", streamURLFromServer("http://boat.local:3000", streamPath))
	assert.Equal(t, "wss://boat.local/signalk/v1/stream", streamURLFromServer("https://boat.local/", streamPath))
	assert.Equal(t, "ws://boat.local:3000/plugins/signalk-units-preference/stream", streamURLFromServer("http://boat.local:3000", conversionStreamPath))
	assert.Empty(t, streamURLFromServer("boat", streamPath))
}

func TestWithoutSubscription(t *testing.T) {
	assert.Equal(t, "ws://boat:3000/signalk/v1/stream?subscribe=none", withoutSubscription("ws://boat:3000/signalk/v1/stream"))
	assert.Equal(t, "ws://boat:3000/signalk/v1/stream?subscribe=self", withoutSubscription("ws://boat:3000/signalk/v1/stream?subscribe=self"))
}
