package signalk

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/dratasich/signalk-go-client-sdk/channel"
	"github.com/dratasich/signalk-go-client-sdk/subscription"
)

const (
	streamPath           = "/signalk/v1/stream"
	conversionStreamPath = "/plugins/signalk-units-preference/stream"

	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Config of a Signal K client
//
// Values are read from an optional yaml file first; environment variables
// override them.
type Config struct {
	// REST base url, e.g. `http://localhost:3000`
	ServerURL string `yaml:"server_url" env:"SERVER_URL,default=http://localhost:3000"`
	// websocket stream url; discovered via `/signalk` if empty
	StreamURL string `yaml:"stream_url" env:"STREAM_URL"`
	// bearer token
	Token     string `yaml:"token" env:"TOKEN"`
	Transport string `yaml:"transport" env:"TRANSPORT,default=websocket"`

	// `explicit` or `wildcard`
	SubscriptionMode string `yaml:"subscription_mode" env:"SUBSCRIPTION_MODE,default=explicit"`
	SubscribePeriod  int    `yaml:"subscribe_period" env:"SUBSCRIBE_PERIOD,default=1000"` // ms
	SubscribePolicy  string `yaml:"subscribe_policy" env:"SUBSCRIBE_POLICY,default=ideal"`
	SubscribeFormat  string `yaml:"subscribe_format" env:"SUBSCRIBE_FORMAT,default=delta"`

	// units preference stream url; derived from ServerURL if empty
	ConversionStreamURL    string        `yaml:"conversion_stream_url" env:"CONVERSION_STREAM_URL"`
	ConversionPollInterval time.Duration `yaml:"conversion_poll_interval" env:"CONVERSION_POLL_INTERVAL,default=60s"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT,default=10s"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT,default=10s"`
	AISSettleDelay   time.Duration `yaml:"ais_settle_delay" env:"AIS_SETTLE_DELAY,default=2s"`

	MQTT channel.MQTTConfig `yaml:"mqtt" env:",prefix=MQTT_"`
}

// DefaultConfig returns the configuration used without file and environment
func DefaultConfig() Config {
	return Config{
		ServerURL:              "http://localhost:3000",
		Transport:              TransportWebSocket,
		SubscriptionMode:       subscription.ModeExplicit.String(),
		SubscribePeriod:        1000,
		SubscribePolicy:        "ideal",
		SubscribeFormat:        "delta",
		ConversionPollInterval: 60 * time.Second,
		HandshakeTimeout:       10 * time.Second,
		WriteTimeout:           10 * time.Second,
		AISSettleDelay:         2 * time.Second,
		MQTT: channel.MQTTConfig{
			KeepAlive: 60,
			InTopic:   "signalk/delta",
			OutTopic:  "signalk/request",
		},
	}
}

// LoadConfig reads the yaml file at path (if not empty) and applies the
// environment
func LoadConfig(ctx context.Context, path string) (Config, error) {
	return loadConfig(ctx, path, envconfig.OsLookuper())
}

func loadConfig(ctx context.Context, path string, lookuper envconfig.Lookuper) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           &cfg,
		Lookuper:         lookuper,
		DefaultOverwrite: true,
	}); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for obvious mistakes
func (c Config) Validate() error {
	var errs []error
	if c.ServerURL == "" && c.StreamURL == "" && c.Transport != TransportMQTT {
		errs = append(errs, errors.New("server url or stream url required"))
	}
	if c.ServerURL != "" {
		if _, err := url.Parse(c.ServerURL); err != nil {
			errs = append(errs, fmt.Errorf("server url: %w", err))
		}
	}
	switch c.Transport {
	case "", TransportWebSocket:
	case TransportMQTT:
		if c.MQTT.ServerURL == "" {
			errs = append(errs, errors.New("mqtt transport requires MQTT_SERVER_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	switch c.SubscriptionMode {
	case "", "explicit", "wildcard":
	default:
		errs = append(errs, fmt.Errorf("unknown subscription mode %q", c.SubscriptionMode))
	}
	return errors.Join(errs...)
}

// streamURLFromServer derives the websocket stream url from the REST url
func streamURLFromServer(server, path string) string {
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String()
}

// withoutSubscription appends `subscribe=none` so the server does not
// subscribe to anything on its own
func withoutSubscription(stream string) string {
	u, err := url.Parse(stream)
	if err != nil {
		return stream
	}
	q := u.Query()
	if q.Get("subscribe") == "" {
		q.Set("subscribe", "none")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
