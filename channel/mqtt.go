package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog/log"
)

// MQTT configuration for a Signal K MQTT bridge
//
// The bridge carries the same JSON messages as the websocket stream: deltas
// are published to InTopic, subscribe/put requests are read from OutTopic.
type MQTTConfig struct {
	ServerURL string `env:"SERVER_URL" yaml:"server_url"` // MQTT server URL
	Username  string `env:"USERNAME" yaml:"username"`     // MQTT Username to use when connecting to server
	Password  string `env:"PASSWORD" yaml:"password"`     // MQTT Password to use when connecting to server

	KeepAlive uint16 `env:"KEEP_ALIVE,default=60" yaml:"keep_alive"` // seconds between keepalive packets

	InTopic  string `env:"IN_TOPIC,default=signalk/delta" yaml:"in_topic"`
	OutTopic string `env:"OUT_TOPIC,default=signalk/request" yaml:"out_topic"`
}

const (
	qos = byte(1) // qos to utilise when publishing

	mqttQueueSize = 100
)

var errMQTTClosed = errors.New("mqtt connection closed")

// MQTTTransport dials an MQTT broker bridging a Signal K server
type MQTTTransport struct {
	Config MQTTConfig
}

func (t *MQTTTransport) Dial(ctx context.Context) (Conn, error) {
	parsedURL, err := url.Parse(t.Config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server URL (%s): %w", t.Config.ServerURL, err)
	}

	c := &mqttConn{
		cfg:   t.Config,
		queue: make(chan []byte, mqttQueueSize),
		done:  make(chan struct{}),
	}

	subscriptions := []paho.SubscribeOptions{
		{
			Topic: t.Config.InTopic,
			QoS:   qos,
		},
	}

	handler := func(msg *paho.Publish) {
		if msg.Topic != t.Config.InTopic {
			log.Debug().Msgf("Ignoring message on %s", msg.Topic)
			return
		}
		select {
		case c.queue <- msg.Payload:
		case <-c.done:
		}
	}

	cliCfg := autopaho.ClientConfig{
		BrokerUrls:                    []*url.URL{parsedURL},
		KeepAlive:                     t.Config.KeepAlive,
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info().Msg("MQTT connection up")
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: subscriptions,
			}); err != nil {
				log.Error().Msgf("Failed to subscribe: %s", err)
				return
			}
			log.Info().Msgf("MQTT subscription made: %s", t.Config.InTopic)
		},

		OnConnectError: func(err error) {
			log.Error().Msgf("Error whilst attempting connection: %s", err)
		},

		ClientConfig: paho.ClientConfig{
			Router: paho.NewStandardRouterWithDefault(handler),
			OnClientError: func(err error) {
				log.Error().Msgf("Client error: %s", err)
				c.fail(err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					log.Error().Msgf("Server requested disconnect: %s", d.Properties.ReasonString)
				} else {
					log.Error().Msgf("Server requested disconnect with reason code: %d", d.ReasonCode)
				}
				c.fail(fmt.Errorf("server disconnect (reason %d)", d.ReasonCode))
			},
		},
	}

	if t.Config.Username != "" {
		cliCfg.ConnectUsername = t.Config.Username
		cliCfg.ConnectPassword = []byte(t.Config.Password)
	}

	log.Info().Msgf("Connect to MQTT %s...", parsedURL.Host)
	// the connection manager outlives the dial context
	c.client, err = autopaho.NewConnection(context.Background(), cliCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	// Wait for the connection to come up
	if err = c.client.AwaitConnection(ctx); err != nil {
		_ = c.client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	return c, nil
}

type mqttConn struct {
	cfg    MQTTConfig
	client *autopaho.ConnectionManager
	queue  chan []byte

	once      sync.Once
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// fail ends the connection with err, later calls are ignored
func (c *mqttConn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *mqttConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.queue:
		return data, nil
	case <-c.done:
		return nil, c.err
	}
}

// Publish a request to the bridge
func (c *mqttConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return c.err
	default:
	}
	_, err := c.client.Publish(ctx, &paho.Publish{
		QoS:     qos,
		Topic:   c.cfg.OutTopic,
		Payload: data,
	})
	if err != nil {
		log.Error().Msgf("Failed to publish message: %s", err)
		return err
	}
	return nil
}

func (c *mqttConn) Close() error {
	c.fail(errMQTTClosed)
	var err error
	c.closeOnce.Do(func() {
		if err = c.client.Disconnect(context.Background()); err != nil {
			log.Error().Msgf("Failed to disconnect: %s", err)
			return
		}
		log.Info().Msg("Disconnected from MQTT")
	})
	return err
}
