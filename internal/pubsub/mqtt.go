// Package pubsub implements the push transport for key messages over MQTT.
// Broker URLs may use the tcp, ssl, ws or wss schemes.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jmylchreest/keysync/internal/observability"
)

const (
	DefaultKeepAlive         = 10 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultReconnectInterval = time.Second
	DefaultQoS               = 0

	disconnectQuiesceMillis = 250
)

// ErrNotConnected is returned by Subscribe when the broker could not be reached
// within the connect timeout.
var ErrNotConnected = errors.New("mqtt: not connected")

// MQTTConfig configures an MQTTSubscriber.
type MQTTConfig struct {
	BrokerURL         string
	Topic             string
	ClientID          string
	Username          string
	Password          string
	QoS               byte
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
}

// Validate checks the required fields.
func (c MQTTConfig) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("mqtt: broker url is required")
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqtt: invalid broker url: %w", err)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("mqtt: unsupported broker scheme %q", u.Scheme)
	}
	if c.Topic == "" {
		return errors.New("mqtt: topic is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt: qos must be 0, 1 or 2, got %d", c.QoS)
	}
	return nil
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.ClientID == "" {
		c.ClientID = fmt.Sprintf("keysync-%d", time.Now().UnixNano())
	}
	return c
}

// MQTTSubscriber delivers every message on one topic to a handler. The
// subscription is re-established after each reconnect.
type MQTTSubscriber struct {
	cfg       MQTTConfig
	logger    *slog.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu      sync.Mutex
	client  mqtt.Client
	handler func([]byte)
}

// NewMQTTSubscriber validates cfg. No connection is made until Subscribe.
func NewMQTTSubscriber(cfg MQTTConfig, logger *slog.Logger) (*MQTTSubscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSubscriber{
		cfg:       cfg.withDefaults(),
		logger:    observability.WithComponent(logger, "mqtt_subscriber"),
		newClient: mqtt.NewClient,
	}, nil
}

// clientOptions builds the paho options for cfg.
func (s *MQTTSubscriber) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetKeepAlive(s.cfg.KeepAlive).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(s.cfg.ReconnectInterval).
		SetConnectRetry(true).
		SetConnectRetryInterval(s.cfg.ReconnectInterval).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
		}).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			s.logger.Debug("mqtt reconnecting", slog.String("broker", s.cfg.BrokerURL))
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	return opts
}

// Subscribe connects to the broker and subscribes handler to the topic. It
// returns once the first connection attempt completes or ctx is done. Payloads
// are handed over as received; the handler must not retain them past the call
// unless it copies.
func (s *MQTTSubscriber) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		return errors.New("mqtt: already subscribed")
	}
	s.handler = handler
	client := s.newClient(s.clientOptions())
	s.client = client
	s.mu.Unlock()

	s.logger.Info("connecting to mqtt broker",
		slog.String("broker", s.cfg.BrokerURL),
		slog.String("topic", s.cfg.Topic),
		slog.String("client_id", s.cfg.ClientID))

	token := client.Connect()
	done := make(chan struct{})
	go func() {
		token.WaitTimeout(s.cfg.ConnectTimeout)
		close(done)
	}()
	select {
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	case <-done:
	}
	if err := token.Error(); err != nil {
		_ = s.Close()
		return fmt.Errorf("connecting to %s: %w", s.cfg.BrokerURL, err)
	}
	if !client.IsConnected() {
		// ConnectRetry keeps trying in the background; onConnect subscribes
		// once it succeeds.
		s.logger.Warn("mqtt broker not reachable yet, retrying in background",
			slog.Duration("timeout", s.cfg.ConnectTimeout))
	}
	return nil
}

// onConnect (re)subscribes after every successful connection.
func (s *MQTTSubscriber) onConnect(client mqtt.Client) {
	token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
	go func() {
		if !token.WaitTimeout(s.cfg.ConnectTimeout) {
			s.logger.Error("mqtt subscribe timed out", slog.String("topic", s.cfg.Topic))
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Error("mqtt subscribe failed",
				slog.String("topic", s.cfg.Topic),
				slog.String("error", err.Error()))
			return
		}
		s.logger.Info("subscribed to key topic", slog.String("topic", s.cfg.Topic))
	}()
}

func (s *MQTTSubscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return
	}
	handler(msg.Payload())
}

// Connected reports whether the client currently holds a broker connection.
func (s *MQTTSubscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnected()
}

// Close unsubscribes and disconnects. It is safe to call repeatedly.
func (s *MQTTSubscriber) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.handler = nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}

	if client.IsConnected() {
		client.Unsubscribe(s.cfg.Topic).WaitTimeout(time.Second)
	}
	client.Disconnect(disconnectQuiesceMillis)
	s.logger.Info("mqtt subscriber closed")
	return nil
}
