package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *doneToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeClient struct {
	mu          sync.Mutex
	opts        *mqtt.ClientOptions
	connectErr  error
	connected   bool
	subscribed  map[string]mqtt.MessageHandler
	subscribes  int
	disconnects int
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectErr != nil {
		return &doneToken{err: c.connectErr}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return &doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) Publish(string, byte, bool, interface{}) mqtt.Token { return &doneToken{} }

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed == nil {
		c.subscribed = make(map[string]mqtt.MessageHandler)
	}
	c.subscribed[topic] = cb
	c.subscribes++
	return &doneToken{}
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subscribed, t)
	}
	return &doneToken{}
}

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewOptionsReader(c.opts)
}

func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	cb := c.subscribed[topic]
	c.mu.Unlock()
	cb(c, &fakeMessage{topic: topic, payload: []byte(payload)})
}

func newTestSubscriber(t *testing.T, cfg MQTTConfig, fc *fakeClient) *MQTTSubscriber {
	t.Helper()
	s, err := NewMQTTSubscriber(cfg, nil)
	require.NoError(t, err)
	s.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		fc.opts = opts
		return fc
	}
	return s
}

func TestMQTTConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MQTTConfig
		wantErr string
	}{
		{"valid wss", MQTTConfig{BrokerURL: "wss://broker.example.com?jwt=abc", Topic: "live/keys"}, ""},
		{"valid tcp", MQTTConfig{BrokerURL: "tcp://localhost:1883", Topic: "k", QoS: 1}, ""},
		{"missing broker", MQTTConfig{Topic: "k"}, "broker url is required"},
		{"bad scheme", MQTTConfig{BrokerURL: "http://localhost", Topic: "k"}, "unsupported broker scheme"},
		{"missing topic", MQTTConfig{BrokerURL: "tcp://localhost:1883"}, "topic is required"},
		{"bad qos", MQTTConfig{BrokerURL: "tcp://localhost:1883", Topic: "k", QoS: 3}, "qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestClientOptions(t *testing.T) {
	s, err := NewMQTTSubscriber(MQTTConfig{
		BrokerURL: "wss://broker.example.com/mqtt",
		Topic:     "live/keys",
		ClientID:  "player-1",
		Username:  "user",
		Password:  "pass",
		KeepAlive: 15 * time.Second,
	}, nil)
	require.NoError(t, err)

	opts := s.clientOptions()
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "wss", opts.Servers[0].Scheme)
	assert.Equal(t, "player-1", opts.ClientID)
	assert.Equal(t, "user", opts.Username)
	assert.Equal(t, "pass", opts.Password)
	assert.Equal(t, int64(15), opts.KeepAlive)
	assert.Equal(t, DefaultConnectTimeout, opts.ConnectTimeout)
	assert.True(t, opts.CleanSession)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.ConnectRetry)
	assert.Equal(t, DefaultReconnectInterval, opts.MaxReconnectInterval)
}

func TestClientOptions_GeneratedClientID(t *testing.T) {
	s, err := NewMQTTSubscriber(MQTTConfig{BrokerURL: "tcp://localhost:1883", Topic: "k"}, nil)
	require.NoError(t, err)
	assert.Contains(t, s.clientOptions().ClientID, "keysync-")
}

func TestSubscribe_DeliversPayloads(t *testing.T) {
	fc := &fakeClient{}
	s := newTestSubscriber(t, MQTTConfig{BrokerURL: "tcp://localhost:1883", Topic: "live/keys"}, fc)

	var mu sync.Mutex
	var got []string
	require.NoError(t, s.Subscribe(context.Background(), func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(p))
	}))
	assert.True(t, s.Connected())

	fc.deliver("live/keys", `{"a":1}`)
	fc.deliver("live/keys", `{"b":2}`)
	mu.Lock()
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, got)
	mu.Unlock()

	// A reconnect resubscribes.
	fc.opts.OnConnect(fc)
	assert.Equal(t, 2, fc.subscribes)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, fc.disconnects)
	assert.False(t, s.Connected())
}

func TestSubscribe_Twice(t *testing.T) {
	fc := &fakeClient{}
	s := newTestSubscriber(t, MQTTConfig{BrokerURL: "tcp://localhost:1883", Topic: "k"}, fc)
	require.NoError(t, s.Subscribe(context.Background(), func([]byte) {}))
	assert.Error(t, s.Subscribe(context.Background(), func([]byte) {}))
	require.NoError(t, s.Close())
}

func TestSubscribe_ConnectError(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("not authorized")}
	s := newTestSubscriber(t, MQTTConfig{BrokerURL: "tcp://localhost:1883", Topic: "k"}, fc)

	err := s.Subscribe(context.Background(), func([]byte) {})
	assert.ErrorContains(t, err, "not authorized")
	assert.False(t, s.Connected())
	assert.Equal(t, 1, fc.disconnects)
}

func TestSubscribe_CancelledContext(t *testing.T) {
	fc := &fakeClient{}
	s := newTestSubscriber(t, MQTTConfig{BrokerURL: "tcp://localhost:1883", Topic: "k", ConnectTimeout: 50 * time.Millisecond}, fc)
	s.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		fc.opts = opts
		return &blockingClient{fakeClient: fc}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Subscribe(ctx, func([]byte) {})
	assert.ErrorIs(t, err, context.Canceled)
}

// blockingClient never completes its connect token.
type blockingClient struct {
	*fakeClient
}

type pendingToken struct{}

func (pendingToken) Wait() bool { select {} }
func (pendingToken) WaitTimeout(d time.Duration) bool {
	time.Sleep(d)
	return false
}
func (pendingToken) Done() <-chan struct{} { return make(chan struct{}) }
func (pendingToken) Error() error          { return nil }

func (c *blockingClient) Connect() mqtt.Token { return pendingToken{} }
