package footprint

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mockToken implements mqtt.Token for testing.
type mockToken struct {
	err error
}

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Error() error                   { return t.err }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// mockClient implements mqtt.Client for testing. Publishes are recorded;
// subscriptions are accepted and ignored.
type mockClient struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	connectCalls int
	publishErr   error
	published    []mockMessage
}

func newMockClient() *mockClient { return &mockClient{} }

func (c *mockClient) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *mockClient) setConnectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

func (c *mockClient) setPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

func (c *mockClient) messages() []mockMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mockMessage(nil), c.published...)
}

// decodeMessages unmarshals the payloads published to topic into T values.
func decodeMessages[T any](t *testing.T, c *mockClient, topic string) []T {
	t.Helper()
	var out []T
	for _, m := range c.messages() {
		if m.Topic != topic {
			continue
		}
		var v T
		if err := json.Unmarshal(m.Payload, &v); err != nil {
			t.Fatalf("decoding %s payload: %v", topic, err)
		}
		out = append(out, v)
	}
	return out
}

func (c *mockClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *mockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *mockClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	if c.connectErr == nil {
		c.connected = true
	}
	return &mockToken{err: c.connectErr}
}

func (c *mockClient) Disconnect(uint) { c.setConnected(false) }

func (c *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return &mockToken{err: mqtt.ErrNotConnected}
	}
	if c.publishErr != nil {
		return &mockToken{err: c.publishErr}
	}
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	c.published = append(c.published, mockMessage{Topic: topic, Payload: data, QoS: qos, Retain: retained})
	return &mockToken{}
}

func (c *mockClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return &mockToken{}
}

func (c *mockClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &mockToken{}
}

func (c *mockClient) Unsubscribe(...string) mqtt.Token        { return &mockToken{} }
func (c *mockClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *mockClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }
