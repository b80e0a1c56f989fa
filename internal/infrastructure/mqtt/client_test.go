package mqtt

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// =============================================================================
// Client State Tests (no broker required)
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	err := client.Close()
	if err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}

	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

// newDisconnectedClient returns a client that has never connected.
// Useful for exercising the record-and-replay subscription path.
func newDisconnectedClient() *Client {
	return &Client{
		subscriptions: make(map[string]subscription),
	}
}

func TestSubscribeDisconnected_Recorded(t *testing.T) {
	client := newDisconnectedClient()
	logger := &mockLogger{}
	client.SetLogger(logger)

	topic := Topics{}.AllTelemetry()
	err := client.Subscribe(topic, 1, func(string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe() while disconnected error = %v, want nil", err)
	}

	if !client.HasSubscription(topic) {
		t.Error("HasSubscription() = false, want true (recorded for replay)")
	}

	if client.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", client.SubscriptionCount())
	}

	logger.mu.Lock()
	warned := len(logger.warns) > 0
	logger.mu.Unlock()
	if !warned {
		t.Error("expected a deferred-subscription warning")
	}
}

func TestSubscribeEmptyTopic(t *testing.T) {
	client := newDisconnectedClient()

	err := client.Subscribe("", 1, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe() error = %v, want ErrInvalidTopic", err)
	}
}

func TestSubscribeInvalidQoS(t *testing.T) {
	client := newDisconnectedClient()

	err := client.Subscribe("test/topic", 3, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe() error = %v, want ErrInvalidQoS", err)
	}
}

func TestSubscribeNilHandler(t *testing.T) {
	client := newDisconnectedClient()

	err := client.Subscribe("test/topic", 1, nil)
	if err == nil {
		t.Error("Subscribe() with nil handler expected error")
	}
}

func TestUnsubscribeDisconnected(t *testing.T) {
	client := newDisconnectedClient()

	topic := Topics{}.AllStatus()
	if err := client.Subscribe(topic, 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := client.Unsubscribe(topic); err != nil {
		t.Errorf("Unsubscribe() while disconnected error = %v, want nil", err)
	}

	if client.HasSubscription(topic) {
		t.Error("HasSubscription() = true after Unsubscribe(), want false")
	}
}

func TestUnsubscribeEmptyTopic(t *testing.T) {
	client := newDisconnectedClient()

	err := client.Unsubscribe("")
	if !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe() error = %v, want ErrInvalidTopic", err)
	}
}

func TestPublishDisconnected(t *testing.T) {
	client := newDisconnectedClient()

	err := client.Publish("test/topic", []byte("test"), 1, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestPublishJSONDisconnected_BestEffort(t *testing.T) {
	client := newDisconnectedClient()
	logger := &mockLogger{}
	client.SetLogger(logger)

	err := client.PublishJSON(Topics{}.DeviceControl("dryer-001"), map[string]any{
		"command": "power",
		"value":   true,
	})
	if err != nil {
		t.Errorf("PublishJSON() while disconnected error = %v, want nil (best effort)", err)
	}

	logger.mu.Lock()
	warned := len(logger.warns) > 0
	logger.mu.Unlock()
	if !warned {
		t.Error("expected a dropped-publish warning")
	}
}

func TestPublishJSONEncodingError(t *testing.T) {
	client := newDisconnectedClient()

	err := client.PublishJSON("test/topic", func() {})
	if err == nil {
		t.Error("PublishJSON() with unmarshalable payload expected error")
	}
}

func TestPublishEmptyTopic(t *testing.T) {
	client := newDisconnectedClient()

	err := client.Publish("", []byte("test"), 1, false)
	if !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Publish() error = %v, want ErrInvalidTopic", err)
	}
}

func TestPublishInvalidQoS(t *testing.T) {
	client := newDisconnectedClient()

	err := client.Publish("test/topic", []byte("test"), 3, false)
	if !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Publish() error = %v, want ErrInvalidQoS", err)
	}
}

func TestMultipleSubscriptionsTracked(t *testing.T) {
	client := newDisconnectedClient()

	topics := []string{
		Topics{}.AllStatus(),
		Topics{}.AllTelemetry(),
		Topics{}.AllDiscovery(),
	}

	handler := func(string, []byte) error { return nil }

	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}

	if client.SubscriptionCount() != 3 {
		t.Errorf("SubscriptionCount() = %d, want 3", client.SubscriptionCount())
	}

	for _, topic := range topics {
		if !client.HasSubscription(topic) {
			t.Errorf("HasSubscription(%s) = false, want true", topic)
		}
	}
}

// =============================================================================
// Reconnect Replay Tests
// =============================================================================

// fakeToken is an always-successful paho token.
type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Error() error                   { return nil }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// fakePahoClient records subscribe calls so reconnect replay can be
// asserted without a broker.
type fakePahoClient struct {
	mu         sync.Mutex
	connected  bool
	subscribes []string
	published  []string
}

func (f *fakePahoClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePahoClient) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakePahoClient) Connect() pahomqtt.Token {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return fakeToken{}
}

func (f *fakePahoClient) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakePahoClient) Publish(topic string, _ byte, _ bool, _ interface{}) pahomqtt.Token {
	f.mu.Lock()
	f.published = append(f.published, topic)
	f.mu.Unlock()
	return fakeToken{}
}

func (f *fakePahoClient) Subscribe(topic string, _ byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	f.subscribes = append(f.subscribes, topic)
	f.mu.Unlock()
	return fakeToken{}
}

func (f *fakePahoClient) SubscribeMultiple(filters map[string]byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	for topic := range filters {
		f.subscribes = append(f.subscribes, topic)
	}
	f.mu.Unlock()
	return fakeToken{}
}

func (f *fakePahoClient) Unsubscribe(...string) pahomqtt.Token { return fakeToken{} }

func (f *fakePahoClient) AddRoute(string, pahomqtt.MessageHandler) {}

func (f *fakePahoClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func (f *fakePahoClient) setConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
}

func (f *fakePahoClient) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func (f *fakePahoClient) subscribesSince(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribes[n:]...)
}

// TestReconnectReplaysSubscriptions drives the connect handler across
// repeated disconnect/reconnect cycles and asserts every pattern
// registered since process start is re-issued to the broker each time.
func TestReconnectReplaysSubscriptions(t *testing.T) {
	paho := &fakePahoClient{}
	client := newDisconnectedClient()
	client.client = paho

	p1 := Topics{}.AllStatus()
	p2 := Topics{}.AllTelemetry()
	handler := func(string, []byte) error { return nil }

	// Both patterns are registered before any connection exists.
	if err := client.Subscribe(p1, 1, handler); err != nil {
		t.Fatalf("Subscribe(%s) error = %v", p1, err)
	}
	if err := client.Subscribe(p2, 1, handler); err != nil {
		t.Fatalf("Subscribe(%s) error = %v", p2, err)
	}
	if got := paho.subscribeCount(); got != 0 {
		t.Fatalf("broker subscribes before connect = %d, want 0", got)
	}

	for cycle := 1; cycle <= 3; cycle++ {
		before := paho.subscribeCount()
		paho.setConnected(true)
		client.handleConnect()

		if !client.IsConnected() {
			t.Fatalf("cycle %d: IsConnected() = false after connect", cycle)
		}
		replayed := make(map[string]bool)
		for _, topic := range paho.subscribesSince(before) {
			replayed[topic] = true
		}
		if !replayed[p1] || !replayed[p2] {
			t.Fatalf("cycle %d: replayed %v, want both %q and %q", cycle, replayed, p1, p2)
		}

		paho.setConnected(false)
		client.handleDisconnect(errors.New("connection lost"))
		if client.IsConnected() {
			t.Fatalf("cycle %d: IsConnected() = true after disconnect", cycle)
		}
	}
}

// =============================================================================
// Client Identity Tests
// =============================================================================

func TestGenerateClientID_Format(t *testing.T) {
	id := GenerateClientID("")

	// sard-{uuid8}-{unix}-{pid}-{host<=8}-{rand6}
	pattern := regexp.MustCompile(`^sard-[0-9a-f]{8}-\d+-\d+-[^-]{1,8}-[a-z0-9]{6}$`)
	if !pattern.MatchString(id) {
		t.Errorf("GenerateClientID(\"\") = %q, does not match expected format", id)
	}
}

func TestGenerateClientID_Prefix(t *testing.T) {
	id := GenerateClientID("bridge")

	if !strings.HasPrefix(id, "bridge-") {
		t.Errorf("GenerateClientID(\"bridge\") = %q, want bridge- prefix", id)
	}

	pattern := regexp.MustCompile(`^bridge-[a-z0-9]{6}-\d+$`)
	if !pattern.MatchString(id) {
		t.Errorf("GenerateClientID(\"bridge\") = %q, does not match expected format", id)
	}
}

func TestGenerateClientID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateClientID("")
		if seen[id] {
			t.Fatalf("GenerateClientID produced duplicate %q", id)
		}
		seen[id] = true
	}
}

// =============================================================================
// Topics Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		builder  func() string
		expected string
	}{
		{
			name: "Device",
			builder: func() string {
				return Topics{}.Device("dryer-001", "custom")
			},
			expected: "swissairdry/dryer-001/custom",
		},
		{
			name: "DeviceStatus",
			builder: func() string {
				return Topics{}.DeviceStatus("dryer-001")
			},
			expected: "swissairdry/dryer-001/status",
		},
		{
			name: "DeviceTelemetry",
			builder: func() string {
				return Topics{}.DeviceTelemetry("dryer-001")
			},
			expected: "swissairdry/dryer-001/telemetry",
		},
		{
			name: "DeviceControl",
			builder: func() string {
				return Topics{}.DeviceControl("dryer-001")
			},
			expected: "swissairdry/dryer-001/control",
		},
		{
			name: "DeviceConfig",
			builder: func() string {
				return Topics{}.DeviceConfig("dryer-001")
			},
			expected: "swissairdry/dryer-001/config",
		},
		{
			name: "DeviceCommand",
			builder: func() string {
				return Topics{}.DeviceCommand("dryer-001")
			},
			expected: "swissairdry/dryer-001/command",
		},
		{
			name: "DeviceTask",
			builder: func() string {
				return Topics{}.DeviceTask("dryer-001")
			},
			expected: "swissairdry/dryer-001/task",
		},
		{
			name: "DeviceWelcome",
			builder: func() string {
				return Topics{}.DeviceWelcome("dryer-001")
			},
			expected: "swissairdry/dryer-001/welcome",
		},
		{
			name: "DeviceOTAUpdate",
			builder: func() string {
				return Topics{}.DeviceOTAUpdate("dryer-001")
			},
			expected: "swissairdry/dryer-001/ota/update",
		},
		{
			name: "ServerStatus",
			builder: func() string {
				return Topics{}.ServerStatus()
			},
			expected: "swissairdry/server/status",
		},
		{
			name: "AllStatus",
			builder: func() string {
				return Topics{}.AllStatus()
			},
			expected: "swissairdry/+/status",
		},
		{
			name: "AllTelemetry",
			builder: func() string {
				return Topics{}.AllTelemetry()
			},
			expected: "swissairdry/+/telemetry",
		},
		{
			name: "AllDiscovery",
			builder: func() string {
				return Topics{}.AllDiscovery()
			},
			expected: "swissairdry/+/discovery",
		},
		{
			name: "AllLogs",
			builder: func() string {
				return Topics{}.AllLogs()
			},
			expected: "swissairdry/+/log",
		},
		{
			name: "AllTasks",
			builder: func() string {
				return Topics{}.AllTasks()
			},
			expected: "swissairdry/+/task",
		},
		{
			name: "AllOTAStatus",
			builder: func() string {
				return Topics{}.AllOTAStatus()
			},
			expected: "swissairdry/+/ota/status",
		},
		{
			name: "AllOTAProgress",
			builder: func() string {
				return Topics{}.AllOTAProgress()
			},
			expected: "swissairdry/+/ota/progress",
		},
		{
			name: "AllTopics",
			builder: func() string {
				return Topics{}.AllTopics()
			},
			expected: "swissairdry/#",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.builder()
			if result != tt.expected {
				t.Errorf("%s() = %q, want %q", tt.name, result, tt.expected)
			}
		})
	}
}

// mockLogger implements Logger interface for testing.
type mockLogger struct {
	errors []string
	warns  []string
	mu     sync.Mutex
}

func (l *mockLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}
