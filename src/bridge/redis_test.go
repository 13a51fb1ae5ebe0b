package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBroadcastTarget records publications forwarded from the bridge.
type mockBroadcastTarget struct {
	mu       sync.Mutex
	received []types.Publication
}

func (m *mockBroadcastTarget) BroadcastToLocal(pub types.Publication) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, pub)
}

func (m *mockBroadcastTarget) all() []types.Publication {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Publication(nil), m.received...)
}

func TestRelayForwardsForeignPublications(t *testing.T) {
	target := &mockBroadcastTarget{}
	sender := NewRedisBridge(DefaultRedisConfig(), &mockBroadcastTarget{}, testLogger())
	receiver := NewRedisBridge(DefaultRedisConfig(), target, testLogger())

	pub := types.Publication{
		Destination: "/topic/feed",
		ContentType: "application/json",
		Body:        `{"id":1}`,
		Timestamp:   time.Now().Truncate(time.Millisecond),
	}
	data, err := sender.encode(pub)
	require.NoError(t, err)

	receiver.relay(data)

	got := target.all()
	require.Len(t, got, 1)
	assert.Equal(t, "/topic/feed", got[0].Destination)
	assert.Equal(t, `{"id":1}`, got[0].Body)
	assert.Equal(t, "application/json", got[0].ContentType)
	assert.True(t, pub.Timestamp.Equal(got[0].Timestamp))
}

func TestRelaySkipsOwnPublications(t *testing.T) {
	target := &mockBroadcastTarget{}
	b := NewRedisBridge(DefaultRedisConfig(), target, testLogger())

	data, err := b.encode(types.Publication{Destination: "/topic/feed", Body: "x"})
	require.NoError(t, err)
	b.relay(data)

	assert.Empty(t, target.all())
}

func TestRelayIgnoresGarbage(t *testing.T) {
	target := &mockBroadcastTarget{}
	b := NewRedisBridge(DefaultRedisConfig(), target, testLogger())

	b.relay([]byte("not json"))
	assert.Empty(t, target.all())
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, "orchestra:realtime:", cfg.Prefix)
	assert.False(t, cfg.Enabled)
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_REALTIME_PREFIX", "test:rt:")
	t.Setenv("REDIS_BRIDGE", "true")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, "redis.example.com:6380", cfg.Addr)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "test:rt:", cfg.Prefix)
	assert.True(t, cfg.Enabled)
}

func TestRedisConfigFromEnvDefaults(t *testing.T) {
	cfg := RedisConfigFromEnv()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, "orchestra:realtime:", cfg.Prefix)
	assert.False(t, cfg.Enabled)
}

func TestRedisConfigFromEnvInvalidValues(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("REDIS_BRIDGE", "maybe")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, 0, cfg.DB)
	assert.False(t, cfg.Enabled)
}

func TestRedisBridgeAvailableFalseBeforeStart(t *testing.T) {
	rb := NewRedisBridge(DefaultRedisConfig(), &mockBroadcastTarget{}, testLogger())
	assert.False(t, rb.Available())
}

func TestRedisBridgeStartFailsWithoutServer(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	rb := NewRedisBridge(cfg, &mockBroadcastTarget{}, testLogger())
	t.Cleanup(func() { _ = rb.Stop() })

	assert.Error(t, rb.Start())
	assert.False(t, rb.Available())
}

func TestRedisBridgeInstanceIDUnique(t *testing.T) {
	b1 := NewRedisBridge(DefaultRedisConfig(), &mockBroadcastTarget{}, testLogger())
	b2 := NewRedisBridge(DefaultRedisConfig(), &mockBroadcastTarget{}, testLogger())
	assert.NotEqual(t, b1.InstanceID(), b2.InstanceID())
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
