package messaging

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/directchat/internal/store"
)

func newTestClient(t *testing.T, name string) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = name
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestDelivery_ReachesOtherNodesOnly(t *testing.T) {
	a := newTestClient(t, "test-node-a")
	b := newTestClient(t, "test-node-b")

	gotA := make(chan store.Message, 1)
	gotB := make(chan store.Message, 1)
	require.NoError(t, a.SubscribeDelivery(func(m store.Message) { gotA <- m }))
	require.NoError(t, b.SubscribeDelivery(func(m store.Message) { gotB <- m }))
	require.NoError(t, a.Flush())
	require.NoError(t, b.Flush())

	sent := store.Message{ID: "m1", Sender: "alice", Recipient: "bob", Text: "hi"}
	require.NoError(t, a.PublishDelivery(sent))

	select {
	case m := <-gotB:
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "bob", m.Recipient)
		assert.Equal(t, "hi", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("node b did not receive the delivery")
	}

	select {
	case m := <-gotA:
		t.Fatalf("origin node received its own delivery: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeDelivery(t *testing.T) {
	c := newTestClient(t, "test-node-c")
	require.NoError(t, c.SubscribeDelivery(func(store.Message) {}))
	assert.NoError(t, c.UnsubscribeDelivery())
	assert.Error(t, c.UnsubscribeDelivery())
}
