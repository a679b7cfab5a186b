package memory_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shortlink-org/go-mediator/logger"
	wm "github.com/shortlink-org/go-mediator/watermill"
	"github.com/shortlink-org/go-mediator/watermill/backends/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newBackend(t *testing.T) *memory.Backend {
	t.Helper()

	log, err := logger.New(logger.Configuration{Writer: io.Discard, Level: logger.ERROR_LEVEL})
	require.NoError(t, err)

	backend := memory.New(log)
	t.Cleanup(func() { require.NoError(t, backend.Close()) })

	return backend
}

func subscribe(t *testing.T, backend *memory.Backend, group, topic string) <-chan *message.Message {
	t.Helper()

	sub, err := backend.Subscriber(wm.SubscribeOptions{ConsumerGroup: group})
	require.NoError(t, err)

	messages, err := sub.Subscribe(context.Background(), topic)
	require.NoError(t, err)

	t.Cleanup(func() { _ = sub.Close() })

	return messages
}

func receive(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()

	select {
	case msg := <-messages:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestGroupsEachReceiveACopy(t *testing.T) {
	backend := newBackend(t)

	a := subscribe(t, backend, "a", "orgs")
	b := subscribe(t, backend, "b", "orgs")

	msg := message.NewMessage(watermill.NewUUID(), []byte("created"))
	require.NoError(t, backend.Publisher().Publish("orgs", msg))

	assert.Equal(t, msg.UUID, receive(t, a).UUID)
	assert.Equal(t, msg.UUID, receive(t, b).UUID)
}

func TestReadersInGroupCompete(t *testing.T) {
	backend := newBackend(t)

	first := subscribe(t, backend, "workers", "jobs")
	second := subscribe(t, backend, "workers", "jobs")

	const total = 10
	for range total {
		require.NoError(t, backend.Publisher().Publish("jobs", message.NewMessage(watermill.NewUUID(), nil)))
	}

	seen := map[string]int{}
	deadline := time.After(3 * time.Second)

	for len(seen) < total {
		select {
		case msg := <-first:
			seen[msg.UUID]++
			msg.Ack()
		case msg := <-second:
			seen[msg.UUID]++
			msg.Ack()
		case <-deadline:
			t.Fatalf("received %d of %d", len(seen), total)
		}
	}

	for id, count := range seen {
		assert.Equal(t, 1, count, "message %s delivered more than once", id)
	}
}

func TestClosedSubscriberClosesChannel(t *testing.T) {
	backend := newBackend(t)

	sub, err := backend.Subscriber(wm.SubscribeOptions{ConsumerGroup: "g"})
	require.NoError(t, err)

	messages, err := sub.Subscribe(context.Background(), "topic")
	require.NoError(t, err)

	require.NoError(t, sub.Close())

	select {
	case _, ok := <-messages:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	_, err = sub.Subscribe(context.Background(), "topic")
	require.ErrorIs(t, err, memory.ErrClosed)
}
