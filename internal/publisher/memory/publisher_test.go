package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New(0)
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "topic-a", msgs[0].Topic)
	assert.Equal(t, "topic-b", msgs[1].Topic)
	assert.False(t, msgs[0].PublishedAt.IsZero())

	msgs[0].Topic = "modified"
	assert.Equal(t, "topic-a", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestPublisherEvictsOldest(t *testing.T) {
	t.Parallel()

	pub := New(2)
	for _, topic := range []string{"a", "b", "a"} {
		_, err := pub.Publish(context.Background(), topic, nil)
		require.NoError(t, err)
	}

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "memory-2", msgs[0].ID)
	assert.Equal(t, "memory-3", msgs[1].ID)

	byTopic := pub.ByTopic("a")
	require.Len(t, byTopic, 1)
	assert.Equal(t, "memory-3", byTopic[0].ID)
	assert.Empty(t, pub.ByTopic("missing"))
}
