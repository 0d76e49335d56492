package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "job-progress", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "risk-update", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "job-progress", msgs[0].Topic)

	// Messages returns a copy.
	msgs[0].Topic = "modified"
	require.Equal(t, "job-progress", pub.Messages()[0].Topic)

	require.Len(t, pub.ByTopic("risk-update"), 1)
	pub.Reset()
	require.Empty(t, pub.Messages())
}
