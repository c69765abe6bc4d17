package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestTopic(t *testing.T) (*pubsub.Topic, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "crawl-stats")
	require.NoError(t, err)
	return topic, srv
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()

	topic, srv := newTestTopic(t)
	pub := New(topic)
	t.Cleanup(pub.Close)

	id, err := pub.Publish(context.Background(), "crawl-stats", map[string]any{"target": "B07", "scrapedPages": 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, "B07", decoded["target"])
	require.InDelta(t, 3.0, decoded["scrapedPages"], 1e-9)
}

type snapshot struct {
	RunID string `json:"runId"`
	Stage string `json:"stage"`
}

func (s snapshot) MessageAttributes() map[string]string {
	return map[string]string{"runId": s.RunID, "stage": s.Stage, "target": ""}
}

func TestPublisherCopiesAttributes(t *testing.T) {
	t.Parallel()

	topic, srv := newTestTopic(t)
	pub := New(topic)
	t.Cleanup(pub.Close)

	_, err := pub.Publish(context.Background(), "crawl-stats", snapshot{RunID: "r1", Stage: "RUN_DONE"})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "r1", msgs[0].Attributes["runId"])
	require.Equal(t, "RUN_DONE", msgs[0].Attributes["stage"])
	require.NotContains(t, msgs[0].Attributes, "target", "empty attributes are dropped")
}

func TestPublisherErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)

	topic, _ := newTestTopic(t)
	_, err = New(topic).Publish(context.Background(), "t", func() {})
	require.Error(t, err, "unmarshalable payloads are rejected")
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
