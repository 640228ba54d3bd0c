package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

const (
	testProject = "test-project"
	testTopic   = "projects/test-project/topics/work"
	testSub     = "projects/test-project/subscriptions/work-sub"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, testProject,
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: testTopic})
	require.NoError(t, err)
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               testSub,
		Topic:              testTopic,
		AckDeadlineSeconds: 10,
	})
	require.NoError(t, err)
	return client, srv
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Topic: testTopic}, nil)
	require.Error(t, err)

	client, _ := newTestClient(t)
	_, err = New(client, Config{}, nil)
	require.Error(t, err)
}

func TestEnqueuePublishesWorkUnit(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	q, err := New(client, Config{Topic: testTopic}, nil)
	require.NoError(t, err)
	defer q.Stop()

	unit := fanout.WorkUnit{Bucket: "bucket", Key: "inputs/chunks/chunk_3.txt"}
	require.NoError(t, q.Enqueue(context.Background(), unit))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got fanout.WorkUnit
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, unit, got)
	assert.Equal(t, "inputs/chunks/chunk_3.txt", msgs[0].Attributes["key"])
}

func TestReceiveRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	q, err := New(client, Config{Topic: testTopic, Subscription: testSub, MaxOutstanding: 1}, nil)
	require.NoError(t, err)
	defer q.Stop()

	require.NoError(t, q.Enqueue(context.Background(), fanout.WorkUnit{Bucket: "b", Key: "k"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var calls atomic.Int32
	err = q.Receive(ctx, func(_ context.Context, data []byte) error {
		var unit fanout.WorkUnit
		if err := json.Unmarshal(data, &unit); err != nil {
			return err
		}
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestReceiveAcksPermanentErrors(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	q, err := New(client, Config{Topic: testTopic, Subscription: testSub}, nil)
	require.NoError(t, err)
	defer q.Stop()

	require.NoError(t, q.Enqueue(context.Background(), fanout.WorkUnit{Bucket: "b", Key: "k"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		_ = q.Receive(ctx, func(context.Context, []byte) error {
			return fmt.Errorf("bad payload: %w", fanout.ErrPermanent)
		})
	}()

	require.Eventually(t, func() bool {
		msgs := srv.Messages()
		return len(msgs) == 1 && msgs[0].Acks > 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReceiveWithoutSubscription(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	q, err := New(client, Config{Topic: testTopic}, nil)
	require.NoError(t, err)
	require.Error(t, q.Receive(context.Background(), func(context.Context, []byte) error { return nil }))
}
