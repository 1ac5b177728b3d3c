package pubsub_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pspublisher "github.com/JakeFAU/preprint-harvester/internal/publisher/pubsub"
)

func TestPublisherDeliversJSON(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "ingested")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "ingested-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub := pspublisher.New(client)
	id, err := pub.Publish(ctx, "ingested", map[string]any{"doi": "10.1101/x", "version": 1})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	received := make(chan *pubsub.Message, 1)
	recvCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case received <- msg:
			default:
			}
		})
	}()

	select {
	case msg := <-received:
		require.JSONEq(t, `{"doi":"10.1101/x","version":1}`, string(msg.Data))
		require.Equal(t, "application/json", msg.Attributes["content_type"])
	case <-ctx.Done():
		t.Fatal("message not received")
	}
	require.NoError(t, pub.Close())
}

func TestPublisherValidates(t *testing.T) {
	t.Parallel()

	_, err := pspublisher.New(nil).Publish(context.Background(), "t", 1)
	require.Error(t, err)

	_, err = pspublisher.Connect(context.Background(), pspublisher.Config{})
	require.Error(t, err)
}
