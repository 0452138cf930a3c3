// Package messaging pushes gateway events onto a message broker so
// consumers can process them independently of the connection process.
package messaging

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/roostworks/gateway"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JetStreamProducer publishes every emitted event to a NATS JetStream
// stream, one subject per shard.
type JetStreamProducer struct {
	conn   *nats.Conn
	client jetstream.JetStream
	stream jetstream.Stream

	channel string
}

// NewJetStreamProducer connects to NATS and makes sure the stream exists.
func NewJetStreamProducer(ctx context.Context, address, channel string) (*JetStreamProducer, error) {
	conn, err := nats.Connect(address)
	if err != nil {
		return nil, fmt.Errorf("jetstream connect nats: %w", err)
	}

	client, err := jetstream.New(conn)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("jetstream new: %w", err)
	}

	stream, err := client.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              channel,
		Subjects:          []string{channel + ".*"},
		Retention:         jetstream.WorkQueuePolicy,
		Discard:           jetstream.DiscardOld,
		MaxAge:            5 * time.Minute,
		Storage:           jetstream.MemoryStorage,
		MaxMsgsPerSubject: 1_000_000,
		MaxMsgSize:        math.MaxInt32,
		NoAck:             false,
	})
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("jetstream create stream: %w", err)
	}

	return &JetStreamProducer{
		conn:    conn,
		client:  client,
		stream:  stream,
		channel: channel,
	}, nil
}

func (producer *JetStreamProducer) Publish(ctx context.Context, event gateway.Event) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("jetstream marshal payload: %w", err)
	}

	_, err = producer.client.Publish(
		ctx,
		producer.channel+"."+strconv.Itoa(int(event.ShardID)),
		data,
	)

	return err
}

func (producer *JetStreamProducer) Close() error {
	producer.conn.Close()

	return nil
}
