package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRestServer(t *testing.T, gatewayURL string, shards, maxConcurrency int32) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot test-token", r.Header.Get("Authorization"))

		fmt.Fprintf(w,
			`{"url":%q,"shards":%d,"session_start_limit":{"total":1000,"remaining":999,"reset_after":0,"max_concurrency":%d}}`,
			gatewayURL, shards, maxConcurrency,
		)
	}))

	t.Cleanup(server.Close)

	return server
}

func newTestCluster(t *testing.T, restURL string) *Cluster {
	t.Helper()

	configuration := &Configuration{
		Identifier:            "test",
		BotToken:              "test-token",
		Compression:           CompressionNone,
		AutoSharded:           true,
		ResumeWindow:          time.Minute,
		ReconnectBackoffFloor: 5 * time.Millisecond,
		ReconnectBackoffCap:   20 * time.Millisecond,
		StableConnectionAge:   time.Hour,
	}

	cluster, err := NewCluster(testLogger(), configuration)
	require.NoError(t, err)

	cluster.gatewayClient.Endpoint = restURL

	return cluster
}

// identifyAndServe is a gateway handler that completes the handshake and
// then streams one TEST_EVENT carrying the shard id it saw in the
// identify.
func identifyAndServe(resumeURL string) func(ctx context.Context, conn *websocket.Conn, connection int32) {
	return func(ctx context.Context, conn *websocket.Conn, _ int32) {
		if sendHello(ctx, conn, 45000) != nil {
			return
		}

		payload, err := readClientPayload(ctx, conn)
		if err != nil || payload.Op != GatewayOpIdentify {
			return
		}

		var identify Identify
		if json.Unmarshal(payload.Data, &identify) != nil {
			return
		}

		shardID := identify.Shard[0]

		_ = sendJSON(ctx, conn, fmt.Sprintf(
			`{"op":0,"t":"READY","s":1,"d":{"v":10,"session_id":"sess-%d","resume_gateway_url":"%s"}}`,
			shardID, resumeURL,
		))
		_ = sendJSON(ctx, conn, fmt.Sprintf(
			`{"op":0,"t":"TEST_EVENT","s":2,"d":{"shard":%d}}`, shardID,
		))

		drain(ctx, conn)
	}
}

func TestClusterRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := NewCluster(testLogger(), &Configuration{})
	assert.ErrorIs(t, err, ErrClusterMissingToken)
}

func TestClusterMergedEventStream(t *testing.T) {
	restore := IdentifyRateLimit
	IdentifyRateLimit = 5 * time.Millisecond

	t.Cleanup(func() {
		IdentifyRateLimit = restore
	})

	var fg *fakeGateway

	fg = newFakeGateway(t, func(ctx context.Context, conn *websocket.Conn, connection int32) {
		identifyAndServe(fg.URL())(ctx, conn, connection)
	})

	rest := newRestServer(t, fg.URL(), 2, 1)
	cluster := newTestCluster(t, rest.URL)

	require.NoError(t, cluster.Start(context.Background()))

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = cluster.Shutdown(shutdownCtx)
	})

	readyCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, cluster.WaitUntilReady(readyCtx))
	assert.Equal(t, ClusterStatusReady, cluster.GetStatus())

	// Every event carries the id of the shard it came from, and both
	// shards land in the one stream.
	seen := map[int32]bool{}
	timeout := time.After(10 * time.Second)

	for len(seen) < 2 {
		select {
		case event := <-cluster.Events():
			if event.Payload.Type != "TEST_EVENT" {
				continue
			}

			var data struct {
				Shard int32 `json:"shard"`
			}

			require.NoError(t, json.Unmarshal(event.Payload.Data, &data))
			assert.Equal(t, data.Shard, event.ShardID)

			seen[event.ShardID] = true
		case <-timeout:
			t.Fatalf("timed out, saw events from %d shards", len(seen))
		}
	}

	assert.True(t, seen[0])
	assert.True(t, seen[1])

	status, err := cluster.ShardStatus(0)
	require.NoError(t, err)
	assert.Equal(t, ShardStatusConnected, status)
}

func TestClusterShutdownClosesEventStream(t *testing.T) {
	var fg *fakeGateway

	fg = newFakeGateway(t, func(ctx context.Context, conn *websocket.Conn, connection int32) {
		identifyAndServe(fg.URL())(ctx, conn, connection)
	})

	rest := newRestServer(t, fg.URL(), 1, 1)
	cluster := newTestCluster(t, rest.URL)

	require.NoError(t, cluster.Start(context.Background()))

	readyCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, cluster.WaitUntilReady(readyCtx))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	require.NoError(t, cluster.Shutdown(shutdownCtx))
	assert.Equal(t, ClusterStatusStopped, cluster.GetStatus())

	// The stream drains whatever is buffered and then ends.
	deadline := time.After(5 * time.Second)

	for {
		select {
		case _, ok := <-cluster.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream never closed")
		}
	}
}

func TestClusterIdentifyBudgetBlocksUntilReset(t *testing.T) {
	t.Parallel()

	rest := newRestServer(t, "http://127.0.0.1:0", 1, 1)
	cluster := newTestCluster(t, rest.URL)

	resetAt := time.Now().Add(75 * time.Millisecond)
	cluster.sessionStartLimitRemaining.Store(0)
	cluster.sessionStartLimitResetAt.Store(&resetAt)

	start := time.Now()

	// An exhausted budget holds the identify until the window resets,
	// then the refetched limit is claimed from.
	require.NoError(t, cluster.claimIdentify(context.Background()))

	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
	assert.Equal(t, int32(998), cluster.sessionStartLimitRemaining.Load())
}

func TestClusterIdentifyBudgetHonoursContext(t *testing.T) {
	t.Parallel()

	cluster := newTestCluster(t, "http://127.0.0.1:0")

	resetAt := time.Now().Add(time.Hour)
	cluster.sessionStartLimitRemaining.Store(0)
	cluster.sessionStartLimitResetAt.Store(&resetAt)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := cluster.claimIdentify(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClusterShutdownExpiredContextStillClosesStreams(t *testing.T) {
	var fg *fakeGateway

	fg = newFakeGateway(t, func(ctx context.Context, conn *websocket.Conn, connection int32) {
		identifyAndServe(fg.URL())(ctx, conn, connection)
	})

	rest := newRestServer(t, fg.URL(), 1, 1)
	cluster := newTestCluster(t, rest.URL)

	require.NoError(t, cluster.Start(context.Background()))

	readyCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, cluster.WaitUntilReady(readyCtx))

	expired, cancelExpired := context.WithCancel(context.Background())
	cancelExpired()

	err := cluster.Shutdown(expired)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}

	// Even when Shutdown gives up waiting, the streams close once the
	// shards drain, so consumers ranging over Events are released.
	deadline := time.After(5 * time.Second)

	for {
		select {
		case _, ok := <-cluster.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream never closed")
		}
	}
}

func TestClusterSurfacesPermanentErrors(t *testing.T) {
	fg := newFakeGateway(t, func(ctx context.Context, conn *websocket.Conn, _ int32) {
		if sendHello(ctx, conn, 45000) != nil {
			return
		}

		if _, err := readClientPayload(ctx, conn); err != nil {
			return
		}

		_ = conn.Close(CloseDisallowedIntents, "Disallowed intent(s).")
	})

	rest := newRestServer(t, fg.URL(), 1, 1)
	cluster := newTestCluster(t, rest.URL)

	require.NoError(t, cluster.Start(context.Background()))

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = cluster.Shutdown(shutdownCtx)
	})

	select {
	case err := <-cluster.Errors():
		var fatalError *FatalError

		require.ErrorAs(t, err, &fatalError)
		assert.Equal(t, CloseDisallowedIntents, fatalError.Code)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the permanent error")
	}

	// A permanent rejection must not trigger a replacement shard.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fg.connections.Load())

	status, err := cluster.ShardStatus(0)
	require.NoError(t, err)
	assert.Equal(t, ShardStatusFailed, status)
}

func TestClusterStartTwice(t *testing.T) {
	var fg *fakeGateway

	fg = newFakeGateway(t, func(ctx context.Context, conn *websocket.Conn, connection int32) {
		identifyAndServe(fg.URL())(ctx, conn, connection)
	})

	rest := newRestServer(t, fg.URL(), 1, 1)
	cluster := newTestCluster(t, rest.URL)

	require.NoError(t, cluster.Start(context.Background()))

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = cluster.Shutdown(shutdownCtx)
	})

	assert.ErrorIs(t, cluster.Start(context.Background()), ErrClusterAlreadyStarted)
}

func TestClusterShardLookup(t *testing.T) {
	t.Parallel()

	cluster := newTestCluster(t, "http://127.0.0.1:0")

	_, err := cluster.Shard(99)
	assert.ErrorIs(t, err, ErrShardNotFound)

	_, err = cluster.ShardStatus(99)
	assert.ErrorIs(t, err, ErrShardNotFound)

	_, err = cluster.ShardLatency(99)
	assert.ErrorIs(t, err, ErrShardNotFound)
}

func TestClusterGuildRoutedCommands(t *testing.T) {
	t.Parallel()

	cluster := newTestCluster(t, "http://127.0.0.1:0")
	cluster.shardCount.Store(16)
	cluster.Shards.Store(3, NewShard(cluster, 3))

	ctx := context.Background()

	// Shard 3 is not connected, so the command parks in its queue.
	require.NoError(t, cluster.RequestGuildMembers(ctx, RequestGuildMembers{GuildID: int64(3) << 22}))
	require.NoError(t, cluster.UpdateVoiceState(ctx, UpdateVoiceState{GuildID: int64(3) << 22}))

	// Guilds on shards this node does not own are rejected.
	err := cluster.RequestGuildMembers(ctx, RequestGuildMembers{GuildID: int64(7) << 22})
	assert.ErrorIs(t, err, ErrShardNotFound)
}

func TestClusterShardIDForGuild(t *testing.T) {
	t.Parallel()

	cluster := newTestCluster(t, "http://127.0.0.1:0")
	cluster.shardCount.Store(16)

	// shard = (guild_id >> 22) % shard_count
	assert.Equal(t, int32(7), cluster.ShardIDForGuild(int64(7)<<22))
	assert.Equal(t, int32(3), cluster.ShardIDForGuild(int64(19)<<22))
}
