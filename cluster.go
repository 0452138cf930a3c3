package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/roostworks/gateway/pkg/syncmap"
)

// Event is one gateway dispatch tagged with the shard that produced it.
// Events from a single shard arrive in gateway order; no ordering holds
// across shards.
type Event struct {
	Payload *GatewayPayload
	ShardID int32
}

// Producer receives every event the cluster emits, alongside the consumer
// channel. Used to push dispatches onto a message broker.
type Producer interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Cluster owns a set of shards over one bot token: it lays them out,
// connects them through a shared connect queue, merges their events into
// one stream and replaces shards whose run loop dies.
type Cluster struct {
	Logger *slog.Logger

	identifier    string
	configuration *Configuration

	gatewayClient *GatewayClient

	connectQueue *ConnectQueue

	Shards *syncmap.Map[int32, *Shard]

	shardCount                 *atomic.Int32
	sessionStartLimitRemaining *atomic.Int32
	sessionStartLimitResetAt   *atomic.Pointer[time.Time]

	events chan Event
	errors chan error

	closeStreamsOnce sync.Once

	producer Producer

	Status *atomic.Int32

	started  atomic.Bool
	stopping atomic.Bool

	wg sync.WaitGroup

	runCtx context.Context
	cancel context.CancelFunc
}

func NewCluster(logger *slog.Logger, configuration *Configuration) (*Cluster, error) {
	if configuration.BotToken == "" {
		return nil, ErrClusterMissingToken
	}

	configuration.applyDefaults()

	cluster := &Cluster{
		Logger: logger.With("identifier", configuration.Identifier),

		identifier:    configuration.Identifier,
		configuration: configuration,

		gatewayClient: NewGatewayClient(configuration.BotToken),

		Shards: &syncmap.Map[int32, *Shard]{},

		shardCount:                 &atomic.Int32{},
		sessionStartLimitRemaining: &atomic.Int32{},
		sessionStartLimitResetAt:   &atomic.Pointer[time.Time]{},

		events: make(chan Event, ShardEventBuffer*4),
		errors: make(chan error, 16),

		Status: &atomic.Int32{},
	}

	return cluster, nil
}

// SetProducer attaches a producer that mirrors every emitted event. Must
// be called before Start.
func (cluster *Cluster) SetProducer(producer Producer) {
	cluster.producer = producer
}

func (cluster *Cluster) SetStatus(status ClusterStatus) {
	cluster.Status.Store(int32(status))
	cluster.Logger.Info("Cluster status updated", "status", status.String())

	UpdateClusterStatus(cluster.identifier, status)
}

func (cluster *Cluster) GetStatus() ClusterStatus {
	return ClusterStatus(cluster.Status.Load())
}

// Start lays out the shards and launches them. It returns once every shard
// has been handed to its supervisor; use WaitUntilReady to block until the
// shards are connected. Cancelling ctx shuts the whole cluster down.
func (cluster *Cluster) Start(ctx context.Context) error {
	if !cluster.started.CompareAndSwap(false, true) {
		return ErrClusterAlreadyStarted
	}

	cluster.SetStatus(ClusterStatusStarting)

	connectionInfo, err := cluster.gatewayClient.FetchConnectionInfo(ctx)
	if err != nil {
		cluster.SetStatus(ClusterStatusFailed)

		return fmt.Errorf("failed to fetch connection info: %w", err)
	}

	cluster.Logger.Info("Fetched connection info",
		"url", connectionInfo.URL,
		"recommended_shards", connectionInfo.Shards,
		"identify_remaining", connectionInfo.SessionStartLimit.Remaining,
		"max_concurrency", connectionInfo.SessionStartLimit.MaxConcurrency,
	)

	configuration := cluster.configuration

	if configuration.GatewayURL == DefaultGatewayURL && connectionInfo.URL != "" {
		configuration.GatewayURL = connectionInfo.URL
	}

	shardCount := configuration.ShardCount
	if configuration.AutoSharded || shardCount == 0 {
		shardCount = connectionInfo.Shards
	}

	if shardCount <= 0 {
		cluster.SetStatus(ClusterStatusFailed)

		return ErrClusterMissingShards
	}

	cluster.shardCount.Store(shardCount)
	cluster.storeSessionStartLimit(connectionInfo.SessionStartLimit)

	var shardIDs []int32
	if configuration.ShardIDs != "" {
		shardIDs = returnRangeInt32(configuration.ShardIDs, shardCount)
	} else {
		for i := int32(0); i < shardCount; i++ {
			shardIDs = append(shardIDs, i)
		}
	}

	shardIDs = filterShardsForNode(shardIDs, configuration.NodeCount, configuration.NodeID)

	if len(shardIDs) == 0 {
		cluster.SetStatus(ClusterStatusFailed)

		return ErrClusterMissingShards
	}

	maxConcurrency := connectionInfo.SessionStartLimit.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	cluster.connectQueue, err = NewConnectQueue(cluster.Logger, maxConcurrency, IdentifyRateLimit, IdentifyHoldTimeout)
	if err != nil {
		cluster.SetStatus(ClusterStatusFailed)

		return fmt.Errorf("failed to create connect queue: %w", err)
	}

	cluster.runCtx, cluster.cancel = context.WithCancel(ctx)

	cluster.SetStatus(ClusterStatusConnecting)

	cluster.Logger.Info("Starting shards", "shard_count", shardCount, "shard_ids", shardIDs)

	for _, shardID := range shardIDs {
		cluster.startShard(shardID)
	}

	return nil
}

func (cluster *Cluster) storeSessionStartLimit(limit SessionStartLimit) {
	resetAt := time.Now().Add(time.Duration(limit.ResetAfter) * time.Millisecond)

	cluster.sessionStartLimitRemaining.Store(limit.Remaining)
	cluster.sessionStartLimitResetAt.Store(&resetAt)
}

// claimIdentify consumes one session start from the daily budget. When the
// budget is exhausted it blocks until the window resets, refetches the
// limit, and tries again.
func (cluster *Cluster) claimIdentify(ctx context.Context) error {
	for {
		remaining := cluster.sessionStartLimitRemaining.Load()
		if remaining > 0 {
			if cluster.sessionStartLimitRemaining.CompareAndSwap(remaining, remaining-1) {
				return nil
			}

			continue
		}

		var wait time.Duration
		if resetAt := cluster.sessionStartLimitResetAt.Load(); resetAt != nil {
			wait = time.Until(*resetAt)
		}

		if wait <= 0 {
			wait = time.Second
		}

		cluster.Logger.Warn("Session start budget exhausted, waiting for reset", "wait", wait)

		timer := time.NewTimer(wait)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		}

		connectionInfo, err := cluster.gatewayClient.FetchConnectionInfo(ctx)
		if err != nil {
			return fmt.Errorf("failed to refresh session start limit: %w", err)
		}

		cluster.storeSessionStartLimit(connectionInfo.SessionStartLimit)
	}
}

func (cluster *Cluster) startShard(shardID int32) {
	shard := NewShard(cluster, shardID)

	cluster.Shards.Store(shardID, shard)

	cluster.wg.Add(2)

	go cluster.forward(shard)
	go cluster.supervise(shard)
}

// supervise waits on one shard's run loop. Permanent gateway rejections
// are surfaced to the owner; any other unexpected termination replaces
// the shard with a fresh one under the same id.
func (cluster *Cluster) supervise(shard *Shard) {
	defer cluster.wg.Done()

	err := shard.Run(cluster.runCtx)
	if err == nil {
		return
	}

	var fatalError *FatalError
	if errors.As(err, &fatalError) || cluster.stopping.Load() || cluster.runCtx.Err() != nil {
		cluster.sendError(err)

		return
	}

	cluster.Logger.Warn("Replacing shard after unexpected termination", "shard_id", shard.ShardID, "error", err)

	RecordShardReplacement(cluster.identifier)
	cluster.sendError(err)

	cluster.startShard(shard.ShardID)
}

// forward drains one shard's buffer into the merged stream, preserving
// that shard's order. Exits when the shard's run loop closes the buffer.
func (cluster *Cluster) forward(shard *Shard) {
	defer cluster.wg.Done()

	for payload := range shard.events {
		event := Event{ShardID: shard.ShardID, Payload: payload}

		if cluster.producer != nil {
			err := cluster.producer.Publish(cluster.runCtx, event)
			if err != nil {
				cluster.Logger.Error("Failed to publish event", "error", err, "shard_id", shard.ShardID)
			}
		}

		select {
		case cluster.events <- event:
		case <-cluster.runCtx.Done():
			return
		}
	}
}

// Events returns the merged event stream. Closed by Shutdown.
func (cluster *Cluster) Events() <-chan Event {
	return cluster.events
}

// Errors surfaces terminal shard errors, permanent gateway rejections
// among them. The cluster does not stop on its own when one appears.
func (cluster *Cluster) Errors() <-chan error {
	return cluster.errors
}

func (cluster *Cluster) sendError(err error) {
	select {
	case cluster.errors <- err:
	default:
		cluster.Logger.Warn("Dropped cluster error, nobody is listening", "error", err)
	}
}

// WaitUntilReady blocks until every shard has reached Connected once, or
// any shard fails terminally.
func (cluster *Cluster) WaitUntilReady(ctx context.Context) error {
	var waitErr error

	cluster.Shards.Range(func(_ int32, shard *Shard) bool {
		waitErr = shard.WaitForReady(ctx)

		return waitErr == nil
	})

	if waitErr != nil {
		return waitErr
	}

	cluster.SetStatus(ClusterStatusReady)

	return nil
}

// Shutdown stops every shard, waits for supervisors and forwarders to
// drain within ctx, then closes the event and error streams.
func (cluster *Cluster) Shutdown(ctx context.Context) error {
	cluster.stopping.Store(true)

	cluster.SetStatus(ClusterStatusStopping)

	cluster.Shards.Range(func(_ int32, shard *Shard) bool {
		shard.Stop(websocket.StatusNormalClosure)

		return true
	})

	if cluster.connectQueue != nil {
		cluster.connectQueue.Close()
	}

	if cluster.cancel != nil {
		cluster.cancel()
	}

	done := make(chan struct{})

	go func() {
		cluster.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Consumers ranging over Events must still be released, so the
		// streams close once the stragglers finish draining.
		go func() {
			<-done
			cluster.closeStreams()
		}()

		return ctx.Err()
	}

	cluster.closeStreams()

	if cluster.producer != nil {
		err := cluster.producer.Close()
		if err != nil {
			cluster.Logger.Error("Failed to close producer", "error", err)
		}
	}

	cluster.SetStatus(ClusterStatusStopped)

	return nil
}

func (cluster *Cluster) closeStreams() {
	cluster.closeStreamsOnce.Do(func() {
		close(cluster.events)
		close(cluster.errors)
	})
}

// Shard returns the shard with the given id.
func (cluster *Cluster) Shard(shardID int32) (*Shard, error) {
	shard, ok := cluster.Shards.Load(shardID)
	if !ok {
		return nil, ErrShardNotFound
	}

	return shard, nil
}

// ShardIDForGuild returns the shard a guild's events arrive on.
func (cluster *Cluster) ShardIDForGuild(guildID int64) int32 {
	return int32((guildID >> 22) % int64(cluster.shardCount.Load()))
}

// ShardStatus returns the status of one shard.
func (cluster *Cluster) ShardStatus(shardID int32) (ShardStatus, error) {
	shard, err := cluster.Shard(shardID)
	if err != nil {
		return ShardStatusDisconnected, err
	}

	return shard.GetStatus(), nil
}

// ShardLatency returns the last heartbeat round trip of one shard.
func (cluster *Cluster) ShardLatency(shardID int32) (time.Duration, error) {
	shard, err := cluster.Shard(shardID)
	if err != nil {
		return 0, err
	}

	return shard.Latency()
}

// UpdatePresence changes the bot's presence on every shard.
func (cluster *Cluster) UpdatePresence(ctx context.Context, status UpdateStatus) error {
	var updateErr error

	cluster.Shards.Range(func(_ int32, shard *Shard) bool {
		updateErr = shard.UpdatePresence(ctx, status)

		return updateErr == nil
	})

	return updateErr
}

// RequestGuildMembers routes a member chunk request to the shard that
// owns the guild.
func (cluster *Cluster) RequestGuildMembers(ctx context.Context, request RequestGuildMembers) error {
	shard, err := cluster.Shard(cluster.ShardIDForGuild(request.GuildID))
	if err != nil {
		return err
	}

	return shard.RequestGuildMembers(ctx, request)
}

// UpdateVoiceState routes a voice state change to the shard that owns
// the guild.
func (cluster *Cluster) UpdateVoiceState(ctx context.Context, state UpdateVoiceState) error {
	shard, err := cluster.Shard(cluster.ShardIDForGuild(state.GuildID))
	if err != nil {
		return err
	}

	return shard.UpdateVoiceState(ctx, state)
}
