package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WelcomerTeam/czlib"
	"github.com/coder/websocket"

	"github.com/roostworks/gateway/pkg/limiter"
	"github.com/roostworks/gateway/pkg/zlibstream"
)

type pendingCommand struct {
	op   GatewayOp
	data any
}

type Shard struct {
	Logger *slog.Logger

	cluster *Cluster

	ShardID int32

	session *Session

	StartedAt   *atomic.Pointer[time.Time]
	ConnectedAt *atomic.Pointer[time.Time]

	HeartbeatActive   *atomic.Bool
	LastHeartbeatAck  *atomic.Pointer[time.Time]
	LastHeartbeatSent *atomic.Pointer[time.Time]
	GatewayLatency    *atomic.Int64

	heartbeatInterval *atomic.Pointer[time.Duration]
	missedAcks        *atomic.Int32
	zombied           *atomic.Bool

	// Closed when the current connection's heartbeat goroutine exits.
	// The run loop waits on it before dialing again so two heartbeaters
	// never overlap.
	heartbeatDone chan struct{}

	websocketConn *atomic.Pointer[websocket.Conn]

	websocketRatelimit *limiter.DurationLimiter

	inflater *zlibstream.Inflater

	// Emission buffer drained by the cluster's forwarder. Closed when the
	// run loop returns.
	events chan *GatewayPayload

	commandsMu      sync.Mutex
	pendingCommands []pendingCommand

	ready chan struct{}
	error chan error

	stop     chan struct{}
	stopOnce sync.Once

	Status *atomic.Int32

	permit *atomic.Pointer[Permit]
}

func NewShard(cluster *Cluster, shardID int32) *Shard {
	shard := &Shard{
		Logger: cluster.Logger.With("shard_id", shardID),

		cluster: cluster,

		ShardID: shardID,

		session: NewSession(),

		StartedAt:   &atomic.Pointer[time.Time]{},
		ConnectedAt: &atomic.Pointer[time.Time]{},

		HeartbeatActive:   &atomic.Bool{},
		LastHeartbeatAck:  &atomic.Pointer[time.Time]{},
		LastHeartbeatSent: &atomic.Pointer[time.Time]{},
		GatewayLatency:    &atomic.Int64{},

		heartbeatInterval: &atomic.Pointer[time.Duration]{},
		missedAcks:        &atomic.Int32{},
		zombied:           &atomic.Bool{},

		websocketConn: &atomic.Pointer[websocket.Conn]{},

		// We have a ratelimit of 120 messages per minute we can send to the
		// gateway. We use less than 120/minute to account for heartbeating.
		websocketRatelimit: limiter.NewDurationLimiter(GatewayWriteLimit, GatewayWriteLimitWindow),

		inflater: zlibstream.NewInflater(),

		events: make(chan *GatewayPayload, ShardEventBuffer),

		ready: make(chan struct{}, 1),
		error: make(chan error, 1),

		stop: make(chan struct{}),

		Status: &atomic.Int32{},

		permit: &atomic.Pointer[Permit]{},
	}

	now := time.Now()
	shard.StartedAt.Store(&now)

	return shard
}

func (shard *Shard) SetStatus(status ShardStatus) {
	shard.Status.Store(int32(status))
	shard.Logger.Info("Shard status updated", "status", status.String())

	UpdateShardStatus(shard.cluster.identifier, shard.ShardID, status)
}

func (shard *Shard) GetStatus() ShardStatus {
	return ShardStatus(shard.Status.Load())
}

// Run owns the shard's connection lifecycle: connect, pump events, and
// on loss decide between resume, re-identify and giving up. It returns
// nil on an explicit stop and the terminal error otherwise.
func (shard *Shard) Run(ctx context.Context) error {
	defer close(shard.events)

	configuration := shard.cluster.configuration

	wait := configuration.ReconnectBackoffFloor
	retriesRemaining := ShardConnectRetries

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-shard.stop:
			return nil
		default:
		}

		connCtx, cancelConn := context.WithCancel(ctx)

		err := shard.connect(connCtx)
		if err == nil {
			retriesRemaining = ShardConnectRetries

			err = shard.listen(connCtx)
		}

		cancelConn()
		shard.closeWS(websocketReconnectCloseCode)

		if shard.heartbeatDone != nil {
			<-shard.heartbeatDone
		}

		// An identify that never reached READY still holds its slot.
		shard.releasePermit()

		connectedAt := shard.ConnectedAt.Load()
		if connectedAt != nil && time.Since(*connectedAt) >= configuration.StableConnectionAge {
			wait = configuration.ReconnectBackoffFloor
		}

		shard.ConnectedAt.Store(nil)

		// The session can only be resumed for a limited time once the
		// transport is gone.
		shard.session.MarkDisconnected(time.Now(), configuration.ResumeWindow)

		switch {
		case errors.Is(err, errShardShutdown), errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, errSessionInvalidated):
			// Re-identifying immediately after an invalid session tends to
			// hit the same rejection. Hold off for a moment first.
			delay := randomDuration(InvalidSessionMinDelay, InvalidSessionMaxDelay)

			shard.Logger.Info("Session invalidated, identifying again", "delay", delay)
			shard.SetStatus(ShardStatusReconnecting)

			if !shard.sleep(ctx, delay) {
				return nil
			}

			continue
		case errors.Is(err, errReconnectRequested), errors.Is(err, errConnectionZombied):
			shard.Logger.Info("Shard is reconnecting", "error", err, "wait", wait)
			shard.SetStatus(ShardStatusReconnecting)

			if !shard.sleep(ctx, wait) {
				return nil
			}

			wait *= 2
			if wait > configuration.ReconnectBackoffCap {
				wait = configuration.ReconnectBackoffCap
			}

			continue
		case err != nil:
			var fatalError *FatalError
			if errors.As(err, &fatalError) {
				shard.Logger.Error("Shard received a permanent close code", "error", err)
				shard.SetStatus(ShardStatusFailed)

				shard.sendError(err)

				return err
			}

			retriesRemaining--
			if retriesRemaining <= 0 {
				shard.SetStatus(ShardStatusFailed)

				err = fmt.Errorf("%w: %w", ErrShardConnectFailed, err)
				shard.sendError(err)

				return err
			}

			shard.Logger.Error("Shard connection lost", "error", err, "retries_remaining", retriesRemaining, "wait", wait)
			shard.SetStatus(ShardStatusReconnecting)

			if !shard.sleep(ctx, wait) {
				return nil
			}

			wait *= 2
			if wait > configuration.ReconnectBackoffCap {
				wait = configuration.ReconnectBackoffCap
			}
		default:
			// listen returned nil without a stop signal, treat it as a
			// transport loss and reconnect.
			shard.SetStatus(ShardStatusReconnecting)
		}
	}
}

// sleep waits for a duration unless the shard is stopped first.
func (shard *Shard) sleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-shard.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (shard *Shard) connect(ctx context.Context) error {
	shard.Logger.Debug("Shard is connecting")

	shard.SetStatus(ShardStatusConnecting)

	// Empties the ready channel.
readyConsumer:
	for {
		select {
		case <-shard.ready:
		default:
			break readyConsumer
		}
	}

	configuration := shard.cluster.configuration

	resuming := shard.session.Resumable(time.Now())

	websocketURL := configuration.GatewayURL
	if resuming {
		websocketURL = shard.session.ResumeGatewayURL()
	}

	websocketURL += "?v=10&encoding=json"
	if configuration.Compression == CompressionStream {
		websocketURL += "&compress=zlib-stream"
	}

	shard.Logger.Debug("Dialing websocket", "url", websocketURL, "resuming", resuming)

	conn, _, err := websocket.Dial(ctx, websocketURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}

	conn.SetReadLimit(-1)

	shard.websocketConn.Store(conn)

	// The inflater's state belongs to a single connection.
	shard.inflater.Reset()
	shard.missedAcks.Store(0)
	shard.zombied.Store(false)

	// Read the initial payload
	payload, err := shard.read(ctx, conn)
	if err != nil {
		shard.closeWS(websocket.StatusNormalClosure)

		return fmt.Errorf("failed to read initial payload: %w", err)
	}

	var hello Hello

	err = json.Unmarshal(payload.Data, &hello)
	if err != nil {
		shard.closeWS(websocket.StatusNormalClosure)

		return fmt.Errorf("failed to unmarshal hello: %w", err)
	}

	if hello.HeartbeatInterval <= 0 {
		shard.closeWS(websocket.StatusNormalClosure)

		return ErrShardInvalidHeartbeatInterval
	}

	now := time.Now()
	shard.ConnectedAt.Store(&now)
	shard.LastHeartbeatAck.Store(&now)
	shard.LastHeartbeatSent.Store(&now)

	heartbeatInterval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	shard.heartbeatInterval.Store(&heartbeatInterval)

	shard.Logger.Debug("Received hello", "heartbeat_interval", heartbeatInterval.Milliseconds())

	heartbeatDone := make(chan struct{})
	shard.heartbeatDone = heartbeatDone

	go func() {
		defer close(heartbeatDone)

		shard.heartbeat(ctx, conn)
	}()

	if resuming {
		err = shard.resume(ctx)
		if err != nil {
			return fmt.Errorf("failed to resume: %w", err)
		}
	} else {
		err = shard.identify(ctx)
		if err != nil {
			return fmt.Errorf("failed to identify: %w", err)
		}
	}

	return nil
}

func (shard *Shard) listen(ctx context.Context) error {
	shard.Logger.Debug("Shard is listening")

	websocketConn := shard.websocketConn.Load()

	for {
		msg, err := shard.read(ctx, websocketConn)

		select {
		case <-shard.stop:
			return errShardShutdown
		case <-ctx.Done():
			return nil
		default:
		}

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			if shard.zombied.Swap(false) {
				return errConnectionZombied
			}

			var closeError websocket.CloseError

			if ok := errors.As(err, &closeError); ok {
				if !IsStatusCodeRecoverable(closeError.Code) {
					return &FatalError{Code: closeError.Code, Reason: closeError.Reason}
				}

				shard.Logger.Warn("Shard received close event", "code", closeError.Code, "reason", closeError.Reason)
			}

			return err
		}

		err = shard.OnEvent(ctx, msg)
		if err != nil {
			if errors.Is(err, errReconnectRequested) || errors.Is(err, errSessionInvalidated) ||
				errors.Is(err, ErrShardInvalidHeartbeatInterval) {
				return err
			}

			shard.Logger.Error("Failed to handle event", "error", err, "op", msg.Op, "event_type", msg.Type)
		}
	}
}

// Stop stops the shard permanently. Safe to call more than once.
func (shard *Shard) Stop(code websocket.StatusCode) {
	shard.Logger.Debug("Shard is stopping")

	shard.SetStatus(ShardStatusStopping)

	shard.stopOnce.Do(func() {
		close(shard.stop)
	})

	shard.releasePermit()
	shard.closeWS(code)
}

func (shard *Shard) closeWS(code websocket.StatusCode) {
	conn := shard.websocketConn.Load()
	if conn == nil {
		return
	}

	shard.Logger.Debug("Shard is closing websocket", "code", code)

	err := conn.Close(code, "")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		shard.Logger.Debug("Failed to close websocket", "error", err)
	}
}

// WaitForReady blocks until the shard reaches Connected or its run loop
// hands over a terminal error.
func (shard *Shard) WaitForReady(ctx context.Context) error {
	shard.Logger.Debug("Shard is waiting for ready")

	since := time.Now()
	ticker := time.NewTicker(time.Second * 15)

	defer ticker.Stop()

	for {
		select {
		case <-shard.ready:
			return nil
		case err := <-shard.error:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			shard.Logger.Error("Shard not ready", "duration", time.Since(since))
		}
	}
}

// heartbeat sends heartbeats for one connection. Two consecutive
// unacknowledged beats mean the remote is gone even though the TCP
// connection looks healthy, so the connection is torn down to force a
// resume.
func (shard *Shard) heartbeat(ctx context.Context, conn *websocket.Conn) {
	shard.HeartbeatActive.Store(true)
	defer shard.HeartbeatActive.Store(false)

	// Jitter the first heartbeat so shards don't all beat at once. The
	// ticker never gets a zero duration, which would panic it.
	heartbeatJitter := time.Millisecond * time.Duration(rand.Int64N(shard.heartbeatInterval.Load().Milliseconds()))
	if heartbeatJitter <= 0 {
		heartbeatJitter = time.Millisecond
	}

	ticker := time.NewTicker(heartbeatJitter)
	defer ticker.Stop()

	shard.Logger.Debug("Shard is heartbeating", "heartbeat_jitter", heartbeatJitter.Milliseconds())

	for {
		select {
		case <-ctx.Done():
			return
		case <-shard.stop:
			return
		case <-ticker.C:
			// Moves off the jitter, and picks up any interval a
			// mid-connection hello stored.
			ticker.Reset(*shard.heartbeatInterval.Load())

			lastSent := shard.LastHeartbeatSent.Load()
			lastAck := shard.LastHeartbeatAck.Load()

			if lastSent != nil && lastAck != nil && lastAck.Before(*lastSent) {
				missed := shard.missedAcks.Add(1)

				if missed >= 2 {
					shard.Logger.Error("Connection zombied, no heartbeat acknowledgements", "missed", missed)

					RecordZombiedConnection(shard.cluster.identifier, shard.ShardID)

					shard.zombied.Store(true)

					// Unblocks the listen loop's pending read.
					_ = conn.CloseNow()

					return
				}

				shard.Logger.Warn("Heartbeat was not acknowledged", "missed", missed)
			}

			shard.Logger.Debug("Sending heartbeat", "sequence", shard.session.Sequence())

			err := shard.SendEvent(ctx, GatewayOpHeartbeat, shard.session.Sequence())

			now := time.Now()
			shard.LastHeartbeatSent.Store(&now)

			if err != nil {
				shard.Logger.Error("Heartbeat failed", "error", err)

				return
			}
		}
	}
}

func (shard *Shard) identify(ctx context.Context) error {
	configuration := shard.cluster.configuration
	shardCount := shard.cluster.shardCount.Load()

	shard.Logger.Debug("Shard is identifying", "shard_count", shardCount)

	shard.SetStatus(ShardStatusIdentifying)

	// Claim the daily budget before taking a bucket slot so an exhausted
	// budget never stalls the rest of the bucket.
	err := shard.cluster.claimIdentify(ctx)
	if err != nil {
		return fmt.Errorf("failed to claim session start: %w", err)
	}

	permit, err := shard.cluster.connectQueue.Wait(ctx, shard.ShardID)
	if err != nil {
		return fmt.Errorf("failed to wait for identify slot: %w", err)
	}

	shard.permit.Store(permit)

	err = shard.SendEvent(ctx, GatewayOpIdentify, Identify{
		Properties: IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "RoostGateway " + Version,
			Device:  "RoostGateway " + Version,
		},
		Presence:       configuration.DefaultPresence,
		Token:          configuration.BotToken,
		Shard:          [2]int32{shard.ShardID, shardCount},
		LargeThreshold: configuration.LargeThreshold,
		Intents:        configuration.Intents,
		Compress:       configuration.Compression == CompressionPayload,
	})
	if err != nil {
		shard.releasePermit()

		return fmt.Errorf("failed to send identify: %w", err)
	}

	return nil
}

// resume reattaches to the existing session. Resumes do not consume an
// identify slot, so the connect queue is not involved.
func (shard *Shard) resume(ctx context.Context) error {
	shard.Logger.Debug("Shard is resuming", "session_id", shard.session.ID(), "sequence", shard.session.Sequence())

	shard.SetStatus(ShardStatusResuming)

	return shard.SendEvent(ctx, GatewayOpResume, Resume{
		Token:     shard.cluster.configuration.BotToken,
		SessionID: shard.session.ID(),
		Sequence:  shard.session.Sequence(),
	})
}

// releasePermit returns the held identify slot, if any.
func (shard *Shard) releasePermit() {
	if permit := shard.permit.Swap(nil); permit != nil {
		permit.Release()
	}
}

// SendEvent writes a payload to the gateway immediately.
func (shard *Shard) SendEvent(ctx context.Context, gatewayOp GatewayOp, data any) error {
	packet := SentPayload{
		Op:   gatewayOp,
		Data: data,
	}

	return shard.send(ctx, gatewayOp, packet)
}

// SendCommand sends a payload once the shard is connected. While the shard
// is between sessions the command is queued and flushed after the next
// READY or RESUMED, oldest first.
func (shard *Shard) SendCommand(ctx context.Context, gatewayOp GatewayOp, data any) error {
	if shard.GetStatus() == ShardStatusConnected {
		return shard.SendEvent(ctx, gatewayOp, data)
	}

	shard.commandsMu.Lock()
	defer shard.commandsMu.Unlock()

	if len(shard.pendingCommands) >= ShardCommandQueueLimit {
		return ErrCommandQueueFull
	}

	shard.pendingCommands = append(shard.pendingCommands, pendingCommand{op: gatewayOp, data: data})

	shard.Logger.Debug("Queued command until shard is connected", "op", gatewayOp, "pending", len(shard.pendingCommands))

	return nil
}

func (shard *Shard) flushPendingCommands(ctx context.Context) {
	shard.commandsMu.Lock()
	pending := shard.pendingCommands
	shard.pendingCommands = nil
	shard.commandsMu.Unlock()

	for _, command := range pending {
		err := shard.SendEvent(ctx, command.op, command.data)
		if err != nil {
			shard.Logger.Error("Failed to flush queued command", "error", err, "op", command.op)
		}
	}
}

func (shard *Shard) send(ctx context.Context, gatewayOp GatewayOp, data any) error {
	conn := shard.websocketConn.Load()
	if conn == nil {
		return ErrShardNotConnected
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	// We don't need to ratelimit heartbeats.
	if gatewayOp != GatewayOpHeartbeat {
		shard.websocketRatelimit.Lock()
	}

	shard.Logger.Debug("Sending payload", "op", gatewayOp)

	err = conn.Write(ctx, websocket.MessageText, payload)
	if err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	return nil
}

func (shard *Shard) read(ctx context.Context, websocketConn *websocket.Conn) (*GatewayPayload, error) {
	for {
		messageType, raw, err := websocketConn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, context.Canceled
			}

			return nil, fmt.Errorf("failed to read message: %w", err)
		}

		data := raw

		if messageType == websocket.MessageBinary {
			switch shard.cluster.configuration.Compression {
			case CompressionStream:
				data, err = shard.inflater.Feed(raw)
				if err != nil {
					return nil, fmt.Errorf("failed to inflate payload: %w", err)
				}

				// A chunk without a flush boundary completes no payload.
				if data == nil {
					continue
				}
			default:
				data, err = czlib.Decompress(raw)
				if err != nil {
					return nil, fmt.Errorf("failed to decompress payload: %w", err)
				}
			}
		}

		gatewayPayload := &GatewayPayload{}

		err = json.Unmarshal(data, gatewayPayload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w (payload: %s)", err, string(data))
		}

		return gatewayPayload, nil
	}
}

func (shard *Shard) OnEvent(ctx context.Context, msg *GatewayPayload) error {
	if f, ok := gatewayEvents[msg.Op]; ok {
		return f(ctx, shard, msg)
	}

	return nil
}

// OnDispatch handles the session bookkeeping dispatches itself and hands
// everything to the consumer.
func (shard *Shard) OnDispatch(ctx context.Context, msg *GatewayPayload) error {
	switch msg.Type {
	case DispatchReady:
		var ready Ready

		err := json.Unmarshal(msg.Data, &ready)
		if err != nil {
			return fmt.Errorf("failed to unmarshal ready: %w", err)
		}

		shard.session.SetID(ready.SessionID)
		shard.session.SetResumeGatewayURL(ready.ResumeGatewayURL)

		shard.Logger.Info("Shard is ready", "session_id", ready.SessionID, "version", ready.Version)

		shard.onConnected(ctx)
	case DispatchResumed:
		shard.Logger.Info("Shard has resumed", "session_id", shard.session.ID(), "sequence", shard.session.Sequence())

		shard.onConnected(ctx)
	}

	RecordEvent(shard.cluster.identifier, msg.Type)

	shard.emit(msg)

	return nil
}

func (shard *Shard) onConnected(ctx context.Context) {
	shard.session.MarkConnected()
	shard.SetStatus(ShardStatusConnected)

	shard.releasePermit()

	shard.flushPendingCommands(ctx)

	select {
	case shard.ready <- struct{}{}:
	default:
	}
}

// emit hands a payload to the cluster without blocking. A slow consumer
// loses events rather than stalling the gateway read loop.
func (shard *Shard) emit(msg *GatewayPayload) {
	select {
	case shard.events <- msg:
	default:
		shard.Logger.Warn("Dropped event, consumer is not keeping up", "event_type", msg.Type)

		RecordDroppedEvent(shard.cluster.identifier, shard.ShardID)
	}
}

func (shard *Shard) sendError(err error) {
	select {
	case shard.error <- err:
	default:
	}
}

// Latency returns the last heartbeat round trip time.
func (shard *Shard) Latency() (time.Duration, error) {
	latency := shard.GatewayLatency.Load()
	if latency == 0 {
		return 0, ErrLatencyUnknown
	}

	return time.Duration(latency), nil
}

// RequestGuildMembers asks the gateway to stream a guild's member list as
// GUILD_MEMBERS_CHUNK dispatches.
func (shard *Shard) RequestGuildMembers(ctx context.Context, request RequestGuildMembers) error {
	if request.Nonce == "" {
		request.Nonce = randomHex(16)
	}

	return shard.SendCommand(ctx, GatewayOpRequestGuildMembers, request)
}

// UpdatePresence changes what the bot shows as its status on this shard.
func (shard *Shard) UpdatePresence(ctx context.Context, status UpdateStatus) error {
	return shard.SendCommand(ctx, GatewayOpPresenceUpdate, status)
}

// UpdateVoiceState joins, moves or leaves a voice channel on this shard.
func (shard *Shard) UpdateVoiceState(ctx context.Context, state UpdateVoiceState) error {
	return shard.SendCommand(ctx, GatewayOpVoiceStateUpdate, state)
}
