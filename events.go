package gateway

import (
	"context"
	"fmt"
	"time"
)

type GatewayHandler func(ctx context.Context, shard *Shard, msg *GatewayPayload) error

var gatewayEvents = make(map[GatewayOp]GatewayHandler)

func RegisterGatewayEvent(eventType GatewayOp, handler GatewayHandler) {
	gatewayEvents[eventType] = handler
}

func gatewayOpDispatch(ctx context.Context, shard *Shard, msg *GatewayPayload) error {
	if msg.Sequence > 0 {
		shard.session.SetSequence(msg.Sequence)
	}

	return shard.OnDispatch(ctx, msg)
}

func gatewayOpHeartbeat(ctx context.Context, shard *Shard, _ *GatewayPayload) error {
	err := shard.SendEvent(ctx, GatewayOpHeartbeat, shard.session.Sequence())
	if err != nil {
		return fmt.Errorf("failed to respond to heartbeat request: %w", err)
	}

	return nil
}

func gatewayOpReconnect(_ context.Context, shard *Shard, _ *GatewayPayload) error {
	shard.Logger.Debug("Shard has been requested to reconnect")

	return errReconnectRequested
}

func gatewayOpInvalidSession(_ context.Context, shard *Shard, msg *GatewayPayload) error {
	var resumable bool

	err := json.Unmarshal(msg.Data, &resumable)
	if err != nil {
		return fmt.Errorf("failed to unmarshal invalid session: %w", err)
	}

	shard.Logger.Warn("Shard has received an invalid session", "resumable", resumable)

	if resumable {
		return errReconnectRequested
	}

	shard.session.Clear()

	return errSessionInvalidated
}

func gatewayOpHello(_ context.Context, shard *Shard, msg *GatewayPayload) error {
	var hello Hello

	err := json.Unmarshal(msg.Data, &hello)
	if err != nil {
		return fmt.Errorf("failed to unmarshal hello: %w", err)
	}

	if hello.HeartbeatInterval <= 0 {
		return ErrShardInvalidHeartbeatInterval
	}

	// The heartbeat loop picks the new interval up on its next tick.
	heartbeatInterval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	shard.heartbeatInterval.Store(&heartbeatInterval)

	return nil
}

func gatewayOpHeartbeatAck(_ context.Context, shard *Shard, _ *GatewayPayload) error {
	now := time.Now()
	shard.LastHeartbeatAck.Store(&now)
	shard.missedAcks.Store(0)

	if lastHeartbeatSent := shard.LastHeartbeatSent.Load(); lastHeartbeatSent != nil {
		latency := now.Sub(*lastHeartbeatSent)
		shard.GatewayLatency.Store(latency.Nanoseconds())

		UpdateGatewayLatency(shard.cluster.identifier, shard.ShardID, latency)
	}

	return nil
}

func init() {
	RegisterGatewayEvent(GatewayOpDispatch, gatewayOpDispatch)
	RegisterGatewayEvent(GatewayOpHeartbeat, gatewayOpHeartbeat)
	RegisterGatewayEvent(GatewayOpReconnect, gatewayOpReconnect)
	RegisterGatewayEvent(GatewayOpInvalidSession, gatewayOpInvalidSession)
	RegisterGatewayEvent(GatewayOpHello, gatewayOpHello)
	RegisterGatewayEvent(GatewayOpHeartbeatACK, gatewayOpHeartbeatAck)
}
