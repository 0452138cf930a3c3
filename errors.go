package gateway

import (
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

var (
	ErrClusterMissingToken   = errors.New("cluster missing bot token")
	ErrClusterMissingShards  = errors.New("cluster missing shards")
	ErrClusterAlreadyStarted = errors.New("cluster already started")

	ErrShardNotFound                 = errors.New("shard not found")
	ErrShardConnectFailed            = errors.New("shard connect failed")
	ErrShardInvalidHeartbeatInterval = errors.New("shard invalid heartbeat interval")
	ErrShardNotConnected             = errors.New("shard has no websocket connection")

	ErrCommandQueueFull  = errors.New("shard command queue is full")
	ErrLatencyUnknown    = errors.New("shard has not completed a heartbeat round trip")
	ErrQueueShuttingDown = errors.New("connect queue is shutting down")
	ErrQueueInvalidLimit = errors.New("connect queue concurrency must be positive")
)

// Internal signals used by the shard run loop to pick the right
// reconnect path. Never surfaced to callers.
var (
	errShardShutdown      = errors.New("shard is shutting down")
	errReconnectRequested = errors.New("gateway requested a reconnect")
	errSessionInvalidated = errors.New("gateway invalidated the session")
	errConnectionZombied  = errors.New("heartbeat acknowledgements stopped")
)

// FatalError is a permanent gateway rejection: reconnecting cannot succeed
// and would only burn the identify budget. The shard halts and the
// condition is surfaced to the cluster owner.
type FatalError struct {
	Code   websocket.StatusCode
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("gateway closed connection permanently: code %d: %s", e.Code, e.Reason)
}

// IsStatusCodeRecoverable reports whether a close code permits another
// connection attempt.
func IsStatusCodeRecoverable(code websocket.StatusCode) bool {
	return code != CloseNotAuthenticated &&
		code != CloseAuthenticationFailed &&
		code != CloseAlreadyAuthenticated &&
		code != CloseInvalidShard &&
		code != CloseShardingRequired &&
		code != CloseInvalidAPIVersion &&
		code != CloseInvalidIntents &&
		code != CloseDisallowedIntents
}
