package gateway

import (
	"github.com/coder/websocket"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GatewayOp represents a packet's operation code.
type GatewayOp int32

const (
	GatewayOpDispatch GatewayOp = iota
	GatewayOpHeartbeat
	GatewayOpIdentify
	GatewayOpPresenceUpdate
	GatewayOpVoiceStateUpdate
	_
	GatewayOpResume
	GatewayOpReconnect
	GatewayOpRequestGuildMembers
	GatewayOpInvalidSession
	GatewayOpHello
	GatewayOpHeartbeatACK
)

// Close codes the gateway sends when tearing down a connection.
const (
	CloseUnknownError websocket.StatusCode = 4000 + iota
	CloseUnknownOpCode
	CloseDecodeError
	CloseNotAuthenticated
	CloseAuthenticationFailed
	CloseAlreadyAuthenticated
	_
	CloseInvalidSeq
	CloseRateLimited
	CloseSessionTimeout
	CloseInvalidShard
	CloseShardingRequired
	CloseInvalidAPIVersion
	CloseInvalidIntents
	CloseDisallowedIntents
)

// Dispatch event names the shard handles itself.
const (
	DispatchReady   = "READY"
	DispatchResumed = "RESUMED"
)

// GatewayPayload is a received payload's envelope.
type GatewayPayload struct {
	Type     string              `json:"t,omitempty"`
	Data     jsoniter.RawMessage `json:"d,omitempty"`
	Sequence int32               `json:"s,omitempty"`
	Op       GatewayOp           `json:"op"`
}

// SentPayload is a sent payload's envelope.
type SentPayload struct {
	Data any       `json:"d"`
	Op   GatewayOp `json:"op"`
}

// Hello represents a hello packet.
type Hello struct {
	HeartbeatInterval int32 `json:"heartbeat_interval"`
}

// Ready represents when the client has completed the initial handshake.
type Ready struct {
	Version          int32  `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// Identify represents an identify packet.
type Identify struct {
	Properties     IdentifyProperties `json:"properties"`
	Presence       *UpdateStatus      `json:"presence,omitempty"`
	Token          string             `json:"token"`
	Shard          [2]int32           `json:"shard"`
	LargeThreshold int32              `json:"large_threshold"`
	Intents        int32              `json:"intents"`
	Compress       bool               `json:"compress"`
}

// IdentifyProperties are the extra properties sent in the identify packet.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Resume represents a resume packet.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int32  `json:"seq"`
}

// RequestGuildMembers represents a request guild members packet.
type RequestGuildMembers struct {
	GuildID   int64   `json:"guild_id"`
	Query     string  `json:"query"`
	Nonce     string  `json:"nonce,omitempty"`
	UserIDs   []int64 `json:"user_ids,omitempty"`
	Limit     int32   `json:"limit"`
	Presences bool    `json:"presences"`
}

// Activity represents an activity shown in a presence.
type Activity struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
	Type int32  `json:"type"`
}

// UpdateStatus represents an update presence packet.
type UpdateStatus struct {
	Activities []Activity `json:"activities,omitempty"`
	Status     string     `json:"status"`
	Since      int32      `json:"since,omitempty"`
	AFK        bool       `json:"afk"`
}

// UpdateVoiceState represents an update voice state packet.
type UpdateVoiceState struct {
	GuildID   int64  `json:"guild_id"`
	ChannelID *int64 `json:"channel_id"`
	SelfMute  bool   `json:"self_mute"`
	SelfDeaf  bool   `json:"self_deaf"`
}

// GatewayBotResponse is the connection metadata the REST API reports:
// the endpoint, the recommended shard count and the session start limit.
type GatewayBotResponse struct {
	URL               string            `json:"url"`
	Shards            int32             `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

type SessionStartLimit struct {
	Total          int32 `json:"total"`
	Remaining      int32 `json:"remaining"`
	ResetAfter     int32 `json:"reset_after"`
	MaxConcurrency int32 `json:"max_concurrency"`
}
