package gateway

import "time"

const Version = "0.3.0"

var (
	DefaultGatewayURL = "wss://gateway.discord.gg"

	// Endpoint used to fetch connection metadata (recommended shard count,
	// session start limits).
	EndpointGatewayBot = "https://discord.com/api/v10/gateway/bot"

	// Number of consecutive failed connection attempts before a shard's
	// run loop gives up and hands the failure to its owner.
	ShardConnectRetries = int32(3)

	GatewayLargeThreshold = int32(250)

	// Identify handshakes in one bucket must be spaced by at least five
	// seconds; half a second of margin absorbs clock skew with the remote.
	StandardIdentifyLimit = 5 * time.Second
	IdentifyRateLimit     = StandardIdentifyLimit + (time.Millisecond * 500)

	// How long the connect queue holds a granted slot open waiting for the
	// identify's first response before reclaiming it.
	IdentifyHoldTimeout = 10 * time.Second

	// Delay bounds before re-identifying after a non-resumable
	// InvalidSession.
	InvalidSessionMinDelay = 1 * time.Second
	InvalidSessionMaxDelay = 5 * time.Second

	MinReconnectWait           = 1 * time.Second
	MaxReconnectWait           = 32 * time.Second
	DefaultStableConnectionAge = 60 * time.Second

	DefaultResumeWindow = 3 * time.Minute

	// Buffered events per shard. Emission never blocks the shard; events
	// beyond this buffer are dropped and counted.
	ShardEventBuffer = 64

	// Outbound commands queued while a shard is not connected.
	ShardCommandQueueLimit = 64

	// The gateway allows 120 messages a minute; budget below that so
	// heartbeats always fit.
	GatewayWriteLimit       = int32(110)
	GatewayWriteLimitWindow = time.Minute
)

const websocketReconnectCloseCode = 4000
