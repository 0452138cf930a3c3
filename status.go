package gateway

type ClusterStatus int32

const (
	ClusterStatusIdle ClusterStatus = iota
	ClusterStatusFailed
	ClusterStatusStarting
	ClusterStatusConnecting
	ClusterStatusReady
	ClusterStatusStopping
	ClusterStatusStopped
)

func (status ClusterStatus) String() string {
	return []string{
		"Idle",
		"Failed",
		"Starting",
		"Connecting",
		"Ready",
		"Stopping",
		"Stopped",
	}[status]
}

type ShardStatus int32

const (
	ShardStatusDisconnected ShardStatus = iota
	ShardStatusConnecting
	ShardStatusIdentifying
	ShardStatusResuming
	ShardStatusConnected
	ShardStatusReconnecting
	ShardStatusStopping
	ShardStatusFailed
)

func (status ShardStatus) String() string {
	return []string{
		"Disconnected",
		"Connecting",
		"Identifying",
		"Resuming",
		"Connected",
		"Reconnecting",
		"Stopping",
		"Failed",
	}[status]
}
