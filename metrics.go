package gateway

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventMetrics tracks event-related metrics
var EventMetrics = struct {
	EventsTotal        *prometheus.CounterVec
	EventsDroppedTotal *prometheus.CounterVec
	GatewayLatency     *prometheus.GaugeVec
}{
	EventsTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Total number of events emitted, split by identifier and event type",
		},
		[]string{"identifier", "event_type"},
	),
	EventsDroppedTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_dropped_total",
			Help: "Events dropped because the consumer fell behind the shard buffer",
		},
		[]string{"identifier", "shard_id"},
	),
	GatewayLatency: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_latency_seconds",
			Help: "Gateway latency in seconds, measured by heartbeat round trip",
		},
		[]string{"identifier", "shard_id"},
	),
}

func RecordEvent(identifier, eventType string) {
	EventMetrics.EventsTotal.WithLabelValues(identifier, eventType).Inc()
}

func RecordDroppedEvent(identifier string, shardID int32) {
	EventMetrics.EventsDroppedTotal.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Inc()
}

func UpdateGatewayLatency(identifier string, shardID int32, latency time.Duration) {
	EventMetrics.GatewayLatency.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Set(latency.Seconds())
}

// ShardMetrics tracks shard-related metrics
var ShardMetrics = struct {
	ClusterStatus     *prometheus.GaugeVec
	ShardStatus       *prometheus.GaugeVec
	ReplacementsTotal *prometheus.CounterVec
	ZombiesTotal      *prometheus.CounterVec
}{
	ClusterStatus: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_cluster_status",
			Help: "Status of the cluster",
		},
		[]string{"identifier"},
	),
	ShardStatus: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_shard_status",
			Help: "Status of the shard",
		},
		[]string{"identifier", "shard_id"},
	),
	ReplacementsTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_shard_replacements_total",
			Help: "Shards replaced after their run loop terminated unexpectedly",
		},
		[]string{"identifier"},
	),
	ZombiesTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_shard_zombies_total",
			Help: "Connections force-closed after heartbeat acknowledgements stopped",
		},
		[]string{"identifier", "shard_id"},
	),
}

func UpdateClusterStatus(identifier string, status ClusterStatus) {
	ShardMetrics.ClusterStatus.WithLabelValues(identifier).Set(float64(status))
}

func UpdateShardStatus(identifier string, shardID int32, status ShardStatus) {
	ShardMetrics.ShardStatus.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Set(float64(status))
}

func RecordShardReplacement(identifier string) {
	ShardMetrics.ReplacementsTotal.WithLabelValues(identifier).Inc()
}

func RecordZombiedConnection(identifier string, shardID int32) {
	ShardMetrics.ZombiesTotal.WithLabelValues(identifier, strconv.Itoa(int(shardID))).Inc()
}

// QueueMetrics tracks connect queue metrics
var QueueMetrics = struct {
	IdentifyWaitSeconds *prometheus.HistogramVec
}{
	IdentifyWaitSeconds: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_identify_wait_seconds",
			Help:    "Time spent waiting for an identify slot, split by bucket",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"bucket"},
	),
}

func RecordIdentifyWait(bucket int32, wait time.Duration) {
	QueueMetrics.IdentifyWaitSeconds.WithLabelValues(strconv.Itoa(int(bucket))).Observe(wait.Seconds())
}
