package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CompressionMode selects how the remote compresses inbound traffic.
type CompressionMode string

const (
	// CompressionStream keeps one zlib stream alive for the whole
	// connection; messages end on a flush boundary.
	CompressionStream CompressionMode = "zlib-stream"
	// CompressionPayload compresses each binary message independently.
	CompressionPayload CompressionMode = "payload"
	// CompressionNone negotiates plain JSON text frames.
	CompressionNone CompressionMode = "none"
)

type Configuration struct {
	// Identifier names this cluster in logs and metrics.
	Identifier string `json:"identifier" yaml:"identifier"`

	BotToken string `json:"bot_token" yaml:"bot_token"`

	// GatewayURL is the base connection endpoint for fresh sessions.
	// Resumes use the session's own resume endpoint.
	GatewayURL string `json:"gateway_url" yaml:"gateway_url"`

	Intents         int32         `json:"intents" yaml:"intents"`
	LargeThreshold  int32         `json:"large_threshold" yaml:"large_threshold"`
	DefaultPresence *UpdateStatus `json:"default_presence,omitempty" yaml:"default_presence,omitempty"`

	Compression CompressionMode `json:"compression" yaml:"compression"`

	// AutoSharded uses the remote's recommended shard count. Otherwise
	// ShardCount is authoritative. ShardIDs optionally restricts which of
	// those shards this process runs, as a range string ("0-4,6").
	AutoSharded bool   `json:"auto_sharded" yaml:"auto_sharded"`
	ShardCount  int32  `json:"shard_count" yaml:"shard_count"`
	ShardIDs    string `json:"shard_ids" yaml:"shard_ids"`

	// NodeCount/NodeID split shards across processes by modulo.
	NodeCount int32 `json:"node_count" yaml:"node_count"`
	NodeID    int32 `json:"node_id" yaml:"node_id"`

	// ResumeWindow bounds how long after a disconnect a session may still
	// be resumed. Remote policy is not published; keep it conservative.
	ResumeWindow time.Duration `json:"resume_window" yaml:"resume_window"`

	// Reconnect backoff tuning. The wait doubles from the floor up to the
	// cap and resets once a connection has held for StableConnectionAge.
	ReconnectBackoffFloor time.Duration `json:"reconnect_backoff_floor" yaml:"reconnect_backoff_floor"`
	ReconnectBackoffCap   time.Duration `json:"reconnect_backoff_cap" yaml:"reconnect_backoff_cap"`
	StableConnectionAge   time.Duration `json:"stable_connection_age" yaml:"stable_connection_age"`

	Producer *ProducerConfiguration `json:"producer,omitempty" yaml:"producer,omitempty"`
}

type ProducerConfiguration struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
	Channel string `json:"channel" yaml:"channel"`
}

// applyDefaults fills zero values in place.
func (configuration *Configuration) applyDefaults() {
	if configuration.Identifier == "" {
		configuration.Identifier = "gateway"
	}

	if configuration.GatewayURL == "" {
		configuration.GatewayURL = DefaultGatewayURL
	}

	if configuration.LargeThreshold == 0 {
		configuration.LargeThreshold = GatewayLargeThreshold
	}

	if configuration.Compression == "" {
		configuration.Compression = CompressionStream
	}

	if configuration.ResumeWindow == 0 {
		configuration.ResumeWindow = DefaultResumeWindow
	}

	if configuration.ReconnectBackoffFloor == 0 {
		configuration.ReconnectBackoffFloor = MinReconnectWait
	}

	if configuration.ReconnectBackoffCap == 0 {
		configuration.ReconnectBackoffCap = MaxReconnectWait
	}

	if configuration.StableConnectionAge == 0 {
		configuration.StableConnectionAge = DefaultStableConnectionAge
	}
}

type ConfigProvider interface {
	GetConfig(ctx context.Context) (*Configuration, error)
	SaveConfig(ctx context.Context, config *Configuration) error
}

// ConfigProviderFromPath is a basic config provider that reads and writes
// a YAML file.
type ConfigProviderFromPath struct {
	path string
}

func NewConfigProviderFromPath(path string) ConfigProviderFromPath {
	return ConfigProviderFromPath{path}
}

func (c ConfigProviderFromPath) GetConfig(_ context.Context) (*Configuration, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Configuration
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	config.applyDefaults()

	slog.Debug("Loaded config", "path", c.path, "identifier", config.Identifier)

	return &config, nil
}

func (c ConfigProviderFromPath) SaveConfig(_ context.Context, config *Configuration) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(c.path, data, 0o600)
}
