package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a sovereignsync node.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Network   NetworkConfig   `mapstructure:"network"`
	Storage   StorageConfig   `mapstructure:"storage"`
	CAS       CASConfig       `mapstructure:"cas"`
	Gossip    GossipConfig    `mapstructure:"gossip"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Dag       DagConfig       `mapstructure:"dag"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Tree      TreeConfig      `mapstructure:"tree"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// NodeConfig holds node-specific configuration.
type NodeConfig struct {
	ID       string `mapstructure:"id"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
}

// NetworkConfig holds the libp2p host configuration shared by gossip and
// pairwise sync (separate listen addresses since they speak different
// protocol namespaces on the same host).
type NetworkConfig struct {
	ListenAddress string   `mapstructure:"listen_address"`
	Bootstrap     []string `mapstructure:"bootstrap"` // enode:// URIs or multiaddrs, see adapters.ParseBootstrapPeers
	MaxPeers      int      `mapstructure:"max_peers"`
}

// StorageConfig holds the per-context CRDT storage engine configuration.
type StorageConfig struct {
	Engine    string `mapstructure:"engine"`
	Path      string `mapstructure:"path"`
	CacheSize int64  `mapstructure:"cache_size"`
	Sync      bool   `mapstructure:"sync"`
}

// CASConfig configures adapters/blobtransfer's MinIO-backed blob store.
type CASConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	ChunkSize int64  `mapstructure:"chunk_size"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// GossipConfig configures package gossip's broadcast and heartbeat fanout.
// HeartbeatInterval here is gossip's own hash-heartbeat cadence; the
// heartbeat.* section below covers the same knob name under its spec §6
// key for anything consulting it outside gossip's constructor.
type GossipConfig struct {
	Fanout            int           `mapstructure:"fanout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// SyncConfig maps spec §6's sync.* option keys onto sync/scheduler.Config
// and sync/pairwise.Config.
type SyncConfig struct {
	TimeoutMS          int    `mapstructure:"timeout_ms"`           // sync.timeout_ms, default 30000
	IntervalMS         int    `mapstructure:"interval_ms"`          // sync.interval_ms, default 5000
	FrequencyMS        int    `mapstructure:"frequency_ms"`         // sync.frequency_ms, default 10000
	MaxConcurrent      int    `mapstructure:"max_concurrent"`       // sync.max_concurrent, default 30
	SnapshotChunkSize  int    `mapstructure:"snapshot_chunk_size"`  // sync.snapshot_chunk_size, default 65536
	DeltaThreshold     int    `mapstructure:"delta_threshold"`      // sync.delta_threshold, default 128
	FreshNodeStrategy  string `mapstructure:"fresh_node_strategy"`  // "snapshot" | "delta_sync" | "adaptive"
	AdaptiveThreshold  int    `mapstructure:"adaptive_threshold"`   // only meaningful when FreshNodeStrategy == "adaptive"
}

// Timeout returns TimeoutMS as a time.Duration.
func (c SyncConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMS) * time.Millisecond }

// Interval returns IntervalMS as a time.Duration.
func (c SyncConfig) Interval() time.Duration { return time.Duration(c.IntervalMS) * time.Millisecond }

// Frequency returns FrequencyMS as a time.Duration.
func (c SyncConfig) Frequency() time.Duration { return time.Duration(c.FrequencyMS) * time.Millisecond }

// DagConfig maps spec §6's dag.* option keys onto runtime's cleanup pass
// and sync/scheduler's back-pressure threshold.
type DagConfig struct {
	PendingMaxAgeMS         int `mapstructure:"pending_max_age_ms"`         // dag.pending_max_age_ms, default 300000
	PendingSnapshotThreshold int `mapstructure:"pending_snapshot_threshold"` // dag.pending_snapshot_threshold, default 100
}

// PendingMaxAge returns PendingMaxAgeMS as a time.Duration.
func (c DagConfig) PendingMaxAge() time.Duration {
	return time.Duration(c.PendingMaxAgeMS) * time.Millisecond
}

// HeartbeatConfig maps spec §6's heartbeat.* option key onto
// gossip.Config.HeartbeatInterval.
type HeartbeatConfig struct {
	IntervalMS int `mapstructure:"interval_ms"` // heartbeat.interval_ms, default 30000
}

// Interval returns IntervalMS as a time.Duration.
func (c HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// TreeConfig maps spec §6's tree.* option keys onto merkletree.Params.
type TreeConfig struct {
	Fanout          int `mapstructure:"fanout"`           // tree.fanout, default 16
	LeafTargetBytes int `mapstructure:"leaf_target_bytes"` // tree.leaf_target_bytes, default 65536
}

// AdminConfig configures the read-only introspection façades
// (adapters/httpstatus, adapters/grpcstatus), replacing the teacher's much
// larger blockchain REST/gRPC API surface.
type AdminConfig struct {
	HTTPEnabled bool   `mapstructure:"http_enabled"`
	HTTPAddress string `mapstructure:"http_address"`
	GRPCEnabled bool   `mapstructure:"grpc_enabled"`
	GRPCAddress string `mapstructure:"grpc_address"`
}

// IdentityConfig points at the node's persisted secp256k1 identity key
// (transport/stream.IdentityKey), replacing the teacher's RSA/TLS-centric
// SecurityConfig now that transport/stream owns the real key material.
type IdentityConfig struct {
	KeyFile string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns a default configuration, with every sync/dag/
// heartbeat/tree default matching spec §6's documented values.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:       "",
			DataDir:  "./data",
			LogLevel: "info",
		},
		Network: NetworkConfig{
			ListenAddress: "/ip4/0.0.0.0/tcp/26656",
			Bootstrap:     []string{},
			MaxPeers:      50,
		},
		Storage: StorageConfig{
			Engine:    "badger",
			Path:      "",
			CacheSize: 100 * 1024 * 1024, // 100MB
			Sync:      true,
		},
		CAS: CASConfig{
			Endpoint:  "localhost:9000",
			Bucket:    "sovereignsync-blobs",
			AccessKey: "sovereignsync",
			SecretKey: "sovereignsync123",
			ChunkSize: 64 * 1024 * 1024, // 64MB
			UseSSL:    false,
		},
		Gossip: GossipConfig{
			Fanout:            3,
			HeartbeatInterval: 30 * time.Second,
		},
		Sync: SyncConfig{
			TimeoutMS:         30000,
			IntervalMS:        5000,
			FrequencyMS:       10000,
			MaxConcurrent:     30,
			SnapshotChunkSize: 65536,
			DeltaThreshold:    128,
			FreshNodeStrategy: "snapshot",
		},
		Dag: DagConfig{
			PendingMaxAgeMS:          300000,
			PendingSnapshotThreshold: 100,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMS: 30000,
		},
		Tree: TreeConfig{
			Fanout:          16,
			LeafTargetBytes: 65536,
		},
		Admin: AdminConfig{
			HTTPEnabled: true,
			HTTPAddress: "0.0.0.0:1317",
			GRPCEnabled: true,
			GRPCAddress: "0.0.0.0:9090",
		},
		Identity: IdentityConfig{
			KeyFile: "./data/identity.key",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0:9091",
			Path:    "/metrics",
		},
	}
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	v.SetDefault("node.data_dir", cfg.Node.DataDir)
	v.SetDefault("node.log_level", cfg.Node.LogLevel)
	v.SetDefault("network.listen_address", cfg.Network.ListenAddress)
	v.SetDefault("network.max_peers", cfg.Network.MaxPeers)
	v.SetDefault("storage.engine", cfg.Storage.Engine)
	v.SetDefault("storage.cache_size", cfg.Storage.CacheSize)
	v.SetDefault("storage.sync", cfg.Storage.Sync)
	v.SetDefault("cas.endpoint", cfg.CAS.Endpoint)
	v.SetDefault("cas.bucket", cfg.CAS.Bucket)
	v.SetDefault("cas.access_key", cfg.CAS.AccessKey)
	v.SetDefault("cas.secret_key", cfg.CAS.SecretKey)
	v.SetDefault("cas.chunk_size", cfg.CAS.ChunkSize)
	v.SetDefault("cas.use_ssl", cfg.CAS.UseSSL)
	v.SetDefault("gossip.fanout", cfg.Gossip.Fanout)
	v.SetDefault("gossip.heartbeat_interval", cfg.Gossip.HeartbeatInterval)
	v.SetDefault("sync.timeout_ms", cfg.Sync.TimeoutMS)
	v.SetDefault("sync.interval_ms", cfg.Sync.IntervalMS)
	v.SetDefault("sync.frequency_ms", cfg.Sync.FrequencyMS)
	v.SetDefault("sync.max_concurrent", cfg.Sync.MaxConcurrent)
	v.SetDefault("sync.snapshot_chunk_size", cfg.Sync.SnapshotChunkSize)
	v.SetDefault("sync.delta_threshold", cfg.Sync.DeltaThreshold)
	v.SetDefault("sync.fresh_node_strategy", cfg.Sync.FreshNodeStrategy)
	v.SetDefault("sync.adaptive_threshold", cfg.Sync.AdaptiveThreshold)
	v.SetDefault("dag.pending_max_age_ms", cfg.Dag.PendingMaxAgeMS)
	v.SetDefault("dag.pending_snapshot_threshold", cfg.Dag.PendingSnapshotThreshold)
	v.SetDefault("heartbeat.interval_ms", cfg.Heartbeat.IntervalMS)
	v.SetDefault("tree.fanout", cfg.Tree.Fanout)
	v.SetDefault("tree.leaf_target_bytes", cfg.Tree.LeafTargetBytes)
	v.SetDefault("admin.http_enabled", cfg.Admin.HTTPEnabled)
	v.SetDefault("admin.http_address", cfg.Admin.HTTPAddress)
	v.SetDefault("admin.grpc_enabled", cfg.Admin.GRPCEnabled)
	v.SetDefault("admin.grpc_address", cfg.Admin.GRPCAddress)
	v.SetDefault("identity.key_file", cfg.Identity.KeyFile)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetEnvPrefix("SOVEREIGNSYNC")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return cfg, nil
}
