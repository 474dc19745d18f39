// Package config carries every MeshSwarm tunable listed in spec.md §6,
// each overridable before a swarm.Node is started, with the spec's defaults.
package config

import "flag"

// Config holds every spec.md §6 constant plus the transport/gateway wiring
// needed to start a node from a cmd/ binary.
type Config struct {
	MeshPrefix   string
	MeshPassword string
	MeshPort     uint16

	HeartbeatIntervalMS        uint64
	StateSyncIntervalMS        uint64
	PeerDeadMS                 uint64
	TelemetryIntervalMS        uint64
	StateTelemetryMinIntervalMS uint64
	OTAPollIntervalMS          uint64
	OTAPartSize                int

	FirmwareVersion string

	// NodeName overrides the "N"+hex(low 16 bits) default naming rule.
	NodeName string

	// ListenAddr is this node's tcpmesh listen address ("host:port").
	ListenAddr string
	// PeerAddrs are the tcpmesh addresses this node dials at startup.
	PeerAddrs []string

	// GatewayMode selects telemetry-push-to-HTTP and OTA distribution.
	GatewayMode bool
	// TelemetryBaseURLs are one or more control-plane backends; when more
	// than one is configured, internal/telemetry.BackendRouter picks a
	// stable one per NodeId (SPEC_FULL.md's domain-stack consistent-hash use).
	TelemetryBaseURLs []string
	TelemetryAPIKey   string

	// OTABaseURLs mirrors TelemetryBaseURLs for the OTA control plane.
	OTABaseURLs []string

	// MQTTBrokerURL, when set, starts the ops-command bridge (internal/opsbridge).
	MQTTBrokerURL string

	// HistoryDir is where the gateway's telemetry archive is written.
	HistoryDir string

	// QueryHTTPPort serves internal/queryapi when non-zero (gateway only).
	QueryHTTPPort int
}

// Default returns a Config populated with spec.md §6's defaults.
func Default() Config {
	return Config{
		MeshPrefix:   "swarm",
		MeshPassword: "swarmnet123",
		MeshPort:     5555,

		HeartbeatIntervalMS:         5000,
		StateSyncIntervalMS:         10000,
		PeerDeadMS:                  15000,
		TelemetryIntervalMS:         30000,
		StateTelemetryMinIntervalMS: 2000,
		OTAPollIntervalMS:           60000,
		OTAPartSize:                 1024,

		FirmwareVersion: "1.0.0",
		HistoryDir:      "data",
	}
}

// RegisterFlags wires every field the teacher's cmd/minitrue-server/main.go
// pattern exposes as a flag, leaving the rest at their Default() values
// unless overridden by the caller after RegisterFlags returns.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.MeshPrefix, "mesh_prefix", cfg.MeshPrefix, "mesh network prefix")
	fs.StringVar(&cfg.MeshPassword, "mesh_password", cfg.MeshPassword, "mesh network password")
	fs.StringVar(&cfg.NodeName, "node_name", cfg.NodeName, "node display name override")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "tcpmesh listen address (host:port)")
	fs.BoolVar(&cfg.GatewayMode, "gateway", cfg.GatewayMode, "run in gateway mode (telemetry + OTA)")
	fs.StringVar(&cfg.TelemetryAPIKey, "telemetry_api_key", cfg.TelemetryAPIKey, "X-API-Key for telemetry/OTA control plane")
	fs.StringVar(&cfg.MQTTBrokerURL, "mqtt_broker", cfg.MQTTBrokerURL, "ops-bridge MQTT broker URL (empty disables the bridge)")
	fs.StringVar(&cfg.HistoryDir, "history_dir", cfg.HistoryDir, "directory for the gateway telemetry archive")
	fs.IntVar(&cfg.QueryHTTPPort, "query_port", cfg.QueryHTTPPort, "gateway query HTTP API port (0 disables)")
}
