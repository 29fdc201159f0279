// Package config provides the configuration schema for reticle: a single
// top-level struct composed of nested sub-structs, dual yaml + mapstructure
// tags, and validator/v10 struct tags checked by Validate.
package config

// Config is the top-level configuration for reticle.
type Config struct {
	// Server configures the daemon's Control API listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Stdio configures the default stdio transport adapter.
	Stdio StdioConfig `yaml:"stdio" mapstructure:"stdio"`

	// Remote configures the default HTTP-family/WebSocket remote adapter.
	Remote RemoteConfig `yaml:"remote" mapstructure:"remote"`

	// Recorder configures the durable session store.
	Recorder RecorderConfig `yaml:"recorder" mapstructure:"recorder"`

	// EventBus configures the UI broadcast channel bounds.
	EventBus EventBusConfig `yaml:"event_bus" mapstructure:"event_bus"`

	// Observability configures the ambient metrics/tracing stack.
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`

	// DevMode enables verbose logging and permissive defaults.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the daemon command's Control API socket.
type ServerConfig struct {
	// SocketPath is the Unix-domain socket the daemon command listens on for
	// control API requests.
	SocketPath string `yaml:"socket_path" mapstructure:"socket_path" validate:"omitempty,filepath"`
	// LogLevel is one of debug|info|warn|error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// StdioConfig configures the stdio transport adapter.
type StdioConfig struct {
	// Allowlist restricts which commands may be spawned. Empty uses
	// mcp.DefaultAllowlist.
	Allowlist []string `yaml:"allowlist" mapstructure:"allowlist"`
	// WorkDir is the child process's working directory; empty uses the
	// daemon's own working directory.
	WorkDir string `yaml:"work_dir" mapstructure:"work_dir"`
}

// RemoteConfig configures the HTTP-family and WebSocket transport adapters.
type RemoteConfig struct {
	// ListenAddr is the local host:port the adapter binds, e.g. "127.0.0.1:8765".
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`
	// UpstreamURL selects both the upstream and, via its scheme, the
	// transport: ws(s) means WebSocket, http(s) means Streamable HTTP with
	// a legacy-SSE fallback.
	UpstreamURL string `yaml:"upstream_url" mapstructure:"upstream_url" validate:"omitempty,url"`
}

// RecorderConfig configures the SQLite-backed session store.
type RecorderConfig struct {
	// DBPath is the SQLite database file path. Defaults to
	// "$HOME/.reticle/sessions.db".
	DBPath string `yaml:"db_path" mapstructure:"db_path"`
}

// EventBusConfig configures the UI broadcast channel.
type EventBusConfig struct {
	// UIChannelSize bounds each UI subscriber's queue.
	UIChannelSize int `yaml:"ui_channel_size" mapstructure:"ui_channel_size" validate:"omitempty,min=1"`
	// ObservationChannelSize bounds the queue feeding the interception
	// pipeline from the forwarding path.
	ObservationChannelSize int `yaml:"observation_channel_size" mapstructure:"observation_channel_size" validate:"omitempty,min=1"`
}

// ObservabilityConfig configures the metrics and tracing stack.
type ObservabilityConfig struct {
	// MetricsEnabled controls whether Prometheus metrics are registered.
	MetricsEnabled bool `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
	// MetricsAddr is the host:port the metrics HTTP endpoint binds, e.g.
	// "127.0.0.1:9090".
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
	// TracingEnabled controls whether OTel spans are emitted.
	TracingEnabled bool `yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
}

// SetDefaults fills in zero-valued optional fields.
func (c *Config) SetDefaults() {
	if c.Server.SocketPath == "" {
		c.Server.SocketPath = defaultSocketPath()
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if len(c.Stdio.Allowlist) == 0 {
		c.Stdio.Allowlist = []string{"npx", "node", "python", "python3", "uvx", "uv", "deno", "bun", "bash", "sh"}
	}
	if c.Recorder.DBPath == "" {
		c.Recorder.DBPath = defaultDBPath()
	}
	if c.EventBus.UIChannelSize == 0 {
		c.EventBus.UIChannelSize = 4096
	}
	if c.EventBus.ObservationChannelSize == 0 {
		c.EventBus.ObservationChannelSize = 2048
	}
	if c.Observability.MetricsAddr == "" {
		c.Observability.MetricsAddr = "127.0.0.1:9090"
	}
}

// SetDevDefaults applies permissive overrides when DevMode is set.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}
}
