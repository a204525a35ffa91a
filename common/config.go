package common

import "github.com/spf13/viper"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Broker Server Related Config

// BrokerEndpointConfig defines broker API endpoint config
type BrokerEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the broker APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// BrokerServerConfig defines configuration for the broker API server
type BrokerServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the broker API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the broker API server
	Endpoints BrokerEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// MaxConnections caps the number of concurrently served connections.
	// Zero means no limit.
	MaxConnections int `mapstructure:"max_connections" json:"max_connections" validate:"gte=0"`
}

// ===============================================================================
// Hub Related Config

// HubConfig defines parameters for the connection registry / broadcast hub
type HubConfig struct {
	// EventBufferSize is the backlog of pending hub events before
	// submission blocks
	EventBufferSize int `mapstructure:"event_buffer_size" json:"event_buffer_size" validate:"gte=1"`
}

// ===============================================================================
// Session Related Config

// SessionConfig defines per-connection WebSocket session parameters
type SessionConfig struct {
	// HeartbeatInterval is the interval between transport pings in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// HeartbeatTimeout is the max duration without inbound ping / pong
	// before the connection is considered dead, in seconds
	HeartbeatTimeout int `mapstructure:"heartbeat_timeout_sec" json:"heartbeat_timeout_sec" validate:"gte=1"`
	// OutboundBufferSize is the per-session outbound frame backlog. When
	// full, further deliveries to that session are dropped.
	OutboundBufferSize int `mapstructure:"outbound_buffer_size" json:"outbound_buffer_size" validate:"gte=1"`
	// MaxMessageSize is the largest inbound frame accepted in bytes
	MaxMessageSize int64 `mapstructure:"max_message_size" json:"max_message_size" validate:"gte=1"`
	// CommandRatePerSec limits how many client commands are processed
	// per second. Zero disables the limit.
	CommandRatePerSec float64 `mapstructure:"command_rate_per_sec" json:"command_rate_per_sec" validate:"gte=0"`
	// CommandBurst is the command rate limiter burst allowance
	CommandBurst int `mapstructure:"command_burst" json:"command_burst" validate:"gte=0"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the broker
type SystemConfig struct {
	// Broker are the broker API server configs
	Broker BrokerServerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// Hub are the connection registry / broadcast hub configs
	Hub HubConfig `mapstructure:"hub" json:"hub" validate:"required,dive"`
	// Session are the per-connection session configs
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default broker server settings
	viper.SetDefault("broker.endpoint_config.path_prefix", "/")
	viper.SetDefault("broker.max_connections", 0)
	viper.SetDefault("broker.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("broker.api_server.server_config.listen_port", 8080)
	viper.SetDefault("broker.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("broker.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("broker.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"broker.api_server.logging_config.request_id_header", "Wsbroker-Request-ID",
	)

	// Default hub settings
	viper.SetDefault("hub.event_buffer_size", 512)

	// Default session settings
	viper.SetDefault("session.heartbeat_interval_sec", 15)
	viper.SetDefault("session.heartbeat_timeout_sec", 30)
	viper.SetDefault("session.outbound_buffer_size", 256)
	viper.SetDefault("session.max_message_size", 65536)
	viper.SetDefault("session.command_rate_per_sec", 16)
	viper.SetDefault("session.command_burst", 32)
}
