// Package config loads venue host configuration from an optional YAML file
// overlaid with environment variables, falling back to the defaults from
// spec.md §6.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Room    RoomConfig    `yaml:"room"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RelayConfig carries every tunable named in spec.md §6.
type RelayConfig struct {
	MaxFileMB               int `yaml:"max_file_mb"`
	HeartbeatIntervalMs     int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs      int `yaml:"heartbeat_timeout_ms"`
	IdleTransferTimeoutMs   int `yaml:"idle_transfer_timeout_ms"`
	SendTimeoutMs           int `yaml:"send_timeout_ms"`
	MaxInFlightBytesPerXfer int `yaml:"max_in_flight_bytes_per_transfer"`
	ChunkSizeBytes          int `yaml:"chunk_size_bytes"`
	ProgressIntervalMs      int `yaml:"progress_interval_ms"`
	ProgressBytes           int `yaml:"progress_bytes"`
	TransferLingerMs        int `yaml:"transfer_linger_ms"`
	RateLimitPerSec         int `yaml:"rate_limit_per_sec"`
	RateLimitBurst          int `yaml:"rate_limit_burst"`
	MaxTextFrameBytes       int `yaml:"max_text_frame_bytes"`
}

type RoomConfig struct {
	Name       string `yaml:"name"`
	Locked     bool   `yaml:"locked"`
	AdminToken string `yaml:"admin_token"`
	HostPeerID string `yaml:"host_peer_id"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load builds a Config from built-in defaults, an optional YAML file at
// path (ignored if empty or unreadable), and environment variable
// overrides — in that precedence order, lowest to highest.
func Load(path string) *Config {
	cfg := defaultConfig()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	applyEnvOverrides(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("VENUEHOST_HOST", "0.0.0.0"),
			Port: getEnvInt("VENUEHOST_PORT", 8787),
		},
		Relay: RelayConfig{
			MaxFileMB:               getEnvInt("VENUEHOST_MAX_FILE_MB", 50),
			HeartbeatIntervalMs:     getEnvInt("VENUEHOST_HEARTBEAT_INTERVAL_MS", 15000),
			HeartbeatTimeoutMs:      getEnvInt("VENUEHOST_HEARTBEAT_TIMEOUT_MS", 45000),
			IdleTransferTimeoutMs:   getEnvInt("VENUEHOST_IDLE_TRANSFER_TIMEOUT_MS", 30000),
			SendTimeoutMs:           getEnvInt("VENUEHOST_SEND_TIMEOUT_MS", 30000),
			MaxInFlightBytesPerXfer: getEnvInt("VENUEHOST_MAX_IN_FLIGHT_BYTES", 1048576),
			ChunkSizeBytes:          getEnvInt("VENUEHOST_CHUNK_SIZE_BYTES", 65536),
			ProgressIntervalMs:      getEnvInt("VENUEHOST_PROGRESS_INTERVAL_MS", 500),
			ProgressBytes:           getEnvInt("VENUEHOST_PROGRESS_BYTES", 524288),
			TransferLingerMs:        getEnvInt("VENUEHOST_TRANSFER_LINGER_MS", 5000),
			RateLimitPerSec:         getEnvInt("VENUEHOST_RATE_LIMIT_PER_SEC", 20),
			RateLimitBurst:          getEnvInt("VENUEHOST_RATE_LIMIT_BURST", 40),
			MaxTextFrameBytes:       getEnvInt("VENUEHOST_MAX_TEXT_FRAME_BYTES", 65536),
		},
		Room: RoomConfig{
			Name:       getEnv("VENUEHOST_ROOM_NAME", "Pandemic Room"),
			Locked:     getEnvBool("VENUEHOST_ROOM_LOCKED", false),
			AdminToken: getEnv("VENUEHOST_ADMIN_TOKEN", ""),
			HostPeerID: getEnv("VENUEHOST_HOST_PEER_ID", ""),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("VENUEHOST_METRICS_ENABLED", true),
			Path:    getEnv("VENUEHOST_METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("VENUEHOST_LOG_LEVEL", "info"),
			Format: getEnv("VENUEHOST_LOG_FORMAT", "json"),
		},
	}
}

// applyEnvOverrides re-applies env vars on top of whatever the YAML file set,
// so environment variables always win.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Host = getEnv("VENUEHOST_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("VENUEHOST_PORT", cfg.Server.Port)

	cfg.Relay.MaxFileMB = getEnvInt("VENUEHOST_MAX_FILE_MB", cfg.Relay.MaxFileMB)
	cfg.Relay.HeartbeatIntervalMs = getEnvInt("VENUEHOST_HEARTBEAT_INTERVAL_MS", cfg.Relay.HeartbeatIntervalMs)
	cfg.Relay.HeartbeatTimeoutMs = getEnvInt("VENUEHOST_HEARTBEAT_TIMEOUT_MS", cfg.Relay.HeartbeatTimeoutMs)
	cfg.Relay.IdleTransferTimeoutMs = getEnvInt("VENUEHOST_IDLE_TRANSFER_TIMEOUT_MS", cfg.Relay.IdleTransferTimeoutMs)
	cfg.Relay.SendTimeoutMs = getEnvInt("VENUEHOST_SEND_TIMEOUT_MS", cfg.Relay.SendTimeoutMs)
	cfg.Relay.MaxInFlightBytesPerXfer = getEnvInt("VENUEHOST_MAX_IN_FLIGHT_BYTES", cfg.Relay.MaxInFlightBytesPerXfer)
	cfg.Relay.ChunkSizeBytes = getEnvInt("VENUEHOST_CHUNK_SIZE_BYTES", cfg.Relay.ChunkSizeBytes)
	cfg.Relay.ProgressIntervalMs = getEnvInt("VENUEHOST_PROGRESS_INTERVAL_MS", cfg.Relay.ProgressIntervalMs)
	cfg.Relay.ProgressBytes = getEnvInt("VENUEHOST_PROGRESS_BYTES", cfg.Relay.ProgressBytes)
	cfg.Relay.TransferLingerMs = getEnvInt("VENUEHOST_TRANSFER_LINGER_MS", cfg.Relay.TransferLingerMs)
	cfg.Relay.RateLimitPerSec = getEnvInt("VENUEHOST_RATE_LIMIT_PER_SEC", cfg.Relay.RateLimitPerSec)
	cfg.Relay.RateLimitBurst = getEnvInt("VENUEHOST_RATE_LIMIT_BURST", cfg.Relay.RateLimitBurst)
	cfg.Relay.MaxTextFrameBytes = getEnvInt("VENUEHOST_MAX_TEXT_FRAME_BYTES", cfg.Relay.MaxTextFrameBytes)

	cfg.Room.Name = getEnv("VENUEHOST_ROOM_NAME", cfg.Room.Name)
	cfg.Room.Locked = getEnvBool("VENUEHOST_ROOM_LOCKED", cfg.Room.Locked)
	cfg.Room.AdminToken = getEnv("VENUEHOST_ADMIN_TOKEN", cfg.Room.AdminToken)
	cfg.Room.HostPeerID = getEnv("VENUEHOST_HOST_PEER_ID", cfg.Room.HostPeerID)

	cfg.Metrics.Enabled = getEnvBool("VENUEHOST_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Path = getEnv("VENUEHOST_METRICS_PATH", cfg.Metrics.Path)

	cfg.Logging.Level = getEnv("VENUEHOST_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("VENUEHOST_LOG_FORMAT", cfg.Logging.Format)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
