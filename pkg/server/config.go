package server

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Rooms  RoomsSection  `toml:"rooms"`
}

type ServerSection struct {
	Host        string `toml:"host"`
	TCPPort     int    `toml:"tcp_port"`
	SSHPort     int    `toml:"ssh_port"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
	DataDir     string `toml:"data_dir"`
	ServerName  string `toml:"server_name"`
	SSHHostKey  string `toml:"ssh_host_key"`
}

type LimitsSection struct {
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
	WriteTimeoutSeconds     int `toml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds  int `toml:"shutdown_timeout_seconds"`
}

type RoomsSection struct {
	DefaultRoom string   `toml:"default_room"`
	SeedRooms   []string `toml:"seed_rooms"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Host:        "0.0.0.0",
			TCPPort:     65432,
			HTTPPort:    8080,
			MetricsPort: 9090,
			DataDir:     "~/.local/share/cyberchat",
			ServerName:  "Cyberpunk Chat",
		},
		Limits: LimitsSection{
			HandshakeTimeoutSeconds: 10,
			WriteTimeoutSeconds:     5,
			ShutdownTimeoutSeconds:  5,
		},
		Rooms: RoomsSection{
			DefaultRoom: "general",
		},
	}
}

// ExpandPath expands a leading ~/ to the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Can't write the file (read-only dir?), still run on defaults
			debugLog.Printf("Could not write default config to %s: %v", path, err)
		}
		return applyEnvOverrides(config), nil
	}

	// Decode on top of the defaults so keys missing from the file keep their default
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: CYBERCHAT_SECTION_KEY
// Example: CYBERCHAT_SERVER_TCP_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envString("CYBERCHAT_SERVER_HOST", &config.Server.Host)
	envInt("CYBERCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("CYBERCHAT_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("CYBERCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("CYBERCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("CYBERCHAT_SERVER_DATA_DIR", &config.Server.DataDir)
	envString("CYBERCHAT_SERVER_SERVER_NAME", &config.Server.ServerName)
	envString("CYBERCHAT_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)

	envInt("CYBERCHAT_LIMITS_HANDSHAKE_TIMEOUT_SECONDS", &config.Limits.HandshakeTimeoutSeconds)
	envInt("CYBERCHAT_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envInt("CYBERCHAT_LIMITS_SHUTDOWN_TIMEOUT_SECONDS", &config.Limits.ShutdownTimeoutSeconds)

	envString("CYBERCHAT_ROOMS_DEFAULT_ROOM", &config.Rooms.DefaultRoom)
	if val := os.Getenv("CYBERCHAT_ROOMS_SEED_ROOMS"); val != "" {
		// Comma-separated list of room names
		rooms := strings.Split(val, ",")
		seeds := rooms[:0]
		for _, room := range rooms {
			if room = strings.TrimSpace(room); room != "" {
				seeds = append(seeds, room)
			}
		}
		config.Rooms.SeedRooms = seeds
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# Cyberchat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# CYBERCHAT_SECTION_KEY (e.g., CYBERCHAT_SERVER_TCP_PORT=7000)

[server]
# Interface to bind
host = "0.0.0.0"

# Port for raw TCP clients (0 disables the TCP listener)
tcp_port = 65432

# Port for SSH clients, same protocol inside a session channel
# (e.g. ssh -p 6466 host). Set to 0 to disable
ssh_port = 0

# SSH host key, generated on first use. Defaults to <data_dir>/ssh_host_key
# ssh_host_key = "~/.local/share/cyberchat/ssh_host_key"

# Port for the public HTTP server (/ws WebSocket endpoint, /health)
# Set to 0 to disable
http_port = 8080

# Port for the internal metrics server (/metrics, /health)
# Set to 0 to disable
metrics_port = 9090

# Directory for errors.log, server.log and debug.log
data_dir = "~/.local/share/cyberchat"

# Shown in the welcome message
server_name = "Cyberpunk Chat"

[limits]
# Seconds a new connection has to send its name
handshake_timeout_seconds = 10

# Seconds a single write to a client may block before it counts as failed
write_timeout_seconds = 5

# Seconds to wait for sessions to drain on shutdown
shutdown_timeout_seconds = 5

[rooms]
# Room every session joins after the handshake. "general" exists regardless.
default_room = "general"

# Extra rooms that exist from startup (rooms are otherwise created on first /join)
# seed_rooms = ["zion", "nebuchadnezzar"]
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// listenAddr joins host and port. Port 0 disables the listener and a
// negative port keeps the default address.
func listenAddr(host string, port int, fallback string) string {
	switch {
	case port == 0:
		return ""
	case port < 0:
		return fallback
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	host := strings.TrimSpace(c.Server.Host)
	if host == "" {
		host = DefaultTOMLConfig().Server.Host
	}
	cfg.TCPAddr = listenAddr(host, c.Server.TCPPort, cfg.TCPAddr)
	cfg.SSHAddr = listenAddr(host, c.Server.SSHPort, cfg.SSHAddr)
	cfg.HTTPAddr = listenAddr(host, c.Server.HTTPPort, cfg.HTTPAddr)
	cfg.MetricsAddr = listenAddr(host, c.Server.MetricsPort, cfg.MetricsAddr)

	if strings.TrimSpace(c.Server.DataDir) != "" {
		cfg.DataDir = c.Server.DataDir
	}
	if strings.TrimSpace(c.Server.ServerName) != "" {
		cfg.ServerName = c.Server.ServerName
	}
	cfg.SSHHostKeyPath = strings.TrimSpace(c.Server.SSHHostKey)

	if c.Limits.HandshakeTimeoutSeconds > 0 {
		cfg.HandshakeTimeoutSeconds = c.Limits.HandshakeTimeoutSeconds
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeoutSeconds = c.Limits.WriteTimeoutSeconds
	}
	if c.Limits.ShutdownTimeoutSeconds > 0 {
		cfg.ShutdownTimeoutSeconds = c.Limits.ShutdownTimeoutSeconds
	}

	if room := strings.TrimSpace(c.Rooms.DefaultRoom); room != "" {
		cfg.DefaultRoom = room
	}
	if len(c.Rooms.SeedRooms) > 0 {
		cfg.SeedRooms = append([]string(nil), c.Rooms.SeedRooms...)
	}

	return cfg
}
