package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the server and the agent
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Radio    RadioConfig    `toml:"radio"`
	MQTT     MQTTConfig     `toml:"mqtt"`
	Firmware FirmwareConfig `toml:"firmware"`
	Agent    AgentConfig    `toml:"agent"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	ReadTimeout  int    `toml:"read_timeout"`
	WriteTimeout int    `toml:"write_timeout"`
	TLS          bool   `toml:"tls"`
	CertDir      string `toml:"cert_dir"`
}

// RadioConfig holds the serial LoRa modem settings. An empty port disables the radio.
type RadioConfig struct {
	Port           string `toml:"port"`
	Baud           int    `toml:"baud"`
	PollIntervalMs int    `toml:"poll_interval_ms"`
}

// MQTTConfig holds the broker bridge settings
type MQTTConfig struct {
	Enabled      bool   `toml:"enabled"`
	BrokerURL    string `toml:"broker_url"`
	ClientID     string `toml:"client_id"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	Topic        string `toml:"topic"`
	NodeIDLevel  int    `toml:"node_id_level"`
	QoS          int    `toml:"qos"`
	CommandTopic string `toml:"command_topic"`
}

// FirmwareConfig holds build and distribution settings
type FirmwareConfig struct {
	SourceDir      string `toml:"source_dir"`
	OutputDir      string `toml:"output_dir"`
	CatalogPath    string `toml:"catalog_path"`
	JournalPath    string `toml:"journal_path"`
	InitialVersion string `toml:"initial_version"`
	BuildTimeout   int    `toml:"build_timeout_s"`
	PioCommand     string `toml:"pio_command"`
	PioEnv         string `toml:"pio_env"`
}

// AgentConfig holds the edge agent settings
type AgentConfig struct {
	ServerURL          string `toml:"server_url"`
	DataDir            string `toml:"data_dir"`
	UpdateInterval     int    `toml:"update_interval_s"`
	RelayIntervalMs    int    `toml:"relay_interval_ms"`
	InstalledVersion   string `toml:"installed_version"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Load loads configuration from a TOML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	return &config, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for config
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30
	}
	if c.Server.CertDir == "" {
		c.Server.CertDir = "certs"
	}
	if c.Radio.Baud == 0 {
		c.Radio.Baud = 115200
	}
	if c.Radio.PollIntervalMs == 0 {
		c.Radio.PollIntervalMs = 100
	}
	if c.MQTT.BrokerURL == "" {
		c.MQTT.BrokerURL = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "lightsout-server"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "lights_out/+/state"
	}
	if c.MQTT.NodeIDLevel == 0 {
		c.MQTT.NodeIDLevel = 1
	}
	if c.MQTT.QoS < 0 {
		c.MQTT.QoS = 0
	}
	if c.MQTT.QoS > 2 {
		c.MQTT.QoS = 2
	}
	if c.MQTT.CommandTopic == "" {
		c.MQTT.CommandTopic = "lights_out/command"
	}
	if c.Firmware.SourceDir == "" {
		c.Firmware.SourceDir = "firmware"
	}
	if c.Firmware.OutputDir == "" {
		c.Firmware.OutputDir = "dist"
	}
	if c.Firmware.CatalogPath == "" {
		c.Firmware.CatalogPath = filepath.Join(c.Firmware.SourceDir, "version.json")
	}
	if c.Firmware.JournalPath == "" {
		c.Firmware.JournalPath = filepath.Join(c.Firmware.OutputDir, "builds.db")
	}
	if c.Firmware.InitialVersion == "" {
		c.Firmware.InitialVersion = "1.0.0"
	}
	if c.Firmware.BuildTimeout == 0 {
		c.Firmware.BuildTimeout = 600
	}
	if c.Firmware.PioCommand == "" {
		c.Firmware.PioCommand = "platformio"
	}
	if c.Firmware.PioEnv == "" {
		c.Firmware.PioEnv = "heltec_wifi_lora_32_V3"
	}
	if c.Agent.ServerURL == "" {
		c.Agent.ServerURL = "http://localhost:5000"
	}
	if c.Agent.DataDir == "" {
		c.Agent.DataDir = "data"
	}
	if c.Agent.UpdateInterval == 0 {
		c.Agent.UpdateInterval = 10
	}
	if c.Agent.RelayIntervalMs == 0 {
		c.Agent.RelayIntervalMs = 1000
	}
}

// ApplyEnv overrides selected settings from the environment
func (c *Config) ApplyEnv() {
	c.Server.Host = getenv("LIGHTSOUT_SERVER_HOST", c.Server.Host)
	c.Server.Port = getenvInt("LIGHTSOUT_SERVER_PORT", c.Server.Port)
	c.Server.TLS = getenvBool("LIGHTSOUT_SERVER_TLS", c.Server.TLS)
	c.Radio.Port = getenv("LIGHTSOUT_SERIAL_PORT", c.Radio.Port)
	c.Radio.Baud = getenvInt("LIGHTSOUT_SERIAL_BAUD", c.Radio.Baud)
	c.MQTT.Enabled = getenvBool("LIGHTSOUT_MQTT_ENABLED", c.MQTT.Enabled)
	c.MQTT.BrokerURL = getenv("LIGHTSOUT_MQTT_BROKER_URL", c.MQTT.BrokerURL)
	c.MQTT.Username = getenv("LIGHTSOUT_MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getenv("LIGHTSOUT_MQTT_PASSWORD", c.MQTT.Password)
	c.Firmware.SourceDir = getenv("LIGHTSOUT_FIRMWARE_DIR", c.Firmware.SourceDir)
	c.Firmware.OutputDir = getenv("LIGHTSOUT_OUTPUT_DIR", c.Firmware.OutputDir)
	c.Agent.ServerURL = getenv("LIGHTSOUT_SERVER_URL", c.Agent.ServerURL)
	c.Agent.InstalledVersion = getenv("LIGHTSOUT_INSTALLED_VERSION", c.Agent.InstalledVersion)
}

// Addr returns the listen address of the HTTP server
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *RadioConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *FirmwareConfig) Timeout() time.Duration {
	return time.Duration(c.BuildTimeout) * time.Second
}

func (c *AgentConfig) UpdatePollInterval() time.Duration {
	return time.Duration(c.UpdateInterval) * time.Second
}

func (c *AgentConfig) RelayInterval() time.Duration {
	return time.Duration(c.RelayIntervalMs) * time.Millisecond
}

// LoadOrGenerateAgentID returns the agent's persistent identifier,
// generating and saving a new one on first use
func LoadOrGenerateAgentID(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	idPath := filepath.Join(dataDir, "agent.id")

	data, err := os.ReadFile(idPath)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to read agent ID: %w", err)
	}

	id := "agent-" + uuid.New().String()
	if err := os.WriteFile(idPath, []byte(id), 0644); err != nil {
		return "", fmt.Errorf("failed to save agent ID: %w", err)
	}

	return id, nil
}

// Truncate shortens a payload sample for log lines
func Truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
