package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Air Vinyl.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Audio     AudioConfig     `yaml:"audio"`
	Capture   CaptureConfig   `yaml:"capture"`
	Transport TransportConfig `yaml:"transport"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Security  SecurityConfig  `yaml:"security"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host         string           `yaml:"host"`
	Port         int              `yaml:"port"`
	Timeouts     APITimeoutConfig `yaml:"timeouts"`
	CORS         CORSConfig       `yaml:"cors"`
	UIPath       string           `yaml:"ui_path"`
	MaxBodyBytes int64            `yaml:"max_body_bytes"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// DiscoveryConfig selects and tunes the device browser.
type DiscoveryConfig struct {
	// Backend is one of "avahi", "dnssd" or "zeroconf".
	Backend     string `yaml:"backend"`
	ServiceType string `yaml:"service_type"`
	Domain      string `yaml:"domain"`

	AvahiBinary string `yaml:"avahi_binary"`
	DNSSDBinary string `yaml:"dnssd_binary"`

	// ResolveTimeout bounds each secondary name lookup.
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`

	// BrowseInterval is the length of one zeroconf browse round. Devices
	// missing from a whole round are reported as removed.
	BrowseInterval time.Duration `yaml:"browse_interval"`

	// RestartDelay is the pause before restarting an exited browser.
	// Zero disables restarts.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// MaxRestarts limits browser restarts. 0 means unlimited.
	MaxRestarts int `yaml:"max_restarts"`
}

// AudioConfig is the PCM format shared by capture and transport.
type AudioConfig struct {
	SampleRate    int `yaml:"sample_rate"`
	Channels      int `yaml:"channels"`
	BitsPerSample int `yaml:"bits_per_sample"`
	ChunkFrames   int `yaml:"chunk_frames"`
}

// CaptureConfig selects the audio capture source.
type CaptureConfig struct {
	// Backend is one of "command", "file" or "portaudio".
	Backend   string                 `yaml:"backend"`
	Command   CaptureCommandConfig   `yaml:"command"`
	File      CaptureFileConfig      `yaml:"file"`
	PortAudio CapturePortAudioConfig `yaml:"portaudio"`
}

// CaptureCommandConfig describes a subprocess writing raw PCM to stdout.
type CaptureCommandConfig struct {
	Binary          string        `yaml:"binary"`
	Args            []string      `yaml:"args"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	// StartupGrace is how long the command must survive for the start to
	// count as successful. Zero skips the check.
	StartupGrace time.Duration `yaml:"startup_grace"`
}

// CaptureFileConfig describes an MP3 file played as the capture source.
type CaptureFileConfig struct {
	Path string `yaml:"path"`
	Loop bool   `yaml:"loop"`
}

// CapturePortAudioConfig tunes the in-process input stream.
type CapturePortAudioConfig struct {
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// TransportConfig selects the transport backend and its limits.
type TransportConfig struct {
	// Backend is one of "raop_play" or "rtp".
	Backend string `yaml:"backend"`

	// LatencyFrames is the desired receiver buffering, in frames.
	LatencyFrames int `yaml:"latency_frames"`

	Timeouts TransportTimeoutConfig `yaml:"timeouts"`
	RAOP     RAOPConfig             `yaml:"raop"`
	RTP      RTPConfig              `yaml:"rtp"`
}

// TransportTimeoutConfig bounds every transport operation.
type TransportTimeoutConfig struct {
	Connect  time.Duration `yaml:"connect"`
	Send     time.Duration `yaml:"send"`
	Control  time.Duration `yaml:"control"`
	Teardown time.Duration `yaml:"teardown"`
}

// RAOPConfig configures the raop_play subprocess backend.
type RAOPConfig struct {
	Binary       string        `yaml:"binary"`
	DeviceVolume int           `yaml:"device_volume"`
	ALAC         bool          `yaml:"alac"`
	Encrypt      bool          `yaml:"encrypt"`
	StartupGrace time.Duration `yaml:"startup_grace"`
}

// Duration fields accept either a Go duration string ("5s", "200ms") or a
// bare integer, read as seconds.

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *DiscoveryConfig) UnmarshalYAML(value *yaml.Node) error {
	secondsToDuration(value, "resolve_timeout", "browse_interval", "restart_delay")
	type plain DiscoveryConfig
	return value.Decode((*plain)(c))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *CaptureCommandConfig) UnmarshalYAML(value *yaml.Node) error {
	secondsToDuration(value, "graceful_timeout", "startup_grace")
	type plain CaptureCommandConfig
	return value.Decode((*plain)(c))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *TransportTimeoutConfig) UnmarshalYAML(value *yaml.Node) error {
	secondsToDuration(value, "connect", "send", "control", "teardown")
	type plain TransportTimeoutConfig
	return value.Decode((*plain)(c))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *RAOPConfig) UnmarshalYAML(value *yaml.Node) error {
	secondsToDuration(value, "startup_grace")
	type plain RAOPConfig
	return value.Decode((*plain)(c))
}

// secondsToDuration rewrites integer values of the given mapping keys to
// second-suffixed strings so they decode into time.Duration.
func secondsToDuration(value *yaml.Node, keys ...string) {
	if value.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if val.Kind != yaml.ScalarNode || val.ShortTag() != "!!int" || !slices.Contains(keys, key.Value) {
			continue
		}
		val.Value += "s"
		val.Tag = "!!str"
		val.Style = 0
	}
}

// RTPConfig configures the in-process RTP backend.
type RTPConfig struct {
	PayloadType uint8 `yaml:"payload_type"`
	// Port overrides the port advertised by discovery. 0 keeps it.
	Port int `yaml:"port"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	Org            string `yaml:"org"`
	Bucket         string `yaml:"bucket"`
	BatchSize      int    `yaml:"batch_size"`
	FlushInterval  int    `yaml:"flush_interval"`
	ReportInterval int    `yaml:"report_interval"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings. An empty secret disables auth.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Variables from an optional .env file (never replacing the real environment)
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: AIRVINYL_SECTION_KEY.
// PORT and AIR_VINYL_UI are honoured as well.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadEnvFile loads AIRVINYL_ENV_FILE (default ".env") if it exists.
func loadEnvFile() error {
	path := os.Getenv("AIRVINYL_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
			Output: "stderr",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3030,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			MaxBodyBytes: 16 * 1024,
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Discovery: DiscoveryConfig{
			Backend:        "avahi",
			ServiceType:    "_raop._tcp",
			Domain:         "local.",
			AvahiBinary:    "avahi-browse",
			DNSSDBinary:    "dns-sd",
			ResolveTimeout: 5 * time.Second,
			BrowseInterval: 10 * time.Second,
			RestartDelay:   5 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate:    44100,
			Channels:      2,
			BitsPerSample: 16,
			ChunkFrames:   352,
		},
		Capture: CaptureConfig{
			Backend: "command",
			Command: CaptureCommandConfig{
				Binary:          "arecord",
				Args:            []string{"-t", "raw", "-f", "cd", "--device=hw:1,0"},
				GracefulTimeout: 2 * time.Second,
				StartupGrace:    200 * time.Millisecond,
			},
			PortAudio: CapturePortAudioConfig{
				FramesPerBuffer: 352,
			},
		},
		Transport: TransportConfig{
			Backend:       "raop_play",
			LatencyFrames: 44100,
			Timeouts: TransportTimeoutConfig{
				Connect:  10 * time.Second,
				Send:     2 * time.Second,
				Control:  3 * time.Second,
				Teardown: 5 * time.Second,
			},
			RAOP: RAOPConfig{
				Binary:       "raop_play",
				DeviceVolume: 100,
				ALAC:         true,
				StartupGrace: 500 * time.Millisecond,
			},
			RTP: RTPConfig{
				PayloadType: 10,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "airvinyl",
			},
			QoS:         1,
			TopicPrefix: "airvinyl",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			Bucket:         "airvinyl",
			BatchSize:      100,
			FlushInterval:  10,
			ReportInterval: 10,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 24 * 60,
			},
		},
	}

	if runtime.GOOS == "darwin" {
		cfg.Discovery.Backend = "dnssd"
		cfg.Capture.Command = CaptureCommandConfig{
			Binary: "sox",
			Args: []string{
				"--no-show-progress", "--default-device",
				"--encoding", "signed-integer", "--channels", "2", "--bits", "16",
				"--endian", "little", "--rate", "44100", "--type", "raw", "-",
			},
			GracefulTimeout: 2 * time.Second,
			StartupGrace:    200 * time.Millisecond,
		}
	}

	return cfg
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: AIRVINYL_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Logging
	if v := os.Getenv("AIRVINYL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// API
	if v := os.Getenv("AIRVINYL_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	for _, key := range []string{"PORT", "AIRVINYL_API_PORT"} {
		if v := os.Getenv(key); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", key, err)
			}
			cfg.API.Port = port
		}
	}
	for _, key := range []string{"AIR_VINYL_UI", "AIRVINYL_UI_PATH"} {
		if v := os.Getenv(key); v != "" {
			cfg.API.UIPath = v
		}
	}

	// Discovery, capture and transport
	if v := os.Getenv("AIRVINYL_DISCOVERY_BACKEND"); v != "" {
		cfg.Discovery.Backend = v
	}
	if v := os.Getenv("AIRVINYL_CAPTURE_BACKEND"); v != "" {
		cfg.Capture.Backend = v
	}
	if v := os.Getenv("AIRVINYL_CAPTURE_FILE"); v != "" {
		cfg.Capture.File.Path = v
	}
	if v := os.Getenv("AIRVINYL_TRANSPORT_BACKEND"); v != "" {
		cfg.Transport.Backend = v
	}

	// MQTT
	if v := os.Getenv("AIRVINYL_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("AIRVINYL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("AIRVINYL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("AIRVINYL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("AIRVINYL_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.MaxBodyBytes <= 0 {
		errs = append(errs, "api.max_body_bytes must be positive")
	}

	// Discovery validation
	switch c.Discovery.Backend {
	case "avahi", "dnssd", "zeroconf":
	default:
		errs = append(errs, fmt.Sprintf("discovery.backend %q must be avahi, dnssd or zeroconf", c.Discovery.Backend))
	}
	if c.Discovery.ServiceType == "" {
		errs = append(errs, "discovery.service_type is required")
	}
	if c.Discovery.MaxRestarts < 0 {
		errs = append(errs, "discovery.max_restarts must not be negative")
	}

	// Audio validation
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, "audio.sample_rate must be positive")
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		errs = append(errs, "audio.channels must be 1 or 2")
	}
	if c.Audio.BitsPerSample != 16 {
		errs = append(errs, "audio.bits_per_sample must be 16")
	}
	if c.Audio.ChunkFrames <= 0 {
		errs = append(errs, "audio.chunk_frames must be positive")
	}

	// Capture validation
	switch c.Capture.Backend {
	case "command":
		if c.Capture.Command.Binary == "" {
			errs = append(errs, "capture.command.binary is required")
		}
	case "file":
		if c.Capture.File.Path == "" {
			errs = append(errs, "capture.file.path is required")
		}
	case "portaudio":
	default:
		errs = append(errs, fmt.Sprintf("capture.backend %q must be command, file or portaudio", c.Capture.Backend))
	}

	// Transport validation
	switch c.Transport.Backend {
	case "raop_play":
		if c.Transport.RAOP.Binary == "" {
			errs = append(errs, "transport.raop.binary is required")
		}
		if c.Transport.RAOP.DeviceVolume < 0 || c.Transport.RAOP.DeviceVolume > 100 {
			errs = append(errs, "transport.raop.device_volume must be between 0 and 100")
		}
	case "rtp":
		if c.Transport.RTP.PayloadType > 127 {
			errs = append(errs, "transport.rtp.payload_type must be below 128")
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.backend %q must be raop_play or rtp", c.Transport.Backend))
	}
	if c.Transport.LatencyFrames < 0 {
		errs = append(errs, "transport.latency_frames must not be negative")
	}
	t := c.Transport.Timeouts
	if t.Connect <= 0 || t.Send <= 0 || t.Control <= 0 || t.Teardown <= 0 {
		errs = append(errs, "transport.timeouts must all be positive")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// A configured secret turns auth on, so it must be strong enough to matter.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// AuthEnabled reports whether mutating API routes require a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.Security.JWT.Secret != ""
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c APIConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c APIConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c APIConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}

// GetReportInterval returns the InfluxDB relay report interval as a Duration.
func (c *Config) GetReportInterval() time.Duration {
	return time.Duration(c.InfluxDB.ReportInterval) * time.Second
}
