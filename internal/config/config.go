// Package config handles loading, defaulting, and validation of the VoxDrop
// TOML configuration file. The daemon and the client CLI share one file;
// each reads the sections it cares about.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Server  ServerConfig  `toml:"server"  json:"server"`
	Storage StorageConfig `toml:"storage" json:"storage"`
	CORS    CORSConfig    `toml:"cors"    json:"cors"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
	Upload  UploadConfig  `toml:"upload"  json:"upload"`
	Client  ClientConfig  `toml:"client"  json:"client"`
	Capture CaptureConfig `toml:"capture" json:"capture"`
}

type ServerConfig struct {
	Bind   string `toml:"bind"    json:"bind"`
	WSPath string `toml:"ws_path" json:"ws_path"`
	// MaxMessageBytes caps one WebSocket message, and so one upload.
	MaxMessageBytes  int64 `toml:"max_message_bytes"  json:"max_message_bytes"`
	HeartbeatSeconds int   `toml:"heartbeat_seconds"  json:"heartbeat_seconds"`
}

type StorageConfig struct {
	Dir string `toml:"dir" json:"dir"`
}

type CORSConfig struct {
	Origin string `toml:"origin" json:"origin"`
}

type LoggingConfig struct {
	Level  string `toml:"level"  json:"level"`
	Format string `toml:"format" json:"format"` // console or json
	File   string `toml:"file"   json:"file"`   // optional rotating log file
	Output string `toml:"output" json:"output"` // stdout or stderr
}

type UploadConfig struct {
	// LegacyAck replies with the bare success string instead of the
	// structured acknowledgment object.
	LegacyAck bool `toml:"legacy_ack" json:"legacy_ack"`
}

type ClientConfig struct {
	ServerURL         string `toml:"server_url"          json:"server_url"`
	Filename          string `toml:"filename"            json:"filename"`
	FileType          string `toml:"file_type"           json:"file_type"`
	AckTimeoutSeconds int    `toml:"ack_timeout_seconds" json:"ack_timeout_seconds"`
	Player            string `toml:"player"              json:"player"`
}

type CaptureConfig struct {
	Device      string   `toml:"device"       json:"device"` // "tone" or "command"
	Command     []string `toml:"command"      json:"command"`
	SampleRate  int      `toml:"sample_rate"  json:"sample_rate"`
	TimesliceMS int      `toml:"timeslice_ms" json:"timeslice_ms"`
	ToneHz      float64  `toml:"tone_hz"      json:"tone_hz"`
}

// Default returns a Config populated with sane defaults. Values here are
// used whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:             "0.0.0.0:3000",
			WSPath:           "/ws",
			MaxMessageBytes:  32 << 20,
			HeartbeatSeconds: 10,
		},
		Storage: StorageConfig{
			Dir: "uploads",
		},
		CORS: CORSConfig{
			Origin: "http://localhost:5173",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Client: ClientConfig{
			ServerURL:         "http://127.0.0.1:3000",
			Filename:          "recording.wav",
			FileType:          "audio/wav",
			AckTimeoutSeconds: 30,
			Player:            "aplay",
		},
		Capture: CaptureConfig{
			Device:      "command",
			Command:     []string{"arecord", "-q", "-t", "raw", "-f", "S16_LE", "-c", "1", "-r", "{rate}"},
			SampleRate:  48000,
			TimesliceMS: 250,
			ToneHz:      440,
		},
	}
}

// Load reads the TOML file at path, layers it on top of the defaults, and
// validates the result. An empty path skips the file and validates the
// defaults alone.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// AckTimeout converts the client timeout to a duration. Zero means wait
// indefinitely.
func (c ClientConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSeconds) * time.Second
}

// Heartbeat is the interval between heartbeat broadcasts.
func (c ServerConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Timeslice is how much audio the recorder packs into one fragment.
func (c CaptureConfig) Timeslice() time.Duration {
	return time.Duration(c.TimesliceMS) * time.Millisecond
}

func validate(cfg Config) error {
	if cfg.Storage.Dir == "" {
		return errors.New("storage.dir must not be empty")
	}
	if !strings.HasPrefix(cfg.Server.WSPath, "/") {
		return errors.New("server.ws_path must start with /")
	}
	if cfg.Server.MaxMessageBytes <= 0 {
		return errors.New("server.max_message_bytes must be > 0")
	}
	if cfg.Server.HeartbeatSeconds <= 0 {
		return errors.New("server.heartbeat_seconds must be > 0")
	}
	if cfg.CORS.Origin == "" {
		return errors.New("cors.origin must not be empty")
	}
	switch cfg.Logging.Format {
	case "console", "json":
	default:
		return errors.New("logging.format must be console or json")
	}
	switch cfg.Logging.Output {
	case "", "stdout", "stderr":
	default:
		return errors.New("logging.output must be stdout or stderr")
	}
	if cfg.Client.Filename == "" {
		return errors.New("client.filename must not be empty")
	}
	if filepath.Base(cfg.Client.Filename) != cfg.Client.Filename {
		return errors.New("client.filename must be a bare file name")
	}
	if cfg.Client.AckTimeoutSeconds < 0 {
		return errors.New("client.ack_timeout_seconds must be >= 0")
	}
	switch cfg.Capture.Device {
	case "tone":
	case "command":
		if len(cfg.Capture.Command) == 0 {
			return errors.New("capture.command must not be empty when capture.device is command")
		}
	default:
		return errors.New("capture.device must be tone or command")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be > 0")
	}
	if cfg.Capture.TimesliceMS <= 0 {
		return errors.New("capture.timeslice_ms must be > 0")
	}
	return nil
}
