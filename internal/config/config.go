package config

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/spilink/internal/logging"
	"github.com/danmuck/spilink/internal/protocol"
	"github.com/danmuck/spilink/internal/protocol/frame"
	"github.com/danmuck/spilink/internal/protocol/session"
	"github.com/danmuck/spilink/internal/transport/spidev"
)

const (
	ByteOrderLittle = "little"
	ByteOrderBig    = "big"
)

// Config is the on-disk spilink.toml shape.
type Config struct {
	Device   DeviceConfig   `toml:"device"`
	Protocol ProtocolConfig `toml:"protocol"`
	Log      LogConfig      `toml:"log"`
}

type DeviceConfig struct {
	Path        string `toml:"path"`
	SpeedHz     uint32 `toml:"speed_hz"`
	Mode        uint8  `toml:"mode"`
	BitsPerWord uint8  `toml:"bits_per_word"`
}

type ProtocolConfig struct {
	PayloadSize    int    `toml:"payload_size"`
	ByteOrder      string `toml:"byte_order"`
	MaxMessageSize uint32 `toml:"max_message_size"`
	MaxEmptyFrames int    `toml:"max_empty_frames"`
	StreamCapacity int    `toml:"stream_capacity"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	NoColor    bool   `toml:"no_color"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

func Default() Config {
	dev := spidev.DefaultConfig()
	sess := session.DefaultConfig()
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	return Config{
		Device: DeviceConfig{
			Path:        dev.Path,
			SpeedHz:     dev.SpeedHz,
			Mode:        dev.Mode,
			BitsPerWord: dev.BitsPerWord,
		},
		Protocol: ProtocolConfig{
			PayloadSize:    sess.Geometry.PayloadSize,
			ByteOrder:      ByteOrderLittle,
			MaxMessageSize: sess.MaxMessageSize,
			MaxEmptyFrames: sess.MaxEmptyFrames,
			StreamCapacity: sess.StreamCapacity,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAgeDays: logCfg.MaxAgeDays,
		},
	}
}

// Load overlays the keys defined in the file at path onto Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %s", path, undecoded[0])
	}

	if meta.IsDefined("device", "path") {
		cfg.Device.Path = strings.TrimSpace(raw.Device.Path)
	}
	if meta.IsDefined("device", "speed_hz") {
		cfg.Device.SpeedHz = raw.Device.SpeedHz
	}
	if meta.IsDefined("device", "mode") {
		cfg.Device.Mode = raw.Device.Mode
	}
	if meta.IsDefined("device", "bits_per_word") {
		cfg.Device.BitsPerWord = raw.Device.BitsPerWord
	}

	if meta.IsDefined("protocol", "payload_size") {
		cfg.Protocol.PayloadSize = raw.Protocol.PayloadSize
	}
	if meta.IsDefined("protocol", "byte_order") {
		cfg.Protocol.ByteOrder = strings.ToLower(strings.TrimSpace(raw.Protocol.ByteOrder))
	}
	if meta.IsDefined("protocol", "max_message_size") {
		cfg.Protocol.MaxMessageSize = raw.Protocol.MaxMessageSize
	}
	if meta.IsDefined("protocol", "max_empty_frames") {
		cfg.Protocol.MaxEmptyFrames = raw.Protocol.MaxEmptyFrames
	}
	if meta.IsDefined("protocol", "stream_capacity") {
		cfg.Protocol.StreamCapacity = raw.Protocol.StreamCapacity
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File = strings.TrimSpace(raw.Log.File)
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("log", "max_size_mb") {
		cfg.Log.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		cfg.Log.MaxBackups = raw.Log.MaxBackups
	}
	if meta.IsDefined("log", "max_age_days") {
		cfg.Log.MaxAgeDays = raw.Log.MaxAgeDays
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if err := cfg.SpidevConfig().Validate(); err != nil {
		return err
	}
	sess, err := cfg.SessionConfig()
	if err != nil {
		return err
	}
	if err := sess.Validate(); err != nil {
		return err
	}
	if _, ok := logging.ParseLevel(cfg.Log.Level); !ok {
		return fmt.Errorf("log level %q not recognised", cfg.Log.Level)
	}
	return nil
}

func (c Config) ByteOrder() (binary.ByteOrder, error) {
	switch c.Protocol.ByteOrder {
	case "", ByteOrderLittle:
		return binary.LittleEndian, nil
	case ByteOrderBig:
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("byte order %q must be %q or %q", c.Protocol.ByteOrder, ByteOrderLittle, ByteOrderBig)
	}
}

func (c Config) Geometry() (frame.Geometry, error) {
	order, err := c.ByteOrder()
	if err != nil {
		return frame.Geometry{}, err
	}
	return frame.Geometry{PayloadSize: c.Protocol.PayloadSize, Order: order}, nil
}

func (c Config) SessionConfig() (session.Config, error) {
	geom, err := c.Geometry()
	if err != nil {
		return session.Config{}, err
	}
	capacity := c.Protocol.StreamCapacity
	if capacity == 0 {
		capacity = protocol.MaxStreams
	}
	return session.Config{
		Geometry:       geom,
		MaxMessageSize: c.Protocol.MaxMessageSize,
		MaxEmptyFrames: c.Protocol.MaxEmptyFrames,
		StreamCapacity: capacity,
	}, nil
}

func (c Config) SpidevConfig() spidev.Config {
	return spidev.Config{
		Path:        c.Device.Path,
		SpeedHz:     c.Device.SpeedHz,
		Mode:        c.Device.Mode,
		BitsPerWord: c.Device.BitsPerWord,
		FrameSize:   c.Protocol.PayloadSize + frame.Overhead,
	}
}

func (c Config) LoggingConfig() logging.Config {
	out := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(c.Log.Level); ok {
		out.Level = lvl
	}
	out.File = c.Log.File
	out.NoColor = c.Log.NoColor
	out.MaxSizeMB = c.Log.MaxSizeMB
	out.MaxBackups = c.Log.MaxBackups
	out.MaxAgeDays = c.Log.MaxAgeDays
	return out
}
