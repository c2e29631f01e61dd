// Package spidev drives a Linux spidev character device as a session
// transport. Each Send and Receive is one full-duplex SPI_IOC_MESSAGE
// transfer of exactly one frame.
package spidev

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupported = errors.New("spidev: not supported on this platform")
	ErrClosed      = errors.New("spidev: device closed")
)

// Config selects the device node and bus parameters.
type Config struct {
	Path        string
	SpeedHz     uint32
	Mode        uint8
	BitsPerWord uint8
	FrameSize   int
}

func DefaultConfig() Config {
	return Config{
		Path:        "/dev/spidev0.0",
		SpeedHz:     4_000_000,
		Mode:        0,
		BitsPerWord: 8,
		FrameSize:   256,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("spidev: missing device path")
	}
	if c.SpeedHz == 0 {
		return fmt.Errorf("spidev: speed must be positive")
	}
	if c.Mode > 3 {
		return fmt.Errorf("spidev: mode %d outside 0..3", c.Mode)
	}
	if c.BitsPerWord == 0 {
		return fmt.Errorf("spidev: bits per word must be positive")
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("spidev: frame size must be positive")
	}
	return nil
}
