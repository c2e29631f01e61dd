package session

import (
	"fmt"

	"github.com/danmuck/spilink/internal/protocol"
	"github.com/danmuck/spilink/internal/protocol/frame"
)

// Config defines engine limits and frame geometry.
type Config struct {
	Geometry frame.Geometry
	// MaxMessageSize bounds the buffer a single fetch may allocate.
	MaxMessageSize uint32
	// MaxEmptyFrames is how many consecutive "no data yet" frames a receive
	// tolerates before failing with protocol.ErrNoData. Zero fails at once.
	MaxEmptyFrames int
	// StreamCapacity bounds the catalog count accepted from the device.
	StreamCapacity int
}

func DefaultConfig() Config {
	return Config{
		Geometry:       frame.DefaultGeometry(),
		MaxMessageSize: 16 * 1024 * 1024,
		MaxEmptyFrames: 0,
		StreamCapacity: protocol.MaxStreams,
	}
}

func (c Config) Validate() error {
	if err := c.Geometry.Validate(); err != nil {
		return err
	}
	if c.MaxMessageSize == 0 {
		return fmt.Errorf("session: max message size must be positive")
	}
	if c.MaxEmptyFrames < 0 {
		return fmt.Errorf("session: max empty frames must not be negative")
	}
	if c.StreamCapacity < 1 || c.StreamCapacity > protocol.MaxStreams {
		return fmt.Errorf("session: stream capacity %d outside 1..%d", c.StreamCapacity, protocol.MaxStreams)
	}
	return nil
}
