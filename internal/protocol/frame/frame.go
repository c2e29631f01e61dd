// Package frame seals and opens fixed-size SPI bus frames.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/spilink/internal/protocol"
)

const (
	StartMagic     byte   = 0xAA
	ChecksumSeed   uint32 = 5381
	Overhead              = 1 + 4
	MinPayloadSize        = protocol.MaxCommandLen
)

// DefaultPayloadSize fills a 256-byte bus transaction.
const DefaultPayloadSize = 256 - Overhead

// Class is the first-byte classification of a received frame.
type Class int

const (
	ClassValid Class = iota
	ClassEmpty
	ClassForeign
)

func (c Class) String() string {
	switch c {
	case ClassValid:
		return "valid"
	case ClassEmpty:
		return "empty"
	default:
		return "foreign"
	}
}

// ChecksumPrev continues a rolling hash: h = h*33 + b.
func ChecksumPrev(b []byte, prev uint32) uint32 {
	h := prev
	for _, c := range b {
		h = (h << 5) + h + uint32(c)
	}
	return h
}

func Checksum(b []byte) uint32 {
	return ChecksumPrev(b, ChecksumSeed)
}

// Geometry is the frame shape shared with the device firmware.
type Geometry struct {
	PayloadSize int
	Order       binary.ByteOrder
}

func DefaultGeometry() Geometry {
	return Geometry{PayloadSize: DefaultPayloadSize, Order: binary.LittleEndian}
}

func (g Geometry) Validate() error {
	if g.PayloadSize < MinPayloadSize {
		return fmt.Errorf("frame: payload size %d below minimum %d", g.PayloadSize, MinPayloadSize)
	}
	if g.PayloadSize > 0xFFFF {
		return fmt.Errorf("frame: payload size %d too large", g.PayloadSize)
	}
	return nil
}

func (g Geometry) FrameSize() int {
	return g.PayloadSize + Overhead
}

func (g Geometry) order() binary.ByteOrder {
	if g.Order == nil {
		return binary.LittleEndian
	}
	return g.Order
}

// Seal writes payload into dst as one frame. dst must be FrameSize bytes;
// unused payload bytes are zeroed.
func (g Geometry) Seal(dst, payload []byte) error {
	if len(dst) != g.FrameSize() {
		return fmt.Errorf("%w: frame buffer is %d bytes, want %d", protocol.ErrEncoding, len(dst), g.FrameSize())
	}
	if len(payload) > g.PayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds frame capacity %d", protocol.ErrEncoding, len(payload), g.PayloadSize)
	}
	dst[0] = StartMagic
	body := dst[1 : 1+g.PayloadSize]
	n := copy(body, payload)
	clear(body[n:])
	g.order().PutUint32(dst[1+g.PayloadSize:], Checksum(dst[:1+g.PayloadSize]))
	return nil
}

// Classify inspects the start byte only.
func (g Geometry) Classify(frame []byte) Class {
	if len(frame) == 0 {
		return ClassForeign
	}
	switch frame[0] {
	case StartMagic:
		return ClassValid
	case 0x00:
		return ClassEmpty
	default:
		return ClassForeign
	}
}

// Open validates frame and returns its payload region, which aliases frame.
func (g Geometry) Open(frame []byte) ([]byte, error) {
	if len(frame) != g.FrameSize() {
		return nil, fmt.Errorf("%w: frame is %d bytes, want %d", protocol.ErrFraming, len(frame), g.FrameSize())
	}
	switch g.Classify(frame) {
	case ClassEmpty:
		return nil, protocol.ErrNoData
	case ClassForeign:
		return nil, fmt.Errorf("%w: unexpected start byte %#02x", protocol.ErrFraming, frame[0])
	}
	end := 1 + g.PayloadSize
	want := g.order().Uint32(frame[end:])
	if got := Checksum(frame[:end]); got != want {
		return nil, fmt.Errorf("%w: computed %#08x, frame carries %#08x", protocol.ErrChecksumMismatch, got, want)
	}
	return frame[1:end], nil
}
