package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/spilink/internal/logging"
	"github.com/danmuck/spilink/internal/observability"
	"github.com/danmuck/spilink/internal/protocol"
	"github.com/danmuck/spilink/internal/protocol/frame"
	"github.com/rs/zerolog"
)

var ErrNilTransport = errors.New("session: nil transport")

// Engine runs one command at a time against a device. All methods are safe
// to call from multiple goroutines; they serialise on the bus.
type Engine struct {
	mu      sync.Mutex
	tr      Transport
	cfg     Config
	codec   protocol.Codec
	log     zerolog.Logger
	onChunk ChunkFunc
	tx      []byte
	rx      []byte
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = logger
	}
}

// WithChunkHook observes retrieval progress. The hook runs on the caller's
// goroutine while the engine lock is held and must not call the engine.
func WithChunkHook(fn ChunkFunc) Option {
	return func(e *Engine) {
		e.onChunk = fn
	}
}

func New(tr Transport, cfg Config, opts ...Option) (*Engine, error) {
	if tr == nil {
		return nil, ErrNilTransport
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		tr:    tr,
		cfg:   cfg,
		codec: protocol.Codec{Order: cfg.Geometry.Order},
		log:   logging.Component("session"),
		tx:    make([]byte, cfg.Geometry.FrameSize()),
		rx:    make([]byte, cfg.Geometry.FrameSize()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// GetSize runs one size query; kind must be CmdGetSize or CmdGetMetaSize.
func (e *Engine) GetSize(kind protocol.CommandKind, stream string) (uint32, error) {
	var size uint32
	err := e.do(kind, stream, func() error {
		var err error
		size, err = e.getSize(kind, stream)
		return err
	})
	return size, err
}

// Fetch queries the size of the next retrieval of kind, allocates exactly
// that many bytes and fills them.
func (e *Engine) Fetch(kind protocol.CommandKind, stream string) ([]byte, error) {
	var out []byte
	err := e.do(kind, stream, func() error {
		var err error
		out, err = e.fetch(kind, stream)
		return err
	})
	return out, err
}

// FetchData returns the next data payload queued on stream.
func (e *Engine) FetchData(stream string) ([]byte, error) {
	return e.Fetch(protocol.CmdGetMessage, stream)
}

// FetchMessage returns the next message on stream with its metadata
// trailer split off.
func (e *Engine) FetchMessage(stream string) (protocol.Message, error) {
	var msg protocol.Message
	err := e.do(protocol.CmdGetMetadata, stream, func() error {
		buf, err := e.fetch(protocol.CmdGetMetadata, stream)
		if err != nil {
			return err
		}
		msg, err = e.codec.DecodeMessage(protocol.CmdGetMetadata, buf)
		return err
	})
	return msg, err
}

// FetchPart reads length bytes at offset of the message queued on stream.
func (e *Engine) FetchPart(stream string, offset, length uint32) ([]byte, error) {
	var out []byte
	err := e.do(protocol.CmdGetMessagePart, stream, func() error {
		if length > e.cfg.MaxMessageSize {
			return fmt.Errorf("%w: part of %d bytes exceeds limit %d", protocol.ErrAllocation, length, e.cfg.MaxMessageSize)
		}
		buf := make([]byte, length)
		cmd := protocol.Command{Kind: protocol.CmdGetMessagePart, Stream: stream, Offset: offset, Length: length}
		if _, err := e.readInto(cmd, buf); err != nil {
			return err
		}
		out = buf
		return nil
	})
	return out, err
}

// ReadInto drives one chunked retrieval into a caller-owned buffer, filling
// exactly len(dst) bytes. On failure dst holds the bytes received so far and
// the count is returned alongside the error.
func (e *Engine) ReadInto(cmd protocol.Command, dst []byte) (int, error) {
	var n int
	err := e.do(cmd.Kind, cmd.Stream, func() error {
		var err error
		n, err = e.readInto(cmd, dst)
		return err
	})
	return n, err
}

// Streams lists the stream names the device currently reports.
func (e *Engine) Streams() ([]string, error) {
	var names []string
	err := e.do(protocol.CmdGetStreams, "", func() error {
		payload, err := e.roundTrip(protocol.Command{Kind: protocol.CmdGetStreams})
		if err != nil {
			return err
		}
		names, err = protocol.DecodeStreams(payload, e.cfg.StreamCapacity)
		return err
	})
	return names, err
}

// PopMessage discards the message at the head of stream.
func (e *Engine) PopMessage(stream string) error {
	return e.do(protocol.CmdPopMessage, stream, func() error {
		return e.status(protocol.Command{Kind: protocol.CmdPopMessage, Stream: stream})
	})
}

// PopMessages discards the head message of every stream.
func (e *Engine) PopMessages() error {
	return e.do(protocol.CmdPopMessages, "", func() error {
		return e.status(protocol.Command{Kind: protocol.CmdPopMessages})
	})
}

func (e *Engine) do(kind protocol.CommandKind, stream string, fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	result := resultLabel(err)
	observability.RecordOperation(kind.String(), result, elapsed)

	if err != nil {
		// No data yet is the normal idle answer; callers poll on it.
		ev := e.log.Warn()
		if errors.Is(err, protocol.ErrNoData) {
			ev = e.log.Debug()
		}
		ev.Err(err).
			Str("command", kind.String()).
			Str("stream", stream).
			Str("result", result).
			Dur("duration", elapsed).
			Msg("spi operation failed")
		return err
	}
	e.log.Debug().
		Str("command", kind.String()).
		Str("stream", stream).
		Dur("duration", elapsed).
		Msg("spi operation")
	return nil
}

func (e *Engine) getSize(kind protocol.CommandKind, stream string) (uint32, error) {
	if !kind.IsSizeQuery() {
		return 0, fmt.Errorf("%w: %s is not a size query", protocol.ErrEncoding, kind)
	}
	payload, err := e.roundTrip(protocol.Command{Kind: kind, Stream: stream})
	if err != nil {
		return 0, err
	}
	return e.codec.DecodeSize(payload)
}

func (e *Engine) fetch(kind protocol.CommandKind, stream string) ([]byte, error) {
	sizeKind, ok := protocol.SizeQueryFor(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot be fetched by size", protocol.ErrEncoding, kind)
	}
	size, err := e.getSize(sizeKind, stream)
	if err != nil {
		return nil, err
	}
	if size > e.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: %s reports %d bytes, limit %d", protocol.ErrAllocation, stream, size, e.cfg.MaxMessageSize)
	}
	buf := make([]byte, size)
	if _, err := e.readInto(protocol.Command{Kind: kind, Stream: stream}, buf); err != nil {
		return nil, err
	}
	e.log.Trace().Str("stream", stream).Int("size", len(buf)).Hex("data", buf).Msg("message contents")
	return buf, nil
}

func (e *Engine) status(cmd protocol.Command) error {
	payload, err := e.roundTrip(cmd)
	if err != nil {
		return err
	}
	st, err := protocol.DecodeStatus(payload)
	if err != nil {
		return err
	}
	if !st.OK() {
		return fmt.Errorf("%w: %s %q returned status %#02x", protocol.ErrRejected, cmd.Kind, cmd.Stream, uint8(st))
	}
	return nil
}

// roundTrip sends cmd and returns the payload of the single reply frame.
// The payload aliases the receive scratch frame.
func (e *Engine) roundTrip(cmd protocol.Command) ([]byte, error) {
	if err := e.sendCommand(cmd); err != nil {
		return nil, err
	}
	return e.receive()
}

func (e *Engine) sendCommand(cmd protocol.Command) error {
	cmd.Stream = wireName(cmd.Stream)
	payload, err := e.codec.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return e.sendPayload(payload)
}

func (e *Engine) sendPayload(payload []byte) error {
	if err := e.cfg.Geometry.Seal(e.tx, payload); err != nil {
		return err
	}
	if err := e.tr.Send(e.tx); err != nil {
		observability.RecordFrame("tx", "failed")
		return fmt.Errorf("%w: send: %w", protocol.ErrTransport, err)
	}
	observability.RecordFrame("tx", frame.ClassValid.String())
	observability.RecordPayloadBytes("tx", len(payload))
	return nil
}

// receive returns the payload of the next valid frame, skipping at most
// MaxEmptyFrames consecutive empty frames.
func (e *Engine) receive() ([]byte, error) {
	empties := 0
	for {
		clear(e.rx)
		if err := e.tr.Receive(e.rx); err != nil {
			observability.RecordFrame("rx", "failed")
			return nil, fmt.Errorf("%w: receive: %w", protocol.ErrTransport, err)
		}
		payload, err := e.cfg.Geometry.Open(e.rx)
		switch {
		case err == nil:
			observability.RecordFrame("rx", frame.ClassValid.String())
			return payload, nil
		case errors.Is(err, protocol.ErrNoData):
			observability.RecordFrame("rx", frame.ClassEmpty.String())
			if empties < e.cfg.MaxEmptyFrames {
				empties++
				continue
			}
			return nil, err
		case errors.Is(err, protocol.ErrChecksumMismatch):
			observability.RecordFrame("rx", "corrupt")
			return nil, err
		default:
			observability.RecordFrame("rx", frame.ClassForeign.String())
			return nil, err
		}
	}
}

// wireName appends the NUL terminator the firmware expects when the name
// leaves room for it.
func wireName(stream string) string {
	if len(stream) >= protocol.MaxStreamName {
		return stream
	}
	if n := len(stream); n > 0 && stream[n-1] == 0 {
		return stream
	}
	return stream + "\x00"
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, protocol.ErrAllocation):
		return "allocation"
	case errors.Is(err, protocol.ErrNoData):
		return "no_data"
	case errors.Is(err, protocol.ErrTransport):
		return "transport"
	case errors.Is(err, protocol.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, protocol.ErrFraming):
		return "framing"
	case errors.Is(err, protocol.ErrRejected):
		return "rejected"
	case errors.Is(err, protocol.ErrProtocolViolation):
		return "protocol"
	case errors.Is(err, protocol.ErrEncoding):
		return "encoding"
	case errors.Is(err, protocol.ErrShortTransfer):
		return "short_transfer"
	default:
		return "error"
	}
}
