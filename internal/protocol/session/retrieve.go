package session

import (
	"fmt"

	"github.com/danmuck/spilink/internal/observability"
	"github.com/danmuck/spilink/internal/protocol"
)

type retrievalState int

const (
	stateIdle retrievalState = iota
	stateSizeKnown
	stateFetching
	stateComplete
	stateFailed
)

func (s retrievalState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSizeKnown:
		return "size_known"
	case stateFetching:
		return "fetching"
	case stateComplete:
		return "complete"
	default:
		return "failed"
	}
}

// progressEvery matches the device-side debug cadence.
const progressEvery = 20

type retrieval struct {
	cmd      protocol.Command
	dst      []byte
	received int
	state    retrievalState
}

func (r *retrieval) fail(cause error) error {
	r.state = stateFailed
	return fmt.Errorf("%w: %s %q received %d of %d bytes: %w",
		protocol.ErrShortTransfer, r.cmd.Kind, r.cmd.Stream, r.received, len(r.dst), cause)
}

// readInto sends cmd once and then receives frames until dst is full. Each
// valid frame contributes min(remaining, payload size) bytes.
func (e *Engine) readInto(cmd protocol.Command, dst []byte) (int, error) {
	if !cmd.Kind.IsRetrieval() {
		return 0, fmt.Errorf("%w: %s is not a retrieval", protocol.ErrEncoding, cmd.Kind)
	}
	// The target is len(dst), learned by the caller before we get here.
	r := &retrieval{cmd: cmd, dst: dst, state: stateSizeKnown}

	if err := e.sendCommand(cmd); err != nil {
		r.state = stateFailed
		return 0, err
	}
	r.state = stateFetching

	for fragments := 0; r.received < len(dst); fragments++ {
		if fragments%progressEvery == 0 {
			e.log.Debug().
				Str("command", cmd.Kind.String()).
				Str("stream", cmd.Stream).
				Int("received", r.received).
				Int("total", len(dst)).
				Str("state", r.state.String()).
				Msg("retrieval progress")
		}

		payload, err := e.receive()
		if err != nil {
			return r.received, r.fail(err)
		}
		n := copy(dst[r.received:], payload)
		r.received += n
		observability.RecordPayloadBytes("rx", n)

		if e.onChunk != nil {
			e.onChunk(ChunkEvent{
				Kind:     cmd.Kind,
				Stream:   cmd.Stream,
				Fragment: payload[:n],
				Received: r.received,
				Total:    len(dst),
			})
		}
	}

	r.state = stateComplete
	return r.received, nil
}
