package session

import (
	"fmt"
	"math"

	"github.com/danmuck/spilink/internal/protocol"
)

// SendMessage uploads data followed by metadata to stream. The command
// carries both sizes; the bytes follow in sealed frames and the device
// answers with a status reply once it has them all.
func (e *Engine) SendMessage(stream string, data, metadata []byte) error {
	return e.do(protocol.CmdSendData, stream, func() error {
		total := uint64(len(data)) + uint64(len(metadata))
		if total > math.MaxUint32 || uint32(total) > e.cfg.MaxMessageSize {
			return fmt.Errorf("%w: upload of %d bytes exceeds limit %d", protocol.ErrEncoding, total, e.cfg.MaxMessageSize)
		}
		cmd := protocol.Command{
			Kind:           protocol.CmdSendData,
			Stream:         stream,
			Length:         uint32(len(data)),
			MetadataLength: uint32(len(metadata)),
		}
		if err := e.sendCommand(cmd); err != nil {
			return err
		}

		body := make([]byte, 0, total)
		body = append(body, data...)
		body = append(body, metadata...)
		size := e.cfg.Geometry.PayloadSize
		for off := 0; off < len(body); off += size {
			end := min(off+size, len(body))
			if err := e.sendPayload(body[off:end]); err != nil {
				return fmt.Errorf("%w: %s %q sent %d of %d bytes: %w",
					protocol.ErrShortTransfer, cmd.Kind, stream, off, len(body), err)
			}
		}

		payload, err := e.receive()
		if err != nil {
			return err
		}
		st, err := protocol.DecodeStatus(payload)
		if err != nil {
			return err
		}
		if !st.OK() {
			return fmt.Errorf("%w: %s %q returned status %#02x", protocol.ErrRejected, cmd.Kind, stream, uint8(st))
		}
		return nil
	})
}
