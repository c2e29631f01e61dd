package protocol

import "fmt"

// EncodeCommand writes cmd using the command wire format.
func (c Codec) EncodeCommand(cmd Command) ([]byte, error) {
	if !cmd.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown command kind %d", ErrEncoding, uint8(cmd.Kind))
	}
	if len(cmd.Stream) > MaxStreamName {
		return nil, fmt.Errorf("%w: stream name is %d bytes, max %d", ErrEncoding, len(cmd.Stream), MaxStreamName)
	}
	if err := checkOperands(cmd); err != nil {
		return nil, err
	}

	order := c.order()
	total := CommandHeaderLen + len(cmd.Stream)
	buf := make([]byte, total)
	order.PutUint16(buf[0:2], uint16(total))
	buf[2] = byte(cmd.Kind)
	buf[3] = byte(len(cmd.Stream))
	order.PutUint32(buf[4:8], cmd.Offset)
	order.PutUint32(buf[8:12], cmd.Length)
	order.PutUint32(buf[12:16], cmd.MetadataLength)
	copy(buf[CommandHeaderLen:], cmd.Stream)
	return buf, nil
}

func checkOperands(cmd Command) error {
	switch cmd.Kind {
	case CmdGetMessagePart:
		if cmd.MetadataLength != 0 {
			return fmt.Errorf("%w: %s does not carry a metadata length", ErrEncoding, cmd.Kind)
		}
	case CmdSendData:
		if cmd.Offset != 0 {
			return fmt.Errorf("%w: %s does not carry an offset", ErrEncoding, cmd.Kind)
		}
	default:
		if cmd.Offset != 0 || cmd.Length != 0 || cmd.MetadataLength != 0 {
			return fmt.Errorf("%w: %s carries no operands", ErrEncoding, cmd.Kind)
		}
	}
	return nil
}

// EncodeMessage lays out data, metadata and the metadata trailer the way a
// GetMetadata reply is assembled.
func (c Codec) EncodeMessage(data, metadata []byte, metadataType uint32) []byte {
	order := c.order()
	buf := make([]byte, len(data)+len(metadata)+MetadataTrailerLen)
	n := copy(buf, data)
	n += copy(buf[n:], metadata)
	order.PutUint32(buf[n:n+4], metadataType)
	order.PutUint32(buf[n+4:n+8], uint32(len(metadata)))
	return buf
}

// EncodeSize writes a size reply payload.
func (c Codec) EncodeSize(size uint32) []byte {
	buf := make([]byte, 4)
	c.order().PutUint32(buf, size)
	return buf
}

// EncodeStreams writes a catalog reply payload. Names longer than a slot are
// rejected rather than cut.
func EncodeStreams(names []string) ([]byte, error) {
	if len(names) > MaxStreams {
		return nil, fmt.Errorf("%w: %d streams, max %d", ErrEncoding, len(names), MaxStreams)
	}
	buf := make([]byte, 1+len(names)*MaxStreamName)
	buf[0] = byte(len(names))
	for i, name := range names {
		if len(name) > MaxStreamName {
			return nil, fmt.Errorf("%w: stream %q exceeds %d bytes", ErrEncoding, name, MaxStreamName)
		}
		copy(buf[1+i*MaxStreamName:], name)
	}
	return buf, nil
}
