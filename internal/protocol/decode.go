package protocol

import (
	"bytes"
	"fmt"
)

// DecodeCommand reads a single command from buf. Bytes past the declared
// total length are ignored so a zero-padded frame payload decodes cleanly.
func (c Codec) DecodeCommand(buf []byte) (Command, error) {
	if len(buf) < CommandHeaderLen {
		return Command{}, fmt.Errorf("%w: decode: %d bytes, header needs %d", ErrEncoding, len(buf), CommandHeaderLen)
	}
	order := c.order()
	total := int(order.Uint16(buf[0:2]))
	kind := CommandKind(buf[2])
	nameLen := int(buf[3])

	if nameLen > MaxStreamName {
		return Command{}, fmt.Errorf("%w: decode: stream name length %d exceeds %d", ErrEncoding, nameLen, MaxStreamName)
	}
	if total != CommandHeaderLen+nameLen {
		return Command{}, fmt.Errorf("%w: decode: total length %d does not match name length %d", ErrEncoding, total, nameLen)
	}
	if len(buf) < total {
		return Command{}, fmt.Errorf("%w: decode: truncated command (%d of %d bytes)", ErrEncoding, len(buf), total)
	}
	if !kind.Valid() {
		return Command{}, fmt.Errorf("%w: decode: unknown command kind %d", ErrEncoding, uint8(kind))
	}

	return Command{
		Kind:           kind,
		Stream:         string(buf[CommandHeaderLen:total]),
		Offset:         order.Uint32(buf[4:8]),
		Length:         order.Uint32(buf[8:12]),
		MetadataLength: order.Uint32(buf[12:16]),
	}, nil
}

// DecodeSize reads a size reply.
func (c Codec) DecodeSize(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: size reply is %d bytes", ErrProtocolViolation, len(payload))
	}
	return c.order().Uint32(payload[0:4]), nil
}

// DecodeStatus reads a status reply.
func DecodeStatus(payload []byte) (Status, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("%w: empty status reply", ErrProtocolViolation)
	}
	return Status(payload[0]), nil
}

// CatalogCapacity is the number of name slots a payload of size n can hold,
// bounded by MaxStreams.
func CatalogCapacity(n int) int {
	if n < 1 {
		return 0
	}
	slots := (n - 1) / MaxStreamName
	if slots > MaxStreams {
		return MaxStreams
	}
	return slots
}

// DecodeStreams reads a catalog reply. A reported count above capacity is a
// protocol violation.
func DecodeStreams(payload []byte, capacity int) ([]string, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty catalog reply", ErrProtocolViolation)
	}
	if limit := CatalogCapacity(len(payload)); capacity <= 0 || capacity > limit {
		capacity = limit
	}
	count := int(payload[0])
	if count > capacity {
		return nil, fmt.Errorf("%w: catalog reports %d streams, capacity %d", ErrProtocolViolation, count, capacity)
	}
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		slot := payload[1+i*MaxStreamName : 1+(i+1)*MaxStreamName]
		if end := bytes.IndexByte(slot, 0); end >= 0 {
			slot = slot[:end]
		}
		names = append(names, string(slot))
	}
	return names, nil
}

// DecodeMessage interprets a fully assembled retrieval reply. The returned
// slices alias buf.
func (c Codec) DecodeMessage(kind CommandKind, buf []byte) (Message, error) {
	switch kind {
	case CmdGetMessage, CmdGetMessagePart:
		return Message{Data: buf}, nil
	case CmdGetMetadata:
	default:
		return Message{}, fmt.Errorf("%w: %s has no message reply", ErrProtocolViolation, kind)
	}

	n := len(buf)
	if n < MetadataTrailerLen {
		return Message{}, fmt.Errorf("%w: message of %d bytes has no metadata trailer", ErrProtocolViolation, n)
	}
	order := c.order()
	metaType := order.Uint32(buf[n-8 : n-4])
	metaSize := order.Uint32(buf[n-4 : n])
	if uint64(metaSize) > uint64(n-MetadataTrailerLen) {
		return Message{}, fmt.Errorf("%w: metadata size %d exceeds message body of %d bytes", ErrProtocolViolation, metaSize, n-MetadataTrailerLen)
	}
	dataSize := n - int(metaSize) - MetadataTrailerLen
	return Message{
		Data:         buf[:dataSize:dataSize],
		Metadata:     buf[dataSize : n-MetadataTrailerLen : n-MetadataTrailerLen],
		MetadataType: metaType,
	}, nil
}
