package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	MaxStreamName      = 16
	MaxStreams         = 12
	CommandHeaderLen   = 16
	MaxCommandLen      = CommandHeaderLen + MaxStreamName
	MetadataTrailerLen = 8
)

// CommandKind is the stable wire code of a device command.
type CommandKind uint8

const (
	CmdGetSize CommandKind = iota
	CmdGetMessage
	CmdGetMetadata
	CmdGetMessagePart
	CmdPopMessage
	CmdPopMessages
	CmdGetStreams
	CmdSendData
	CmdGetMetaSize
)

var commandNames = map[CommandKind]string{
	CmdGetSize:        "get_size",
	CmdGetMessage:     "get_message",
	CmdGetMetadata:    "get_metadata",
	CmdGetMessagePart: "get_message_part",
	CmdPopMessage:     "pop_message",
	CmdPopMessages:    "pop_messages",
	CmdGetStreams:     "get_streams",
	CmdSendData:       "send_data",
	CmdGetMetaSize:    "get_meta_size",
}

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", uint8(k))
}

// Valid reports whether k is a known wire code.
func (k CommandKind) Valid() bool {
	_, ok := commandNames[k]
	return ok
}

// IsSizeQuery reports whether k answers with a single size reply.
func (k CommandKind) IsSizeQuery() bool {
	return k == CmdGetSize || k == CmdGetMetaSize
}

// IsRetrieval reports whether k answers with a chunked payload.
func (k CommandKind) IsRetrieval() bool {
	return k == CmdGetMessage || k == CmdGetMetadata || k == CmdGetMessagePart
}

// SizeQueryFor returns the size query that precedes a retrieval of kind k.
func SizeQueryFor(k CommandKind) (CommandKind, bool) {
	switch k {
	case CmdGetMessage:
		return CmdGetSize, true
	case CmdGetMetadata:
		return CmdGetMetaSize, true
	default:
		return 0, false
	}
}

// Command is one decoded command header. Offset and Length are only carried
// by GetMessagePart and SendData; MetadataLength only by SendData.
type Command struct {
	Kind           CommandKind
	Stream         string
	Offset         uint32
	Length         uint32
	MetadataLength uint32
}

// Status is a single-byte device reply to pop/send commands.
type Status uint8

const (
	StatusFailure Status = 0x00
	StatusSuccess Status = 0x01
)

func (s Status) OK() bool {
	return s == StatusSuccess
}

// Message is an assembled retrieval reply.
type Message struct {
	Data         []byte
	Metadata     []byte
	MetadataType uint32
}

// Codec reads and writes multi-byte fields in a fixed wire byte order.
type Codec struct {
	Order binary.ByteOrder
}

// DefaultCodec uses the device firmware byte order.
func DefaultCodec() Codec {
	return Codec{Order: binary.LittleEndian}
}

func (c Codec) order() binary.ByteOrder {
	if c.Order == nil {
		return binary.LittleEndian
	}
	return c.Order
}
