package session

import "github.com/danmuck/spilink/internal/protocol"

// Transport moves one frame per call over the bus. Both calls block until
// the transaction completes or the transport itself gives up; Receive must
// fill the whole frame buffer.
type Transport interface {
	Send(frame []byte) error
	Receive(frame []byte) error
}

// ChunkEvent reports one fragment copied during a retrieval. Fragment
// aliases the engine's receive buffer and is only valid during the call.
type ChunkEvent struct {
	Kind     protocol.CommandKind
	Stream   string
	Fragment []byte
	Received int
	Total    int
}

type ChunkFunc func(ChunkEvent)
