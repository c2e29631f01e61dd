// Package sim is an in-memory SPI device that speaks the host protocol.
// It answers every command kind, queues reply fragments one frame per
// Receive, and can inject faults into chosen receive transactions.
package sim

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/spilink/internal/protocol"
	"github.com/danmuck/spilink/internal/protocol/frame"
)

var ErrInjected = errors.New("sim: injected transport failure")

// Message is one queued device message.
type Message struct {
	Data         []byte
	Metadata     []byte
	MetadataType uint32
}

// Fault replaces the result of one receive transaction.
type Fault int

const (
	FaultNone Fault = iota
	// FaultForeign returns a frame with a non-magic, non-zero start byte.
	FaultForeign
	// FaultCorrupt returns the pending frame with one payload byte flipped.
	FaultCorrupt
	// FaultEmpty returns an all-zero frame without consuming the reply.
	FaultEmpty
	// FaultReceiveError fails the transaction itself.
	FaultReceiveError
)

type upload struct {
	stream string
	meta   int
	want   int
	buf    []byte
}

type Device struct {
	mu       sync.Mutex
	geom     frame.Geometry
	codec    protocol.Codec
	names    []string
	streams  map[string][]Message
	pending  [][]byte
	upload   *upload
	faults   map[int]Fault
	sendErr  error
	sends    int
	receives int
	commands []protocol.Command
}

func New(geom frame.Geometry) *Device {
	return &Device{
		geom:    geom,
		codec:   protocol.Codec{Order: geom.Order},
		streams: make(map[string][]Message),
		faults:  make(map[int]Fault),
	}
}

// AddStream registers name in the catalog without queueing anything.
func (d *Device) AddStream(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addStreamLocked(name)
}

func (d *Device) addStreamLocked(name string) {
	if _, ok := d.streams[name]; ok {
		return
	}
	d.streams[name] = nil
	d.names = append(d.names, name)
}

// Push queues msg at the tail of stream.
func (d *Device) Push(stream string, msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addStreamLocked(stream)
	d.streams[stream] = append(d.streams[stream], msg)
}

// Queued returns how many messages wait on stream.
func (d *Device) Queued(stream string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams[stream])
}

// Head returns the message at the head of stream.
func (d *Device) Head(stream string) (Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.streams[stream]
	if len(q) == 0 {
		return Message{}, false
	}
	return q[0], true
}

// InjectReceive applies f to the receive transaction that happens after
// `after` further receives.
func (d *Device) InjectReceive(after int, f Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[d.receives+after] = f
}

// FailSends makes every following Send return err; nil clears it.
func (d *Device) FailSends(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendErr = err
}

// Reset drops any in-flight upload, queued replies and pending faults.
// Stream contents are kept.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.upload = nil
	d.pending = nil
	clear(d.faults)
}

// Stats reports transaction counts.
func (d *Device) Stats() (sends, receives int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sends, d.receives
}

// Commands returns every command decoded so far.
func (d *Device) Commands() []protocol.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Command(nil), d.commands...)
}

func (d *Device) Send(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends++
	if d.sendErr != nil {
		// A broken transaction desynchronises an upload; the partial
		// message is discarded and the next frame is read as a command.
		d.upload = nil
		return d.sendErr
	}
	payload, err := d.geom.Open(buf)
	if err != nil {
		// A device drops frames it cannot read; the host sees no reply.
		return nil
	}
	if d.upload != nil {
		d.acceptUpload(payload)
		return nil
	}
	cmd, err := d.codec.DecodeCommand(payload)
	if err != nil {
		return nil
	}
	cmd.Stream = strings.TrimRight(cmd.Stream, "\x00")
	d.commands = append(d.commands, cmd)
	d.handle(cmd)
	return nil
}

func (d *Device) Receive(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.receives
	d.receives++
	if len(buf) != d.geom.FrameSize() {
		return fmt.Errorf("sim: receive buffer is %d bytes, want %d", len(buf), d.geom.FrameSize())
	}

	fault := d.faults[idx]
	delete(d.faults, idx)
	switch fault {
	case FaultReceiveError:
		return ErrInjected
	case FaultEmpty:
		clear(buf)
		return nil
	case FaultForeign:
		clear(buf)
		buf[0] = 0x55
		return nil
	}

	if len(d.pending) == 0 {
		clear(buf)
		return nil
	}
	next := d.pending[0]
	d.pending = d.pending[1:]
	if err := d.geom.Seal(buf, next); err != nil {
		return err
	}
	if fault == FaultCorrupt {
		buf[1] ^= 0xFF
	}
	return nil
}

func (d *Device) handle(cmd protocol.Command) {
	d.pending = nil
	q := d.streams[cmd.Stream]

	switch cmd.Kind {
	case protocol.CmdGetSize:
		if len(q) > 0 {
			d.reply(d.codec.EncodeSize(uint32(len(q[0].Data))))
		}
	case protocol.CmdGetMetaSize:
		if len(q) > 0 {
			d.reply(d.codec.EncodeSize(uint32(len(d.encodeFull(q[0])))))
		}
	case protocol.CmdGetMessage:
		if len(q) > 0 {
			d.replyChunked(q[0].Data)
		}
	case protocol.CmdGetMetadata:
		if len(q) > 0 {
			d.replyChunked(d.encodeFull(q[0]))
		}
	case protocol.CmdGetMessagePart:
		if len(q) > 0 {
			data := q[0].Data
			start := min(int(cmd.Offset), len(data))
			end := min(start+int(cmd.Length), len(data))
			d.replyChunked(data[start:end])
		}
	case protocol.CmdPopMessage:
		if len(q) == 0 {
			d.reply([]byte{byte(protocol.StatusFailure)})
			return
		}
		d.streams[cmd.Stream] = q[1:]
		d.reply([]byte{byte(protocol.StatusSuccess)})
	case protocol.CmdPopMessages:
		for name, queue := range d.streams {
			if len(queue) > 0 {
				d.streams[name] = queue[1:]
			}
		}
		d.reply([]byte{byte(protocol.StatusSuccess)})
	case protocol.CmdGetStreams:
		names := d.names
		if capacity := protocol.CatalogCapacity(d.geom.PayloadSize); len(names) > capacity {
			names = names[:capacity]
		}
		payload, err := protocol.EncodeStreams(names)
		if err != nil {
			return
		}
		d.reply(payload)
	case protocol.CmdSendData:
		d.upload = &upload{
			stream: cmd.Stream,
			meta:   int(cmd.MetadataLength),
			want:   int(cmd.Length) + int(cmd.MetadataLength),
		}
		if d.upload.want == 0 {
			d.finishUpload()
		}
	}
}

func (d *Device) acceptUpload(payload []byte) {
	u := d.upload
	n := min(u.want-len(u.buf), len(payload))
	u.buf = append(u.buf, payload[:n]...)
	if len(u.buf) == u.want {
		d.finishUpload()
	}
}

func (d *Device) finishUpload() {
	u := d.upload
	d.upload = nil
	split := len(u.buf) - u.meta
	d.addStreamLocked(u.stream)
	d.streams[u.stream] = append(d.streams[u.stream], Message{
		Data:     u.buf[:split],
		Metadata: u.buf[split:],
	})
	d.reply([]byte{byte(protocol.StatusSuccess)})
}

func (d *Device) encodeFull(msg Message) []byte {
	return d.codec.EncodeMessage(msg.Data, msg.Metadata, msg.MetadataType)
}

func (d *Device) reply(payload []byte) {
	d.pending = append(d.pending, payload)
}

func (d *Device) replyChunked(body []byte) {
	size := d.geom.PayloadSize
	for off := 0; off < len(body); off += size {
		end := min(off+size, len(body))
		d.pending = append(d.pending, body[off:end])
	}
}
