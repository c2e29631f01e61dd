package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/danmuck/spilink/internal/protocol"
	"github.com/danmuck/spilink/internal/protocol/frame"
	"github.com/danmuck/spilink/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type step struct {
	payload []byte
	raw     []byte
	err     error
}

// scriptTransport records every sent frame and answers receives from a
// fixed script; an exhausted script yields empty frames.
type scriptTransport struct {
	geom     frame.Geometry
	sent     [][]byte
	steps    []step
	receives int
	sendErr  error
}

func (s *scriptTransport) Send(buf []byte) error {
	s.sent = append(s.sent, append([]byte(nil), buf...))
	return s.sendErr
}

func (s *scriptTransport) Receive(buf []byte) error {
	s.receives++
	if len(s.steps) == 0 {
		clear(buf)
		return nil
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	switch {
	case st.err != nil:
		return st.err
	case st.raw != nil:
		copy(buf, st.raw)
		return nil
	default:
		return s.geom.Seal(buf, st.payload)
	}
}

func (s *scriptTransport) sentCommand(t *testing.T, i int) protocol.Command {
	t.Helper()
	require.Greater(t, len(s.sent), i)
	payload, err := s.geom.Open(s.sent[i])
	require.NoError(t, err)
	cmd, err := protocol.Codec{Order: s.geom.Order}.DecodeCommand(payload)
	require.NoError(t, err)
	return cmd
}

func valid(payload []byte) step { return step{payload: payload} }

func foreign(geom frame.Geometry) step {
	raw := make([]byte, geom.FrameSize())
	raw[0] = 0x3C
	return step{raw: raw}
}

func empty(geom frame.Geometry) step {
	return step{raw: make([]byte, geom.FrameSize())}
}

func corrupt(geom frame.Geometry, payload []byte) step {
	raw := make([]byte, geom.FrameSize())
	if err := geom.Seal(raw, payload); err != nil {
		panic(err)
	}
	raw[2] ^= 0x01
	return step{raw: raw}
}

func sizeReply(n uint32) step {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, n)
	return valid(buf)
}

func testGeometry(payload int) frame.Geometry {
	return frame.Geometry{PayloadSize: payload, Order: binary.LittleEndian}
}

func newTestEngine(t *testing.T, tr *scriptTransport, mutate func(*Config), opts ...Option) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Geometry = tr.geom
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithLogger(testlog.Logger(t))}, opts...)
	e, err := New(tr, cfg, opts...)
	require.NoError(t, err)
	return e
}

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*7 + 3)
	}
	return buf
}

func fragmentSteps(body []byte, size int) []step {
	var steps []step
	for off := 0; off < len(body); off += size {
		steps = append(steps, valid(body[off:min(off+size, len(body))]))
	}
	return steps
}

func TestReadIntoReassemblesUnevenTarget(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(64)
	src := pattern(192)
	tr := &scriptTransport{geom: geom, steps: []step{
		valid(src[0:64]),
		valid(src[64:128]),
		// The last frame carries a full fragment; only two bytes belong to us.
		valid(src[128:192]),
	}}
	var copied []int
	e := newTestEngine(t, tr, nil, WithChunkHook(func(ev ChunkEvent) {
		copied = append(copied, len(ev.Fragment))
		require.Equal(t, 130, ev.Total)
	}))

	dst := make([]byte, 130)
	n, err := e.ReadInto(protocol.Command{Kind: protocol.CmdGetMessage, Stream: "cam"}, dst)
	require.NoError(t, err)
	require.Equal(t, 130, n)
	require.Equal(t, 3, tr.receives)
	require.Equal(t, []int{64, 64, 2}, copied)
	require.True(t, bytes.Equal(src[:130], dst))

	require.Len(t, tr.sent, 1, "command is sent once per retrieval")
	cmd := tr.sentCommand(t, 0)
	require.Equal(t, protocol.CmdGetMessage, cmd.Kind)
	require.Equal(t, "cam\x00", cmd.Stream)
}

func TestReadIntoExactMultiple(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(64)
	src := pattern(128)
	tr := &scriptTransport{geom: geom, steps: fragmentSteps(src, 64)}
	e := newTestEngine(t, tr, nil)

	dst := make([]byte, 128)
	n, err := e.ReadInto(protocol.Command{Kind: protocol.CmdGetMessage, Stream: "cam"}, dst)
	require.NoError(t, err)
	require.Equal(t, 128, n)
	require.Equal(t, 2, tr.receives)
	require.Equal(t, src, dst)
}

func TestReadIntoRejectsNonRetrieval(t *testing.T) {
	testlog.Start(t)
	tr := &scriptTransport{geom: testGeometry(64)}
	e := newTestEngine(t, tr, nil)
	_, err := e.ReadInto(protocol.Command{Kind: protocol.CmdPopMessage, Stream: "cam"}, make([]byte, 4))
	require.ErrorIs(t, err, protocol.ErrEncoding)
	require.Empty(t, tr.sent)
}

func TestFetchDataRunsSizeQueryThenRetrieval(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(64)
	src := pattern(130)
	tr := &scriptTransport{geom: geom, steps: append([]step{sizeReply(130)}, fragmentSteps(src, 64)...)}
	e := newTestEngine(t, tr, nil)

	got, err := e.FetchData("color")
	require.NoError(t, err)
	require.Equal(t, src, got)
	require.Len(t, got, 130)
	require.Equal(t, 4, tr.receives)

	require.Len(t, tr.sent, 2)
	require.Equal(t, protocol.CmdGetSize, tr.sentCommand(t, 0).Kind)
	require.Equal(t, protocol.CmdGetMessage, tr.sentCommand(t, 1).Kind)
}

func TestFetchMessageSplitsTrailer(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(64)
	data := pattern(150)
	meta := []byte("metadata-record")
	body := protocol.DefaultCodec().EncodeMessage(data, meta, 8)
	tr := &scriptTransport{geom: geom, steps: append([]step{sizeReply(uint32(len(body)))}, fragmentSteps(body, 64)...)}
	e := newTestEngine(t, tr, nil)

	msg, err := e.FetchMessage("nn")
	require.NoError(t, err)
	require.Equal(t, uint32(8), msg.MetadataType)
	require.Equal(t, meta, msg.Metadata)
	require.Equal(t, data, msg.Data)
	require.Equal(t, len(body)-len(meta)-protocol.MetadataTrailerLen, len(msg.Data))

	require.Equal(t, protocol.CmdGetMetaSize, tr.sentCommand(t, 0).Kind)
	require.Equal(t, protocol.CmdGetMetadata, tr.sentCommand(t, 1).Kind)
}

func TestFetchPartCarriesOperands(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(64)
	src := pattern(70)
	tr := &scriptTransport{geom: geom, steps: fragmentSteps(src, 64)}
	e := newTestEngine(t, tr, nil)

	got, err := e.FetchPart("depth", 4096, 70)
	require.NoError(t, err)
	require.Equal(t, src, got)
	cmd := tr.sentCommand(t, 0)
	require.Equal(t, protocol.CmdGetMessagePart, cmd.Kind)
	require.Equal(t, uint32(4096), cmd.Offset)
	require.Equal(t, uint32(70), cmd.Length)
}

func TestForeignFrameAbortsRetrieval(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(64)
	src := pattern(192)
	tr := &scriptTransport{geom: geom, steps: []step{
		valid(src[0:64]),
		foreign(geom),
		valid(src[64:128]),
		valid(src[128:192]),
	}}
	e := newTestEngine(t, tr, nil)

	dst := make([]byte, 192)
	n, err := e.ReadInto(protocol.Command{Kind: protocol.CmdGetMessage, Stream: "cam"}, dst)
	require.ErrorIs(t, err, protocol.ErrFraming)
	require.ErrorIs(t, err, protocol.ErrShortTransfer)
	require.NotErrorIs(t, err, protocol.ErrNoData)
	require.Equal(t, 64, n)
	require.Equal(t, 2, tr.receives, "no transactions after the foreign frame")
	require.Len(t, tr.sent, 1)
	require.Equal(t, src[:64], dst[:64])
}

func TestChecksumMismatchAbortsRetrieval(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(64)
	src := pattern(128)
	tr := &scriptTransport{geom: geom, steps: []step{corrupt(geom, src[:64]), valid(src[64:])}}
	e := newTestEngine(t, tr, nil)

	_, err := e.ReadInto(protocol.Command{Kind: protocol.CmdGetMessage, Stream: "cam"}, make([]byte, 128))
	require.ErrorIs(t, err, protocol.ErrChecksumMismatch)
	require.ErrorIs(t, err, protocol.ErrShortTransfer)
	require.Equal(t, 1, tr.receives)
}

func TestTransportFailureAbortsRetrieval(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(64)
	busErr := errors.New("spi: xfer timed out")
	tr := &scriptTransport{geom: geom, steps: []step{valid(pattern(64)), {err: busErr}}}
	e := newTestEngine(t, tr, nil)

	n, err := e.ReadInto(protocol.Command{Kind: protocol.CmdGetMessage, Stream: "cam"}, make([]byte, 100))
	require.ErrorIs(t, err, protocol.ErrTransport)
	require.ErrorIs(t, err, busErr)
	require.Equal(t, 64, n)
}

func TestSendFailureIsTransportError(t *testing.T) {
	testlog.Start(t)
	tr := &scriptTransport{geom: testGeometry(64), sendErr: errors.New("bus busy")}
	e := newTestEngine(t, tr, nil)

	_, err := e.GetSize(protocol.CmdGetSize, "cam")
	require.ErrorIs(t, err, protocol.ErrTransport)
	require.Equal(t, 0, tr.receives)
}

func TestEmptyFrameIsNoData(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(64)
	tr := &scriptTransport{geom: geom, steps: []step{empty(geom), sizeReply(9)}}
	e := newTestEngine(t, tr, nil)

	_, err := e.GetSize(protocol.CmdGetSize, "cam")
	require.ErrorIs(t, err, protocol.ErrNoData)
	require.NotErrorIs(t, err, protocol.ErrFraming)
	require.Equal(t, 1, tr.receives)
}

func TestNoDataLogsBelowWarn(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(64)
	var logs bytes.Buffer
	logger := zerolog.New(&logs).Level(zerolog.DebugLevel)

	tr := &scriptTransport{geom: geom, steps: []step{empty(geom)}}
	e := newTestEngine(t, tr, nil, WithLogger(logger))
	_, err := e.FetchMessage("cam")
	require.ErrorIs(t, err, protocol.ErrNoData)
	require.Contains(t, logs.String(), `"result":"no_data"`)
	require.NotContains(t, logs.String(), `"level":"warn"`)

	logs.Reset()
	tr = &scriptTransport{geom: geom, steps: []step{foreign(geom)}}
	e = newTestEngine(t, tr, nil, WithLogger(logger))
	_, err = e.FetchMessage("cam")
	require.ErrorIs(t, err, protocol.ErrFraming)
	require.Contains(t, logs.String(), `"level":"warn"`)
}

func TestEmptyFramesWithinAllowanceAreSkipped(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(64)
	src := pattern(100)
	tr := &scriptTransport{geom: geom, steps: []step{
		valid(src[:64]), empty(geom), empty(geom), valid(src[64:]),
	}}
	e := newTestEngine(t, tr, func(c *Config) { c.MaxEmptyFrames = 2 })

	dst := make([]byte, 100)
	_, err := e.ReadInto(protocol.Command{Kind: protocol.CmdGetMessage, Stream: "cam"}, dst)
	require.NoError(t, err)
	require.Equal(t, src, dst)
	require.Equal(t, 4, tr.receives)
}

func TestEmptyFramesBeyondAllowanceFail(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(64)
	tr := &scriptTransport{geom: geom, steps: []step{empty(geom), empty(geom), valid(pattern(8))}}
	e := newTestEngine(t, tr, func(c *Config) { c.MaxEmptyFrames = 1 })

	_, err := e.ReadInto(protocol.Command{Kind: protocol.CmdGetMessage, Stream: "cam"}, make([]byte, 8))
	require.ErrorIs(t, err, protocol.ErrNoData)
	require.ErrorIs(t, err, protocol.ErrShortTransfer)
	require.Equal(t, 2, tr.receives)
}

func TestFetchAllocationLimitIsDistinct(t *testing.T) {
	testlog.Start(t)
	tr := &scriptTransport{geom: testGeometry(64), steps: []step{sizeReply(1 << 20)}}
	e := newTestEngine(t, tr, func(c *Config) { c.MaxMessageSize = 4096 })

	_, err := e.FetchData("cam")
	require.ErrorIs(t, err, protocol.ErrAllocation)
	require.NotErrorIs(t, err, protocol.ErrTransport)
	require.NotErrorIs(t, err, protocol.ErrProtocolViolation)
	require.Len(t, tr.sent, 1, "no retrieval after an oversized size reply")
}

func TestGetSizeRejectsNonSizeKind(t *testing.T) {
	testlog.Start(t)
	tr := &scriptTransport{geom: testGeometry(64)}
	e := newTestEngine(t, tr, nil)
	_, err := e.GetSize(protocol.CmdGetMessage, "cam")
	require.ErrorIs(t, err, protocol.ErrEncoding)
	require.Empty(t, tr.sent)
}

func TestGetSizeRejectsLongStreamName(t *testing.T) {
	testlog.Start(t)
	tr := &scriptTransport{geom: testGeometry(64)}
	e := newTestEngine(t, tr, nil)
	_, err := e.GetSize(protocol.CmdGetSize, "a-stream-name-longer-than-16")
	require.ErrorIs(t, err, protocol.ErrEncoding)
	require.Empty(t, tr.sent)
}

func TestStreamsCatalog(t *testing.T) {
	testlog.Start(t)
	payload, err := protocol.EncodeStreams([]string{"color", "nn"})
	require.NoError(t, err)
	tr := &scriptTransport{geom: testGeometry(64), steps: []step{valid(payload)}}
	e := newTestEngine(t, tr, nil)

	names, err := e.Streams()
	require.NoError(t, err)
	require.Equal(t, []string{"color", "nn"}, names)
	cmd := tr.sentCommand(t, 0)
	require.Equal(t, protocol.CmdGetStreams, cmd.Kind)
	require.Equal(t, "\x00", cmd.Stream)
}

func TestStreamsCountBeyondCapacity(t *testing.T) {
	testlog.Start(t)
	payload, err := protocol.EncodeStreams([]string{"a", "b", "c"})
	require.NoError(t, err)
	tr := &scriptTransport{geom: testGeometry(64), steps: []step{valid(payload)}}
	e := newTestEngine(t, tr, func(c *Config) { c.StreamCapacity = 2 })

	_, err = e.Streams()
	require.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestPopStatus(t *testing.T) {
	testlog.Start(t)
	tr := &scriptTransport{geom: testGeometry(64), steps: []step{
		valid([]byte{byte(protocol.StatusSuccess)}),
		valid([]byte{0x02}),
		valid([]byte{byte(protocol.StatusSuccess)}),
		valid([]byte{byte(protocol.StatusFailure)}),
	}}
	e := newTestEngine(t, tr, nil)

	require.NoError(t, e.PopMessage("color"))
	err := e.PopMessage("color")
	require.ErrorIs(t, err, protocol.ErrRejected)
	require.NoError(t, e.PopMessages())
	require.ErrorIs(t, e.PopMessages(), protocol.ErrRejected)

	require.Equal(t, protocol.CmdPopMessage, tr.sentCommand(t, 0).Kind)
	require.Equal(t, protocol.CmdPopMessages, tr.sentCommand(t, 2).Kind)
}

func TestSendMessageChunksUpload(t *testing.T) {
	testlog.Start(t)
	geom := testGeometry(32)
	data := pattern(50)
	meta := []byte("0123456789")
	tr := &scriptTransport{geom: geom, steps: []step{valid([]byte{byte(protocol.StatusSuccess)})}}
	e := newTestEngine(t, tr, nil)

	require.NoError(t, e.SendMessage("upload", data, meta))
	require.Len(t, tr.sent, 3)

	cmd := tr.sentCommand(t, 0)
	require.Equal(t, protocol.CmdSendData, cmd.Kind)
	require.Equal(t, uint32(50), cmd.Length)
	require.Equal(t, uint32(10), cmd.MetadataLength)

	var body []byte
	for _, raw := range tr.sent[1:] {
		payload, err := geom.Open(raw)
		require.NoError(t, err)
		body = append(body, payload...)
	}
	require.Equal(t, append(append([]byte(nil), data...), meta...), body[:60])
}

func TestSendMessageRejected(t *testing.T) {
	testlog.Start(t)
	tr := &scriptTransport{geom: testGeometry(32), steps: []step{valid([]byte{byte(protocol.StatusFailure)})}}
	e := newTestEngine(t, tr, nil)
	require.ErrorIs(t, e.SendMessage("upload", []byte("x"), nil), protocol.ErrRejected)
}

func TestWireName(t *testing.T) {
	require.Equal(t, "\x00", wireName(""))
	require.Equal(t, "cam\x00", wireName("cam"))
	require.Equal(t, "cam\x00", wireName("cam\x00"))
	require.Equal(t, "0123456789abcdef", wireName("0123456789abcdef"))
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	require.ErrorIs(t, err, ErrNilTransport)

	cfg := DefaultConfig()
	cfg.StreamCapacity = protocol.MaxStreams + 1
	_, err = New(&scriptTransport{geom: cfg.Geometry}, cfg)
	require.Error(t, err)
}
