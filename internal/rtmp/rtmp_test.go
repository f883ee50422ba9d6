package rtmp_test

import (
	"bytes"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nota-av/fmp4stream/internal/rtmp"
)

// buildFmt0Chunk frames one message as a single fmt0 chunk on csid, assuming
// the payload fits within chunkSize (true for every message in these tests).
func buildFmt0Chunk(csid byte, typeID uint8, streamID uint32, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(csid) // csid in the low 6 bits of the basic header; fmt=0 in the top two
	buf.Write([]byte{0, 0, 0}) // timestamp
	n := len(payload)
	buf.Write([]byte{byte(n >> 16), byte(n >> 8), byte(n)})
	buf.WriteByte(typeID)
	sid := make([]byte, 4)
	sid[0] = byte(streamID)
	sid[1] = byte(streamID >> 8)
	sid[2] = byte(streamID >> 16)
	sid[3] = byte(streamID >> 24)
	buf.Write(sid)
	buf.Write(payload)
	return buf.Bytes()
}

func TestChunkReaderReassemblesFmt0Message(t *testing.T) {
	payload := []byte("hello rtmp")
	wire := buildFmt0Chunk(3, rtmp.TypeAMF0Command, 1, payload)

	cr := rtmp.NewChunkReader(bytes.NewReader(wire))
	msg, err := cr.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, uint8(rtmp.TypeAMF0Command), msg.TypeID)
	require.Equal(t, uint32(1), msg.MessageStreamID)
	require.Equal(t, payload, msg.Payload)
}

func TestChunkReaderAppliesSetChunkSize(t *testing.T) {
	var setChunkPayload [4]byte
	setChunkPayload[0], setChunkPayload[1], setChunkPayload[2], setChunkPayload[3] = 0, 0, 0, 64
	wire := buildFmt0Chunk(2, rtmp.TypeSetChunkSize, 0, setChunkPayload[:])

	cr := rtmp.NewChunkReader(bytes.NewReader(wire))
	msg, err := cr.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, uint8(rtmp.TypeSetChunkSize), msg.TypeID)
	require.Equal(t, uint32(64), rtmp.ParseSetChunkSize(msg.Payload))
}

func TestChunkReaderSplitsPayloadAcrossChunks(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 300)
	full := buildFmt0Chunk(4, rtmp.TypeVideo, 1, payload)

	// Re-split the 12-byte header (1-byte basic header + 11-byte fmt0 message
	// header) + first 128 bytes, then fmt3 continuation
	// chunks every 128 bytes, as a real chunked stream would arrive; rebuild
	// by hand since buildFmt0Chunk above assumes an unbounded chunk size.
	header := full[:12]
	body := full[12:]

	var wire bytes.Buffer
	wire.Write(header)
	wire.Write(body[:128])
	wire.WriteByte(4 | 0xC0) // fmt=3, csid=4
	wire.Write(body[128:256])
	wire.WriteByte(4 | 0xC0)
	wire.Write(body[256:])

	cr := rtmp.NewChunkReader(&wire)
	cr.SetChunkSize(128)
	msg, err := cr.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, payload, msg.Payload)
}

func amf0StringBytes(s string) []byte {
	out := []byte{byte(len(s) >> 8), byte(len(s))}
	return append(out, s...)
}

func f64Bytes(v float64) []byte {
	bits := math.Float64bits(v)
	return []byte{
		byte(bits >> 56), byte(bits >> 48), byte(bits >> 40), byte(bits >> 32),
		byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits),
	}
}

func TestDecodeAMF0OnMetaData(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x02) // string marker
	buf.Write(amf0StringBytes("onMetaData"))

	buf.WriteByte(0x08) // ECMA array
	buf.Write([]byte{0, 0, 0, 1})
	buf.Write(amf0StringBytes("width"))
	buf.WriteByte(0x00) // number
	buf.Write(f64Bytes(1920))
	buf.Write([]byte{0, 0, 0x09}) // object end

	values, err := rtmp.DecodeAMF0All(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, values, 2)
	require.Equal(t, "onMetaData", values[0])
	meta, ok := values[1].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1920), meta["width"])
}

func TestWriteAndParseSetChunkSizeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, rtmp.WriteSetChunkSize(&buf, 4096))

	cr := rtmp.NewChunkReader(&buf)
	msg, err := cr.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, uint8(rtmp.TypeSetChunkSize), msg.TypeID)
	require.Equal(t, uint32(4096), rtmp.ParseSetChunkSize(msg.Payload))
}

func TestWriteWindowAckSizeFramesAControlMessage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, rtmp.WriteWindowAckSize(&buf, 2500000))

	cr := rtmp.NewChunkReader(&buf)
	msg, err := cr.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, uint8(rtmp.TypeWindowAckSize), msg.TypeID)
}

// fakeConn feeds a fixed byte sequence for reads and discards writes, for
// driving Handshake and Sink.Run without a real socket.
type fakeConn struct {
	r io.Reader
	w bytes.Buffer
}

func (f *fakeConn) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error) { return f.w.Write(p) }

func TestHandshakeEchoesC1AsS2(t *testing.T) {
	c1 := bytes.Repeat([]byte{0x11}, 1536)
	c2 := bytes.Repeat([]byte{0x22}, 1536)
	var in bytes.Buffer
	in.WriteByte(3)
	in.Write(c1)
	in.Write(c2)

	conn := &fakeConn{r: &in}
	_, err := rtmp.Handshake(conn)
	require.NoError(t, err)

	out := conn.w.Bytes()
	require.Equal(t, byte(3), out[0])
	s2 := out[1+1536 : 1+1536+1536]
	require.Equal(t, c1, s2)
}

func TestHandshakeRejectsWrongVersion(t *testing.T) {
	var in bytes.Buffer
	in.WriteByte(9)
	conn := &fakeConn{r: &in}
	_, err := rtmp.Handshake(conn)
	require.Error(t, err)
}
