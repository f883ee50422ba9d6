package rtmp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nota-av/fmp4stream/internal/streamerr"
)

// Message types this sink cares about (RTMP_TYPE_* constants), grounded on
// other_examples/AgustinSRG-rtmp-server's protocol constant table.
const (
	TypeSetChunkSize = 1
	TypeAbort        = 2
	TypeAck          = 3
	TypeWindowAckSize = 5
	TypeSetPeerBW    = 6
	TypeUserControl  = 4
	TypeAudio        = 8
	TypeVideo        = 9
	TypeAMF0Data     = 18
	TypeAMF0Command  = 20
)

const extendedTimestampMarker = 0xFFFFFF

// chunkStreamState accumulates partial chunk payloads for one chunk
// stream id (CSID) across FMT0-3 headers, mirroring the ChunkStreamState
// design in the grounded chunk reader.
type chunkStreamState struct {
	timestamp   uint32
	length      uint32
	typeID      uint8
	streamID    uint32
	buf         []byte
	gotLength   bool
}

// Message is one fully reassembled RTMP message.
type Message struct {
	TypeID          uint8
	Timestamp       uint32
	MessageStreamID uint32
	Payload         []byte
}

// ChunkReader dechunks an RTMP byte stream into complete Messages,
// grounded on other_examples/alxayo-rtmp-go's chunk.Reader (basic-header
// CSID forms, FMT0-3 message headers, extended-timestamp handling).
type ChunkReader struct {
	r          io.Reader
	chunkSize  uint32
	states     map[uint32]*chunkStreamState
	prevStream map[uint32]uint32 // CSID -> last known message stream id, for FMT1/2 inheritance
	prevTypeID map[uint32]uint8
	prevLength map[uint32]uint32
}

// NewChunkReader creates a dechunker reading from r, with the protocol's
// default inbound chunk size (128 bytes) until a Set Chunk Size message
// changes it.
func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{
		r:          r,
		chunkSize:  defaultChunkSize,
		states:     make(map[uint32]*chunkStreamState),
		prevStream: make(map[uint32]uint32),
		prevTypeID: make(map[uint32]uint8),
		prevLength: make(map[uint32]uint32),
	}
}

// SetChunkSize overrides the inbound chunk size, called when a Set Chunk
// Size control message (type 1) arrives.
func (c *ChunkReader) SetChunkSize(size uint32) {
	if size >= 1 {
		c.chunkSize = size
	}
}

func (c *ChunkReader) readBasicHeader() (fmtVal byte, csid uint32, err error) {
	var first [1]byte
	if _, err = io.ReadFull(c.r, first[:]); err != nil {
		return 0, 0, err
	}
	fmtVal = first[0] >> 6
	raw := first[0] & 0x3F
	switch raw {
	case 0:
		var b1 [1]byte
		if _, err = io.ReadFull(c.r, b1[:]); err != nil {
			return 0, 0, err
		}
		csid = uint32(b1[0]) + 64
	case 1:
		var b2 [2]byte
		if _, err = io.ReadFull(c.r, b2[:]); err != nil {
			return 0, 0, err
		}
		csid = uint32(b2[0]) + 64 + uint32(b2[1])<<8
	default:
		csid = uint32(raw)
	}
	return fmtVal, csid, nil
}

// ReadMessage blocks until one complete RTMP message has been reassembled,
// transparently applying any Set Chunk Size message it sees along the way.
func (c *ChunkReader) ReadMessage() (*Message, error) {
	for {
		fmtVal, csid, err := c.readBasicHeader()
		if err != nil {
			if err == io.EOF {
				return nil, err
			}
			return nil, fmt.Errorf("%w: basic header: %v", streamerr.TransportError, err)
		}

		st := c.states[csid]
		if st == nil {
			st = &chunkStreamState{}
			c.states[csid] = st
		}

		var timestamp uint32
		var isDelta bool
		switch fmtVal {
		case 0:
			var mh [11]byte
			if _, err := io.ReadFull(c.r, mh[:]); err != nil {
				return nil, fmt.Errorf("%w: fmt0 header: %v", streamerr.TransportError, err)
			}
			timestamp = uint32(mh[0])<<16 | uint32(mh[1])<<8 | uint32(mh[2])
			st.length = uint32(mh[3])<<16 | uint32(mh[4])<<8 | uint32(mh[5])
			st.typeID = mh[6]
			st.streamID = binary.LittleEndian.Uint32(mh[7:11])
			st.gotLength = true
		case 1:
			var mh [7]byte
			if _, err := io.ReadFull(c.r, mh[:]); err != nil {
				return nil, fmt.Errorf("%w: fmt1 header: %v", streamerr.TransportError, err)
			}
			timestamp = uint32(mh[0])<<16 | uint32(mh[1])<<8 | uint32(mh[2])
			isDelta = true
			st.length = uint32(mh[3])<<16 | uint32(mh[4])<<8 | uint32(mh[5])
			st.typeID = mh[6]
			st.streamID = c.prevStream[csid]
			st.gotLength = true
		case 2:
			var mh [3]byte
			if _, err := io.ReadFull(c.r, mh[:]); err != nil {
				return nil, fmt.Errorf("%w: fmt2 header: %v", streamerr.TransportError, err)
			}
			timestamp = uint32(mh[0])<<16 | uint32(mh[1])<<8 | uint32(mh[2])
			isDelta = true
			st.length = c.prevLength[csid]
			st.typeID = c.prevTypeID[csid]
			st.streamID = c.prevStream[csid]
			st.gotLength = true
		case 3:
			if !st.gotLength {
				return nil, fmt.Errorf("%w: fmt3 with no prior header for csid %d", streamerr.ProtocolError, csid)
			}
			timestamp = st.timestamp
			isDelta = true
		}

		if timestamp == extendedTimestampMarker {
			var ext [4]byte
			if _, err := io.ReadFull(c.r, ext[:]); err != nil {
				return nil, fmt.Errorf("%w: extended timestamp: %v", streamerr.TransportError, err)
			}
			timestamp = binary.BigEndian.Uint32(ext[:])
		}
		if isDelta {
			st.timestamp += timestamp
		} else {
			st.timestamp = timestamp
		}

		c.prevStream[csid] = st.streamID
		c.prevTypeID[csid] = st.typeID
		c.prevLength[csid] = st.length

		remaining := int(st.length) - len(st.buf)
		if remaining < 0 {
			remaining = 0
		}
		readLen := remaining
		if uint32(readLen) > c.chunkSize {
			readLen = int(c.chunkSize)
		}
		if readLen > 0 {
			chunk := make([]byte, readLen)
			if _, err := io.ReadFull(c.r, chunk); err != nil {
				return nil, fmt.Errorf("%w: chunk payload: %v", streamerr.TransportError, err)
			}
			st.buf = append(st.buf, chunk...)
		}

		if uint32(len(st.buf)) >= st.length {
			msg := &Message{
				TypeID:          st.typeID,
				Timestamp:       st.timestamp,
				MessageStreamID: st.streamID,
				Payload:         st.buf,
			}
			st.buf = nil
			if msg.TypeID == TypeSetChunkSize && len(msg.Payload) >= 4 {
				v := binary.BigEndian.Uint32(msg.Payload[:4]) & 0x7fffffff
				c.SetChunkSize(v)
			}
			return msg, nil
		}
	}
}
