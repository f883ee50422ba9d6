package rtmp

import (
	"encoding/binary"
	"io"
)

// Protocol control message channel/stream ids, grounded on
// other_examples/AgustinSRG-rtmp-server: control messages travel on CSID 2,
// message stream id 0.
const (
	controlCSID     = 2
	controlStreamID = 0
)

// writeControlMessage frames payload as a single fmt0 chunk on the
// protocol control channel and writes it to w.
func writeControlMessage(w io.Writer, typeID uint8, payload []byte) error {
	header := make([]byte, 0, 12)
	header = append(header, controlCSID) // basic header: fmt=0, csid=2 fits in 6 bits
	header = append(header, 0, 0, 0)     // timestamp
	length := len(payload)
	header = append(header, byte(length>>16), byte(length>>8), byte(length))
	header = append(header, typeID)
	var sid [4]byte
	binary.LittleEndian.PutUint32(sid[:], controlStreamID)
	header = append(header, sid[:]...)

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteSetChunkSize sends a Set Chunk Size control message (type 1),
// grounded on original_source/.../rtmp/messages/control.py's SetChunkSize.
func WriteSetChunkSize(w io.Writer, size uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], size&0x7fffffff)
	return writeControlMessage(w, TypeSetChunkSize, buf[:])
}

// WriteWindowAckSize sends a Window Acknowledgement Size control message
// (type 5), grounded on control.py's WindowAcknowledgementSize, whose
// to_bytes method is the model for this wire encoding.
func WriteWindowAckSize(w io.Writer, size uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], size)
	return writeControlMessage(w, TypeWindowAckSize, buf[:])
}

// LimitType mirrors control.py's LimitType enum for Set Peer Bandwidth.
type LimitType uint8

const (
	LimitHard LimitType = iota
	LimitSoft
	LimitDynamic
)

// WriteSetPeerBandwidth sends a Set Peer Bandwidth control message (type 6).
func WriteSetPeerBandwidth(w io.Writer, size uint32, limit LimitType) error {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[:4], size)
	buf[4] = byte(limit)
	return writeControlMessage(w, TypeSetPeerBW, buf)
}

// ParseSetChunkSize decodes a Set Chunk Size message payload, masking off
// the reserved top bit per control.py's SetChunkSize.from_bytes.
func ParseSetChunkSize(payload []byte) uint32 {
	if len(payload) < 4 {
		return defaultChunkSize
	}
	return binary.BigEndian.Uint32(payload[:4]) & 0x7fffffff
}
