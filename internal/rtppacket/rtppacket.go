// Package rtppacket turns ISO-BMFF samples into RTP packets framed for
// interleaved TCP delivery (rfc2326 §10.12): AVC via FU-A (rfc6184), HEVC
// via its FU analogue (rfc7798), and AAC via the AU-header section
// (rfc3640). Grounded on other_examples/pion-rtp's h264 FU-A spreader for
// the indicator/header bit layout, rebuilt against github.com/pion/rtp's
// Header/Packet marshaling instead of hand-rolled byte packing.
package rtppacket

import (
	"encoding/binary"

	"github.com/pion/rtp"
)

const (
	chunkSize = 1472

	// FU-A indicator/header bits, rfc6184 §5.8.
	fuIndicatorType = 28
	fuStartBit      = 0x80
	fuEndBit        = 0x40

	// HEVC FU type and header bits, rfc7798 §4.4.3.
	hevcFuType  = 49
	hevcStartS  = 0x80
	hevcEndE    = 0x40

	PayloadTypeVideo = 96
	PayloadTypeAudio = 97
)

// Packetizer accumulates the monotonic state one RTP stream needs across
// calls: sequence number and a fixed synchronization source.
type Packetizer struct {
	Channel     byte
	PayloadType uint8
	SSRC        uint32
	seq         uint16
}

// NewPacketizer creates a Packetizer for one interleaved RTP channel. ssrc
// should be chosen once per session (e.g. rand.Uint32) and held fixed.
func NewPacketizer(channel byte, payloadType uint8, ssrc uint32) *Packetizer {
	return &Packetizer{Channel: channel, PayloadType: payloadType, SSRC: ssrc}
}

func (p *Packetizer) nextSeq() uint16 {
	s := p.seq
	p.seq++
	return s
}

func (p *Packetizer) packet(marker bool, timestamp uint32, payload []byte) ([]byte, error) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    p.PayloadType,
			SequenceNumber: p.nextSeq(),
			Timestamp:      timestamp,
			SSRC:           p.SSRC,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return nil, err
	}
	return interleave(p.Channel, raw), nil
}

// interleave prepends the 4-byte $-channel-length header rfc2326 §10.12
// defines for RTSP TCP interleaving.
func interleave(channel byte, rtpPacket []byte) []byte {
	out := make([]byte, 4+len(rtpPacket))
	out[0] = 0x24
	out[1] = channel
	binary.BigEndian.PutUint16(out[2:4], uint16(len(rtpPacket)))
	copy(out[4:], rtpPacket)
	return out
}

// PacketizeAVC packetizes one AVC NAL unit (no length prefix or start
// code, per spec.md §4.5) as a single packet if it fits chunkSize, or as a
// run of FU-A fragments otherwise.
func (p *Packetizer) PacketizeAVC(nal []byte, timestamp uint32) ([][]byte, error) {
	if len(nal) <= chunkSize {
		pkt, err := p.packet(true, timestamp, nal)
		if err != nil {
			return nil, err
		}
		return [][]byte{pkt}, nil
	}

	indicator := (nal[0] & 0xE0) | fuIndicatorType
	nalType := nal[0] & 0x1F
	body := nal[1:]

	var out [][]byte
	for len(body) > 0 {
		n := chunkSize - 2
		if n > len(body) {
			n = len(body)
		}
		chunk := body[:n]
		body = body[n:]

		var header byte
		switch {
		case len(out) == 0:
			header = fuStartBit | nalType
		case len(body) == 0:
			header = fuEndBit | nalType
		default:
			header = nalType
		}

		payload := make([]byte, 2+len(chunk))
		payload[0] = indicator
		payload[1] = header
		copy(payload[2:], chunk)

		pkt, err := p.packet(len(body) == 0, timestamp, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, nil
}

// PacketizeHEVC packetizes one HEVC NAL unit (2-byte NAL header) as a
// single packet or a run of FU fragments, rfc7798 §4.4.3.
func (p *Packetizer) PacketizeHEVC(nal []byte, timestamp uint32) ([][]byte, error) {
	if len(nal) <= chunkSize {
		pkt, err := p.packet(true, timestamp, nal)
		if err != nil {
			return nil, err
		}
		return [][]byte{pkt}, nil
	}

	nalType := (nal[0] >> 1) & 0x3F
	layerIDHigh := nal[0] & 0x81 // F bit + top bit of layer id
	layerIDLow := nal[1]
	tid := nal[1] & 0x07

	indicatorByte0 := layerIDHigh | (hevcFuType << 1)
	indicatorByte1 := (layerIDLow &^ 0x07) | tid

	body := nal[2:]
	var out [][]byte
	for len(body) > 0 {
		n := chunkSize - 3
		if n > len(body) {
			n = len(body)
		}
		chunk := body[:n]
		body = body[n:]

		var fuHeader byte = nalType
		switch {
		case len(out) == 0:
			fuHeader |= hevcStartS
		case len(body) == 0:
			fuHeader |= hevcEndE
		}

		payload := make([]byte, 3+len(chunk))
		payload[0] = indicatorByte0
		payload[1] = indicatorByte1
		payload[2] = fuHeader
		copy(payload[3:], chunk)

		pkt, err := p.packet(len(body) == 0, timestamp, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, nil
}

// PacketizeAAC wraps one AAC access unit in the AU-header section, rfc3640
// §3.3.6: a 16-bit headers-length (always 16, one AU-header) followed by
// the AU-header itself (13-bit size, 3-bit index), then the raw AU.
func (p *Packetizer) PacketizeAAC(au []byte, timestamp uint32) ([][]byte, error) {
	header := uint16(len(au)&0x1FFF)<<3 | 0
	payload := make([]byte, 4+len(au))
	binary.BigEndian.PutUint16(payload[0:2], 16)
	binary.BigEndian.PutUint16(payload[2:4], header)
	copy(payload[4:], au)

	pkt, err := p.packet(true, timestamp, payload)
	if err != nil {
		return nil, err
	}
	return [][]byte{pkt}, nil
}
