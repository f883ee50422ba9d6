package rtppacket_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nota-av/fmp4stream/internal/rtppacket"
)

func TestPacketizeAVCSmallNALIsSinglePacket(t *testing.T) {
	p := rtppacket.NewPacketizer(0, rtppacket.PayloadTypeVideo, 0xdeadbeef)
	nal := append([]byte{0x65}, bytes.Repeat([]byte{0xab}, 100)...)

	frames, err := p.PacketizeAVC(nal, 12345)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, byte(0x24), frames[0][0])
	require.Equal(t, byte(0), frames[0][1])
}

func TestPacketizeAVCLargeNALFragmentsFUA(t *testing.T) {
	p := rtppacket.NewPacketizer(0, rtppacket.PayloadTypeVideo, 1)
	nal := append([]byte{0x65}, bytes.Repeat([]byte{0xcd}, 4000)...)

	frames, err := p.PacketizeAVC(nal, 99)
	require.NoError(t, err)
	require.Greater(t, len(frames), 1)

	// First fragment: FU indicator type 28, FU header start bit set, nal type 5.
	first := frames[0][4:] // strip $-channel-length
	fuIndicator := first[12]
	fuHeader := first[13]
	require.Equal(t, byte(28), fuIndicator&0x1F)
	require.Equal(t, byte(0x80), fuHeader&0x80)
	require.Equal(t, byte(5), fuHeader&0x1F)

	last := frames[len(frames)-1][4:]
	require.Equal(t, byte(0x40), last[13]&0x40)
}

func TestPacketizeAACWrapsAUHeader(t *testing.T) {
	p := rtppacket.NewPacketizer(1, rtppacket.PayloadTypeAudio, 2)
	au := []byte{1, 2, 3, 4, 5}

	frames, err := p.PacketizeAAC(au, 500)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	body := frames[0][4:]
	rtpPayload := body[12:]
	require.Equal(t, byte(0), rtpPayload[0])
	require.Equal(t, byte(16), rtpPayload[1])
	require.Equal(t, au, rtpPayload[4:])
}

func TestSequenceNumberIncrementsMonotonically(t *testing.T) {
	p := rtppacket.NewPacketizer(0, rtppacket.PayloadTypeVideo, 1)
	nal := []byte{0x41, 0xaa}

	f1, err := p.PacketizeAVC(nal, 1)
	require.NoError(t, err)
	f2, err := p.PacketizeAVC(nal, 2)
	require.NoError(t, err)

	seq1 := uint16(f1[0][4+2])<<8 | uint16(f1[0][4+3])
	seq2 := uint16(f2[0][4+2])<<8 | uint16(f2[0][4+3])
	require.Equal(t, seq1+1, seq2)
}
