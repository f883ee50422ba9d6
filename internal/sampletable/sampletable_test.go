package sampletable_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	bmff "github.com/nota-av/fmp4stream"
	"github.com/nota-av/fmp4stream/internal/sampletable"
)

var videoSamples = [][]byte{
	{0, 0, 0, 0, 0x65, 0xaa, 0xbb, 0xcc}, // NAL type 5: keyframe
	{0, 0, 0, 0, 0x41, 0xaa, 0xbb, 0xcc}, // NAL type 1: non-key
	{0, 0, 0, 0, 0x65, 0xaa, 0xbb, 0xcc}, // keyframe
	{0, 0, 0, 0, 0x41, 0xaa, 0xbb, 0xcc},
}

var audioSamples = [][]byte{
	{0xaa, 0xbb}, {0xcc, 0xdd}, {0xee, 0xff}, {0x11, 0x22},
}

// assembleHeader writes ftyp+moov with the given (possibly provisional)
// stco offsets. Box sizes never depend on the offset values themselves, so
// calling this twice — once to measure, once with the real absolute
// offsets — yields an identical length both times.
func assembleHeader(videoOffsets, audioOffsets []uint32) []byte {
	buf := make([]byte, 0, 1<<16)
	w := bmff.NewWriter(buf)

	w.WriteFtyp([4]byte{'i', 's', 'o', 'm'}, 512, [][4]byte{{'i', 's', 'o', 'm'}, {'m', 'p', '4', '2'}})

	w.StartBox(bmff.TypeMoov)
	w.WriteMvhd(1000, 4000, 3)

	w.StartBox(bmff.TypeTrak)
	w.WriteTkhd(0x7, 1, 4000, 1280<<16, 720<<16)
	w.StartBox(bmff.TypeMdia)
	w.WriteMdhd(1000, 4000, 0x55c4) // "und"
	w.WriteHdlr([4]byte{'v', 'i', 'd', 'e'}, "VideoHandler")
	w.StartBox(bmff.TypeMinf)
	w.WriteVmhd()
	w.StartBox(bmff.TypeDinf)
	w.WriteDref()
	w.EndBox()
	w.StartBox(bmff.TypeStbl)
	w.WriteStsdBox(bmff.SampleEntry{
		Format: bmff.TypeAvc1,
		Visual: &bmff.VisualSampleEntry{Width: 1280, Height: 720},
	})
	w.WriteStts([]bmff.SttsEntry{{Count: 4, Duration: 1000}})
	w.WriteStsc([]bmff.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionId: 1}})
	sizes := make([]uint32, len(videoSamples))
	for i, s := range videoSamples {
		sizes[i] = uint32(len(s))
	}
	w.WriteStsz(0, sizes)
	w.WriteStco(videoOffsets)
	w.EndBox() // stbl
	w.EndBox() // minf
	w.EndBox() // mdia
	w.EndBox() // trak

	w.StartBox(bmff.TypeTrak)
	w.WriteTkhd(0x7, 2, 4000, 0, 0)
	w.StartBox(bmff.TypeMdia)
	w.WriteMdhd(8000, 32000, 0x55c4)
	w.WriteHdlr([4]byte{'s', 'o', 'u', 'n'}, "SoundHandler")
	w.StartBox(bmff.TypeMinf)
	w.WriteSmhd()
	w.StartBox(bmff.TypeDinf)
	w.WriteDref()
	w.EndBox()
	w.StartBox(bmff.TypeStbl)
	w.WriteStsdBox(bmff.SampleEntry{
		Format: bmff.TypeMp4a,
		Audio:  &bmff.AudioSampleEntry{ChannelCount: 2, SampleSize: 16, SampleRate: 44100 << 16},
	})
	w.WriteStts([]bmff.SttsEntry{{Count: 4, Duration: 2048}})
	w.WriteStsc([]bmff.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionId: 1}})
	asizes := make([]uint32, len(audioSamples))
	for i, s := range audioSamples {
		asizes[i] = uint32(len(s))
	}
	w.WriteStsz(0, asizes)
	w.WriteStco(audioOffsets)
	w.EndBox()
	w.EndBox()
	w.EndBox()
	w.EndBox()

	w.EndBox() // moov

	return append([]byte(nil), w.Bytes()...)
}

// buildFixture assembles a minimal non-fragmented MP4 with one video track
// (four samples, NAL type 5 on the first and third) and one audio track
// (four samples), mirroring the box tree internal/fragment.BuildInitSegment
// expects to find on open.
func buildFixture(t *testing.T) []byte {
	t.Helper()

	var mdat []byte
	var videoRel, audioRel []uint32
	for _, s := range videoSamples {
		videoRel = append(videoRel, uint32(len(mdat)))
		mdat = append(mdat, s...)
	}
	for _, s := range audioSamples {
		audioRel = append(audioRel, uint32(len(mdat)))
		mdat = append(mdat, s...)
	}

	headerLen := len(assembleHeader(videoRel, audioRel))
	base := uint32(headerLen) + 8 // + mdat box header
	videoAbs := make([]uint32, len(videoRel))
	audioAbs := make([]uint32, len(audioRel))
	for i, o := range videoRel {
		videoAbs[i] = base + o
	}
	for i, o := range audioRel {
		audioAbs[i] = base + o
	}

	header := assembleHeader(videoAbs, audioAbs)
	require.Equal(t, headerLen, len(header), "stco offset width must not change box sizes")

	buf := make([]byte, 0, 1<<16)
	w := bmff.NewWriter(buf)
	w.Write(header)
	w.StartBox(bmff.TypeMdat)
	w.Write(mdat)
	w.EndBox()

	return append([]byte(nil), w.Bytes()...)
}

func TestOpenBytesParsesTracks(t *testing.T) {
	data := buildFixture(t)
	r, err := sampletable.OpenBytes(data)
	require.NoError(t, err)
	require.Len(t, r.Tracks, 2)

	video := r.Tracks[1]
	require.Equal(t, sampletable.HandlerVideo, video.Handler)
	require.Equal(t, 4, video.Count())

	audio := r.Tracks[2]
	require.Equal(t, sampletable.HandlerAudio, audio.Handler)
	require.Equal(t, 4, audio.Count())
}

func TestSampleDurationFallsBackToDefault(t *testing.T) {
	data := buildFixture(t)
	r, err := sampletable.OpenBytes(data)
	require.NoError(t, err)

	require.Equal(t, uint32(1000), r.SampleDuration(1, 0))
	// Last sample: no next DTS to diff against, falls back to
	// DefaultSampleDuration (the stts run's duration).
	require.Equal(t, uint32(1000), r.SampleDuration(1, 3))
}

func TestIsKeyframeReadsNALHeader(t *testing.T) {
	data := buildFixture(t)
	r, err := sampletable.OpenBytes(data)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		s, err := r.NextSample(1, true)
		require.NoError(t, err)
		kf, err := r.IsKeyframe(1, s)
		require.NoError(t, err)
		require.Equal(t, i%2 == 0, kf, "sample %d", i)
	}
}

func TestReadSampleReturnsExactPayload(t *testing.T) {
	data := buildFixture(t)
	r, err := sampletable.OpenBytes(data)
	require.NoError(t, err)

	s, err := r.NextSample(1, true)
	require.NoError(t, err)
	payload, err := r.ReadSample(s.Offset, s.Size)
	require.NoError(t, err)
	require.Equal(t, videoSamples[0], payload)
}
