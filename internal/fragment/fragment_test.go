package fragment_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	bmff "github.com/nota-av/fmp4stream"
	"github.com/nota-av/fmp4stream/internal/fragment"
	"github.com/nota-av/fmp4stream/internal/sampletable"
)

// Two keyframe groups: samples 0-2 (keyframe at 0), samples 3-5 (keyframe
// at 3) — collectVideoSamples should split these into two fragments.
var fxVideoSamples = [][]byte{
	{0, 0, 0, 0, 0x65, 1}, {0, 0, 0, 0, 0x41, 2}, {0, 0, 0, 0, 0x41, 3},
	{0, 0, 0, 0, 0x65, 4}, {0, 0, 0, 0, 0x41, 5}, {0, 0, 0, 0, 0x41, 6},
}

var fxAudioSamples = [][]byte{
	{0xa1, 0xa2}, {0xa3, 0xa4}, {0xa5, 0xa6}, {0xa7, 0xa8}, {0xa9, 0xaa}, {0xab, 0xac},
}

func fxAssembleHeader(videoOffsets, audioOffsets []uint32) []byte {
	buf := make([]byte, 0, 1<<16)
	w := bmff.NewWriter(buf)

	w.WriteFtyp([4]byte{'i', 's', 'o', 'm'}, 512, [][4]byte{{'i', 's', 'o', 'm'}})

	w.StartBox(bmff.TypeMoov)
	w.WriteMvhd(1000, 6000, 3)

	w.StartBox(bmff.TypeTrak)
	w.WriteTkhd(0x7, 1, 6000, 1280<<16, 720<<16)
	w.StartBox(bmff.TypeMdia)
	w.WriteMdhd(1000, 6000, 0)
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
	w.WriteStts([]bmff.SttsEntry{{Count: uint32(len(fxVideoSamples)), Duration: 1000}})
	w.WriteStsc([]bmff.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionId: 1}})
	vsizes := make([]uint32, len(fxVideoSamples))
	for i, s := range fxVideoSamples {
		vsizes[i] = uint32(len(s))
	}
	w.WriteStsz(0, vsizes)
	w.WriteStco(videoOffsets)
	w.EndBox()
	w.EndBox()
	w.EndBox()
	w.EndBox()

	w.StartBox(bmff.TypeTrak)
	w.WriteTkhd(0x7, 2, 6000, 0, 0)
	w.StartBox(bmff.TypeMdia)
	w.WriteMdhd(8000, 48000, 0)
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
	w.WriteStts([]bmff.SttsEntry{{Count: uint32(len(fxAudioSamples)), Duration: 2048}})
	w.WriteStsc([]bmff.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionId: 1}})
	asizes := make([]uint32, len(fxAudioSamples))
	for i, s := range fxAudioSamples {
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

func fxBuild(t *testing.T) *sampletable.Reader {
	t.Helper()

	var mdat []byte
	var videoRel, audioRel []uint32
	for _, s := range fxVideoSamples {
		videoRel = append(videoRel, uint32(len(mdat)))
		mdat = append(mdat, s...)
	}
	for _, s := range fxAudioSamples {
		audioRel = append(audioRel, uint32(len(mdat)))
		mdat = append(mdat, s...)
	}

	headerLen := len(fxAssembleHeader(videoRel, audioRel))
	base := uint32(headerLen) + 8
	videoAbs := make([]uint32, len(videoRel))
	audioAbs := make([]uint32, len(audioRel))
	for i, o := range videoRel {
		videoAbs[i] = base + o
	}
	for i, o := range audioRel {
		audioAbs[i] = base + o
	}
	header := fxAssembleHeader(videoAbs, audioAbs)
	require.Equal(t, headerLen, len(header))

	buf := make([]byte, 0, 1<<16)
	w := bmff.NewWriter(buf)
	w.Write(header)
	w.StartBox(bmff.TypeMdat)
	w.Write(mdat)
	w.EndBox()

	r, err := sampletable.OpenBytes(append([]byte(nil), w.Bytes()...))
	require.NoError(t, err)
	return r
}

func TestBuildInitSegmentProducesValidFtypMoov(t *testing.T) {
	r := fxBuild(t)
	init := fragment.BuildInitSegment(r)
	require.NotEmpty(t, init)

	top := bmff.NewReader(init)
	var sawFtyp, sawMoov, sawMvex bool
	for top.Next() {
		switch top.Type() {
		case bmff.TypeFtyp:
			sawFtyp = true
		case bmff.TypeMoov:
			sawMoov = true
			mr := bmff.NewReader(top.Data())
			for mr.Next() {
				if mr.Type() == bmff.TypeMvex {
					sawMvex = true
				}
			}
		}
	}
	require.True(t, sawFtyp)
	require.True(t, sawMoov)
	require.True(t, sawMvex)
}

func TestFragmentWriterSplitsOnKeyframes(t *testing.T) {
	r := fxBuild(t)
	init := fragment.BuildInitSegment(r)
	fw := fragment.New(r, int64(len(init)))

	var fragments [][]byte
	var durations []float64
	for {
		data, dur, last, err := fw.Next()
		require.NoError(t, err)
		fragments = append(fragments, data)
		durations = append(durations, dur)
		if last {
			break
		}
	}

	require.Len(t, fragments, 2, "one fragment per keyframe group")
	for _, d := range durations {
		require.Greater(t, d, 0.0)
	}

	for _, frag := range fragments {
		top := bmff.NewReader(frag)
		var sawMoof, sawMdat bool
		for top.Next() {
			switch top.Type() {
			case bmff.TypeMoof:
				sawMoof = true
			case bmff.TypeMdat:
				sawMdat = true
			}
		}
		require.True(t, sawMoof)
		require.True(t, sawMdat)
	}
}

func TestFragmentWriterDepletesAfterLastChunk(t *testing.T) {
	r := fxBuild(t)
	init := fragment.BuildInitSegment(r)
	fw := fragment.New(r, int64(len(init)))

	for {
		_, _, last, err := fw.Next()
		require.NoError(t, err)
		if last {
			break
		}
	}

	_, _, _, err := fw.Next()
	require.Error(t, err)
}
