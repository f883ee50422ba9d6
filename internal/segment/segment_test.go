package segment_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	bmff "github.com/nota-av/fmp4stream"
	"github.com/nota-av/fmp4stream/internal/sampletable"
	"github.com/nota-av/fmp4stream/internal/segment"
)

// Three keyframe groups of two samples each, so the fragment writer yields
// three fragments, one per group.
var sxVideoSamples = [][]byte{
	{0, 0, 0, 0, 0x65, 1}, {0, 0, 0, 0, 0x41, 2},
	{0, 0, 0, 0, 0x65, 3}, {0, 0, 0, 0, 0x41, 4},
	{0, 0, 0, 0, 0x65, 5}, {0, 0, 0, 0, 0x41, 6},
}

func sxAssembleHeader(offsets []uint32) []byte {
	buf := make([]byte, 0, 1<<16)
	w := bmff.NewWriter(buf)

	w.WriteFtyp([4]byte{'i', 's', 'o', 'm'}, 512, [][4]byte{{'i', 's', 'o', 'm'}})
	w.StartBox(bmff.TypeMoov)
	w.WriteMvhd(1000, 6000, 2)

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
	w.WriteStts([]bmff.SttsEntry{{Count: uint32(len(sxVideoSamples)), Duration: 1000}})
	w.WriteStsc([]bmff.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionId: 1}})
	sizes := make([]uint32, len(sxVideoSamples))
	for i, s := range sxVideoSamples {
		sizes[i] = uint32(len(s))
	}
	w.WriteStsz(0, sizes)
	w.WriteStco(offsets)
	w.EndBox()
	w.EndBox()
	w.EndBox()
	w.EndBox()

	w.EndBox() // moov
	return append([]byte(nil), w.Bytes()...)
}

func sxBuild(t *testing.T) *sampletable.Reader {
	t.Helper()

	var mdat []byte
	var rel []uint32
	for _, s := range sxVideoSamples {
		rel = append(rel, uint32(len(mdat)))
		mdat = append(mdat, s...)
	}
	headerLen := len(sxAssembleHeader(rel))
	base := uint32(headerLen) + 8
	abs := make([]uint32, len(rel))
	for i, o := range rel {
		abs[i] = base + o
	}
	header := sxAssembleHeader(abs)
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

func TestMakerGroupsFragmentsIntoSegments(t *testing.T) {
	r := sxBuild(t)
	// Each fragment is ~2 sec (2 samples * 1000 units / 1000 timescale);
	// a floor of 1 sec closes a segment after its first fragment.
	m, err := segment.New(r, "stream", 1.0)
	require.NoError(t, err)

	require.Equal(t, 3, m.SegmentCount())
	require.NotZero(t, m.TargetDuration())

	for i := 0; i < m.SegmentCount(); i++ {
		data, err := m.Segment(i)
		require.NoError(t, err)
		require.NotEmpty(t, data)
	}

	_, err = m.Segment(m.SegmentCount())
	require.Error(t, err)
}

func TestMediaPlaylistContainsExpectedTags(t *testing.T) {
	r := sxBuild(t)
	m, err := segment.New(r, "stream", 1.0)
	require.NoError(t, err)

	pl, err := m.MediaPlaylist()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(pl, "#EXTM3U"))
	require.Contains(t, pl, "#EXT-X-TARGETDURATION")
	require.Contains(t, pl, "#EXT-X-MAP:URI=\"stream_init.mp4\"")
	require.Contains(t, pl, "stream_sn0.m4s")
	require.Contains(t, pl, "#EXT-X-ENDLIST")
}

func TestAdaptationSetsCoverAllTracks(t *testing.T) {
	r := sxBuild(t)
	m, err := segment.New(r, "stream", 1.0)
	require.NoError(t, err)

	sets := m.AdaptationSets()
	require.Len(t, sets, 1)
	require.Equal(t, "video/mp4", sets[0].MimeType)
	require.Equal(t, "stream_init.mp4", sets[0].Initialization)
}

func TestCacheReusesMakerForSameKey(t *testing.T) {
	c := segment.NewCache()
	opens := 0
	open := func() (*sampletable.Reader, error) {
		opens++
		return sxBuild(t), nil
	}

	m1, err := c.Get("/video.mp4", 1.0, open)
	require.NoError(t, err)
	m2, err := c.Get("/video.mp4", 1.0, open)
	require.NoError(t, err)

	require.Same(t, m1, m2)
	require.Equal(t, 1, opens)
}

func TestWriteCacheLoadCacheRoundTrip(t *testing.T) {
	r := sxBuild(t)
	m, err := segment.New(r, "stream", 1.0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.WriteCache(&buf))

	loaded, err := segment.LoadCache(&buf, r, "stream")
	require.NoError(t, err)

	require.Equal(t, m.SegmentCount(), loaded.SegmentCount())
	require.Equal(t, m.TargetDuration(), loaded.TargetDuration())
	require.Equal(t, m.Init(), loaded.Init())
	for i := 0; i < m.SegmentCount(); i++ {
		want, err := m.Segment(i)
		require.NoError(t, err)
		got, err := loaded.Segment(i)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestGetDiskPersistsAcrossCacheInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.mp4")

	opens := 0
	open := func() (*sampletable.Reader, error) {
		opens++
		return sxBuild(t), nil
	}

	c1 := segment.NewCache()
	m1, err := c1.GetDisk(path, 1.0, open)
	require.NoError(t, err)
	require.FileExists(t, path+".cache")

	c2 := segment.NewCache()
	m2, err := c2.GetDisk(path, 1.0, open)
	require.NoError(t, err)

	require.Equal(t, m1.SegmentCount(), m2.SegmentCount())
	require.Equal(t, 2, opens) // open() is still called to obtain the sampletable.Reader itself
}
