package httpapi_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	bmff "github.com/nota-av/fmp4stream"
	"github.com/nota-av/fmp4stream/internal/httpapi"
)

var hxSamples = [][]byte{
	{0, 0, 0, 0, 0x65, 1}, {0, 0, 0, 0, 0x41, 2},
	{0, 0, 0, 0, 0x65, 3}, {0, 0, 0, 0, 0x41, 4},
}

func hxHeader(offsets []uint32) []byte {
	buf := make([]byte, 0, 1<<16)
	w := bmff.NewWriter(buf)

	w.WriteFtyp([4]byte{'i', 's', 'o', 'm'}, 512, [][4]byte{{'i', 's', 'o', 'm'}})
	w.StartBox(bmff.TypeMoov)
	w.WriteMvhd(1000, 4000, 2)

	w.StartBox(bmff.TypeTrak)
	w.WriteTkhd(0x7, 1, 4000, 640<<16, 480<<16)
	w.StartBox(bmff.TypeMdia)
	w.WriteMdhd(1000, 4000, 0)
	w.WriteHdlr([4]byte{'v', 'i', 'd', 'e'}, "VideoHandler")
	w.StartBox(bmff.TypeMinf)
	w.WriteVmhd()
	w.StartBox(bmff.TypeDinf)
	w.WriteDref()
	w.EndBox()
	w.StartBox(bmff.TypeStbl)
	w.WriteStsdBox(bmff.SampleEntry{
		Format: bmff.TypeAvc1,
		Visual: &bmff.VisualSampleEntry{Width: 640, Height: 480},
	})
	w.WriteStts([]bmff.SttsEntry{{Count: uint32(len(hxSamples)), Duration: 1000}})
	w.WriteStsc([]bmff.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionId: 1}})
	sizes := make([]uint32, len(hxSamples))
	for i, s := range hxSamples {
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

func hxWriteFile(t *testing.T, path string) {
	t.Helper()

	var mdat []byte
	var rel []uint32
	for _, s := range hxSamples {
		rel = append(rel, uint32(len(mdat)))
		mdat = append(mdat, s...)
	}
	headerLen := len(hxHeader(rel))
	base := uint32(headerLen) + 8
	abs := make([]uint32, len(rel))
	for i, o := range rel {
		abs[i] = base + o
	}
	header := hxHeader(abs)
	require.Equal(t, headerLen, len(header))

	buf := make([]byte, 0, 1<<16)
	w := bmff.NewWriter(buf)
	w.Write(header)
	w.StartBox(bmff.TypeMdat)
	w.Write(mdat)
	w.EndBox()

	require.NoError(t, os.WriteFile(path, w.Bytes(), 0o644))
}

func hxTestServer(t *testing.T) *httpapi.Server {
	t.Helper()
	dir := t.TempDir()
	hxWriteFile(t, filepath.Join(dir, "stream.mp4"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return httpapi.New(dir, 1.0, false, logger)
}

func TestHandleMediaPlaylistServesHLS(t *testing.T) {
	s := hxTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream.m3u8", nil)
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "#EXTM3U")
	require.Contains(t, rec.Body.String(), "stream_init.mp4")
}

func TestHandleInitServesMP4InitSegment(t *testing.T) {
	s := hxTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream_init.mp4", nil)
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Body.Bytes())
}

func TestHandleSegmentServesFragment(t *testing.T) {
	s := hxTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream_sn0.m4s", nil)
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.Bytes())
}

func TestHandleMPDServesDASHManifest(t *testing.T) {
	s := hxTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream.mpd", nil)
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<MPD")
	require.Contains(t, rec.Body.String(), "SegmentTemplate")
}

func TestHandleUnknownNameReturnsNotFound(t *testing.T) {
	s := hxTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/missing.m3u8", nil)
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
