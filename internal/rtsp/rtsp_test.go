package rtsp_test

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	bmff "github.com/nota-av/fmp4stream"
	"github.com/nota-av/fmp4stream/internal/rtsp"
	"github.com/nota-av/fmp4stream/internal/sampletable"
	"github.com/nota-av/fmp4stream/internal/streamerr"
)

func TestBasicAuthAcceptsCorrectCredentials(t *testing.T) {
	a, err := rtsp.NewBasicAuth("alice:secret@stream")
	require.NoError(t, err)

	c := &rtsp.AuthContainer{Basic: a}
	encoded := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	err = c.Verify("Basic "+encoded, "DESCRIBE")
	require.NoError(t, err)
}

func TestBasicAuthRejectsWrongCredentials(t *testing.T) {
	a, err := rtsp.NewBasicAuth("alice:secret@stream")
	require.NoError(t, err)

	c := &rtsp.AuthContainer{Basic: a}
	encoded := base64.StdEncoding.EncodeToString([]byte("alice:wrong"))
	err = c.Verify("Basic "+encoded, "DESCRIBE")
	require.ErrorIs(t, err, streamerr.AuthRejected)
}

func TestAuthContainerRequiresCredentialsWhenConfigured(t *testing.T) {
	a, err := rtsp.NewBasicAuth("alice:secret@stream")
	require.NoError(t, err)
	c := &rtsp.AuthContainer{Basic: a}

	err = c.Verify("", "DESCRIBE")
	require.ErrorIs(t, err, streamerr.AuthRequired)
	require.Len(t, c.Challenges(), 1)
}

func TestDigestAuthRoundTrip(t *testing.T) {
	d, err := rtsp.NewDigestAuth("bob:hunter2@stream")
	require.NoError(t, err)

	// Extract the nonce the same way a client would, from the challenge.
	challenge := d.Challenge()
	require.Contains(t, challenge, "nonce=")

	nonce := extractQuoted(challenge, "nonce=")
	aFirst := md5.Sum([]byte("bob:stream:hunter2"))
	aSecond := md5.Sum([]byte("DESCRIBE:rtsp://host/stream"))
	digest := md5.Sum([]byte(hex.EncodeToString(aFirst[:]) + ":" + nonce + ":" + hex.EncodeToString(aSecond[:])))

	c := &rtsp.AuthContainer{Digest: d}
	header := `Digest uri="rtsp://host/stream", nonce="` + nonce + `", response="` + hex.EncodeToString(digest[:]) + `"`
	require.NoError(t, c.Verify(header, "DESCRIBE"))
}

func extractQuoted(s, prefix string) string {
	i := indexOf(s, prefix)
	if i < 0 {
		return ""
	}
	rest := s[i+len(prefix):]
	start := indexOf(rest, `"`) + 1
	end := indexOf(rest[start:], `"`) + start
	return rest[start:end]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func buildVideoOnlyReader(t *testing.T) *sampletable.Reader {
	t.Helper()

	samples := [][]byte{{0, 0, 0, 0, 0x65, 1}, {0, 0, 0, 0, 0x41, 2}}

	assemble := func(offsets []uint32) []byte {
		buf := make([]byte, 0, 1<<12)
		w := bmff.NewWriter(buf)
		w.WriteFtyp([4]byte{'i', 's', 'o', 'm'}, 512, [][4]byte{{'i', 's', 'o', 'm'}})
		w.StartBox(bmff.TypeMoov)
		w.WriteMvhd(1000, 2000, 2)
		w.StartBox(bmff.TypeTrak)
		w.WriteTkhd(0x7, 1, 2000, 1280<<16, 720<<16)
		w.StartBox(bmff.TypeMdia)
		w.WriteMdhd(1000, 2000, 0)
		w.WriteHdlr([4]byte{'v', 'i', 'd', 'e'}, "VideoHandler")
		w.StartBox(bmff.TypeMinf)
		w.WriteVmhd()
		w.StartBox(bmff.TypeDinf)
		w.WriteDref()
		w.EndBox()
		w.StartBox(bmff.TypeStbl)
		w.WriteStsdBox(bmff.SampleEntry{
			Format: bmff.TypeAvc1,
			Visual: &bmff.VisualSampleEntry{
				Width:  1280,
				Height: 720,
				AvcC: &bmff.AvcC{
					ConfigurationVersion: 1,
					Profile:              0x64,
					Level:                0x1f,
					LengthSizeMinusOne:   3,
					SPS:                  [][]byte{{0x67, 0x64, 0x00, 0x1f}},
					PPS:                  [][]byte{{0x68, 0xee, 0x3c, 0x80}},
				},
			},
		})
		w.WriteStts([]bmff.SttsEntry{{Count: uint32(len(samples)), Duration: 1000}})
		w.WriteStsc([]bmff.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionId: 1}})
		sizes := make([]uint32, len(samples))
		for i, s := range samples {
			sizes[i] = uint32(len(s))
		}
		w.WriteStsz(0, sizes)
		w.WriteStco(offsets)
		w.EndBox()
		w.EndBox()
		w.EndBox()
		w.EndBox()
		w.EndBox()
		return append([]byte(nil), w.Bytes()...)
	}

	var mdat []byte
	var rel []uint32
	for _, s := range samples {
		rel = append(rel, uint32(len(mdat)))
		mdat = append(mdat, s...)
	}
	headerLen := len(assemble(rel))
	base := uint32(headerLen) + 8
	abs := make([]uint32, len(rel))
	for i, o := range rel {
		abs[i] = base + o
	}
	header := assemble(abs)
	require.Equal(t, headerLen, len(header))

	buf := make([]byte, 0, 1<<12)
	w := bmff.NewWriter(buf)
	w.Write(header)
	w.StartBox(bmff.TypeMdat)
	w.Write(mdat)
	w.EndBox()

	r, err := sampletable.OpenBytes(append([]byte(nil), w.Bytes()...))
	require.NoError(t, err)
	return r
}

func TestDescribeBuildsSDPWithControlLines(t *testing.T) {
	r := buildVideoOnlyReader(t)
	s := rtsp.NewSession(r, "rtsp://host/stream/", nil)

	resp := s.HandleDescribe(rtsp.Request{
		Method:   "DESCRIBE",
		CSeq:     "1",
		Headers:  map[string]string{"Accept": "application/sdp"},
		ClientIP: "127.0.0.1",
	})
	require.Equal(t, 200, resp.Status)
	require.Contains(t, string(resp.Body), "m=video 0 RTP/AVP 96")
	require.Contains(t, string(resp.Body), "a=control:1")
}

func TestSetupMintsSessionIDAndEchoesTransport(t *testing.T) {
	r := buildVideoOnlyReader(t)
	s := rtsp.NewSession(r, "rtsp://host/stream/", nil)

	resp := s.HandleSetup(rtsp.Request{
		Method:  "SETUP",
		CSeq:    "2",
		Headers: map[string]string{"Transport": "RTP/AVP/TCP;unicast;interleaved=0-1"},
	}, 1)
	require.Equal(t, 200, resp.Status)
	require.Len(t, resp.Headers["Session"], 16)
	require.Equal(t, "RTP/AVP/TCP;unicast;interleaved=0-1", resp.Headers["Transport"])
}

func TestPlayRequiresKnownSession(t *testing.T) {
	r := buildVideoOnlyReader(t)
	s := rtsp.NewSession(r, "rtsp://host/stream/", nil)
	s.SessionID = "ABCDEFGHIJKLMNOP"

	resp := s.HandlePlay(rtsp.Request{Method: "PLAY", CSeq: "3", Headers: map[string]string{"Session": "wrong"}})
	require.Equal(t, 454, resp.Status)
}
