package rtspserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeNameReplacesAddressPunctuation(t *testing.T) {
	require.Equal(t, "127-0-0-1_54321", sanitizeName("127.0.0.1:54321"))
}

func TestTrackIDFromURIParsesTrailingSegment(t *testing.T) {
	require.Equal(t, uint32(2), trackIDFromURI("rtsp://host/stream/2"))
	require.Equal(t, uint32(1), trackIDFromURI("rtsp://host/stream/bogus"))
	require.Equal(t, uint32(1), trackIDFromURI("notrailingslash"))
}

func TestContentBaseEnsuresTrailingSlash(t *testing.T) {
	require.Equal(t, "rtsp://host/stream/", contentBase("rtsp://host/stream"))
	require.Equal(t, "rtsp://host/stream/", contentBase("rtsp://host/stream/"))
}

func TestClientHostStripsPort(t *testing.T) {
	require.Equal(t, "127.0.0.1", clientHost("127.0.0.1:54321"))
	require.Equal(t, "not-a-host-port", clientHost("not-a-host-port"))
}

func TestFlattenHeadersTakesFirstValue(t *testing.T) {
	h := flattenHeaders(map[string][]string{"Cseq": {"1", "2"}})
	require.Equal(t, "1", h["Cseq"])
}
