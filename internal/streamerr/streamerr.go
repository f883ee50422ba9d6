// Package streamerr defines the sentinel error values shared across the
// box codec, sample timeline, segmenter, RTP, RTSP, and RTMP layers.
// Callers compare with errors.Is; none of these carry payload fields, so
// boundary layers (internal/httpapi, internal/rtsp) attach request-specific
// detail (CSeq, path) themselves when translating to a wire response.
package streamerr

import "errors"

var (
	// EndOfStream is returned when a read asks for more bytes than a box
	// boundary or file has left.
	EndOfStream = errors.New("streamerr: end of stream")

	// MalformedBox is returned when a box's declared size is smaller than
	// its header, or a typed body's fixed fields don't fit in the box.
	MalformedBox = errors.New("streamerr: malformed box")

	// UnsupportedCodec is returned when a track's handler has no
	// registered packetizer or muxer path.
	UnsupportedCodec = errors.New("streamerr: unsupported codec")

	// SamplesDepleted is returned when a sample cursor has walked off
	// either end of its track.
	SamplesDepleted = errors.New("streamerr: samples depleted")

	// AuthRequired is returned when a request lacks valid credentials
	// for a configured auth scheme.
	AuthRequired = errors.New("streamerr: authentication required")

	// AuthRejected is returned when supplied credentials are present but
	// fail verification.
	AuthRejected = errors.New("streamerr: authentication rejected")

	// ProtocolError is returned for malformed RTSP request lines or
	// missing required headers (e.g. CSeq).
	ProtocolError = errors.New("streamerr: protocol error")

	// TransportError is returned when a socket read or write fails.
	TransportError = errors.New("streamerr: transport error")

	// InvalidRange is returned when a requested NPT or clock range falls
	// outside the file's duration.
	InvalidRange = errors.New("streamerr: invalid range")
)
