package rtsp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nota-av/fmp4stream/internal/rtppacket"
	"github.com/nota-av/fmp4stream/internal/sampletable"
	"github.com/nota-av/fmp4stream/internal/streamerr"
)

// State is one node of the state machine named in spec.md §4.6:
// Init -> Described -> Setup -> Playing <-> Paused -> Teardown.
type State int

const (
	StateInit State = iota
	StateDescribed
	StateSetup
	StatePlaying
	StatePaused
	StateTeardown
)

// Request is one parsed RTSP request line plus the headers and body a
// directive handler needs; internal/rtspserver is responsible for reading
// it off the wire and splitting headers/body.
type Request struct {
	Method    string
	URI       string
	CSeq      string
	Headers   map[string]string
	Body      string
	ClientIP  string
}

func (r Request) header(name string) string { return r.Headers[name] }

// Response is a directive handler's result; the transport layer formats it
// into the RTSP status line + headers + body wire form.
type Response struct {
	Status  int
	Reason  string
	Headers map[string]string
	Body    []byte
}

func newResponse(status int, reason string, cseq string) Response {
	h := map[string]string{}
	if cseq != "" {
		h["CSeq"] = cseq
	}
	return Response{Status: status, Reason: reason, Headers: h}
}

var statusReasons = map[int]string{
	200: "OK",
	400: "Bad Request",
	401: "Unauthorized",
	404: "Not Found",
	405: "Method Not Allowed",
	454: "Session Not Found",
	471: "Connection Credentials Not Accepted",
	472: "Failure to Establish Secure Connection",
	501: "Not Implemented",
}

func errorResponse(status int, cseq string) Response {
	return newResponse(status, statusReasons[status], cseq)
}

// Session is the per-connection RTSP state machine: one value per accepted
// TCP connection, holding the content it streams, its mandatory session
// id, per-track RTP transport binds, and trick-play state. Grounded on
// spec.md §3's "RTSP session" data model and §4.6's directive list.
type Session struct {
	State       State
	Reader      *sampletable.Reader
	ContentBase string
	SessionID   string
	Auth        *AuthContainer

	channels   map[uint32]byte // trackID -> interleaved channel
	streamers  map[uint32]*rtppacket.Streamer
	trick      rtppacket.TrickPlay
	nptStart   float64
	nptEnd     float64
	playStart  time.Time
}

// NewSession creates a session over an already-opened Reader. auth may be
// nil if no scheme is configured.
func NewSession(r *sampletable.Reader, contentBase string, auth *AuthContainer) *Session {
	return &Session{
		State:       StateInit,
		Reader:      r,
		ContentBase: contentBase,
		Auth:        auth,
		channels:    make(map[uint32]byte),
		streamers:   make(map[uint32]*rtppacket.Streamer),
	}
}

// HandleOptions answers OPTIONS with the directive list spec.md §4.6 pins.
func (s *Session) HandleOptions(req Request) Response {
	resp := newResponse(200, "OK", req.CSeq)
	resp.Headers["Public"] = "OPTIONS, DESCRIBE, SETUP, TEARDOWN, PLAY, PAUSE"
	return resp
}

// HandleDescribe authenticates, checks content negotiation, and builds the
// session description.
func (s *Session) HandleDescribe(req Request) Response {
	if err := s.Auth.Verify(req.header("Authorization"), "DESCRIBE"); err != nil {
		return s.authErrorResponse(err, req.CSeq)
	}
	if accept := req.header("Accept"); accept != "" && !strings.Contains(accept, "application/sdp") {
		return errorResponse(405, req.CSeq)
	}

	body, err := BuildSDP(s.Reader, req.ClientIP)
	if err != nil {
		return errorResponse(501, req.CSeq)
	}

	s.State = StateDescribed
	resp := newResponse(200, "OK", req.CSeq)
	resp.Headers["Content-Base"] = s.ContentBase
	resp.Headers["Content-Type"] = "application/sdp"
	resp.Headers["Content-Length"] = strconv.Itoa(len(body))
	resp.Body = body
	return resp
}

// HandleSetup mints or verifies the session id, binds trackID to the
// interleaved channel named in the Transport header, and advances state.
func (s *Session) HandleSetup(req Request, trackID uint32) Response {
	if err := s.checkSession(req); err != nil {
		return errorResponse(454, req.CSeq)
	}
	if s.SessionID == "" {
		s.SessionID = randBase62(16)
	}

	transport := req.header("Transport")
	ch, err := parseInterleavedChannel(transport)
	if err != nil {
		return errorResponse(400, req.CSeq)
	}
	s.channels[trackID] = ch

	t, ok := s.Reader.Tracks[trackID]
	if !ok {
		return errorResponse(404, req.CSeq)
	}
	payloadType := uint8(rtppacket.PayloadTypeVideo)
	if t.Handler == sampletable.HandlerAudio {
		payloadType = rtppacket.PayloadTypeAudio
	}
	var ssrc [4]byte
	rand.Read(ssrc[:])
	p := rtppacket.NewPacketizer(ch, payloadType, binary.BigEndian.Uint32(ssrc[:]))
	s.streamers[trackID] = rtppacket.NewStreamer(p)

	s.State = StateSetup
	resp := newResponse(200, "OK", req.CSeq)
	resp.Headers["Transport"] = transport
	resp.Headers["Session"] = s.SessionID
	return resp
}

// HandlePlay parses the play range and trick-play scale, repositions every
// track's cursor, and transitions to Playing. Frames are produced only when
// a caller invokes NextDue; internal/rtspserver's request loop does not
// call it, so over that server PLAY changes state without sending RTP.
func (s *Session) HandlePlay(req Request) Response {
	if err := s.checkSession(req); err != nil {
		return errorResponse(454, req.CSeq)
	}

	start, end := parseRange(req.header("Range"))
	s.nptStart, s.nptEnd = start, end
	s.trick = parseScale(req.header("Scale"))

	for trackID := range s.streamers {
		if start > 0 {
			if err := s.Reader.MoveTo(trackID, start); err != nil {
				return errorResponse(501, req.CSeq)
			}
		}
	}

	s.State = StatePlaying
	s.playStart = time.Time{}
	resp := newResponse(200, "OK", req.CSeq)
	resp.Headers["Range"] = req.header("Range")
	resp.Headers["Scale"] = formatScale(s.trick.Scale)
	resp.Headers["Session"] = s.SessionID
	return resp
}

// HandlePause stops sample pulls but keeps the session id and transport
// binds alive.
func (s *Session) HandlePause(req Request) Response {
	if err := s.checkSession(req); err != nil {
		return errorResponse(454, req.CSeq)
	}
	s.State = StatePaused
	resp := newResponse(200, "OK", req.CSeq)
	resp.Headers["Session"] = s.SessionID
	return resp
}

// HandleTeardown discards the session's transport state, per spec.md §5's
// cancellation rule.
func (s *Session) HandleTeardown(req Request) Response {
	if err := s.checkSession(req); err != nil {
		return errorResponse(454, req.CSeq)
	}
	s.State = StateTeardown
	s.streamers = nil
	s.channels = nil
	resp := newResponse(200, "OK", req.CSeq)
	resp.Headers["Session"] = s.SessionID
	return resp
}

// HandleGetParameter answers a bare keep-alive, or, when the body is the
// single line "position", a Range header carrying the current wall-clock time.
func (s *Session) HandleGetParameter(req Request) Response {
	if err := s.checkSession(req); err != nil {
		return errorResponse(454, req.CSeq)
	}
	resp := newResponse(200, "OK", req.CSeq)
	if strings.TrimSpace(req.Body) != "position" {
		return resp
	}
	// The clock value is the current UTC wall-clock time; neither the video
	// track's cursor position nor the time PLAY was issued is consulted.
	iso := time.Now().UTC().Format("20060102T150405Z")
	resp.Headers["Range"] = fmt.Sprintf("clock=%s-", iso)
	return resp
}

// NextDue packetizes and returns the due frames (interleaved, $-framed)
// across every track streamer ready to send, or nil if none are due yet.
// It never blocks or sleeps. internal/rtspserver does not call it.
func (s *Session) NextDue(now time.Time) ([][]byte, error) {
	if s.State != StatePlaying {
		return nil, nil
	}
	var out [][]byte
	for trackID, streamer := range s.streamers {
		if !streamer.Due(now, s.trick) {
			continue
		}
		t := s.Reader.Tracks[trackID]
		frames, err := streamer.NextFrame(s.Reader, trackID, s.nptEnd, s.trick, t.TimescaleMultiplier, now)
		if err != nil {
			if err == streamerr.SamplesDepleted {
				continue
			}
			if err == streamerr.TransportError {
				s.State = StatePaused
				return out, nil
			}
			return out, err
		}
		out = append(out, frames...)
	}
	return out, nil
}

func (s *Session) checkSession(req Request) error {
	if s.SessionID == "" {
		return nil
	}
	if sid := req.header("Session"); sid != "" && sid != s.SessionID {
		return streamerr.ProtocolError
	}
	return nil
}

func (s *Session) authErrorResponse(err error, cseq string) Response {
	switch err {
	case streamerr.AuthRequired:
		resp := errorResponse(401, cseq)
		for i, c := range s.Auth.Challenges() {
			key := "WWW-Authenticate"
			if i > 0 {
				key = fmt.Sprintf("WWW-Authenticate-%d", i)
			}
			resp.Headers[key] = c
		}
		return resp
	case streamerr.AuthRejected:
		return errorResponse(471, cseq)
	default:
		return errorResponse(400, cseq)
	}
}

// parseInterleavedChannel extracts the first channel number from a
// Transport header's "interleaved=<ch>-<ch+1>" field.
func parseInterleavedChannel(transport string) (byte, error) {
	for _, field := range strings.Split(transport, ";") {
		field = strings.TrimSpace(field)
		if !strings.HasPrefix(field, "interleaved=") {
			continue
		}
		v := strings.TrimPrefix(field, "interleaved=")
		first, _, _ := strings.Cut(v, "-")
		n, err := strconv.Atoi(first)
		if err != nil {
			return 0, streamerr.ProtocolError
		}
		return byte(n), nil
	}
	return 0, streamerr.ProtocolError
}

// parseRange parses "npt=<start>-<end>" (end may be omitted). clock= ranges
// are accepted syntactically but treated as 0,0 (absolute-clock seeking is
// not meaningfully different from npt for a file source already anchored
// at epoch 0).
func parseRange(header string) (start, end float64) {
	if header == "" {
		return 0, 0
	}
	_, spec, ok := strings.Cut(header, "=")
	if !ok {
		return 0, 0
	}
	if strings.HasPrefix(header, "clock=") {
		return 0, 0
	}
	startStr, endStr, _ := strings.Cut(spec, "-")
	start, _ = strconv.ParseFloat(startStr, 64)
	if endStr != "" {
		end, _ = strconv.ParseFloat(endStr, 64)
	}
	return start, end
}

// parseScale parses "Scale: <n>" into a TrickPlay value; an absent or
// unparsable header plays at normal forward speed.
func parseScale(header string) rtppacket.TrickPlay {
	if header == "" {
		return rtppacket.TrickPlay{Scale: 1}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(header), 64)
	if err != nil || v == 0 {
		return rtppacket.TrickPlay{Scale: 1}
	}
	return rtppacket.TrickPlay{Scale: v}
}

func formatScale(scale float64) string {
	return strconv.FormatFloat(scale, 'g', -1, 64)
}
