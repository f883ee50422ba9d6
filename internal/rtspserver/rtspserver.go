// Package rtspserver listens on the combined RTSP/RTMP port named in
// spec.md §6: it sniffs the first bytes of each accepted connection and
// routes to an RTSP request loop or an RTMP ingest sink accordingly.
package rtspserver

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nota-av/fmp4stream/internal/rtmp"
	"github.com/nota-av/fmp4stream/internal/rtsp"
	"github.com/nota-av/fmp4stream/internal/sampletable"
	"github.com/nota-av/fmp4stream/internal/streamerr"
)

// rtspSignature is the protocol-version token an RTSP request line carries, per
// spec.md §6: "if the first bytes of a client stream contain RTSP/1.,
// route to RTSP; otherwise attempt RTMP".
const rtspSignature = "RTSP/1."

// Server accepts connections on one TCP port and dispatches each to RTSP
// or RTMP handling based on its first bytes.
type Server struct {
	Root   string
	Auth   *rtsp.AuthContainer
	Logger *slog.Logger
}

// New builds a Server rooted at root (the directory holding source MP4
// files), with auth (nil if unconfigured) applied to every RTSP session.
func New(root string, auth *rtsp.AuthContainer, logger *slog.Logger) *Server {
	return &Server{Root: root, Auth: auth, Logger: logger}
}

// Serve accepts connections on ln until it is closed, handling each on its
// own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	peek, err := br.Peek(len(rtspSignature))
	if err != nil {
		s.Logger.Debug("rtspserver: short connection", "error", err)
		return
	}
	// The token follows the method and URI on the request line, so search
	// everything the first read buffered, not just its first bytes.
	if n := br.Buffered(); n > len(peek) {
		peek, _ = br.Peek(n)
	}

	if bytes.Contains(peek, []byte(rtspSignature)) {
		s.serveRTSP(conn, br)
		return
	}
	s.serveRTMP(conn)
}

// serveRTMP hands the raw connection to an ingest sink writing into Root,
// named after the stream's app/key path once the handshake completes
// (approximated here by the connection's remote address, since anonymous
// publish has no other natural name).
func (s *Server) serveRTMP(conn net.Conn) {
	name := sanitizeName(conn.RemoteAddr().String())
	sink := rtmp.NewSink(filepath.Join(s.Root, name+".mp4"))
	if err := sink.Run(conn); err != nil {
		s.Logger.Warn("rtmp ingest ended", "error", err)
	}
}

func sanitizeName(addr string) string {
	return strings.NewReplacer(":", "_", ".", "-").Replace(addr)
}

// serveRTSP runs the RTSP request/response loop for one connection: it has
// already peeked (not consumed) the signature bytes, so requests are read
// from br, which wraps the original conn.
func (s *Server) serveRTSP(conn net.Conn, br *bufio.Reader) {
	tp := textproto.NewReader(br)
	var session *rtsp.Session

	for {
		req, err := readRequest(tp, conn.RemoteAddr().String())
		if err != nil {
			return
		}

		if session == nil {
			r, err := s.openReader(req.URI)
			if err != nil {
				writeResponse(conn, rtsp.Response{Status: 404, Reason: "Not Found", Headers: map[string]string{"CSeq": req.CSeq}})
				continue
			}
			session = rtsp.NewSession(r, contentBase(req.URI), s.Auth)
		}

		resp := s.dispatch(session, req)
		writeResponse(conn, resp)

		if session.State == rtsp.StateTeardown {
			return
		}
	}
}

func (s *Server) openReader(uri string) (*sampletable.Reader, error) {
	name := strings.TrimPrefix(uri, "/")
	name = strings.TrimSuffix(name, "/")
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		name = name[:idx]
	}
	return sampletable.Open(filepath.Join(s.Root, name+".mp4"))
}

func contentBase(uri string) string {
	if !strings.HasSuffix(uri, "/") {
		return uri + "/"
	}
	return uri
}

func (s *Server) dispatch(session *rtsp.Session, req rtsp.Request) rtsp.Response {
	switch req.Method {
	case "OPTIONS":
		return session.HandleOptions(req)
	case "DESCRIBE":
		return session.HandleDescribe(req)
	case "SETUP":
		trackID := trackIDFromURI(req.URI)
		return session.HandleSetup(req, trackID)
	case "PLAY":
		return session.HandlePlay(req)
	case "PAUSE":
		return session.HandlePause(req)
	case "TEARDOWN":
		return session.HandleTeardown(req)
	case "GET_PARAMETER":
		return session.HandleGetParameter(req)
	default:
		return rtsp.Response{Status: 400, Reason: "Bad Request", Headers: map[string]string{"CSeq": req.CSeq}}
	}
}

// trackIDFromURI extracts the trailing "/<id>" segment SETUP's control URI
// carries, per the a=control:<track_id> line DESCRIBE advertised.
func trackIDFromURI(uri string) uint32 {
	idx := strings.LastIndexByte(uri, '/')
	if idx < 0 {
		return 1
	}
	n, err := strconv.Atoi(uri[idx+1:])
	if err != nil {
		return 1
	}
	return uint32(n)
}

func readRequest(tp *textproto.Reader, clientAddr string) (rtsp.Request, error) {
	line, err := tp.ReadLine()
	if err != nil {
		return rtsp.Request{}, err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return rtsp.Request{}, fmt.Errorf("%w: malformed request line %q", streamerr.ProtocolError, line)
	}

	headers, err := tp.ReadMIMEHeader()
	if err != nil && len(headers) == 0 {
		return rtsp.Request{}, err
	}

	req := rtsp.Request{
		Method:   fields[0],
		URI:      fields[1],
		CSeq:     headers.Get("Cseq"),
		Headers:  flattenHeaders(headers),
		ClientIP: clientHost(clientAddr),
	}

	if length := headers.Get("Content-Length"); length != "" {
		if n, err := strconv.Atoi(length); err == nil && n > 0 {
			body := make([]byte, n)
			if _, err := readFull(tp, body); err == nil {
				req.Body = string(body)
			}
		}
	}

	return req, nil
}

func readFull(tp *textproto.Reader, buf []byte) (int, error) {
	r := tp.R
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func flattenHeaders(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func clientHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func writeResponse(conn net.Conn, resp rtsp.Response) {
	var b strings.Builder
	fmt.Fprintf(&b, "RTSP/1.0 %d %s\r\n", resp.Status, resp.Reason)
	for k, v := range resp.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	conn.Write([]byte(b.String()))
	if len(resp.Body) > 0 {
		conn.Write(resp.Body)
	}
}
