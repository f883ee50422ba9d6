// Package httpapi exposes the HLS, DASH, and plain-MP4 front end named in
// spec.md §6 over HTTP, built on github.com/go-chi/chi/v5 for routing.
package httpapi

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nota-av/fmp4stream/internal/sampletable"
	"github.com/nota-av/fmp4stream/internal/segment"
)

// Server serves one filesystem root's worth of MP4 files as HLS, DASH, or
// raw fragmented MP4, backed by a shared segment.Cache per spec.md §5's
// "process-wide mapping keyed by request path" rule.
type Server struct {
	Root       string
	SegmentSec float64
	DiskCache  bool
	Cache      *segment.Cache
	Logger     *slog.Logger

	router chi.Router
}

// New builds a Server and wires its routes. diskCache enables the
// "<file>.cache" persistence named in spec.md §6 (the -c/--cache flag):
// a Maker is written to disk the first time it's built and read back on
// later requests/restarts instead of re-segmenting.
func New(root string, segmentSec float64, diskCache bool, logger *slog.Logger) *Server {
	s := &Server{
		Root:       root,
		SegmentSec: segmentSec,
		DiskCache:  diskCache,
		Cache:      segment.NewCache(),
		Logger:     logger,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/{name}.m3u8", s.handleMediaPlaylist)
	r.Get("/{name}.m3u", s.handleMediaPlaylist)
	r.Get("/{name}.mpd", s.handleMPD)
	r.Get("/{name}_init.mp4", s.handleInit)
	r.Get("/{name}_sn{seq}.m4s", s.handleSegment)
	r.Get("/{name}.mp4", s.handlePlainMP4)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Logger.Debug("http request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// maker looks up (or builds) the Maker for name, reading "<root>/<name>.mp4".
func (s *Server) maker(name string) (*segment.Maker, error) {
	path := filepath.Join(s.Root, name+".mp4")
	open := func() (*sampletable.Reader, error) {
		return sampletable.Open(path)
	}
	if s.DiskCache {
		return s.Cache.GetDisk(path, s.SegmentSec, open)
	}
	return s.Cache.Get(path, s.SegmentSec, open)
}

func (s *Server) handleMediaPlaylist(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m, err := s.maker(name)
	if err != nil {
		writeStreamErr(w, err)
		return
	}
	playlist, err := m.MediaPlaylist()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(playlist))
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m, err := s.maker(name)
	if err != nil {
		writeStreamErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Write(m.Init())
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	seqStr := chi.URLParam(r, "seq")
	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		http.Error(w, "bad segment number", http.StatusBadRequest)
		return
	}
	m, err := s.maker(name)
	if err != nil {
		writeStreamErr(w, err)
		return
	}
	data, err := m.Segment(seq)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Write(data)
}

// handlePlainMP4 serves the raw source file unmodified, for clients that
// want the original progressive MP4 rather than HLS/DASH segments.
func (s *Server) handlePlainMP4(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path := filepath.Join(s.Root, name+".mp4")
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}

func writeStreamErr(w http.ResponseWriter, err error) {
	if strings.Contains(err.Error(), "no such file") {
		http.NotFound(w, nil)
		return
	}
	http.Error(w, err.Error(), http.StatusNotImplemented)
}

// --- DASH MPD synthesis ---------------------------------------------------

type mpdXML struct {
	XMLName              xml.Name  `xml:"MPD"`
	Xmlns                string    `xml:"xmlns,attr"`
	Profiles             string    `xml:"profiles,attr"`
	Type                 string    `xml:"type,attr"`
	MediaPresentationDur string    `xml:"mediaPresentationDuration,attr"`
	MinBufferTime        string    `xml:"minBufferTime,attr"`
	Period               mpdPeriod `xml:"Period"`
}

type mpdPeriod struct {
	AdaptationSets []mpdAdaptationSet `xml:"AdaptationSet"`
}

type mpdAdaptationSet struct {
	MimeType        string             `xml:"mimeType,attr"`
	Lang            string             `xml:"lang,attr,omitempty"`
	SegmentTemplate mpdSegmentTemplate `xml:"SegmentTemplate"`
}

type mpdSegmentTemplate struct {
	Media          string `xml:"media,attr"`
	Initialization string `xml:"initialization,attr"`
	StartNumber    int    `xml:"startNumber,attr"`
	Duration       uint32 `xml:"duration,attr"`
	Timescale      uint32 `xml:"timescale,attr"`
}

func (s *Server) handleMPD(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m, err := s.maker(name)
	if err != nil {
		writeStreamErr(w, err)
		return
	}

	doc := mpdXML{
		Xmlns:                "urn:mpeg:dash:schema:mpd:2011",
		Profiles:             "urn:mpeg:dash:profile:isoff-on-demand:2011",
		Type:                 "static",
		MediaPresentationDur: fmt.Sprintf("PT%.3fS", durationOf(m)),
		MinBufferTime:        "PT2S",
	}
	for _, as := range m.AdaptationSets() {
		doc.Period.AdaptationSets = append(doc.Period.AdaptationSets, mpdAdaptationSet{
			MimeType: as.MimeType,
			Lang:     as.Language,
			SegmentTemplate: mpdSegmentTemplate{
				Media:          as.Media,
				Initialization: as.Initialization,
				StartNumber:    0,
				Duration:       uint32(as.Timescale) * uint32(s.SegmentSec),
				Timescale:      as.Timescale,
			},
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/dash+xml")
	w.Write([]byte(xml.Header))
	w.Write(out)
}

func durationOf(m *segment.Maker) float64 {
	sets := m.AdaptationSets()
	if len(sets) == 0 {
		return 0
	}
	return sets[0].DurationSec
}
