// Package sampletable reconstructs a forward- and backward-iterable
// per-track sample cursor from a parsed moov tree: stsc/stco|co64/stsz/
// stts/ctts plus the track's sample description. It is the component that
// drives both the fragment writer and the RTP packetizer.
package sampletable

import (
	"bytes"
	"fmt"
	"io"
	"os"

	bmff "github.com/nota-av/fmp4stream"
	"github.com/nota-av/fmp4stream/internal/streamerr"
)

// Handler is a track's hdlr handler_type.
type Handler [4]byte

var (
	HandlerVideo = Handler{'v', 'i', 'd', 'e'}
	HandlerAudio = Handler{'s', 'o', 'u', 'n'}
	HandlerText  = Handler{'t', 'e', 'x', 't'}
	HandlerHint  = Handler{'h', 'i', 'n', 't'}
)

// Sample is one addressable media unit: its file location, size, and
// timing, as returned by NextSample.
type Sample struct {
	Offset    int64
	Size      uint32
	DTS       uint64 // cumulative decoding time, track timescale units
	CTSOffset int32
	HasCTS    bool
}

// Track holds a precomputed flat sample table for one trak, plus the
// bidirectional cursor position into it. The table is built once at Open
// time from the stsc/stco/stsz/stts/ctts iterators — grounded on
// tetsuo-mp4/remux/remuxer.go's buildSampleTable, which also precomputes a
// flat per-sample table rather than stepping four independent live
// sub-cursors; the observable cursor behavior (chunk-aligned offsets,
// run-length decoded dts/cts) is identical either way.
type Track struct {
	TrackID              uint32
	Timescale            uint32
	Duration             uint64
	Handler              Handler
	Entry                bmff.SampleEntry
	TimescaleMultiplier  uint32 // 90000/timescale, video tracks only

	// TkhdDuration, Width, Height (16.16 fixed point) and Language come
	// straight off the source tkhd/mdhd, carried so the init-segment
	// builder can reissue equivalent boxes without re-reading the file.
	TkhdDuration uint64
	Width        uint32
	Height       uint32
	Language     uint16

	// DefaultSampleDuration is the first stts run's duration, used as the
	// tfhd default_sample_duration for tracks whose trun omits per-sample
	// durations (the video pacemaker).
	DefaultSampleDuration uint32

	samples []Sample
	cursor  int // index of the sample the next forward pull returns, 0 before start
}

// Count returns the number of samples in the track.
func (t *Track) Count() int { return len(t.samples) }

// Reader parses a complete moov tree and exposes per-track cursors over an
// open, positioned-read backing file.
type Reader struct {
	f                io.ReaderAt
	closer           io.Closer
	Tracks           map[uint32]*Track
	trackOrder       []uint32
	VideoTrackID     uint32
	HasVideo         bool
	Ftyp             bmff.FtypInfo
	MvhdTimescale    uint32
	MvhdDuration     uint64
	MvhdNextTrackID  uint32
	MediaDurationSec float64
}

// TrackOrder returns track IDs in the order they appeared in the source moov.
func (r *Reader) TrackOrder() []uint32 { return r.trackOrder }

// CursorIndex returns the cursor position for trackID: the index of the
// sample the next forward NextSample call returns (0 before any pull), or,
// right after a backward pull, the index of the sample that pull returned.
// Used by callers that need a sample's index to look up its timing, e.g.
// the fragment writer reading it just before pulling an audio/text sample.
func (r *Reader) CursorIndex(trackID uint32) int {
	if t, ok := r.Tracks[trackID]; ok {
		return t.cursor
	}
	return 0
}

// SampleDuration returns the inter-sample duration, in track timescale
// units, for the sample at index: the delta to the next sample's DTS, or
// the track's DefaultSampleDuration for the final sample.
func (r *Reader) SampleDuration(trackID uint32, index int) uint32 {
	t, ok := r.Tracks[trackID]
	if !ok || index < 0 || index >= len(t.samples) {
		return 0
	}
	if index+1 < len(t.samples) {
		return uint32(t.samples[index+1].DTS - t.samples[index].DTS)
	}
	return t.DefaultSampleDuration
}

// Open parses the full box tree at path, building per-track sample tables.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	buf := make([]byte, info.Size())
	if _, err := io.ReadFull(f, buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", streamerr.EndOfStream, err)
	}
	r, err := openBytes(buf)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.f = f
	r.closer = f
	return r, nil
}

// OpenBytes parses an in-memory MP4 file, reading sample payloads back out
// of the same buffer, without a round trip through the filesystem.
func OpenBytes(data []byte) (*Reader, error) {
	r, err := openBytes(data)
	if err != nil {
		return nil, err
	}
	r.f = bytes.NewReader(data)
	return r, nil
}

// Close releases the backing file, if Open opened one.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// ReadSample performs a raw positioned read, bypassing the cursor. Used by
// fragment emission to fill mdat lazily and by IsKeyframe.
func (r *Reader) ReadSample(offset int64, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := r.f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("%w: %v", streamerr.EndOfStream, err)
	}
	return buf, nil
}

// NextSample returns the sample under the cursor for trackID, then advances
// it forward (or backward when forward is false).
func (r *Reader) NextSample(trackID uint32, forward bool) (Sample, error) {
	t, ok := r.Tracks[trackID]
	if !ok {
		return Sample{}, fmt.Errorf("%w: unknown track %d", streamerr.MalformedBox, trackID)
	}
	if forward {
		if t.cursor < 0 {
			t.cursor = 0
		}
		if t.cursor >= len(t.samples) {
			return Sample{}, streamerr.SamplesDepleted
		}
		s := t.samples[t.cursor]
		t.cursor++
		return s, nil
	}
	if t.cursor > len(t.samples) {
		t.cursor = len(t.samples)
	}
	t.cursor--
	if t.cursor < 0 {
		return Sample{}, streamerr.SamplesDepleted
	}
	return t.samples[t.cursor], nil
}

// MoveTo positions the track's cursor at the first sample whose decoding
// time, counted from the start of the track, reaches seconds, for
// scrubbing. The current cursor position does not affect the result.
func (r *Reader) MoveTo(trackID uint32, seconds float64) error {
	t, ok := r.Tracks[trackID]
	if !ok {
		return fmt.Errorf("%w: unknown track %d", streamerr.MalformedBox, trackID)
	}
	target := uint64(seconds * float64(t.Timescale))
	idx := 0
	for idx < len(t.samples) && t.samples[idx].DTS < target {
		idx++
	}
	if idx > len(t.samples) {
		idx = len(t.samples)
	}
	t.cursor = idx
	return nil
}

// MoveBack walks the cursor backward by seconds of accumulated duration.
func (r *Reader) MoveBack(trackID uint32, seconds float64) error {
	t, ok := r.Tracks[trackID]
	if !ok {
		return fmt.Errorf("%w: unknown track %d", streamerr.MalformedBox, trackID)
	}
	cur := 0
	if t.cursor >= 0 && t.cursor < len(t.samples) {
		cur = t.cursor
	} else if t.cursor >= len(t.samples) && len(t.samples) > 0 {
		cur = len(t.samples) - 1
	}
	target := int64(t.samples[cur].DTS) - int64(seconds*float64(t.Timescale))
	idx := cur
	for idx > 0 && int64(t.samples[idx].DTS) > target {
		idx--
	}
	t.cursor = idx
	return nil
}

// SeekIndex positions the cursor directly at a sample index.
func (r *Reader) SeekIndex(trackID uint32, index int) {
	if t, ok := r.Tracks[trackID]; ok {
		t.cursor = index
	}
}

// Reset rewinds every track's cursor to the beginning.
func (r *Reader) Reset() {
	for _, t := range r.Tracks {
		t.cursor = 0
	}
}

// IsKeyframe reports whether s is a sync sample, inspecting the payload's
// leading NAL unit rather than an stss table (this reader exposes no
// stss-based API; only the payload-level test below).
func (r *Reader) IsKeyframe(trackID uint32, s Sample) (bool, error) {
	t, ok := r.Tracks[trackID]
	if !ok {
		return false, fmt.Errorf("%w: unknown track %d", streamerr.MalformedBox, trackID)
	}
	if t.Entry.Visual == nil {
		return true, nil // non-video tracks have no sync-sample concept; treat as always-eligible
	}
	head, err := r.ReadSample(s.Offset, min32(s.Size, 8))
	if err != nil {
		return false, err
	}
	lengthSize := 4
	if t.Entry.Visual.AvcC != nil {
		lengthSize = int(t.Entry.Visual.AvcC.LengthSizeMinusOne&0x03) + 1
	}
	if len(head) <= lengthSize {
		return false, nil
	}
	nalByte := head[lengthSize]
	if t.Entry.Visual.HvcC != nil {
		nalType := (nalByte >> 1) & 0x3f
		return nalType >= 16 && nalType <= 23, nil
	}
	nalType := nalByte & 0x1f
	return nalType == 5, nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
