package rtmp

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/google/uuid"

	bmff "github.com/nota-av/fmp4stream"
	"github.com/nota-av/fmp4stream/internal/sampletable"
	"github.com/nota-av/fmp4stream/internal/streamerr"
)

// aacObjectTypeID is the esds decoder-config object_type_indication for
// MPEG-4 audio (AAC), per ISO/IEC 14496-1 table 5.
const aacObjectTypeID = 0x40

// aacStreamType is the esds decoder-config stream_type for audio streams.
const aacStreamType = 0x05

// rtmpTimescale is the unit RTMP message timestamps are always expressed
// in (milliseconds), used directly as the synthesized mdhd timescale so
// decoding-time bookkeeping needs no conversion.
const rtmpTimescale = 1000

// trackAccum collects one handler's samples as an RTMP publish stream is
// ingested: raw payload bytes plus the per-sample duration needed to
// reconstruct stts/stsz/stsc/stco on close.
type trackAccum struct {
	handler    sampletable.Handler
	entry      bmff.SampleEntry
	width      uint32
	height     uint32
	lastTS     uint32
	haveLastTS bool
	durations  []uint32
	payloads   [][]byte
}

func (t *trackAccum) addSample(payload []byte, timestamp uint32) {
	if t.haveLastTS {
		t.durations = append(t.durations, timestamp-t.lastTS)
	}
	t.lastTS = timestamp
	t.haveLastTS = true
	t.payloads = append(t.payloads, payload)
}

// finalDurations pads the last sample's duration by repeating the prior
// one (or 1 if there was only ever one sample), since a sample's own
// timestamp doesn't carry its own duration.
func (t *trackAccum) finalDurations() []uint32 {
	if len(t.payloads) == 0 {
		return nil
	}
	d := append([]uint32(nil), t.durations...)
	last := uint32(1)
	if len(d) > 0 {
		last = d[len(d)-1]
	}
	for len(d) < len(t.payloads) {
		d = append(d, last)
	}
	return d
}

// Sink accepts one completed RTMP publish session and writes its payload
// back out as an MP4 file, per spec.md §4.7. Grounded on
// internal/fragment.BuildInitSegment's trak-assembly shape, generalized
// here to full (non-fragmented) stts/stsz/stsc/stco tables instead of the
// empty placeholders a fragmented init segment uses.
type Sink struct {
	finalPath string

	avcC          *bmff.AvcC
	width, height uint32
	durationSec   float64

	video *trackAccum
	audio *trackAccum
}

// NewSink prepares a sink that will write its result to finalPath on Close.
func NewSink(finalPath string) *Sink {
	return &Sink{finalPath: finalPath}
}

// Run drives one publish session to completion: handshake, then dechunk
// and dispatch messages until the peer closes the connection.
func (s *Sink) Run(conn io.ReadWriter) error {
	br, err := Handshake(conn)
	if err != nil {
		return err
	}

	cr := NewChunkReader(br)
	if err := WriteWindowAckSize(conn, windowAckSize); err != nil {
		return err
	}

	for {
		msg, err := cr.ReadMessage()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if err := s.handleMessage(msg); err != nil {
			return err
		}
	}
	return s.Close()
}

func (s *Sink) handleMessage(msg *Message) error {
	switch msg.TypeID {
	case TypeAMF0Command, TypeAMF0Data:
		values, err := DecodeAMF0All(msg.Payload)
		if err != nil {
			return nil // malformed command/data messages are skipped, not fatal
		}
		s.handleAMF0(values)
	case TypeVideo:
		return s.handleVideo(msg.Payload, msg.Timestamp)
	case TypeAudio:
		return s.handleAudio(msg.Payload, msg.Timestamp)
	}
	return nil
}

func (s *Sink) handleAMF0(values []any) {
	if len(values) == 0 {
		return
	}
	name, _ := values[0].(string)
	if name != "onMetaData" && name != "@setDataFrame" {
		return
	}
	for _, v := range values[1:] {
		meta, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if w, ok := meta["width"]; ok {
			s.width = uint32(amf0Float64(w))
		}
		if h, ok := meta["height"]; ok {
			s.height = uint32(amf0Float64(h))
		}
		if d, ok := meta["duration"]; ok {
			s.durationSec = amf0Float64(d)
		}
	}
}

// handleVideo parses one FLV video tag's payload: frame/codec byte, AVC
// packet type, composition time, then either an AVCDecoderConfigurationRecord
// (packet type 0) or length-prefixed NAL units (packet type 1).
func (s *Sink) handleVideo(payload []byte, timestamp uint32) error {
	if len(payload) < 5 {
		return nil
	}
	codecID := payload[0] & 0x0f
	if codecID != 7 { // AVC only, per spec.md §4.7
		return nil
	}
	packetType := payload[1]
	body := payload[5:]

	switch packetType {
	case 0: // AVC sequence header
		c := bmff.ParseAvcC(body)
		s.avcC = &c
		if s.video == nil {
			s.video = &trackAccum{handler: sampletable.HandlerVideo}
		}
		s.video.entry = bmff.SampleEntry{
			Format: bmff.TypeAvc1,
			Visual: &bmff.VisualSampleEntry{
				Width: uint16(s.width), Height: uint16(s.height), AvcC: s.avcC,
			},
		}
	case 1: // NALU data
		if s.avcC == nil {
			return fmt.Errorf("%w: video data before avc sequence header", streamerr.MalformedBox)
		}
		if s.video == nil {
			s.video = &trackAccum{handler: sampletable.HandlerVideo}
		}
		lengthSize := int(s.avcC.LengthSizeMinusOne&0x03) + 1
		nals, err := splitLengthPrefixed(body, lengthSize)
		if err != nil {
			return err
		}
		for _, nal := range nals {
			s.video.addSample(nal, timestamp)
		}
	}
	return nil
}

// handleAudio builds an AAC audio track entry from the AudioSpecificConfig
// carried in packet type 0, then accumulates raw access units (packet type
// 1, no ADTS header — mp4 stores AAC the same way the esds describes it)
// as samples. Non-AAC sound formats are ignored; spec.md §4.7 only names
// the video (AVC) ingest path in detail, but an mp4 esds track entry is
// cheap to synthesize from the ASC once it has arrived.
func (s *Sink) handleAudio(payload []byte, timestamp uint32) error {
	if len(payload) < 2 {
		return nil
	}
	soundFormat := payload[0] >> 4
	if soundFormat != 10 { // AAC
		return nil
	}

	switch payload[1] {
	case 0: // AudioSpecificConfig
		asc := payload[2:]
		var cfg mpeg4audio.Config
		if err := cfg.Unmarshal(asc); err != nil {
			return nil
		}
		s.audio = &trackAccum{
			handler: sampletable.HandlerAudio,
			entry: bmff.SampleEntry{
				Format: bmff.TypeMp4a,
				Audio: &bmff.AudioSampleEntry{
					ChannelCount: uint16(cfg.ChannelCount),
					SampleSize:   16,
					SampleRate:   uint32(cfg.SampleRate) << 16,
					Esds: &bmff.Esds{
						ObjectTypeID:    aacObjectTypeID,
						StreamType:      aacStreamType,
						DecoderSpecific: append([]byte(nil), asc...),
					},
				},
			},
		}
	case 1: // raw AAC access unit
		if s.audio == nil {
			return nil // samples before a decoder config can't be described
		}
		s.audio.addSample(payload[2:], timestamp)
	}
	return nil
}

func splitLengthPrefixed(data []byte, lengthSize int) ([][]byte, error) {
	var out [][]byte
	pos := 0
	for pos+lengthSize <= len(data) {
		var n int
		for i := 0; i < lengthSize; i++ {
			n = n<<8 | int(data[pos+i])
		}
		pos += lengthSize
		if pos+n > len(data) {
			return out, fmt.Errorf("%w: nal length exceeds payload", streamerr.MalformedBox)
		}
		out = append(out, data[pos:pos+n])
		pos += n
	}
	return out, nil
}

// Close synthesizes the final moov against whatever tracks were observed
// and atomically publishes the file: written first to a uuid-named temp
// file in the same directory, then renamed over finalPath, so a reader
// never observes a partially written file.
func (s *Sink) Close() error {
	if s.video == nil && s.audio == nil {
		return nil
	}

	tracks := s.tracks()
	header := s.assembleHeader(tracks, nil)
	headerLen := len(header)
	mdatStart := headerLen + 8

	offsets := make(map[uint32][]uint32)
	cursor := mdatStart
	var mdat []byte
	for _, tr := range tracks {
		var off []uint32
		for _, p := range tr.accum.payloads {
			off = append(off, uint32(cursor))
			mdat = append(mdat, p...)
			cursor += len(p)
		}
		offsets[tr.id] = off
	}

	header = s.assembleHeader(tracks, offsets)
	if len(header) != headerLen {
		return fmt.Errorf("%w: rtmp sink: header size changed between passes", streamerr.MalformedBox)
	}

	dir := filepath.Dir(s.finalPath)
	tempPath := filepath.Join(dir, uuid.NewString()+".tmp.mp4")
	f, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(header); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}

	w := bmff.NewWriter(nil)
	w.StartBox(bmff.TypeMdat)
	w.Write(mdat)
	w.EndBox()
	if _, err := f.Write(w.Bytes()); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, s.finalPath)
}

type ingestTrack struct {
	id    uint32
	accum *trackAccum
}

func (s *Sink) tracks() []ingestTrack {
	var out []ingestTrack
	id := uint32(1)
	if s.video != nil {
		out = append(out, ingestTrack{id: id, accum: s.video})
		id++
	}
	if s.audio != nil {
		out = append(out, ingestTrack{id: id, accum: s.audio})
	}
	return out
}

// assembleHeader writes ftyp+moov for the given tracks. offsets is nil on
// the first (size-measuring) pass and the real per-sample mdat offsets on
// the second.
func (s *Sink) assembleHeader(tracks []ingestTrack, offsets map[uint32][]uint32) []byte {
	buf := make([]byte, 0, 1<<16)
	w := bmff.NewWriter(buf)

	w.WriteFtyp([4]byte{'i', 's', 'o', 'm'}, 512, [][4]byte{{'i', 's', 'o', 'm'}, {'m', 'p', '4', '2'}})

	maxDuration := uint64(0)
	for _, tr := range tracks {
		d := trackDuration(tr.accum)
		if d > maxDuration {
			maxDuration = d
		}
	}

	w.StartBox(bmff.TypeMoov)
	w.WriteMvhd(rtmpTimescale, maxDuration, uint32(len(tracks)+1))

	for _, tr := range tracks {
		writeIngestTrak(&w, tr.id, tr.accum, offsets[tr.id])
	}

	w.EndBox() // moov
	return append([]byte(nil), w.Bytes()...)
}

func trackDuration(t *trackAccum) uint64 {
	var total uint64
	for _, d := range t.finalDurations() {
		total += uint64(d)
	}
	return total
}

func writeIngestTrak(w *bmff.Writer, trackID uint32, t *trackAccum, offsets []uint32) {
	durations := t.finalDurations()
	duration := trackDuration(t)

	w.StartBox(bmff.TypeTrak)
	w.WriteTkhd(0x7, trackID, duration, uint32(t.width)<<16, uint32(t.height)<<16)

	w.StartBox(bmff.TypeMdia)
	w.WriteMdhd(rtmpTimescale, duration, 0)
	w.WriteHdlr([4]byte(t.handler), handlerName(t.handler))

	w.StartBox(bmff.TypeMinf)
	if t.handler == sampletable.HandlerVideo {
		w.WriteVmhd()
	} else {
		w.WriteSmhd()
	}

	w.StartBox(bmff.TypeDinf)
	w.WriteDref()
	w.EndBox() // dinf

	w.StartBox(bmff.TypeStbl)
	w.WriteStsdBox(t.entry)
	w.WriteStts(runLengthEncode(durations))
	w.WriteStsc(chunkPerSample(len(offsets)))
	sizes := make([]uint32, len(t.payloads))
	for i, p := range t.payloads {
		sizes[i] = uint32(len(p))
	}
	w.WriteStsz(0, sizes)
	w.WriteStco(offsets)
	w.EndBox() // stbl

	w.EndBox() // minf
	w.EndBox() // mdia
	w.EndBox() // trak
}

func runLengthEncode(durations []uint32) []bmff.SttsEntry {
	var out []bmff.SttsEntry
	for _, d := range durations {
		if n := len(out); n > 0 && out[n-1].Duration == d {
			out[n-1].Count++
			continue
		}
		out = append(out, bmff.SttsEntry{Count: 1, Duration: d})
	}
	return out
}

func chunkPerSample(count int) []bmff.StscEntry {
	if count == 0 {
		return nil
	}
	return []bmff.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionId: 1}}
}

// handlerName mirrors internal/fragment.handlerName's hdlr component names
// for the two handlers an RTMP publish stream can carry.
func handlerName(h sampletable.Handler) string {
	switch h {
	case sampletable.HandlerVideo:
		return "VideoHandler"
	case sampletable.HandlerAudio:
		return "SoundHandler"
	default:
		return "Handler"
	}
}
