// Package fragment implements the stateful moof+mdat fragment loop: one
// video track paces fragment boundaries at keyframes, zero or more audio
// and text tracks are slaved to each fragment's duration. Grounded on
// tetsuo-mp4/remux/writer.go's WriteTo loop (the reusable-buffer Writer
// shape, the moof-then-mdat-header-then-sample-ranges emission order) and
// remux/direct.go's writeMoof (the exact box-size arithmetic that lets
// trun.data_offset be computed before the box bytes are emitted), adapted
// to the real bmff.Writer and internal/sampletable APIs and restructured
// as one fragment per Next call so a caller can consume fragments without
// buffering the whole stream.
package fragment

import (
	"fmt"

	bmff "github.com/nota-av/fmp4stream"
	"github.com/nota-av/fmp4stream/internal/sampletable"
	"github.com/nota-av/fmp4stream/internal/streamerr"
)

// Sample flags per ISO/IEC 14496-12 §8.8.3.1, the subset the fragmenter
// needs. sampleDependsOnOthers|sampleIsNonSync is the "ordinary" video
// sample; sampleDependsOnNone alone marks a sync sample.
const (
	sampleDependsOnOthers = 0x01000000
	sampleDependsOnNone   = 0x02000000
	sampleIsNonSync       = 0x00010000
)

var (
	defaultSampleFlagsVideo = uint32(sampleDependsOnOthers | sampleIsNonSync)
	firstSampleFlagsVideo   = uint32(sampleDependsOnNone)
	// Audio and text samples carry no inter-sample dependency ("not
	// difference" per spec.md §4.3 step 4); every sample is independently
	// decodable, so they get the sync-sample encoding without ever
	// setting TrunFirstSampleFlagsPresent (there's no carried-over
	// reference sample for these tracks the way there is for video).
	defaultSampleFlagsAuxiliary = uint32(sampleDependsOnNone)
)

// textEmptySample is the synthetic payload emitted for a text track with
// no sample available for the current fragment window.
var textEmptySample = []byte{0x00, 0x00}

// Writer drives the per-fragment moof+mdat loop over a sample table reader.
//
// A Writer is NOT safe for concurrent use.
type Writer struct {
	r        *sampletable.Reader
	videoID  uint32
	audioIDs []uint32
	textIDs  []uint32

	seq        uint32
	fileCursor int64 // bytes emitted so far: init segment + prior fragments
	pending    *sampletable.Sample
	lastChunk  bool
}

// New creates a fragment Writer. initSize is the length of the
// initialization segment already written ahead of the first fragment,
// seeding the base_data_offset bookkeeping in step 6 of the fragment loop.
func New(r *sampletable.Reader, initSize int64) *Writer {
	w := &Writer{r: r, fileCursor: initSize}
	foundVideo := false
	for _, id := range r.TrackOrder() {
		t := r.Tracks[id]
		switch t.Handler {
		case sampletable.HandlerVideo:
			if !foundVideo {
				w.videoID = id
				foundVideo = true
			}
		case sampletable.HandlerAudio:
			w.audioIDs = append(w.audioIDs, id)
		case sampletable.HandlerText:
			w.textIDs = append(w.textIDs, id)
		}
	}
	return w
}

// trackRun accumulates one track's contribution to a fragment: its trun
// entries and the raw sample bytes that will make up its slice of mdat.
type trackRun struct {
	trackID            uint32
	tfhdFlags          uint32
	tfhdFields         bmff.TfhdFields
	baseMediaDecodeDTS uint64
	trunFlags          uint32
	firstSampleFlags   uint32
	entries            []bmff.TrunEntry
	payload            []byte
}

func (tr *trackRun) trunSize() int {
	stride := 0
	if tr.trunFlags&bmff.TrunSampleDurationPresent != 0 {
		stride += 4
	}
	if tr.trunFlags&bmff.TrunSampleSizePresent != 0 {
		stride += 4
	}
	if tr.trunFlags&bmff.TrunSampleFlagsPresent != 0 {
		stride += 4
	}
	if tr.trunFlags&bmff.TrunSampleCompositionTimeOffsetPresent != 0 {
		stride += 4
	}
	size := 8 + 4 + 4 // header + version/flags + sample_count
	if tr.trunFlags&bmff.TrunDataOffsetPresent != 0 {
		size += 4
	}
	if tr.trunFlags&bmff.TrunFirstSampleFlagsPresent != 0 {
		size += 4
	}
	return size + stride*len(tr.entries)
}

func (tr *trackRun) tfhdSize() int {
	size := 8 + 4 + 4 // header + version/flags + track_ID
	if tr.tfhdFlags&bmff.TfhdBaseDataOffsetPresent != 0 {
		size += 8
	}
	if tr.tfhdFlags&bmff.TfhdSampleDescriptionIndexPresent != 0 {
		size += 4
	}
	if tr.tfhdFlags&bmff.TfhdDefaultSampleDurationPresent != 0 {
		size += 4
	}
	if tr.tfhdFlags&bmff.TfhdDefaultSampleSizePresent != 0 {
		size += 4
	}
	if tr.tfhdFlags&bmff.TfhdDefaultSampleFlagsPresent != 0 {
		size += 4
	}
	return size
}

func (tr *trackRun) tfdtSize() int {
	if tr.baseMediaDecodeDTS > 0xffffffff {
		return 8 + 4 + 8
	}
	return 8 + 4 + 4
}

func (tr *trackRun) trafSize() int {
	return 8 + tr.tfhdSize() + tr.tfdtSize() + tr.trunSize()
}

// Next produces one fragment: its encoded moof+mdat bytes, its duration in
// seconds, and whether this was the stream's last fragment. Once lastChunk
// is true, a further call returns streamerr.SamplesDepleted.
func (w *Writer) Next() (data []byte, durationSec float64, lastChunk bool, err error) {
	if w.lastChunk {
		return nil, 0, false, streamerr.SamplesDepleted
	}
	videoTrack, ok := w.r.Tracks[w.videoID]
	if !ok {
		return nil, 0, false, fmt.Errorf("%w: no video track", streamerr.UnsupportedCodec)
	}

	videoSamples, videoDepleted, err := w.collectVideoSamples()
	if err != nil {
		return nil, 0, false, err
	}
	if len(videoSamples) == 0 {
		w.lastChunk = true
		return nil, 0, false, streamerr.SamplesDepleted
	}
	if videoDepleted {
		w.lastChunk = true
	}

	fragStartDTS := videoSamples[0].DTS
	var fragDurationUnits uint64
	if w.pending != nil {
		fragDurationUnits = w.pending.DTS - fragStartDTS
	} else {
		last := videoSamples[len(videoSamples)-1]
		fragDurationUnits = last.DTS - fragStartDTS + uint64(videoTrack.DefaultSampleDuration)
	}
	fragDurationSec := float64(fragDurationUnits) / float64(videoTrack.Timescale)

	baseDataOffset := uint64(w.fileCursor)

	hasCTS := len(videoSamples) > 0 && videoSamples[0].HasCTS
	videoTrun := trackRun{
		trackID: w.videoID,
		tfhdFlags: bmff.TfhdBaseDataOffsetPresent | bmff.TfhdDefaultSampleDurationPresent |
			bmff.TfhdDefaultSampleFlagsPresent,
		tfhdFields: bmff.TfhdFields{
			BaseDataOffset:        baseDataOffset,
			DefaultSampleDuration: videoTrack.DefaultSampleDuration,
			DefaultSampleFlags:    defaultSampleFlagsVideo,
		},
		baseMediaDecodeDTS: fragStartDTS,
		trunFlags:          bmff.TrunDataOffsetPresent | bmff.TrunFirstSampleFlagsPresent | bmff.TrunSampleSizePresent,
		firstSampleFlags:   firstSampleFlagsVideo,
	}
	if hasCTS {
		videoTrun.trunFlags |= bmff.TrunSampleCompositionTimeOffsetPresent
	}
	for _, s := range videoSamples {
		payload, err := w.r.ReadSample(s.Offset, s.Size)
		if err != nil {
			return nil, 0, false, err
		}
		videoTrun.payload = append(videoTrun.payload, payload...)
		videoTrun.entries = append(videoTrun.entries, bmff.TrunEntry{
			Size:                  s.Size,
			CompositionTimeOffset: s.CTSOffset,
		})
	}

	runs := []*trackRun{&videoTrun}

	for _, id := range w.audioIDs {
		run, err := w.collectAuxiliaryTrack(id, fragDurationSec, baseDataOffset)
		if err != nil {
			return nil, 0, false, err
		}
		if run != nil {
			runs = append(runs, run)
		}
	}
	for _, id := range w.textIDs {
		run, err := w.collectTextTrack(id, fragDurationSec, baseDataOffset)
		if err != nil {
			return nil, 0, false, err
		}
		if run != nil {
			runs = append(runs, run)
		}
	}

	moofSize := 8 + 16 // moof header + mfhd
	for _, run := range runs {
		moofSize += run.trafSize()
	}

	priorBytes := 0
	dataOffsets := make([]int32, len(runs))
	mdatSize := 0
	for i, run := range runs {
		dataOffsets[i] = int32(moofSize + 8 + priorBytes)
		priorBytes += len(run.payload)
		mdatSize += len(run.payload)
	}

	out := bmff.NewWriter(make([]byte, 0, moofSize+8+mdatSize))
	out.StartBox(bmff.TypeMoof)
	out.WriteMfhd(w.seq)
	for i, run := range runs {
		out.StartBox(bmff.TypeTraf)
		out.WriteTfhd(run.tfhdFlags, run.trackID, run.tfhdFields)
		out.WriteTfdt(run.baseMediaDecodeDTS)
		out.WriteTrun(run.trunFlags, dataOffsets[i], run.firstSampleFlags, run.entries)
		out.EndBox() // traf
	}
	out.EndBox() // moof

	out.StartBox(bmff.TypeMdat)
	for _, run := range runs {
		out.Write(run.payload)
	}
	out.EndBox() // mdat

	result := append([]byte(nil), out.Bytes()...)
	w.fileCursor += int64(len(result))
	w.seq++
	return result, fragDurationSec, w.lastChunk, nil
}

// collectVideoSamples pulls pacemaker samples until a later keyframe (which
// is carried over, unconsumed by this fragment, as the seed of the next
// one) or the track is depleted.
func (w *Writer) collectVideoSamples() ([]sampletable.Sample, bool, error) {
	var samples []sampletable.Sample
	if w.pending != nil {
		samples = append(samples, *w.pending)
		w.pending = nil
	}
	for {
		s, err := w.r.NextSample(w.videoID, true)
		if err != nil {
			return samples, true, nil
		}
		kf, err := w.r.IsKeyframe(w.videoID, s)
		if err != nil {
			return nil, false, err
		}
		if kf && len(samples) > 0 {
			w.pending = &s
			return samples, false, nil
		}
		samples = append(samples, s)
	}
}

// collectAuxiliaryTrack pulls audio samples until their cumulative duration
// reaches targetSec, matching spec.md §4.3 step 4. Returns nil once the
// track has nothing left to contribute (a normal end-of-stream tail
// condition, not a fragmenter error).
func (w *Writer) collectAuxiliaryTrack(trackID uint32, targetSec float64, baseDataOffset uint64) (*trackRun, error) {
	t, ok := w.r.Tracks[trackID]
	if !ok {
		return nil, nil
	}
	targetUnits := uint64(targetSec*float64(t.Timescale) + 0.5)

	run := &trackRun{
		trackID: trackID,
		tfhdFlags: bmff.TfhdBaseDataOffsetPresent | bmff.TfhdDefaultSampleDurationPresent |
			bmff.TfhdDefaultSampleFlagsPresent,
		tfhdFields: bmff.TfhdFields{
			BaseDataOffset:        baseDataOffset,
			DefaultSampleDuration: t.DefaultSampleDuration,
			DefaultSampleFlags:    defaultSampleFlagsAuxiliary,
		},
		trunFlags: bmff.TrunDataOffsetPresent | bmff.TrunSampleDurationPresent | bmff.TrunSampleSizePresent,
	}

	var cum uint64
	first := true
	for cum < targetUnits {
		idx := w.r.CursorIndex(trackID)
		s, err := w.r.NextSample(trackID, true)
		if err != nil {
			break
		}
		if first {
			run.baseMediaDecodeDTS = s.DTS
			first = false
		}
		dur := w.r.SampleDuration(trackID, idx)
		payload, err := w.r.ReadSample(s.Offset, s.Size)
		if err != nil {
			return nil, err
		}
		run.payload = append(run.payload, payload...)
		run.entries = append(run.entries, bmff.TrunEntry{Duration: dur, Size: s.Size})
		cum += uint64(dur)
	}
	if len(run.entries) == 0 {
		return nil, nil
	}
	return run, nil
}

// collectTextTrack mirrors collectAuxiliaryTrack, but synthesizes a 2-byte
// empty-payload sample spanning the whole fragment when the track has no
// real sample available, per spec.md §4.3 step 5.
func (w *Writer) collectTextTrack(trackID uint32, targetSec float64, baseDataOffset uint64) (*trackRun, error) {
	t, ok := w.r.Tracks[trackID]
	if !ok {
		return nil, nil
	}
	targetUnits := uint64(targetSec*float64(t.Timescale) + 0.5)

	run := &trackRun{
		trackID: trackID,
		tfhdFlags: bmff.TfhdBaseDataOffsetPresent | bmff.TfhdDefaultSampleDurationPresent |
			bmff.TfhdDefaultSampleFlagsPresent,
		tfhdFields: bmff.TfhdFields{
			BaseDataOffset:        baseDataOffset,
			DefaultSampleDuration: uint32(targetUnits),
			DefaultSampleFlags:    defaultSampleFlagsAuxiliary,
		},
	}

	idx := w.r.CursorIndex(trackID)
	s, err := w.r.NextSample(trackID, true)
	if err != nil {
		run.trunFlags = bmff.TrunDataOffsetPresent | bmff.TrunSampleDurationPresent | bmff.TrunSampleSizePresent
		run.payload = append([]byte(nil), textEmptySample...)
		run.entries = append(run.entries, bmff.TrunEntry{Duration: uint32(targetUnits), Size: uint32(len(textEmptySample))})
		return run, nil
	}

	run.trunFlags = bmff.TrunDataOffsetPresent | bmff.TrunSampleDurationPresent | bmff.TrunSampleSizePresent
	run.baseMediaDecodeDTS = s.DTS
	var cum uint64
	for {
		dur := w.r.SampleDuration(trackID, idx)
		payload, err := w.r.ReadSample(s.Offset, s.Size)
		if err != nil {
			return nil, err
		}
		run.payload = append(run.payload, payload...)
		run.entries = append(run.entries, bmff.TrunEntry{Duration: dur, Size: s.Size})
		cum += uint64(dur)
		if cum >= targetUnits {
			break
		}
		idx = w.r.CursorIndex(trackID)
		s, err = w.r.NextSample(trackID, true)
		if err != nil {
			break
		}
	}
	return run, nil
}
