package sampletable

import (
	"encoding/binary"
	"fmt"

	bmff "github.com/nota-av/fmp4stream"
	"github.com/nota-av/fmp4stream/internal/streamerr"
)

var be = binary.BigEndian

func openBytes(data []byte) (*Reader, error) {
	r := &Reader{Tracks: map[uint32]*Track{}}

	top := bmff.NewReader(data)
	var moovData []byte
	for top.Next() {
		switch top.Type() {
		case bmff.TypeFtyp:
			r.Ftyp = bmff.ReadFtyp(top.Data())
		case bmff.TypeMoov:
			moovData = top.Data()
		}
	}
	if moovData == nil {
		return nil, fmt.Errorf("%w: no moov box", streamerr.MalformedBox)
	}

	mr := bmff.NewReader(moovData)
	for mr.Next() {
		switch mr.Type() {
		case bmff.TypeMvhd:
			ts, dur, nextID := mr.ReadMvhd()
			r.MvhdTimescale = ts
			r.MvhdDuration = dur
			r.MvhdNextTrackID = nextID
		case bmff.TypeTrak:
			t, err := parseTrak(mr.Data())
			if err != nil {
				return nil, err
			}
			r.Tracks[t.TrackID] = t
			r.trackOrder = append(r.trackOrder, t.TrackID)
			if t.Handler == HandlerVideo && !r.HasVideo {
				r.HasVideo = true
				r.VideoTrackID = t.TrackID
				if t.Timescale != 0 {
					r.MediaDurationSec = float64(t.Duration) / float64(t.Timescale)
				}
			}
		}
	}
	if len(r.Tracks) == 0 {
		return nil, fmt.Errorf("%w: no tracks found", streamerr.MalformedBox)
	}
	return r, nil
}

func parseTrak(trakData []byte) (*Track, error) {
	tr := bmff.NewReader(trakData)
	t := &Track{cursor: 0}
	for tr.Next() {
		switch tr.Type() {
		case bmff.TypeTkhd:
			id, dur, width, height := tr.ReadTkhd()
			t.TrackID = id
			t.TkhdDuration = dur
			t.Width = width
			t.Height = height
		case bmff.TypeMdia:
			if err := parseMdia(tr.Data(), t); err != nil {
				return nil, err
			}
		}
	}
	if t.Handler == HandlerVideo && t.Timescale != 0 {
		t.TimescaleMultiplier = 90000 / t.Timescale
	}
	return t, nil
}

func parseMdia(mdiaData []byte, t *Track) error {
	mr := bmff.NewReader(mdiaData)
	for mr.Next() {
		switch mr.Type() {
		case bmff.TypeMdhd:
			ts, dur, lang := mr.ReadMdhd()
			t.Timescale = ts
			t.Duration = dur
			t.Language = lang
		case bmff.TypeHdlr:
			ht := mr.ReadHdlr()
			t.Handler = Handler(ht)
		case bmff.TypeMinf:
			if err := parseMinf(mr.Data(), t); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseMinf(minfData []byte, t *Track) error {
	mr := bmff.NewReader(minfData)
	for mr.Next() {
		if mr.Type() == bmff.TypeStbl {
			if err := parseStbl(mr.Data(), t); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseStbl(stblData []byte, t *Track) error {
	sr := bmff.NewReader(stblData)

	var sampleSizes []uint32
	var scalarSize uint32
	var scalarCount uint32
	var sttsRuns []bmff.SttsEntry
	var cttsRuns []bmff.CttsEntry
	var stscRuns []bmff.StscEntry
	var chunkOffsets []uint64

	for sr.Next() {
		switch sr.Type() {
		case bmff.TypeStsd:
			entry, err := parseStsd(&sr)
			if err != nil {
				return err
			}
			t.Entry = entry
		case bmff.TypeStts:
			it := bmff.NewSttsIter(sr.Data())
			for {
				e, ok := it.Next()
				if !ok {
					break
				}
				sttsRuns = append(sttsRuns, e)
			}
		case bmff.TypeCtts:
			it := bmff.NewCttsIter(sr.Data(), sr.Version())
			for {
				e, ok := it.Next()
				if !ok {
					break
				}
				cttsRuns = append(cttsRuns, e)
			}
		case bmff.TypeStsc:
			it := bmff.NewStscIter(sr.Data())
			for {
				e, ok := it.Next()
				if !ok {
					break
				}
				stscRuns = append(stscRuns, e)
			}
		case bmff.TypeStsz:
			data := sr.Data()
			if len(data) >= 8 {
				scalarSize = be.Uint32(data[0:4])
				scalarCount = be.Uint32(data[4:8])
			}
			it := bmff.NewStszIter(data)
			if scalarSize == 0 {
				for {
					v, ok := it.Next()
					if !ok {
						break
					}
					sampleSizes = append(sampleSizes, v)
				}
			}
		case bmff.TypeStco:
			it := bmff.NewUint32Iter(sr.Data())
			for {
				v, ok := it.Next()
				if !ok {
					break
				}
				chunkOffsets = append(chunkOffsets, uint64(v))
			}
		case bmff.TypeCo64:
			it := bmff.NewCo64Iter(sr.Data())
			for {
				v, ok := it.Next()
				if !ok {
					break
				}
				chunkOffsets = append(chunkOffsets, v)
			}
		}
	}

	t.samples = buildSampleTable(stscRuns, chunkOffsets, sampleSizes, scalarSize, scalarCount, sttsRuns, cttsRuns)
	if len(sttsRuns) > 0 {
		t.DefaultSampleDuration = sttsRuns[0].Duration
	}
	return nil
}

func parseStsd(sr *bmff.Reader) (bmff.SampleEntry, error) {
	var entry bmff.SampleEntry
	sr.Enter()
	sr.Skip(4) // entry count
	if sr.Next() {
		format := sr.Type()
		dataRefIdx := uint16(0)
		body := sr.Data()
		if len(body) >= 8 {
			dataRefIdx = be.Uint16(body[6:8])
		}
		entry = bmff.ParseSampleEntry(format, dataRefIdx, sr.RawBox(), body)
	}
	sr.Exit()
	return entry, nil
}

// buildSampleTable inflates the stsc runs and walks stco/stsz/stts/ctts in
// lockstep, producing the flat per-track sample list. The last stsc entry
// applies through the final stco/co64 chunk (spec.md §9 open question #1),
// rather than repeating only the prior run's count for one chunk.
func buildSampleTable(stscRuns []bmff.StscEntry, chunkOffsets []uint64, sizes []uint32, scalarSize, scalarCount uint32, sttsRuns []bmff.SttsEntry, cttsRuns []bmff.CttsEntry) []Sample {
	numChunks := len(chunkOffsets)
	chunkCounts := inflateStsc(stscRuns, numChunks)

	hasCtts := len(cttsRuns) > 0
	var samples []Sample

	sampleIdx := 0
	var dts uint64
	sttsRunIdx, sttsOff := 0, 0
	cttsRunIdx, cttsOff := 0, 0

	for c := 0; c < numChunks; c++ {
		offset := chunkOffsets[c]
		for i := uint32(0); i < chunkCounts[c]; i++ {
			if scalarSize != 0 && uint32(sampleIdx) >= scalarCount {
				return samples
			}
			var size uint32
			if scalarSize != 0 {
				size = scalarSize
			} else if sampleIdx < len(sizes) {
				size = sizes[sampleIdx]
			} else {
				return samples
			}

			var duration uint32
			if sttsRunIdx < len(sttsRuns) {
				duration = sttsRuns[sttsRunIdx].Duration
			}

			var ctsOffset int32
			if hasCtts && cttsRunIdx < len(cttsRuns) {
				ctsOffset = cttsRuns[cttsRunIdx].Offset
			}

			samples = append(samples, Sample{
				Offset:    int64(offset),
				Size:      size,
				DTS:       dts,
				CTSOffset: ctsOffset,
				HasCTS:    hasCtts,
			})

			offset += uint64(size)
			dts += uint64(duration)
			sampleIdx++

			if sttsRunIdx < len(sttsRuns) {
				sttsOff++
				if sttsOff >= int(sttsRuns[sttsRunIdx].Count) {
					sttsRunIdx++
					sttsOff = 0
				}
			}
			if hasCtts && cttsRunIdx < len(cttsRuns) {
				cttsOff++
				if cttsOff >= int(cttsRuns[cttsRunIdx].Count) {
					cttsRunIdx++
					cttsOff = 0
				}
			}
		}
	}
	return samples
}

// inflateStsc expands stsc runs into a per-chunk sample count table.
func inflateStsc(runs []bmff.StscEntry, numChunks int) []uint32 {
	counts := make([]uint32, numChunks)
	if len(runs) == 0 {
		for i := range counts {
			counts[i] = 1
		}
		return counts
	}
	for i, run := range runs {
		start := int(run.FirstChunk) - 1
		if start < 0 {
			start = 0
		}
		end := numChunks
		if i+1 < len(runs) {
			end = int(runs[i+1].FirstChunk) - 1
		}
		for c := start; c < end && c < numChunks; c++ {
			counts[c] = run.SamplesPerChunk
		}
	}
	return counts
}
