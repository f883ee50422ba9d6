package rtppacket

import (
	"time"

	"github.com/nota-av/fmp4stream/internal/sampletable"
	"github.com/nota-av/fmp4stream/internal/streamerr"
)

// TrickPlay holds an RTSP PLAY request's Scale state: |Scale|==1 plays
// normally; |Scale|>1 plays faster; a negative Scale plays in reverse.
type TrickPlay struct {
	Scale float64
}

func (t TrickPlay) active() bool {
	return t.Scale != 0 && t.Scale != 1
}

func (t TrickPlay) reverse() bool { return t.Scale < 0 }

func (t TrickPlay) speed() float64 {
	s := t.Scale
	if s < 0 {
		s = -s
	}
	if s == 0 {
		s = 1
	}
	return s
}

// Streamer drives the real-time pacing loop described in spec.md §4.5: it
// decides, on each call, whether the next sample is due yet against wall
// clock, and if so pulls it, advances decoding time, and packetizes it.
// No grounded pack example implements RTSP/RTP pacing (the base repo is a
// pure MP4 remuxer); this is hand-rolled wall-clock/decode-time bookkeeping.
type Streamer struct {
	packetizer    *Packetizer
	lastWallClk   time.Time
	lastDurUnit   uint32
	lastTimescale uint32
	decodingDTS   uint64
}

// NewStreamer pairs a Packetizer with the pacing state for one track.
func NewStreamer(p *Packetizer) *Streamer {
	return &Streamer{packetizer: p}
}

// Due reports whether enough wall-clock time has elapsed since the last
// emitted frame (scaled by trick play speed) for the next one to be sent.
func (s *Streamer) Due(now time.Time, trick TrickPlay) bool {
	if s.lastWallClk.IsZero() {
		return true
	}
	elapsed := now.Sub(s.lastWallClk)
	due := time.Duration(float64(s.lastDurUnit) / float64(s.lastTimescale) / trick.speed() * float64(time.Second))
	return elapsed >= due
}

// NextFrame pulls one sample from r for trackID, honoring trick-play
// direction, and returns the RTP/interleaved frames for it. It reports
// io.EOF-equivalent streamerr.SamplesDepleted once end_npt_time (seconds)
// or the track's end is reached. In reverse trick play, non-keyframe
// samples are silently skipped (keyframe-only reverse playback).
func (s *Streamer) NextFrame(r *sampletable.Reader, trackID uint32, endNPT float64, trick TrickPlay, timescaleMultiplier uint32, now time.Time) ([][]byte, error) {
	if _, ok := r.Tracks[trackID]; !ok {
		return nil, streamerr.UnsupportedCodec
	}

	for {
		sample, err := r.NextSample(trackID, !trick.reverse())
		if err != nil {
			return nil, err
		}
		if trick.reverse() {
			kf, err := r.IsKeyframe(trackID, sample)
			if err != nil {
				return nil, err
			}
			if !kf {
				continue
			}
		}

		if endNPT > 0 && float64(sample.DTS)/float64(timescaleBase(r, trackID)) > endNPT {
			return nil, streamerr.SamplesDepleted
		}

		payload, err := r.ReadSample(sample.Offset, sample.Size)
		if err != nil {
			return nil, err
		}

		mult := uint64(timescaleMultiplier)
		if mult == 0 {
			mult = 1
		}
		compositionTime := (sample.DTS + uint64(int64(sample.CTSOffset))) * mult
		idx := r.CursorIndex(trackID)
		if !trick.reverse() {
			idx--
		}
		dur := r.SampleDuration(trackID, idx)

		s.decodingDTS = (sample.DTS + uint64(dur)) * mult
		s.lastWallClk = now
		s.lastDurUnit = dur
		s.lastTimescale = timescaleBase(r, trackID)

		var frames [][]byte
		switch s.packetizer.PayloadType {
		case PayloadTypeAudio:
			frames, err = s.packetizer.PacketizeAAC(payload, uint32(compositionTime))
		default:
			frames, err = s.packetizer.PacketizeAVC(payload, uint32(compositionTime))
		}
		if err != nil {
			return nil, err
		}
		return frames, nil
	}
}

func timescaleBase(r *sampletable.Reader, trackID uint32) uint32 {
	if t, ok := r.Tracks[trackID]; ok && t.Timescale != 0 {
		return t.Timescale
	}
	return 1
}
