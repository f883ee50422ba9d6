package fragment

import (
	bmff "github.com/nota-av/fmp4stream"
	"github.com/nota-av/fmp4stream/internal/sampletable"
)

// handlerName returns the conventional hdlr name string for a handler type,
// matching the names real encoders emit (not meaningful to parsers, kept
// for readability of the box in a hex dump).
func handlerName(h sampletable.Handler) string {
	switch h {
	case sampletable.HandlerVideo:
		return "VideoHandler"
	case sampletable.HandlerAudio:
		return "SoundHandler"
	case sampletable.HandlerText:
		return "TextHandler"
	default:
		return "HintHandler"
	}
}

// BuildInitSegment synthesizes the initialization segment: ftyp copied from
// the source file, then a fresh moov carrying the original tkhd/mdhd/hdlr
// fields, an empty stbl seeded with the original stsd, and an mvex/trex per
// track. Grounded on spec.md §4.3's initialization-segment paragraph and
// tetsuo-mp4/remux/direct.go's box-assembly style, reimplemented against
// bmff.Writer/internal/sampletable instead of the original tree API.
//
// Source dref entries aren't retained by the sample table (only the box's
// observable effect, self-contained vs. referenced data, feeds playback),
// so this always emits a single self-contained url entry rather than a
// byte-exact copy of the original dref.
func BuildInitSegment(r *sampletable.Reader) []byte {
	buf := make([]byte, 0, 1<<16)
	w := bmff.NewWriter(buf)

	w.WriteFtyp(r.Ftyp.MajorBrand, r.Ftyp.MinorVersion, r.Ftyp.Compatible)

	w.StartBox(bmff.TypeMoov)
	w.WriteMvhd(r.MvhdTimescale, r.MvhdDuration, r.MvhdNextTrackID)

	order := r.TrackOrder()
	for _, id := range order {
		t := r.Tracks[id]
		writeTrak(&w, t)
	}

	w.StartBox(bmff.TypeMvex)
	for _, id := range order {
		t := r.Tracks[id]
		w.WriteTrex(t.TrackID, 1, t.DefaultSampleDuration, 0, 0)
	}
	w.EndBox() // mvex

	w.EndBox() // moov

	return append([]byte(nil), w.Bytes()...)
}

func writeTrak(w *bmff.Writer, t *sampletable.Track) {
	w.StartBox(bmff.TypeTrak)
	w.WriteTkhd(0x7, t.TrackID, t.TkhdDuration, t.Width, t.Height)

	w.StartBox(bmff.TypeMdia)
	w.WriteMdhd(t.Timescale, t.Duration, t.Language)
	w.WriteHdlr([4]byte(t.Handler), handlerName(t.Handler))

	w.StartBox(bmff.TypeMinf)
	switch t.Handler {
	case sampletable.HandlerVideo:
		w.WriteVmhd()
	case sampletable.HandlerAudio:
		w.WriteSmhd()
	default:
		w.StartFullBox(bmff.TypeNmhd, 0, 0)
		w.EndBox()
	}

	w.StartBox(bmff.TypeDinf)
	w.WriteDref()
	w.EndBox() // dinf

	w.StartBox(bmff.TypeStbl)
	w.WriteStsdBox(t.Entry)
	w.WriteStts(nil)
	w.WriteStsc(nil)
	w.WriteStsz(0, nil)
	w.WriteStco(nil)
	w.EndBox() // stbl

	w.EndBox() // minf
	w.EndBox() // mdia
	w.EndBox() // trak
}
