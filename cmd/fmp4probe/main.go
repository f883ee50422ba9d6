// Command fmp4probe prints the track/sample-table summary of an MP4 file:
// one line per track (handler, timescale, duration, sample count, codec
// detail), using internal/sampletable's parsed view rather than mfdump's
// raw box tree.
package main

import (
	"fmt"
	"os"

	"github.com/nota-av/fmp4stream/internal/sampletable"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <file.mp4>\n", os.Args[0])
		os.Exit(1)
	}

	r, err := sampletable.Open(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "fmp4probe: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	fmt.Printf("ftyp major_brand=%s duration=%.3fs\n", r.Ftyp.MajorBrand, r.MediaDurationSec)

	for _, id := range r.TrackOrder() {
		t := r.Tracks[id]
		fmt.Printf("track %d: handler=%s timescale=%d duration=%d samples=%d\n",
			t.TrackID, handlerString(t.Handler), t.Timescale, t.Duration, t.Count())

		switch {
		case t.Entry.Visual != nil:
			v := t.Entry.Visual
			fmt.Printf("  video %dx%d", v.Width, v.Height)
			switch {
			case v.AvcC != nil:
				fmt.Printf(" codec=avc profile=%d level=%d\n", v.AvcC.Profile, v.AvcC.Level)
			case v.HvcC != nil:
				fmt.Printf(" codec=hvc\n")
			default:
				fmt.Printf(" codec=unknown\n")
			}
		case t.Entry.Audio != nil:
			a := t.Entry.Audio
			fmt.Printf("  audio channels=%d sample_rate=%d\n", a.ChannelCount, a.SampleRate>>16)
		}
	}
}

func handlerString(h sampletable.Handler) string {
	switch h {
	case sampletable.HandlerVideo:
		return "video"
	case sampletable.HandlerAudio:
		return "audio"
	case sampletable.HandlerText:
		return "text"
	case sampletable.HandlerHint:
		return "hint"
	default:
		return string(h[:])
	}
}
