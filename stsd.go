package bmff

// SampleEntry is one parsed entry inside an stsd box, specialized by the
// track's handler type into Visual, Audio, Text, or Hint.
type SampleEntry struct {
	Format             BoxType
	DataReferenceIndex uint16

	Visual *VisualSampleEntry
	Audio  *AudioSampleEntry

	// Raw holds the entry's full encoded bytes (header + body), used to
	// round-trip Text/Hint entries and any entry type this package does
	// not specialize.
	Raw []byte
}

// VisualSampleEntry holds the fixed fields plus decoded children of a
// video sample entry (avc1 or hvc1).
type VisualSampleEntry struct {
	Width, Height    uint16
	HResolution      uint32 // 16.16 fixed point
	VResolution      uint32 // 16.16 fixed point
	FrameCount       uint16
	CompressorName   string
	Depth            uint16
	AvcC             *AvcC
	HvcC             *HvcC
	PixelAspectRatio *PixelAspectRatio
	Fiel             []byte // field-handling box body, preserved verbatim when present
}

// PixelAspectRatio is the parsed body of a pasp box.
type PixelAspectRatio struct {
	HSpacing, VSpacing uint32
}

// AudioSampleEntry holds the fixed fields plus decoded children of an
// audio sample entry (mp4a).
type AudioSampleEntry struct {
	ChannelCount uint16
	SampleSize   uint16
	SampleRate   uint32 // 16.16 fixed point
	Esds         *Esds
}

// ParseSampleEntry decodes one entry of an stsd box. The caller walks the
// stsd box with a Reader (Enter(), Skip(4) past the entry-count field,
// Next()) and hands each entry's full bytes as raw and its body as
// childData.
func ParseSampleEntry(format BoxType, dataRefIdx uint16, raw []byte, childData []byte) SampleEntry {
	e := SampleEntry{Format: format, DataReferenceIndex: dataRefIdx, Raw: raw}
	switch format {
	case TypeAvc1, TypeHvc1:
		e.Visual = parseVisualChildren(childData)
	case TypeMp4a:
		e.Audio = parseAudioChildren(childData)
	}
	return e
}

func parseVisualChildren(data []byte) *VisualSampleEntry {
	ve := ReadVisualSampleEntry(data)
	v := &VisualSampleEntry{
		Width:          ve.Width,
		Height:         ve.Height,
		HResolution:    ve.HResolution,
		VResolution:    ve.VResolution,
		FrameCount:     ve.FrameCount,
		CompressorName: ve.CompressorName,
		Depth:          ve.Depth,
	}
	if ve.ChildOffset >= len(data) {
		return v
	}
	cr := NewReader(data[ve.ChildOffset:])
	for cr.Next() {
		switch cr.Type() {
		case TypeAvcC:
			c := ParseAvcC(cr.Data())
			v.AvcC = &c
		case TypeHvcC:
			c := ParseHvcC(cr.Data())
			v.HvcC = &c
		case TypePasp:
			d := cr.Data()
			if len(d) >= 8 {
				v.PixelAspectRatio = &PixelAspectRatio{
					HSpacing: be.Uint32(d[0:4]),
					VSpacing: be.Uint32(d[4:8]),
				}
			}
		case TypeFiel:
			v.Fiel = append([]byte(nil), cr.Data()...)
		}
	}
	return v
}

func parseAudioChildren(data []byte) *AudioSampleEntry {
	ae := ReadAudioSampleEntry(data)
	a := &AudioSampleEntry{
		ChannelCount: ae.ChannelCount,
		SampleSize:   ae.SampleSize,
		SampleRate:   ae.SampleRate,
	}
	if ae.ChildOffset >= len(data) {
		return a
	}
	cr := NewReader(data[ae.ChildOffset:])
	for cr.Next() {
		if cr.Type() == TypeEsds {
			esds := ParseEsds(cr.Data())
			a.Esds = &esds
		}
	}
	return a
}

// WriteStsdBox writes a complete stsd box containing a single sample entry,
// the shape every track's stbl carries in a fragmented-MP4 init segment.
func (w *Writer) WriteStsdBox(entry SampleEntry) {
	w.StartFullBox(TypeStsd, 0, 0)
	w.putUint32(1)
	switch {
	case entry.Visual != nil:
		w.WriteVisualSampleEntryBox(entry.Format, entry.DataReferenceIndex, entry.Visual)
	case entry.Audio != nil:
		w.WriteAudioSampleEntryBox(entry.DataReferenceIndex, entry.Audio)
	default:
		w.putBytes(entry.Raw)
	}
	w.EndBox()
}

// WriteVisualSampleEntryBox writes a complete avc1 or hvc1 box.
func (w *Writer) WriteVisualSampleEntryBox(format BoxType, dataRefIdx uint16, v *VisualSampleEntry) {
	w.StartBox(format)
	w.WriteVisualSampleEntry(dataRefIdx, v.Width, v.Height, v.FrameCount, v.Depth, v.CompressorName)
	if v.AvcC != nil {
		w.StartBox(TypeAvcC)
		w.putBytes(v.AvcC.Marshal())
		w.EndBox()
	}
	if v.HvcC != nil {
		w.StartBox(TypeHvcC)
		w.putBytes(v.HvcC.Marshal())
		w.EndBox()
	}
	if v.PixelAspectRatio != nil {
		w.StartBox(TypePasp)
		w.putUint32(v.PixelAspectRatio.HSpacing)
		w.putUint32(v.PixelAspectRatio.VSpacing)
		w.EndBox()
	}
	if v.Fiel != nil {
		w.StartBox(TypeFiel)
		w.putBytes(v.Fiel)
		w.EndBox()
	}
	w.EndBox()
}

// WriteAudioSampleEntryBox writes a complete mp4a box.
func (w *Writer) WriteAudioSampleEntryBox(dataRefIdx uint16, a *AudioSampleEntry) {
	w.StartBox(TypeMp4a)
	w.WriteAudioSampleEntry(dataRefIdx, a.ChannelCount, a.SampleSize, a.SampleRate)
	if a.Esds != nil {
		w.StartFullBox(TypeEsds, 0, 0)
		w.putBytes(a.Esds.Marshal())
		w.EndBox()
	}
	w.EndBox()
}
