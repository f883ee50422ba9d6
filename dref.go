package bmff

// DrefEntry is one url /urn  entry inside a dref box.
// SelfContained mirrors flags&1: when true, Location is not meaningful and
// should be empty (spec's adopted convention for self-contained files).
type DrefEntry struct {
	Type          BoxType // TypeUrl or TypeUrn
	SelfContained bool
	Name          string // urn  only: the URN name
	Location      string // url  and urn : the location string
}

// ReadDrefEntry parses one url /urn  FullBox body, given its type and flags
// (as already consumed by Reader.Next while positioned on the entry).
func ReadDrefEntry(t BoxType, flags uint32, data []byte) DrefEntry {
	e := DrefEntry{Type: t, SelfContained: flags&0x000001 != 0}
	if e.SelfContained {
		return e
	}
	if t == TypeUrn {
		i := indexByte(data, 0)
		if i < 0 {
			e.Name = string(data)
			return e
		}
		e.Name = string(data[:i])
		rest := data[i+1:]
		j := indexByte(rest, 0)
		if j < 0 {
			e.Location = string(rest)
		} else {
			e.Location = string(rest[:j])
		}
		return e
	}
	i := indexByte(data, 0)
	if i < 0 {
		e.Location = string(data)
	} else {
		e.Location = string(data[:i])
	}
	return e
}

// WriteDrefEntry writes one url /urn  entry, honoring the self-contained
// convention (flags=1, empty body) when e.SelfContained is set.
func (w *Writer) WriteDrefEntry(e DrefEntry) {
	flags := uint32(0)
	if e.SelfContained {
		flags = 1
	}
	w.StartFullBox(e.Type, 0, flags)
	if !e.SelfContained {
		if e.Type == TypeUrn {
			w.putBytes([]byte(e.Name))
			w.putUint8(0)
		}
		w.putBytes([]byte(e.Location))
		w.putUint8(0)
	}
	w.EndBox()
}

// indexByte returns the index of the first zero byte in b, or -1.
func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
