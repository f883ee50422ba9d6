package bmff

import "encoding/base64"

// HEVC NAL unit types used as index keys into a parsed HvcC's config sets.
const (
	HevcNalVPS = 32
	HevcNalSPS = 33
	HevcNalPPS = 34
)

// HvcCConfigSet is one "array" entry of an HEVCDecoderConfigurationRecord:
// a NAL unit type plus the list of NAL units sharing that type.
type HvcCConfigSet struct {
	NalUnitType uint8
	NALUs       [][]byte
}

// HvcC holds the parsed fields of an HEVCDecoderConfigurationRecord (hvcC box).
type HvcC struct {
	GeneralConfig            [12]byte // general_profile_space/tier/idc, compatibility flags, constraint flags, level
	MinSpatialSegmentation   uint16
	ParallelismType          uint8
	ChromaFormat             uint8
	BitDepthLumaMinus8       uint8
	BitDepthChromaMinus8     uint8
	AvgFrameRate             uint16
	MaxSubLayers             uint8
	ConfigSets               []HvcCConfigSet
	Trailing                 []byte
}

// ParseHvcC decodes hvcC box data.
func ParseHvcC(data []byte) HvcC {
	var c HvcC
	if len(data) < 22 {
		return c
	}
	ptr := 0
	copy(c.GeneralConfig[:], data[ptr:ptr+12])
	ptr += 12
	c.MinSpatialSegmentation = be.Uint16(data[ptr:]) & 0x0fff
	ptr += 2
	c.ParallelismType = data[ptr] & 0x03
	ptr++
	c.ChromaFormat = data[ptr] & 0x03
	ptr++
	c.BitDepthLumaMinus8 = data[ptr] & 0x07
	ptr++
	c.BitDepthChromaMinus8 = data[ptr] & 0x07
	ptr++
	c.AvgFrameRate = be.Uint16(data[ptr:])
	ptr += 2
	if ptr >= len(data) {
		return c
	}
	c.MaxSubLayers = data[ptr]
	ptr++
	if ptr >= len(data) {
		return c
	}
	numArrays := int(data[ptr])
	ptr++
	for i := 0; i < numArrays && ptr < len(data); i++ {
		set := HvcCConfigSet{NalUnitType: data[ptr] & 0x3f}
		ptr++
		if ptr+2 > len(data) {
			break
		}
		count := int(be.Uint16(data[ptr:]))
		ptr += 2
		for j := 0; j < count && ptr+2 <= len(data); j++ {
			n := int(be.Uint16(data[ptr:]))
			ptr += 2
			if ptr+n > len(data) {
				break
			}
			set.NALUs = append(set.NALUs, data[ptr:ptr+n])
			ptr += n
		}
		c.ConfigSets = append(c.ConfigSets, set)
	}
	if ptr < len(data) {
		c.Trailing = data[ptr:]
	}
	return c
}

// nalusOfType returns the NAL units stored under the given nal_unit_type.
func (c HvcC) nalusOfType(t uint8) [][]byte {
	for _, s := range c.ConfigSets {
		if s.NalUnitType == t {
			return s.NALUs
		}
	}
	return nil
}

// SpropSets returns the SDP sprop-vps, sprop-sps, sprop-pps values
// (base64 of the last NAL unit of each type, empty string if absent).
func (c HvcC) SpropSets() (vps, sps, pps string) {
	if v := c.nalusOfType(HevcNalVPS); len(v) > 0 {
		vps = base64.StdEncoding.EncodeToString(v[len(v)-1])
	}
	if v := c.nalusOfType(HevcNalSPS); len(v) > 0 {
		sps = base64.StdEncoding.EncodeToString(v[len(v)-1])
	}
	if v := c.nalusOfType(HevcNalPPS); len(v) > 0 {
		pps = base64.StdEncoding.EncodeToString(v[len(v)-1])
	}
	return
}

// Marshal encodes c back into hvcC box data.
func (c HvcC) Marshal() []byte {
	size := 12 + 2 + 1 + 1 + 1 + 1 + 2 + 1 + 1
	for _, s := range c.ConfigSets {
		size += 1 + 2
		for _, n := range s.NALUs {
			size += 2 + len(n)
		}
	}
	size += len(c.Trailing)
	out := make([]byte, 0, size)
	out = append(out, c.GeneralConfig[:]...)
	var u16 [2]byte
	be.PutUint16(u16[:], c.MinSpatialSegmentation&0x0fff)
	out = append(out, u16[:]...)
	out = append(out, 0xfc|c.ParallelismType&0x03)
	out = append(out, 0xfc|c.ChromaFormat&0x03)
	out = append(out, 0xf8|c.BitDepthLumaMinus8&0x07)
	out = append(out, 0xf8|c.BitDepthChromaMinus8&0x07)
	be.PutUint16(u16[:], c.AvgFrameRate)
	out = append(out, u16[:]...)
	out = append(out, c.MaxSubLayers)
	out = append(out, byte(len(c.ConfigSets)))
	for _, s := range c.ConfigSets {
		out = append(out, s.NalUnitType&0x3f)
		be.PutUint16(u16[:], uint16(len(s.NALUs)))
		out = append(out, u16[:]...)
		for _, n := range s.NALUs {
			be.PutUint16(u16[:], uint16(len(n)))
			out = append(out, u16[:]...)
			out = append(out, n...)
		}
	}
	out = append(out, c.Trailing...)
	return out
}
