package bmff

import "encoding/base64"

// AvcC holds the parsed fields of an AVCDecoderConfigurationRecord (avcC box).
// Trailing is whatever bytes follow the PPS list; it is preserved verbatim so
// that Marshal reproduces the source box byte-for-byte.
type AvcC struct {
	ConfigurationVersion uint8
	Profile              uint8
	ProfileCompatibility uint8
	Level                uint8
	LengthSizeMinusOne   uint8 // low 2 bits; high bits are reserved-1
	SPS                  [][]byte
	PPS                  [][]byte
	Trailing             []byte
}

// ParseAvcC decodes avcC box data.
func ParseAvcC(data []byte) AvcC {
	var c AvcC
	if len(data) < 6 {
		return c
	}
	c.ConfigurationVersion = data[0]
	c.Profile = data[1]
	c.ProfileCompatibility = data[2]
	c.Level = data[3]
	c.LengthSizeMinusOne = data[4] & 0x03
	ptr := 5
	numSPS := int(data[ptr] & 0x1f)
	ptr++
	for i := 0; i < numSPS && ptr+2 <= len(data); i++ {
		n := int(be.Uint16(data[ptr:]))
		ptr += 2
		if ptr+n > len(data) {
			break
		}
		c.SPS = append(c.SPS, data[ptr:ptr+n])
		ptr += n
	}
	if ptr >= len(data) {
		return c
	}
	numPPS := int(data[ptr])
	ptr++
	for i := 0; i < numPPS && ptr+2 <= len(data); i++ {
		n := int(be.Uint16(data[ptr:]))
		ptr += 2
		if ptr+n > len(data) {
			break
		}
		c.PPS = append(c.PPS, data[ptr:ptr+n])
		ptr += n
	}
	if ptr < len(data) {
		c.Trailing = data[ptr:]
	}
	return c
}

// Marshal encodes c back into avcC box data, reproducing the original bytes
// exactly (including Trailing) when c was produced by ParseAvcC.
func (c AvcC) Marshal() []byte {
	size := 6
	for _, s := range c.SPS {
		size += 2 + len(s)
	}
	size += 1
	for _, p := range c.PPS {
		size += 2 + len(p)
	}
	size += len(c.Trailing)
	out := make([]byte, 0, size)
	out = append(out, c.ConfigurationVersion, c.Profile, c.ProfileCompatibility, c.Level)
	out = append(out, 0xfc|c.LengthSizeMinusOne&0x03)
	out = append(out, 0xe0|byte(len(c.SPS))&0x1f)
	for _, s := range c.SPS {
		var lenBuf [2]byte
		be.PutUint16(lenBuf[:], uint16(len(s)))
		out = append(out, lenBuf[:]...)
		out = append(out, s...)
	}
	out = append(out, byte(len(c.PPS)))
	for _, p := range c.PPS {
		var lenBuf [2]byte
		be.PutUint16(lenBuf[:], uint16(len(p)))
		out = append(out, lenBuf[:]...)
		out = append(out, p...)
	}
	out = append(out, c.Trailing...)
	return out
}

// SpropParameterSets returns the SDP sprop-parameter-sets value:
// base64(last SPS) + "," + base64(last PPS).
func (c AvcC) SpropParameterSets() string {
	if len(c.SPS) == 0 || len(c.PPS) == 0 {
		return ""
	}
	sps := base64.StdEncoding.EncodeToString(c.SPS[len(c.SPS)-1])
	pps := base64.StdEncoding.EncodeToString(c.PPS[len(c.PPS)-1])
	return sps + "," + pps
}

// ProfileLevelID returns the 6 hex char SDP profile-level-id derived from
// the last SPS's profile/compatibility/level bytes.
func (c AvcC) ProfileLevelID() string {
	if len(c.SPS) == 0 || len(c.SPS[len(c.SPS)-1]) < 4 {
		return ""
	}
	sps := c.SPS[len(c.SPS)-1]
	var buf [6]byte
	buf[0] = hexDigit(sps[1] >> 4)
	buf[1] = hexDigit(sps[1] & 0x0f)
	buf[2] = hexDigit(sps[2] >> 4)
	buf[3] = hexDigit(sps[2] & 0x0f)
	buf[4] = hexDigit(sps[3] >> 4)
	buf[5] = hexDigit(sps[3] & 0x0f)
	return string(buf[:])
}
