package rtmp

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nota-av/fmp4stream/internal/streamerr"
)

// AMF0 type markers (ISO/IEC-adjacent Adobe AMF0 spec §2.1) needed to
// decode the command and metadata messages this sink consumes: connect's
// reply, publish, and onMetaData. No pack example carries an AMF0 codec;
// this is hand-rolled per spec.md §1's explicit allowance for the
// RTMP/AMF boundary.
const (
	amf0Number      = 0x00
	amf0Boolean     = 0x01
	amf0String      = 0x02
	amf0Object      = 0x03
	amf0Null        = 0x05
	amf0Undefined   = 0x06
	amf0ECMAArray   = 0x08
	amf0ObjectEnd   = 0x09
	amf0StrictArray = 0x0A
)

// DecodeAMF0All decodes a sequence of concatenated AMF0 values (as found in
// an AMF0 command or data message payload) into plain Go values: float64,
// bool, string, map[string]any, []any, or nil.
func DecodeAMF0All(data []byte) ([]any, error) {
	var out []any
	pos := 0
	for pos < len(data) {
		v, n, err := decodeAMF0Value(data[pos:])
		if err != nil {
			return out, err
		}
		out = append(out, v)
		pos += n
	}
	return out, nil
}

func decodeAMF0Value(data []byte) (any, int, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("%w: amf0: empty value", streamerr.MalformedBox)
	}
	marker := data[0]
	switch marker {
	case amf0Number:
		if len(data) < 9 {
			return nil, 0, fmt.Errorf("%w: amf0: short number", streamerr.MalformedBox)
		}
		bits := binary.BigEndian.Uint64(data[1:9])
		return math.Float64frombits(bits), 9, nil
	case amf0Boolean:
		if len(data) < 2 {
			return nil, 0, fmt.Errorf("%w: amf0: short boolean", streamerr.MalformedBox)
		}
		return data[1] != 0, 2, nil
	case amf0String:
		s, n, err := decodeAMF0String(data[1:])
		return s, n + 1, err
	case amf0Null, amf0Undefined:
		return nil, 1, nil
	case amf0Object:
		return decodeAMF0Object(data[1:], 1)
	case amf0ECMAArray:
		if len(data) < 5 {
			return nil, 0, fmt.Errorf("%w: amf0: short ecma array", streamerr.MalformedBox)
		}
		return decodeAMF0Object(data[5:], 5)
	case amf0StrictArray:
		if len(data) < 5 {
			return nil, 0, fmt.Errorf("%w: amf0: short strict array", streamerr.MalformedBox)
		}
		count := binary.BigEndian.Uint32(data[1:5])
		pos := 5
		arr := make([]any, 0, count)
		for i := uint32(0); i < count; i++ {
			v, n, err := decodeAMF0Value(data[pos:])
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, v)
			pos += n
		}
		return arr, pos, nil
	default:
		return nil, 0, fmt.Errorf("%w: amf0: unsupported marker 0x%02x", streamerr.UnsupportedCodec, marker)
	}
}

func decodeAMF0String(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, fmt.Errorf("%w: amf0: short string length", streamerr.MalformedBox)
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+n {
		return "", 0, fmt.Errorf("%w: amf0: truncated string", streamerr.MalformedBox)
	}
	return string(data[2 : 2+n]), 2 + n, nil
}

// decodeAMF0Object decodes key/value pairs until the 0x00 0x00 0x09
// object-end marker. headerLen is the number of bytes already consumed
// before this point (the marker byte, plus the count field for
// ECMA arrays), folded into the returned consumed-byte count.
func decodeAMF0Object(data []byte, headerLen int) (map[string]any, int, error) {
	obj := make(map[string]any)
	pos := 0
	for {
		if pos+2 > len(data) {
			return obj, headerLen + pos, fmt.Errorf("%w: amf0: unterminated object", streamerr.MalformedBox)
		}
		keyLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
		if keyLen == 0 && pos+2 < len(data) && data[pos+2] == amf0ObjectEnd {
			return obj, headerLen + pos + 3, nil
		}
		key, n, err := decodeAMF0String(data[pos:])
		if err != nil {
			return obj, headerLen + pos, err
		}
		pos += n
		v, n, err := decodeAMF0Value(data[pos:])
		if err != nil {
			return obj, headerLen + pos, err
		}
		obj[key] = v
		pos += n
	}
}

// amf0Float64 extracts v as a float64, or 0 if v isn't a number.
func amf0Float64(v any) float64 {
	f, _ := v.(float64)
	return f
}
