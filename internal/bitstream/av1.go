package bitstream

import (
	"github.com/pkg/errors"
)

// AV1 OBU types.
const (
	OBUSequenceHeader         = 1
	OBUTemporalDelimiter      = 2
	OBUFrameHeader            = 3
	OBUFrame                  = 6
	obuHasSizeField      byte = 0x02
	obuExtensionFlag     byte = 0x04
)

// OBU is one open bitstream unit. Raw holds the complete unit including
// its header.
type OBU struct {
	Type    int
	Payload []byte
	Raw     []byte
}

// readLEB128 decodes an unsigned LEB128 value, returning the value and the
// number of bytes consumed.
func readLEB128(b []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("bitstream: truncated leb128")
}

func appendLEB128(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

// ParseOBUs splits a temporal unit into OBUs. Every OBU except possibly the
// last must carry obu_has_size_field.
func ParseOBUs(tu []byte) ([]OBU, error) {
	var obus []OBU
	for pos := 0; pos < len(tu); {
		start := pos
		header := tu[pos]
		if header&0x80 != 0 {
			return nil, errors.New("bitstream: obu forbidden bit set")
		}
		typ := int(header>>3) & 0x0f
		pos++
		if header&obuExtensionFlag != 0 {
			pos++
		}
		if pos > len(tu) {
			return nil, errors.New("bitstream: truncated obu header")
		}

		size := len(tu) - pos
		if header&obuHasSizeField != 0 {
			v, n, err := readLEB128(tu[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			size = int(v)
		}
		if pos+size > len(tu) {
			return nil, errors.Errorf("bitstream: obu size %d exceeds temporal unit", size)
		}
		obus = append(obus, OBU{
			Type:    typ,
			Payload: tu[pos : pos+size],
			Raw:     tu[start : pos+size],
		})
		pos += size
	}
	return obus, nil
}

// StripTemporalDelimiters removes temporal delimiter OBUs, which are not
// stored in Matroska blocks.
func StripTemporalDelimiters(tu []byte) []byte {
	obus, err := ParseOBUs(tu)
	if err != nil {
		return tu
	}
	out := make([]byte, 0, len(tu))
	for _, o := range obus {
		if o.Type == OBUTemporalDelimiter {
			continue
		}
		out = append(out, o.Raw...)
	}
	return out
}

// SequenceHeaderOBU returns the complete sequence header OBU of a temporal
// unit, normalized to carry a size field.
func SequenceHeaderOBU(tu []byte) []byte {
	obus, err := ParseOBUs(tu)
	if err != nil {
		return nil
	}
	for _, o := range obus {
		if o.Type != OBUSequenceHeader {
			continue
		}
		out := []byte{byte(OBUSequenceHeader<<3) | obuHasSizeField}
		out = appendLEB128(out, uint64(len(o.Payload)))
		return append(out, o.Payload...)
	}
	return nil
}

// AV1IsKeyframe reports whether a temporal unit starts a new coded video
// sequence, which the encoders signal by repeating the sequence header.
func AV1IsKeyframe(tu []byte) bool {
	return SequenceHeaderOBU(tu) != nil
}

type bitReader struct {
	b   []byte
	pos int
}

func (r *bitReader) bits(n int) (uint32, bool) {
	var v uint32
	for i := 0; i < n; i++ {
		if r.pos >= len(r.b)*8 {
			return 0, false
		}
		bit := (r.b[r.pos/8] >> (7 - uint(r.pos%8))) & 1
		v = v<<1 | uint32(bit)
		r.pos++
	}
	return v, true
}

// AV1CodecConfig builds an AV1CodecConfigurationRecord (av1C) whose
// configOBUs field holds the given sequence header OBU. Profile, level and
// tier are read from the header; 8-bit 4:2:0 is assumed for the colour
// fields.
func AV1CodecConfig(seqHeaderOBU []byte) ([]byte, error) {
	obus, err := ParseOBUs(seqHeaderOBU)
	if err != nil || len(obus) == 0 || obus[0].Type != OBUSequenceHeader {
		return nil, errors.New("bitstream: not a sequence header obu")
	}

	r := &bitReader{b: obus[0].Payload}
	profile, ok := r.bits(3)
	if !ok {
		return nil, errors.New("bitstream: truncated sequence header")
	}
	r.bits(1) // still_picture
	reduced, _ := r.bits(1)

	var level, tier uint32
	if reduced == 1 {
		level, _ = r.bits(5)
	} else {
		timingInfo, _ := r.bits(1)
		if timingInfo == 0 {
			r.bits(1) // initial_display_delay_present_flag
			r.bits(5) // operating_points_cnt_minus_1
			r.bits(12)
			level, _ = r.bits(5)
			if level > 7 {
				tier, _ = r.bits(1)
			}
		}
	}

	rec := []byte{
		0x81, // marker, version 1
		byte(profile<<5) | byte(level&0x1f),
		byte(tier<<7) | 0x0c, // chroma_subsampling_x, chroma_subsampling_y
		0,
	}
	return append(rec, seqHeaderOBU...), nil
}
