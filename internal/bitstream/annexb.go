// Package bitstream parses and builds the elementary stream framings the
// encoders emit and the muxers consume: H.264 Annex B, AV1 OBUs, VP9
// frame headers, IVF, ADTS and Ogg.
package bitstream

import (
	"bytes"
	"encoding/binary"
)

// H.264 NAL unit types used here.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// NALType returns the nal_unit_type of a NAL unit without start code.
func NALType(nalu []byte) int {
	if len(nalu) == 0 {
		return -1
	}
	return int(nalu[0] & 0x1f)
}

// findStartCode returns the offset of the next 00 00 01 at or after from,
// and the length of the start code (3 or 4 when preceded by a zero byte).
func findStartCode(b []byte, from int) (int, int) {
	for i := from; i+2 < len(b); i++ {
		if b[i] != 0 || b[i+1] != 0 {
			continue
		}
		if b[i+2] == 1 {
			if i > 0 && b[i-1] == 0 {
				return i - 1, 4
			}
			return i, 3
		}
	}
	return -1, 0
}

// SplitNALUs splits an Annex B buffer into NAL units without start codes.
func SplitNALUs(b []byte) [][]byte {
	var nalus [][]byte
	pos, n := findStartCode(b, 0)
	if pos < 0 {
		if len(b) > 0 {
			return [][]byte{b}
		}
		return nil
	}
	start := pos + n
	for {
		next, nn := findStartCode(b, start)
		if next < 0 {
			if nalu := trimTrailingZeros(b[start:]); len(nalu) > 0 {
				nalus = append(nalus, nalu)
			}
			return nalus
		}
		if nalu := trimTrailingZeros(b[start:next]); len(nalu) > 0 {
			nalus = append(nalus, nalu)
		}
		start = next + nn
	}
}

func trimTrailingZeros(b []byte) []byte {
	return bytes.TrimRight(b, "\x00")
}

// ContainsIDR reports whether an Annex B access unit carries an IDR slice.
func ContainsIDR(au []byte) bool {
	for _, nalu := range SplitNALUs(au) {
		if NALType(nalu) == NALTypeIDR {
			return true
		}
	}
	return false
}

// ParameterSets returns the first SPS and PPS found in an Annex B buffer.
func ParameterSets(au []byte) (sps, pps []byte) {
	for _, nalu := range SplitNALUs(au) {
		switch NALType(nalu) {
		case NALTypeSPS:
			if sps == nil {
				sps = nalu
			}
		case NALTypePPS:
			if pps == nil {
				pps = nalu
			}
		}
	}
	return sps, pps
}

// AnnexBToAVCC rewrites an access unit with 4-byte big-endian length
// prefixes, dropping access unit delimiters. Parameter sets are dropped
// too when keepParams is false.
func AnnexBToAVCC(au []byte, keepParams bool) []byte {
	out := make([]byte, 0, len(au)+16)
	var size [4]byte
	for _, nalu := range SplitNALUs(au) {
		switch NALType(nalu) {
		case NALTypeAUD:
			continue
		case NALTypeSPS, NALTypePPS:
			if !keepParams {
				continue
			}
		}
		binary.BigEndian.PutUint32(size[:], uint32(len(nalu)))
		out = append(out, size[:]...)
		out = append(out, nalu...)
	}
	return out
}

// AccessUnitSplitter cuts a continuous Annex B byte stream into access
// units on access unit delimiters. The stream must carry an AUD at the
// start of every access unit.
type AccessUnitSplitter struct {
	buf  []byte
	scan int
}

// Push appends data and returns every access unit completed by it.
func (s *AccessUnitSplitter) Push(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var units [][]byte
	for {
		pos, n := findStartCode(s.buf, s.scan)
		if pos < 0 {
			// keep the last bytes, a start code may straddle the boundary
			if tail := len(s.buf) - 3; tail > s.scan {
				s.scan = tail
			}
			return units
		}
		if pos+n >= len(s.buf) {
			s.scan = pos
			return units
		}
		if pos > 0 && NALType(s.buf[pos+n:]) == NALTypeAUD {
			unit := make([]byte, pos)
			copy(unit, s.buf[:pos])
			units = append(units, unit)
			s.buf = append(s.buf[:0], s.buf[pos:]...)
			s.scan = n
			continue
		}
		s.scan = pos + n
	}
}

// Flush returns whatever is buffered as the final access unit.
func (s *AccessUnitSplitter) Flush() []byte {
	if len(s.buf) == 0 {
		return nil
	}
	unit := s.buf
	s.buf = nil
	s.scan = 0
	return unit
}
