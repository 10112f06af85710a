package bitstream

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// AVCDecoderConfig builds an AVCDecoderConfigurationRecord (avcC) from one
// SPS and one PPS, with 4-byte NAL length fields.
func AVCDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 {
		return nil, errors.New("bitstream: sps too short")
	}
	if len(pps) == 0 {
		return nil, errors.New("bitstream: missing pps")
	}

	rec := make([]byte, 0, 11+len(sps)+len(pps))
	rec = append(rec,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xff,   // lengthSizeMinusOne = 3
		0xe1,   // one SPS
	)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(sps)))
	rec = append(rec, sps...)
	rec = append(rec, 1)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(pps)))
	rec = append(rec, pps...)
	return rec, nil
}

var aacSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// AACSamplingIndex maps a sample rate to its MPEG-4 sampling frequency index.
func AACSamplingIndex(rate int) (int, bool) {
	for i, r := range aacSampleRates {
		if r == rate {
			return i, true
		}
	}
	return 0, false
}

// AudioSpecificConfig builds the two-byte AAC-LC AudioSpecificConfig.
func AudioSpecificConfig(sampleRate, channels int) ([]byte, error) {
	idx, ok := AACSamplingIndex(sampleRate)
	if !ok {
		return nil, errors.Errorf("bitstream: unsupported aac sample rate %d", sampleRate)
	}
	if channels < 1 || channels > 7 {
		return nil, errors.Errorf("bitstream: unsupported aac channel count %d", channels)
	}
	const objectTypeLC = 2
	v := uint16(objectTypeLC)<<11 | uint16(idx)<<7 | uint16(channels)<<3
	return binary.BigEndian.AppendUint16(nil, v), nil
}

// OpusPreSkip is the encoder delay libopus reports at 48 kHz.
const OpusPreSkip = 312

// OpusHead builds the identification header used as Opus codec private data
// (channel mapping family 0, so at most two channels).
func OpusHead(channels, inputSampleRate int) []byte {
	if channels < 1 {
		channels = 1
	}
	if channels > 2 {
		channels = 2
	}
	head := make([]byte, 0, 19)
	head = append(head, "OpusHead"...)
	head = append(head, 1, byte(channels))
	head = binary.LittleEndian.AppendUint16(head, OpusPreSkip)
	head = binary.LittleEndian.AppendUint32(head, uint32(inputSampleRate))
	head = binary.LittleEndian.AppendUint16(head, 0) // output gain
	head = append(head, 0)                           // mapping family
	return head
}
