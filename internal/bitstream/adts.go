package bitstream

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

// ADTSFrame is one AAC frame with its ADTS header removed.
type ADTSFrame struct {
	Payload    []byte
	SampleRate int
	Channels   int
	// Samples per channel carried by the frame.
	Samples int
}

type ADTSReader struct {
	r *bufio.Reader
}

func NewADTSReader(r io.Reader) *ADTSReader {
	return &ADTSReader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next frame or io.EOF at a clean end of stream.
func (ar *ADTSReader) ReadFrame() (ADTSFrame, error) {
	var hdr [7]byte
	if _, err := io.ReadFull(ar.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return ADTSFrame{}, errors.Wrap(err, "adts: truncated header")
		}
		return ADTSFrame{}, err
	}
	if hdr[0] != 0xff || hdr[1]&0xf0 != 0xf0 {
		return ADTSFrame{}, errors.New("adts: lost sync")
	}

	protectionAbsent := hdr[1]&0x01 == 1
	freqIdx := int(hdr[2]>>2) & 0x0f
	channels := int(hdr[2]&0x01)<<2 | int(hdr[3]>>6)
	frameLen := int(hdr[3]&0x03)<<11 | int(hdr[4])<<3 | int(hdr[5]>>5)
	blocks := int(hdr[6]&0x03) + 1

	headerLen := 7
	if !protectionAbsent {
		headerLen = 9
	}
	if frameLen < headerLen {
		return ADTSFrame{}, errors.Errorf("adts: invalid frame length %d", frameLen)
	}

	rest := make([]byte, frameLen-7)
	if _, err := io.ReadFull(ar.r, rest); err != nil {
		return ADTSFrame{}, errors.Wrap(err, "adts: truncated frame")
	}

	rate := 0
	if freqIdx < len(aacSampleRates) {
		rate = aacSampleRates[freqIdx]
	}
	return ADTSFrame{
		Payload:    rest[headerLen-7:],
		SampleRate: rate,
		Channels:   channels,
		Samples:    1024 * blocks,
	}, nil
}

// ADTSHeader builds a 7-byte ADTS header (no CRC) for an AAC-LC payload.
func ADTSHeader(payloadLen, sampleRate, channels int) ([]byte, error) {
	idx, ok := AACSamplingIndex(sampleRate)
	if !ok {
		return nil, errors.Errorf("adts: unsupported sample rate %d", sampleRate)
	}
	frameLen := payloadLen + 7
	const profileLC = 1 // object type minus one
	return []byte{
		0xff,
		0xf1,
		byte(profileLC<<6) | byte(idx<<2) | byte(channels>>2&0x01),
		byte(channels&0x03)<<6 | byte(frameLen>>11&0x03),
		byte(frameLen >> 3),
		byte(frameLen&0x07)<<5 | 0x1f,
		0xfc,
	}, nil
}
