package bitstream

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const oggHeaderSize = 27

// OggReader reassembles packets of a single logical Ogg stream.
type OggReader struct {
	r       *bufio.Reader
	pending [][]byte
	partial []byte
}

func NewOggReader(r io.Reader) *OggReader {
	return &OggReader{r: bufio.NewReader(r)}
}

// ReadPacket returns the next complete packet or io.EOF.
func (or *OggReader) ReadPacket() ([]byte, error) {
	for len(or.pending) == 0 {
		if err := or.readPage(); err != nil {
			return nil, err
		}
	}
	p := or.pending[0]
	or.pending = or.pending[1:]
	return p, nil
}

func (or *OggReader) readPage() error {
	var hdr [oggHeaderSize]byte
	if _, err := io.ReadFull(or.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return errors.Wrap(err, "ogg: truncated page header")
		}
		return err
	}
	if string(hdr[0:4]) != "OggS" {
		return errors.New("ogg: bad capture pattern")
	}

	lacing := make([]byte, hdr[26])
	if _, err := io.ReadFull(or.r, lacing); err != nil {
		return errors.Wrap(err, "ogg: truncated segment table")
	}
	total := 0
	for _, l := range lacing {
		total += int(l)
	}
	body := make([]byte, total)
	if _, err := io.ReadFull(or.r, body); err != nil {
		return errors.Wrap(err, "ogg: truncated page body")
	}

	// a page that does not continue a packet discards any stale partial
	if hdr[5]&0x01 == 0 {
		or.partial = nil
	}

	pos := 0
	for _, l := range lacing {
		or.partial = append(or.partial, body[pos:pos+int(l)]...)
		pos += int(l)
		if l < 255 {
			or.pending = append(or.pending, or.partial)
			or.partial = nil
		}
	}
	return nil
}

// IsOpusHeader reports whether a packet is an OpusHead or OpusTags header.
func IsOpusHeader(packet []byte) bool {
	return bytes.HasPrefix(packet, []byte("OpusHead")) || bytes.HasPrefix(packet, []byte("OpusTags"))
}

// OpusPacketSamples returns the number of 48 kHz samples per channel
// carried by an Opus packet, derived from its TOC byte.
func OpusPacketSamples(packet []byte) int {
	if len(packet) == 0 {
		return 0
	}
	toc := packet[0]
	config := int(toc >> 3)

	var frame int // in units of 1/400 s (120 samples at 48 kHz)
	switch {
	case config < 12: // SILK: 10, 20, 40, 60 ms
		frame = []int{4, 8, 16, 24}[config%4]
	case config < 16: // hybrid: 10, 20 ms
		frame = []int{4, 8}[config%2]
	default: // CELT: 2.5, 5, 10, 20 ms
		frame = []int{1, 2, 4, 8}[config%4]
	}

	count := 1
	switch toc & 0x03 {
	case 1, 2:
		count = 2
	case 3:
		if len(packet) < 2 {
			return 0
		}
		count = int(packet[1] & 0x3f)
	}
	return frame * 120 * count
}

// oggCRC computes the Ogg page checksum (CRC-32, polynomial 0x04c11db7,
// no reflection, zero initial value).
func oggCRC(page []byte) uint32 {
	var crc uint32
	for _, b := range page {
		crc = crc<<8 ^ oggDirectTable[byte(crc>>24)^b]
	}
	return crc
}

var oggDirectTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

// WriteOggPage writes one page holding the given complete packets. Used by
// tests to build streams in the shape ffmpeg emits.
func WriteOggPage(w io.Writer, serial, sequence uint32, granule uint64, flags byte, packets ...[]byte) error {
	var lacing []byte
	var body []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			lacing = append(lacing, 255)
			n -= 255
		}
		lacing = append(lacing, byte(n))
		body = append(body, p...)
	}
	if len(lacing) > 255 {
		return errors.New("ogg: too many segments for one page")
	}

	page := make([]byte, oggHeaderSize, oggHeaderSize+len(lacing)+len(body))
	copy(page, "OggS")
	page[5] = flags
	binary.LittleEndian.PutUint64(page[6:14], granule)
	binary.LittleEndian.PutUint32(page[14:18], serial)
	binary.LittleEndian.PutUint32(page[18:22], sequence)
	page[26] = byte(len(lacing))
	page = append(page, lacing...)
	page = append(page, body...)
	binary.LittleEndian.PutUint32(page[22:26], oggCRC(page))

	_, err := w.Write(page)
	return err
}
