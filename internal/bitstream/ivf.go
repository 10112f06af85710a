package bitstream

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	ivfFileHeaderSize  = 32
	ivfFrameHeaderSize = 12
)

// IVFReader reads frames from an IVF stream.
type IVFReader struct {
	r      *bufio.Reader
	header bool
	FourCC string
}

func NewIVFReader(r io.Reader) *IVFReader {
	return &IVFReader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next frame payload and its presentation timestamp
// in timebase units. It returns io.EOF at a clean end of stream.
func (ir *IVFReader) ReadFrame() ([]byte, uint64, error) {
	if !ir.header {
		var hdr [ivfFileHeaderSize]byte
		if _, err := io.ReadFull(ir.r, hdr[:]); err != nil {
			if err == io.ErrUnexpectedEOF {
				return nil, 0, errors.Wrap(err, "ivf: truncated file header")
			}
			return nil, 0, err
		}
		if string(hdr[0:4]) != "DKIF" {
			return nil, 0, errors.New("ivf: bad signature")
		}
		ir.FourCC = string(hdr[8:12])
		ir.header = true
	}

	var fh [ivfFrameHeaderSize]byte
	if _, err := io.ReadFull(ir.r, fh[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, 0, errors.Wrap(err, "ivf: truncated frame header")
		}
		return nil, 0, err
	}
	size := binary.LittleEndian.Uint32(fh[0:4])
	pts := binary.LittleEndian.Uint64(fh[4:12])

	frame := make([]byte, size)
	if _, err := io.ReadFull(ir.r, frame); err != nil {
		return nil, 0, errors.Wrap(err, "ivf: truncated frame")
	}
	return frame, pts, nil
}

// WriteIVFHeader writes an IVF file header. Used by tests and tools that
// need to feed IVF into ffmpeg.
func WriteIVFHeader(w io.Writer, fourcc string, width, height, rate, scale int) error {
	var hdr [ivfFileHeaderSize]byte
	copy(hdr[0:4], "DKIF")
	binary.LittleEndian.PutUint16(hdr[6:8], ivfFileHeaderSize)
	copy(hdr[8:12], fourcc)
	binary.LittleEndian.PutUint16(hdr[12:14], uint16(width))
	binary.LittleEndian.PutUint16(hdr[14:16], uint16(height))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(rate))
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(scale))
	_, err := w.Write(hdr[:])
	return err
}

// WriteIVFFrame writes one IVF frame.
func WriteIVFFrame(w io.Writer, frame []byte, pts uint64) error {
	var fh [ivfFrameHeaderSize]byte
	binary.LittleEndian.PutUint32(fh[0:4], uint32(len(frame)))
	binary.LittleEndian.PutUint64(fh[4:12], pts)
	if _, err := w.Write(fh[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}
