package mux

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"

	"clipstream/internal/bitstream"
	"clipstream/internal/media"
)

// flvMuxer writes H.264/AAC into FLV with go-flv, the tag layout RTMP
// ingest uses. Other codecs have no FLV mapping.
type flvMuxer struct {
	opts options

	file    *os.File
	enc     *flv.Encoder
	tracks  []media.Track
	il      *interleaver
	sentAVC bool

	open   bool
	closed bool
}

func newFLV(o options) *flvMuxer {
	return &flvMuxer{opts: o}
}

func (m *flvMuxer) Open(path string, tracks []media.Track, tags Tags) error {
	if m.closed {
		return ErrClosed
	}
	if err := checkTracks(tracks); err != nil {
		return err
	}

	var hasVideo, hasAudio bool
	for _, t := range tracks {
		switch {
		case t.Kind == media.KindVideo && t.VideoCodec == media.VideoCodecH264:
			hasVideo = true
		case t.Kind == media.KindAudio && t.AudioCodec == media.AudioCodecAAC:
			hasAudio = true
		case t.Kind == media.KindVideo:
			return errors.Wrapf(ErrUnsupportedCodec, "flv: video %s", t.VideoCodec)
		default:
			return errors.Wrapf(ErrUnsupportedCodec, "flv: audio %s", t.AudioCodec)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "flv: create output")
	}
	var enc *flv.Encoder
	switch {
	case hasVideo && hasAudio:
		enc, err = flv.NewEncoder(f, flv.FlagsAudio|flv.FlagsVideo)
	case hasVideo:
		enc, err = flv.NewEncoder(f, flv.FlagsVideo)
	default:
		enc, err = flv.NewEncoder(f, flv.FlagsAudio)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return errors.Wrap(err, "flv: write header")
	}
	m.file = f
	m.enc = enc
	m.tracks = tracks
	m.il = newInterleaver(len(tracks))
	m.open = true

	for i, t := range tracks {
		if t.Kind != media.KindAudio {
			continue
		}
		asc, err := bitstream.AudioSpecificConfig(t.SampleRate, t.Channels)
		if err != nil {
			m.abort(path)
			return err
		}
		if err := m.encodeAudio(0, flvtag.AACPacketTypeSequenceHeader, asc); err != nil {
			m.abort(path)
			return err
		}
		m.opts.logger.Debug("flv audio track", "track", i, "rate", t.SampleRate, "channels", t.Channels)
	}
	return nil
}

func (m *flvMuxer) WritePacket(track int, p media.Packet) error {
	if m.closed {
		return ErrClosed
	}
	if !m.open {
		return ErrNotOpen
	}
	if track < 0 || track >= len(m.tracks) {
		return errors.Errorf("flv: track %d out of range", track)
	}
	for _, q := range m.il.push(track, p) {
		if err := m.write(q); err != nil {
			return err
		}
	}
	return nil
}

func (m *flvMuxer) write(q queued) error {
	ts := uint32(q.pkt.TimestampUs / 1000)
	if m.tracks[q.track].Kind == media.KindAudio {
		return m.encodeAudio(ts, flvtag.AACPacketTypeRaw, q.pkt.Data)
	}

	if !m.sentAVC {
		if !q.pkt.Keyframe {
			return nil
		}
		sps, pps := bitstream.ParameterSets(q.pkt.Data)
		if sps == nil || pps == nil {
			return errors.Wrap(ErrMissingConfig, "flv: h264")
		}
		record, err := bitstream.AVCDecoderConfig(sps, pps)
		if err != nil {
			return err
		}
		if err := m.encodeVideo(ts, true, flvtag.AVCPacketTypeSequenceHeader, record); err != nil {
			return err
		}
		m.sentAVC = true
	}
	return m.encodeVideo(ts, q.pkt.Keyframe, flvtag.AVCPacketTypeNALU, bitstream.AnnexBToAVCC(q.pkt.Data, false))
}

func (m *flvMuxer) encodeVideo(ts uint32, keyframe bool, packetType flvtag.AVCPacketType, data []byte) error {
	frameType := flvtag.FrameTypeInterFrame
	if keyframe {
		frameType = flvtag.FrameTypeKeyFrame
	}
	err := m.enc.Encode(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeVideo,
		Timestamp: ts,
		Data: &flvtag.VideoData{
			FrameType:     frameType,
			CodecID:       flvtag.CodecIDAVC,
			AVCPacketType: packetType,
			Data:          bytes.NewReader(data),
		},
	})
	return errors.Wrap(err, "flv: write video tag")
}

func (m *flvMuxer) encodeAudio(ts uint32, packetType flvtag.AACPacketType, data []byte) error {
	err := m.enc.Encode(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeAudio,
		Timestamp: ts,
		Data: &flvtag.AudioData{
			SoundFormat:   flvtag.SoundFormatAAC,
			SoundRate:     flvtag.SoundRate44kHz,
			SoundSize:     flvtag.SoundSize16Bit,
			SoundType:     flvtag.SoundTypeStereo,
			AACPacketType: packetType,
			Data:          bytes.NewReader(data),
		},
	})
	return errors.Wrap(err, "flv: write audio tag")
}

// Close flushes pending packets. FLV has no chapter support, so chapters
// are logged and dropped.
func (m *flvMuxer) Close(chapters []Chapter) error {
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	if !m.open {
		return nil
	}
	if len(chapters) > 0 {
		m.opts.logger.Debug("flv has no chapters, dropping markers", "count", len(chapters))
	}

	var firstErr error
	for _, q := range m.il.flush() {
		if err := m.write(q); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "flv: close output")
	}
	return firstErr
}

func (m *flvMuxer) abort(path string) {
	_ = m.file.Close()
	_ = os.Remove(path)
	m.open = false
}
