// Package codec defines the encoder capability used by the recording
// engine and provides ffmpeg-backed implementations of it.
package codec

import (
	"errors"

	"clipstream/internal/media"
)

var (
	ErrUnavailable    = errors.New("codec: encoder unavailable")
	ErrNotInitialized = errors.New("codec: encoder not initialized")
	ErrInvalidConfig  = errors.New("codec: invalid encoder configuration")
	ErrFormatMismatch = errors.New("codec: input does not match encoder format")
)

// VideoConfig is the init contract of a video encoder.
type VideoConfig struct {
	Width       int
	Height      int
	FPS         int
	BitrateKbps int
	// CRF selects quality-driven rate control when non-zero.
	CRF             int
	ConstantQuality bool
	Speed           string
	// KeyframeInterval is in frames; zero means two seconds.
	KeyframeInterval int
}

func (c VideoConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 || c.FPS <= 0 {
		return ErrInvalidConfig
	}
	if c.BitrateKbps <= 0 && c.CRF <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

func (c VideoConfig) GOP() int {
	if c.KeyframeInterval > 0 {
		return c.KeyframeInterval
	}
	return 2 * c.FPS
}

// VideoConfigFor derives an encoder configuration from a resolved preset.
func VideoConfigFor(s media.PresetSettings, width, height, fps int) VideoConfig {
	return VideoConfig{
		Width:           width,
		Height:          height,
		FPS:             fps,
		BitrateKbps:     s.Tuning.BitrateKbps,
		CRF:             s.Tuning.CRF,
		ConstantQuality: s.Tuning.ConstantQuality,
		Speed:           s.Tuning.Speed,
	}
}

// AudioConfig is the init contract of an audio encoder. Input is
// interleaved float32 PCM at SampleRate with Channels channels.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	BitrateKbps int
}

func (c AudioConfig) Validate() error {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Stats counts encoder activity since Init.
type Stats struct {
	FramesIn  uint64 `json:"frames_in"`
	PacketOut uint64 `json:"packets_out"`
	Keyframes uint64 `json:"keyframes"`
	BytesOut  uint64 `json:"bytes_out"`
}

func (s *Stats) count(p media.Packet) {
	s.PacketOut++
	s.BytesOut += uint64(len(p.Data))
	if p.Keyframe {
		s.Keyframes++
	}
}

// VideoEncoder turns raw frames into compressed packets. EncodeFrame may
// return no packets while the encoder is buffering. Implementations are
// not safe for concurrent use.
type VideoEncoder interface {
	Codec() media.VideoCodec
	Init(cfg VideoConfig) error
	EncodeFrame(raw []byte, format media.PixelFormat, timestampUs int64) ([]media.Packet, error)
	RequestKeyframe()
	SetBitrate(kbps int) error
	Flush() ([]media.Packet, error)
	Cleanup()
	Stats() Stats
}

// AudioEncoder turns interleaved float32 PCM into compressed packets.
type AudioEncoder interface {
	Codec() media.AudioCodec
	Init(cfg AudioConfig) error
	EncodeChunk(samples []float32, timestampUs int64) ([]media.Packet, error)
	Flush() ([]media.Packet, error)
	Cleanup()
	Stats() Stats
	// OutputSampleRate is the rate of the encoded stream, which can differ
	// from the input rate (Opus always runs at 48 kHz).
	OutputSampleRate() int
}

// Provider hands out encoders by codec. Absence of a codec is a normal
// runtime condition, callers query availability first.
type Provider interface {
	VideoAvailable(c media.VideoCodec) bool
	AudioAvailable(c media.AudioCodec) bool
	NewVideoEncoder(c media.VideoCodec) (VideoEncoder, error)
	NewAudioEncoder(c media.AudioCodec) (AudioEncoder, error)
}
