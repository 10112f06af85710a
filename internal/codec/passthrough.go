package codec

import (
	"encoding/binary"
	"math"
	"sync"

	"clipstream/internal/media"
)

// PassthroughVideo emits every raw frame unchanged as one packet, with a
// keyframe every GOP frames. It stands in for a real encoder in tests and
// dry runs.
type PassthroughVideo struct {
	codec media.VideoCodec

	mu          sync.Mutex
	cfg         VideoConfig
	initialized bool
	frame       int
	forceKey    bool
	stats       Stats
}

// NewPassthroughVideo creates a passthrough encoder reporting codec c.
func NewPassthroughVideo(c media.VideoCodec) *PassthroughVideo {
	return &PassthroughVideo{codec: c}
}

func (p *PassthroughVideo) Codec() media.VideoCodec { return p.codec }

func (p *PassthroughVideo) Init(cfg VideoConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.initialized = true
	p.frame = 0
	return nil
}

func (p *PassthroughVideo) EncodeFrame(raw []byte, format media.PixelFormat, timestampUs int64) ([]media.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil, ErrNotInitialized
	}

	key := p.forceKey || p.frame%p.cfg.GOP() == 0
	p.forceKey = false
	p.frame++

	data := make([]byte, len(raw))
	copy(data, raw)
	pkt := media.Packet{
		Kind:        media.KindVideo,
		Data:        data,
		TimestampUs: timestampUs,
		DurationUs:  1_000_000 / int64(p.cfg.FPS),
		Keyframe:    key,
	}
	p.stats.FramesIn++
	p.stats.count(pkt)
	return []media.Packet{pkt}, nil
}

func (p *PassthroughVideo) RequestKeyframe() {
	p.mu.Lock()
	p.forceKey = true
	p.mu.Unlock()
}

func (p *PassthroughVideo) SetBitrate(kbps int) error {
	if kbps <= 0 {
		return ErrInvalidConfig
	}
	p.mu.Lock()
	p.cfg.BitrateKbps = kbps
	p.mu.Unlock()
	return nil
}

func (p *PassthroughVideo) Flush() ([]media.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil, ErrNotInitialized
	}
	return nil, nil
}

func (p *PassthroughVideo) Cleanup() {
	p.mu.Lock()
	p.initialized = false
	p.mu.Unlock()
}

func (p *PassthroughVideo) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// PassthroughAudio packs each PCM chunk as little-endian float32 bytes.
type PassthroughAudio struct {
	codec media.AudioCodec

	mu          sync.Mutex
	cfg         AudioConfig
	initialized bool
	stats       Stats
}

func NewPassthroughAudio(c media.AudioCodec) *PassthroughAudio {
	return &PassthroughAudio{codec: c}
}

func (p *PassthroughAudio) Codec() media.AudioCodec { return p.codec }

func (p *PassthroughAudio) OutputSampleRate() int { return p.cfg.SampleRate }

func (p *PassthroughAudio) Init(cfg AudioConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.initialized = true
	return nil
}

func (p *PassthroughAudio) EncodeChunk(samples []float32, timestampUs int64) ([]media.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil, ErrNotInitialized
	}
	if len(samples) == 0 || len(samples)%p.cfg.Channels != 0 {
		return nil, ErrFormatMismatch
	}

	data := make([]byte, 0, len(samples)*4)
	for _, s := range samples {
		data = appendFloat32(data, s)
	}
	frames := int64(len(samples) / p.cfg.Channels)
	pkt := media.Packet{
		Kind:        media.KindAudio,
		Data:        data,
		TimestampUs: timestampUs,
		DurationUs:  frames * 1_000_000 / int64(p.cfg.SampleRate),
		Keyframe:    true,
	}
	p.stats.FramesIn++
	p.stats.count(pkt)
	return []media.Packet{pkt}, nil
}

func (p *PassthroughAudio) Flush() ([]media.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil, ErrNotInitialized
	}
	return nil, nil
}

func (p *PassthroughAudio) Cleanup() {
	p.mu.Lock()
	p.initialized = false
	p.mu.Unlock()
}

func (p *PassthroughAudio) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// NewPassthroughRegistry returns a Registry whose every codec is served by
// the passthrough encoders.
func NewPassthroughRegistry() *Registry {
	r := NewRegistry()
	for _, c := range []media.VideoCodec{media.VideoCodecH264, media.VideoCodecVP9, media.VideoCodecAV1} {
		r.RegisterVideo(c, "passthrough", nil, func() VideoEncoder { return NewPassthroughVideo(c) })
	}
	for _, c := range []media.AudioCodec{media.AudioCodecAAC, media.AudioCodecOpus} {
		r.RegisterAudio(c, "passthrough", nil, func() AudioEncoder { return NewPassthroughAudio(c) })
	}
	return r
}

func appendFloat32(b []byte, f float32) []byte {
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
}
