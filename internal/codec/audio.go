package codec

import (
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"clipstream/internal/bitstream"
	"clipstream/internal/media"
)

const opusSampleRate = 48000

// ffmpegAudioEncoder pipes interleaved float32 PCM into an ffmpeg child and
// reads back ADTS (AAC) or Ogg (Opus). Packet timestamps are derived from
// the first chunk's timestamp plus the samples emitted so far.
type ffmpegAudioEncoder struct {
	ffmpeg  *FFmpeg
	codec   media.AudioCodec
	encoder string
	logger  *slog.Logger

	cfg         AudioConfig
	initialized bool
	proc        *process
	scratch     []byte

	mu      sync.Mutex
	baseTs  int64
	emitted int64 // samples per channel at the output rate
	ready   []media.Packet
	stats   Stats
}

func newFFmpegAudioEncoder(f *FFmpeg, c media.AudioCodec, encoder string) *ffmpegAudioEncoder {
	return &ffmpegAudioEncoder{ffmpeg: f, codec: c, encoder: encoder, logger: f.logger}
}

func (e *ffmpegAudioEncoder) Codec() media.AudioCodec {
	return e.codec
}

func (e *ffmpegAudioEncoder) OutputSampleRate() int {
	if e.codec == media.AudioCodecOpus {
		return opusSampleRate
	}
	return e.cfg.SampleRate
}

func (e *ffmpegAudioEncoder) Init(cfg AudioConfig) error {
	if e.encoder == "" {
		return errors.Wrapf(ErrUnavailable, "no ffmpeg encoder for %s", e.codec)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if e.codec == media.AudioCodecAAC {
		if _, ok := bitstream.AACSamplingIndex(cfg.SampleRate); !ok {
			return errors.Wrapf(ErrInvalidConfig, "aac sample rate %d", cfg.SampleRate)
		}
	}
	if cfg.BitrateKbps <= 0 {
		cfg.BitrateKbps = 160
	}
	e.cfg = cfg
	e.initialized = true
	return nil
}

func (e *ffmpegAudioEncoder) EncodeChunk(samples []float32, timestampUs int64) ([]media.Packet, error) {
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	if len(samples) == 0 || len(samples)%e.cfg.Channels != 0 {
		return nil, errors.Wrapf(ErrFormatMismatch, "%d samples for %d channels", len(samples), e.cfg.Channels)
	}

	if e.proc == nil {
		proc, err := startProcess(e.ffmpeg.Path(), audioArgs(e.encoder, e.codec, e.cfg), e.readOutput)
		if err != nil {
			return nil, err
		}
		e.proc = proc
		e.mu.Lock()
		e.baseTs = timestampUs
		e.emitted = 0
		e.mu.Unlock()
		e.logger.Debug("audio encoder started", "codec", e.codec, "encoder", e.encoder)
	}

	e.scratch = e.scratch[:0]
	for _, s := range samples {
		e.scratch = appendFloat32(e.scratch, s)
	}

	e.mu.Lock()
	e.stats.FramesIn++
	e.mu.Unlock()

	if err := e.proc.write(e.scratch); err != nil {
		e.proc.kill()
		e.proc = nil
		return e.takeReady(), err
	}
	return e.takeReady(), nil
}

func (e *ffmpegAudioEncoder) Flush() ([]media.Packet, error) {
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	var err error
	if e.proc != nil {
		err = e.proc.finish()
		e.proc = nil
	}
	return e.takeReady(), err
}

func (e *ffmpegAudioEncoder) Cleanup() {
	if e.proc != nil {
		e.proc.kill()
		e.proc = nil
	}
	e.mu.Lock()
	e.ready = nil
	e.mu.Unlock()
	e.initialized = false
}

func (e *ffmpegAudioEncoder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *ffmpegAudioEncoder) readOutput(r io.Reader) error {
	if e.codec == media.AudioCodecAAC {
		adts := bitstream.NewADTSReader(r)
		for {
			frame, err := adts.ReadFrame()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			e.emit(frame.Payload, frame.Samples)
		}
	}

	ogg := bitstream.NewOggReader(r)
	for {
		packet, err := ogg.ReadPacket()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if bitstream.IsOpusHeader(packet) {
			continue
		}
		e.emit(packet, bitstream.OpusPacketSamples(packet))
	}
}

func (e *ffmpegAudioEncoder) emit(data []byte, samples int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rate := int64(e.OutputSampleRate())
	p := media.Packet{
		Kind:        media.KindAudio,
		Data:        data,
		TimestampUs: e.baseTs + e.emitted*1_000_000/rate,
		DurationUs:  int64(samples) * 1_000_000 / rate,
		Keyframe:    true,
	}
	e.emitted += int64(samples)
	e.stats.count(p)
	e.ready = append(e.ready, p)
}

func (e *ffmpegAudioEncoder) takeReady() []media.Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.ready
	e.ready = nil
	return out
}

func audioArgs(encoder string, c media.AudioCodec, cfg AudioConfig) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "f32le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"-i", "pipe:0",
		"-vn",
		"-c:a", encoder,
		"-b:a", strconv.Itoa(cfg.BitrateKbps) + "k",
	}
	if c == media.AudioCodecOpus {
		return append(args,
			"-ar", strconv.Itoa(opusSampleRate),
			"-frame_duration", "20",
			"-page_duration", "20000",
			"-flush_packets", "1",
			"-f", "ogg", "pipe:1")
	}
	return append(args, "-f", "adts", "pipe:1")
}
