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

// ffmpegVideoEncoder pipes raw frames into an ffmpeg child and reads back an
// elementary stream: Annex B for H.264, IVF for VP9 and AV1. The child is
// started on the first frame, when the pixel format is known.
type ffmpegVideoEncoder struct {
	ffmpeg  *FFmpeg
	codec   media.VideoCodec
	encoder string
	logger  *slog.Logger

	cfg         VideoConfig
	initialized bool
	proc        *process
	format      media.PixelFormat
	restart     bool
	frameUs     int64

	mu      sync.Mutex
	ready   []media.Packet
	pending []int64 // input timestamps awaiting output, FIFO
	lastTs  int64
	stats   Stats
}

func newFFmpegVideoEncoder(f *FFmpeg, c media.VideoCodec, encoder string) *ffmpegVideoEncoder {
	return &ffmpegVideoEncoder{ffmpeg: f, codec: c, encoder: encoder, logger: f.logger}
}

func (e *ffmpegVideoEncoder) Codec() media.VideoCodec {
	return e.codec
}

func (e *ffmpegVideoEncoder) Init(cfg VideoConfig) error {
	if e.encoder == "" {
		return errors.Wrapf(ErrUnavailable, "no ffmpeg encoder for %s", e.codec)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg = cfg
	e.frameUs = 1_000_000 / int64(cfg.FPS)
	e.initialized = true
	return nil
}

func (e *ffmpegVideoEncoder) EncodeFrame(raw []byte, format media.PixelFormat, timestampUs int64) ([]media.Packet, error) {
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	if want := format.FrameSize(e.cfg.Width, e.cfg.Height); want == 0 || len(raw) != want {
		return nil, errors.Wrapf(ErrFormatMismatch, "%s frame of %d bytes for %dx%d", format, len(raw), e.cfg.Width, e.cfg.Height)
	}

	if e.proc != nil && (e.restart || format != e.format) {
		if err := e.stopProcess(); err != nil {
			e.logger.Warn("video encoder restart", "codec", e.codec, "error", err)
		}
	}
	if e.proc == nil {
		if err := e.startProcess(format); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.pending = append(e.pending, timestampUs)
	e.stats.FramesIn++
	e.mu.Unlock()

	if err := e.proc.write(raw); err != nil {
		e.proc.kill()
		e.proc = nil
		return e.takeReady(), err
	}
	return e.takeReady(), nil
}

// RequestKeyframe restarts the child on the next frame; a fresh stream
// always opens with a keyframe.
func (e *ffmpegVideoEncoder) RequestKeyframe() {
	e.restart = true
}

func (e *ffmpegVideoEncoder) SetBitrate(kbps int) error {
	if kbps <= 0 {
		return ErrInvalidConfig
	}
	e.cfg.BitrateKbps = kbps
	e.restart = true
	return nil
}

func (e *ffmpegVideoEncoder) Flush() ([]media.Packet, error) {
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	var err error
	if e.proc != nil {
		err = e.stopProcess()
	}
	return e.takeReady(), err
}

func (e *ffmpegVideoEncoder) Cleanup() {
	if e.proc != nil {
		e.proc.kill()
		e.proc = nil
	}
	e.mu.Lock()
	e.ready = nil
	e.pending = nil
	e.mu.Unlock()
	e.initialized = false
}

func (e *ffmpegVideoEncoder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *ffmpegVideoEncoder) startProcess(format media.PixelFormat) error {
	args := videoArgs(e.encoder, e.codec, e.cfg, format)
	proc, err := startProcess(e.ffmpeg.Path(), args, e.readOutput)
	if err != nil {
		return err
	}
	e.proc = proc
	e.format = format
	e.restart = false
	e.logger.Debug("video encoder started", "codec", e.codec, "encoder", e.encoder, "format", format)
	return nil
}

func (e *ffmpegVideoEncoder) stopProcess() error {
	err := e.proc.finish()
	e.proc = nil
	e.mu.Lock()
	// frames the child swallowed without output are gone
	e.pending = e.pending[:0]
	e.mu.Unlock()
	return err
}

func (e *ffmpegVideoEncoder) readOutput(r io.Reader) error {
	if e.codec == media.VideoCodecH264 {
		return e.readAnnexB(r)
	}
	return e.readIVF(r)
}

func (e *ffmpegVideoEncoder) readAnnexB(r io.Reader) error {
	var splitter bitstream.AccessUnitSplitter
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		for _, au := range splitter.Push(buf[:n]) {
			e.emit(au, bitstream.ContainsIDR(au))
		}
		if err == io.EOF {
			if au := splitter.Flush(); au != nil {
				e.emit(au, bitstream.ContainsIDR(au))
			}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "h264: read output")
		}
	}
}

func (e *ffmpegVideoEncoder) readIVF(r io.Reader) error {
	ivf := bitstream.NewIVFReader(r)
	for {
		frame, _, err := ivf.ReadFrame()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		key := bitstream.VP9IsKeyframe(frame)
		if e.codec == media.VideoCodecAV1 {
			key = bitstream.AV1IsKeyframe(frame)
		}
		e.emit(frame, key)
	}
}

// emit pairs an output frame with the oldest pending input timestamp. The
// encoders run without frame reordering, so output order is input order.
func (e *ffmpegVideoEncoder) emit(data []byte, keyframe bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.lastTs + e.frameUs
	if len(e.pending) > 0 {
		ts = e.pending[0]
		e.pending = e.pending[1:]
	}
	e.lastTs = ts

	p := media.Packet{
		Kind:        media.KindVideo,
		Data:        data,
		TimestampUs: ts,
		DurationUs:  e.frameUs,
		Keyframe:    keyframe,
	}
	e.stats.count(p)
	e.ready = append(e.ready, p)
}

func (e *ffmpegVideoEncoder) takeReady() []media.Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.ready
	e.ready = nil
	return out
}

// videoArgs builds the ffmpeg command line for one encoder child.
func videoArgs(encoder string, c media.VideoCodec, cfg VideoConfig, format media.PixelFormat) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "rawvideo",
		"-pix_fmt", string(format),
		"-s", strconv.Itoa(cfg.Width) + "x" + strconv.Itoa(cfg.Height),
		"-r", strconv.Itoa(cfg.FPS),
		"-i", "pipe:0",
		"-an",
		"-c:v", encoder,
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(cfg.GOP()),
	}
	kbps := strconv.Itoa(cfg.BitrateKbps) + "k"

	switch c {
	case media.VideoCodecH264:
		args = append(args, "-preset", cfg.Speed, "-tune", "zerolatency", "-bf", "0",
			"-x264-params", "aud=1:repeat-headers=1")
		if cfg.CRF > 0 {
			args = append(args, "-crf", strconv.Itoa(cfg.CRF))
			if cfg.BitrateKbps > 0 {
				args = append(args, "-maxrate", kbps, "-bufsize", strconv.Itoa(2*cfg.BitrateKbps)+"k")
			}
		} else {
			args = append(args, "-b:v", kbps)
		}
		return append(args, "-f", "h264", "pipe:1")

	case media.VideoCodecVP9:
		args = append(args, "-deadline", "good", "-cpu-used", cfg.Speed,
			"-row-mt", "1", "-lag-in-frames", "0", "-b:v", kbps)
		if cfg.CRF > 0 {
			args = append(args, "-crf", strconv.Itoa(cfg.CRF))
		}
		return append(args, "-f", "ivf", "pipe:1")

	default: // AV1
		if encoder == "libsvtav1" {
			speed, _ := strconv.Atoi(cfg.Speed)
			args = append(args, "-preset", strconv.Itoa(min(2*speed, 12)))
		} else {
			args = append(args, "-cpu-used", cfg.Speed, "-row-mt", "1", "-lag-in-frames", "0")
		}
		if cfg.ConstantQuality && cfg.CRF > 0 {
			args = append(args, "-crf", strconv.Itoa(cfg.CRF))
		}
		args = append(args, "-b:v", kbps)
		return append(args, "-f", "ivf", "pipe:1")
	}
}
