// Package capture provides a synthetic audio/video source: moving colour
// bars and a sine tone, paced in real time.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"clipstream/internal/logging"
	"clipstream/internal/media"
)

// Sink receives what the source produces. recording.Manager implements it.
type Sink interface {
	SubmitVideoFrame(data []byte, width, height int, format media.PixelFormat, timestampUs int64) error
	SubmitAudioChunk(samples []float32, sampleRate, channels int, timestampUs int64) error
}

type Config struct {
	Width      int
	Height     int
	FPS        int
	SampleRate int
	Channels   int
	// ToneHz is the sine frequency; zero means 440 Hz.
	ToneHz float64
	// ChunkDuration is the length of one audio chunk; zero means 20 ms.
	ChunkDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.ToneHz == 0 {
		c.ToneHz = 440
	}
	if c.ChunkDuration == 0 {
		c.ChunkDuration = 20 * time.Millisecond
	}
	return c
}

func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 || c.FPS <= 0 {
		return fmt.Errorf("invalid video format %dx%d@%d", c.Width, c.Height, c.FPS)
	}
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return fmt.Errorf("invalid audio format %d Hz, %d channels", c.SampleRate, c.Channels)
	}
	return nil
}

type Stats struct {
	VideoFrames uint64 `json:"video_frames"`
	AudioChunks uint64 `json:"audio_chunks"`
	Rejected    uint64 `json:"rejected"`
}

// Source generates frames and chunks with timestamps derived from their
// index, so a run is reproducible regardless of scheduling jitter.
type Source struct {
	cfg    Config
	logger *slog.Logger

	videoFrames atomic.Uint64
	audioChunks atomic.Uint64
	rejected    atomic.Uint64
}

func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Source{cfg: cfg, logger: logging.Component(logger, "capture")}, nil
}

// Run feeds sink until ctx is done. Rejected submissions are counted and
// the source keeps going.
func (s *Source) Run(ctx context.Context, sink Sink) error {
	s.logger.Info("synthetic source starting",
		"width", s.cfg.Width, "height", s.cfg.Height, "fps", s.cfg.FPS,
		"sample_rate", s.cfg.SampleRate, "channels", s.cfg.Channels)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.pace(ctx, time.Second/time.Duration(s.cfg.FPS), func(n int64) {
			err := sink.SubmitVideoFrame(s.VideoFrame(n), s.cfg.Width, s.cfg.Height, media.PixelFormatRGBA, s.frameTimestamp(n))
			s.count(&s.videoFrames, err)
		})
	})
	g.Go(func() error {
		return s.pace(ctx, s.cfg.ChunkDuration, func(n int64) {
			err := sink.SubmitAudioChunk(s.AudioChunk(n), s.cfg.SampleRate, s.cfg.Channels, s.chunkTimestamp(n))
			s.count(&s.audioChunks, err)
		})
	})

	err := g.Wait()
	st := s.Stats()
	s.logger.Info("synthetic source stopped", "video_frames", st.VideoFrames,
		"audio_chunks", st.AudioChunks, "rejected", st.Rejected)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Source) pace(ctx context.Context, every time.Duration, emit func(n int64)) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for n := int64(0); ; n++ {
		emit(n)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Source) count(c *atomic.Uint64, err error) {
	if err != nil {
		if s.rejected.Add(1) == 1 {
			s.logger.Warn("sink rejected input", "error", err)
		}
		return
	}
	c.Add(1)
}

func (s *Source) Stats() Stats {
	return Stats{
		VideoFrames: s.videoFrames.Load(),
		AudioChunks: s.audioChunks.Load(),
		Rejected:    s.rejected.Load(),
	}
}

func (s *Source) frameTimestamp(n int64) int64 {
	return n * 1_000_000 / int64(s.cfg.FPS)
}

func (s *Source) chunkTimestamp(n int64) int64 {
	return n * s.cfg.ChunkDuration.Microseconds()
}

var bars = [...][3]byte{
	{192, 192, 192},
	{192, 192, 0},
	{0, 192, 192},
	{0, 192, 0},
	{192, 0, 192},
	{192, 0, 0},
	{0, 0, 192},
}

// VideoFrame renders frame n as RGBA colour bars with a white column that
// sweeps across once a second.
func (s *Source) VideoFrame(n int64) []byte {
	w, h := s.cfg.Width, s.cfg.Height
	frame := make([]byte, w*h*4)
	sweep := int(n%int64(s.cfg.FPS)) * w / s.cfg.FPS

	for x := range w {
		c := bars[x*len(bars)/w]
		if x == sweep {
			c = [3]byte{255, 255, 255}
		}
		for y := range h {
			i := (y*w + x) * 4
			frame[i], frame[i+1], frame[i+2], frame[i+3] = c[0], c[1], c[2], 255
		}
	}
	return frame
}

// AudioChunk renders chunk n of the tone, interleaved across all channels.
func (s *Source) AudioChunk(n int64) []float32 {
	frames := int(s.cfg.ChunkDuration.Microseconds() * int64(s.cfg.SampleRate) / 1_000_000)
	out := make([]float32, frames*s.cfg.Channels)
	start := n * int64(frames)
	step := 2 * math.Pi * s.cfg.ToneHz / float64(s.cfg.SampleRate)

	for i := range frames {
		v := float32(0.25 * math.Sin(step*float64(start+int64(i))))
		for ch := range s.cfg.Channels {
			out[i*s.cfg.Channels+ch] = v
		}
	}
	return out
}
