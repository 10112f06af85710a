// Package replay keeps the most recent seconds of a stream in memory so
// they can be written to a file after the fact.
package replay

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"clipstream/internal/codec"
	"clipstream/internal/logging"
	"clipstream/internal/media"
	"clipstream/internal/mux"
)

const (
	MaxDurationSeconds = 300
	bytesPerMB         = 1024 * 1024
	noHead             = math.MaxInt64
)

var (
	ErrInvalidDuration = errors.New("replay: duration must be between 1 and 300 seconds")
	ErrNoVideoFrames   = errors.New("replay: no video frames to save")
	ErrDestroyed       = errors.New("replay: buffer destroyed")
	ErrEmptyInput      = errors.New("replay: empty frame or chunk")
)

// VideoFrame is one encoded video packet held by the buffer.
type VideoFrame struct {
	Data        []byte
	Width       int
	Height      int
	TimestampUs int64
	Keyframe    bool
}

// AudioChunk is interleaved float32 PCM held by the buffer.
type AudioChunk struct {
	Samples     []float32
	SampleRate  int
	Channels    int
	TimestampUs int64
}

// Stats describes what the buffer currently holds.
type Stats struct {
	VideoFrames     int    `json:"video_frames"`
	AudioChunks     int    `json:"audio_chunks"`
	MemoryUsedMB    uint32 `json:"memory_used_mb"`
	MemoryUsedBytes int64  `json:"memory_used_bytes"`
	DurationSec     uint32 `json:"duration_sec"`
}

type options struct {
	logger     *slog.Logger
	videoCodec media.VideoCodec
	muxers     mux.Factory
	encoders   codec.Provider
	audioKbps  int
}

type Option func(*options)

// WithLogger sets the buffer logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithVideoCodec declares the codec of the packets handed to AddVideoFrame.
func WithVideoCodec(c media.VideoCodec) Option {
	return func(o *options) { o.videoCodec = c }
}

// WithMuxerFactory replaces the muxers used to save clips.
func WithMuxerFactory(f mux.Factory) Option {
	return func(o *options) { o.muxers = f }
}

// WithAudioEncoders sets where Save gets an encoder for the buffered PCM.
// Without one, saved clips carry video only.
func WithAudioEncoders(p codec.Provider) Option {
	return func(o *options) { o.encoders = p }
}

// WithAudioBitrate sets the bitrate audio is encoded at when a clip is
// saved.
func WithAudioBitrate(kbps int) Option {
	return func(o *options) { o.audioKbps = kbps }
}

// Buffer is a pair of rings, video and audio, bounded by a time window and
// a memory ceiling. Each ring has its own lock; an insert takes the other
// ring's lock only when eviction has to reach into it.
type Buffer struct {
	durationSec uint32
	maxMemoryMB uint32
	windowUs    int64
	limit       int64
	opts        options
	logger      *slog.Logger

	videoMu sync.Mutex
	video   []VideoFrame

	audioMu sync.Mutex
	audio   []AudioChunk

	// written under at least one ring lock, read without
	total     atomic.Int64
	newest    atomic.Int64
	videoHead atomic.Int64
	audioHead atomic.Int64
	destroyed atomic.Bool
}

// New creates a buffer holding durationSeconds of stream in at most
// maxMemoryMB. A maxMemoryMB of zero means no memory ceiling.
func New(durationSeconds, maxMemoryMB uint32, opts ...Option) (*Buffer, error) {
	if durationSeconds == 0 || durationSeconds > MaxDurationSeconds {
		return nil, ErrInvalidDuration
	}
	o := options{muxers: mux.NewFactory(), audioKbps: 160}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Buffer{
		durationSec: durationSeconds,
		maxMemoryMB: maxMemoryMB,
		windowUs:    int64(durationSeconds) * 1_000_000,
		limit:       int64(maxMemoryMB) * bytesPerMB,
		opts:        o,
		logger:      logging.Component(o.logger, "replay"),
	}
	b.videoHead.Store(noHead)
	b.audioHead.Store(noHead)
	b.logger.Info("replay buffer created", "seconds", durationSeconds, "max_memory_mb", maxMemoryMB)
	return b, nil
}

func (b *Buffer) DurationSeconds() uint32 { return b.durationSec }

func (b *Buffer) MaxMemoryMB() uint32 { return b.maxMemoryMB }

// VideoCodec is the codec of the buffered video packets.
func (b *Buffer) VideoCodec() media.VideoCodec { return b.opts.videoCodec }

// AddVideoFrame copies data into the ring and runs both eviction sweeps
// before returning.
func (b *Buffer) AddVideoFrame(data []byte, width, height int, timestampUs int64, keyframe bool) error {
	if len(data) == 0 {
		return ErrEmptyInput
	}
	frame := VideoFrame{
		Data:        bytes.Clone(data),
		Width:       width,
		Height:      height,
		TimestampUs: timestampUs,
		Keyframe:    keyframe,
	}

	b.videoMu.Lock()
	if b.destroyed.Load() {
		b.videoMu.Unlock()
		return ErrDestroyed
	}
	if n := len(b.video); n > 0 && frame.TimestampUs < b.video[n-1].TimestampUs {
		frame.TimestampUs = b.video[n-1].TimestampUs
	}
	b.video = append(b.video, frame)
	b.total.Add(frame.size())
	newest := b.advance(frame.TimestampUs)

	var freed int64
	b.video, freed = evictByAge(b.video, newest, b.windowUs)
	b.total.Add(-freed)
	b.videoHead.Store(headOf(b.video))
	b.videoMu.Unlock()

	if b.needsRebalance() {
		b.rebalance()
	}
	return nil
}

// AddAudioChunk copies samples into the ring and runs both eviction sweeps
// before returning.
func (b *Buffer) AddAudioChunk(samples []float32, sampleRate, channels int, timestampUs int64) error {
	if len(samples) == 0 || sampleRate <= 0 || channels <= 0 {
		return ErrEmptyInput
	}
	chunk := AudioChunk{
		Samples:     slices.Clone(samples),
		SampleRate:  sampleRate,
		Channels:    channels,
		TimestampUs: timestampUs,
	}

	b.audioMu.Lock()
	if b.destroyed.Load() {
		b.audioMu.Unlock()
		return ErrDestroyed
	}
	if n := len(b.audio); n > 0 && chunk.TimestampUs < b.audio[n-1].TimestampUs {
		chunk.TimestampUs = b.audio[n-1].TimestampUs
	}
	b.audio = append(b.audio, chunk)
	b.total.Add(chunk.size())
	newest := b.advance(chunk.TimestampUs)

	var freed int64
	b.audio, freed = evictByAge(b.audio, newest, b.windowUs)
	b.total.Add(-freed)
	b.audioHead.Store(headOf(b.audio))
	b.audioMu.Unlock()

	if b.needsRebalance() {
		b.rebalance()
	}
	return nil
}

// advance moves the newest-timestamp watermark forward.
func (b *Buffer) advance(ts int64) int64 {
	for {
		cur := b.newest.Load()
		if ts <= cur {
			return cur
		}
		if b.newest.CompareAndSwap(cur, ts) {
			return ts
		}
	}
}

func (b *Buffer) needsRebalance() bool {
	if b.limit > 0 && b.total.Load() > b.limit {
		return true
	}
	newest := b.newest.Load()
	return newest-b.videoHead.Load() > b.windowUs || newest-b.audioHead.Load() > b.windowUs
}

// rebalance runs both sweeps over both rings. Lock order is video, audio.
func (b *Buffer) rebalance() {
	b.videoMu.Lock()
	defer b.videoMu.Unlock()
	b.audioMu.Lock()
	defer b.audioMu.Unlock()

	newest := b.newest.Load()
	total := b.total.Load()
	var freed int64
	b.video, freed = evictByAge(b.video, newest, b.windowUs)
	total -= freed
	b.audio, freed = evictByAge(b.audio, newest, b.windowUs)
	total -= freed
	b.video, b.audio, total = evictByMemory(b.video, b.audio, total, b.limit)

	b.total.Store(total)
	b.videoHead.Store(headOf(b.video))
	b.audioHead.Store(headOf(b.audio))
}

func headOf[T entry](q []T) int64 {
	if len(q) == 0 {
		return noHead
	}
	return q[0].timestamp()
}

// Stats reports the current contents. DurationSec spans the oldest to the
// newest held entry and is zero with fewer than two entries.
func (b *Buffer) Stats() Stats {
	b.videoMu.Lock()
	defer b.videoMu.Unlock()
	b.audioMu.Lock()
	defer b.audioMu.Unlock()

	total := b.total.Load()
	s := Stats{
		VideoFrames:     len(b.video),
		AudioChunks:     len(b.audio),
		MemoryUsedBytes: total,
		MemoryUsedMB:    uint32(total / bytesPerMB),
	}
	if s.VideoFrames+s.AudioChunks >= 2 {
		oldest, newest := spanOf(b.video, b.audio)
		s.DurationSec = uint32((newest - oldest) / 1_000_000)
	}
	return s
}

func spanOf(video []VideoFrame, audio []AudioChunk) (oldest, newest int64) {
	oldest, newest = noHead, math.MinInt64
	if n := len(video); n > 0 {
		oldest = min(oldest, video[0].TimestampUs)
		newest = max(newest, video[n-1].TimestampUs)
	}
	if n := len(audio); n > 0 {
		oldest = min(oldest, audio[0].TimestampUs)
		newest = max(newest, audio[n-1].TimestampUs)
	}
	return oldest, newest
}

// Clear releases every held frame and chunk and resets the counters.
func (b *Buffer) Clear() {
	b.videoMu.Lock()
	defer b.videoMu.Unlock()
	b.audioMu.Lock()
	defer b.audioMu.Unlock()
	b.clearLocked()
}

func (b *Buffer) clearLocked() {
	b.video = nil
	b.audio = nil
	b.total.Store(0)
	b.newest.Store(0)
	b.videoHead.Store(noHead)
	b.audioHead.Store(noHead)
}

// Destroy clears the buffer and rejects further use. Calling it again is a
// no-op.
func (b *Buffer) Destroy() {
	b.videoMu.Lock()
	defer b.videoMu.Unlock()
	b.audioMu.Lock()
	defer b.audioMu.Unlock()

	if b.destroyed.Swap(true) {
		return
	}
	b.clearLocked()
	b.logger.Debug("replay buffer destroyed")
}
