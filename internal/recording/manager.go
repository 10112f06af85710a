package recording

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"clipstream/internal/codec"
	"clipstream/internal/config"
	"clipstream/internal/disk"
	"clipstream/internal/logging"
	"clipstream/internal/media"
	"clipstream/internal/mux"
)

type options struct {
	logger      *slog.Logger
	encoders    codec.Provider
	muxers      mux.Factory
	diskOptions []disk.Option
	now         func() time.Time
}

type Option func(*options)

// WithLogger sets the logger for the manager and everything it creates.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEncoders sets where sessions and the replay buffer get encoders.
func WithEncoders(p codec.Provider) Option {
	return func(o *options) { o.encoders = p }
}

// WithMuxerFactory replaces the muxers recordings and replay clips are
// written with.
func WithMuxerFactory(f mux.Factory) Option {
	return func(o *options) { o.muxers = f }
}

// WithDiskOptions is passed through to every disk.Manager the manager
// creates.
func WithDiskOptions(opts ...disk.Option) Option {
	return func(o *options) { o.diskOptions = append(o.diskOptions, opts...) }
}

// WithClock replaces time.Now for durations and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type captureFormat struct {
	width, height, fps   int
	sampleRate, channels int
}

// Manager owns at most one recording session and at most one replay
// buffer. Producers call the Submit methods from any goroutine; a single
// consumer goroutine encodes and muxes what they queue.
//
// Lock order is mu, then pipeMu, then the queue locks. The consumer only
// ever takes pipeMu.
type Manager struct {
	cfg    config.Config
	opts   options
	logger *slog.Logger

	mu               sync.Mutex
	disk             *disk.Manager
	maxStorageMB     uint64
	autoCleanup      bool
	cleanupThreshold int
	capture          captureFormat
	meta             Metadata
	tracks           []AudioTrackInfo
	session          *session
	last             *Info
	nextID           uint32
	replay           *replayFeed
	closed           bool

	pipeMu      sync.Mutex
	pipeSession *session
	pipeReplay  *replayFeed

	videoQ    *queue[videoItem]
	audioQ    *queue[audioItem]
	dropped   atomic.Uint64
	accepting atomic.Bool
	// recordingID is the id of the unpaused session, 0 otherwise
	recordingID atomic.Uint32

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New builds a manager from cfg. Init must be called before recording.
func New(cfg *config.Config, opts ...Option) *Manager {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.muxers == nil {
		o.muxers = mux.NewFactory(mux.WithFFmpegPath(cfg.FFmpeg.Path), mux.WithLogger(o.logger))
	}
	if o.encoders == nil {
		o.encoders = codec.NewFFmpegRegistry(codec.NewFFmpeg(cfg.FFmpeg.Path, o.logger))
	}

	return &Manager{
		cfg:              *cfg,
		opts:             o,
		logger:           logging.Component(o.logger, "recording"),
		maxStorageMB:     cfg.Recording.MaxStorageMB,
		autoCleanup:      cfg.Recording.AutoCleanup,
		cleanupThreshold: cfg.Recording.CleanupThreshold,
		capture: captureFormat{
			width:      cfg.Capture.Width,
			height:     cfg.Capture.Height,
			fps:        cfg.Capture.FPS,
			sampleRate: cfg.Capture.SampleRate,
			channels:   cfg.Capture.Channels,
		},
		meta:   Metadata{GameName: cfg.Recording.GameName},
		videoQ: newQueue[videoItem](MaxQueueSize),
		audioQ: newQueue[audioItem](MaxQueueSize),
		wake:   make(chan struct{}, 1),
	}
}

// Init opens outputDir, or the configured directory when outputDir is
// empty, and starts the consumer. Calling it again only switches the
// directory.
func (m *Manager) Init(outputDir string) error {
	if outputDir == "" {
		outputDir = m.cfg.Recording.OutputDir
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.session != nil {
		return ErrInvalidState
	}

	dm, err := m.newDisk(outputDir)
	if err != nil {
		return err
	}
	m.disk = dm

	if m.stop == nil {
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		go m.consume()
	}
	m.logger.Info("recording manager initialized", "output_dir", outputDir, "max_storage_mb", m.maxStorageMB)
	return nil
}

func (m *Manager) newDisk(dir string) (*disk.Manager, error) {
	opts := append([]disk.Option{disk.WithLogger(m.opts.logger)}, m.opts.diskOptions...)
	dm, err := disk.New(dir, m.maxStorageMB, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize output directory: %w", err)
	}
	dm.SetCleanupThreshold(m.cleanupThreshold)
	return dm, nil
}

// Close stops an active recording, drops the replay buffer and waits for
// the consumer to exit. The manager cannot be used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var err error
	if m.session != nil {
		_, err = m.stopLocked()
	}
	m.disableReplayLocked()
	stop, done := m.stop, m.done
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return err
}

// StartRecording opens a new session for preset. An empty gameName uses
// the name set with SetGameName.
func (m *Manager) StartRecording(preset media.Preset, gameName string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.readyLocked(); err != nil {
		return Info{}, err
	}
	if m.session != nil {
		return Info{}, ErrAlreadyRecording
	}

	if m.autoCleanup && m.disk.IsSpaceLow() {
		removed, err := m.disk.AutoCleanupOldRecordings()
		if err != nil {
			m.logger.Warn("auto cleanup failed", "error", err)
		} else if removed > 0 {
			m.logger.Info("auto cleanup removed recordings", "count", removed)
		}
	}
	if m.disk.IsAtLimit() {
		return Info{}, ErrStorageLimitReached
	}

	settings := media.ResolvePreset(preset)
	if settings.Preset != preset {
		m.logger.Warn("unknown preset, using balanced", "preset", int(preset))
	}
	if !m.opts.encoders.VideoAvailable(settings.VideoCodec) {
		return Info{}, fmt.Errorf("%w: %s", ErrCodecUnavailable, settings.VideoCodec)
	}

	if gameName == "" {
		gameName = m.meta.GameName
	}
	filename := m.disk.GenerateFilename(gameName, settings.Container)
	path := filepath.Join(m.disk.Directory(), filename)

	now := m.opts.now()
	info := Info{
		ID:         m.nextID + 1,
		SessionID:  uuid.NewString(),
		Filename:   filename,
		Filepath:   path,
		Preset:     settings.Preset,
		VideoCodec: settings.VideoCodec,
		AudioCodec: settings.AudioCodec,
		Container:  settings.Container,
		CreatedAt:  now,
		StartedAt:  now,
		GameName:   gameName,
		Width:      m.capture.width,
		Height:     m.capture.height,
		FPS:        m.capture.fps,

		VideoBitrateKbps: settings.Tuning.BitrateKbps,
	}

	s, err := m.openSession(info, settings)
	if err != nil {
		return Info{}, err
	}

	m.nextID = s.info.ID
	m.session = s
	m.last = nil

	m.pipeMu.Lock()
	m.pipeSession = s
	m.pipeMu.Unlock()
	m.updateAcceptingLocked()

	m.logger.Info("recording started", "id", s.info.ID, "file", filename, "preset", settings.Preset,
		"video_codec", settings.VideoCodec, "audio_codec", settings.AudioCodec, "container", settings.Container)
	return s.info.clone(), nil
}

// openSession creates the encoders and opens the muxer. On failure
// everything it created is released and the target file removed.
func (m *Manager) openSession(info Info, settings media.PresetSettings) (*session, error) {
	s := &session{
		id:         info.ID,
		info:       info,
		audioTrack: -1,
		logger:     m.logger.With("recording_id", info.ID),
	}

	video, err := m.opts.encoders.NewVideoEncoder(settings.VideoCodec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCodecUnavailable, err)
	}
	s.videoCfg = codec.VideoConfigFor(settings, m.capture.width, m.capture.height, m.capture.fps)
	if err := video.Init(s.videoCfg); err != nil {
		video.Cleanup()
		return nil, fmt.Errorf("failed to initialize %s encoder: %w", settings.VideoCodec, err)
	}
	s.video = video

	tracks := []media.Track{{
		Kind:       media.KindVideo,
		Name:       "Video",
		VideoCodec: settings.VideoCodec,
		Width:      m.capture.width,
		Height:     m.capture.height,
		FPS:        m.capture.fps,
	}}

	s.audioCfg = codec.AudioConfig{SampleRate: m.capture.sampleRate, Channels: m.capture.channels, BitrateKbps: settings.Tuning.AudioKbps}
	if audio := m.openAudio(settings.AudioCodec, s.audioCfg); audio != nil {
		s.audio = audio
		s.audioTrack = len(tracks)
		s.info.HasAudio = true
		s.info.SampleRate = audio.OutputSampleRate()
		s.info.Channels = s.audioCfg.Channels
		s.info.AudioBitrateKbps = settings.Tuning.AudioKbps
		tracks = append(tracks, media.Track{
			Kind:       media.KindAudio,
			Name:       m.audioTrackName(),
			AudioCodec: settings.AudioCodec,
			SampleRate: audio.OutputSampleRate(),
			Channels:   s.audioCfg.Channels,
		})
	}

	muxer, err := m.opts.muxers(settings.Container)
	if err == nil {
		err = muxer.Open(info.Filepath, tracks, m.tagsLocked(info))
	}
	if err != nil {
		s.release()
		if rmErr := os.Remove(info.Filepath); rmErr != nil && !os.IsNotExist(rmErr) {
			m.logger.Warn("failed to remove partial recording", "file", info.Filepath, "error", rmErr)
		}
		return nil, fmt.Errorf("failed to open muxer: %w", err)
	}
	s.muxer = muxer
	s.currentPath = mux.CurrentPath(muxer, info.Filepath)
	return s, nil
}

// openAudio returns an initialized audio encoder, or nil when the preset's
// audio codec cannot be served. A recording then carries video only.
func (m *Manager) openAudio(ac media.AudioCodec, cfg codec.AudioConfig) codec.AudioEncoder {
	if !m.opts.encoders.AudioAvailable(ac) {
		m.logger.Warn("audio codec unavailable, recording video only", "codec", ac)
		return nil
	}
	enc, err := m.opts.encoders.NewAudioEncoder(ac)
	if err != nil {
		m.logger.Warn("audio encoder unavailable, recording video only", "codec", ac, "error", err)
		return nil
	}
	if err := enc.Init(cfg); err != nil {
		enc.Cleanup()
		m.logger.Warn("audio encoder init failed, recording video only", "codec", ac, "error", err)
		return nil
	}
	return enc
}

func (m *Manager) audioTrackName() string {
	for _, t := range m.tracks {
		if t.Enabled {
			return t.Name
		}
	}
	return "Audio"
}

func (m *Manager) tagsLocked(info Info) mux.Tags {
	extra := map[string]string{
		"session_id": info.SessionID,
		"preset":     info.Preset.String(),
	}
	if m.meta.GameVersion != "" {
		extra["game_version"] = m.meta.GameVersion
	}
	for _, t := range m.tracks {
		extra[fmt.Sprintf("audio_track_%d", t.ID)] = t.Name
	}
	return mux.Tags{
		Title:   info.GameName,
		Artist:  m.meta.PlayerName,
		Comment: strings.Join(m.meta.Tags, ", "),
		Extra:   extra,
	}
}

// StopRecording finalizes the open session. Queued items are encoded
// first. The returned snapshot is kept as LastRecording even when
// finalizing fails.
func (m *Manager) StopRecording() (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Info{}, ErrNotRecording
	}
	return m.stopLocked()
}

func (m *Manager) stopLocked() (Info, error) {
	s := m.session
	m.recordingID.Store(0)
	m.drain()

	m.pipeMu.Lock()
	err := s.finish(muxChapters(s.info.Chapters))
	m.pipeSession = nil
	m.pipeMu.Unlock()

	now := m.opts.now()
	s.info.Duration = s.duration(now)
	s.info.IsPaused = false
	s.info.IsComplete = err == nil
	if final := mux.FinalPath(s.muxer, s.info.Filepath); final != s.info.Filepath {
		s.info.Filepath = final
		s.info.Filename = filepath.Base(final)
		s.info.Container = media.ContainerFromPath(final)
	}
	if fi, statErr := os.Stat(s.info.Filepath); statErr == nil {
		s.info.FileSize = fi.Size()
	}

	info := s.info.clone()
	m.session = nil
	m.last = &info
	m.updateAcceptingLocked()

	if err != nil {
		m.logger.Error("recording finalize failed", "id", info.ID, "file", info.Filename, "error", err)
		return info.clone(), err
	}
	m.logger.Info("recording stopped", "id", info.ID, "file", info.Filename,
		"duration", info.Duration, "size_bytes", info.FileSize, "chapters", len(info.Chapters))
	return info.clone(), nil
}

// PauseRecording stops admitting frames and audio until ResumeRecording.
// Paused time is left out of the recording duration.
func (m *Manager) PauseRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil || s.info.IsPaused {
		return ErrInvalidState
	}
	s.info.IsPaused = true
	s.pausedAt = m.opts.now()
	m.updateAcceptingLocked()
	m.logger.Info("recording paused", "id", s.info.ID)
	return nil
}

// ResumeRecording continues a paused recording.
func (m *Manager) ResumeRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil || !s.info.IsPaused {
		return ErrInvalidState
	}
	paused := m.opts.now().Sub(s.pausedAt)
	s.pausedTotal += paused
	s.info.IsPaused = false

	m.pipeMu.Lock()
	s.pausedUs = s.pausedTotal.Microseconds()
	s.video.RequestKeyframe()
	m.pipeMu.Unlock()

	m.updateAcceptingLocked()
	m.logger.Info("recording resumed", "id", s.info.ID, "paused_for", paused)
	return nil
}

func (m *Manager) readyLocked() error {
	if m.closed {
		return ErrClosed
	}
	if m.disk == nil {
		return ErrNotInitialized
	}
	return nil
}

// updateAcceptingLocked recomputes whether submissions are queued at all
// and which session they belong to.
func (m *Manager) updateAcceptingLocked() {
	var id uint32
	if s := m.session; s != nil && !s.info.IsPaused {
		id = s.info.ID
	}
	m.recordingID.Store(id)
	m.accepting.Store(id != 0 || m.replay != nil)
}

// SubmitVideoFrame queues one raw frame. It is a no-op when nothing is
// recording or buffering, and fails with ErrQueueFull instead of blocking.
func (m *Manager) SubmitVideoFrame(data []byte, width, height int, format media.PixelFormat, timestampUs int64) error {
	if !m.accepting.Load() {
		return nil
	}
	if len(data) == 0 || width <= 0 || height <= 0 {
		return ErrInvalidInput
	}
	item := videoItem{
		data:        bytes.Clone(data),
		width:       width,
		height:      height,
		format:      format,
		timestampUs: timestampUs,
		session:     m.recordingID.Load(),
	}
	if !m.videoQ.push(item) {
		m.dropped.Add(1)
		return ErrQueueFull
	}
	m.signal()
	return nil
}

// SubmitAudioChunk queues interleaved float32 PCM with the same rules as
// SubmitVideoFrame.
func (m *Manager) SubmitAudioChunk(samples []float32, sampleRate, channels int, timestampUs int64) error {
	if !m.accepting.Load() {
		return nil
	}
	if len(samples) == 0 || sampleRate <= 0 || channels <= 0 {
		return ErrInvalidInput
	}
	item := audioItem{
		samples:     slices.Clone(samples),
		sampleRate:  sampleRate,
		channels:    channels,
		timestampUs: timestampUs,
		session:     m.recordingID.Load(),
	}
	if !m.audioQ.push(item) {
		m.dropped.Add(1)
		return ErrQueueFull
	}
	m.signal()
	return nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) consume() {
	defer close(m.done)
	for {
		select {
		case <-m.wake:
			m.drain()
		case <-m.stop:
			m.drain()
			return
		}
	}
}

// drain encodes everything queued: video in arrival order, then audio.
func (m *Manager) drain() {
	m.pipeMu.Lock()
	defer m.pipeMu.Unlock()

	for _, it := range m.videoQ.popAll() {
		if s := m.pipeSession; s != nil && it.session == s.id {
			s.encodeVideo(it)
		}
		if r := m.pipeReplay; r != nil {
			r.addVideo(it)
		}
	}
	for _, it := range m.audioQ.popAll() {
		if s := m.pipeSession; s != nil && it.session == s.id {
			s.encodeAudio(it)
		}
		if r := m.pipeReplay; r != nil {
			r.addAudio(it)
		}
	}
}
