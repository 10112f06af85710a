package recording

import (
	"fmt"
	"path/filepath"

	"clipstream/internal/codec"
	"clipstream/internal/media"
	"clipstream/internal/replay"
)

// ReplayKeyframeSeconds is the keyframe interval of the replay encoder.
// Saved clips start on a keyframe, so it bounds how much of the requested
// duration a save can lose.
const ReplayKeyframeSeconds = 1

// EnableReplayBuffer starts buffering the last durationSeconds of the
// stream in at most maxMemoryMB. Frames are encoded to H.264 with the fast
// preset; when no H.264 encoder is available the buffer holds audio only.
func (m *Manager) EnableReplayBuffer(durationSeconds, maxMemoryMB uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.replay != nil {
		return ErrReplayAlreadyEnabled
	}

	buf, err := replay.New(durationSeconds, maxMemoryMB,
		replay.WithLogger(m.opts.logger),
		replay.WithVideoCodec(media.VideoCodecH264),
		replay.WithMuxerFactory(m.opts.muxers),
		replay.WithAudioEncoders(m.opts.encoders),
	)
	if err != nil {
		return err
	}

	feed := &replayFeed{buf: buf, logger: m.logger.With("feed", "replay")}
	feed.enc, feed.cfg = m.openReplayEncoder()

	m.replay = feed
	m.pipeMu.Lock()
	m.pipeReplay = feed
	m.pipeMu.Unlock()
	m.updateAcceptingLocked()

	m.logger.Info("replay buffer enabled", "seconds", durationSeconds, "max_memory_mb", maxMemoryMB,
		"video", feed.enc != nil)
	return nil
}

func (m *Manager) openReplayEncoder() (codec.VideoEncoder, codec.VideoConfig) {
	settings := media.ResolvePreset(media.PresetFast)
	cfg := codec.VideoConfigFor(settings, m.capture.width, m.capture.height, m.capture.fps)
	cfg.KeyframeInterval = m.capture.fps * ReplayKeyframeSeconds

	if !m.opts.encoders.VideoAvailable(media.VideoCodecH264) {
		m.logger.Warn("no h264 encoder, replay buffer will hold audio only")
		return nil, cfg
	}
	enc, err := m.opts.encoders.NewVideoEncoder(media.VideoCodecH264)
	if err != nil {
		m.logger.Warn("replay encoder unavailable", "error", err)
		return nil, cfg
	}
	if err := enc.Init(cfg); err != nil {
		enc.Cleanup()
		m.logger.Warn("replay encoder init failed", "error", err)
		return nil, cfg
	}
	return enc, cfg
}

// DisableReplayBuffer drops the buffer and its encoder. It is a no-op when
// the buffer is not enabled.
func (m *Manager) DisableReplayBuffer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disableReplayLocked()
}

func (m *Manager) disableReplayLocked() {
	feed := m.replay
	if feed == nil {
		return
	}
	m.replay = nil
	m.updateAcceptingLocked()

	m.pipeMu.Lock()
	m.pipeReplay = nil
	feed.close()
	m.pipeMu.Unlock()
	m.logger.Info("replay buffer disabled")
}

// SaveReplayBuffer writes the newest durationSec seconds of the buffer,
// everything when zero, and returns the path written. A relative filename
// is placed in the output directory; an empty one is generated. A nil
// videoCodec keeps the buffer's codec.
func (m *Manager) SaveReplayBuffer(filename string, durationSec uint32, videoCodec *media.VideoCodec) (string, error) {
	m.mu.Lock()
	feed := m.replay
	if feed == nil {
		m.mu.Unlock()
		return "", ErrReplayNotEnabled
	}
	if err := m.readyLocked(); err != nil {
		m.mu.Unlock()
		return "", err
	}
	path := m.replayPathLocked(filename)
	m.mu.Unlock()

	// frames already submitted belong in the clip
	m.drain()

	if err := feed.buf.Save(path, durationSec, videoCodec); err != nil {
		return "", fmt.Errorf("failed to save replay: %w", err)
	}
	m.logger.Info("replay saved", "path", path, "seconds", durationSec)
	return path, nil
}

func (m *Manager) replayPathLocked(filename string) string {
	if filename == "" {
		name := m.meta.GameName
		if name == "" {
			name = "replay"
		} else {
			name += " replay"
		}
		filename = m.disk.GenerateFilename(name, media.ContainerMP4)
	}
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(m.disk.Directory(), filename)
}

// IsReplayEnabled reports whether the replay buffer is running.
func (m *Manager) IsReplayEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replay != nil
}

// ReplayStats reports the buffer contents, false when it is not enabled.
func (m *Manager) ReplayStats() (replay.Stats, bool) {
	m.mu.Lock()
	feed := m.replay
	m.mu.Unlock()
	if feed == nil {
		return replay.Stats{}, false
	}
	return feed.buf.Stats(), true
}
