package recording

import (
	"fmt"
	"slices"
	"strings"
)

// AddChapterMarker marks the current point of the active recording.
func (m *Manager) AddChapterMarker(title, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil {
		return ErrNotRecording
	}
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: chapter title is required", ErrInvalidInput)
	}
	if len(s.info.Chapters) >= MaxChapterMarkers {
		return ErrChapterLimit
	}

	marker := ChapterMarker{
		Timestamp:   s.duration(m.opts.now()),
		Title:       title,
		Description: description,
	}
	s.info.Chapters = append(s.info.Chapters, marker)
	m.logger.Debug("chapter marker added", "title", title, "at", marker.Timestamp)
	return nil
}

// AddAudioTrack registers a named audio track and returns its id.
func (m *Manager) AddAudioTrack(name string, channels, sampleRate int) (int, error) {
	if channels <= 0 || sampleRate <= 0 {
		return 0, ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tracks) >= MaxAudioTracks {
		return 0, ErrTrackLimit
	}
	id := len(m.tracks)
	m.tracks = append(m.tracks, AudioTrackInfo{
		ID:         id,
		Name:       name,
		Channels:   channels,
		SampleRate: sampleRate,
		Enabled:    true,
		Volume:     1.0,
	})
	return id, nil
}

// AudioTracks returns a copy of the registered audio tracks.
func (m *Manager) AudioTracks() []AudioTrackInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tracks)
}

// SetGameName sets the name used by the next recording when StartRecording
// is given none.
func (m *Manager) SetGameName(name string) {
	m.mu.Lock()
	m.meta.GameName = name
	m.mu.Unlock()
}

func (m *Manager) SetGameInfo(name, version string) {
	m.mu.Lock()
	m.meta.GameName = name
	m.meta.GameVersion = version
	m.mu.Unlock()
}

func (m *Manager) SetPlayerName(name string) {
	m.mu.Lock()
	m.meta.PlayerName = name
	m.mu.Unlock()
}

// SetTags replaces the tags written into the COMMENT field of the next
// recording.
func (m *Manager) SetTags(tags []string) {
	m.mu.Lock()
	m.meta.Tags = slices.Clone(tags)
	m.mu.Unlock()
}

func (m *Manager) Metadata() Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.meta
	meta.Tags = slices.Clone(meta.Tags)
	return meta
}

// SetOutputDirectory moves future recordings to dir. It is rejected while
// a recording is open.
func (m *Manager) SetOutputDirectory(dir string) error {
	if dir == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.session != nil {
		return ErrInvalidState
	}
	dm, err := m.newDisk(dir)
	if err != nil {
		return err
	}
	m.disk = dm
	m.logger.Info("output directory changed", "output_dir", dir)
	return nil
}

// SetMaxStorage changes the storage limit checked before each recording.
func (m *Manager) SetMaxStorage(maxStorageMB uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxStorageMB = maxStorageMB
	if m.disk != nil {
		m.disk.SetMaxStorage(maxStorageMB)
	}
}

// SetAutoCleanup toggles deleting old recordings when free space runs low.
// thresholdPercent is the volume usage that triggers it.
func (m *Manager) SetAutoCleanup(enabled bool, thresholdPercent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoCleanup = enabled
	m.cleanupThreshold = thresholdPercent
	if m.disk != nil {
		m.disk.SetCleanupThreshold(thresholdPercent)
	}
}

// SetCaptureFormat sets the frame size, frame rate and audio format the
// next recording and replay buffer are opened with.
func (m *Manager) SetCaptureFormat(width, height, fps int) error {
	if width <= 0 || height <= 0 || fps <= 0 {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capture.width, m.capture.height, m.capture.fps = width, height, fps
	return nil
}

// SetAudioFormat sets the sample rate and channel count the audio
// encoders of the next recording are opened with.
func (m *Manager) SetAudioFormat(sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capture.sampleRate, m.capture.channels = sampleRate, channels
	return nil
}
