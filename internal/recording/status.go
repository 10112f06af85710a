package recording

import (
	"os"
)

// IsRecordingActive reports whether a session is open, paused or not.
func (m *Manager) IsRecordingActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

func (m *Manager) IsRecordingPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.info.IsPaused
}

// ActiveRecording returns a snapshot of the open session with its duration
// and file size refreshed.
func (m *Manager) ActiveRecording() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil {
		return Info{}, false
	}
	s.info.Duration = s.duration(m.opts.now())
	s.info.FileSize = fileSize(s.currentPath)
	return s.info.clone(), true
}

// LastRecording returns the session finished by the latest StopRecording.
// Starting a new recording discards it.
func (m *Manager) LastRecording() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Info{}, false
	}
	return m.last.clone(), true
}

// CurrentFileSize stats the file the open session is writing.
func (m *Manager) CurrentFileSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return 0
	}
	return fileSize(m.session.currentPath)
}

// AvailableDiskSpace is the free space of the output volume in MB.
func (m *Manager) AvailableDiskSpace() uint64 {
	m.mu.Lock()
	dm := m.disk
	m.mu.Unlock()
	if dm == nil {
		return 0
	}
	return dm.FreeSpaceMB()
}

// OutputDirectory is where recordings are written, empty before Init.
func (m *Manager) OutputDirectory() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disk == nil {
		return ""
	}
	return m.disk.Directory()
}

// EncodingQueueDepth returns the number of queued video and audio items.
func (m *Manager) EncodingQueueDepth() int {
	return m.videoQ.len() + m.audioQ.len()
}

// FrameDropCount returns how many submitted items were dropped because
// the encoding queue was full.
func (m *Manager) FrameDropCount() uint64 {
	return m.dropped.Load()
}

// Status samples everything a status display polls for.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{State: StateIdle}
	if s := m.session; s != nil {
		st.State = StateRecording
		if s.info.IsPaused {
			st.State = StatePaused
		}
		st.RecordingID = s.info.ID
		st.Filename = s.info.Filename
		st.Duration = s.duration(m.opts.now())
		st.FileSize = fileSize(s.currentPath)
		st.Encoder = s.stats.snapshot()
	}
	feed := m.replay
	m.mu.Unlock()

	st.QueueDepth = m.EncodingQueueDepth()
	st.FramesDropped = m.FrameDropCount()
	if feed != nil {
		st.ReplayEnabled = true
		st.Replay = feed.buf.Stats()
		if feed.enc != nil {
			st.ReplayEncoder = feed.enc.Stats()
		}
	}
	return st
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
