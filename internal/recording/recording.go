// Package recording drives a capture session from raw frames to a finished
// container file and feeds the replay buffer alongside it.
package recording

import (
	"errors"
	"slices"
	"time"

	"clipstream/internal/codec"
	"clipstream/internal/media"
	"clipstream/internal/replay"
)

const (
	MaxQueueSize      = 512
	MaxChapterMarkers = 100
	MaxAudioTracks    = 8
)

var (
	ErrNotInitialized       = errors.New("recording: manager not initialized")
	ErrAlreadyRecording     = errors.New("recording: a recording is already active")
	ErrNotRecording         = errors.New("recording: no active recording")
	ErrInvalidState         = errors.New("recording: operation not valid in current state")
	ErrStorageLimitReached  = errors.New("recording: storage limit reached")
	ErrCodecUnavailable     = errors.New("recording: codec unavailable")
	ErrReplayAlreadyEnabled = errors.New("recording: replay buffer already enabled")
	ErrReplayNotEnabled     = errors.New("recording: replay buffer not enabled")
	ErrQueueFull            = errors.New("recording: encoding queue full")
	ErrChapterLimit         = errors.New("recording: chapter marker limit reached")
	ErrTrackLimit           = errors.New("recording: audio track limit reached")
	ErrInvalidInput         = errors.New("recording: invalid input")
	ErrClosed               = errors.New("recording: manager closed")
)

// State is the lifecycle state of the manager.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChapterMarker is a named point in a recording. Timestamp is measured
// from the start of the recording with paused time left out.
type ChapterMarker struct {
	Timestamp   time.Duration `json:"timestamp"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
}

type AudioTrackInfo struct {
	ID         int     `json:"id"`
	Name       string  `json:"name"`
	Channels   int     `json:"channels"`
	SampleRate int     `json:"sample_rate"`
	Enabled    bool    `json:"enabled"`
	Volume     float32 `json:"volume"`
}

// Metadata is written into every new recording as container tags.
type Metadata struct {
	GameName    string   `json:"game_name"`
	GameVersion string   `json:"game_version,omitempty"`
	PlayerName  string   `json:"player_name,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Info describes one recording session. It is always handed out as a copy.
type Info struct {
	ID        uint32 `json:"id"`
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	Filepath  string `json:"filepath"`

	Preset     media.Preset     `json:"preset"`
	VideoCodec media.VideoCodec `json:"video_codec"`
	AudioCodec media.AudioCodec `json:"audio_codec"`
	HasAudio   bool             `json:"has_audio"`
	Container  media.Container  `json:"container"`

	CreatedAt time.Time     `json:"created_at"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	FileSize  int64         `json:"file_size"`

	IsComplete bool `json:"is_complete"`
	IsPaused   bool `json:"is_paused"`

	GameName string `json:"game_name"`

	Width            int `json:"width"`
	Height           int `json:"height"`
	FPS              int `json:"fps"`
	VideoBitrateKbps int `json:"video_bitrate_kbps"`
	SampleRate       int `json:"sample_rate"`
	Channels         int `json:"channels"`
	AudioBitrateKbps int `json:"audio_bitrate_kbps"`

	Chapters []ChapterMarker `json:"chapters,omitempty"`
}

func (i Info) clone() Info {
	i.Chapters = slices.Clone(i.Chapters)
	return i
}

// EncodeStats counts what the consumer did for the active session.
type EncodeStats struct {
	VideoFrames    uint64 `json:"video_frames"`
	AudioChunks    uint64 `json:"audio_chunks"`
	PacketsWritten uint64 `json:"packets_written"`
	BytesWritten   uint64 `json:"bytes_written"`
	Keyframes      uint64 `json:"keyframes"`
	Errors         uint64 `json:"errors"`
}

// Status is one sample of the polling contract.
type Status struct {
	State         State         `json:"state"`
	RecordingID   uint32        `json:"recording_id,omitempty"`
	Filename      string        `json:"filename,omitempty"`
	Duration      time.Duration `json:"duration"`
	FileSize      int64         `json:"file_size"`
	QueueDepth    int           `json:"queue_depth"`
	FramesDropped uint64        `json:"frames_dropped"`
	Encoder       EncodeStats   `json:"encoder"`
	ReplayEnabled bool          `json:"replay_enabled"`
	Replay        replay.Stats  `json:"replay"`
	ReplayEncoder codec.Stats   `json:"replay_encoder"`
}
