package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"clipstream/internal/media"
	"clipstream/internal/recording"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", formatDuration(0))
	assert.Equal(t, "13s", formatDuration(13*time.Second))
	assert.Equal(t, "2m05s", formatDuration(125*time.Second))
	assert.Equal(t, "1h00m01s", formatDuration(time.Hour+time.Second))
	assert.Equal(t, "01:02:03", formatClock(time.Hour+2*time.Minute+3500*time.Millisecond))
}

func TestStatusLine(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)

	f.Status(recording.Status{State: recording.StateRecording, Duration: 75 * time.Second, FileSize: 2048, QueueDepth: 3})
	assert.Contains(t, buf.String(), "● REC 00:01:15  2.0 KB")
	assert.Contains(t, buf.String(), "queue 3")
	assert.False(t, strings.HasSuffix(buf.String(), "\n"), "status line is redrawn in place")

	f.Success("done")
	assert.Contains(t, buf.String(), "\n✅ done\n", "a message closes the pending status line")

	buf.Reset()
	f.Status(recording.Status{State: recording.StatePaused, ReplayEnabled: true})
	assert.Contains(t, buf.String(), "PAUSED")
	assert.Contains(t, buf.String(), "replay 0s/0 MB")
}

func TestRecordingStopped(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)

	f.RecordingStopped(recording.Info{
		Filepath: "/tmp/boss.mp4",
		Duration: 13 * time.Second,
		FileSize: 4096,
		Chapters: []recording.ChapterMarker{{Timestamp: 10 * time.Second, Title: "Boss"}},
	})
	out := buf.String()
	assert.Contains(t, out, "Recording stopped (13s, 4.0 KB)")
	assert.Contains(t, out, "10s Boss")
	assert.Contains(t, out, "/tmp/boss.mp4")
}

func TestRecordingStarted(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)

	f.RecordingStarted(recording.Info{
		ID: 1, Filepath: "clip.mkv", VideoCodec: media.VideoCodecVP9, Width: 1280, Height: 720, FPS: 60,
		VideoBitrateKbps: 6000, Preset: media.PresetBalanced,
	})
	assert.Contains(t, buf.String(), "Recording #1: clip.mkv")
	assert.Contains(t, buf.String(), "1280x720@60")
	assert.Contains(t, buf.String(), "no audio")
}
