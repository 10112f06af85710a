package output

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"clipstream/internal/codec"
	"clipstream/internal/disk"
	"clipstream/internal/probe"
	"clipstream/internal/recording"
)

type Formatter struct {
	w io.Writer
	// live is set while a status line is being redrawn in place
	live bool
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) RecordingStarted(info recording.Info) {
	f.endLine()
	fmt.Fprintf(f.w, "🔴 Recording #%d: %s\n", info.ID, info.Filepath)
	audio := "no audio"
	if info.HasAudio {
		audio = fmt.Sprintf("%s %d Hz", info.AudioCodec, info.SampleRate)
	}
	fmt.Fprintf(f.w, "   %s %dx%d@%d, %d kbps, %s, %s\n",
		info.VideoCodec, info.Width, info.Height, info.FPS, info.VideoBitrateKbps, audio, info.Preset)
}

func (f *Formatter) RecordingStopped(info recording.Info) {
	f.endLine()
	fmt.Fprintf(f.w, "⏹️  Recording stopped (%s, %s)\n", formatDuration(info.Duration), FormatBytes(info.FileSize))
	for _, c := range info.Chapters {
		fmt.Fprintf(f.w, "   📍 %s %s\n", formatDuration(c.Timestamp), c.Title)
	}
	fmt.Fprintf(f.w, "📁 Saved: %s\n", info.Filepath)
}

// Status redraws a single status line in place.
func (f *Formatter) Status(st recording.Status) {
	var line string
	switch st.State {
	case recording.StateRecording:
		line = fmt.Sprintf("● REC %s  %s", formatClock(st.Duration), FormatBytes(st.FileSize))
	case recording.StatePaused:
		line = fmt.Sprintf("⏸ PAUSED %s  %s", formatClock(st.Duration), FormatBytes(st.FileSize))
	default:
		line = "○ idle"
	}
	if st.ReplayEnabled {
		line += fmt.Sprintf("  replay %ds/%d MB", st.Replay.DurationSec, st.Replay.MemoryUsedMB)
	}
	line += fmt.Sprintf("  queue %d  dropped %d", st.QueueDepth, st.FramesDropped)

	fmt.Fprintf(f.w, "\r\033[K%s", line)
	f.live = true
}

func (f *Formatter) endLine() {
	if f.live {
		fmt.Fprintln(f.w)
		f.live = false
	}
}

func (f *Formatter) ChapterAdded(title string) {
	f.endLine()
	fmt.Fprintf(f.w, "📍 Chapter: %s\n", title)
}

func (f *Formatter) ReplaySaved(path string, size int64) {
	f.endLine()
	fmt.Fprintf(f.w, "🎬 Replay saved: %s (%s)\n", path, FormatBytes(size))
}

func (f *Formatter) DiskState(dir string, st disk.State, usage float64, maxMB uint64) {
	fmt.Fprintf(f.w, "💾 %s\n", dir)
	fmt.Fprintf(f.w, "   free %d MB of %d MB (%.1f%% used)\n", st.FreeMB, st.TotalMB, usage)
	fmt.Fprintf(f.w, "   storage limit %d MB\n", maxMB)
}

func (f *Formatter) RecordingList(files []disk.FileInfo) {
	if len(files) == 0 {
		f.Info("No recordings found")
		return
	}
	fmt.Fprintf(f.w, "📁 Recordings:\n\n")
	var total int64
	for _, fi := range files {
		total += fi.Size
		fmt.Fprintf(f.w, "  %s  %9s  %s\n", fi.ModTime.Format("2006-01-02 15:04"), FormatBytes(fi.Size), fi.Name)
	}
	fmt.Fprintf(f.w, "\n  %d files, %s\n", len(files), FormatBytes(total))
}

func (f *Formatter) Capability(c codec.Capability) {
	f.SetupCheck(fmt.Sprintf("%s %s", c.Kind, c.Codec), c.Available, c.Encoder)
}

func (f *Formatter) ProbeResult(path string, md *probe.Metadata) {
	fmt.Fprintf(f.w, "🎞️  %s\n", path)
	fmt.Fprintf(f.w, "   format   %s\n", md.FormatName)
	fmt.Fprintf(f.w, "   video    %s %dx%d @ %.2f fps\n", md.Codec, md.Width, md.Height, md.FrameRate)
	if md.AudioCodec != "" {
		fmt.Fprintf(f.w, "   audio    %s\n", md.AudioCodec)
	}
	fmt.Fprintf(f.w, "   duration %s, %d kbps, %s\n", formatDuration(md.Duration), md.BitrateKbps, FormatBytes(md.FileSize))
	for _, c := range md.Chapters {
		fmt.Fprintf(f.w, "   📍 %s %s\n", formatDuration(c.Start), c.Title)
	}
}

// JSON writes v indented, for machine-readable output.
func (f *Formatter) JSON(v any) error {
	enc := json.NewEncoder(f.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (f *Formatter) Error(msg string) {
	f.endLine()
	fmt.Fprintf(f.w, "❌ %s\n", msg)
}

func (f *Formatter) Info(msg string) {
	f.endLine()
	fmt.Fprintf(f.w, "ℹ️  %s\n", msg)
}

func (f *Formatter) Success(msg string) {
	f.endLine()
	fmt.Fprintf(f.w, "✅ %s\n", msg)
}

func (f *Formatter) Warning(msg string) {
	f.endLine()
	fmt.Fprintf(f.w, "⚠️  %s\n", msg)
}

func (f *Formatter) SetupCheck(name string, ok bool, detail string) {
	if ok {
		fmt.Fprintf(f.w, "  ✅ %s: %s\n", name, detail)
	} else {
		fmt.Fprintf(f.w, "  ❌ %s: %s\n", name, detail)
	}
}

// Done terminates a pending status line.
func (f *Formatter) Done() {
	f.endLine()
}

func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// formatClock renders d as HH:MM:SS.
func formatClock(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}
