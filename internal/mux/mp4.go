package mux

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"clipstream/internal/media"
)

// mp4Muxer records into a hidden Matroska file next to the target and has
// ffmpeg copy the streams into MP4 on Close. The hidden name keeps disk
// cleanup away from it while the recording is in progress.
type mp4Muxer struct {
	opts  options
	inner *matroskaMuxer
	path  string
	tmp   string
	final string
	tags  Tags
	endUs int64
}

func newMP4(o options) *mp4Muxer {
	return &mp4Muxer{opts: o, inner: newMatroska(o)}
}

func partPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".part.mkv")
}

func metadataPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".ffmeta")
}

func (m *mp4Muxer) Open(path string, tracks []media.Track, tags Tags) error {
	m.path = path
	m.final = path
	m.tmp = partPath(path)
	m.tags = tags
	if err := m.inner.Open(m.tmp, tracks, tags); err != nil {
		return err
	}
	// reserve the final name so callers can stat it during the recording
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = m.inner.Close(nil)
		_ = os.Remove(m.tmp)
		return errors.Wrap(err, "mp4: create output")
	}
	return f.Close()
}

func (m *mp4Muxer) WritePacket(track int, p media.Packet) error {
	if err := m.inner.WritePacket(track, p); err != nil {
		return err
	}
	m.endUs = max(m.endUs, p.TimestampUs+p.DurationUs)
	return nil
}

// CurrentPath is the file growing while the muxer is open.
func (m *mp4Muxer) CurrentPath() string {
	return m.tmp
}

// FinalPath is where the recording ended up after Close.
func (m *mp4Muxer) FinalPath() string {
	return m.final
}

func (m *mp4Muxer) Close(chapters []Chapter) error {
	if m.inner.closed {
		return ErrClosed
	}
	if err := m.inner.Close(chapters); err != nil {
		_ = os.Remove(m.path)
		if _, statErr := os.Stat(m.tmp); statErr == nil {
			return m.keepPart(err)
		}
		return err
	}

	meta := metadataPath(m.path)
	if err := os.WriteFile(meta, []byte(ffmetadata(m.tags, chapters, time.Duration(m.endUs)*time.Microsecond)), 0o644); err != nil {
		_ = os.Remove(m.path)
		return m.keepPart(errors.Wrap(err, "mp4: write metadata"))
	}
	defer os.Remove(meta)

	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-i", m.tmp,
		"-f", "ffmetadata", "-i", meta,
		"-map", "0", "-map_metadata", "1", "-map_chapters", "1",
		"-c", "copy",
		"-movflags", "+faststart+use_metadata_tags",
		"-f", "mp4", m.path,
	}
	output, err := exec.Command(m.opts.ffmpegPath, args...).CombinedOutput()
	if err != nil {
		_ = os.Remove(m.path)
		return m.keepPart(errors.Wrapf(err, "mp4: remux (%s)", strings.TrimSpace(string(output))))
	}
	if err := os.Remove(m.tmp); err != nil {
		m.opts.logger.Warn("failed to remove intermediate file", "path", m.tmp, "error", err)
	}
	return nil
}

// ffmetadata renders tags and chapters in ffmpeg's metadata file format.
// Each chapter ends where the next one starts; the last ends at end.
func ffmetadata(t Tags, chapters []Chapter, end time.Duration) string {
	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	for _, tag := range tagList(t) {
		fmt.Fprintf(&b, "%s=%s\n", escapeMetadata(strings.ToLower(tag.TagName)), escapeMetadata(tag.TagString))
	}

	sorted := append([]Chapter(nil), chapters...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i, c := range sorted {
		stop := max(end, c.Start)
		if i+1 < len(sorted) {
			stop = sorted[i+1].Start
		}
		title := c.Title
		if c.Description != "" {
			title += " - " + c.Description
		}
		fmt.Fprintf(&b, "\n[CHAPTER]\nTIMEBASE=1/1000\nSTART=%d\nEND=%d\ntitle=%s\n",
			c.Start.Milliseconds(), stop.Milliseconds(), escapeMetadata(title))
	}
	return b.String()
}

var metadataEscaper = strings.NewReplacer(`\`, `\\`, "=", `\=`, ";", `\;`, "#", `\#`, "\n", "\\\n")

func escapeMetadata(s string) string {
	return metadataEscaper.Replace(s)
}

// keepPart renames the intermediate Matroska next to the target so the
// recording survives a failed remux.
func (m *mp4Muxer) keepPart(cause error) error {
	fallback := strings.TrimSuffix(m.path, filepath.Ext(m.path)) + ".mkv"
	if err := os.Rename(m.tmp, fallback); err != nil {
		m.final = m.tmp
		return errors.Wrapf(cause, "intermediate left at %s", m.tmp)
	}
	m.final = fallback
	m.opts.logger.Warn("mp4 remux failed, kept matroska", "path", fallback, "error", cause)
	return errors.Wrapf(cause, "recording kept as %s", fallback)
}
