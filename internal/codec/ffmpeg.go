package codec

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"clipstream/internal/logging"
	"clipstream/internal/media"
)

// FFmpeg wraps the ffmpeg binary used for encoding.
type FFmpeg struct {
	path   string
	logger *slog.Logger

	once     sync.Once
	encoders map[string]bool
	probeErr error
}

// NewFFmpeg creates an FFmpeg wrapper; an empty path means "ffmpeg" from PATH.
func NewFFmpeg(path string, logger *slog.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path, logger: logging.Component(logger, "codec")}
}

func (f *FFmpeg) Path() string {
	return f.path
}

// CheckAvailable checks that FFmpeg is installed and answers -version.
func (f *FFmpeg) CheckAvailable() error {
	_, err := f.Version()
	return err
}

// Version returns the first line of ffmpeg -version.
func (f *FFmpeg) Version() (string, error) {
	output, err := exec.Command(f.path, "-hide_banner", "-version").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}
	if !strings.Contains(string(output), "ffmpeg version") {
		return "", fmt.Errorf("ffmpeg not properly installed")
	}
	line, _, _ := strings.Cut(string(output), "\n")
	return strings.TrimSpace(line), nil
}

// HasEncoder reports whether ffmpeg lists the named encoder. The encoder
// list is probed once.
func (f *FFmpeg) HasEncoder(name string) bool {
	f.once.Do(func() {
		output, err := exec.Command(f.path, "-hide_banner", "-encoders").Output()
		if err != nil {
			f.probeErr = err
			f.logger.Warn("ffmpeg encoder probe failed", "path", f.path, "error", err)
			return
		}
		f.encoders = parseEncoderList(string(output))
	})
	return f.encoders[name]
}

// ProbeError returns the error of the encoder probe, if it ran and failed.
func (f *FFmpeg) ProbeError() error {
	f.HasEncoder("")
	return f.probeErr
}

// parseEncoderList reads the table printed by ffmpeg -encoders.
func parseEncoderList(output string) map[string]bool {
	encoders := make(map[string]bool)
	inTable := false
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.HasPrefix(fields[0], "---") {
			inTable = true
			continue
		}
		if !inTable || len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

var (
	videoEncoderNames = map[media.VideoCodec][]string{
		media.VideoCodecH264: {"libx264"},
		media.VideoCodecVP9:  {"libvpx-vp9"},
		media.VideoCodecAV1:  {"libaom-av1", "libsvtav1"},
	}
	audioEncoderNames = map[media.AudioCodec][]string{
		media.AudioCodecAAC:  {"aac"},
		media.AudioCodecOpus: {"libopus"},
	}
)

func (f *FFmpeg) pick(names []string) string {
	for _, n := range names {
		if f.HasEncoder(n) {
			return n
		}
	}
	return ""
}

// NewFFmpegRegistry registers an ffmpeg-backed encoder for every codec the
// engine knows. Availability follows the probed encoder list.
func NewFFmpegRegistry(f *FFmpeg) *Registry {
	r := NewRegistry()
	for c, names := range videoEncoderNames {
		r.RegisterVideo(c, strings.Join(names, "|"),
			func() bool { return f.pick(names) != "" },
			func() VideoEncoder { return newFFmpegVideoEncoder(f, c, f.pick(names)) },
		)
	}
	for c, names := range audioEncoderNames {
		r.RegisterAudio(c, strings.Join(names, "|"),
			func() bool { return f.pick(names) != "" },
			func() AudioEncoder { return newFFmpegAudioEncoder(f, c, f.pick(names)) },
		)
	}
	return r
}

// tailBuffer keeps the last bytes written to it, for error messages.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}

// process is one running ffmpeg child fed through stdin. Output is consumed
// by a reader goroutine.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	group  errgroup.Group
}

func startProcess(path string, args []string, readOutput func(io.Reader) error) (*process, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg: stdout pipe")
	}
	p := &process{cmd: cmd, stdin: stdin, stderr: &tailBuffer{max: 4096}}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "ffmpeg: start %s", path)
	}
	p.group.Go(func() error {
		err := readOutput(stdout)
		// keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
		return err
	})
	return p, nil
}

func (p *process) write(b []byte) error {
	if _, err := p.stdin.Write(b); err != nil {
		return errors.Wrapf(err, "ffmpeg: write input (%s)", p.stderr.String())
	}
	return nil
}

// finish closes stdin and waits for the child and its reader.
func (p *process) finish() error {
	_ = p.stdin.Close()
	readErr := p.group.Wait()
	waitErr := p.cmd.Wait()
	if waitErr != nil {
		return errors.Wrapf(waitErr, "ffmpeg: exited (%s)", p.stderr.String())
	}
	return readErr
}

func (p *process) kill() {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.group.Wait()
	_ = p.cmd.Wait()
}
