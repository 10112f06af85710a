// Package probe reads back finished recordings with ffprobe.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"clipstream/internal/logging"
)

// MaxDuration bounds what Validate accepts as a sane recording length.
const MaxDuration = 24 * time.Hour

// Metadata is what ffprobe reports about a media file.
type Metadata struct {
	Duration    time.Duration     `json:"duration"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Codec       string            `json:"codec"`
	AudioCodec  string            `json:"audio_codec,omitempty"`
	BitrateKbps int               `json:"bitrate_kbps"`
	FrameRate   float64           `json:"frame_rate"`
	FileSize    int64             `json:"file_size"`
	FormatName  string            `json:"format_name"`
	Chapters    []Chapter         `json:"chapters,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

type Chapter struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Title string        `json:"title"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Prober runs ffprobe.
type Prober struct {
	path   string
	logger *slog.Logger
}

// New creates a Prober; an empty path means "ffprobe" from PATH.
func New(path string, logger *slog.Logger) *Prober {
	if path == "" {
		path = "ffprobe"
	}
	return &Prober{path: path, logger: logging.Component(logger, "probe")}
}

// Available reports whether the ffprobe binary can be found.
func (p *Prober) Available() bool {
	_, err := exec.LookPath(p.path)
	return err == nil
}

type ffprobeOutput struct {
	Format struct {
		FormatName string            `json:"format_name"`
		Duration   string            `json:"duration"`
		BitRate    string            `json:"bit_rate"`
		Tags       map[string]string `json:"tags"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width,omitempty"`
		Height     int    `json:"height,omitempty"`
		RFrameRate string `json:"r_frame_rate,omitempty"`
	} `json:"streams"`
	Chapters []struct {
		StartTime string            `json:"start_time"`
		EndTime   string            `json:"end_time"`
		Tags      map[string]string `json:"tags"`
	} `json:"chapters"`
}

// Probe extracts stream, format and chapter information from path.
func (p *Prober) Probe(ctx context.Context, path string) (*Metadata, error) {
	cmd := exec.CommandContext(ctx, p.path,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-show_chapters",
		path)

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to extract metadata: %w", err)
	}

	md, err := parseOutput(out.Bytes())
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(path); err == nil {
		md.FileSize = fi.Size()
	}
	p.logger.Debug("probed", "path", path, "codec", md.Codec, "duration", md.Duration)
	return md, nil
}

func parseOutput(data []byte) (*Metadata, error) {
	var result ffprobeOutput
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	md := &Metadata{
		FormatName: result.Format.FormatName,
		Duration:   parseSeconds(result.Format.Duration),
		Tags:       result.Format.Tags,
	}
	if bitrate, err := strconv.Atoi(result.Format.BitRate); err == nil {
		md.BitrateKbps = bitrate / 1000
	}

	for _, stream := range result.Streams {
		switch stream.CodecType {
		case "video":
			if md.Codec != "" {
				continue
			}
			md.Width = stream.Width
			md.Height = stream.Height
			md.Codec = stream.CodecName
			md.FrameRate = parseRate(stream.RFrameRate)
		case "audio":
			if md.AudioCodec == "" {
				md.AudioCodec = stream.CodecName
			}
		}
	}

	for _, ch := range result.Chapters {
		md.Chapters = append(md.Chapters, Chapter{
			Start: parseSeconds(ch.StartTime),
			End:   parseSeconds(ch.EndTime),
			Title: ch.Tags["title"],
		})
	}
	return md, nil
}

func parseSeconds(s string) time.Duration {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// parseRate turns ffprobe's "num/den" frame rate into a float.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return 0
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d <= 0 {
		return 0
	}
	return n / d
}

// DetectCorrupt checks that the first video stream of path can be read.
func (p *Prober) DetectCorrupt(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, p.path,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		path)

	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("recording appears to be corrupted or unreadable: %w", err)
	}
	if strings.TrimSpace(string(output)) != "video" {
		return fmt.Errorf("recording has no readable video stream")
	}
	return nil
}

// Validate checks that extracted metadata is within acceptable ranges.
func Validate(md *Metadata) error {
	if md.Duration > MaxDuration {
		return ValidationError{
			Field:   "duration",
			Message: fmt.Sprintf("duration %s exceeds maximum of %s", md.Duration, MaxDuration),
		}
	}

	if md.Width <= 0 || md.Height <= 0 {
		return ValidationError{
			Field:   "resolution",
			Message: "invalid video resolution",
		}
	}

	if md.FileSize <= 0 {
		return ValidationError{
			Field:   "file_size",
			Message: "invalid file size",
		}
	}

	return nil
}
