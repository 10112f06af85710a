// Package mux writes encoded packets into container files.
package mux

import (
	"errors"
	"log/slog"
	"time"

	"clipstream/internal/logging"
	"clipstream/internal/media"
)

var (
	ErrUnsupportedCodec = errors.New("mux: codec not supported by container")
	ErrClosed           = errors.New("mux: muxer is closed")
	ErrNotOpen          = errors.New("mux: muxer is not open")
	ErrNoTracks         = errors.New("mux: no tracks")
	ErrMissingConfig    = errors.New("mux: keyframe carries no decoder configuration")
)

// Muxer owns one output file for its whole life. Open writes (or prepares)
// the header, Close writes the trailer and releases the file. A Muxer is
// used from a single goroutine.
type Muxer interface {
	Open(path string, tracks []media.Track, tags Tags) error
	// WritePacket appends p to the track at index track of the slice given
	// to Open. Timestamps are microseconds from the start of the file.
	WritePacket(track int, p media.Packet) error
	Close(chapters []Chapter) error
}

// Factory creates a muxer for a container.
type Factory func(c media.Container) (Muxer, error)

// Chapter marks a point in the file, relative to its start.
type Chapter struct {
	Start       time.Duration
	Title       string
	Description string
}

// Tags are the descriptive fields written into the container.
type Tags struct {
	Title   string
	Artist  string
	Comment string
	// Extra holds additional name/value pairs, such as the session id.
	Extra map[string]string
}

type options struct {
	ffmpegPath string
	writingApp string
	logger     *slog.Logger
}

type Option func(*options)

// WithFFmpegPath sets the ffmpeg binary used to produce MP4 files.
func WithFFmpegPath(path string) Option {
	return func(o *options) { o.ffmpegPath = path }
}

// WithWritingApp sets the application name recorded in file headers.
func WithWritingApp(name string) Option {
	return func(o *options) { o.writingApp = name }
}

// WithLogger sets the logger for muxer warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewFactory returns the default Factory: Matroska through ebml-go, FLV
// through go-flv and MP4 as a Matroska stream remuxed by ffmpeg.
func NewFactory(opts ...Option) Factory {
	o := options{ffmpegPath: "ffmpeg", writingApp: "clipstream"}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.Component(o.logger, "mux")

	return func(c media.Container) (Muxer, error) {
		switch c {
		case media.ContainerMatroska:
			return newMatroska(o), nil
		case media.ContainerFLV:
			return newFLV(o), nil
		case media.ContainerMP4:
			return newMP4(o), nil
		}
		return nil, errors.New("mux: unknown container " + c.String())
	}
}

func checkTracks(tracks []media.Track) error {
	if len(tracks) == 0 {
		return ErrNoTracks
	}
	return nil
}

func videoTrackIndex(tracks []media.Track) int {
	for i, t := range tracks {
		if t.Kind == media.KindVideo {
			return i
		}
	}
	return -1
}

// CurrentPath returns the file m is writing to right now. It differs from
// the target path for muxers that finish with a remux.
func CurrentPath(m Muxer, target string) string {
	if p, ok := m.(interface{ CurrentPath() string }); ok && p.CurrentPath() != "" {
		return p.CurrentPath()
	}
	return target
}

// FinalPath returns the file the recording ended up in once m is closed.
// It differs from target when a remux fell back to another container.
func FinalPath(m Muxer, target string) string {
	if p, ok := m.(interface{ FinalPath() string }); ok && p.FinalPath() != "" {
		return p.FinalPath()
	}
	return target
}
