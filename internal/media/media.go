package media

import (
	"path/filepath"
	"strings"
)

type VideoCodec int

const (
	VideoCodecH264 VideoCodec = iota
	VideoCodecVP9
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecH264:
		return "h264"
	case VideoCodecVP9:
		return "vp9"
	case VideoCodecAV1:
		return "av1"
	}
	return "unknown"
}

// Valid reports whether c is one of the known video codecs.
func (c VideoCodec) Valid() bool {
	return c >= VideoCodecH264 && c <= VideoCodecAV1
}

// ParseVideoCodec maps a name such as "h264" or "av1" to a codec.
func ParseVideoCodec(name string) (VideoCodec, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "h264", "avc", "x264":
		return VideoCodecH264, true
	case "vp9":
		return VideoCodecVP9, true
	case "av1":
		return VideoCodecAV1, true
	}
	return VideoCodecH264, false
}

type AudioCodec int

const (
	AudioCodecAAC AudioCodec = iota
	AudioCodecOpus
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecAAC:
		return "aac"
	case AudioCodecOpus:
		return "opus"
	}
	return "unknown"
}

type Container int

const (
	ContainerMP4 Container = iota
	ContainerMatroska
	ContainerFLV
)

func (c Container) String() string {
	switch c {
	case ContainerMP4:
		return "mp4"
	case ContainerMatroska:
		return "matroska"
	case ContainerFLV:
		return "flv"
	}
	return "unknown"
}

// Extension returns the file extension, without the dot, written for c.
func (c Container) Extension() string {
	switch c {
	case ContainerMatroska:
		return "mkv"
	case ContainerFLV:
		return "flv"
	}
	return "mp4"
}

// DefaultAudioCodec is the audio codec used when a clip is written to c
// without a preset to decide it.
func (c Container) DefaultAudioCodec() AudioCodec {
	if c == ContainerMatroska {
		return AudioCodecOpus
	}
	return AudioCodecAAC
}

// ContainerFromPath infers the container from a file extension. Unknown
// extensions map to MP4.
func ContainerFromPath(path string) Container {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mkv", ".webm", ".mka":
		return ContainerMatroska
	case ".flv":
		return ContainerFLV
	}
	return ContainerMP4
}

type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// Packet is one compressed access unit produced by an encoder.
// Video H.264 data is Annex B; AAC data is raw (no ADTS header).
type Packet struct {
	Kind        Kind
	Data        []byte
	TimestampUs int64
	DurationUs  int64
	Keyframe    bool
}

// Track describes one elementary stream handed to a muxer.
type Track struct {
	Kind       Kind
	Name       string
	VideoCodec VideoCodec
	AudioCodec AudioCodec
	Width      int
	Height     int
	FPS        int
	SampleRate int
	Channels   int
}
