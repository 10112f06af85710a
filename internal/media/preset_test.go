package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePreset(t *testing.T) {
	tests := []struct {
		name      string
		preset    Preset
		video     VideoCodec
		audio     AudioCodec
		container Container
	}{
		{"fast", PresetFast, VideoCodecH264, AudioCodecAAC, ContainerMP4},
		{"balanced", PresetBalanced, VideoCodecH264, AudioCodecOpus, ContainerMP4},
		{"high quality", PresetHighQuality, VideoCodecVP9, AudioCodecOpus, ContainerMatroska},
		{"archival", PresetArchival, VideoCodecAV1, AudioCodecOpus, ContainerMatroska},
		{"negative falls back", Preset(-1), VideoCodecH264, AudioCodecOpus, ContainerMP4},
		{"out of range falls back", Preset(42), VideoCodecH264, AudioCodecOpus, ContainerMP4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolvePreset(tt.preset)
			assert.Equal(t, tt.video, got.VideoCodec)
			assert.Equal(t, tt.audio, got.AudioCodec)
			assert.Equal(t, tt.container, got.Container)
		})
	}
}

func TestResolvePreset_Tuning(t *testing.T) {
	fast := ResolvePreset(PresetFast).Tuning
	assert.Equal(t, "veryfast", fast.Speed)
	assert.Equal(t, 20000, fast.BitrateKbps)
	assert.Equal(t, 23, fast.CRF)

	archival := ResolvePreset(PresetArchival).Tuning
	assert.True(t, archival.ConstantQuality)
	assert.Equal(t, 2000, archival.BitrateKbps)
	assert.Equal(t, "4", archival.Speed)

	assert.Less(t, archival.BitrateKbps, fast.BitrateKbps)
}

func TestParsePreset(t *testing.T) {
	tests := []struct {
		in   string
		want Preset
		ok   bool
	}{
		{"fast", PresetFast, true},
		{"FAST", PresetFast, true},
		{" balanced ", PresetBalanced, true},
		{"hq", PresetHighQuality, true},
		{"high-quality", PresetHighQuality, true},
		{"archival", PresetArchival, true},
		{"turbo", PresetBalanced, false},
		{"", PresetBalanced, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParsePreset(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestContainerFromPath(t *testing.T) {
	tests := []struct {
		path string
		want Container
	}{
		{"clip.mp4", ContainerMP4},
		{"/abs/clip.MKV", ContainerMatroska},
		{"clip.webm", ContainerMatroska},
		{"clip.flv", ContainerFLV},
		{"clip.avi", ContainerMP4},
		{"clip", ContainerMP4},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ContainerFromPath(tt.path))
		})
	}
}

func TestPixelFormat_FrameSize(t *testing.T) {
	assert.Equal(t, 1920*1080*4, PixelFormatRGBA.FrameSize(1920, 1080))
	assert.Equal(t, 1920*1080*3/2, PixelFormatYUV420P.FrameSize(1920, 1080))
	assert.Equal(t, 9+2*4, PixelFormatNV12.FrameSize(3, 3))
	assert.Zero(t, PixelFormat("p010").FrameSize(16, 16))
	assert.Zero(t, PixelFormatRGBA.FrameSize(0, 16))
}
