package codec

import (
	"encoding/binary"
	"math"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipstream/internal/logging"
	"clipstream/internal/media"
)

const encoderListing = `Encoders:
 V..... = Video
 A..... = Audio
 S..... = Subtitle
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D libvpx-vp9           libvpx VP9 (codec vp9)
 V....D libsvtav1            SVT-AV1(Scalable Video Technology for AV1) encoder (codec av1)
 A....D aac                  AAC (Advanced Audio Coding)
 A....D libopus              libopus Opus (codec opus)
`

func TestParseEncoderList(t *testing.T) {
	encoders := parseEncoderList(encoderListing)

	for _, name := range []string{"libx264", "libvpx-vp9", "libsvtav1", "aac", "libopus"} {
		assert.True(t, encoders[name], name)
	}
	assert.False(t, encoders["libaom-av1"])
	assert.False(t, encoders["="], "legend lines must be skipped")
	assert.Len(t, encoders, 5)
}

func TestVideoConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     VideoConfig
		wantErr bool
	}{
		{"bitrate", VideoConfig{Width: 1280, Height: 720, FPS: 30, BitrateKbps: 4000}, false},
		{"crf only", VideoConfig{Width: 1280, Height: 720, FPS: 30, CRF: 30}, false},
		{"no rate control", VideoConfig{Width: 1280, Height: 720, FPS: 30}, true},
		{"zero fps", VideoConfig{Width: 1280, Height: 720, BitrateKbps: 4000}, true},
		{"zero size", VideoConfig{FPS: 30, BitrateKbps: 4000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}

	assert.Equal(t, 60, VideoConfig{FPS: 30}.GOP())
	assert.Equal(t, 12, VideoConfig{FPS: 30, KeyframeInterval: 12}.GOP())
}

func TestVideoConfigFor(t *testing.T) {
	cfg := VideoConfigFor(media.ResolvePreset(media.PresetArchival), 1920, 1080, 60)

	assert.Equal(t, 1920, cfg.Width)
	assert.Equal(t, 1080, cfg.Height)
	assert.Equal(t, 60, cfg.FPS)
	assert.Equal(t, 2000, cfg.BitrateKbps)
	assert.Equal(t, 30, cfg.CRF)
	assert.True(t, cfg.ConstantQuality)
	assert.Equal(t, "4", cfg.Speed)
}

func TestVideoArgs(t *testing.T) {
	base := VideoConfig{Width: 640, Height: 360, FPS: 30, BitrateKbps: 8000, Speed: "medium"}

	t.Run("h264 bitrate", func(t *testing.T) {
		args := strings.Join(videoArgs("libx264", media.VideoCodecH264, base, media.PixelFormatBGRA), " ")
		assert.Contains(t, args, "-pix_fmt bgra -s 640x360 -r 30 -i pipe:0")
		assert.Contains(t, args, "-c:v libx264")
		assert.Contains(t, args, "-g 60")
		assert.Contains(t, args, "-x264-params aud=1:repeat-headers=1")
		assert.Contains(t, args, "-b:v 8000k")
		assert.NotContains(t, args, "-crf")
		assert.True(t, strings.HasSuffix(args, "-f h264 pipe:1"))
	})

	t.Run("h264 crf capped", func(t *testing.T) {
		cfg := base
		cfg.CRF = 23
		args := strings.Join(videoArgs("libx264", media.VideoCodecH264, cfg, media.PixelFormatNV12), " ")
		assert.Contains(t, args, "-crf 23 -maxrate 8000k -bufsize 16000k")
		assert.NotContains(t, args, "-b:v")
	})

	t.Run("vp9", func(t *testing.T) {
		cfg := base
		cfg.Speed = "2"
		args := strings.Join(videoArgs("libvpx-vp9", media.VideoCodecVP9, cfg, media.PixelFormatRGBA), " ")
		assert.Contains(t, args, "-cpu-used 2")
		assert.Contains(t, args, "-lag-in-frames 0")
		assert.True(t, strings.HasSuffix(args, "-f ivf pipe:1"))
	})

	t.Run("svt-av1 preset", func(t *testing.T) {
		cfg := base
		cfg.Speed = "4"
		cfg.CRF = 30
		cfg.ConstantQuality = true
		args := strings.Join(videoArgs("libsvtav1", media.VideoCodecAV1, cfg, media.PixelFormatYUV420P), " ")
		assert.Contains(t, args, "-preset 8")
		assert.Contains(t, args, "-crf 30")
		assert.True(t, strings.HasSuffix(args, "-f ivf pipe:1"))
	})

	t.Run("aom-av1", func(t *testing.T) {
		cfg := base
		cfg.Speed = "4"
		args := strings.Join(videoArgs("libaom-av1", media.VideoCodecAV1, cfg, media.PixelFormatYUV420P), " ")
		assert.Contains(t, args, "-cpu-used 4")
		assert.NotContains(t, args, "-crf")
	})
}

func TestAudioArgs(t *testing.T) {
	cfg := AudioConfig{SampleRate: 44100, Channels: 2, BitrateKbps: 160}

	aac := strings.Join(audioArgs("aac", media.AudioCodecAAC, cfg), " ")
	assert.Contains(t, aac, "-f f32le -ar 44100 -ac 2 -i pipe:0")
	assert.Contains(t, aac, "-b:a 160k")
	assert.True(t, strings.HasSuffix(aac, "-f adts pipe:1"))

	opus := strings.Join(audioArgs("libopus", media.AudioCodecOpus, cfg), " ")
	assert.Contains(t, opus, "-ar 48000")
	assert.Contains(t, opus, "-page_duration 20000")
	assert.True(t, strings.HasSuffix(opus, "-f ogg pipe:1"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.RegisterVideo(media.VideoCodecH264, "fake-h264", nil, func() VideoEncoder {
		return NewPassthroughVideo(media.VideoCodecH264)
	})
	r.RegisterVideo(media.VideoCodecAV1, "fake-av1", func() bool { return false }, func() VideoEncoder {
		return NewPassthroughVideo(media.VideoCodecAV1)
	})
	r.RegisterAudio(media.AudioCodecOpus, "fake-opus", nil, func() AudioEncoder {
		return NewPassthroughAudio(media.AudioCodecOpus)
	})

	assert.True(t, r.VideoAvailable(media.VideoCodecH264))
	assert.False(t, r.VideoAvailable(media.VideoCodecAV1))
	assert.False(t, r.VideoAvailable(media.VideoCodecVP9))
	assert.True(t, r.AudioAvailable(media.AudioCodecOpus))
	assert.False(t, r.AudioAvailable(media.AudioCodecAAC))

	enc, err := r.NewVideoEncoder(media.VideoCodecH264)
	require.NoError(t, err)
	assert.Equal(t, media.VideoCodecH264, enc.Codec())

	_, err = r.NewVideoEncoder(media.VideoCodecAV1)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = r.NewVideoEncoder(media.VideoCodecVP9)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = r.NewAudioEncoder(media.AudioCodecAAC)
	assert.ErrorIs(t, err, ErrUnavailable)

	caps := r.Capabilities()
	require.Len(t, caps, 3)
	assert.Equal(t, Capability{Kind: media.KindVideo, Codec: "av1", Encoder: "fake-av1", Available: false}, caps[0])
	assert.Equal(t, Capability{Kind: media.KindVideo, Codec: "h264", Encoder: "fake-h264", Available: true}, caps[1])
	assert.Equal(t, media.KindAudio, caps[2].Kind)
}

func TestPassthroughVideo(t *testing.T) {
	enc := NewPassthroughVideo(media.VideoCodecVP9)

	_, err := enc.EncodeFrame([]byte{1}, media.PixelFormatRGBA, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, enc.Init(VideoConfig{Width: 2, Height: 2, FPS: 10, BitrateKbps: 100, KeyframeInterval: 3}))

	var keys []bool
	for i := range 7 {
		if i == 5 {
			enc.RequestKeyframe()
		}
		packets, err := enc.EncodeFrame([]byte{byte(i)}, media.PixelFormatRGBA, int64(i)*100_000)
		require.NoError(t, err)
		require.Len(t, packets, 1)
		assert.Equal(t, int64(i)*100_000, packets[0].TimestampUs)
		assert.Equal(t, int64(100_000), packets[0].DurationUs)
		keys = append(keys, packets[0].Keyframe)
	}
	assert.Equal(t, []bool{true, false, false, true, false, true, true}, keys)

	stats := enc.Stats()
	assert.Equal(t, uint64(7), stats.FramesIn)
	assert.Equal(t, uint64(7), stats.PacketOut)
	assert.Equal(t, uint64(4), stats.Keyframes)

	assert.ErrorIs(t, enc.SetBitrate(0), ErrInvalidConfig)
	assert.NoError(t, enc.SetBitrate(500))

	enc.Cleanup()
	_, err = enc.Flush()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestPassthroughAudio(t *testing.T) {
	enc := NewPassthroughAudio(media.AudioCodecAAC)
	require.NoError(t, enc.Init(AudioConfig{SampleRate: 48000, Channels: 2}))
	assert.Equal(t, 48000, enc.OutputSampleRate())

	samples := make([]float32, 960*2)
	samples[0] = 0.5
	samples[1] = -1
	packets, err := enc.EncodeChunk(samples, 1_000)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	p := packets[0]
	assert.Equal(t, media.KindAudio, p.Kind)
	assert.Equal(t, int64(1_000), p.TimestampUs)
	assert.Equal(t, int64(20_000), p.DurationUs)
	require.Len(t, p.Data, len(samples)*4)
	assert.Equal(t, float32(0.5), math.Float32frombits(binary.LittleEndian.Uint32(p.Data[0:4])))
	assert.Equal(t, float32(-1), math.Float32frombits(binary.LittleEndian.Uint32(p.Data[4:8])))

	_, err = enc.EncodeChunk(make([]float32, 3), 0)
	assert.ErrorIs(t, err, ErrFormatMismatch)
}

func TestPassthroughRegistry(t *testing.T) {
	r := NewPassthroughRegistry()
	for _, c := range []media.VideoCodec{media.VideoCodecH264, media.VideoCodecVP9, media.VideoCodecAV1} {
		enc, err := r.NewVideoEncoder(c)
		require.NoError(t, err)
		assert.Equal(t, c, enc.Codec())
	}
	for _, c := range []media.AudioCodec{media.AudioCodecAAC, media.AudioCodecOpus} {
		enc, err := r.NewAudioEncoder(c)
		require.NoError(t, err)
		assert.Equal(t, c, enc.Codec())
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	assert.Equal(t, "456789ab", tb.String())
}

func requireFFmpegEncoder(t *testing.T, name string) *FFmpeg {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	f := NewFFmpeg("", logging.Nop())
	if !f.HasEncoder(name) {
		t.Skipf("ffmpeg has no %s encoder", name)
	}
	return f
}

func TestFFmpegH264Encoder(t *testing.T) {
	f := requireFFmpegEncoder(t, "libx264")
	r := NewFFmpegRegistry(f)

	enc, err := r.NewVideoEncoder(media.VideoCodecH264)
	require.NoError(t, err)
	require.NoError(t, enc.Init(VideoConfig{Width: 64, Height: 64, FPS: 10, BitrateKbps: 500, Speed: "ultrafast"}))
	defer enc.Cleanup()

	frame := make([]byte, media.PixelFormatYUV420P.FrameSize(64, 64))
	var packets []media.Packet
	for i := range 10 {
		for j := range frame {
			frame[j] = byte(i * 20)
		}
		out, err := enc.EncodeFrame(frame, media.PixelFormatYUV420P, int64(i)*100_000)
		require.NoError(t, err)
		packets = append(packets, out...)
	}
	out, err := enc.Flush()
	require.NoError(t, err)
	packets = append(packets, out...)

	require.NotEmpty(t, packets)
	assert.True(t, packets[0].Keyframe)
	assert.Equal(t, int64(0), packets[0].TimestampUs)
	for i := 1; i < len(packets); i++ {
		assert.Greater(t, packets[i].TimestampUs, packets[i-1].TimestampUs)
	}
}

func TestFFmpegAACEncoder(t *testing.T) {
	f := requireFFmpegEncoder(t, "aac")
	r := NewFFmpegRegistry(f)

	enc, err := r.NewAudioEncoder(media.AudioCodecAAC)
	require.NoError(t, err)
	require.NoError(t, enc.Init(AudioConfig{SampleRate: 48000, Channels: 2, BitrateKbps: 128}))
	defer enc.Cleanup()

	samples := make([]float32, 4800*2)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 20))
	}
	var packets []media.Packet
	for i := range 5 {
		out, err := enc.EncodeChunk(samples, int64(i)*100_000)
		require.NoError(t, err)
		packets = append(packets, out...)
	}
	out, err := enc.Flush()
	require.NoError(t, err)
	packets = append(packets, out...)

	require.NotEmpty(t, packets)
	assert.Equal(t, int64(0), packets[0].TimestampUs)
	assert.Equal(t, int64(1024*1_000_000/48000), packets[0].DurationUs)
}
