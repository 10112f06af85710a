package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipstream/internal/logging"
	"clipstream/internal/media"
)

type recordingSink struct {
	mu     sync.Mutex
	video  []int64
	audio  []int64
	reject bool
}

func (s *recordingSink) SubmitVideoFrame(data []byte, width, height int, format media.PixelFormat, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return errors.New("queue full")
	}
	if len(data) != format.FrameSize(width, height) {
		return errors.New("bad frame")
	}
	s.video = append(s.video, ts)
	return nil
}

func (s *recordingSink) SubmitAudioChunk(samples []float32, rate, channels int, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return errors.New("queue full")
	}
	s.audio = append(s.audio, ts)
	return nil
}

func testSource(t *testing.T) *Source {
	t.Helper()
	src, err := NewSource(Config{Width: 32, Height: 16, FPS: 50, SampleRate: 48000, Channels: 2}, logging.Nop())
	require.NoError(t, err)
	return src
}

func TestNewSource_Validation(t *testing.T) {
	_, err := NewSource(Config{Width: 0, Height: 16, FPS: 30, SampleRate: 48000, Channels: 2}, nil)
	assert.Error(t, err)
	_, err = NewSource(Config{Width: 32, Height: 16, FPS: 30, SampleRate: 48000}, nil)
	assert.Error(t, err)
}

func TestVideoFrame(t *testing.T) {
	src := testSource(t)

	frame := src.VideoFrame(0)
	require.Len(t, frame, 32*16*4)
	// column 0 is the sweep on frame 0
	assert.Equal(t, []byte{255, 255, 255, 255}, frame[:4])
	// first bar is grey, last bar blue
	assert.Equal(t, []byte{192, 192, 192, 255}, frame[4:8])
	last := (32 - 1) * 4
	assert.Equal(t, []byte{0, 0, 192, 255}, frame[last:last+4])

	assert.NotEqual(t, frame, src.VideoFrame(25))
}

func TestAudioChunk(t *testing.T) {
	src := testSource(t)

	chunk := src.AudioChunk(0)
	require.Len(t, chunk, 960*2)
	assert.Zero(t, chunk[0])
	assert.Equal(t, chunk[2], chunk[3], "channels carry the same tone")
	for _, v := range chunk {
		assert.LessOrEqual(t, v, float32(0.25))
		assert.GreaterOrEqual(t, v, float32(-0.25))
	}
}

func TestRun(t *testing.T) {
	src := testSource(t)
	sink := &recordingSink{}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, src.Run(ctx, sink))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.video)
	require.NotEmpty(t, sink.audio)
	assert.Equal(t, int64(0), sink.video[0])
	for i := 1; i < len(sink.video); i++ {
		assert.Equal(t, int64(20_000), sink.video[i]-sink.video[i-1])
	}
	st := src.Stats()
	assert.Equal(t, uint64(len(sink.video)), st.VideoFrames)
	assert.Equal(t, uint64(len(sink.audio)), st.AudioChunks)
	assert.Zero(t, st.Rejected)
}

func TestRun_CountsRejections(t *testing.T) {
	src := testSource(t)
	sink := &recordingSink{reject: true}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, src.Run(ctx, sink))

	st := src.Stats()
	assert.Zero(t, st.VideoFrames)
	assert.Greater(t, st.Rejected, uint64(0))
}
