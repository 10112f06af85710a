package recording

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/at-wat/ebml-go"
	gdisk "github.com/shirou/gopsutil/v4/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipstream/internal/codec"
	"clipstream/internal/config"
	"clipstream/internal/disk"
	"clipstream/internal/logging"
	"clipstream/internal/media"
	"clipstream/internal/mux"
	"clipstream/internal/replay"
)

const (
	testWidth  = 64
	testHeight = 48
)

type written struct {
	track int
	pkt   media.Packet
}

type fakeMuxer struct {
	mu        sync.Mutex
	container media.Container
	path      string
	tracks    []media.Track
	tags      mux.Tags
	packets   []written
	chapters  []mux.Chapter
	closed    bool
	file      *os.File
	openErr   error
}

func (m *fakeMuxer) Open(path string, tracks []media.Track, tags mux.Tags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.path = path
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if m.openErr != nil {
		f.Close()
		return m.openErr
	}
	m.tracks, m.tags, m.file = tracks, tags, f
	return nil
}

func (m *fakeMuxer) WritePacket(track int, p media.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return mux.ErrClosed
	}
	m.packets = append(m.packets, written{track: track, pkt: p})
	_, err := m.file.Write(p.Data)
	return err
}

func (m *fakeMuxer) Close(chapters []mux.Chapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return mux.ErrClosed
	}
	m.closed = true
	m.chapters = chapters
	return m.file.Close()
}

func (m *fakeMuxer) count(track int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.packets {
		if w.track == track {
			n++
		}
	}
	return n
}

type fakeMuxers struct {
	mu      sync.Mutex
	made    []*fakeMuxer
	openErr error
}

func (f *fakeMuxers) factory(c media.Container) (mux.Muxer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &fakeMuxer{container: c, openErr: f.openErr}
	f.made = append(f.made, m)
	return m, nil
}

func (f *fakeMuxers) last() *fakeMuxer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[len(f.made)-1]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		Recording: config.RecordingConfig{
			OutputDir:        dir,
			MaxStorageMB:     1000,
			CleanupThreshold: 90,
			Preset:           "balanced",
			StatusInterval:   500 * time.Millisecond,
		},
		Capture: config.CaptureConfig{Width: testWidth, Height: testHeight, FPS: 30, SampleRate: 48000, Channels: 2},
		Replay:  config.ReplayConfig{Seconds: 30, MemoryMB: 100},
		FFmpeg:  config.FFmpegConfig{Path: "ffmpeg", ProbePath: "ffprobe"},
	}
}

func plentyOfSpace(string) (*gdisk.UsageStat, error) {
	const gb = 1024 * 1024 * 1024
	return &gdisk.UsageStat{Total: 100 * gb, Used: 10 * gb, Free: 90 * gb}, nil
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeMuxers) {
	t.Helper()
	muxers := &fakeMuxers{}
	base := []Option{
		WithLogger(logging.Nop()),
		WithEncoders(codec.NewPassthroughRegistry()),
		WithMuxerFactory(muxers.factory),
		WithDiskOptions(disk.WithUsageFunc(plentyOfSpace)),
	}
	m := New(testConfig(t.TempDir()), append(base, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m, muxers
}

func initTestManager(t *testing.T, opts ...Option) (*Manager, *fakeMuxers) {
	t.Helper()
	m, muxers := newTestManager(t, opts...)
	require.NoError(t, m.Init(""))
	return m, muxers
}

func rawFrame(i int) []byte {
	f := make([]byte, testWidth*testHeight*4)
	f[0] = byte(i)
	return f
}

func submitStream(t *testing.T, m *Manager, frames int, startUs int64) {
	t.Helper()
	for i := range frames {
		ts := startUs + int64(i)*33_333
		require.NoError(t, m.SubmitVideoFrame(rawFrame(i), testWidth, testHeight, media.PixelFormatRGBA, ts))
		require.NoError(t, m.SubmitAudioChunk(make([]float32, 1600*2), 48000, 2, ts))
	}
}

func TestScenarioA_BalancedRecording(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	m, muxers := newTestManager(t)
	require.NoError(t, m.Init(dir))

	info, err := m.StartRecording(media.PresetBalanced, "Game")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), info.ID)
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, dir, filepath.Dir(info.Filepath))
	assert.Regexp(t, `^Game_\d{8}_\d{6}\.mp4$`, info.Filename)

	active, ok := m.ActiveRecording()
	require.True(t, ok)
	assert.Equal(t, media.ContainerMP4, active.Container)
	assert.Equal(t, media.VideoCodecH264, active.VideoCodec)
	assert.Equal(t, media.AudioCodecOpus, active.AudioCodec)
	assert.True(t, m.IsRecordingActive())

	stopped, err := m.StopRecording()
	require.NoError(t, err)
	assert.False(t, m.IsRecordingActive())
	assert.True(t, stopped.IsComplete)
	assert.True(t, muxers.last().closed)

	_, ok = m.ActiveRecording()
	assert.False(t, ok)
	last, ok := m.LastRecording()
	require.True(t, ok)
	assert.Equal(t, stopped.ID, last.ID)
}

func TestScenarioD_PresetSelection(t *testing.T) {
	m, _ := initTestManager(t)

	_, err := m.StartRecording(media.PresetHighQuality, "Game")
	require.NoError(t, err)
	active, ok := m.ActiveRecording()
	require.True(t, ok)
	assert.Equal(t, media.ContainerMatroska, active.Container)
	assert.Equal(t, media.VideoCodecVP9, active.VideoCodec)
	assert.Equal(t, ".mkv", filepath.Ext(active.Filename))
	_, err = m.StopRecording()
	require.NoError(t, err)

	_, err = m.StartRecording(media.PresetFast, "Game")
	require.NoError(t, err)
	active, ok = m.ActiveRecording()
	require.True(t, ok)
	assert.Equal(t, media.ContainerMP4, active.Container)
	assert.Equal(t, media.VideoCodecH264, active.VideoCodec)
	assert.Equal(t, uint32(2), active.ID)

	_, ok = m.LastRecording()
	assert.False(t, ok, "a new start discards the last snapshot")
}

func TestScenarioE_ChapterMarkers(t *testing.T) {
	m, muxers := initTestManager(t)

	assert.ErrorIs(t, m.AddChapterMarker("Boss", ""), ErrNotRecording)

	_, err := m.StartRecording(media.PresetFast, "Game")
	require.NoError(t, err)
	require.NoError(t, m.AddChapterMarker("Boss", "first attempt"))

	active, _ := m.ActiveRecording()
	require.Len(t, active.Chapters, 1)
	assert.Equal(t, "Boss", active.Chapters[0].Title)

	_, err = m.StopRecording()
	require.NoError(t, err)
	require.Len(t, muxers.last().chapters, 1)
	assert.Equal(t, "first attempt", muxers.last().chapters[0].Description)
}

func TestAdmissionExclusivity(t *testing.T) {
	m, muxers := initTestManager(t)

	first, err := m.StartRecording(media.PresetFast, "Game")
	require.NoError(t, err)

	_, err = m.StartRecording(media.PresetArchival, "Other")
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	assert.Len(t, muxers.made, 1)

	active, ok := m.ActiveRecording()
	require.True(t, ok)
	assert.Equal(t, first.ID, active.ID)
	assert.Equal(t, first.Filename, active.Filename)
}

func TestCaps(t *testing.T) {
	m, _ := initTestManager(t)
	_, err := m.StartRecording(media.PresetFast, "Game")
	require.NoError(t, err)

	for i := range MaxChapterMarkers {
		require.NoError(t, m.AddChapterMarker("chapter", ""), "chapter %d", i)
	}
	assert.ErrorIs(t, m.AddChapterMarker("one more", ""), ErrChapterLimit)
	active, _ := m.ActiveRecording()
	assert.Len(t, active.Chapters, MaxChapterMarkers)

	for i := range MaxAudioTracks {
		id, err := m.AddAudioTrack("track", 2, 48000)
		require.NoError(t, err)
		assert.Equal(t, i, id)
	}
	_, err = m.AddAudioTrack("one more", 2, 48000)
	assert.ErrorIs(t, err, ErrTrackLimit)
	tracks := m.AudioTracks()
	assert.Len(t, tracks, MaxAudioTracks)
	assert.True(t, tracks[0].Enabled)
	assert.Equal(t, float32(1.0), tracks[0].Volume)
}

func TestStateErrors(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.StartRecording(media.PresetFast, "")
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, m.Init(""))
	_, err = m.StopRecording()
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.ErrorIs(t, m.PauseRecording(), ErrInvalidState)
	assert.ErrorIs(t, m.ResumeRecording(), ErrInvalidState)

	_, err = m.StartRecording(media.PresetFast, "")
	require.NoError(t, err)
	assert.ErrorIs(t, m.ResumeRecording(), ErrInvalidState)
	require.NoError(t, m.PauseRecording())
	assert.ErrorIs(t, m.PauseRecording(), ErrInvalidState)
	assert.ErrorIs(t, m.SetOutputDirectory(t.TempDir()), ErrInvalidState)
}

func TestPauseResume_Duration(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m, _ := initTestManager(t, WithClock(clock.Now))

	_, err := m.StartRecording(media.PresetFast, "Game")
	require.NoError(t, err)
	clock.Advance(10 * time.Second)

	require.NoError(t, m.PauseRecording())
	assert.True(t, m.IsRecordingPaused())
	assert.Equal(t, StatePaused, m.Status().State)
	clock.Advance(5 * time.Second)
	require.NoError(t, m.AddChapterMarker("while paused", ""))

	require.NoError(t, m.ResumeRecording())
	assert.False(t, m.IsRecordingPaused())
	clock.Advance(3 * time.Second)

	info, err := m.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, 13*time.Second, info.Duration)
	require.Len(t, info.Chapters, 1)
	assert.Equal(t, 10*time.Second, info.Chapters[0].Timestamp)
	assert.False(t, info.IsPaused)
}

func TestSubmit_NoopWhenIdle(t *testing.T) {
	m, _ := initTestManager(t)

	assert.NoError(t, m.SubmitVideoFrame(rawFrame(0), testWidth, testHeight, media.PixelFormatRGBA, 0))
	assert.NoError(t, m.SubmitAudioChunk([]float32{0, 0}, 48000, 2, 0))
	assert.NoError(t, m.SubmitVideoFrame(nil, 0, 0, media.PixelFormatRGBA, 0))
	assert.Zero(t, m.EncodingQueueDepth())
	assert.Zero(t, m.FrameDropCount())
}

func TestSubmit_NoopWhilePaused(t *testing.T) {
	m, muxers := initTestManager(t)
	_, err := m.StartRecording(media.PresetFast, "Game")
	require.NoError(t, err)
	require.NoError(t, m.PauseRecording())

	submitStream(t, m, 5, 0)
	assert.Zero(t, m.EncodingQueueDepth())

	_, err = m.StopRecording()
	require.NoError(t, err)
	assert.Empty(t, muxers.last().packets)
}

func TestSubmit_InvalidInput(t *testing.T) {
	m, _ := initTestManager(t)
	_, err := m.StartRecording(media.PresetFast, "Game")
	require.NoError(t, err)

	assert.ErrorIs(t, m.SubmitVideoFrame(nil, testWidth, testHeight, media.PixelFormatRGBA, 0), ErrInvalidInput)
	assert.ErrorIs(t, m.SubmitVideoFrame(rawFrame(0), 0, testHeight, media.PixelFormatRGBA, 0), ErrInvalidInput)
	assert.ErrorIs(t, m.SubmitAudioChunk(nil, 48000, 2, 0), ErrInvalidInput)
	assert.ErrorIs(t, m.SubmitAudioChunk([]float32{1}, 48000, 0, 0), ErrInvalidInput)
}

func TestSubmit_QueueFull(t *testing.T) {
	// without Init no consumer runs, so the queue only fills
	m, _ := newTestManager(t)
	require.NoError(t, m.EnableReplayBuffer(10, 100))

	for i := range MaxQueueSize {
		require.NoError(t, m.SubmitVideoFrame([]byte{1}, testWidth, testHeight, media.PixelFormatRGBA, int64(i)))
	}
	err := m.SubmitVideoFrame([]byte{1}, testWidth, testHeight, media.PixelFormatRGBA, 0)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), m.FrameDropCount())
	assert.Equal(t, MaxQueueSize, m.EncodingQueueDepth())

	require.NoError(t, m.SubmitAudioChunk([]float32{1, 1}, 48000, 2, 0), "audio has its own queue")
	assert.Equal(t, MaxQueueSize+1, m.Status().QueueDepth)
}

func TestRecording_EncodesAndMuxes(t *testing.T) {
	m, muxers := initTestManager(t)
	m.SetPlayerName("madeline")
	m.SetTags([]string{"speedrun", "any%"})
	_, err := m.AddAudioTrack("Game Audio", 2, 48000)
	require.NoError(t, err)

	info, err := m.StartRecording(media.PresetFast, "Celeste")
	require.NoError(t, err)
	assert.True(t, info.HasAudio)

	submitStream(t, m, 10, 5_000_000)
	info, err = m.StopRecording()
	require.NoError(t, err)

	fm := muxers.last()
	require.Len(t, fm.tracks, 2)
	assert.Equal(t, media.AudioCodecAAC, fm.tracks[1].AudioCodec)
	assert.Equal(t, "Game Audio", fm.tracks[1].Name)
	assert.Equal(t, "Celeste", fm.tags.Title)
	assert.Equal(t, "madeline", fm.tags.Artist)
	assert.Equal(t, "speedrun, any%", fm.tags.Comment)
	assert.Equal(t, info.SessionID, fm.tags.Extra["session_id"])

	assert.Equal(t, 10, fm.count(0))
	assert.Equal(t, 10, fm.count(1))
	assert.Equal(t, int64(0), fm.packets[0].pkt.TimestampUs, "timestamps start at zero")
	assert.Greater(t, info.FileSize, int64(0))
	assert.Zero(t, m.EncodingQueueDepth())
}

func TestRecording_DropsMismatchedFrames(t *testing.T) {
	m, muxers := initTestManager(t)
	_, err := m.StartRecording(media.PresetFast, "Game")
	require.NoError(t, err)

	require.NoError(t, m.SubmitVideoFrame(make([]byte, 16), 2, 2, media.PixelFormatRGBA, 0))
	require.NoError(t, m.SubmitVideoFrame(rawFrame(1), testWidth, testHeight, media.PixelFormatRGBA, 33_333))
	_, err = m.StopRecording()
	require.NoError(t, err)

	assert.Equal(t, 1, muxers.last().count(0))
}

func TestStart_RollbackOnMuxerFailure(t *testing.T) {
	m, muxers := initTestManager(t)
	muxers.openErr = errors.New("no space left on device")

	_, err := m.StartRecording(media.PresetFast, "Game")
	require.Error(t, err)
	assert.False(t, m.IsRecordingActive())
	assert.NoFileExists(t, muxers.last().path)
	entries, err := os.ReadDir(m.OutputDirectory())
	require.NoError(t, err)
	assert.Empty(t, entries)

	muxers.openErr = nil
	info, err := m.StartRecording(media.PresetFast, "Game")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), info.ID, "failed starts do not consume ids")
}

func TestStart_CodecUnavailable(t *testing.T) {
	m, _ := initTestManager(t, WithEncoders(codec.NewRegistry()))

	_, err := m.StartRecording(media.PresetHighQuality, "Game")
	assert.ErrorIs(t, err, ErrCodecUnavailable)
	assert.False(t, m.IsRecordingActive())
}

func TestStart_VideoOnlyWithoutAudioEncoder(t *testing.T) {
	r := codec.NewRegistry()
	r.RegisterVideo(media.VideoCodecH264, "passthrough", nil, func() codec.VideoEncoder {
		return codec.NewPassthroughVideo(media.VideoCodecH264)
	})
	m, muxers := initTestManager(t, WithEncoders(r))

	info, err := m.StartRecording(media.PresetFast, "Game")
	require.NoError(t, err)
	assert.False(t, info.HasAudio)
	assert.Len(t, muxers.last().tracks, 1)
}

func TestStart_StorageLimit(t *testing.T) {
	m, muxers := initTestManager(t)
	m.SetMaxStorage(1)

	f, err := os.Create(filepath.Join(m.OutputDirectory(), "old.mp4"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(2*1024*1024))
	require.NoError(t, f.Close())

	_, err = m.StartRecording(media.PresetFast, "Game")
	assert.ErrorIs(t, err, ErrStorageLimitReached)
	assert.False(t, m.IsRecordingActive())
	assert.Empty(t, muxers.made)
}

func TestReplay_EnableDisable(t *testing.T) {
	m, _ := initTestManager(t)

	_, err := m.SaveReplayBuffer("clip.mp4", 0, nil)
	assert.ErrorIs(t, err, ErrReplayNotEnabled)
	assert.ErrorIs(t, m.EnableReplayBuffer(0, 100), replay.ErrInvalidDuration)

	require.NoError(t, m.EnableReplayBuffer(30, 100))
	assert.ErrorIs(t, m.EnableReplayBuffer(30, 100), ErrReplayAlreadyEnabled)
	assert.True(t, m.IsReplayEnabled())

	m.DisableReplayBuffer()
	m.DisableReplayBuffer()
	assert.False(t, m.IsReplayEnabled())
	_, ok := m.ReplayStats()
	assert.False(t, ok)

	require.NoError(t, m.EnableReplayBuffer(30, 100), "enable works again after disable")
}

func TestReplay_SaveClip(t *testing.T) {
	m, muxers := initTestManager(t)
	require.NoError(t, m.EnableReplayBuffer(10, 100))

	submitStream(t, m, 60, 0)
	path, err := m.SaveReplayBuffer("clip.mkv", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.OutputDirectory(), "clip.mkv"), path)

	stats, ok := m.ReplayStats()
	require.True(t, ok)
	assert.Equal(t, 60, stats.VideoFrames)
	assert.Equal(t, 60, stats.AudioChunks)

	fm := muxers.last()
	assert.Equal(t, media.ContainerMatroska, fm.container)
	require.Len(t, fm.tracks, 2)
	assert.Equal(t, media.VideoCodecH264, fm.tracks[0].VideoCodec)
	assert.Equal(t, media.AudioCodecOpus, fm.tracks[1].AudioCodec)
	assert.Equal(t, 60, fm.count(0))
	assert.True(t, fm.closed)

	abs := filepath.Join(t.TempDir(), "elsewhere.flv")
	path, err = m.SaveReplayBuffer(abs, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, abs, path)
	assert.Equal(t, media.ContainerFLV, muxers.last().container)
	assert.Less(t, muxers.last().count(0), 60)
}

func TestReplay_RunsAlongsideRecording(t *testing.T) {
	m, muxers := initTestManager(t)
	require.NoError(t, m.EnableReplayBuffer(10, 100))
	_, err := m.StartRecording(media.PresetHighQuality, "Game")
	require.NoError(t, err)
	recording := muxers.last()

	submitStream(t, m, 20, 0)
	_, err = m.StopRecording()
	require.NoError(t, err)

	assert.Equal(t, 20, recording.count(0))
	st := m.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, st.ReplayEnabled)
	assert.Equal(t, 20, st.Replay.VideoFrames)
	assert.Equal(t, uint64(20), st.ReplayEncoder.FramesIn)
}

func TestStatus(t *testing.T) {
	m, _ := initTestManager(t)
	assert.Equal(t, StateIdle, m.Status().State)

	info, err := m.StartRecording(media.PresetFast, "Game")
	require.NoError(t, err)
	submitStream(t, m, 3, 0)

	require.Eventually(t, func() bool {
		return m.Status().Encoder.VideoFrames == 3
	}, 2*time.Second, 10*time.Millisecond)

	st := m.Status()
	assert.Equal(t, StateRecording, st.State)
	assert.Equal(t, info.ID, st.RecordingID)
	assert.Equal(t, info.Filename, st.Filename)
	assert.Greater(t, st.FileSize, int64(0))
	assert.Equal(t, st.FileSize, m.CurrentFileSize())
	assert.Equal(t, uint64(90*1024), m.AvailableDiskSpace())
}

func TestClose(t *testing.T) {
	m, muxers := initTestManager(t)
	_, err := m.StartRecording(media.PresetFast, "Game")
	require.NoError(t, err)
	require.NoError(t, m.EnableReplayBuffer(5, 10))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, muxers.last().closed)

	last, ok := m.LastRecording()
	require.True(t, ok)
	assert.True(t, last.IsComplete)
	assert.False(t, m.IsReplayEnabled())

	_, err = m.StartRecording(media.PresetFast, "Game")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecording_Matroska(t *testing.T) {
	m, _ := initTestManager(t, WithMuxerFactory(mux.NewFactory(mux.WithLogger(logging.Nop()))))

	info, err := m.StartRecording(media.PresetHighQuality, "Celeste")
	require.NoError(t, err)
	submitStream(t, m, 30, 0)
	require.NoError(t, m.AddChapterMarker("Boss", "chapter 1"))

	info, err = m.StopRecording()
	require.NoError(t, err)
	assert.True(t, info.IsComplete)

	data, err := os.ReadFile(info.Filepath)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1a, 0x45, 0xdf, 0xa3}, data[:4])
	for _, s := range []string{"V_VP9", "A_OPUS", "Celeste", "Boss - chapter 1"} {
		assert.True(t, bytes.Contains(data, []byte(s)), "missing %q", s)
	}
	assert.Equal(t, int64(len(data)), info.FileSize)

	// chapters and tags follow the clusters, so readers need the SeekHead
	// ahead of the first cluster to find them
	head := bytes.Index(data, ebml.ElementSeekHead.Bytes())
	cluster := bytes.Index(data, ebml.ElementCluster.Bytes())
	chapters := bytes.LastIndex(data, ebml.ElementChapters.Bytes())
	tags := bytes.LastIndex(data, ebml.ElementTags.Bytes())
	require.Positive(t, head)
	assert.Less(t, head, cluster)
	assert.Greater(t, chapters, cluster)
	assert.Greater(t, tags, chapters)
	seekHead := data[head:cluster]
	assert.True(t, bytes.Contains(seekHead, ebml.ElementChapters.Bytes()), "SeekHead misses Chapters")
	assert.True(t, bytes.Contains(seekHead, ebml.ElementTags.Bytes()), "SeekHead misses Tags")
}

// annexBVideo wraps the passthrough encoder so H.264 packets carry the
// parameter sets a real muxer needs.
type annexBVideo struct {
	*codec.PassthroughVideo
}

func (a annexBVideo) EncodeFrame(raw []byte, format media.PixelFormat, timestampUs int64) ([]media.Packet, error) {
	packets, err := a.PassthroughVideo.EncodeFrame(raw, format, timestampUs)
	for i := range packets {
		if packets[i].Keyframe {
			packets[i].Data = []byte{0, 0, 0, 1, 0x67, 0x64, 0x00, 0x28, 0xac, 0xd9, 0, 0, 0, 1, 0x68, 0xeb, 0xe3, 0, 0, 0, 1, 0x65, 0x88, 0x84}
		} else {
			packets[i].Data = []byte{0, 0, 0, 1, 0x41, 0x9a, 0x21}
		}
	}
	return packets, err
}

func TestRecording_MP4RemuxFailure(t *testing.T) {
	encoders := codec.NewPassthroughRegistry()
	encoders.RegisterVideo(media.VideoCodecH264, "annexb", nil, func() codec.VideoEncoder {
		return annexBVideo{codec.NewPassthroughVideo(media.VideoCodecH264)}
	})
	muxers := mux.NewFactory(mux.WithLogger(logging.Nop()), mux.WithFFmpegPath(filepath.Join(t.TempDir(), "no-ffmpeg")))
	m, _ := initTestManager(t, WithEncoders(encoders), WithMuxerFactory(muxers))

	info, err := m.StartRecording(media.PresetBalanced, "Game")
	require.NoError(t, err)
	require.Equal(t, media.ContainerMP4, info.Container)
	mp4Path := info.Filepath
	submitStream(t, m, 30, 0)

	info, err = m.StopRecording()
	require.Error(t, err)
	assert.False(t, info.IsComplete)
	assert.Equal(t, media.ContainerMatroska, info.Container)
	assert.Equal(t, strings.TrimSuffix(mp4Path, ".mp4")+".mkv", info.Filepath)
	assert.Equal(t, filepath.Base(info.Filepath), info.Filename)
	assert.NoFileExists(t, mp4Path)

	fi, err := os.Stat(info.Filepath)
	require.NoError(t, err)
	assert.Positive(t, fi.Size())
	assert.Equal(t, fi.Size(), info.FileSize)

	last, ok := m.LastRecording()
	require.True(t, ok)
	assert.Equal(t, info.Filepath, last.Filepath)
	assert.Equal(t, media.ContainerMatroska, last.Container)
}
