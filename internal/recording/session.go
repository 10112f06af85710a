package recording

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"clipstream/internal/codec"
	"clipstream/internal/media"
	"clipstream/internal/mux"
	"clipstream/internal/replay"
)

type counters struct {
	videoFrames atomic.Uint64
	audioChunks atomic.Uint64
	packets     atomic.Uint64
	bytes       atomic.Uint64
	keyframes   atomic.Uint64
	errors      atomic.Uint64
}

func (c *counters) snapshot() EncodeStats {
	return EncodeStats{
		VideoFrames:    c.videoFrames.Load(),
		AudioChunks:    c.audioChunks.Load(),
		PacketsWritten: c.packets.Load(),
		BytesWritten:   c.bytes.Load(),
		Keyframes:      c.keyframes.Load(),
		Errors:         c.errors.Load(),
	}
}

// session is the one open recording. info and the pause bookkeeping belong
// to Manager.mu; the encoders, the muxer and the timestamp state belong to
// the consumer under Manager.pipeMu.
type session struct {
	id          uint32
	info        Info
	pausedAt    time.Time
	pausedTotal time.Duration
	currentPath string

	video      codec.VideoEncoder
	audio      codec.AudioEncoder
	muxer      mux.Muxer
	videoCfg   codec.VideoConfig
	audioCfg   codec.AudioConfig
	audioTrack int

	base     int64
	based    bool
	pausedUs int64
	lastTs   [2]int64
	writeErr error
	warned   bool

	stats  counters
	logger *slog.Logger
}

// duration is the recorded time up to now, paused intervals excluded.
func (s *session) duration(now time.Time) time.Duration {
	d := now.Sub(s.info.StartedAt) - s.pausedTotal
	if s.info.IsPaused {
		d -= now.Sub(s.pausedAt)
	}
	return max(d, 0)
}

// rebase maps a producer timestamp onto the recording timeline, which
// starts at the first item and skips paused time.
func (s *session) rebase(ts int64) int64 {
	if !s.based {
		s.base = ts
		s.based = true
	}
	return max(ts-s.base-s.pausedUs, 0)
}

func (s *session) encodeVideo(it videoItem) {
	if it.width != s.videoCfg.Width || it.height != s.videoCfg.Height {
		s.fail("frame size does not match recording", fmt.Errorf("%w: %dx%d, recording is %dx%d",
			ErrInvalidInput, it.width, it.height, s.videoCfg.Width, s.videoCfg.Height))
		return
	}
	packets, err := s.video.EncodeFrame(it.data, it.format, s.rebase(it.timestampUs))
	if err != nil {
		s.fail("video encode failed", err)
	}
	s.stats.videoFrames.Add(1)
	s.write(0, packets)
}

func (s *session) encodeAudio(it audioItem) {
	if s.audio == nil {
		return
	}
	if it.sampleRate != s.audioCfg.SampleRate || it.channels != s.audioCfg.Channels {
		s.fail("audio format does not match recording", fmt.Errorf("%w: %d Hz %d ch, recording is %d Hz %d ch",
			ErrInvalidInput, it.sampleRate, it.channels, s.audioCfg.SampleRate, s.audioCfg.Channels))
		return
	}
	packets, err := s.audio.EncodeChunk(it.samples, s.rebase(it.timestampUs))
	if err != nil {
		s.fail("audio encode failed", err)
	}
	s.stats.audioChunks.Add(1)
	s.write(s.audioTrack, packets)
}

func (s *session) write(track int, packets []media.Packet) {
	for _, p := range packets {
		if p.TimestampUs < s.lastTs[track] {
			p.TimestampUs = s.lastTs[track]
		}
		s.lastTs[track] = p.TimestampUs

		if err := s.muxer.WritePacket(track, p); err != nil {
			s.stats.errors.Add(1)
			if s.writeErr == nil {
				s.writeErr = err
				s.logger.Error("failed to write packet", "track", track, "error", err)
			}
			continue
		}
		s.stats.packets.Add(1)
		s.stats.bytes.Add(uint64(len(p.Data)))
		if p.Keyframe && p.Kind == media.KindVideo {
			s.stats.keyframes.Add(1)
		}
	}
}

// fail counts a dropped item. Only the first one is logged at warn level.
func (s *session) fail(msg string, err error) {
	s.stats.errors.Add(1)
	if !s.warned {
		s.warned = true
		s.logger.Warn(msg, "error", err)
		return
	}
	s.logger.Debug(msg, "error", err)
}

// finish flushes both encoders into the muxer and closes it.
func (s *session) finish(chapters []mux.Chapter) error {
	packets, err := s.video.Flush()
	if err != nil {
		s.logger.Warn("video flush failed", "error", err)
	}
	s.write(0, packets)
	if s.audio != nil {
		packets, err := s.audio.Flush()
		if err != nil {
			s.logger.Warn("audio flush failed", "error", err)
		}
		s.write(s.audioTrack, packets)
	}
	s.release()

	if err := s.muxer.Close(chapters); err != nil {
		return fmt.Errorf("failed to finalize recording: %w", err)
	}
	return nil
}

func (s *session) release() {
	s.video.Cleanup()
	if s.audio != nil {
		s.audio.Cleanup()
	}
}

func muxChapters(markers []ChapterMarker) []mux.Chapter {
	chapters := make([]mux.Chapter, 0, len(markers))
	for _, c := range markers {
		chapters = append(chapters, mux.Chapter{Start: c.Timestamp, Title: c.Title, Description: c.Description})
	}
	return chapters
}

// replayFeed encodes frames for the replay buffer. Without an encoder only
// audio reaches the buffer.
type replayFeed struct {
	buf    *replay.Buffer
	enc    codec.VideoEncoder
	cfg    codec.VideoConfig
	warned bool
	logger *slog.Logger
}

func (r *replayFeed) addVideo(it videoItem) {
	if r.enc == nil {
		return
	}
	if it.width != r.cfg.Width || it.height != r.cfg.Height {
		r.warn("replay frame size mismatch", fmt.Errorf("%dx%d, encoder is %dx%d", it.width, it.height, r.cfg.Width, r.cfg.Height))
		return
	}
	packets, err := r.enc.EncodeFrame(it.data, it.format, it.timestampUs)
	if err != nil {
		r.warn("replay encode failed", err)
	}
	for _, p := range packets {
		if err := r.buf.AddVideoFrame(p.Data, it.width, it.height, p.TimestampUs, p.Keyframe); err != nil {
			r.warn("replay buffer rejected frame", err)
		}
	}
}

func (r *replayFeed) addAudio(it audioItem) {
	if err := r.buf.AddAudioChunk(it.samples, it.sampleRate, it.channels, it.timestampUs); err != nil {
		r.warn("replay buffer rejected audio", err)
	}
}

func (r *replayFeed) warn(msg string, err error) {
	if !r.warned {
		r.warned = true
		r.logger.Warn(msg, "error", err)
		return
	}
	r.logger.Debug(msg, "error", err)
}

func (r *replayFeed) close() {
	if r.enc != nil {
		r.enc.Cleanup()
	}
	r.buf.Destroy()
}
