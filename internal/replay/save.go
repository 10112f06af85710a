package replay

import (
	"fmt"
	"os"

	"clipstream/internal/codec"
	"clipstream/internal/media"
	"clipstream/internal/mux"
)

// Save writes the newest durationSec seconds to path, or everything held
// when durationSec is zero. The container follows the file extension. A
// nil codec means the buffer's own codec; an unknown one falls back to
// H.264. The buffer is left intact. Both rings stay locked for the whole
// write.
func (b *Buffer) Save(path string, durationSec uint32, videoCodec *media.VideoCodec) error {
	b.videoMu.Lock()
	defer b.videoMu.Unlock()
	b.audioMu.Lock()
	defer b.audioMu.Unlock()

	if b.destroyed.Load() {
		return ErrDestroyed
	}
	if len(b.video) == 0 {
		return ErrNoVideoFrames
	}

	vc := b.resolveCodec(videoCodec)
	container := media.ContainerFromPath(path)

	frames := selectFrames(b.video, cutoff(b.video, b.audio, durationSec))
	base := frames[0].TimestampUs
	first := frames[0]

	tracks := []media.Track{{
		Kind:       media.KindVideo,
		Name:       "Video",
		VideoCodec: vc,
		Width:      first.Width,
		Height:     first.Height,
		FPS:        estimateFPS(frames),
	}}

	audioPackets, audioTrack, ok := b.encodeAudio(container, base, frames[len(frames)-1].TimestampUs)
	if ok {
		tracks = append(tracks, audioTrack)
	}

	m, err := b.opts.muxers(container)
	if err != nil {
		return err
	}
	tags := mux.Tags{Title: "Replay", Comment: fmt.Sprintf("%d video frames", len(frames))}
	if err := m.Open(path, tracks, tags); err != nil {
		return fmt.Errorf("failed to open replay output: %w", err)
	}

	writeErr := writeMerged(m, frames, audioPackets, base)
	closeErr := m.Close(nil)
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if writeErr != nil {
			return fmt.Errorf("failed to write replay: %w", writeErr)
		}
		return fmt.Errorf("failed to finalize replay: %w", closeErr)
	}

	b.logger.Info("replay saved", "path", path, "frames", len(frames),
		"audio_packets", len(audioPackets), "container", container, "codec", vc)
	return nil
}

func (b *Buffer) resolveCodec(requested *media.VideoCodec) media.VideoCodec {
	if requested == nil {
		return b.opts.videoCodec
	}
	c := *requested
	if !c.Valid() {
		b.logger.Warn("invalid replay codec, using h264", "codec", int(c))
		c = media.VideoCodecH264
	}
	if c != b.opts.videoCodec {
		// packets are already encoded and cannot change codec here
		b.logger.Warn("replay codec differs from buffered frames, keeping buffered codec",
			"requested", c, "buffered", b.opts.videoCodec)
		return b.opts.videoCodec
	}
	return c
}

// cutoff returns the oldest timestamp a save of durationSec includes.
func cutoff(video []VideoFrame, audio []AudioChunk, durationSec uint32) int64 {
	oldest, newest := spanOf(video, audio)
	if durationSec == 0 {
		return oldest
	}
	return max(oldest, newest-int64(durationSec)*1_000_000)
}

// selectFrames returns the frames at or after cut, less any leading
// non-keyframes. Without a keyframe in range the range is returned as is.
func selectFrames(video []VideoFrame, cut int64) []VideoFrame {
	start := len(video) - 1
	for i, f := range video {
		if f.TimestampUs >= cut {
			start = i
			break
		}
	}
	for i := start; i < len(video); i++ {
		if video[i].Keyframe {
			return video[i:]
		}
	}
	return video[start:]
}

func estimateFPS(frames []VideoFrame) int {
	if len(frames) < 2 {
		return 0
	}
	span := frames[len(frames)-1].TimestampUs - frames[0].TimestampUs
	if span <= 0 {
		return 0
	}
	return int((int64(len(frames)-1)*1_000_000 + span/2) / span)
}

// encodeAudio encodes the held PCM between from and to with the
// container's default audio codec. Chunks in a different format than the
// first one are skipped. Audio is left out, with a warning, when no
// encoder is available or encoding fails.
func (b *Buffer) encodeAudio(container media.Container, from, to int64) ([]media.Packet, media.Track, bool) {
	var chunks []AudioChunk
	for _, c := range b.audio {
		if c.TimestampUs >= from && c.TimestampUs <= to {
			chunks = append(chunks, c)
		}
	}
	if len(chunks) == 0 {
		return nil, media.Track{}, false
	}
	if b.opts.encoders == nil {
		b.logger.Warn("no audio encoder configured, saving video only")
		return nil, media.Track{}, false
	}

	ac := container.DefaultAudioCodec()
	if !b.opts.encoders.AudioAvailable(ac) {
		b.logger.Warn("audio codec unavailable, saving video only", "codec", ac)
		return nil, media.Track{}, false
	}
	enc, err := b.opts.encoders.NewAudioEncoder(ac)
	if err != nil {
		b.logger.Warn("audio encoder", "codec", ac, "error", err)
		return nil, media.Track{}, false
	}
	defer enc.Cleanup()

	rate, channels := chunks[0].SampleRate, chunks[0].Channels
	if err := enc.Init(codec.AudioConfig{SampleRate: rate, Channels: channels, BitrateKbps: b.opts.audioKbps}); err != nil {
		b.logger.Warn("audio encoder init", "codec", ac, "error", err)
		return nil, media.Track{}, false
	}

	var packets []media.Packet
	for _, c := range chunks {
		if c.SampleRate != rate || c.Channels != channels {
			continue
		}
		out, err := enc.EncodeChunk(c.Samples, c.TimestampUs)
		if err != nil {
			b.logger.Warn("audio encode failed, saving video only", "error", err)
			return nil, media.Track{}, false
		}
		packets = append(packets, out...)
	}
	out, err := enc.Flush()
	if err != nil {
		b.logger.Warn("audio flush failed, saving video only", "error", err)
		return nil, media.Track{}, false
	}
	packets = append(packets, out...)

	track := media.Track{Kind: media.KindAudio, Name: "Audio", AudioCodec: ac, SampleRate: rate, Channels: channels}
	return packets, track, len(packets) > 0
}

// writeMerged writes video and audio in timestamp order, rebased so the
// first video frame is at zero. Audio before it is dropped.
func writeMerged(m mux.Muxer, frames []VideoFrame, audio []media.Packet, base int64) error {
	vi, ai := 0, 0
	for vi < len(frames) || ai < len(audio) {
		if ai < len(audio) && audio[ai].TimestampUs < base {
			ai++
			continue
		}
		if vi < len(frames) && (ai >= len(audio) || frames[vi].TimestampUs <= audio[ai].TimestampUs) {
			f := frames[vi]
			p := media.Packet{
				Kind:        media.KindVideo,
				Data:        f.Data,
				TimestampUs: f.TimestampUs - base,
				Keyframe:    f.Keyframe,
			}
			if err := m.WritePacket(0, p); err != nil {
				return err
			}
			vi++
			continue
		}
		p := audio[ai]
		p.TimestampUs -= base
		if err := m.WritePacket(1, p); err != nil {
			return err
		}
		ai++
	}
	return nil
}
