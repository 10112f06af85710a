package codec

import (
	"fmt"
	"sort"
	"sync"

	"clipstream/internal/media"
)

type VideoFactory func() VideoEncoder

type AudioFactory func() AudioEncoder

type videoEntry struct {
	name      string
	available func() bool
	factory   VideoFactory
}

type audioEntry struct {
	name      string
	available func() bool
	factory   AudioFactory
}

// Registry is a Provider backed by registered factories.
type Registry struct {
	mu    sync.RWMutex
	video map[media.VideoCodec]videoEntry
	audio map[media.AudioCodec]audioEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		video: make(map[media.VideoCodec]videoEntry),
		audio: make(map[media.AudioCodec]audioEntry),
	}
}

// RegisterVideo adds or replaces the encoder for c. A nil available func
// means always available.
func (r *Registry) RegisterVideo(c media.VideoCodec, name string, available func() bool, f VideoFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video[c] = videoEntry{name: name, available: available, factory: f}
}

// RegisterAudio is RegisterVideo for audio encoders.
func (r *Registry) RegisterAudio(c media.AudioCodec, name string, available func() bool, f AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[c] = audioEntry{name: name, available: available, factory: f}
}

func (r *Registry) VideoAvailable(c media.VideoCodec) bool {
	r.mu.RLock()
	e, ok := r.video[c]
	r.mu.RUnlock()
	return ok && (e.available == nil || e.available())
}

func (r *Registry) AudioAvailable(c media.AudioCodec) bool {
	r.mu.RLock()
	e, ok := r.audio[c]
	r.mu.RUnlock()
	return ok && (e.available == nil || e.available())
}

// NewVideoEncoder returns a fresh encoder for c, or ErrUnavailable.
func (r *Registry) NewVideoEncoder(c media.VideoCodec) (VideoEncoder, error) {
	r.mu.RLock()
	e, ok := r.video[c]
	r.mu.RUnlock()
	if !ok || (e.available != nil && !e.available()) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, c)
	}
	return e.factory(), nil
}

func (r *Registry) NewAudioEncoder(c media.AudioCodec) (AudioEncoder, error) {
	r.mu.RLock()
	e, ok := r.audio[c]
	r.mu.RUnlock()
	if !ok || (e.available != nil && !e.available()) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, c)
	}
	return e.factory(), nil
}

// Capability is one row of the availability report printed by doctor.
type Capability struct {
	Kind      media.Kind
	Codec     string
	Encoder   string
	Available bool
}

// Capabilities lists every registered codec, video first.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var caps []Capability
	for c, e := range r.video {
		caps = append(caps, Capability{
			Kind:      media.KindVideo,
			Codec:     c.String(),
			Encoder:   e.name,
			Available: e.available == nil || e.available(),
		})
	}
	for c, e := range r.audio {
		caps = append(caps, Capability{
			Kind:      media.KindAudio,
			Codec:     c.String(),
			Encoder:   e.name,
			Available: e.available == nil || e.available(),
		})
	}
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].Kind != caps[j].Kind {
			return caps[i].Kind < caps[j].Kind
		}
		return caps[i].Codec < caps[j].Codec
	})
	return caps
}
