package replay

// entry is what the eviction sweeps need from a ring element.
type entry interface {
	timestamp() int64
	size() int64
}

func (f VideoFrame) timestamp() int64 { return f.TimestampUs }
func (f VideoFrame) size() int64      { return int64(len(f.Data)) }

func (c AudioChunk) timestamp() int64 { return c.TimestampUs }
func (c AudioChunk) size() int64      { return int64(len(c.Samples)) * 4 }

// evictByAge drops head entries older than windowUs relative to newestUs
// and returns the remaining ring and the bytes released.
func evictByAge[T entry](q []T, newestUs, windowUs int64) ([]T, int64) {
	n := 0
	var freed int64
	for n < len(q) && newestUs-q[n].timestamp() > windowUs {
		freed += q[n].size()
		n++
	}
	clear(q[:n])
	return q[n:], freed
}

// evictByMemory drops video heads, then audio heads, until total is within
// limit. A limit of zero or less disables the sweep.
func evictByMemory(video []VideoFrame, audio []AudioChunk, total, limit int64) ([]VideoFrame, []AudioChunk, int64) {
	if limit <= 0 {
		return video, audio, total
	}
	n := 0
	for total > limit && n < len(video) {
		total -= video[n].size()
		n++
	}
	clear(video[:n])
	video = video[n:]

	n = 0
	for total > limit && n < len(audio) {
		total -= audio[n].size()
		n++
	}
	clear(audio[:n])
	return video, audio[n:], total
}
