package mux

import "clipstream/internal/media"

// maxPending bounds how far one track may run ahead of a silent one before
// its packets are released anyway.
const maxPending = 256

type queued struct {
	track int
	pkt   media.Packet
}

// interleaver reorders packets of several tracks into timestamp order. A
// packet is released once every track has something pending, so the head of
// each track is known.
type interleaver struct {
	pending [][]media.Packet
}

func newInterleaver(tracks int) *interleaver {
	return &interleaver{pending: make([][]media.Packet, tracks)}
}

// push queues p and returns the packets that are now safe to write.
func (il *interleaver) push(track int, p media.Packet) []queued {
	il.pending[track] = append(il.pending[track], p)
	return il.drain(false)
}

// flush releases everything still pending in timestamp order.
func (il *interleaver) flush() []queued {
	return il.drain(true)
}

func (il *interleaver) drain(all bool) []queued {
	var out []queued
	for {
		next := -1
		for i, q := range il.pending {
			if len(q) == 0 {
				if all {
					continue
				}
				if !il.overflowing() {
					return out
				}
				continue
			}
			if next < 0 || q[0].TimestampUs < il.pending[next][0].TimestampUs {
				next = i
			}
		}
		if next < 0 {
			return out
		}
		out = append(out, queued{track: next, pkt: il.pending[next][0]})
		il.pending[next] = il.pending[next][1:]
	}
}

func (il *interleaver) overflowing() bool {
	for _, q := range il.pending {
		if len(q) > maxPending {
			return true
		}
	}
	return false
}
