package bitstream

// VP9IsKeyframe inspects the uncompressed header of a VP9 frame.
func VP9IsKeyframe(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	b := frame[0]
	if b>>6 != 2 { // frame_marker
		return false
	}
	profile := (b>>5)&1 | ((b>>4)&1)<<1
	bit := uint(3)
	if profile == 3 {
		bit-- // reserved_zero
	}
	if (b>>bit)&1 == 1 { // show_existing_frame
		return false
	}
	return (b>>(bit-1))&1 == 0
}
