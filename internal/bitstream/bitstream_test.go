package bitstream

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testAUD = []byte{0x09, 0xf0}
	testSPS = []byte{0x67, 0x64, 0x00, 0x28, 0xac, 0xd9}
	testPPS = []byte{0x68, 0xeb, 0xe3}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testP   = []byte{0x41, 0x9a, 0x21}
)

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for i, n := range nalus {
		if i == 0 {
			b = append(b, 0, 0, 0, 1)
		} else {
			b = append(b, 0, 0, 1)
		}
		b = append(b, n...)
	}
	return b
}

func TestSplitNALUs(t *testing.T) {
	au := annexB(testAUD, testSPS, testPPS, testIDR)

	nalus := SplitNALUs(au)
	require.Len(t, nalus, 4)
	assert.Equal(t, NALTypeAUD, NALType(nalus[0]))
	assert.Equal(t, testSPS, nalus[1])
	assert.Equal(t, testPPS, nalus[2])
	assert.Equal(t, testIDR, nalus[3])

	assert.True(t, ContainsIDR(au))
	assert.False(t, ContainsIDR(annexB(testAUD, testP)))
	assert.Nil(t, SplitNALUs(nil))
}

func TestParameterSetsAndAVCC(t *testing.T) {
	au := annexB(testAUD, testSPS, testPPS, testIDR)

	sps, pps := ParameterSets(au)
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)

	avcc := AnnexBToAVCC(au, false)
	want := append([]byte{0, 0, 0, byte(len(testIDR))}, testIDR...)
	assert.Equal(t, want, avcc)

	withParams := AnnexBToAVCC(au, true)
	assert.Len(t, withParams, 3*4+len(testSPS)+len(testPPS)+len(testIDR))
}

func TestAVCDecoderConfig(t *testing.T) {
	rec, err := AVCDecoderConfig(testSPS, testPPS)
	require.NoError(t, err)

	assert.Equal(t, byte(1), rec[0])
	assert.Equal(t, testSPS[1], rec[1])
	assert.Equal(t, testSPS[3], rec[3])
	assert.Equal(t, byte(0xe1), rec[5])
	assert.Equal(t, testSPS, rec[8:8+len(testSPS)])
	assert.Equal(t, testPPS, rec[len(rec)-len(testPPS):])

	_, err = AVCDecoderConfig(nil, testPPS)
	assert.Error(t, err)
	_, err = AVCDecoderConfig(testSPS, nil)
	assert.Error(t, err)
}

func TestAccessUnitSplitter(t *testing.T) {
	au1 := annexB(testAUD, testSPS, testPPS, testIDR)
	au2 := annexB(testAUD, testP)
	au3 := annexB(testAUD, testP)
	stream := append(append(append([]byte{}, au1...), au2...), au3...)

	tests := []struct {
		name  string
		chunk int
	}{
		{"whole stream", len(stream)},
		{"byte by byte", 1},
		{"odd chunks", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s AccessUnitSplitter
			var units [][]byte
			for i := 0; i < len(stream); i += tt.chunk {
				end := min(i+tt.chunk, len(stream))
				units = append(units, s.Push(stream[i:end])...)
			}
			if last := s.Flush(); last != nil {
				units = append(units, last)
			}

			require.Len(t, units, 3)
			assert.Equal(t, au1, units[0])
			assert.True(t, ContainsIDR(units[0]))
			assert.False(t, ContainsIDR(units[1]))
			assert.Equal(t, au3, units[2])
		})
	}
}

func TestAudioSpecificConfig(t *testing.T) {
	asc, err := AudioSpecificConfig(48000, 2)
	require.NoError(t, err)
	// AAC-LC, index 3, stereo
	assert.Equal(t, []byte{0x11, 0x90}, asc)

	asc, err = AudioSpecificConfig(44100, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x10}, asc)

	_, err = AudioSpecificConfig(12345, 2)
	assert.Error(t, err)
	_, err = AudioSpecificConfig(48000, 0)
	assert.Error(t, err)
}

func TestADTSReader(t *testing.T) {
	var stream bytes.Buffer
	payloads := [][]byte{{1, 2, 3}, {4, 5, 6, 7, 8}}
	for _, p := range payloads {
		hdr, err := ADTSHeader(len(p), 44100, 2)
		require.NoError(t, err)
		stream.Write(hdr)
		stream.Write(p)
	}

	r := NewADTSReader(&stream)
	for _, want := range payloads {
		frame, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, frame.Payload)
		assert.Equal(t, 44100, frame.SampleRate)
		assert.Equal(t, 2, frame.Channels)
		assert.Equal(t, 1024, frame.Samples)
	}
	_, err := r.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestADTSReader_LostSync(t *testing.T) {
	r := NewADTSReader(bytes.NewReader([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}))
	_, err := r.ReadFrame()
	assert.Error(t, err)
}

func TestIVFReader(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, WriteIVFHeader(&stream, "VP90", 640, 360, 30, 1))
	require.NoError(t, WriteIVFFrame(&stream, []byte{0x82, 0x49}, 0))
	require.NoError(t, WriteIVFFrame(&stream, []byte{0x86, 0x00, 0x01}, 1))

	r := NewIVFReader(&stream)
	frame, pts, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "VP90", r.FourCC)
	assert.Equal(t, uint64(0), pts)
	assert.True(t, VP9IsKeyframe(frame))

	frame, pts, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pts)
	assert.False(t, VP9IsKeyframe(frame))

	_, _, err = r.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestVP9IsKeyframe(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  bool
	}{
		{"profile 0 key", []byte{0x82}, true},
		{"profile 0 inter", []byte{0x86}, false},
		{"show existing", []byte{0x88}, false},
		{"profile 3 key", []byte{0xb0}, true},
		{"bad marker", []byte{0x02}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VP9IsKeyframe(tt.frame))
		})
	}
}

func obu(typ int, payload []byte) []byte {
	b := []byte{byte(typ<<3) | obuHasSizeField}
	b = appendLEB128(b, uint64(len(payload)))
	return append(b, payload...)
}

func TestParseOBUs(t *testing.T) {
	// seq_profile 0, not still, not reduced, no timing info, one operating
	// point, idc 0, seq_level_idx 8, tier 1
	seqPayload := []byte{0x00, 0x00, 0x00, 0x44, 0x00}
	seq := obu(OBUSequenceHeader, seqPayload)
	frame := obu(OBUFrame, bytes.Repeat([]byte{0xaa}, 200))
	tu := append(append(obu(OBUTemporalDelimiter, nil), seq...), frame...)

	obus, err := ParseOBUs(tu)
	require.NoError(t, err)
	require.Len(t, obus, 3)
	assert.Equal(t, OBUTemporalDelimiter, obus[0].Type)
	assert.Equal(t, OBUSequenceHeader, obus[1].Type)
	assert.Len(t, obus[2].Payload, 200)

	stripped := StripTemporalDelimiters(tu)
	assert.Equal(t, append(append([]byte{}, seq...), frame...), stripped)

	assert.True(t, AV1IsKeyframe(tu))
	assert.False(t, AV1IsKeyframe(append(obu(OBUTemporalDelimiter, nil), frame...)))
	assert.Equal(t, seq, SequenceHeaderOBU(tu))

	rec, err := AV1CodecConfig(seq)
	require.NoError(t, err)
	assert.Equal(t, byte(0x81), rec[0])
	assert.Equal(t, byte(0x00<<5|8), rec[1])
	assert.Equal(t, byte(0x80|0x0c), rec[2])
	assert.Equal(t, seq, rec[4:])
}

func TestParseOBUs_Truncated(t *testing.T) {
	_, err := ParseOBUs([]byte{byte(OBUFrame<<3) | obuHasSizeField, 0x10, 0x01})
	assert.Error(t, err)
	_, err = AV1CodecConfig([]byte{byte(OBUFrame<<3) | obuHasSizeField, 0x00})
	assert.Error(t, err)
}

func TestOggReader(t *testing.T) {
	head := OpusHead(2, 48000)
	tags := append([]byte("OpusTags"), 0, 0, 0, 0, 0, 0, 0, 0)
	big := bytes.Repeat([]byte{0x7c}, 600) // spans several lacing values
	small := []byte{0xfc, 0x01, 0x02}

	var stream bytes.Buffer
	require.NoError(t, WriteOggPage(&stream, 7, 0, 0, 0x02, head))
	require.NoError(t, WriteOggPage(&stream, 7, 1, 0, 0, tags))
	require.NoError(t, WriteOggPage(&stream, 7, 2, 960, 0, big, small))

	r := NewOggReader(&stream)
	var packets [][]byte
	for {
		p, err := r.ReadPacket()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		packets = append(packets, p)
	}

	require.Len(t, packets, 4)
	assert.True(t, IsOpusHeader(packets[0]))
	assert.True(t, IsOpusHeader(packets[1]))
	assert.Equal(t, big, packets[2])
	assert.Equal(t, small, packets[3])
}

func TestOpusHead(t *testing.T) {
	head := OpusHead(2, 44100)
	require.Len(t, head, 19)
	assert.Equal(t, "OpusHead", string(head[:8]))
	assert.Equal(t, byte(2), head[9])
	assert.Equal(t, byte(OpusPreSkip&0xff), head[10])
	assert.Equal(t, []byte{0x44, 0xac, 0x00, 0x00}, head[12:16])

	assert.Equal(t, byte(2), OpusHead(6, 48000)[9])
}

func TestOpusPacketSamples(t *testing.T) {
	tests := []struct {
		name   string
		packet []byte
		want   int
	}{
		{"celt 20ms single", []byte{31 << 3}, 960},
		{"celt 10ms double", []byte{30<<3 | 1}, 960},
		{"silk 60ms", []byte{3 << 3}, 2880},
		{"hybrid 10ms", []byte{12 << 3}, 480},
		{"celt 2.5ms code 3 x4", []byte{16<<3 | 3, 4}, 480},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OpusPacketSamples(tt.packet))
		})
	}
}

func TestOggCRC(t *testing.T) {
	// reference value for the ASCII string "OggS" under the Ogg CRC
	assert.NotZero(t, oggCRC([]byte("OggS")))
	assert.Zero(t, oggCRC(nil))
}
