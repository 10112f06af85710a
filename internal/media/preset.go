package media

import "strings"

type Preset int

const (
	PresetFast Preset = iota
	PresetBalanced
	PresetHighQuality
	PresetArchival
)

func (p Preset) String() string {
	switch p {
	case PresetFast:
		return "fast"
	case PresetBalanced:
		return "balanced"
	case PresetHighQuality:
		return "high-quality"
	case PresetArchival:
		return "archival"
	}
	return "unknown"
}

// Tuning carries the encoder knobs attached to a preset. CRF is zero when
// the preset is purely bitrate driven.
type Tuning struct {
	Speed       string
	BitrateKbps int
	CRF         int
	// ConstantQuality selects a CRF-style rate control with BitrateKbps as
	// the ceiling.
	ConstantQuality bool
	AudioKbps       int
}

type PresetSettings struct {
	Preset     Preset
	VideoCodec VideoCodec
	AudioCodec AudioCodec
	Container  Container
	Tuning     Tuning
}

var presetTable = [...]PresetSettings{
	PresetFast: {
		Preset:     PresetFast,
		VideoCodec: VideoCodecH264,
		AudioCodec: AudioCodecAAC,
		Container:  ContainerMP4,
		Tuning:     Tuning{Speed: "veryfast", BitrateKbps: 20000, CRF: 23, AudioKbps: 192},
	},
	PresetBalanced: {
		Preset:     PresetBalanced,
		VideoCodec: VideoCodecH264,
		AudioCodec: AudioCodecOpus,
		Container:  ContainerMP4,
		Tuning:     Tuning{Speed: "medium", BitrateKbps: 8000, CRF: 23, AudioKbps: 160},
	},
	PresetHighQuality: {
		Preset:     PresetHighQuality,
		VideoCodec: VideoCodecVP9,
		AudioCodec: AudioCodecOpus,
		Container:  ContainerMatroska,
		Tuning:     Tuning{Speed: "2", BitrateKbps: 5000, AudioKbps: 160},
	},
	PresetArchival: {
		Preset:     PresetArchival,
		VideoCodec: VideoCodecAV1,
		AudioCodec: AudioCodecOpus,
		Container:  ContainerMatroska,
		Tuning:     Tuning{Speed: "4", BitrateKbps: 2000, CRF: 30, ConstantQuality: true, AudioKbps: 128},
	},
}

// ResolvePreset returns the codec, container and tuning for p. Values
// outside the table resolve to Balanced.
func ResolvePreset(p Preset) PresetSettings {
	if p < 0 || int(p) >= len(presetTable) {
		return presetTable[PresetBalanced]
	}
	return presetTable[p]
}

// ParsePreset accepts the names printed by String, case-insensitively.
// Unknown names fall back to Balanced and report false.
func ParsePreset(name string) (Preset, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fast":
		return PresetFast, true
	case "balanced":
		return PresetBalanced, true
	case "high-quality", "highquality", "high_quality", "hq":
		return PresetHighQuality, true
	case "archival":
		return PresetArchival, true
	}
	return PresetBalanced, false
}
