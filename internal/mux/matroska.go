package mux

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"

	"clipstream/internal/bitstream"
	"clipstream/internal/media"
)

const (
	trackTypeVideo = 1
	trackTypeAudio = 2

	// maxPreHeader bounds the audio held back while waiting for the first
	// video keyframe.
	maxPreHeader = 512

	// seekHeadReserve is the Void left between Tracks and the first Cluster.
	// Close overwrites it with a SeekHead for the trailing elements.
	seekHeadReserve = 160
)

type segmentInfo struct {
	TimecodeScale uint64 `ebml:"TimecodeScale"`
	Title         string `ebml:"Title,omitempty"`
	MuxingApp     string `ebml:"MuxingApp"`
	WritingApp    string `ebml:"WritingApp"`
}

type chapterDisplay struct {
	ChapString   string `ebml:"ChapString"`
	ChapLanguage string `ebml:"ChapLanguage"`
}

type chapterAtom struct {
	ChapterUID       uint64           `ebml:"ChapterUID"`
	ChapterTimeStart uint64           `ebml:"ChapterTimeStart"`
	ChapterDisplay   []chapterDisplay `ebml:"ChapterDisplay"`
}

type editionEntry struct {
	EditionUID  uint64        `ebml:"EditionUID"`
	ChapterAtom []chapterAtom `ebml:"ChapterAtom"`
}

type chaptersElement struct {
	Chapters struct {
		EditionEntry editionEntry `ebml:"EditionEntry"`
	} `ebml:"Chapters"`
}

type simpleTag struct {
	TagName   string `ebml:"TagName"`
	TagString string `ebml:"TagString"`
}

type targets struct {
	TargetTypeValue uint64 `ebml:"TargetTypeValue"`
}

type tagEntry struct {
	Targets   targets     `ebml:"Targets"`
	SimpleTag []simpleTag `ebml:"SimpleTag"`
}

type tagsElement struct {
	Tags struct {
		Tag []tagEntry `ebml:"Tag"`
	} `ebml:"Tags"`
}

type seekEntry struct {
	SeekID       []byte `ebml:"SeekID"`
	SeekPosition uint64 `ebml:"SeekPosition,size=8"`
}

type seekHeadElement struct {
	SeekHead struct {
		Seek []seekEntry `ebml:"Seek"`
	} `ebml:"SeekHead"`
}

// closeNotifier lets the block writer "close" the file without releasing
// it, so chapters and tags can be appended after the last cluster.
type closeNotifier struct {
	io.Writer
	once   sync.Once
	closed chan struct{}
}

func (c *closeNotifier) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// matroskaMuxer writes Matroska through ebml-go's block writer. The header
// is deferred until the first video keyframe, which carries the decoder
// configuration H.264 and AV1 need in CodecPrivate.
type matroskaMuxer struct {
	opts   options
	logger *slog.Logger

	path    string
	file    *os.File
	sink    *closeNotifier
	tracks  []media.Track
	tags    Tags
	video   int
	il      *interleaver
	writers []webm.BlockWriteCloser

	preHeader []queued
	skipped   int

	// absolute offsets; segmentStart is where the Segment payload begins
	segmentStart int64
	tracksPos    int64
	voidPos      int64
	chaptersPos  int64
	tagsPos      int64

	errMu     sync.Mutex
	fatalErr  error
	fatal     chan struct{}
	fatalOnce sync.Once

	open   bool
	closed bool
}

func newMatroska(o options) *matroskaMuxer {
	return &matroskaMuxer{opts: o, logger: o.logger, fatal: make(chan struct{})}
}

func (m *matroskaMuxer) Open(path string, tracks []media.Track, tags Tags) error {
	if m.closed {
		return ErrClosed
	}
	if err := checkTracks(tracks); err != nil {
		return err
	}
	for _, t := range tracks {
		if _, err := matroskaCodecID(t); err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "matroska: create output")
	}
	m.path = path
	m.file = f
	m.sink = &closeNotifier{Writer: f, closed: make(chan struct{})}
	m.tracks = tracks
	m.tags = tags
	m.video = videoTrackIndex(tracks)
	m.il = newInterleaver(len(tracks))
	m.open = true

	if m.video < 0 {
		if err := m.writeHeader(nil); err != nil {
			m.abort()
			return err
		}
	}
	return nil
}

func (m *matroskaMuxer) WritePacket(track int, p media.Packet) error {
	if m.closed {
		return ErrClosed
	}
	if !m.open {
		return ErrNotOpen
	}
	if track < 0 || track >= len(m.tracks) {
		return errors.Errorf("matroska: track %d out of range", track)
	}
	if err := m.err(); err != nil {
		return err
	}
	for _, q := range m.il.push(track, p) {
		if err := m.write(q); err != nil {
			return err
		}
	}
	return nil
}

func (m *matroskaMuxer) write(q queued) error {
	if m.writers == nil {
		if q.track != m.video {
			if len(m.preHeader) == maxPreHeader {
				m.preHeader = m.preHeader[1:]
			}
			m.preHeader = append(m.preHeader, q)
			return nil
		}
		if !q.pkt.Keyframe {
			m.skipped++
			return nil
		}
		if err := m.writeHeader(q.pkt.Data); err != nil {
			return err
		}
		if m.skipped > 0 {
			m.logger.Debug("dropped frames before first keyframe", "count", m.skipped)
		}
		// held-back audio goes in before the keyframe it preceded
		held := m.preHeader
		m.preHeader = nil
		for _, h := range held {
			if err := m.writeBlock(h); err != nil {
				return err
			}
		}
	}
	return m.writeBlock(q)
}

func (m *matroskaMuxer) writeBlock(q queued) error {
	t := m.tracks[q.track]
	data := q.pkt.Data
	if t.Kind == media.KindVideo {
		switch t.VideoCodec {
		case media.VideoCodecH264:
			data = bitstream.AnnexBToAVCC(data, q.pkt.Keyframe)
		case media.VideoCodecAV1:
			data = bitstream.StripTemporalDelimiters(data)
		}
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := m.writers[q.track].Write(q.pkt.Keyframe, q.pkt.TimestampUs/1000, data); err != nil {
		return errors.Wrap(err, "matroska: write block")
	}
	return m.err()
}

func (m *matroskaMuxer) writeHeader(keyframe []byte) error {
	entries := make([]webm.TrackEntry, len(m.tracks))
	for i, t := range m.tracks {
		entry, err := m.trackEntry(i, t, keyframe)
		if err != nil {
			return err
		}
		entries[i] = entry
	}

	docType := "matroska"
	if strings.EqualFold(filepath.Ext(m.path), ".webm") && webmCompatible(m.tracks) {
		docType = "webm"
	}
	m.segmentStart, m.tracksPos = -1, -1
	// Info and Tracks are direct children of the unknown-size Segment, so
	// their positions are absolute offsets in the file.
	positions := func(e *ebml.Element) {
		if e.Parent == nil || e.Parent.Name != "Segment" {
			return
		}
		switch e.Name {
		case "Info":
			m.segmentStart = int64(e.Position)
		case "Tracks":
			m.tracksPos = int64(e.Position)
		}
	}
	writers, err := webm.NewSimpleBlockWriter(m.sink, entries,
		mkvcore.WithEBMLHeader(&webm.EBMLHeader{
			EBMLVersion:        1,
			EBMLReadVersion:    1,
			EBMLMaxIDLength:    4,
			EBMLMaxSizeLength:  8,
			DocType:            docType,
			DocTypeVersion:     4,
			DocTypeReadVersion: 2,
		}),
		mkvcore.WithSegmentInfo(&segmentInfo{
			TimecodeScale: 1_000_000,
			Title:         m.tags.Title,
			MuxingApp:     m.opts.writingApp,
			WritingApp:    m.opts.writingApp,
		}),
		mkvcore.WithMarshalOptions(ebml.WithElementWriteHooks(positions)),
		mkvcore.WithOnErrorHandler(func(err error) {
			m.logger.Warn("matroska block writer", "error", err)
		}),
		mkvcore.WithOnFatalHandler(func(err error) {
			m.errMu.Lock()
			m.fatalErr = err
			m.errMu.Unlock()
			m.fatalOnce.Do(func() { close(m.fatal) })
		}),
	)
	if err != nil {
		return errors.Wrap(err, "matroska: write header")
	}
	m.writers = writers

	// nothing reaches the file until the first block, so the Void lands
	// right after Tracks
	pos, err := m.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "matroska: reserve seek head")
	}
	if _, err := m.file.Write(voidElement(seekHeadReserve)); err != nil {
		return errors.Wrap(err, "matroska: reserve seek head")
	}
	m.voidPos = pos
	return nil
}

// webmCompatible reports whether every track uses a codec WebM allows.
func webmCompatible(tracks []media.Track) bool {
	for _, t := range tracks {
		if t.Kind == media.KindVideo && t.VideoCodec != media.VideoCodecVP9 && t.VideoCodec != media.VideoCodecAV1 {
			return false
		}
		if t.Kind == media.KindAudio && t.AudioCodec != media.AudioCodecOpus {
			return false
		}
	}
	return true
}

// voidElement encodes an EBML Void of exactly n bytes, n >= 2.
func voidElement(n int) []byte {
	b := make([]byte, n)
	b[0] = 0xec
	if n-2 < 0x7f {
		b[1] = 0x80 | byte(n-2)
		return b
	}
	binary.BigEndian.PutUint64(b[1:9], uint64(n-9))
	b[1] = 0x01
	return b
}

func (m *matroskaMuxer) trackEntry(i int, t media.Track, keyframe []byte) (webm.TrackEntry, error) {
	codecID, err := matroskaCodecID(t)
	if err != nil {
		return webm.TrackEntry{}, err
	}
	entry := webm.TrackEntry{
		Name:        t.Name,
		TrackNumber: uint64(i + 1),
		TrackUID:    uint64(i + 1),
		CodecID:     codecID,
	}

	if t.Kind == media.KindVideo {
		entry.TrackType = trackTypeVideo
		entry.Video = &webm.Video{PixelWidth: uint64(t.Width), PixelHeight: uint64(t.Height)}
		if t.FPS > 0 {
			entry.DefaultDuration = uint64(1_000_000_000 / t.FPS)
		}
		switch t.VideoCodec {
		case media.VideoCodecH264:
			sps, pps := bitstream.ParameterSets(keyframe)
			if sps == nil || pps == nil {
				return entry, errors.Wrap(ErrMissingConfig, "matroska: h264")
			}
			if entry.CodecPrivate, err = bitstream.AVCDecoderConfig(sps, pps); err != nil {
				return entry, err
			}
		case media.VideoCodecAV1:
			seq := bitstream.SequenceHeaderOBU(keyframe)
			if seq == nil {
				return entry, errors.Wrap(ErrMissingConfig, "matroska: av1")
			}
			if entry.CodecPrivate, err = bitstream.AV1CodecConfig(seq); err != nil {
				return entry, err
			}
		}
		return entry, nil
	}

	entry.TrackType = trackTypeAudio
	rate := t.SampleRate
	switch t.AudioCodec {
	case media.AudioCodecOpus:
		entry.CodecPrivate = bitstream.OpusHead(t.Channels, t.SampleRate)
		rate = 48000
	case media.AudioCodecAAC:
		if entry.CodecPrivate, err = bitstream.AudioSpecificConfig(t.SampleRate, t.Channels); err != nil {
			return entry, err
		}
	}
	entry.Audio = &webm.Audio{SamplingFrequency: float64(rate), Channels: uint64(t.Channels)}
	return entry, nil
}

func matroskaCodecID(t media.Track) (string, error) {
	if t.Kind == media.KindVideo {
		switch t.VideoCodec {
		case media.VideoCodecH264:
			return "V_MPEG4/ISO/AVC", nil
		case media.VideoCodecVP9:
			return "V_VP9", nil
		case media.VideoCodecAV1:
			return "V_AV1", nil
		}
		return "", errors.Wrapf(ErrUnsupportedCodec, "matroska: video %s", t.VideoCodec)
	}
	switch t.AudioCodec {
	case media.AudioCodecOpus:
		return "A_OPUS", nil
	case media.AudioCodecAAC:
		return "A_AAC", nil
	}
	return "", errors.Wrapf(ErrUnsupportedCodec, "matroska: audio %s", t.AudioCodec)
}

func (m *matroskaMuxer) Close(chapters []Chapter) error {
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	if !m.open {
		return nil
	}

	var firstErr error
	for _, q := range m.il.flush() {
		if err := m.write(q); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.writers == nil {
		// never saw a video keyframe: nothing playable was written
		m.abort()
		if firstErr != nil {
			return firstErr
		}
		return errors.Wrap(ErrMissingConfig, "matroska: no video keyframe written")
	}

	for _, w := range m.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "matroska: close track")
		}
	}
	select {
	case <-m.sink.closed:
	case <-m.fatal:
	}

	if err := m.writeTrailer(chapters); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.writeSeekHead(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "matroska: close output")
	}
	if err := m.err(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// writeTrailer appends the Chapters and Tags elements after the clusters.
func (m *matroskaMuxer) writeTrailer(chapters []Chapter) error {
	m.chaptersPos, m.tagsPos = -1, -1
	if len(chapters) > 0 {
		sorted := append([]Chapter(nil), chapters...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

		var el chaptersElement
		el.Chapters.EditionEntry.EditionUID = 1
		for i, c := range sorted {
			title := c.Title
			if c.Description != "" {
				title += " - " + c.Description
			}
			el.Chapters.EditionEntry.ChapterAtom = append(el.Chapters.EditionEntry.ChapterAtom, chapterAtom{
				ChapterUID:       uint64(i + 1),
				ChapterTimeStart: uint64(c.Start.Nanoseconds()),
				ChapterDisplay:   []chapterDisplay{{ChapString: title, ChapLanguage: "eng"}},
			})
		}
		pos, err := m.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return errors.Wrap(err, "matroska: write chapters")
		}
		if err := ebml.Marshal(&el, m.file); err != nil {
			return errors.Wrap(err, "matroska: write chapters")
		}
		m.chaptersPos = pos
	}

	simple := tagList(m.tags)
	if len(simple) == 0 {
		return nil
	}
	var el tagsElement
	el.Tags.Tag = []tagEntry{{Targets: targets{TargetTypeValue: 50}, SimpleTag: simple}}
	pos, err := m.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "matroska: write tags")
	}
	if err := ebml.Marshal(&el, m.file); err != nil {
		return errors.Wrap(err, "matroska: write tags")
	}
	m.tagsPos = pos
	return nil
}

// writeSeekHead fills the reserved Void with a SeekHead pointing at the
// elements readers would otherwise only find past the clusters.
func (m *matroskaMuxer) writeSeekHead() error {
	if m.segmentStart < 0 {
		return errors.New("matroska: segment position unknown")
	}
	var el seekHeadElement
	add := func(id []byte, pos int64) {
		if pos >= 0 {
			el.SeekHead.Seek = append(el.SeekHead.Seek, seekEntry{SeekID: id, SeekPosition: uint64(pos - m.segmentStart)})
		}
	}
	add(ebml.ElementInfo.Bytes(), m.segmentStart)
	add(ebml.ElementTracks.Bytes(), m.tracksPos)
	add(ebml.ElementChapters.Bytes(), m.chaptersPos)
	add(ebml.ElementTags.Bytes(), m.tagsPos)

	var buf bytes.Buffer
	if err := ebml.Marshal(&el, &buf); err != nil {
		return errors.Wrap(err, "matroska: write seek head")
	}
	rest := seekHeadReserve - buf.Len()
	if rest < 2 {
		return errors.Errorf("matroska: seek head needs %d bytes, %d reserved", buf.Len(), seekHeadReserve)
	}
	buf.Write(voidElement(rest))
	if _, err := m.file.WriteAt(buf.Bytes(), m.voidPos); err != nil {
		return errors.Wrap(err, "matroska: write seek head")
	}
	return nil
}

func tagList(t Tags) []simpleTag {
	var out []simpleTag
	add := func(name, value string) {
		if value != "" {
			out = append(out, simpleTag{TagName: name, TagString: value})
		}
	}
	add("TITLE", t.Title)
	add("ARTIST", t.Artist)
	add("COMMENT", t.Comment)

	keys := make([]string, 0, len(t.Extra))
	for k := range t.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(strings.ToUpper(k), t.Extra[k])
	}
	return out
}

func (m *matroskaMuxer) err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if m.fatalErr != nil {
		return errors.Wrap(m.fatalErr, "matroska")
	}
	return nil
}

// abort drops a file that never got a playable header.
func (m *matroskaMuxer) abort() {
	if m.file != nil {
		_ = m.file.Close()
		_ = os.Remove(m.path)
	}
	m.open = false
}
