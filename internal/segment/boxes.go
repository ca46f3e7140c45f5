package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/abema/go-mp4"
)

const (
	tfhdBaseDataOffset    = 0x000001
	tfhdDefaultSampleSize = 0x000010
	tfhdDefaultBaseIsMoof = 0x020000

	trunDataOffset   = 0x000001
	trunSampleSize   = 0x000200
	trunSampleFields = 0x000F00
)

type trackHeader struct {
	trackID   uint32
	volume    int16
	width     uint32
	height    uint32
	timescale uint32
	hasTkhd   bool
}

type runHeader struct {
	hasOffset bool
	offset    int32
	sizes     []uint32
	count     uint32
	hasSizes  bool
}

type fragmentHeader struct {
	moofStart  uint64
	index      int // position within its moof
	trackID    uint32
	flags      uint32
	baseOffset uint64
	defSize    uint32
	decodeTime uint64
	hasTfhd    bool
	hasTfdt    bool
	runs       []runHeader
}

// structure is the subset of the box tree the resolver needs.
type structure struct {
	tracks    []*trackHeader
	fragments []*fragmentHeader
	mdats     []Range
	hasMoov   bool
}

// parse walks the box tree of buf with go-mp4.
func parse(buf []byte) (*structure, error) {
	s := &structure{}
	var (
		trak      *trackHeader
		traf      *fragmentHeader
		moofStart uint64
		trafCount int
	)

	_, err := mp4.ReadBoxStructure(bytes.NewReader(buf), func(h *mp4.ReadHandle) (interface{}, error) {
		info := h.BoxInfo
		switch info.Type {
		case mp4.BoxTypeMoov():
			s.hasMoov = true
			return h.Expand()

		case mp4.BoxTypeTrak():
			trak = &trackHeader{}
			s.tracks = append(s.tracks, trak)
			vals, err := h.Expand()
			trak = nil
			return vals, err

		case mp4.BoxTypeMdia():
			return h.Expand()

		case mp4.BoxTypeTkhd():
			if trak == nil {
				return nil, nil
			}
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tkhd, ok := box.(*mp4.Tkhd)
			if !ok {
				return nil, fmt.Errorf("unexpected tkhd payload %T", box)
			}
			trak.trackID = tkhd.TrackID
			trak.volume = tkhd.Volume
			trak.width = tkhd.Width
			trak.height = tkhd.Height
			trak.hasTkhd = true

		case mp4.BoxTypeMdhd():
			if trak == nil {
				return nil, nil
			}
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			mdhd, ok := box.(*mp4.Mdhd)
			if !ok {
				return nil, fmt.Errorf("unexpected mdhd payload %T", box)
			}
			trak.timescale = mdhd.Timescale

		case mp4.BoxTypeMoof():
			moofStart = info.Offset
			trafCount = 0
			return h.Expand()

		case mp4.BoxTypeTraf():
			traf = &fragmentHeader{moofStart: moofStart, index: trafCount}
			trafCount++
			s.fragments = append(s.fragments, traf)
			vals, err := h.Expand()
			traf = nil
			return vals, err

		case mp4.BoxTypeTfhd():
			if traf == nil {
				return nil, nil
			}
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tfhd, ok := box.(*mp4.Tfhd)
			if !ok {
				return nil, fmt.Errorf("unexpected tfhd payload %T", box)
			}
			traf.trackID = tfhd.TrackID
			traf.flags = tfhd.GetFlags()
			traf.baseOffset = tfhd.BaseDataOffset
			traf.defSize = tfhd.DefaultSampleSize
			traf.hasTfhd = true

		case mp4.BoxTypeTfdt():
			if traf == nil {
				return nil, nil
			}
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tfdt, ok := box.(*mp4.Tfdt)
			if !ok {
				return nil, fmt.Errorf("unexpected tfdt payload %T", box)
			}
			if tfdt.GetVersion() == 0 {
				traf.decodeTime = uint64(tfdt.BaseMediaDecodeTimeV0)
			} else {
				traf.decodeTime = tfdt.BaseMediaDecodeTimeV1
			}
			traf.hasTfdt = true

		case mp4.BoxTypeTrun():
			if traf == nil {
				return nil, nil
			}
			run, err := readTrun(h, buf)
			if err != nil {
				return nil, err
			}
			traf.runs = append(traf.runs, run)

		case mp4.BoxTypeMdat():
			if info.Offset+info.Size > uint64(len(buf)) || info.HeaderSize > info.Size {
				return nil, fmt.Errorf("mdat at %d exceeds buffer", info.Offset)
			}
			s.mdats = append(s.mdats, Range{
				Offset: int(info.Offset + info.HeaderSize),
				Size:   int(info.Size - info.HeaderSize),
			})
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// readTrun decodes a trun box. A run without per-sample fields is read from its
// preamble, since go-mp4 would materialise sample_count empty entries.
func readTrun(h *mp4.ReadHandle, buf []byte) (runHeader, error) {
	info := h.BoxInfo
	start, end := info.Offset+info.HeaderSize, info.Offset+info.Size
	if end > uint64(len(buf)) || start+8 > end {
		return runHeader{}, fmt.Errorf("trun at %d is truncated", info.Offset)
	}
	p := buf[start:end]
	if flags := binary.BigEndian.Uint32(p[0:4]) & 0x00FFFFFF; flags&trunSampleFields == 0 {
		run := runHeader{
			count:     binary.BigEndian.Uint32(p[4:8]),
			hasOffset: flags&trunDataOffset != 0,
		}
		if run.hasOffset {
			if len(p) < 12 {
				return runHeader{}, fmt.Errorf("trun at %d is truncated", info.Offset)
			}
			run.offset = int32(binary.BigEndian.Uint32(p[8:12]))
		}
		return run, nil
	}

	box, _, err := h.ReadPayload()
	if err != nil {
		return runHeader{}, err
	}
	trun, ok := box.(*mp4.Trun)
	if !ok {
		return runHeader{}, fmt.Errorf("unexpected trun payload %T", box)
	}
	run := runHeader{
		hasOffset: trun.GetFlags()&trunDataOffset != 0,
		offset:    trun.DataOffset,
		count:     trun.SampleCount,
		hasSizes:  trun.GetFlags()&trunSampleSize != 0,
	}
	if run.hasSizes {
		run.sizes = make([]uint32, len(trun.Entries))
		for i, e := range trun.Entries {
			run.sizes[i] = e.SampleSize
		}
	}
	return run, nil
}

// runRanges derives the payload ranges of each traf from its trun boxes.
// A traf whose sample sizes or offsets are not available gets a nil entry. Runs
// that do not fit in an int are malformed.
func (s *structure) runRanges() ([][]Range, error) {
	out := make([][]Range, len(s.fragments))
	var prevEnd uint64
	for i, f := range s.fragments {
		if !f.hasTfhd || len(f.runs) == 0 {
			continue
		}

		var base uint64
		switch {
		case f.flags&tfhdBaseDataOffset != 0:
			base = f.baseOffset
		case f.flags&tfhdDefaultBaseIsMoof != 0 || f.index == 0:
			base = f.moofStart
		default:
			base = prevEnd
		}

		var ranges []Range
		cursor := base
		ok := true
		for _, run := range f.runs {
			if run.hasOffset {
				start := int64(base) + int64(run.offset)
				if start < 0 {
					ok = false
					break
				}
				cursor = uint64(start)
			}
			var size uint64
			switch {
			case run.hasSizes:
				for _, sz := range run.sizes {
					size += uint64(sz)
				}
			case f.flags&tfhdDefaultSampleSize != 0:
				size = uint64(run.count) * uint64(f.defSize)
			default:
				ok = false
			}
			if !ok {
				break
			}
			if size > math.MaxInt || cursor > math.MaxInt-size {
				return nil, fmt.Errorf("%w: track %d run of %d bytes at offset %d overflows", ErrMalformedSegment, f.trackID, size, cursor)
			}
			if size > 0 {
				ranges = append(ranges, Range{Offset: int(cursor), Size: int(size)})
			}
			cursor += size
		}
		prevEnd = cursor
		if ok {
			if ranges == nil {
				ranges = []Range{}
			}
			out[i] = ranges
		}
	}
	return out, nil
}

// within reports whether r lies inside one of the mdat payloads.
func (s *structure) within(r Range) bool {
	for _, m := range s.mdats {
		if r.Offset >= 0 && r.Size >= 0 && r.Offset >= m.Offset && r.End() <= m.End() {
			return true
		}
	}
	return false
}
