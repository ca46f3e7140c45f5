// Package testutil builds fragmented MP4 fixtures for tests.
//
// Well-formed segments come from the mediacommon muxer. The box builders below
// produce headers a muxer would never emit, such as contradictory track
// definitions.
package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

// SeekableBuffer is an in-memory io.WriteSeeker.
type SeekableBuffer struct {
	bytes.Buffer
	pos int64
}

func (s *SeekableBuffer) Write(p []byte) (int, error) {
	if int(s.pos) > s.Buffer.Len() {
		s.Buffer.Write(make([]byte, int(s.pos)-s.Buffer.Len()))
	}
	if int(s.pos) == s.Buffer.Len() {
		n, err := s.Buffer.Write(p)
		s.pos += int64(n)
		return n, err
	}
	b := s.Buffer.Bytes()
	n := copy(b[s.pos:], p)
	if n < len(p) {
		m, err := s.Buffer.Write(p[n:])
		n += m
		if err != nil {
			s.pos += int64(n)
			return n, err
		}
	}
	s.pos += int64(n)
	return n, nil
}

func (s *SeekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.pos + offset
	case io.SeekEnd:
		pos = int64(s.Buffer.Len()) + offset
	default:
		return 0, fmt.Errorf("invalid whence")
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative position")
	}
	s.pos = pos
	return pos, nil
}

// MarshalInit serialises an initialization segment (ftyp + moov).
func MarshalInit(init *fmp4.Init) ([]byte, error) {
	var buf SeekableBuffer
	if err := init.Marshal(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalPart serialises a media segment (moof + mdat).
func MarshalPart(part *fmp4.Part) ([]byte, error) {
	var buf SeekableBuffer
	if err := part.Marshal(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Box builds an ISO-BMFF box with a 32-bit size header.
func Box(typ string, payload ...[]byte) []byte {
	size := 8
	for _, p := range payload {
		size += len(p)
	}
	out := make([]byte, 8, size)
	binary.BigEndian.PutUint32(out[0:4], uint32(size))
	copy(out[4:8], typ)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}

// FullBox builds a box whose payload starts with version and flags.
func FullBox(typ string, version uint8, flags uint32, payload ...[]byte) []byte {
	head := make([]byte, 4)
	binary.BigEndian.PutUint32(head, flags&0x00ffffff)
	head[0] = version
	return Box(typ, append([][]byte{head}, payload...)...)
}

// Tkhd builds a version 0 track header. width and height are in pixels.
func Tkhd(trackID uint32, volume int16, width, height uint32) []byte {
	p := make([]byte, 80)
	// creation(4) modification(4)
	binary.BigEndian.PutUint32(p[8:12], trackID)
	// reserved(4) duration(4) reserved(8) layer(2) alternate_group(2)
	binary.BigEndian.PutUint16(p[32:34], uint16(volume))
	// reserved(2), then the unity matrix
	matrix := []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	for i, v := range matrix {
		binary.BigEndian.PutUint32(p[36+4*i:], v)
	}
	binary.BigEndian.PutUint32(p[72:76], width<<16)
	binary.BigEndian.PutUint32(p[76:80], height<<16)
	return FullBox("tkhd", 0, 0x3, p)
}

// Mdhd builds a version 0 media header.
func Mdhd(timescale uint32) []byte {
	p := make([]byte, 20)
	binary.BigEndian.PutUint32(p[8:12], timescale)
	binary.BigEndian.PutUint16(p[16:18], 0x55c4) // und
	return FullBox("mdhd", 0, 0, p)
}

// Track describes one trak of a hand-built init segment.
type Track struct {
	ID        uint32
	Volume    int16
	Width     uint32
	Height    uint32
	Timescale uint32
}

// InitSegment builds moov with one trak per track. Only the boxes the
// resolver reads are emitted.
func InitSegment(tracks ...Track) []byte {
	var traks [][]byte
	for _, t := range tracks {
		traks = append(traks, Box("trak",
			Tkhd(t.ID, t.Volume, t.Width, t.Height),
			Box("mdia", Mdhd(t.Timescale)),
		))
	}
	return Box("moov", traks...)
}

// Fragment describes one traf of a hand-built media segment.
type Fragment struct {
	TrackID    uint32
	DecodeTime uint64
	Payload    []byte
}

// MediaSegment builds moof followed by one mdat per fragment, without trun
// boxes, so payloads are paired to trafs by position.
func MediaSegment(seq uint32, frags ...Fragment) []byte {
	seqb := make([]byte, 4)
	binary.BigEndian.PutUint32(seqb, seq)

	children := [][]byte{FullBox("mfhd", 0, 0, seqb)}
	var mdats []byte
	for _, f := range frags {
		id := make([]byte, 4)
		binary.BigEndian.PutUint32(id, f.TrackID)
		dt := make([]byte, 8)
		binary.BigEndian.PutUint64(dt, f.DecodeTime)
		children = append(children, Box("traf",
			FullBox("tfhd", 0, 0x020000, id),
			FullBox("tfdt", 1, 0, dt),
		))
		mdats = append(mdats, Box("mdat", f.Payload)...)
	}
	return append(Box("moof", children...), mdats...)
}

// DefaultSizeRun builds moof+mdat with one traf whose trun carries only a
// sample count and a data offset, so the run size comes from the tfhd default
// sample size (default-base-is-moof).
func DefaultSizeRun(trackID, defaultSize, sampleCount uint32, dataOffset int32, payload []byte) []byte {
	tfhd := make([]byte, 8)
	binary.BigEndian.PutUint32(tfhd[0:4], trackID)
	binary.BigEndian.PutUint32(tfhd[4:8], defaultSize)
	trun := make([]byte, 8)
	binary.BigEndian.PutUint32(trun[0:4], sampleCount)
	binary.BigEndian.PutUint32(trun[4:8], uint32(dataOffset))

	moof := Box("moof",
		FullBox("mfhd", 0, 0, make([]byte, 4)),
		Box("traf",
			FullBox("tfhd", 0, 0x020010, tfhd),
			FullBox("tfdt", 1, 0, make([]byte, 8)),
			FullBox("trun", 0, 0x000001, trun),
		),
	)
	return append(moof, Box("mdat", payload)...)
}
