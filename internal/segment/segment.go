// Package segment interprets fragmented MP4 buffers: it classifies tracks from
// initialization segments and extracts per track-fragment decode times and
// payload byte ranges from media segments. It never modifies the buffer.
package segment

import (
	"errors"
	"time"

	"github.com/jmylchreest/keysync/internal/keys"
)

var (
	// ErrUnrecognizedTrackType is returned when a track header matches neither
	// the audio nor the video heuristic.
	ErrUnrecognizedTrackType = errors.New("unrecognized track type")

	// ErrMissingTrackInfo is returned for a track-fragment whose track has not
	// been seen in an initialization segment.
	ErrMissingTrackInfo = errors.New("missing track info")

	// ErrMalformedSegment is returned when the container structure cannot be
	// parsed or is internally inconsistent.
	ErrMalformedSegment = errors.New("malformed segment")
)

// Type classifies a resolved buffer.
type Type int

const (
	// TypePassThrough buffers carry no track-fragments and are forwarded as is.
	TypePassThrough Type = iota
	// TypeInit buffers carry track definitions and no track-fragments.
	TypeInit
	// TypeMedia buffers carry at least one track-fragment.
	TypeMedia
)

func (t Type) String() string {
	switch t {
	case TypeInit:
		return "init"
	case TypeMedia:
		return "media"
	default:
		return "pass-through"
	}
}

// TrackInfo is derived once per track from an initialization segment.
type TrackInfo struct {
	TrackID   uint32         `json:"track_id"`
	Kind      keys.MediaKind `json:"kind"`
	Timescale uint32         `json:"timescale"`
}

// Key returns the index key for the track.
func (t TrackInfo) Key() keys.TrackKey {
	return keys.TrackKey{Kind: t.Kind, TrackID: t.TrackID}
}

// Range is a byte range [Offset, Offset+Size) within the resolved buffer.
type Range struct {
	Offset int
	Size   int
}

// End returns the exclusive end offset.
func (r Range) End() int {
	return r.Offset + r.Size
}

// TrackFragment is the part of a media segment belonging to one track.
// Payload ranges are in sample order; their concatenation is the encrypted
// stream for the track-fragment.
type TrackFragment struct {
	Track          TrackInfo
	BaseDecodeTime uint64
	Payload        []Range
}

// DecodeTime returns the base decode time as media time.
func (f TrackFragment) DecodeTime() time.Duration {
	return keys.TicksToDuration(f.BaseDecodeTime, f.Track.Timescale)
}

// PayloadSize returns the total number of payload bytes.
func (f TrackFragment) PayloadSize() int {
	n := 0
	for _, r := range f.Payload {
		n += r.Size
	}
	return n
}

// Segment is the resolved structure of one buffer.
type Segment struct {
	Type Type
	// Tracks defined by a moov box in this buffer, if any.
	Tracks []TrackInfo
	// Fragments in buffer order.
	Fragments []TrackFragment
}

// EarliestDecodeTime returns the smallest decode time over all fragments.
func (s *Segment) EarliestDecodeTime() (time.Duration, bool) {
	if len(s.Fragments) == 0 {
		return 0, false
	}
	earliest := s.Fragments[0].DecodeTime()
	for _, f := range s.Fragments[1:] {
		if d := f.DecodeTime(); d < earliest {
			earliest = d
		}
	}
	return earliest, true
}
