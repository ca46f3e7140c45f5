package segment

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jmylchreest/keysync/internal/keys"
)

// Resolver classifies segment buffers and keeps the track definitions learnt
// from initialization segments. Safe for concurrent use.
type Resolver struct {
	mu     sync.RWMutex
	tracks map[keys.TrackKey]TrackInfo
	logger *slog.Logger
}

// NewResolver creates a resolver with no known tracks.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		tracks: make(map[keys.TrackKey]TrackInfo),
		logger: logger.With(slog.String("component", "segment_resolver")),
	}
}

// Track returns the recorded definition of a track.
func (r *Resolver) Track(kind keys.MediaKind, trackID uint32) (TrackInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tracks[keys.TrackKey{Kind: kind, TrackID: trackID}]
	return info, ok
}

// Tracks returns all recorded track definitions ordered by kind and id.
func (r *Resolver) Tracks() []TrackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TrackInfo, 0, len(r.tracks))
	for _, t := range r.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}

// Resolve parses buf. Track definitions in a moov box are recorded before its
// fragments are resolved, so a buffer may carry both. kind selects the track
// partition for track-fragments; KindUnknown matches a track id only if it is
// unique across kinds.
func (r *Resolver) Resolve(buf []byte, kind keys.MediaKind) (*Segment, error) {
	st, err := parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSegment, err)
	}

	seg := &Segment{Type: TypePassThrough}
	if st.hasMoov {
		tracks, err := classify(st.tracks)
		if err != nil {
			return nil, err
		}
		r.record(tracks)
		seg.Type = TypeInit
		seg.Tracks = tracks
	}

	if len(st.fragments) == 0 {
		return seg, nil
	}

	frags, err := r.fragments(st, kind)
	if err != nil {
		return nil, err
	}
	seg.Type = TypeMedia
	seg.Fragments = frags
	return seg, nil
}

func (r *Resolver) record(tracks []TrackInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tracks {
		if prev, ok := r.tracks[t.Key()]; ok && prev != t {
			r.logger.Info("track definition replaced",
				slog.String("track", t.Key().String()),
				slog.Uint64("old_timescale", uint64(prev.Timescale)),
				slog.Uint64("new_timescale", uint64(t.Timescale)))
		}
		r.tracks[t.Key()] = t
	}
}

// classify applies the header heuristic: positive volume with no dimensions is
// audio, zero volume with positive dimensions is video.
func classify(headers []*trackHeader) ([]TrackInfo, error) {
	out := make([]TrackInfo, 0, len(headers))
	for _, h := range headers {
		if !h.hasTkhd {
			return nil, fmt.Errorf("%w: trak without tkhd", ErrMalformedSegment)
		}
		var kind keys.MediaKind
		switch {
		case h.volume > 0 && h.width == 0 && h.height == 0:
			kind = keys.KindAudio
		case h.volume == 0 && h.width > 0 && h.height > 0:
			kind = keys.KindVideo
		default:
			return nil, fmt.Errorf("%w: track %d has volume=%d width=%d height=%d",
				ErrUnrecognizedTrackType, h.trackID, h.volume, h.width>>16, h.height>>16)
		}
		if h.timescale == 0 {
			return nil, fmt.Errorf("%w: track %d has no timescale", ErrMalformedSegment, h.trackID)
		}
		out = append(out, TrackInfo{TrackID: h.trackID, Kind: kind, Timescale: h.timescale})
	}
	return out, nil
}

func (r *Resolver) lookup(kind keys.MediaKind, trackID uint32) (TrackInfo, bool) {
	if kind != keys.KindUnknown {
		return r.Track(kind, trackID)
	}
	audio, hasAudio := r.Track(keys.KindAudio, trackID)
	video, hasVideo := r.Track(keys.KindVideo, trackID)
	switch {
	case hasAudio && !hasVideo:
		return audio, true
	case hasVideo && !hasAudio:
		return video, true
	default:
		return TrackInfo{}, false
	}
}

func (r *Resolver) fragments(st *structure, kind keys.MediaKind) ([]TrackFragment, error) {
	runs, err := st.runRanges()
	if err != nil {
		return nil, err
	}
	out := make([]TrackFragment, 0, len(st.fragments))

	for i, f := range st.fragments {
		if !f.hasTfhd {
			return nil, fmt.Errorf("%w: traf without tfhd", ErrMalformedSegment)
		}
		if !f.hasTfdt {
			return nil, fmt.Errorf("%w: track %d fragment without tfdt", ErrMalformedSegment, f.trackID)
		}
		info, ok := r.lookup(kind, f.trackID)
		if !ok {
			return nil, fmt.Errorf("%w: %s track %d", ErrMissingTrackInfo, kind, f.trackID)
		}

		payload := runs[i]
		for _, rg := range payload {
			if !st.within(rg) {
				payload = nil
				break
			}
		}
		if payload == nil {
			// One mdat per traf, paired by position.
			if i >= len(st.mdats) {
				return nil, fmt.Errorf("%w: no payload for track %d fragment", ErrMalformedSegment, f.trackID)
			}
			payload = []Range{st.mdats[i]}
		}

		out = append(out, TrackFragment{Track: info, BaseDecodeTime: f.decodeTime, Payload: payload})
	}

	if err := checkDisjoint(out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkDisjoint(frags []TrackFragment) error {
	var all []Range
	for _, f := range frags {
		all = append(all, f.Payload...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Offset < all[j].Offset })
	for i := 1; i < len(all); i++ {
		if all[i].Offset < all[i-1].End() {
			return fmt.Errorf("%w: overlapping payload ranges at offset %d", ErrMalformedSegment, all[i].Offset)
		}
	}
	return nil
}
