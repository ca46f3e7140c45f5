package keys

import (
	"sort"
	"sync"
	"time"
)

// Index stores key messages per track, ordered by window start.
//
// Lookups are by interval containment, so messages may be recorded in any
// order. If windows overlap, the first stored window (by start) containing the
// lookup time wins. Safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	tracks map[TrackKey]*windows
}

// windows keeps msgs sorted by Start and maxEnd[i] = max(End) over msgs[0..i],
// which makes the first containing window findable by binary search.
type windows struct {
	msgs   []KeyMessage
	maxEnd []time.Duration
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{tracks: make(map[TrackKey]*windows)}
}

// Record inserts a message. It returns false if an identical message is
// already stored, leaving the index unchanged.
func (x *Index) Record(msg KeyMessage) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	w, ok := x.tracks[msg.Track()]
	if !ok {
		w = &windows{}
		x.tracks[msg.Track()] = w
	}
	return w.insert(msg)
}

// Find returns the message whose window contains t on the given track.
func (x *Index) Find(track TrackKey, t time.Duration) (KeyMessage, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	w, ok := x.tracks[track]
	if !ok {
		return KeyMessage{}, false
	}
	return w.find(t)
}

// Prune removes windows on the track that end at or before horizon and
// returns how many were removed.
func (x *Index) Prune(track TrackKey, horizon time.Duration) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	w, ok := x.tracks[track]
	if !ok {
		return 0
	}
	removed := w.prune(horizon)
	if len(w.msgs) == 0 {
		delete(x.tracks, track)
	}
	return removed
}

// Len returns the number of stored messages for a track.
func (x *Index) Len(track TrackKey) int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if w, ok := x.tracks[track]; ok {
		return len(w.msgs)
	}
	return 0
}

// Tracks returns the keys of all tracks that hold at least one message.
func (x *Index) Tracks() []TrackKey {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]TrackKey, 0, len(x.tracks))
	for k := range x.tracks {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}

// TrackSummary describes the coverage of one track.
type TrackSummary struct {
	Track    TrackKey      `json:"track"`
	Count    int           `json:"count"`
	Earliest time.Duration `json:"earliest"`
	Latest   time.Duration `json:"latest"`
}

// Snapshot summarises every track in the index.
func (x *Index) Snapshot() []TrackSummary {
	tracks := x.Tracks()

	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]TrackSummary, 0, len(tracks))
	for _, k := range tracks {
		w, ok := x.tracks[k]
		if !ok || len(w.msgs) == 0 {
			continue
		}
		out = append(out, TrackSummary{
			Track:    k,
			Count:    len(w.msgs),
			Earliest: w.msgs[0].Start,
			Latest:   w.maxEnd[len(w.maxEnd)-1],
		})
	}
	return out
}

func (w *windows) insert(msg KeyMessage) bool {
	// Insert after any equal starts so ties keep arrival order.
	pos := sort.Search(len(w.msgs), func(i int) bool { return w.msgs[i].Start > msg.Start })
	for i := pos - 1; i >= 0 && w.msgs[i].Start == msg.Start; i-- {
		if w.msgs[i].Equal(msg) {
			return false
		}
	}

	w.msgs = append(w.msgs, KeyMessage{})
	copy(w.msgs[pos+1:], w.msgs[pos:])
	w.msgs[pos] = msg

	w.maxEnd = append(w.maxEnd, 0)
	w.rebuild(pos)
	return true
}

func (w *windows) find(t time.Duration) (KeyMessage, bool) {
	last := sort.Search(len(w.msgs), func(i int) bool { return w.msgs[i].Start > t }) - 1
	if last < 0 {
		return KeyMessage{}, false
	}
	first := sort.Search(last+1, func(i int) bool { return w.maxEnd[i] > t })
	if first > last {
		return KeyMessage{}, false
	}
	return w.msgs[first], true
}

func (w *windows) prune(horizon time.Duration) int {
	kept := w.msgs[:0]
	for _, m := range w.msgs {
		if m.End() > horizon {
			kept = append(kept, m)
		}
	}
	removed := len(w.msgs) - len(kept)
	if removed == 0 {
		return 0
	}
	clear(w.msgs[len(kept):])
	w.msgs = kept
	w.maxEnd = w.maxEnd[:len(kept)]
	w.rebuild(0)
	return removed
}

func (w *windows) rebuild(from int) {
	for i := from; i < len(w.msgs); i++ {
		end := w.msgs[i].End()
		if i > 0 && w.maxEnd[i-1] > end {
			end = w.maxEnd[i-1]
		}
		w.maxEnd[i] = end
	}
}
