// Package keys holds the key message model, its wire format and the per-track
// index used to match fragments to decryption keys by media time.
package keys

import (
	"fmt"
	"strings"
)

// MediaKind partitions tracks into audio and video.
type MediaKind uint8

const (
	KindUnknown MediaKind = iota
	KindAudio
	KindVideo
)

// String returns the lower-case name used on the wire and in key index paths.
func (k MediaKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// ParseMediaKind accepts "audio"/"video" and the ISO-BMFF handler types
// "soun"/"vide", case-insensitively.
func ParseMediaKind(s string) (MediaKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio", "soun":
		return KindAudio, nil
	case "video", "vide":
		return KindVideo, nil
	default:
		return KindUnknown, fmt.Errorf("unknown media kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k MediaKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *MediaKind) UnmarshalText(text []byte) error {
	parsed, err := ParseMediaKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// TrackKey identifies a track. Track IDs are only unique within a media kind.
type TrackKey struct {
	Kind    MediaKind `json:"kind"`
	TrackID uint32    `json:"track_id"`
}

func (t TrackKey) String() string {
	return fmt.Sprintf("%s/%d", t.Kind, t.TrackID)
}
