package keys

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WireValue is the raw JSON token of a key or iv exactly as received.
// It is decoded lazily by KeyMessage.Material.
type WireValue string

// WireValueError reports a key or iv that could not be decoded.
type WireValueError struct {
	Field string
	Raw   string
	Err   error
}

func (e *WireValueError) Error() string {
	return fmt.Sprintf("malformed wire value for %s (%s): %v", e.Field, e.Raw, e.Err)
}

// Unwrap makes errors.Is(err, ErrMalformedWireValue) hold.
func (e *WireValueError) Unwrap() error {
	return ErrMalformedWireValue
}

// bytes decodes the value into at most width big-endian bytes.
// Integers always decode to 8 bytes.
func (v WireValue) bytes(width int) ([]byte, error) {
	s := string(v)
	if s == "" || s == "null" {
		return nil, errors.New("missing value")
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal([]byte(s), &str); err != nil {
			return nil, fmt.Errorf("invalid string: %w", err)
		}
		return decodeHex(str, width)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("not a non-negative integer")
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("integer out of range")
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, n)
	return out, nil
}

func decodeHex(s string, width int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, errors.New("empty hex string")
	}
	if len(s) > 2*width {
		return nil, fmt.Errorf("hex string longer than %d bytes", width)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

type wireFragmentInfo struct {
	TrackID            *uint32      `json:"track_id"`
	CodecType          string       `json:"codec_type"`
	MediaKind          string       `json:"media_kind"`
	MediaTimeSecs      *float64     `json:"media_time_secs"`
	MediaTimeInSeconds *float64     `json:"media_time_in_seconds"`
	FirstPTS           *uint64      `json:"first_pts"`
	MediaTime          *uint64      `json:"media_time"`
	Duration           *json.Number `json:"duration"`
	Timescale          *uint32      `json:"timescale"`
}

type wireMessage struct {
	FragmentInfo *wireFragmentInfo `json:"fragment_info"`
	LegacyInfo   *wireFragmentInfo `json:"exmg_track_fragment_info"`
	Key          json.RawMessage   `json:"key"`
	IV           json.RawMessage   `json:"iv"`
	LegacyKey    json.RawMessage   `json:"exmg_key"`
	LegacyIV     json.RawMessage   `json:"exmg_iv"`
}

// ParseMessage parses one JSON key message. Both the canonical field names and
// the legacy exmg_* names are accepted.
//
// When fragment_info.timescale is present, first_pts (or media_time) and
// duration are in ticks of that timescale; otherwise media_time_secs and
// duration are in seconds.
func ParseMessage(payload []byte) (KeyMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return KeyMessage{}, fmt.Errorf("%w: %v", ErrMalformedKeyMessage, err)
	}

	info := w.FragmentInfo
	if info == nil {
		info = w.LegacyInfo
	}
	if info == nil {
		return KeyMessage{}, fmt.Errorf("%w: fragment_info is required", ErrMalformedKeyMessage)
	}
	if info.TrackID == nil {
		return KeyMessage{}, fmt.Errorf("%w: track_id is required", ErrMalformedKeyMessage)
	}

	kindTag := info.CodecType
	if kindTag == "" {
		kindTag = info.MediaKind
	}
	kind, err := ParseMediaKind(kindTag)
	if err != nil {
		return KeyMessage{}, fmt.Errorf("%w: %v", ErrMalformedKeyMessage, err)
	}

	start, duration, err := info.window()
	if err != nil {
		return KeyMessage{}, err
	}

	msg := KeyMessage{
		TrackID:  *info.TrackID,
		Kind:     kind,
		Start:    start,
		Duration: duration,
		Key:      rawValue(w.Key, w.LegacyKey),
		IV:       rawValue(w.IV, w.LegacyIV),
	}
	if err := msg.Validate(); err != nil {
		return KeyMessage{}, err
	}
	return msg, nil
}

func (info *wireFragmentInfo) window() (time.Duration, time.Duration, error) {
	if info.Duration == nil {
		return 0, 0, fmt.Errorf("%w: duration is required", ErrMalformedKeyMessage)
	}

	secs := info.MediaTimeSecs
	if secs == nil {
		secs = info.MediaTimeInSeconds
	}

	// With a timescale the duration is in ticks. The start may still be given
	// in seconds when no tick start is present.
	if info.Timescale != nil {
		if *info.Timescale == 0 {
			return 0, 0, fmt.Errorf("%w: timescale must be positive", ErrMalformedKeyMessage)
		}
		ticks, err := strconv.ParseUint(info.Duration.String(), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: duration must be an integer tick count", ErrMalformedKeyMessage)
		}
		ts := *info.Timescale
		pts := info.FirstPTS
		if pts == nil {
			pts = info.MediaTime
		}
		switch {
		case pts != nil:
			return TicksToDuration(*pts, ts), TicksToDuration(ticks, ts), nil
		case secs != nil:
			return SecondsToDuration(*secs), TicksToDuration(ticks, ts), nil
		}
		return 0, 0, fmt.Errorf("%w: first_pts or media_time_secs is required with timescale", ErrMalformedKeyMessage)
	}

	if secs == nil {
		if info.FirstPTS != nil || info.MediaTime != nil {
			return 0, 0, fmt.Errorf("%w: first_pts requires timescale", ErrMalformedKeyMessage)
		}
		return 0, 0, fmt.Errorf("%w: media time is required", ErrMalformedKeyMessage)
	}
	d, err := info.Duration.Float64()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid duration: %v", ErrMalformedKeyMessage, err)
	}
	return SecondsToDuration(*secs), SecondsToDuration(d), nil
}

func rawValue(primary, legacy json.RawMessage) WireValue {
	raw := primary
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = legacy
	}
	raw = bytes.TrimSpace(raw)
	if string(raw) == "null" {
		return ""
	}
	return WireValue(raw)
}
