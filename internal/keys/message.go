package keys

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedKeyMessage is returned for key messages that are not valid
	// JSON or miss a required field. Such messages are dropped.
	ErrMalformedKeyMessage = errors.New("malformed key message")

	// ErrMalformedWireValue is returned when a key or iv cannot be turned into
	// key material. It is detected when the key is used, not when it is received.
	ErrMalformedWireValue = errors.New("malformed wire value")
)

// KeyMessage binds key material to a window of media time on one track.
// Values are immutable once parsed.
type KeyMessage struct {
	TrackID  uint32
	Kind     MediaKind
	Start    time.Duration
	Duration time.Duration
	Key      WireValue
	IV       WireValue
}

// Track returns the index key of the message.
func (m KeyMessage) Track() TrackKey {
	return TrackKey{Kind: m.Kind, TrackID: m.TrackID}
}

// End returns the exclusive end of the validity window.
func (m KeyMessage) End() time.Duration {
	return m.Start + m.Duration
}

// Window returns the half-open validity window [start, end).
func (m KeyMessage) Window() (start, end time.Duration) {
	return m.Start, m.End()
}

// Contains reports whether t lies within [Start, Start+Duration).
func (m KeyMessage) Contains(t time.Duration) bool {
	return t >= m.Start && t < m.End()
}

// Equal reports whether two messages carry the same window and key material.
func (m KeyMessage) Equal(o KeyMessage) bool {
	return m.TrackID == o.TrackID &&
		m.Kind == o.Kind &&
		m.Start == o.Start &&
		m.Duration == o.Duration &&
		m.Key == o.Key &&
		m.IV == o.IV
}

// Validate checks the model invariants.
func (m KeyMessage) Validate() error {
	if m.Kind != KindAudio && m.Kind != KindVideo {
		return fmt.Errorf("%w: media kind is required", ErrMalformedKeyMessage)
	}
	if m.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrMalformedKeyMessage)
	}
	if m.Start < 0 {
		return fmt.Errorf("%w: negative media time", ErrMalformedKeyMessage)
	}
	if m.Key == "" || m.IV == "" {
		return fmt.Errorf("%w: key and iv are required", ErrMalformedKeyMessage)
	}
	return nil
}

// Material derives the 128-bit AES key and the initial counter block.
//
// The key is zero-extended as a 128-bit big-endian integer. The iv is the
// big-endian 64-bit nonce in bytes [0:8]; bytes [8:16] hold the block counter,
// which starts at zero.
func (m KeyMessage) Material() (key, iv [16]byte, err error) {
	k, err := m.Key.bytes(16)
	if err != nil {
		return key, iv, &WireValueError{Field: "key", Raw: string(m.Key), Err: err}
	}
	v, err := m.IV.bytes(8)
	if err != nil {
		return key, iv, &WireValueError{Field: "iv", Raw: string(m.IV), Err: err}
	}
	copy(key[16-len(k):], k)
	copy(iv[8-len(v):8], v)
	return key, iv, nil
}

func (m KeyMessage) String() string {
	return fmt.Sprintf("%s [%s, %s)", m.Track(), m.Start, m.End())
}
