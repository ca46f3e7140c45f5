package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmylchreest/keysync/internal/keys"
)

// ErrInvalidKeyRecord is returned when a stored record cannot be turned back
// into a key message.
var ErrInvalidKeyRecord = errors.New("invalid key record")

// KeyRecord is one journalled key message. Media time is stored in
// nanoseconds; Key and IV keep the original wire text.
type KeyRecord struct {
	BaseModel
	Kind          string `gorm:"size:8;not null;index:idx_key_records_track,priority:1" json:"kind"`
	TrackID       uint32 `gorm:"not null;index:idx_key_records_track,priority:2" json:"track_id"`
	StartNanos    int64  `gorm:"not null;index:idx_key_records_track,priority:3" json:"start_ns"`
	DurationNanos int64  `gorm:"not null" json:"duration_ns"`
	Key           string `gorm:"not null" json:"-"`
	IV            string `gorm:"not null" json:"-"`
	Source        string `gorm:"size:16;not null" json:"source"`
}

// TableName returns the table name for key records.
func (KeyRecord) TableName() string {
	return "key_records"
}

// NewKeyRecord builds a record for msg received from source.
func NewKeyRecord(msg keys.KeyMessage, source string) KeyRecord {
	return KeyRecord{
		Kind:          msg.Kind.String(),
		TrackID:       msg.TrackID,
		StartNanos:    int64(msg.Start),
		DurationNanos: int64(msg.Duration),
		Key:           string(msg.Key),
		IV:            string(msg.IV),
		Source:        source,
	}
}

// Message converts the record back into a validated key message.
func (r KeyRecord) Message() (keys.KeyMessage, error) {
	kind, err := keys.ParseMediaKind(r.Kind)
	if err != nil {
		return keys.KeyMessage{}, fmt.Errorf("%w %s: %v", ErrInvalidKeyRecord, r.ID, err)
	}
	msg := keys.KeyMessage{
		TrackID:  r.TrackID,
		Kind:     kind,
		Start:    time.Duration(r.StartNanos),
		Duration: time.Duration(r.DurationNanos),
		Key:      keys.WireValue(r.Key),
		IV:       keys.WireValue(r.IV),
	}
	if err := msg.Validate(); err != nil {
		return keys.KeyMessage{}, fmt.Errorf("%w %s: %v", ErrInvalidKeyRecord, r.ID, err)
	}
	return msg, nil
}

// End returns the exclusive end of the record's window.
func (r KeyRecord) End() time.Duration {
	return time.Duration(r.StartNanos + r.DurationNanos)
}
