// Package repository defines data access for the key journal.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/keysync/internal/keys"
	"github.com/jmylchreest/keysync/internal/models"
)

// KeyRecordRepository defines operations for key journal persistence.
type KeyRecordRepository interface {
	// Save appends msg received from source.
	Save(ctx context.Context, msg keys.KeyMessage, source string) (*models.KeyRecord, error)
	// LoadSince returns records created at or after since, oldest first.
	LoadSince(ctx context.Context, since time.Time) ([]*models.KeyRecord, error)
	// DeleteBefore removes records created before t and returns how many were removed.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
	// Count returns the number of journalled records.
	Count(ctx context.Context) (int64, error)
}
