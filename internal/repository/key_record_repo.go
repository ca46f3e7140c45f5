package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/keysync/internal/keys"
	"github.com/jmylchreest/keysync/internal/models"
	"gorm.io/gorm"
)

// keyRecordRepository implements KeyRecordRepository using GORM.
type keyRecordRepository struct {
	db *gorm.DB
}

// NewKeyRecordRepository creates a new KeyRecordRepository.
func NewKeyRecordRepository(db *gorm.DB) KeyRecordRepository {
	return &keyRecordRepository{db: db}
}

func (r *keyRecordRepository) Save(ctx context.Context, msg keys.KeyMessage, source string) (*models.KeyRecord, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("validating key message: %w", err)
	}
	rec := models.NewKeyRecord(msg, source)
	rec.CreatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("saving key record: %w", err)
	}
	return &rec, nil
}

func (r *keyRecordRepository) LoadSince(ctx context.Context, since time.Time) ([]*models.KeyRecord, error) {
	var records []*models.KeyRecord
	if err := r.db.WithContext(ctx).
		Where("created_at >= ?", since.UTC()).
		Order("created_at ASC, id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("loading key records: %w", err)
	}
	return records, nil
}

func (r *keyRecordRepository) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", t.UTC()).Delete(&models.KeyRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting key records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *keyRecordRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.KeyRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting key records: %w", err)
	}
	return n, nil
}
