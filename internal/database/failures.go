package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

func (db *DB) CreateScanFailure(ctx context.Context, searchID *uint, statusCode int) (*ScanFailure, error) {
	failure := &ScanFailure{
		Date:       time.Now().UTC(),
		SearchID:   searchID,
		StatusCode: statusCode,
	}
	err := db.WithContext(ctx).Create(failure).Error
	return failure, err
}

func (db *DB) GetScanFailures(ctx context.Context, searchID uint) ([]*ScanFailure, error) {
	var failures []*ScanFailure
	err := db.WithContext(ctx).Where("search_id = ?", searchID).Order("date").Find(&failures).Error
	return failures, err
}

// LastFailureTime returns when the search last failed, or nil.
func (db *DB) LastFailureTime(ctx context.Context, searchID uint) (*time.Time, error) {
	var failure ScanFailure
	err := db.WithContext(ctx).Where("search_id = ?", searchID).Order("date desc").First(&failure).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &failure.Date, nil
}
