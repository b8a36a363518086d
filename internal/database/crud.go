package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrCategoryNotFound = errors.New("category not found")

// Transaction runs fn against a DB bound to a single transaction.
func (db *DB) Transaction(ctx context.Context, fn func(tx *DB) error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&DB{tx})
	})
}

func (db *DB) CreateCategory(ctx context.Context, name string) (*Category, error) {
	category := &Category{Name: name}
	err := db.WithContext(ctx).Create(category).Error
	return category, err
}

// EnsureCategories creates the named categories that do not exist yet.
func (db *DB) EnsureCategories(ctx context.Context, names ...string) error {
	for _, name := range names {
		category, err := db.GetCategoryByName(ctx, name)
		if err != nil {
			return err
		}
		if category != nil {
			continue
		}
		if _, err := db.CreateCategory(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) GetCategoryByName(ctx context.Context, name string) (*Category, error) {
	var category Category
	err := db.WithContext(ctx).Where("name = ?", name).First(&category).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &category, err
}

func (db *DB) CreateSearch(ctx context.Context, search *Search) error {
	return db.WithContext(ctx).Create(search).Error
}

// GetSearchByURL looks a search up by its raw (not encoded) source URL.
func (db *DB) GetSearchByURL(ctx context.Context, rawURL string) (*Search, error) {
	var search Search
	err := db.WithContext(ctx).
		Preload("Category").
		Where("url = ?", EncodeURL(rawURL)).
		First(&search).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &search, err
}

func (db *DB) GetSearchByID(ctx context.Context, id uint) (*Search, error) {
	var search Search
	err := db.WithContext(ctx).Preload("Category").First(&search, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &search, err
}

func (db *DB) GetSearches(ctx context.Context) ([]*Search, error) {
	var searches []*Search
	err := db.WithContext(ctx).Preload("Category").Order("id").Find(&searches).Error
	return searches, err
}

func (db *DB) GetScheduledSearches(ctx context.Context) ([]*Search, error) {
	var searches []*Search
	err := db.WithContext(ctx).Where("schedule IS NOT NULL").Order("id").Find(&searches).Error
	return searches, err
}

func (db *DB) UpdateSearchSchedule(ctx context.Context, searchID uint, schedule *ScheduleSpec) error {
	return db.WithContext(ctx).
		Model(&Search{ID: searchID}).
		Select("schedule").
		Updates(&Search{Schedule: schedule}).Error
}

func (db *DB) CreateSearchEvent(ctx context.Context, searchID uint) (*SearchEvent, error) {
	event := &SearchEvent{
		Date:     time.Now().UTC(),
		SearchID: searchID,
	}
	err := db.WithContext(ctx).Create(event).Error
	return event, err
}

func (db *DB) GetSearchEvents(ctx context.Context, searchID uint) ([]*SearchEvent, error) {
	var events []*SearchEvent
	err := db.WithContext(ctx).Where("search_id = ?", searchID).Order("date").Find(&events).Error
	return events, err
}

// LastEventTime returns when the search last produced an event, or nil.
func (db *DB) LastEventTime(ctx context.Context, searchID uint) (*time.Time, error) {
	var event SearchEvent
	err := db.WithContext(ctx).Where("search_id = ?", searchID).Order("date desc").First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event.Date, nil
}
