package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const batchSize = 100

// Changes lists the columns whose values differ in incoming.
func (e *Estate) Changes(incoming *Estate) map[string]interface{} {
	changes := make(map[string]interface{})
	if e.Title != incoming.Title {
		changes["title"] = incoming.Title
	}
	if !sameString(e.Street, incoming.Street) {
		changes["street"] = incoming.Street
	}
	if !sameString(e.City, incoming.City) {
		changes["city"] = incoming.City
	}
	if !sameString(e.Province, incoming.Province) {
		changes["province"] = incoming.Province
	}
	if !sameString(e.Location, incoming.Location) {
		changes["location"] = incoming.Location
	}
	if !sameTime(e.DateCreated, incoming.DateCreated) {
		changes["date_created"] = incoming.DateCreated
	}
	if e.URL != incoming.URL {
		changes["url"] = incoming.URL
	}
	return changes
}

func (e *Estate) absorb(incoming *Estate) {
	e.Title = incoming.Title
	e.Street = incoming.Street
	e.City = incoming.City
	e.Province = incoming.Province
	e.Location = incoming.Location
	e.DateCreated = incoming.DateCreated
	e.URL = incoming.URL
}

// UpsertEstates inserts estates with unseen ids and writes only the changed
// columns of known ones. Repeated ids within the batch collapse onto the
// last occurrence.
func (db *DB) UpsertEstates(ctx context.Context, estates []*Estate) (created, updated int, err error) {
	if len(estates) == 0 {
		return 0, 0, nil
	}

	ids := make([]int64, 0, len(estates))
	for _, e := range estates {
		ids = append(ids, e.ID)
	}

	var existing []*Estate
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&existing).Error; err != nil {
		return 0, 0, err
	}

	known := make(map[int64]*Estate, len(existing))
	for _, e := range existing {
		known[e.ID] = e
	}
	pending := make(map[int64]*Estate)
	var fresh []*Estate

	for _, e := range estates {
		if p, ok := pending[e.ID]; ok {
			p.absorb(e)
			continue
		}

		current, ok := known[e.ID]
		if !ok {
			copied := *e
			pending[e.ID] = &copied
			fresh = append(fresh, &copied)
			continue
		}

		changes := current.Changes(e)
		if len(changes) == 0 {
			continue
		}
		if err := db.WithContext(ctx).Model(&Estate{ID: e.ID}).Updates(changes).Error; err != nil {
			return created, updated, err
		}
		current.absorb(e)
		updated++
	}

	if len(fresh) > 0 {
		if err := db.WithContext(ctx).CreateInBatches(fresh, batchSize).Error; err != nil {
			return created, updated, err
		}
		created = len(fresh)
	}

	return created, updated, nil
}

// CreatePrices inserts prices in slice order.
func (db *DB) CreatePrices(ctx context.Context, prices []*Price) error {
	if len(prices) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(prices, batchSize).Error
}

func (db *DB) GetEventPrices(ctx context.Context, eventID uint) ([]*Price, error) {
	var prices []*Price
	err := db.WithContext(ctx).Where("search_event_id = ?", eventID).Order("id").Find(&prices).Error
	return prices, err
}

func (db *DB) GetEstate(ctx context.Context, id int64) (*Estate, error) {
	var estate Estate
	err := db.WithContext(ctx).First(&estate, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &estate, err
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
