package scanner

import (
	"context"
	"fmt"
	"log"

	"plot-stats/internal/database"
	"plot-stats/internal/parser"
)

type pageStats struct {
	created int
	updated int
	prices  int
}

// ingest writes one page in a single transaction. The schedule is registered
// only after the commit.
func (c *Coordinator) ingest(ctx context.Context, url string, schedule *database.ScheduleSpec, scan *parser.Scan, event *database.SearchEvent) (*database.SearchEvent, pageStats, error) {
	var stats pageStats
	current := event
	scheduleChanged := false

	err := c.db.Transaction(ctx, func(tx *database.DB) error {
		if current == nil {
			search, changed, err := resolveSearch(ctx, tx, url, schedule, scan)
			if err != nil {
				return err
			}
			scheduleChanged = changed

			opened, err := tx.CreateSearchEvent(ctx, search.ID)
			if err != nil {
				return fmt.Errorf("create search event: %w", err)
			}
			current = opened
		}

		created, updated, err := tx.UpsertEstates(ctx, scan.Estates())
		if err != nil {
			return fmt.Errorf("upsert estates: %w", err)
		}

		prices := scan.Prices(current.ID)
		if err := tx.CreatePrices(ctx, prices); err != nil {
			return fmt.Errorf("create prices: %w", err)
		}

		stats = pageStats{created: created, updated: updated, prices: len(prices)}
		return nil
	})
	if err != nil {
		return nil, pageStats{}, err
	}

	log.Printf("Event %d: %d new estates, %d updated, %d prices",
		current.ID, stats.created, stats.updated, stats.prices)

	if scheduleChanged && schedule != nil && c.scheduler != nil {
		if err := c.scheduler.RegisterSchedule(url, *schedule, current.SearchID); err != nil {
			log.Printf("Error registering schedule for search %d: %v", current.SearchID, err)
		}
	}

	return current, stats, nil
}

// resolveSearch finds the search stored for url or creates it. changed
// reports whether the stored schedule was set or replaced.
func resolveSearch(ctx context.Context, tx *database.DB, url string, schedule *database.ScheduleSpec, scan *parser.Scan) (*database.Search, bool, error) {
	name, ok := parser.MapCategory(scan.CategoryLabel)
	if !ok {
		return nil, false, fmt.Errorf("%w: estate type %q", database.ErrCategoryNotFound, scan.CategoryLabel)
	}
	category, err := tx.GetCategoryByName(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if category == nil {
		return nil, false, fmt.Errorf("%w: %s", database.ErrCategoryNotFound, name)
	}

	search, err := tx.GetSearchByURL(ctx, url)
	if err != nil {
		return nil, false, err
	}

	if search == nil {
		draft := scan.Search
		search = &database.Search{
			URL:            database.EncodeURL(url),
			CategoryID:     &category.ID,
			Location:       draft.Location,
			DistanceRadius: draft.DistanceRadius,
			FromPrice:      draft.FromPrice,
			ToPrice:        draft.ToPrice,
			FromSurface:    draft.FromSurface,
			ToSurface:      draft.ToSurface,
			Schedule:       schedule,
		}
		if draft.Coordinates != "" {
			coordinates := draft.Coordinates
			search.Coordinates = &coordinates
		}
		if err := tx.CreateSearch(ctx, search); err != nil {
			return nil, false, fmt.Errorf("create search: %w", err)
		}
		log.Printf("Created search %d for %s", search.ID, draft.Location)
		return search, schedule != nil, nil
	}

	if schedule != nil && !database.SameSchedule(search.Schedule, schedule) {
		if err := tx.UpdateSearchSchedule(ctx, search.ID, schedule); err != nil {
			return nil, false, fmt.Errorf("update schedule: %w", err)
		}
		search.Schedule = schedule
		return search, true, nil
	}

	return search, false, nil
}
