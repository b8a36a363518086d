package status

import (
	"context"
	"fmt"
	"log"
	"time"

	"plot-stats/internal/database"
	"plot-stats/internal/kafka"
)

type State string

const (
	StateSuccess State = "success"
	StateFailed  State = "failed"
	StateUnknown State = "unknown"
)

type FailurePublisher interface {
	PublishScanFailed(ctx context.Context, event kafka.ScanFailedEvent) error
}

type SearchStatus struct {
	SearchID    uint       `json:"search_id"`
	State       State      `json:"state"`
	LastEvent   *time.Time `json:"last_event"`
	LastFailure *time.Time `json:"last_failure"`
}

type Reporter struct {
	db        *database.DB
	publisher FailurePublisher
}

// NewReporter returns a reporter; publisher may be nil.
func NewReporter(db *database.DB, publisher FailurePublisher) *Reporter {
	return &Reporter{db: db, publisher: publisher}
}

// RecordFailure appends a failure for the search. When searchID is nil the
// search is resolved from url; an unknown url is recorded without a search.
func (r *Reporter) RecordFailure(ctx context.Context, searchID *uint, url string, statusCode int) error {
	if searchID == nil && url != "" {
		search, err := r.db.GetSearchByURL(ctx, url)
		if err != nil {
			return fmt.Errorf("resolve search for failure: %w", err)
		}
		if search != nil {
			searchID = &search.ID
		}
	}

	failure, err := r.db.CreateScanFailure(ctx, searchID, statusCode)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	log.Printf("Recorded scan failure %d for %s: status %d", failure.ID, url, statusCode)

	if r.publisher != nil {
		event := kafka.ScanFailedEvent{
			SearchID:   searchID,
			URL:        url,
			StatusCode: statusCode,
			Timestamp:  failure.Date,
		}
		if err := r.publisher.PublishScanFailed(ctx, event); err != nil {
			log.Printf("Error publishing scan failure: %v", err)
		}
	}
	return nil
}

// Derive compares the latest event and failure times. The later one wins;
// a tie counts as success.
func Derive(lastEvent, lastFailure *time.Time) State {
	switch {
	case lastEvent == nil && lastFailure == nil:
		return StateUnknown
	case lastEvent == nil:
		return StateFailed
	case lastFailure == nil:
		return StateSuccess
	case lastFailure.After(*lastEvent):
		return StateFailed
	default:
		return StateSuccess
	}
}

func (r *Reporter) StatusOf(ctx context.Context, searchID uint) (SearchStatus, error) {
	status := SearchStatus{SearchID: searchID}

	lastEvent, err := r.db.LastEventTime(ctx, searchID)
	if err != nil {
		return status, err
	}
	lastFailure, err := r.db.LastFailureTime(ctx, searchID)
	if err != nil {
		return status, err
	}

	status.LastEvent = lastEvent
	status.LastFailure = lastFailure
	status.State = Derive(lastEvent, lastFailure)
	return status, nil
}

// LastStatuses returns the status of every search, ordered by search id.
func (r *Reporter) LastStatuses(ctx context.Context) ([]SearchStatus, error) {
	searches, err := r.db.GetSearches(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]SearchStatus, 0, len(searches))
	for _, search := range searches {
		status, err := r.StatusOf(ctx, search.ID)
		if err != nil {
			return nil, fmt.Errorf("status of search %d: %w", search.ID, err)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
