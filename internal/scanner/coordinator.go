package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"plot-stats/internal/database"
	"plot-stats/internal/fetcher"
	"plot-stats/internal/kafka"
	"plot-stats/internal/parser"
	"plot-stats/internal/utils"
)

const (
	minPageDelay = 10 * time.Second
	maxPageDelay = 20 * time.Second
)

var ErrScanFailed = errors.New("scan failed")

// FetchError reports the terminal status of a page that could not be fetched.
type FetchError struct {
	URL    string
	Page   int
	Status int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s page %d: status %d", e.URL, e.Page, e.Status)
}

func (e *FetchError) Unwrap() error {
	return ErrScanFailed
}

type Fetcher interface {
	Fetch(ctx context.Context, urlTemplate string, wait time.Duration, state fetcher.AttemptState) (fetcher.Result, fetcher.AttemptState)
}

type FailureRecorder interface {
	RecordFailure(ctx context.Context, searchID *uint, url string, statusCode int) error
}

type Scheduler interface {
	RegisterSchedule(url string, schedule database.ScheduleSpec, searchID uint) error
}

type Publisher interface {
	PublishScanCompleted(ctx context.Context, event kafka.ScanCompletedEvent) error
}

type Coordinator struct {
	db        *database.DB
	fetcher   Fetcher
	failures  FailureRecorder
	scheduler Scheduler
	publisher Publisher
	baseURL   string
	pageDelay func() time.Duration
}

func NewCoordinator(db *database.DB, f Fetcher, failures FailureRecorder, baseURL string) *Coordinator {
	return &Coordinator{
		db:       db,
		fetcher:  f,
		failures: failures,
		baseURL:  baseURL,
		pageDelay: func() time.Duration {
			return utils.RandomDelay(minPageDelay, maxPageDelay)
		},
	}
}

func (c *Coordinator) SetScheduler(scheduler Scheduler) {
	c.scheduler = scheduler
}

func (c *Coordinator) SetPublisher(publisher Publisher) {
	c.publisher = publisher
}

// TriggerScan runs one scan of a search page URL across all of its pages.
// A failure on page 1 returns a *FetchError; a failure on a later page is
// recorded and ends the scan, keeping the pages already stored.
func (c *Coordinator) TriggerScan(ctx context.Context, url string, schedule *database.ScheduleSpec, searchID *uint) error {
	apiURL, err := fetcher.BuildAPIURL(c.baseURL, url)
	if err != nil {
		return fmt.Errorf("build api url: %w", err)
	}
	log.Printf("Scan of %s starting", url)

	result, state := c.fetcher.Fetch(ctx, fetcher.PageURL(apiURL, 1), 0, fetcher.AttemptState{})
	if !result.OK() {
		c.recordFailure(ctx, searchID, url, result.Status)
		return &FetchError{URL: url, Page: 1, Status: result.Status}
	}

	scan, err := parser.Extract(result.Body)
	if err != nil {
		c.recordFailure(ctx, searchID, url, fetcher.StatusUnexpectedBody)
		return fmt.Errorf("parse page 1 of %s: %w", url, err)
	}

	event, stats, err := c.ingest(ctx, url, schedule, scan, nil)
	if err != nil {
		return err
	}

	summary := kafka.ScanCompletedEvent{
		SearchID:      event.SearchID,
		SearchEventID: event.ID,
		URL:           url,
		Pages:         1,
		TotalPages:    scan.TotalPages,
		Prices:        stats.prices,
	}

	for page := 2; page <= scan.TotalPages; page++ {
		result, state = c.fetcher.Fetch(ctx, fetcher.PageURL(apiURL, page), c.pageDelay(), fetcher.AttemptState{Identity: state.Identity})
		if !result.OK() {
			c.recordFailure(ctx, &event.SearchID, url, result.Status)
			summary.Partial = true
			break
		}

		pageScan, err := parser.Extract(result.Body)
		if err != nil {
			log.Printf("Error parsing page %d of %s: %v", page, url, err)
			c.recordFailure(ctx, &event.SearchID, url, fetcher.StatusUnexpectedBody)
			summary.Partial = true
			break
		}

		if _, stats, err = c.ingest(ctx, url, nil, pageScan, event); err != nil {
			return fmt.Errorf("ingest page %d of %s: %w", page, url, err)
		}
		summary.Pages++
		summary.Prices += stats.prices
	}

	log.Printf("Scan of %s finished: event %d, %d/%d pages, %d prices",
		url, event.ID, summary.Pages, summary.TotalPages, summary.Prices)

	if c.publisher != nil {
		if err := c.publisher.PublishScanCompleted(ctx, summary); err != nil {
			log.Printf("Error publishing scan completion: %v", err)
		}
	}
	return nil
}

// Ingest stores one page body. With a nil event it resolves the search and
// opens a new event first; otherwise the listings join the given event.
func (c *Coordinator) Ingest(ctx context.Context, url string, schedule *database.ScheduleSpec, body []byte, event *database.SearchEvent) (*database.SearchEvent, error) {
	scan, err := parser.Extract(body)
	if err != nil {
		return nil, err
	}
	event, _, err = c.ingest(ctx, url, schedule, scan, event)
	return event, err
}

func (c *Coordinator) recordFailure(ctx context.Context, searchID *uint, url string, status int) {
	if c.failures == nil {
		return
	}
	if err := c.failures.RecordFailure(ctx, searchID, url, status); err != nil {
		log.Printf("Error recording failure for %s: %v", url, err)
	}
}
