package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"plot-stats/internal/database"
	"plot-stats/internal/database/dbtest"
	"plot-stats/internal/fetcher"
	"plot-stats/internal/kafka"
	"plot-stats/internal/parser"
	"plot-stats/internal/status"
)

const (
	testBaseURL = "https://www.test.io"
	testURL     = "https://www.test.io/pl/wyniki/sprzedaz/dzialka/pomorskie/gdansk?limit=36"
)

type listingFixture struct {
	id    int64
	title string
	price int
}

func payload(t *testing.T, estate string, totalPages int, listings ...listingFixture) []byte {
	t.Helper()

	items := make([]map[string]interface{}, 0, len(listings))
	for _, l := range listings {
		items = append(items, map[string]interface{}{
			"id":    l.id,
			"title": l.title,
			"slug":  strings.ReplaceAll(strings.ToLower(l.title), " ", "-"),
			"location": map[string]interface{}{
				"address": map[string]interface{}{
					"city":     map[string]interface{}{"name": "Gdańsk"},
					"province": map[string]interface{}{"name": "pomorskie"},
				},
			},
			"dateCreatedFirst":   "2024-02-01 12:00:00",
			"totalPrice":         map[string]interface{}{"value": l.price},
			"areaInSquareMeters": 1000,
		})
	}

	body, err := json.Marshal(map[string]interface{}{
		"pageProps": map[string]interface{}{
			"estate": estate,
			"mapBoundingBox": map[string]interface{}{
				"boundingBox": map[string]interface{}{"neLat": 54.5, "neLng": 18.9},
			},
			"filteringQueryParams": map[string]interface{}{
				"distanceRadius": 15,
				"priceMin":       100000,
				"locations":      []string{"Gdańsk, pomorskie"},
			},
			"data": map[string]interface{}{
				"searchAds": map[string]interface{}{
					"items":      items,
					"pagination": map[string]interface{}{"totalPages": totalPages},
				},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

type fetchCall struct {
	url   string
	wait  time.Duration
	state fetcher.AttemptState
}

type fakeFetcher struct {
	results  []fetcher.Result
	calls    []fetchCall
	identity *fetcher.Identity
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, wait time.Duration, state fetcher.AttemptState) (fetcher.Result, fetcher.AttemptState) {
	f.calls = append(f.calls, fetchCall{url: url, wait: wait, state: state})
	if len(f.results) == 0 {
		return fetcher.Result{Status: http.StatusInternalServerError}, state
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result, fetcher.AttemptState{Identity: f.identity}
}

type fakeScheduler struct {
	registered []database.ScheduleSpec
}

func (f *fakeScheduler) RegisterSchedule(_ string, schedule database.ScheduleSpec, _ uint) error {
	f.registered = append(f.registered, schedule)
	return nil
}

type fakePublisher struct {
	completed []kafka.ScanCompletedEvent
}

func (f *fakePublisher) PublishScanCompleted(_ context.Context, event kafka.ScanCompletedEvent) error {
	f.completed = append(f.completed, event)
	return nil
}

func okResult(body []byte) fetcher.Result {
	return fetcher.Result{Status: http.StatusOK, Body: body}
}

func setupCoordinator(t *testing.T, results ...fetcher.Result) (*Coordinator, *database.DB, *fakeFetcher, *fakePublisher) {
	t.Helper()
	db := dbtest.Setup(t)
	if err := db.EnsureCategories(context.Background(), parser.CategoryNames()...); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{results: results, identity: &fetcher.Identity{Name: "first"}}
	publisher := &fakePublisher{}
	c := NewCoordinator(db, f, status.NewReporter(db, nil), testBaseURL)
	c.SetPublisher(publisher)
	c.pageDelay = func() time.Duration { return 15 * time.Second }
	return c, db, f, publisher
}

func count(t *testing.T, db *database.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func TestTriggerScanPaginates(t *testing.T) {
	c, db, f, publisher := setupCoordinator(t,
		okResult(payload(t, "TERRAIN", 3, listingFixture{1, "a", 100}, listingFixture{2, "b", 200})),
		okResult(payload(t, "TERRAIN", 3, listingFixture{3, "c", 300})),
		okResult(payload(t, "TERRAIN", 3, listingFixture{1, "a", 150})),
	)
	ctx := context.Background()

	if err := c.TriggerScan(ctx, testURL, nil, nil); err != nil {
		t.Fatal(err)
	}

	if len(f.calls) != 3 {
		t.Fatalf("Expected 3 page fetches, got %d", len(f.calls))
	}
	if !strings.HasSuffix(f.calls[0].url, "&page=1") || !strings.HasSuffix(f.calls[2].url, "&page=3") {
		t.Errorf("Unexpected page URLs %s, %s", f.calls[0].url, f.calls[2].url)
	}
	if !strings.Contains(f.calls[0].url, "/_next/data/"+fetcher.TokenPlaceholder+"/pl/wyniki/") {
		t.Errorf("Page URL should be an API template, got %s", f.calls[0].url)
	}
	if f.calls[0].wait != 0 || f.calls[1].wait != 15*time.Second {
		t.Errorf("Unexpected waits %v, %v", f.calls[0].wait, f.calls[1].wait)
	}
	if f.calls[1].state.Identity != f.identity || f.calls[1].state.Retries != 0 {
		t.Error("Identity should carry over between pages with a fresh retry count")
	}

	if n := count(t, db, &database.Search{}); n != 1 {
		t.Errorf("Expected 1 search, got %d", n)
	}
	if n := count(t, db, &database.SearchEvent{}); n != 1 {
		t.Errorf("Expected 1 event, got %d", n)
	}
	if n := count(t, db, &database.Estate{}); n != 3 {
		t.Errorf("Expected 3 estates, got %d", n)
	}

	search, _ := db.GetSearchByURL(ctx, testURL)
	events, _ := db.GetSearchEvents(ctx, search.ID)
	prices, err := db.GetEventPrices(ctx, events[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	var got []int
	for _, p := range prices {
		got = append(got, p.Price)
	}
	if len(got) != 4 || got[0] != 100 || got[1] != 200 || got[2] != 300 || got[3] != 150 {
		t.Errorf("Prices should follow page and listing order, got %v", got)
	}

	if search.Coordinates == nil || *search.Coordinates != "neLat: 54.5, neLng: 18.9" {
		t.Errorf("Unexpected coordinates %v", search.Coordinates)
	}
	if search.Category == nil || search.Category.Name != "Plot" {
		t.Errorf("Unexpected category %+v", search.Category)
	}

	if len(publisher.completed) != 1 {
		t.Fatalf("Expected one completion event, got %d", len(publisher.completed))
	}
	summary := publisher.completed[0]
	if summary.Pages != 3 || summary.Prices != 4 || summary.Partial || summary.SearchID != search.ID {
		t.Errorf("Unexpected summary %+v", summary)
	}
}

func TestTriggerScanKeepsPagesBeforeFailure(t *testing.T) {
	c, db, f, publisher := setupCoordinator(t,
		okResult(payload(t, "TERRAIN", 3, listingFixture{1, "a", 100}, listingFixture{2, "b", 200})),
		fetcher.Result{Status: http.StatusForbidden},
	)
	ctx := context.Background()

	if err := c.TriggerScan(ctx, testURL, nil, nil); err != nil {
		t.Fatalf("Partial scan should not fail, got %v", err)
	}
	if len(f.calls) != 2 {
		t.Errorf("Scan should stop after the failed page, got %d fetches", len(f.calls))
	}

	search, _ := db.GetSearchByURL(ctx, testURL)
	if n := count(t, db, &database.Price{}); n != 2 {
		t.Errorf("Expected page 1 prices only, got %d", n)
	}
	failures, _ := db.GetScanFailures(ctx, search.ID)
	if len(failures) != 1 || failures[0].StatusCode != http.StatusForbidden {
		t.Errorf("Expected one 403 failure, got %+v", failures)
	}
	if len(publisher.completed) != 1 || !publisher.completed[0].Partial || publisher.completed[0].Pages != 1 {
		t.Errorf("Expected partial summary, got %+v", publisher.completed)
	}
}

func TestTriggerScanFirstPageFailure(t *testing.T) {
	c, db, _, publisher := setupCoordinator(t, fetcher.Result{Status: http.StatusNotFound})
	ctx := context.Background()

	err := c.TriggerScan(ctx, testURL, nil, nil)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Status != http.StatusNotFound || fetchErr.Page != 1 {
		t.Fatalf("Expected FetchError with 404, got %v", err)
	}
	if !errors.Is(err, ErrScanFailed) {
		t.Error("FetchError should wrap ErrScanFailed")
	}

	if n := count(t, db, &database.ScanFailure{}); n != 1 {
		t.Errorf("Expected one failure, got %d", n)
	}
	if n := count(t, db, &database.SearchEvent{}); n != 0 {
		t.Errorf("Expected no events, got %d", n)
	}
	if len(publisher.completed) != 0 {
		t.Error("Failed scan should not publish completion")
	}
}

func TestTriggerScanFailureUsesGivenSearchID(t *testing.T) {
	c, db, _, _ := setupCoordinator(t,
		okResult(payload(t, "TERRAIN", 1, listingFixture{1, "a", 100})),
		fetcher.Result{Status: fetcher.StatusTransportError},
	)
	ctx := context.Background()

	if err := c.TriggerScan(ctx, testURL, nil, nil); err != nil {
		t.Fatal(err)
	}
	search, _ := db.GetSearchByURL(ctx, testURL)

	if err := c.TriggerScan(ctx, testURL, nil, &search.ID); err == nil {
		t.Fatal("Expected failure")
	}
	failures, _ := db.GetScanFailures(ctx, search.ID)
	if len(failures) != 1 || failures[0].StatusCode != fetcher.StatusTransportError {
		t.Errorf("Unexpected failures %+v", failures)
	}
}

func TestIngestCategoryNotFound(t *testing.T) {
	c, db, _, _ := setupCoordinator(t)
	ctx := context.Background()

	_, err := c.Ingest(ctx, testURL, nil, payload(t, "GARAGE", 1, listingFixture{1, "a", 100}), nil)
	if !errors.Is(err, database.ErrCategoryNotFound) {
		t.Fatalf("Expected ErrCategoryNotFound, got %v", err)
	}

	for _, model := range []interface{}{&database.Search{}, &database.SearchEvent{}, &database.Estate{}, &database.Price{}} {
		if n := count(t, db, model); n != 0 {
			t.Errorf("Expected no %T rows, got %d", model, n)
		}
	}
}

func TestIngestMissingCategoryRow(t *testing.T) {
	c, db, _, _ := setupCoordinator(t)
	ctx := context.Background()
	db.Where("name = ?", "House").Delete(&database.Category{})

	_, err := c.Ingest(ctx, testURL, nil, payload(t, "HOUSE", 1, listingFixture{1, "a", 100}), nil)
	if !errors.Is(err, database.ErrCategoryNotFound) {
		t.Fatalf("Expected ErrCategoryNotFound, got %v", err)
	}
	if n := count(t, db, &database.Search{}); n != 0 {
		t.Errorf("Expected no searches, got %d", n)
	}
}

func TestIngestRepeatedScan(t *testing.T) {
	c, db, _, _ := setupCoordinator(t)
	ctx := context.Background()

	first, err := c.Ingest(ctx, testURL, nil, payload(t, "TERRAIN", 1,
		listingFixture{1, "old title", 100}, listingFixture{2, "steady", 200}), nil)
	if err != nil {
		t.Fatal(err)
	}
	steadyBefore, _ := db.GetEstate(ctx, 2)

	second, err := c.Ingest(ctx, testURL, nil, payload(t, "TERRAIN", 1,
		listingFixture{1, "new title", 90}, listingFixture{2, "steady", 200}), nil)
	if err != nil {
		t.Fatal(err)
	}

	if first.SearchID != second.SearchID || first.ID == second.ID {
		t.Errorf("Expected same search and new event, got %+v and %+v", first, second)
	}
	if n := count(t, db, &database.Search{}); n != 1 {
		t.Errorf("Expected 1 search, got %d", n)
	}
	if n := count(t, db, &database.Estate{}); n != 2 {
		t.Errorf("Expected 2 estates, got %d", n)
	}
	if n := count(t, db, &database.Price{}); n != 4 {
		t.Errorf("Expected 4 prices, got %d", n)
	}

	changed, _ := db.GetEstate(ctx, 1)
	if changed.Title != "new title" {
		t.Errorf("Title should be updated, got %q", changed.Title)
	}
	steadyAfter, _ := db.GetEstate(ctx, 2)
	if !steadyAfter.UpdatedAt.Equal(steadyBefore.UpdatedAt) {
		t.Error("Unchanged estate should not be written")
	}
}

func TestIngestZeroListings(t *testing.T) {
	c, db, _, _ := setupCoordinator(t)
	ctx := context.Background()

	event, err := c.Ingest(ctx, testURL, nil, payload(t, "FLAT", 1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if event.ID == 0 {
		t.Error("Expected an event")
	}
	prices, _ := db.GetEventPrices(ctx, event.ID)
	if len(prices) != 0 {
		t.Errorf("Expected no prices, got %d", len(prices))
	}
}

func TestIngestRegistersChangedSchedule(t *testing.T) {
	c, db, _, _ := setupCoordinator(t)
	scheduler := &fakeScheduler{}
	c.SetScheduler(scheduler)
	ctx := context.Background()
	body := payload(t, "TERRAIN", 1, listingFixture{1, "a", 100})

	weekly := &database.ScheduleSpec{DayOfWeek: 0, Hour: 1, Minute: 2}
	if _, err := c.Ingest(ctx, testURL, weekly, body, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Ingest(ctx, testURL, weekly, body, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Ingest(ctx, testURL, nil, body, nil); err != nil {
		t.Fatal(err)
	}
	if len(scheduler.registered) != 1 {
		t.Fatalf("Unchanged schedule should register once, got %d", len(scheduler.registered))
	}

	moved := &database.ScheduleSpec{DayOfWeek: 3, Hour: 7, Minute: 30}
	if _, err := c.Ingest(ctx, testURL, moved, body, nil); err != nil {
		t.Fatal(err)
	}
	if len(scheduler.registered) != 2 || scheduler.registered[1] != *moved {
		t.Errorf("Changed schedule should be registered, got %+v", scheduler.registered)
	}

	search, _ := db.GetSearchByURL(ctx, testURL)
	if !database.SameSchedule(search.Schedule, moved) {
		t.Errorf("Stored schedule not updated: %+v", search.Schedule)
	}
}
