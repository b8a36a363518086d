package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"plot-stats/internal/database"
)

type Runner interface {
	TriggerScan(ctx context.Context, url string, schedule *database.ScheduleSpec, searchID *uint) error
}

type Entry struct {
	URL      string
	SearchID uint
	Schedule database.ScheduleSpec
	Next     time.Time
}

type job struct {
	id       cron.EntryID
	searchID uint
	schedule database.ScheduleSpec
}

// Scheduler keeps one weekly cron entry per search URL.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner

	mu   sync.Mutex
	jobs map[string]job
	ctx  context.Context
}

func New(location *time.Location) *Scheduler {
	c := cron.New(
		cron.WithLocation(location),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	return &Scheduler{
		cron: c,
		jobs: make(map[string]job),
		ctx:  context.Background(),
	}
}

func (s *Scheduler) SetRunner(runner Runner) {
	s.runner = runner
}

// RegisterSchedule installs or replaces the periodic scan of url.
func (s *Scheduler) RegisterSchedule(url string, schedule database.ScheduleSpec, searchID uint) error {
	if err := schedule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[url]; ok {
		s.cron.Remove(existing.id)
	}

	id, err := s.cron.AddFunc(schedule.CronExpr(), func() { s.run(url, searchID) })
	if err != nil {
		delete(s.jobs, url)
		return fmt.Errorf("schedule %s: %w", url, err)
	}

	s.jobs[url] = job{id: id, searchID: searchID, schedule: schedule}
	log.Printf("Scheduled search %d at %q", searchID, schedule.CronExpr())
	return nil
}

func (s *Scheduler) RemoveSchedule(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[url]
	if !ok {
		return false
	}
	s.cron.Remove(existing.id)
	delete(s.jobs, url)
	log.Printf("Removed schedule of search %d", existing.searchID)
	return true
}

// Load registers every stored search that carries a schedule.
func (s *Scheduler) Load(searches []*database.Search) (int, error) {
	loaded := 0
	for _, search := range searches {
		if search.Schedule == nil {
			continue
		}
		url, err := database.DecodeURL(search.URL)
		if err != nil {
			return loaded, fmt.Errorf("decode url of search %d: %w", search.ID, err)
		}
		if err := s.RegisterSchedule(url, *search.Schedule, search.ID); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	log.Println("Scheduler started")
}

// Stop halts the cron loop and returns a context done when running scans end.
func (s *Scheduler) Stop() context.Context {
	log.Println("Scheduler stopping...")
	return s.cron.Stop()
}

func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.jobs))
	for url, j := range s.jobs {
		entries = append(entries, Entry{
			URL:      url,
			SearchID: j.searchID,
			Schedule: j.schedule,
			Next:     s.cron.Entry(j.id).Next,
		})
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].SearchID < entries[k].SearchID })
	return entries
}

func (s *Scheduler) run(url string, searchID uint) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if s.runner == nil {
		log.Printf("No runner for scheduled scan of search %d", searchID)
		return
	}

	log.Printf("Scheduled scan of search %d starting", searchID)
	if err := s.runner.TriggerScan(ctx, url, nil, &searchID); err != nil {
		log.Printf("Scheduled scan of search %d failed: %v", searchID, err)
	}
}
