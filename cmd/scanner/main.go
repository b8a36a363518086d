package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"plot-stats/internal/cache"
	"plot-stats/internal/config"
	"plot-stats/internal/database"
	"plot-stats/internal/fetcher"
	"plot-stats/internal/kafka"
	"plot-stats/internal/logging"
	"plot-stats/internal/parser"
	"plot-stats/internal/scanner"
	"plot-stats/internal/scheduler"
	"plot-stats/internal/scraper"
	"plot-stats/internal/status"
)

const shutdownTimeout = 2 * time.Minute

type ScannerService struct {
	kafka.BaseHandler

	db          *database.DB
	cache       *cache.RedisCache
	consumer    *kafka.Consumer
	producer    *kafka.Producer
	coordinator *scanner.Coordinator
	scheduler   *scheduler.Scheduler

	ctx   context.Context
	scans sync.WaitGroup
}

func NewScannerService(cfg *config.Config) (*ScannerService, error) {
	log.Println("Initializing Scanner Service components...")

	db, err := database.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Printf("Failed to connect to database: %v", err)
		return nil, err
	}
	log.Println("Database connected")

	redisCache := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := redisCache.Ping(context.Background()); err != nil {
		log.Printf("Redis is not reachable: %v", err)
	} else {
		log.Println("Redis connected")
	}

	profiles, err := config.LoadIdentities(cfg.Fetch.IdentitiesPath, cfg.Fetch.BaseURL)
	if err != nil {
		return nil, err
	}
	identities, err := fetcher.NewIdentities(profiles, cfg.Fetch.ProxyURL, cfg.Fetch.RequestTimeout)
	if err != nil {
		return nil, err
	}
	engine, err := fetcher.NewEngine(redisCache, identities)
	if err != nil {
		return nil, err
	}
	engine.SetTokenSource(scraper.NewTokenScout(cfg.Fetch.BaseURL, profiles[0], cfg.Fetch.ProxyURL, cfg.Fetch.RequestTimeout))
	log.Printf("Fetch engine created with %d identities", len(identities))

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	log.Println("Kafka producer created")

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, "scanner-service")
	log.Println("Kafka consumer created")

	coordinator := scanner.NewCoordinator(db, engine, status.NewReporter(db, producer), cfg.Fetch.BaseURL)
	coordinator.SetPublisher(producer)

	sched := scheduler.New(time.UTC)
	sched.SetRunner(coordinator)
	coordinator.SetScheduler(sched)

	return &ScannerService{
		db:          db,
		cache:       redisCache,
		consumer:    consumer,
		producer:    producer,
		coordinator: coordinator,
		scheduler:   sched,
		ctx:         context.Background(),
	}, nil
}

func main() {
	seedCategories := flag.Bool("seed-categories", false, "create the estate categories and continue")
	scanURL := flag.String("scan", "", "scan one search url and exit")
	flag.Parse()

	cfg := config.Load()

	logWriter, err := logging.Setup(cfg.LogPath)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logWriter.Close()

	log.Println("Starting Plot Stats Scanner Service...")

	service, err := NewScannerService(cfg)
	if err != nil {
		log.Fatalf("Failed to create scanner service: %v", err)
	}

	defer service.cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.ctx = ctx

	if *seedCategories {
		if err := service.db.EnsureCategories(ctx, parser.CategoryNames()...); err != nil {
			log.Fatalf("Failed to seed categories: %v", err)
		}
		log.Println("Categories seeded")
	}

	if *scanURL != "" {
		if err := service.coordinator.TriggerScan(ctx, *scanURL, nil, nil); err != nil {
			log.Printf("Scan failed: %v", err)
			service.cleanup()
			os.Exit(1)
		}
		return
	}

	log.Println("Loading scheduled searches...")
	if err := service.loadSchedules(ctx); err != nil {
		log.Printf("Failed to load schedules: %v", err)
	}
	service.scheduler.Start(ctx)

	go func() {
		log.Println("Starting Kafka consumer...")
		if err := service.consumer.ProcessEvents(ctx, service); err != nil {
			log.Printf("Consumer error: %v", err)
		}
		log.Println("Kafka consumer stopped")
	}()

	log.Println("✅ Scanner Service is running!")
	log.Println("📡 Listening for Kafka events...")
	log.Printf("⏰ %d weekly scans scheduled", len(service.scheduler.Entries()))
	log.Println("Press Ctrl+C to stop...")

	c := make(chan os.Signal, 1)

	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Println("Shutdown signal received, stopping Scanner Service")

	cancel()

	service.wait()
	log.Println("Scanner Service stopped gracefully")
}

// wait blocks until scheduled and requested scans return or the shutdown
// timeout passes.
func (s *ScannerService) wait() {
	done := make(chan struct{})
	go func() {
		<-s.scheduler.Stop().Done()
		s.scans.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Println("Timed out waiting for running scans")
	}
}

func (s *ScannerService) cleanup() {
	log.Println("Cleaning up resources...")

	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			log.Printf("Error closing consumer: %v", err)
		} else {
			log.Println("Kafka consumer closed")
		}
		s.consumer = nil
	}

	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			log.Printf("Error closing producer: %v", err)
		} else {
			log.Println("Kafka producer closed")
		}
		s.producer = nil
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			log.Printf("Error closing redis: %v", err)
		}
		s.cache = nil
	}

	log.Println("Cleanup completed")
}

func (s *ScannerService) loadSchedules(ctx context.Context) error {
	searches, err := s.db.GetScheduledSearches(ctx)
	if err != nil {
		return err
	}

	loaded, err := s.scheduler.Load(searches)
	log.Printf("Loaded %d of %d scheduled searches", loaded, len(searches))
	return err
}

func (s *ScannerService) HandleScanRequested(_ context.Context, event kafka.ScanRequestedEvent) error {
	log.Printf("🆕 Received scan_requested event: URL='%s', ChatID=%d", event.URL, event.ChatID)

	s.scans.Add(1)
	go func() {
		defer s.scans.Done()

		if err := s.coordinator.TriggerScan(s.ctx, event.URL, event.Schedule, nil); err != nil {
			log.Printf("Requested scan of %s failed: %v", event.URL, err)
		}
	}()

	return nil
}

func (s *ScannerService) HandleScheduleChanged(_ context.Context, event kafka.ScheduleChangedEvent) error {
	log.Printf("Received schedule_changed event for search %d", event.SearchID)

	if event.Schedule == nil {
		if s.scheduler.RemoveSchedule(event.URL) {
			log.Printf("Removed weekly scan of search %d", event.SearchID)
		}
		return nil
	}

	return s.scheduler.RegisterSchedule(event.URL, *event.Schedule, event.SearchID)
}
