package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"plot-stats/internal/bot"
	"plot-stats/internal/cache"
	"plot-stats/internal/config"
	"plot-stats/internal/database"
	"plot-stats/internal/kafka"
	"plot-stats/internal/logging"
	"plot-stats/internal/status"
)

func main() {
	cfg := config.Load()

	logWriter, err := logging.Setup(cfg.LogPath)
	if err != nil {
		log.Fatal("Error opening log file:", err)
	}
	defer logWriter.Close()

	if cfg.Bot.Token == "" {
		log.Fatal("BOT_TOKEN is not set")
	}

	db, err := database.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal("Error connecting to db:", err)
	}

	redisCache := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer redisCache.Close()

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer producer.Close()

	telegramBot, err := bot.NewBot(cfg.Bot, db, redisCache, producer, status.NewReporter(db, nil))
	if err != nil {
		log.Fatal("Error creating bot:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Println("🔔 Starting Bot Kafka consumer for notifications...")

		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, "bot-notification-service")
		defer consumer.Close()

		if err := consumer.ProcessEvents(ctx, telegramBot); err != nil {
			log.Printf("❌ Bot Kafka consumer error: %v", err)
		}
	}()

	log.Println("🤖 Starting Telegram Bot...")
	telegramBot.Start(ctx)
}
