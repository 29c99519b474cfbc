package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"supporthub/cmd"
	"supporthub/internal/config"
	"supporthub/internal/database"
	"supporthub/internal/hub"
)

// The worker archives transcripts for a fleet of api servers started with
// ARCHIVE_IN_PROCESS=false. It follows the shared event bus, so RABBITMQ_URL
// must be set.
func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.RabbitMQURL == "" {
		log.Fatalf("RABBITMQ_URL must be set for the archive worker")
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	publisher, receiver := cmd.CreateEventBus(cfg)
	// The worker only consumes events.
	publisher.Close()
	defer receiver.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := hub.New()
	go events.Run(ctx, receiver.Events())

	log.Println("Worker started. Archiving ended chat sessions. Press Ctrl+C to exit.")

	cmd.RunArchiver(ctx, cmd.NewArchiver(cfg, db), events)

	log.Println("Worker process stopped.")
}
