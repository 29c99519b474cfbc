package main

import (
	"log"

	"supporthub/cmd"
	"supporthub/internal/config"
	"supporthub/internal/database"
)

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	if cfg.JWTSecret == "" {
		log.Fatalf("JWT_SECRET must be set")
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	cmd.NewServer(cfg, db).Run()
}
