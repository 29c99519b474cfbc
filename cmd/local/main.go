package main

import (
	"fmt"
	"log"
	"path/filepath"

	"supporthub/cmd"
	"supporthub/internal/chat"
	"supporthub/internal/config"
	"supporthub/internal/database"

	"github.com/caarlos0/env/v11"
)

// LocalConfig runs everything in a single process backed by a SQLite file.
type LocalConfig struct {
	Root      string `env:"ROOT" envDefault:"./supporthub-data"`
	Port      string `env:"PORT" envDefault:"3001"`
	JWTSecret string `env:"JWT_SECRET" envDefault:"supporthub-local-development-secret"`
	AgentId   string `env:"LOCAL_AGENT_ID" envDefault:"local-agent"`
	AgentName string `env:"LOCAL_AGENT_NAME" envDefault:"Local Agent"`
}

func main() {
	cmd.LoadEnvFile()

	var local LocalConfig
	if err := env.Parse(&local); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	cfg.DatabaseURL = "sqlite://" + filepath.Join(local.Root, "db", "supporthub.db")
	cfg.APIPort = local.Port
	cfg.JWTSecret = local.JWTSecret
	cfg.RabbitMQURL = ""
	cfg.RedisAddr = ""
	cfg.ArchiveBackend = config.ArchiveLocal
	cfg.ArchiveDir = filepath.Join(local.Root, "archive")

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	server := cmd.NewServer(cfg, db)

	token, err := server.Auth.IssueAgentToken(chat.Agent{Id: local.AgentId, Name: local.AgentName}, cfg.AgentTokenTTL)
	if err != nil {
		log.Fatalf("Failed to issue agent token: %v", err)
	}
	fmt.Printf("Agent console token for %s (valid %s):\n%s\n", local.AgentName, cfg.AgentTokenTTL, token)

	server.Run()
}
