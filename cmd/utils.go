package cmd

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"supporthub/internal/api"
	"supporthub/internal/archive"
	"supporthub/internal/chat"
	"supporthub/internal/config"
	"supporthub/internal/hub"
	"supporthub/internal/limiter"
	"supporthub/internal/messaging"
	"supporthub/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const shutdownTimeout = 30 * time.Second

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func CreateEventBus(cfg config.Config) (messaging.Publisher, messaging.Receiver) {
	if cfg.RabbitMQURL == "" {
		slog.Info("RABBITMQ_URL not set, using in-memory event bus")
		queue := messaging.NewInMemoryQueue()
		return queue, queue
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ receiver: %v", err)
	}

	return publisher, receiver
}

func CreateRateLimiter(cfg config.Config) *limiter.Manager {
	var strategy limiter.Strategy
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis at %s: %v", cfg.RedisAddr, err)
		}
		strategy = limiter.NewFixedWindowStrategy(rdb)
	} else {
		slog.Info("REDIS_ADDR not set, using in-memory rate limiter")
		strategy = limiter.NewMemoryStrategy()
	}

	return limiter.NewManager(strategy, "supporthub:ratelimit:public:", cfg.PublicRateLimit, time.Minute)
}

func CreateObjectStore(cfg config.Config) storage.ObjectStore {
	if cfg.ArchiveBackend == config.ArchiveS3 {
		store, err := storage.NewS3ObjectStore(cfg.ArchiveBucket, cfg.S3())
		if err != nil {
			log.Fatalf("Failed to create S3 object store: %v", err)
		}
		if err := store.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("Failed to create archive bucket: %v", err)
		}
		return store
	}

	store, err := storage.NewLocalObjectStore(cfg.ArchiveDir)
	if err != nil {
		log.Fatalf("Failed to create local object store: %v", err)
	}
	return store
}

// NewArchiver builds an archiver for a process that serves no chat traffic.
func NewArchiver(cfg config.Config, db *gorm.DB) *archive.Archiver {
	return archive.NewArchiver(db, chat.NewService(db, nil), CreateObjectStore(cfg), cfg.ArchiveWorkers)
}

// RunArchiver backfills missed transcripts and then archives sessions as they
// end, until ctx is done.
func RunArchiver(ctx context.Context, archiver *archive.Archiver, events *hub.Hub) {
	if n, err := archiver.Backfill(ctx); err != nil {
		slog.Error("transcript backfill failed", "error", err)
	} else if n > 0 {
		slog.Info("backfilled chat transcripts", "count", n)
	}
	archiver.Run(ctx, events)
}

// Server bundles the http server with the background loops feeding it.
type Server struct {
	HTTP     *http.Server
	Auth     *api.Auth
	hub      *hub.Hub
	archiver *archive.Archiver
	receiver messaging.Receiver
	closers  []func()
}

func NewServer(cfg config.Config, db *gorm.DB) *Server {
	auth, err := api.NewAuth(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Invalid agent auth config: %v", err)
	}

	publisher, receiver := CreateEventBus(cfg)

	chatService := chat.NewService(db, publisher, chat.WithWelcomeMessage(cfg.WelcomeMessage))
	events := hub.New()

	var archiver *archive.Archiver
	if cfg.ArchiveInProcess {
		archiver = archive.NewArchiver(db, chatService, CreateObjectStore(cfg), cfg.ArchiveWorkers)
	}

	chatHandler := api.NewChatService(chatService, events, auth, CreateRateLimiter(cfg), cfg.Widget())

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", chatHandler.AddRoutes)

	return &Server{
		HTTP: &http.Server{
			Addr:              ":" + cfg.APIPort,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Auth:     auth,
		hub:      events,
		archiver: archiver,
		receiver: receiver,
		closers:  []func(){receiver.Close, publisher.Close},
	}
}

// Run serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.hub.Run(ctx, s.receiver.Events())

	if s.archiver != nil {
		go RunArchiver(ctx, s.archiver, s.hub)
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := s.HTTP.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	slog.Info("server started", "addr", s.HTTP.Addr)
	if err := s.HTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", s.HTTP.Addr, err)
	}

	cancel()
	for _, closer := range s.closers {
		closer()
	}

	slog.Info("server stopped")
}
