// Package main is the entry point for relayd, the transcript relay service.
// It tails agent transcript files, mirrors them to chat destinations
// (Telegram, Slack) and streams them to HTTP clients over SSE and WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/httpmw"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/common/tracing"
	"github.com/relaydev/relay/internal/db"
	"github.com/relaydev/relay/internal/delivery"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/index"
	indexhandlers "github.com/relaydev/relay/internal/index/handlers"
	"github.com/relaydev/relay/internal/publisher"
	sessionhandlers "github.com/relaydev/relay/internal/session/handlers"
	"github.com/relaydev/relay/internal/session/models"
	"github.com/relaydev/relay/internal/session/service"
	"github.com/relaydev/relay/internal/session/state"
	"github.com/relaydev/relay/internal/stream"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

// Command-line flags. Set flags override the loaded config.
var (
	configFlag   = flag.String("config", "", "Path to config file or directory")
	hostFlag     = flag.String("host", "", "Bind address (overrides config)")
	portFlag     = flag.Int("port", 0, "HTTP port (overrides config)")
	stateDirFlag = flag.String("state-dir", "", "State directory (overrides config)")
	logLevelFlag = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
)

func main() {
	flag.Parse()

	// 1. Configuration, with flags overriding file and env
	cfg, err := config.LoadWithPath(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *hostFlag != "" {
		cfg.Server.Host = *hostFlag
	}
	if *portFlag != 0 {
		cfg.Server.Port = *portFlag
	}
	if *stateDirFlag != "" {
		cfg.State.Dir = *stateDirFlag
	}
	if *logLevelFlag != "" {
		cfg.Logging.Level = *logLevelFlag
	}

	// 2. Logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting relayd...", zap.String("version", version))

	// 3. Root context, cancelled once shutdown begins
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	eventBus, busCleanup, err := events.ProvideBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 5. Session state store and stream hub
	store, err := state.NewStore(cfg.State.Dir, log)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}
	hub := stream.NewHub(stream.Config{
		BufferSize: cfg.Stream.BufferSize,
		QueueSize:  cfg.Stream.QueueSize,
	}, log)

	// 6. Chat publishers. A destination kind without a token stays
	// unconfigured; deliveries to it are dropped with a warning.
	pubs := make(map[models.DestinationKind]publisher.Publisher)
	if cfg.Telegram.Token != "" {
		tg, err := publisher.NewTelegramPublisher(cfg.Telegram.Token, cfg.Dispatch.APITimeout(), log)
		if err != nil {
			log.Fatal("Failed to initialize Telegram publisher", zap.Error(err))
		}
		pubs[models.DestinationTelegram] = tg
		log.Info("Telegram publisher enabled")
	}
	if cfg.Slack.Token != "" {
		pubs[models.DestinationSlack] = publisher.NewSlackPublisher(cfg.Slack.Token, cfg.Dispatch.APITimeout(), log)
		log.Info("Slack publisher enabled")
	}
	if len(pubs) == 0 {
		log.Warn("No chat publishers configured - sessions will only stream over HTTP")
	}

	// 7. Delivery dispatcher
	dispatcher := delivery.NewDispatcher(delivery.Config{
		TelegramEditGap:  cfg.Dispatch.TelegramEditGap(),
		SlackEditGap:     cfg.Dispatch.SlackEditGap(),
		RateLimitOps:     cfg.Dispatch.RateLimitOps,
		RateLimitWindow:  cfg.Dispatch.RateLimitWindow(),
		RetryMaxAttempts: cfg.Dispatch.RetryMaxAttempts,
		RetryBackoffMax:  cfg.Dispatch.RetryBackoffMax(),
		APITimeout:       cfg.Dispatch.APITimeout(),
	}, pubs, eventBus, log)

	// 8. Session service: restores watched sessions from the registry
	sessionSvc := service.NewService(cfg, store, hub, dispatcher, eventBus, log)
	if err := sessionSvc.Start(ctx); err != nil {
		log.Fatal("Failed to start session service", zap.Error(err))
	}

	// 9. Transcript search index (optional)
	var indexSvc *index.Service
	if cfg.Index.Enabled {
		pool, dbCleanup, err := db.Open(cfg.Index, log)
		if err != nil {
			log.Fatal("Failed to open index database", zap.Error(err))
		}
		defer func() { _ = dbCleanup() }()

		repo, err := index.NewRepository(ctx, pool, log)
		if err != nil {
			log.Fatal("Failed to initialize index schema", zap.Error(err))
		}
		scanner := index.NewScanner(repo, cfg.Index.Roots, log)
		indexSvc = index.NewService(repo, scanner, eventBus, log)

		if len(cfg.Index.Roots) > 0 {
			go func() {
				if _, err := indexSvc.Rescan(ctx); err != nil {
					log.Warn("Initial transcript scan failed", zap.Error(err))
				}
			}()
		}
	}

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "relayd"))
	router.Use(httpmw.OtelTracing("relayd"))
	router.Use(corsMiddleware())

	sessionhandlers.RegisterRoutes(router, sessionSvc, hub, cfg.Stream.Heartbeat(), version, log)
	if indexSvc != nil {
		indexhandlers.RegisterRoutes(router, indexSvc, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
		// Only the request head gets a timeout. SSE and WebSocket responses
		// are open-ended, so read/write deadlines would cut live streams.
		ReadHeaderTimeout: cfg.Server.ReadTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("attach", "POST /attach"),
		zap.String("events", "GET /sessions/:session_id/events"),
		zap.String("health", "GET /health"),
		zap.Bool("search", indexSvc != nil))

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down relayd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stops tails, persists offsets, and drains pending deliveries.
	sessionSvc.Stop(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("relayd stopped")
}

// corsMiddleware returns a CORS middleware for HTTP, SSE and WebSocket
// connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Last-Event-ID, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
