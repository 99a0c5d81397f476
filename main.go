package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"curricullm/internal/api"
	"curricullm/internal/auth"
	"curricullm/internal/config"
	"curricullm/internal/objectstore"
	"curricullm/internal/redis"
	"curricullm/internal/service/account"
	"curricullm/internal/service/ai"
	"curricullm/internal/service/chat"
	"curricullm/internal/service/files"
	"curricullm/internal/service/ingest"
	"curricullm/internal/storage"
	"curricullm/internal/web"
	"curricullm/internal/worker"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("CURRICULLM_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := newLogger(cfg.BasicConfig.Debug)
	slog.SetDefault(logger)
	if !cfg.BasicConfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	dbType := os.Getenv("CURRICULLM_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.Info("opening database", "driver", dbType)
	if dsn := cfg.Databases["sqlite3"].DSN; dbType == "sqlite3" && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			log.Fatalf("create database dir: %v", err)
		}
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
	}

	baseCtx, cancelBackground := context.WithCancel(context.Background())
	store, err := objectstore.Open(baseCtx, cfg.Storage, logger)
	if err != nil {
		log.Fatalf("open object storage: %v", err)
	}

	authService := auth.NewService(db, rdb, cfg.TokenTTL()).WithLogger(logger)
	accountService := account.NewService(db, auth.NewPasswordHasher(0))

	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		Logger:      logger,
	})

	fileService := files.NewService(db, store, files.Limits{
		MaxUploadBytes:   cfg.BasicConfig.MaxUploadBytes,
		UserStorageLimit: cfg.BasicConfig.UserStorageLimit,
	}, logger)

	ingestService := newIngestService(baseCtx, cfg, db, store, dispatcher, logger)
	if cfg.Ingest.Enabled {
		fileService.SetIngester(ingestService)
		if n, err := ingestService.ResumePending(baseCtx); err != nil {
			logger.Warn("resume pending ingestion", "scheduled", n, "error", err)
		} else if n > 0 {
			logger.Info("resumed pending ingestion", "count", n)
		}
	}

	chatService := chat.NewService(db, newResponder(baseCtx, cfg, fileService, ingestService, logger), chat.Options{
		Cache:      rdb,
		Jobs:       dispatcher,
		ReplyDelay: cfg.ReplyDelay(),
		Logger:     logger,
	})

	pages, err := web.NewPages(web.Deps{
		Auth:     authService,
		Accounts: accountService,
		Google:   auth.NewGoogleOAuth(authService, cfg),
		Jobs:     dispatcher,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("init pages: %v", err)
	}
	handlers := api.NewHandler(api.Deps{
		Auth:     authService,
		Accounts: accountService,
		Files:    fileService,
		Chat:     chatService,
		Jobs:     dispatcher,
		Logger:   logger,
	})

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	pages.RegisterRoutes(router)
	handlers.RegisterRoutes(router)

	cleanInterval := time.Duration(cfg.BasicConfig.CleanInterval) * time.Minute
	retention := time.Duration(cfg.BasicConfig.FailedUploadRetention) * time.Minute
	filesDone := fileService.StartCleaner(baseCtx, cleanInterval, retention)
	tokensDone := startSessionPurger(baseCtx, authService, cleanInterval, logger)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			// teardown order matters: requests, then jobs, then storage
			"curricullm": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				var errs []error
				if err := server.Shutdown(ctx); err != nil {
					errs = append(errs, err)
				}
				if err := dispatcher.Close(ctx); err != nil {
					errs = append(errs, err)
				}
				cancelBackground()
				<-filesDone
				<-tokensDone
				if err := db.Close(); err != nil {
					errs = append(errs, err)
				}
				if err := rdb.Close(); err != nil {
					errs = append(errs, err)
				}
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	logger.Info("application exited", "code", exitCode)
	os.Exit(exitCode)
}

func newLogger(debug bool) *slog.Logger {
	if debug {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func newIngestService(ctx context.Context, cfg *config.Config, db *sql.DB, store objectstore.Store, jobs ingest.Submitter, logger *slog.Logger) *ingest.Service {
	opts := ingest.Options{
		MaxChunkRunes: cfg.Ingest.MaxChunkRunes,
		Logger:        logger,
	}
	loader, err := ingest.NewFileLoader(ctx, os.TempDir())
	if err != nil {
		log.Fatalf("init document loader: %v", err)
	}
	opts.Loader = loader

	extractors := []ingest.NameExtractor{}
	if cfg.Ingest.GeminiAPIKey != "" {
		gemini, err := ingest.NewGeminiExtractor(ctx, cfg.Ingest.GeminiAPIKey, cfg.Ingest.NameModel)
		if err != nil {
			logger.Warn("gemini name extractor disabled", "error", err)
		} else {
			extractors = append(extractors, gemini)
		}
	}
	extractors = append(extractors, ingest.HeadingExtractor{})
	opts.Extractor = ingest.FallbackExtractor{Extractors: extractors, Logger: logger}

	return ingest.NewService(ctx, db, store, jobs, opts)
}

// newResponder returns the canned responder, fronted by the agent when a chat
// provider is configured.
func newResponder(ctx context.Context, cfg *config.Config, fileService *files.Service, searcher ai.ChunkSearcher, logger *slog.Logger) chat.Responder {
	canned := chat.CannedResponder{Files: fileService}
	if cfg.Chat.Provider == "" {
		return canned
	}
	chatModel, err := ai.NewChatModel(ctx, cfg.Providers, cfg.Chat.Provider, cfg.Chat.Model)
	if err != nil {
		logger.Warn("chat model unavailable, using canned replies", "provider", cfg.Chat.Provider, "error", err)
		return canned
	}
	agent, err := ai.NewResponder(ctx, chatModel, searcher, logger)
	if err != nil {
		logger.Warn("chat agent unavailable, using canned replies", "error", err)
		return canned
	}
	logger.Info("chat agent enabled", "provider", cfg.Chat.Provider)
	return chat.FallbackResponder{Primary: agent, Secondary: canned}
}

// startSessionPurger drops expired tokens and OAuth states on every interval.
func startSessionPurger(ctx context.Context, authService *auth.Service, interval time.Duration, logger *slog.Logger) <-chan struct{} {
	if interval <= 0 {
		interval = files.DefaultCleanupInterval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := authService.PurgeExpired(ctx)
				if err != nil {
					logger.Warn("purge expired tokens", "error", err)
				} else if n > 0 {
					logger.Info("purged expired tokens", "count", n)
				}
				if err := authService.PurgeOAuthStates(ctx); err != nil {
					logger.Warn("purge oauth states", "error", err)
				}
			}
		}
	}()
	return done
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
