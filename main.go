package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"civicsync/clustering"
	"civicsync/config"
	"civicsync/engine"
	"civicsync/logging"
	"civicsync/middlewares"
	"civicsync/models"
	"civicsync/query"
	"civicsync/routes"
	"civicsync/store"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	log := logging.Component("main")
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log = logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	switch cfg.StoreBackend {
	case "memory":
		st = store.NewMemoryStore()
		log.Warn().Msg("using in-memory store; data is lost on restart")
	default:
		client, db, err := config.ConnectDB(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
		}
		defer func() { _ = client.Disconnect(context.Background()) }()

		ms := store.NewMongoStore(db, cfg.MongoTransactions)
		if err := ms.EnsureIndexes(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to create MongoDB indexes")
		}
		st = ms
		log.Info().Str("db", cfg.MongoDB).Bool("transactions", cfg.MongoTransactions).Msg("MongoDB connection established")
	}

	var rdb *redis.Client
	if cfg.RedisAddress != "" {
		rdb, err = config.NewRedisClient(ctx, cfg.RedisAddress, cfg.RedisPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer func() { _ = rdb.Close() }()
		log.Info().Str("addr", cfg.RedisAddress).Msg("Connected to Redis")
	}

	var locks clustering.Locker = clustering.NewLocalLocker()
	if cfg.LockBackend == "redis" {
		locks = clustering.NewRedisLocker(rdb, "civicsync:lock:", 10*time.Second)
	}

	registry := clustering.NewRegistry(st, cfg.AggregationRadius, logging.Component("registry"))
	if err := registry.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load clusters")
	}
	aggregator := clustering.NewAggregator(st.Issues(), registry, locks,
		clustering.Config{MaxAttempts: cfg.AssignMaxAttempts}, logging.Component("aggregator"))

	categories := models.DefaultCategories
	if len(cfg.Categories) > 0 {
		categories = make([]models.IssueCategory, len(cfg.Categories))
		for i, c := range cfg.Categories {
			categories[i] = models.IssueCategory(c)
		}
	}
	eng := engine.New(st, registry, aggregator, query.NewService(st.Issues(), registry),
		engine.Options{Categories: categories}, logging.Component("engine"))

	go eng.RunReclusterLoop(ctx, cfg.ReclusterInterval)

	var createLimit gin.HandlerFunc
	if cfg.RateLimitEnabled() {
		createLimit = middlewares.IssueRateLimiter(rdb, cfg.RateLimitQueue, cfg.IssueRateLimit, 24*time.Hour)
	}

	gin.SetMode(gin.ReleaseMode)
	r := routes.NewRouter(routes.RouterOptions{
		Engine:       eng,
		JWTSecret:    cfg.JWTSecret,
		CreateLimit:  createLimit,
		AllowOrigins: cfg.CORSOrigins,
		Log:          logging.Component("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Int("clusters", registry.Len()).Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}
