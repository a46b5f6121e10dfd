package main // Entry point package

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/stellarpoints/loyalty-api/internal/config"
	"github.com/stellarpoints/loyalty-api/internal/database"
	"github.com/stellarpoints/loyalty-api/internal/handler"
	"github.com/stellarpoints/loyalty-api/internal/middleware"
	"github.com/stellarpoints/loyalty-api/internal/queue"
	"github.com/stellarpoints/loyalty-api/internal/repository"
	"github.com/stellarpoints/loyalty-api/internal/router"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	accounts := repository.NewAccountRepo(db)
	transactions := repository.NewTransactionRepo(db)
	promotions := repository.NewPromotionRepo(db)
	events := repository.NewEventRepo(db)
	tokens := repository.NewTokenRepo(db)

	// Redis backs rate limiting and the promotion cache. A nil client
	// disables both instead of blocking startup.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Printf("redis unavailable; rate limiting and caching disabled")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))
	cache := middleware.NewRedisCache(config.LoadCacheConfig(), rdb)

	router.Register(e, router.Handlers{
		Health:       handler.NewHealthHandler(db),
		Auth:         handler.NewAuthHandler(cfg, accounts, tokens),
		Accounts:     handler.NewAccountHandler(cfg, accounts, tokens),
		Transactions: handler.NewTransactionHandler(cfg, accounts, transactions, promotions),
		Promotions:   handler.NewPromotionHandler(promotions),
		Events:       handler.NewEventHandler(accounts, events, transactions),
	}, cfg.JWTSecret, cache)

	// Audit-trail consumer runs for the lifetime of the process and
	// reconnects on its own.
	go func() {
		if err := queue.StartLedgerConsumer(); err != nil {
			log.Printf("ledger consumer stopped: %v", err)
		}
	}()

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
