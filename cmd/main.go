/**
 * @description
 * This is the main entry point for the market-service. It is responsible for
 * initializing all components of the service, including configuration, storage,
 * the payment backend for the configured mode, external clients, the message
 * producer, the core application service, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/currency,
 *   internal/items, internal/store, internal/x402: Internal packages.
 * - pkg/itemclient, pkg/rabbitmq, pkg/solanaclient: External service clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/solbay/market-service/internal/api"
	"github.com/solbay/market-service/internal/app"
	"github.com/solbay/market-service/internal/config"
	"github.com/solbay/market-service/internal/currency"
	"github.com/solbay/market-service/internal/domain"
	"github.com/solbay/market-service/internal/items"
	"github.com/solbay/market-service/internal/store"
	"github.com/solbay/market-service/internal/x402"
	"github.com/solbay/market-service/pkg/itemclient"
	rmrabbit "github.com/solbay/market-service/pkg/rabbitmq"
	"github.com/solbay/market-service/pkg/solanaclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting market-service\" port=%s payment_mode=%s", cfg.ServerPort, cfg.PaymentMode)

	// Storage: PostgreSQL in production mode, in-memory otherwise.
	var repository store.Repository
	if cfg.PaymentMode == config.PaymentModeSolana {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 100
		poolConfig.MinConns = 20
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		repository = store.NewPostgresRepository(dbpool)
	} else {
		log.Println("level=info component=bootstrap msg=\"using in-memory storage\"")
		repository = store.NewMemoryRepository()
	}

	// Initialize the RabbitMQ producer to publish events. An unavailable
	// broker degrades to a logging fallback rather than blocking startup.
	var eventProducer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventProducer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		eventProducer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Item system: the external item service in production mode, in-memory
	// otherwise.
	var itemAdapter items.Adapter
	if cfg.PaymentMode == config.PaymentModeSolana {
		if strings.TrimSpace(cfg.ItemServiceURL) == "" {
			log.Fatalf("level=fatal component=bootstrap msg=\"item service url must be configured\" env=ITEM_SERVICE_URL")
		}
		itemAdapter = itemclient.NewClient(cfg.ItemServiceURL, cfg.ItemServiceInternalAPIKey)
	} else {
		itemAdapter = items.NewMemoryAdapter(rand.New(rand.NewSource(time.Now().UnixNano())))
	}

	// Payment backend for the configured mode.
	currencyConfig := currency.Config{
		Network:        cfg.PaymentNetwork,
		Asset:          cfg.USDCMint,
		MerchantWallet: cfg.MerchantWallet,
		BalanceTTL:     time.Duration(cfg.BalanceCacheTTLSeconds) * time.Second,
	}
	currencyDeps := currency.Deps{Repo: repository}
	if cfg.PaymentMode == config.PaymentModeSolana {
		if strings.TrimSpace(cfg.SolanaRPCURL) == "" {
			log.Fatalf("level=fatal component=bootstrap msg=\"solana rpc url must be configured\" env=SOLANA_RPC_URL")
		}
		if strings.TrimSpace(cfg.MerchantWallet) == "" {
			log.Fatalf("level=fatal component=bootstrap msg=\"merchant wallet must be configured\" env=MERCHANT_WALLET")
		}
		ledger := solanaclient.NewClient(cfg.SolanaRPCURL)
		currencyDeps.Ledger = ledger
		currencyDeps.Facilitator = x402.NewFacilitator(x402.FacilitatorConfig{
			Network:         cfg.PaymentNetwork,
			Asset:           cfg.USDCMint,
			MaxPollAttempts: uint(cfg.SettlementMaxPollAttempts),
			PollInterval:    time.Duration(cfg.SettlementPollIntervalMs) * time.Millisecond,
		}, ledger)
	}
	currencyAdapter, err := currency.NewAdapter(currency.Mode(cfg.PaymentMode), currencyConfig, currencyDeps)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"payment backend init failed\" err=%v", err)
	}

	// Distributed rate limiting is optional; a missing Redis disables it.
	var rateLimiter app.RateLimiter
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				rateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the core application service with its dependencies.
	listings := app.NewListingManager(repository, itemAdapter, eventProducer, cfg.ListingFailurePullThreshold)
	boxes := app.NewMysteryBoxManager(repository)
	registerMysteryBoxTiers(boxes)
	trades := app.NewTradeExecutor(repository, itemAdapter, eventProducer)

	marketService := app.NewService(
		repository,
		currencyAdapter,
		listings,
		boxes,
		trades,
		rateLimiter,
		app.ServiceConfig{
			PurchaseRateLimit:      app.RateLimitSettings{Limit: cfg.PurchaseRateLimitPerMinute, Window: time.Minute},
			ListingCreateRateLimit: app.RateLimitSettings{Limit: cfg.ListingCreateRateLimitPerMinute, Window: time.Minute},
		},
	)

	// Initialize the API handlers and router.
	marketHandlers := api.NewMarketHandlers(marketService)
	router := api.MarketRoutes(marketHandlers, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// registerMysteryBoxTiers seeds the built-in box catalog. Tier configuration
// is validated at registration, so a bad distribution fails startup.
func registerMysteryBoxTiers(boxes *app.MysteryBoxManager) {
	tiers := []domain.MysteryBoxTier{
		{
			ID:        "starter",
			Name:      "Starter Box",
			PriceUSDC: decimal.RequireFromString("1"),
			RarityWeights: []domain.RarityWeight{
				{Rarity: "common", Weight: 70},
				{Rarity: "rare", Weight: 25},
				{Rarity: "epic", Weight: 5},
			},
		},
		{
			ID:        "premium",
			Name:      "Premium Box",
			PriceUSDC: decimal.RequireFromString("5"),
			RarityWeights: []domain.RarityWeight{
				{Rarity: "common", Weight: 40},
				{Rarity: "rare", Weight: 40},
				{Rarity: "epic", Weight: 15},
				{Rarity: "legendary", Weight: 5},
			},
		},
	}
	for _, tier := range tiers {
		if err := boxes.AddTier(tier); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"mystery box tier registration failed\" tier=%s err=%v", tier.ID, err)
		}
	}
}
