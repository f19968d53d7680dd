package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/inventory"
	"checkout-service/internal/memstore"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backends groups the adapters selected by LEDGER_BACKEND
type backends struct {
	carts   service.CartRepository
	orders  service.OrderRepository
	catalog service.Catalog
	ledger  inventory.Ledger
}

func main() {

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service", zap.String("ledger_backend", cfg.Business.LedgerBackend))

	tp, err := util.InitTracer("checkout-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx := context.Background()
	readyChecks := map[string]api.ReadyCheck{}

	var db *store.Store
	if cfg.Business.LedgerBackend != config.BackendMemory {
		db, err = store.NewStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		readyChecks["postgres"] = db.GetDB().PingContext
		logger.Info("Database connected")
	}

	var redisClient *redisclient.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		readyChecks["redis"] = func(ctx context.Context) error {
			return redisClient.GetClient().Ping(ctx).Err()
		}
		logger.Info("Redis connected")
	}

	var b backends
	switch cfg.Business.LedgerBackend {
	case config.BackendMemory:
		ledger := inventory.NewMemoryLedger()
		catalog := memstore.NewCatalog()
		if err := seedDemoCatalog(ctx, catalog, ledger); err != nil {
			log.Fatalf("Failed to seed catalog: %v", err)
		}
		b = backends{carts: memstore.NewCartStore(), orders: memstore.NewOrderStore(), catalog: catalog, ledger: ledger}
	case config.BackendRedis:
		b = backends{carts: db, orders: db, catalog: db, ledger: redisClient}
		synced, err := service.NewInventorySync(db, redisClient).SyncInventoryToRedis(ctx)
		if err != nil {
			log.Fatalf("Failed to sync inventory to Redis: %v", err)
		}
		logger.Info("Inventory synced to Redis", zap.Int("products", synced))
	default:
		b = backends{carts: db, orders: db, catalog: db, ledger: db}
	}

	var locker service.Locker = memstore.NewLocker()
	var cache service.TrackingCache
	if redisClient != nil {
		locker = redisClient
		cache = redisClient
	}

	var events service.EventPublisher = broker.DiscardPublisher{}
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		events = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	gateway := service.NewSimulatedGateway(service.SimulatedGatewayConfig{
		SuccessRate: cfg.Business.PaymentSuccessRate,
		MinDelay:    cfg.Business.PaymentMinDelay,
		MaxDelay:    cfg.Business.PaymentMaxDelay,
	})

	cartService := service.NewCartService(b.carts)
	checkout := service.NewCheckoutOrchestrator(b.carts, b.orders, b.catalog, b.ledger, gateway, locker, events, service.CheckoutConfig{
		PaymentTimeout: cfg.Business.PaymentTimeout,
		LockTTL:        cfg.Business.CheckoutLockTTL,
		SettleOnCharge: cfg.Business.SettleOnCharge,
	})
	lifecycle := service.NewLifecycleManager(b.orders, b.ledger, cache, events)
	reconciler := service.NewReconciler(b.ledger, b.orders, cfg.Business.ReservationGrace)

	if _, err := reconciler.ReconcileOnce(ctx); err != nil {
		logger.Error("Boot reconciliation failed", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	reconcileWorker := worker.NewReconcileWorker(reconciler, cfg.Business.ReconcileInterval)
	go func() {
		if err := reconcileWorker.Start(workerCtx); err != nil {
			logger.Error("Reconcile worker error", zap.Error(err))
		}
	}()

	var restockWorker *worker.RestockWorker
	if cfg.Kafka.Enabled {
		var dedup worker.Deduper
		if redisClient != nil {
			dedup = redisClient
		}
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
		restockWorker = worker.NewRestockWorker(consumer, b.ledger, dedup)
		go func() {
			if err := restockWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Restock worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(cartService, checkout, lifecycle)
	for name, check := range readyChecks {
		handler.AddReadyCheck(name, check)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if restockWorker != nil {
		if err := restockWorker.Stop(); err != nil {
			logger.Warn("Error stopping restock worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

// seedDemoCatalog fills the in-process backend so it can serve checkouts
func seedDemoCatalog(ctx context.Context, catalog *memstore.Catalog, ledger *inventory.MemoryLedger) error {
	demo := []struct {
		product models.Product
		stock   int
	}{
		{models.Product{ID: "tshirt-basic", SKU: "TS-001", Name: "Basic T-Shirt", Price: 1999}, 50},
		{models.Product{ID: "hoodie-zip", SKU: "HD-002", Name: "Zip Hoodie", Price: 4999}, 20},
		{models.Product{ID: "cap-logo", SKU: "CP-003", Name: "Logo Cap", Price: 1499}, 2},
	}
	for _, d := range demo {
		catalog.Upsert(d.product)
		if err := ledger.SetStock(ctx, d.product.ID, d.stock); err != nil {
			return err
		}
	}
	return nil
}
