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

	"github.com/example/shopcore/gateway"
	"github.com/example/shopcore/pkg/config"
	"github.com/example/shopcore/pkg/discovery"
	"github.com/example/shopcore/pkg/grpc"
	"github.com/example/shopcore/pkg/logger"
	"github.com/example/shopcore/pkg/notification"
	"github.com/example/shopcore/pkg/order"
	"github.com/example/shopcore/pkg/payment"
	"github.com/example/shopcore/pkg/repository"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the configuration file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Setup logger
	log, err := logger.New(&cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting shop service",
		zap.String("name", cfg.Server.Name),
		zap.Int("http_port", cfg.Gateway.Port),
		zap.Int("grpc_port", cfg.GRPC.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Order store. An empty mysql.host runs against memory, for local work.
	var store repository.Store
	checks := map[string]grpc.Pinger{}
	if cfg.MySQL.Host == "" {
		log.Warn("No MySQL host configured, using the in-memory store")
		mem := repository.NewMemoryStore()
		if err := mem.Seed(cfg.Catalog.Products); err != nil {
			log.Fatal("Invalid catalog", zap.Error(err))
		}
		log.Info("Catalog loaded", zap.Int("products", len(cfg.Catalog.Products)))
		store = mem
	} else {
		db, err := repository.NewMySQLRepository(&cfg.MySQL)
		if err != nil {
			log.Fatal("Failed to connect to MySQL", zap.Error(err))
		}
		defer db.Close()
		store = db
		checks["mysql"] = db
	}

	orderDeps := order.Dependencies{
		Store:      store,
		Pricing:    order.PricingFromConfig(&cfg.Shop),
		Logger:     log.Named("order"),
		MaxRetries: cfg.Payment.MaxRetries,
	}
	paymentDeps := payment.Dependencies{
		Store:      store,
		Logger:     log.Named("payment"),
		MaxRetries: cfg.Payment.MaxRetries,
	}

	// Redis backs the order cache, the order counter and webhook replay
	// markers. All three are optional.
	if cfg.Redis.Addr != "" {
		rdb := repository.NewRedisRepository(&cfg.Redis)
		if err := rdb.Ping(ctx); err != nil {
			log.Warn("Redis connection failed, continuing without cache", zap.Error(err))
			rdb.Close()
		} else {
			log.Info("Redis connected successfully")
			defer rdb.Close()
			orderDeps.Cache = rdb
			orderDeps.Sequencer = rdb
			paymentDeps.Cache = rdb
			paymentDeps.Replay = rdb
			checks["redis"] = rdb
		}
	}

	services := gateway.Services{Store: store}

	// Audit trail
	if cfg.MongoDB.URI != "" {
		audit, err := repository.NewAuditTrail(ctx, &cfg.MongoDB)
		if err != nil {
			log.Warn("MongoDB connection failed, audit trail disabled", zap.Error(err))
		} else {
			defer audit.Close(context.Background())
			orderDeps.Auditor = audit
			paymentDeps.Auditor = audit
			services.Audit = audit
			checks["mongodb"] = audit
		}
	}

	// Service registration and provider flags
	var sd *discovery.ServiceDiscovery
	instance := &discovery.ServiceInstance{
		Name: cfg.Server.Name,
		Host: cfg.Server.Host,
		Port: cfg.Gateway.Port,
	}
	if len(cfg.Etcd.Endpoints) > 0 {
		sd, err = discovery.NewServiceDiscovery(&cfg.Etcd, log.Named("discovery"))
		if err != nil {
			log.Warn("Failed to connect to etcd, continuing without service discovery", zap.Error(err))
			sd = nil
		} else {
			defer sd.Close()
			if err := sd.Register(ctx, instance); err != nil {
				log.Warn("Failed to register service", zap.Error(err))
			}
			if err := sd.WatchProviderFlags(ctx); err != nil {
				log.Warn("Failed to watch provider flags", zap.Error(err))
			}
			paymentDeps.Flags = sd
			services.Flags = sd
		}
	}

	// Notifications leave through the actor so handlers never wait on SMS.
	dispatcher, err := notification.NewDispatcher(notification.NewSMSSender(&cfg.SMS, log.Named("sms")), log.Named("notification"))
	if err != nil {
		log.Fatal("Failed to start notification dispatcher", zap.Error(err))
	}
	orderDeps.Notifier = dispatcher
	paymentDeps.Notifier = dispatcher

	urls := payment.CallbackURLs{Frontend: cfg.Payment.FrontendURL, API: cfg.Payment.APIURL}
	client := &http.Client{}
	paymentDeps.Providers = []payment.Provider{
		payment.NewNoupai(cfg.Payment.Noupai, urls, client),
		payment.NewCampay(cfg.Payment.Campay, urls, client),
	}

	services.Orders = order.NewService(orderDeps)
	services.Payments = payment.NewOrchestrator(paymentDeps)
	for _, p := range services.Payments.EnabledProviders() {
		log.Info("Payment provider enabled", zap.String("provider", p.Name()))
	}

	// HTTP gateway
	gw := gateway.NewGateway(cfg, log.Named("gateway"), services)
	gw.SetupRoutes()

	// gRPC health
	healthSrv := grpc.NewHealthServer(&cfg.GRPC, log.Named("grpc"), checks)
	go healthSrv.Run(ctx)

	serverErr := make(chan error, 2)
	go func() {
		if err := gw.Start(); err != nil {
			serverErr <- fmt.Errorf("gateway: %w", err)
		}
	}()
	go func() {
		if err := healthSrv.Start(); err != nil {
			serverErr <- fmt.Errorf("grpc: %w", err)
		}
	}()

	log.Info("Shop service started successfully")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("Received shutdown signal")
	case err := <-serverErr:
		log.Error("Server error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Error("Gateway shutdown failed", zap.Error(err))
	}
	healthSrv.Stop()
	dispatcher.Stop()

	if sd != nil {
		if err := sd.Deregister(shutdownCtx, instance); err != nil {
			log.Error("Failed to deregister service", zap.Error(err))
		}
	}
	cancel()

	log.Info("Shop service stopped")
}
