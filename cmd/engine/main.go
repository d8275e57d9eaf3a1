// Command engine runs the MachPay settlement and risk engine: the periodic
// claim-and-settle driver plus the operator HTTP surface.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/machpay-xyz/settlement-engine/internal/agentbook"
	"github.com/machpay-xyz/settlement-engine/internal/api"
	"github.com/machpay-xyz/settlement-engine/internal/batch"
	"github.com/machpay-xyz/settlement-engine/internal/chain"
	"github.com/machpay-xyz/settlement-engine/internal/circuitbreaker"
	"github.com/machpay-xyz/settlement-engine/internal/config"
	"github.com/machpay-xyz/settlement-engine/internal/engine"
	"github.com/machpay-xyz/settlement-engine/internal/equivocation"
	"github.com/machpay-xyz/settlement-engine/internal/events"
	"github.com/machpay-xyz/settlement-engine/internal/executor"
	"github.com/machpay-xyz/settlement-engine/internal/infra"
	"github.com/machpay-xyz/settlement-engine/internal/metrics"
	"github.com/machpay-xyz/settlement-engine/internal/netting"
	"github.com/machpay-xyz/settlement-engine/internal/reconciler"
	"github.com/machpay-xyz/settlement-engine/internal/recovery"
	"github.com/machpay-xyz/settlement-engine/internal/replay"
	"github.com/machpay-xyz/settlement-engine/internal/risk"
	"github.com/machpay-xyz/settlement-engine/internal/store"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config (defaults used when empty)")
	flag.Parse()

	logger := log.New(log.Writer(), "[Main] ", log.LstdFlags)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatalf("❌ Config load failed: %v", err)
		}
		cfg = loaded
	}
	if dsn := os.Getenv("MACHPAY_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if pw := os.Getenv("MACHPAY_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}

	st, err := buildStore(cfg)
	if err != nil {
		logger.Fatalf("❌ Store init failed: %v", err)
	}
	defer st.Close()

	var flags agentbook.FlagCache
	if cfg.Redis.Enabled {
		fc, err := infra.NewRedisFlagCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("❌ Redis flag cache init failed: %v", err)
		}
		flags = fc
	}

	bus, emitter, err := buildBus(cfg)
	if err != nil {
		logger.Fatalf("❌ Event bus init failed: %v", err)
	}

	book := agentbook.New(cfg.Replay.WindowWidth, flags)
	riskEngine := risk.NewEngine(st, book)
	recon := reconciler.New(st, book, emitter)
	liquidator := recovery.NewLiquidator(book, st, emitter)
	slasher := recovery.NewSlasher(book, st, emitter)

	var client chain.Client
	if cfg.Chain.Mock {
		logger.Printf("⚠️  Using mock chain collaborator (development mode)")
		client = chain.NewMockClient()
	} else {
		client = chain.NewHTTPClient(cfg.Chain.Endpoint, time.Duration(cfg.Chain.TimeoutMs)*time.Millisecond)
	}
	breaker := circuitbreaker.New(circuitbreaker.ChainConfig())
	exec := executor.New(client, breaker, executor.Config{
		MaxRetries:      cfg.Executor.MaxRetries,
		InitialInterval: time.Duration(cfg.Executor.InitialIntervalMs) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.Executor.MaxIntervalMs) * time.Millisecond,
		SubmitTimeout:   time.Duration(cfg.Executor.SubmitTimeoutMs) * time.Millisecond,
	})

	eng, err := engine.New(cfg, engine.Deps{
		Store:       st,
		Book:        book,
		Guard:       replay.NewGuard(),
		Detector:    equivocation.NewDetector(),
		Aggregator:  netting.NewAggregator(st, book),
		Risk:        riskEngine,
		Constructor: batch.NewConstructor(cfg.Batch.MaxInstructions, cfg.Batch.MaxBytes),
		Executor:    exec,
		Reconciler:  recon,
		Liquidator:  liquidator,
		Slasher:     slasher,
		Bus:         emitter,
		Metrics:     metrics.New(),
	})
	if err != nil {
		logger.Fatalf("❌ Engine init failed: %v", err)
	}

	server := api.NewServer(cfg.Server.Port, book, riskEngine, st, recon, bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Printf("⚠️  Ops server stopped: %v", err)
			stop()
		}
	}()

	logger.Printf("🚀 Settlement engine starting (store=%s, env=%s)", cfg.Store.Backend, cfg.Server.Env)
	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatalf("❌ Engine stopped: %v", err)
	}
	logger.Printf("Shutdown complete")
}

func buildStore(cfg *config.Config) (store.IntentStore, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return store.NewPostgresStore(cfg.Store.DSN)
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.DSN)
	default:
		return store.NewMemoryStore(), nil
	}
}

// buildBus returns the local bus (always present, feeds the ops websocket)
// and the emitter the engine publishes through. With Redis or Pub/Sub
// enabled the emitter also fans out to the external transport.
func buildBus(cfg *config.Config) (*events.Bus, events.Emitter, error) {
	switch {
	case cfg.PubSub.Enabled:
		b, err := events.NewPubSubBus(cfg.PubSub.Project, cfg.PubSub.Topic)
		if err != nil {
			return nil, nil, err
		}
		return b.Bus, b, nil
	case cfg.Redis.Enabled:
		b, err := events.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel)
		if err != nil {
			return nil, nil, err
		}
		return b.Bus, b, nil
	default:
		b := events.NewBus()
		return b, b, nil
	}
}
