package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/carbongrid/agent-engine/internal/agent"
	"github.com/carbongrid/agent-engine/internal/api"
	"github.com/carbongrid/agent-engine/internal/bus"
	"github.com/carbongrid/agent-engine/internal/credits"
	"github.com/carbongrid/agent-engine/internal/events"
	"github.com/carbongrid/agent-engine/internal/feed"
	"github.com/carbongrid/agent-engine/internal/metrics"
	"github.com/carbongrid/agent-engine/internal/risk"
	"github.com/carbongrid/agent-engine/internal/store"
	"github.com/carbongrid/agent-engine/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Kafka event publisher (optional) ---
	var publisher credits.EventPublisher
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		topic := os.Getenv("KAFKA_TOPIC")
		if topic == "" {
			topic = "credit-mints"
		}
		p := events.NewPublisher(strings.Split(brokers, ","), topic)
		cleanup = append(cleanup, func() { p.Close() })
		publisher = p
		slog.Info("Kafka mint events enabled", "topic", topic)
	}

	// --- Credit issuance engine ---
	engine := credits.NewEngine(st, credits.DefaultConfig(), publisher)

	// --- Telemetry source: live MQTT feed or built-in simulator ---
	devices := splitList(os.Getenv("DEVICE_IDS"), "device-1", "device-2")
	if brokerURL := os.Getenv("MQTT_BROKER_URL"); brokerURL != "" {
		topic := os.Getenv("MQTT_TOPIC")
		if topic == "" {
			topic = "devices/+/telemetry"
		}
		src, err := telemetry.NewMQTTSource(brokerURL, "agent-engine", topic, st)
		if err != nil {
			slog.Error("mqtt connect failed", "err", err)
			os.Exit(1)
		}
		if err := src.Start(); err != nil {
			slog.Error("mqtt subscribe failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, src.Stop)
		slog.Info("MQTT telemetry enabled", "broker", brokerURL, "topic", topic)
	} else {
		sim := telemetry.NewSimulator(devices, 5*time.Second, st)
		sim.Start(ctx)
		cleanup = append(cleanup, sim.Stop)
		slog.Info("telemetry simulator enabled", "devices", devices)
	}

	// --- Message bus and feed hub ---
	b := bus.New()
	hub := feed.NewHub()
	go hub.Run()

	// --- Agent ecosystem ---
	manager := agent.NewManager(b, engine, hub)
	if err := registerAgents(manager, devices); err != nil {
		slog.Error("agent setup failed", "err", err)
		os.Exit(1)
	}
	if err := manager.Start(ctx); err != nil {
		slog.Error("agent start failed", "err", err)
		os.Exit(1)
	}
	defer manager.Shutdown()

	// --- API service ---
	apiSvc := api.NewService(manager, engine, st, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"agent-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", apiSvc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("agent-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down agent-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("agent-engine stopped")
}

// registerAgents builds the default ecosystem: one sequester per device, one
// offset buyer, one trader.
func registerAgents(m *agent.Manager, devices []string) error {
	for i, device := range devices {
		_, err := m.AddAgent(agent.Config{
			ID:                   fmt.Sprintf("sequester-%d", i+1),
			Type:                 agent.TypeSequester,
			OwnerID:              fmt.Sprintf("owner-%d", i+1),
			DeviceID:             device,
			InitialHbar:          decimal.NewFromInt(100),
			MinCreditsPerOffer:   decimal.NewFromInt(1),
			PricePerCredit:       decimal.NewFromInt(1),
			MaxTransactionAmount: decimal.NewFromInt(1000),
			RiskTolerance:        risk.ToleranceMedium,
		})
		if err != nil {
			return err
		}
	}

	if _, err := m.AddAgent(agent.Config{
		ID:                   "offset-1",
		Type:                 agent.TypeOffset,
		OwnerID:              "buyer-1",
		InitialHbar:          decimal.NewFromInt(10000),
		MaxPricePerCredit:    decimal.NewFromInt(2),
		MonthlyBudget:        decimal.NewFromInt(5000),
		MaxTransactionAmount: decimal.NewFromInt(500),
		RequireApproval:      true,
		RiskTolerance:        risk.ToleranceMedium,
	}); err != nil {
		return err
	}

	_, err := m.AddAgent(agent.Config{
		ID:                   "trader-1",
		Type:                 agent.TypeTrader,
		OwnerID:              "trader-1",
		InitialCredits:       decimal.NewFromInt(100),
		InitialHbar:          decimal.NewFromInt(5000),
		SpreadPct:            decimal.NewFromInt(2),
		VolatilityThreshold:  decimal.NewFromInt(5),
		MinInventory:         decimal.NewFromInt(50),
		MaxInventory:         decimal.NewFromInt(500),
		MaxTransactionAmount: decimal.NewFromInt(1000),
		RiskTolerance:        risk.ToleranceHigh,
	})
	return err
}

// splitList parses a comma-separated env value, falling back to defaults.
func splitList(v string, defaults ...string) []string {
	if v == "" {
		return defaults
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
