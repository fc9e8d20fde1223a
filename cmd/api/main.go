package main

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/oakline/corebank/internal/api"
	"github.com/oakline/corebank/internal/audit"
	"github.com/oakline/corebank/internal/auth"
	"github.com/oakline/corebank/internal/cache"
	"github.com/oakline/corebank/internal/config"
	"github.com/oakline/corebank/internal/history"
	"github.com/oakline/corebank/internal/ledger"
	"github.com/oakline/corebank/internal/store"
	"github.com/oakline/corebank/internal/store/memory"
	"github.com/oakline/corebank/internal/store/postgres"
	"github.com/oakline/corebank/internal/transfer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	var logger *zap.Logger
	if cfg.Env == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	// Store selection. The interfaces are identical; memory mode exists for
	// demos and local hacking without a database.
	var (
		ledgerStore  store.LedgerStore
		userStore    store.UserStore
		sessionStore store.SessionStore
		auditStore   store.AuditStore
	)
	switch cfg.StoreDriver {
	case "memory":
		mem := memory.New()
		mem.SetLockWait(cfg.LockWait)
		ledgerStore, userStore, sessionStore, auditStore = mem, mem, mem, mem
		logger.Warn("running on the in-memory store; nothing is durable")
	case "postgres":
		pg, err := postgres.New(cfg.DBSource, cfg.LockWait)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()
		ledgerStore, userStore, sessionStore, auditStore = pg, pg, pg, pg
	default:
		logger.Fatal("unknown STORE_DRIVER", zap.String("driver", cfg.StoreDriver))
	}

	// Sessions move to Redis when configured; TTLs then enforce expiry.
	if cfg.RedisAddr != "" {
		rs := cache.NewSessions(cfg.RedisAddr, cfg.RedisPass)
		if err := rs.Ping(context.Background()); err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		sessionStore = rs
		logger.Info("session store on redis", zap.String("addr", cfg.RedisAddr))
	}

	auditLog := audit.NewLog(auditStore, logger)
	bankLedger := ledger.New(ledgerStore, logger)
	signer := auth.NewTokenSigner(cfg.JWTSecret)
	authSvc := auth.NewService(userStore, sessionStore, auditLog, signer, auth.Config{
		CodeTTL:         cfg.CodeTTL,
		SessionTTL:      cfg.SessionTTL,
		MaxFailures:     cfg.MaxLoginFails,
		MaxCodeAttempts: cfg.MaxCodeAttempts,
	}, logger)
	engine := transfer.NewEngine(bankLedger, authSvc, auditLog, logger)
	index := history.NewIndex(ledgerStore)

	// Out-of-band delivery is an external collaborator; in development the
	// code lands in the log so the flow can be exercised by hand.
	var deliver api.CodeDelivery
	if cfg.Env == "development" {
		deliver = func(userID int64, code string) {
			logger.Info("one-time code issued", zap.Int64("user_id", userID), zap.String("code", code))
		}
	}

	handler := api.NewHandler(authSvc, engine, bankLedger, index, auditLog, deliver, logger)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	handler.Register(r)

	logger.Info("server starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
