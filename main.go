package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/shellbridge/internal/bridge"
	"github.com/gluk-w/shellbridge/internal/config"
	"github.com/gluk-w/shellbridge/internal/crypto"
	"github.com/gluk-w/shellbridge/internal/database"
	"github.com/gluk-w/shellbridge/internal/handlers"
	"github.com/gluk-w/shellbridge/internal/logging"
	"github.com/gluk-w/shellbridge/internal/middleware"
	"github.com/gluk-w/shellbridge/internal/sessionstore"
	"github.com/gluk-w/shellbridge/internal/sshaudit"
)

func main() {
	config.Load()
	cfg := config.Cfg

	logging.Init(cfg.LogPath, cfg.DataPath)

	if err := database.Init(cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	auditor, err := sshaudit.NewAuditor(database.DB, cfg.AuditRetentionDays)
	if err != nil {
		log.Fatalf("Audit init: %v", err)
	}
	if err := auditor.StartRetention(cfg.AuditPruneSchedule); err != nil {
		log.Printf("WARNING: %v", err)
	}
	handlers.Auditor = auditor

	sealer, err := crypto.NewSealer()
	if err != nil {
		log.Fatalf("Secret sealer init: %v", err)
	}

	targets, err := config.LoadTargets(cfg.TargetsFile)
	if err != nil {
		log.Fatalf("Targets: %v", err)
	}
	if addrs := targets.Addrs(); len(addrs) > 0 {
		log.Printf("Target allowlist: %v", addrs)
	} else {
		log.Printf("Target allowlist empty; any host may be dialed")
	}

	hostKey, err := bridge.HostKeyCallback(cfg.KnownHostsFile)
	if err != nil {
		log.Fatalf("Host keys: %v", err)
	}

	store := sessionstore.New(sessionstore.Options{
		TTL:          cfg.SessionTTL,
		HistoryBytes: cfg.HistoryBytes,
		OnEvict:      bridge.AuditEvictions(auditor),
	})

	mgr, err := bridge.NewManager(bridge.Options{
		Store:            store,
		Sealer:           sealer,
		Targets:          targets,
		Auditor:          auditor,
		DialTimeout:      cfg.DialTimeout,
		HostKeyCallback:  hostKey,
		RequirePrincipal: cfg.RestoreRequirePrincipal,
	})
	if err != nil {
		log.Fatalf("Bridge init: %v", err)
	}
	handlers.Bridge = mgr
	handlers.AllowedOrigins = cfg.Origins
	log.Printf("Bridge initialized (ttl=%s, sweep=%s, history=%d bytes, dial_timeout=%s)",
		cfg.SessionTTL, cfg.SweepInterval, cfg.HistoryBytes, cfg.DialTimeout)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go store.Run(sigCtx, cfg.SweepInterval)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(cfg.AuthToken))
		r.Use(middleware.Principal)

		r.Get("/bridge", handlers.BridgeWS)

		r.Get("/sessions", handlers.ListSessions)
		r.Delete("/sessions/{id}", handlers.CloseSession)

		r.Get("/audit", handlers.GetAuditLogs)

		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("Server starting on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	store.CloseAll()
	auditor.Stop()
	log.Println("Server stopped")
}
