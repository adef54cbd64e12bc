package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/sandterm/internal/config"
	"github.com/gluk-w/sandterm/internal/database"
	"github.com/gluk-w/sandterm/internal/handlers"
	"github.com/gluk-w/sandterm/internal/logging"
	"github.com/gluk-w/sandterm/internal/metrics"
	"github.com/gluk-w/sandterm/internal/middleware"
	"github.com/gluk-w/sandterm/internal/sandbox"
	"github.com/gluk-w/sandterm/internal/session"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 && os.Args[1] == "--reap" {
		runReapCommand()
		return
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	provider, err := sandbox.New(ctx, config.Cfg)
	if err != nil {
		log.Fatalf("Sandbox backend init: %v", err)
	}

	seed, err := sandbox.DefaultSeed()
	if err != nil {
		log.Fatalf("Seed manifest: %v", err)
	}

	var m *metrics.Metrics
	if config.Cfg.MetricsEnabled {
		m = metrics.New()
	}

	mgr := session.NewManager(session.Config{
		TTL:               config.Cfg.SessionTTL,
		WorkDir:           config.Cfg.WorkDir,
		Shell:             config.Cfg.Shell,
		Seed:              seed,
		RemoteCallTimeout: config.Cfg.RemoteCallTimeout,
		CommandTimeout:    config.Cfg.CommandTimeout,
	}, provider, database.NewStore(database.DB), m)
	handlers.SessionMgr = mgr
	handlers.Metrics = m
	handlers.BackendName = provider.Name()
	log.Printf("Session manager initialized (backend=%s, ttl=%s, shell=%s, workdir=%s)",
		provider.Name(), config.Cfg.SessionTTL, config.Cfg.Shell, config.Cfg.WorkDir)

	reaper, err := session.NewReaper(mgr, config.Cfg.ReapSchedule, m)
	if err != nil {
		log.Fatalf("Reaper init: %v", err)
	}
	reaper.Start()

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: newRouter(config.Cfg, m),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reaper.Stop(shutdownCtx)
	mgr.CloseAll(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func newRouter(cfg config.Settings, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", handlers.HealthCheck)
	if cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Route("/api/terminal/sessions", func(r chi.Router) {
		r.With(middleware.RateLimit(cfg.CreateRate, cfg.CreateBurst)).Post("/", handlers.CreateSession)
		r.Post("/{token}/execute", handlers.ExecuteCommand)
		r.Delete("/{token}", handlers.CloseSession)
		r.Get("/{token}/ws", handlers.TerminalWS)
	})

	return r
}

// runReapCommand marks every expired session record inactive and exits.
func runReapCommand() {
	fs := flag.NewFlagSet("reap", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "List expired sessions without changing them")
	fs.Parse(os.Args[2:])

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	store := database.NewStore(database.DB)
	ctx := context.Background()

	recs, err := store.ListExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		log.Fatalf("List expired sessions: %v", err)
	}
	if *dryRun {
		for _, rec := range recs {
			fmt.Printf("%s\texpired %s\n", rec.SessionID, rec.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Printf("%d expired session(s)\n", len(recs))
		return
	}

	tokens := make([]string, len(recs))
	for i, rec := range recs {
		tokens[i] = rec.Token
	}
	if err := store.DeactivateSessions(ctx, tokens); err != nil {
		log.Fatalf("Deactivate sessions: %v", err)
	}
	fmt.Printf("Marked %d expired session(s) inactive.\n", len(recs))
}
