package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brandforge/backend/internal/cache"
	"github.com/brandforge/backend/internal/config"
	"github.com/brandforge/backend/internal/email"
	"github.com/brandforge/backend/internal/handlers"
	"github.com/brandforge/backend/internal/middleware"
	"github.com/brandforge/backend/internal/workers"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(defaultDeps()); err != nil {
		log.Fatal(err)
	}
}

// deps groups the process-boundary dependencies so run can be exercised in
// tests without a real database or listener.
type deps struct {
	loadEnv        func(...string) error
	loadConfig     func() (config.Config, error)
	openDB         func(driverName, dataSourceName string) (*sql.DB, error)
	migrateUp      func(*sql.DB) error
	listenAndServe func(*http.Server) error
	notify         func(c chan<- os.Signal, sig ...os.Signal)
	stopCh         chan os.Signal
}

func defaultDeps() deps {
	return deps{
		loadEnv:        godotenv.Load,
		loadConfig:     config.Load,
		openDB:         sql.Open,
		migrateUp:      migrateUp,
		listenAndServe: func(srv *http.Server) error { return srv.ListenAndServe() },
		notify:         signal.Notify,
	}
}

func migrateUp(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrateUp: nil database handle")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("Failed to init migration driver: %w", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("Failed to create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("Database migration failed: %w", err)
	}
	return nil
}

// buildSender picks the Postmark transport when tokens are configured and
// falls back to log-only delivery.
func buildSender(cfg config.Config) (email.Sender, error) {
	if cfg.PostmarkServerToken != "" && cfg.PostmarkAccountToken != "" {
		return email.NewPostmarkSender(email.Config{
			ServerToken:  cfg.PostmarkServerToken,
			AccountToken: cfg.PostmarkAccountToken,
			From:         cfg.EmailFrom,
			ReplyTo:      cfg.EmailReplyTo,
		})
	}
	log.Println("Postmark not configured, emails will be logged only")
	return email.LogSender{}, nil
}

func buildRouter(h *handlers.Handler, ledger *middleware.UsageLedger) *mux.Router {
	r := mux.NewRouter()
	handlers.RegisterRoutes(h, ledger, r)
	return r
}

func run(d deps) error {
	// Load .env file if it exists
	if d.loadEnv != nil {
		_ = d.loadEnv()
	}

	if d.loadConfig == nil {
		return fmt.Errorf("loadConfig dependency is required")
	}
	cfg, err := d.loadConfig()
	if err != nil {
		return fmt.Errorf("Failed to load configuration: %w", err)
	}

	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	if d.openDB == nil {
		return fmt.Errorf("openDB dependency is required")
	}
	db, err := d.openDB("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("Failed to connect to database: %w", err)
	}
	defer db.Close()

	// Test database connection
	if err := db.Ping(); err != nil {
		return fmt.Errorf("Failed to ping database: %w", err)
	}

	// Run migrations on startup
	if d.migrateUp != nil {
		if err := d.migrateUp(db); err != nil {
			return err
		}
		log.Println("Database is up-to-date")
	}

	// In-process cache with background sweeper
	c := cache.New(cache.Options{
		DefaultTTL:      time.Duration(cfg.CacheTTLSeconds) * time.Second,
		CleanupInterval: time.Duration(cfg.CacheCleanupSeconds) * time.Second,
		PreloadTTL:      time.Duration(cfg.CachePreloadTTLSeconds) * time.Second,
	})
	go c.StartSweeper(rootCtx)

	// Usage ledger: limit checks up front, increments applied off the
	// request path.
	ledger := middleware.NewUsageLedger(db)
	defer ledger.Close()

	sender, err := buildSender(cfg)
	if err != nil {
		return fmt.Errorf("Failed to init email sender: %w", err)
	}

	// Initialize handlers
	h := handlers.New(db, c, sender, cfg.StripeWebhookSecret)
	h.SetWatermarkCheck(ledger.CheckWatermark)

	// CORS middleware
	corsWrapper := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Handler:      corsWrapper.Handler(buildRouter(h, ledger)),
		Addr:         ":" + cfg.Port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Handle graceful shutdown on SIGINT/SIGTERM
	stop := d.stopCh
	if stop == nil {
		stop = make(chan os.Signal, 1)
	}
	if d.notify != nil {
		d.notify(stop, os.Interrupt, syscall.SIGTERM)
	}

	// Background: lifecycle email scheduler
	if cfg.LifecycleEmailsEnabled {
		worker := &workers.LifecycleEmailWorker{
			DB:       db,
			Sender:   sender,
			Interval: time.Duration(cfg.LifecycleIntervalSeconds) * time.Second,
			Limiter:  rate.NewLimiter(rate.Limit(cfg.LifecycleSendsPerSecond), 1),
		}
		go worker.Start(rootCtx)
	} else {
		log.Println("[LifecycleEmails] disabled via LIFECYCLE_EMAILS_ENABLED")
	}

	// Background: analytics events retention
	go (&workers.EventsCleanupWorker{DB: db}).Start(rootCtx)

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", cfg.Port)
	if d.listenAndServe == nil {
		return fmt.Errorf("listenAndServe dependency is required")
	}
	if err := d.listenAndServe(srv); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Println("Server stopped")
	return nil
}
