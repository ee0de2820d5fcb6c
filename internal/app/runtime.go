package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/internal/httpapi"
	"github.com/AgentHive-Network/credit_layer/internal/storage/postgres"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

// Runtime is the fully assembled daemon: configuration, storage, the
// application and its HTTP surface.
type Runtime struct {
	cfg *config.Config
	log *logger.Logger
	app *Application
	db  *sql.DB
}

// NewRuntime loads configuration and wires the daemon. Without a database
// DSN the engine runs on in-memory storage, which suits local development.
func NewRuntime() (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Logging).WithField("component", "creditd")

	var stores Stores
	var db *sql.DB
	if cfg.Database.DSN != "" {
		db, err = openDatabase(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		store := postgres.New(db)
		stores = Stores{
			Users:   store,
			Wallets: store,
			Agents:  store,
			Ledger:  store,
			Revenue: store,
		}
		log.Info("using postgres storage")
	} else {
		log.Warn("DATABASE_DSN not set; using in-memory storage")
	}

	application, err := New(cfg, stores, log)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	handler := httpapi.NewHandler(httpapi.Services{
		Users:     application.Stores.Users,
		Agents:    application.Stores.Agents,
		Ledger:    application.Stores.Ledger,
		Revenue:   application.Stores.Revenue,
		Wallets:   application.Stores.Wallets,
		Wallet:    application.Wallet,
		Accounts:  application.Accounts,
		Collector: application.Collector,
	}, cfg.Server.AdminToken, log.WithField("component", "httpapi"))

	server := httpapi.NewServer(cfg.Server, handler, log.WithField("component", "http-server"))
	if err := application.Attach(server); err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	return &Runtime{cfg: cfg, log: log, app: application, db: db}, nil
}

// Run starts every service and blocks until the context is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.app.Start(ctx); err != nil {
		return err
	}
	r.log.Info("credit engine started")
	<-ctx.Done()
	return nil
}

// Shutdown stops all services and closes the database.
func (r *Runtime) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	err := r.app.Stop(shutdownCtx)
	if r.db != nil {
		if closeErr := r.db.Close(); closeErr != nil {
			r.log.WithError(closeErr).Warn("error closing database connection")
		}
	}
	return err
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
