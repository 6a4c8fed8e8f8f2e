package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"hiveline/internal/config"
	"hiveline/internal/db"
	"hiveline/internal/jobs"
	"hiveline/internal/migrate"
	"hiveline/internal/repo"
	"hiveline/internal/sim"
)

// JobsCollection is the mongo collection holding the job ledger.
const JobsCollection = "jobs"

// Env is an opened workspace: database, config and the runner built on them.
type Env struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Runner    sim.Runner

	closers []func() error
}

// Options select the workspace and optional config override.
type Options struct {
	Workspace  string
	ConfigPath string
	Logger     *log.Logger
}

// Open migrates the workspace database, loads the config and wires the job ledger.
func Open(ctx context.Context, opts Options) (*Env, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	if dir := cfg.Engine.DataDir; dir != "" && !filepath.IsAbs(dir) {
		cfg.Engine.DataDir = filepath.Join(opts.Workspace, dir)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	env := &Env{Workspace: opts.Workspace, DB: conn, Config: cfg}
	env.closers = append(env.closers, conn.Close)
	if err := migrate.Migrate(conn); err != nil {
		env.Close()
		return nil, err
	}
	ledger, closeLedger, err := OpenLedger(ctx, cfg, conn)
	if err != nil {
		env.Close()
		return nil, err
	}
	if closeLedger != nil {
		env.closers = append(env.closers, closeLedger)
	}
	env.Runner = sim.New(conn, ledger, cfg)
	env.Runner.Logger = opts.Logger
	return env, nil
}

// Close releases everything Open acquired, last opened first.
func (e *Env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// LoadConfig prefers an explicit file, then the workspace hiveline.yml, then defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// OpenLedger returns the job ledger for the configured datastore driver.
// The returned close func is nil when the ledger shares conn.
func OpenLedger(ctx context.Context, cfg *config.Config, conn *sql.DB) (jobs.Ledger, func() error, error) {
	switch cfg.Datastore.Driver {
	case "", "sqlite":
		return jobs.NewSQLiteLedger(conn), nil, nil
	case "mongo":
		client, err := jobs.ConnectMongo(ctx, cfg.Datastore.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		ledger, err := jobs.NewMongoLedger(ctx, client.Database(cfg.Datastore.MongoDatabase), JobsCollection)
		if err != nil {
			client.Disconnect(context.Background())
			return nil, nil, err
		}
		return ledger, func() error { return client.Disconnect(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown datastore driver %q", cfg.Datastore.Driver)
	}
}

// ResolveSimulation picks the override, or the only simulation in the workspace.
func ResolveSimulation(ctx context.Context, r repo.Repo, override string) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		if _, err := r.GetSimulation(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("simulation %s not found", id)
			}
			return "", err
		}
		return id, nil
	}
	s, err := r.SingleSimulation(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("no simulation found; create one with hiveline sim create")
	}
	if err != nil {
		return "", err
	}
	return s.ID, nil
}
