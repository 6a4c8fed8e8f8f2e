// Package sim drives a simulation through routing and the equilibrium analysis.
package sim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"hiveline/internal/config"
	"hiveline/internal/congestion"
	"hiveline/internal/domain"
	"hiveline/internal/equilibrium"
	"hiveline/internal/events"
	"hiveline/internal/jobs"
	"hiveline/internal/repo"
	"hiveline/internal/routing"
)

// RouteService names the routing jobs in the ledger.
const RouteService = "route"

// Reset scopes accepted by ResetJobs.
const (
	ResetAll      = "all"
	ResetFailed   = "failed"
	ResetTimedOut = "timed_out"
)

type Runner struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger jobs.Ledger
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger
}

func New(db *sql.DB, ledger jobs.Ledger, cfg *config.Config) Runner {
	return Runner{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger,
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r Runner) config() *config.Config {
	if r.Config != nil {
		return r.Config
	}
	return config.Default()
}

func (r Runner) stamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

// CreateSimulation registers a simulation, keeping the status of an existing one.
func (r Runner) CreateSimulation(ctx context.Context, id, place, targetDate string, meta map[string]any) (domain.Simulation, error) {
	if id == "" {
		return domain.Simulation{}, errors.New("simulation id is required")
	}
	if targetDate != "" {
		if _, err := time.Parse("2006-01-02", targetDate); err != nil {
			return domain.Simulation{}, fmt.Errorf("target date %q: want YYYY-MM-DD", targetDate)
		}
	}
	now := r.stamp()
	s := domain.Simulation{ID: id, Place: place, TargetDate: targetDate, Meta: meta, CreatedAt: now, UpdatedAt: now}
	if err := r.Repo.UpsertSimulation(ctx, s); err != nil {
		return domain.Simulation{}, err
	}
	if err := r.Events.Append(ctx, nil, events.SimulationCreated, id, "simulation", id, events.EventPayload{"place": place, "target_date": targetDate}); err != nil {
		return domain.Simulation{}, err
	}
	return r.Repo.GetSimulation(ctx, id)
}

// ImportCommuters stores commuters for simID, stamping the simulation id on each.
func (r Runner) ImportCommuters(ctx context.Context, simID string, commuters []domain.Commuter) (int, error) {
	if _, err := r.Repo.GetSimulation(ctx, simID); err != nil {
		return 0, fmt.Errorf("simulation %s: %w", simID, err)
	}
	for i := range commuters {
		if commuters[i].SimID != "" && commuters[i].SimID != simID {
			return 0, fmt.Errorf("commuter %s belongs to simulation %s", commuters[i].VCID, commuters[i].SimID)
		}
		commuters[i].SimID = simID
	}
	n, err := r.Repo.InsertCommuters(ctx, commuters)
	if err != nil {
		return 0, err
	}
	return n, r.Events.Append(ctx, nil, events.CommutersImported, simID, "simulation", simID, events.EventPayload{"count": n})
}

// CreateJobs adds one routing job per commuter. Existing jobs are untouched.
func (r Runner) CreateJobs(ctx context.Context, simID string) (int, error) {
	ids, err := r.Repo.ListCommuterIDs(ctx, simID)
	if err != nil {
		return 0, err
	}
	if err := r.Ledger.CreateJobs(ctx, simID, RouteService, ids); err != nil {
		return 0, err
	}
	if err := r.Events.Append(ctx, nil, events.JobsCreated, simID, "simulation", simID, events.EventPayload{"commuters": len(ids)}); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ResetJobs puts jobs of the given scope back to pending.
func (r Runner) ResetJobs(ctx context.Context, simID, scope string) (int, error) {
	var (
		n   int
		err error
	)
	switch scope {
	case ResetAll, "":
		scope = ResetAll
		n, err = r.Ledger.ResetJobs(ctx, simID, RouteService)
	case ResetFailed:
		n, err = r.Ledger.ResetFailedJobs(ctx, simID, RouteService)
	case ResetTimedOut:
		n, err = r.Ledger.ResetTimedOutJobs(ctx, simID, RouteService, r.config().Jobs.LeaseTTL)
	default:
		return 0, fmt.Errorf("unknown reset scope %q (want all, failed or timed_out)", scope)
	}
	if err != nil {
		return 0, err
	}
	return n, r.Events.Append(ctx, nil, events.JobsReset, simID, "simulation", simID, events.EventPayload{"scope": scope, "count": n})
}

// JobCounts returns the number of routing jobs per status, every status present.
func (r Runner) JobCounts(ctx context.Context, simID string) (map[domain.JobStatus]int, error) {
	counts, err := r.Ledger.CountByStatus(ctx, simID, RouteService)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.JobStatus]int, len(domain.JobStatuses))
	for _, s := range domain.JobStatuses {
		out[s] = counts[s]
	}
	return out, nil
}

func (r Runner) setStatus(ctx context.Context, simID, status, evtType string, payload events.EventPayload) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Repo.SetSimulationStatus(ctx, tx, simID, status, r.stamp()); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, evtType, simID, "simulation", simID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Route plans every pending commuter of simID on a freshly started engine.
// Jobs whose lease expired are handed out again.
func (r Runner) Route(ctx context.Context, simID string, srv routing.Server, res routing.Resources, force bool) error {
	cfg := r.config()
	if _, err := r.Repo.GetSimulation(ctx, simID); err != nil {
		return fmt.Errorf("simulation %s: %w", simID, err)
	}
	if n, err := r.Ledger.ResetTimedOutJobs(ctx, simID, RouteService, cfg.Jobs.LeaseTTL); err != nil {
		return fmt.Errorf("reset timed out jobs: %w", err)
	} else if n > 0 {
		r.logger().Printf("route %s: %d timed out jobs reset", simID, n)
	}
	if _, err := r.CreateJobs(ctx, simID); err != nil {
		return fmt.Errorf("create jobs: %w", err)
	}
	var profiles domain.DelayProfiles
	if cfg.Delays.Enabled {
		var err error
		if profiles, err = r.Repo.LoadDelayProfiles(ctx); err != nil {
			return fmt.Errorf("load delay profiles: %w", err)
		}
	}
	meta := srv.Meta().RouteMeta(cfg.Delays.Enabled)
	if err := r.setStatus(ctx, simID, domain.SimRouting, events.RoutingStarted, events.EventPayload{"backend": meta.Backend, "uses_delays": meta.UsesDelays}); err != nil {
		return err
	}

	err := routing.WithEngine(ctx, srv, res, force, func(ctx context.Context, client routing.Client) error {
		if cfg.Delays.Enabled {
			dc := routing.NewDelayedClient(client, profiles, cfg.Delays.Seed)
			dc.MaxQueries = cfg.Delays.MaxQueries
			client = dc
		}
		pool := jobs.NewPool(r.Ledger, simID, RouteService, cfg.Jobs.Threads)
		pool.MaxConsecutiveFailures = cfg.Jobs.MaxConsecutiveFailures
		if cfg.Jobs.ProgressInterval > 0 {
			pool.ProgressInterval = cfg.Jobs.ProgressInterval
		}
		pool.Tolerate = routing.IsNoRoute
		pool.Logger = r.Logger
		return pool.Run(ctx, func(ctx context.Context, vcID string) error {
			return r.routeCommuter(ctx, client, simID, vcID, meta)
		})
	})
	counts, cerr := r.JobCounts(context.WithoutCancel(ctx), simID)
	if cerr != nil {
		err = errors.Join(err, cerr)
	}
	payload := events.EventPayload{}
	for s, n := range counts {
		payload[string(s)] = n
	}
	if err != nil {
		payload["error"] = err.Error()
		if serr := r.setStatus(context.WithoutCancel(ctx), simID, domain.SimFailed, events.RoutingFailed, payload); serr != nil {
			r.logger().Printf("route %s: record failure: %v", simID, serr)
		}
		return err
	}
	return r.setStatus(ctx, simID, domain.SimRouted, events.RoutingFinished, payload)
}

// routeCommuter queries the transit and the car option of one commuter and
// stores whatever the engine could plan.
func (r Runner) routeCommuter(ctx context.Context, client routing.Client, simID, vcID string, meta domain.RouteMeta) error {
	c, err := r.Repo.GetCommuter(ctx, simID, vcID)
	if err != nil {
		return fmt.Errorf("load commuter %s: %w", vcID, err)
	}
	var options []domain.RouteOption
	for _, modes := range [][]domain.Mode{routing.TransitModes, routing.CarModes} {
		journeys, err := client.GetJourneys(ctx, c.Origin, c.Destination, c.Departure, modes)
		if routing.IsNoRoute(err) {
			continue
		}
		if err != nil {
			return err
		}
		options = append(options, domain.RouteOption{
			RouteOptionID: uuid.NewString(),
			Origin:        c.Origin,
			Destination:   c.Destination,
			Departure:     c.Departure,
			Modes:         routing.ModeNames(modes),
			Journeys:      journeys,
		})
	}
	if len(options) == 0 {
		return &routing.Error{Kind: routing.KindNoRoute, Op: "route commuter " + vcID, Err: routing.ErrNoRoute}
	}
	return r.Repo.UpsertRouteResult(ctx, domain.RouteResult{
		VCID:     vcID,
		SimID:    simID,
		Created:  r.now().UTC(),
		Traveler: c.Traveler,
		Options:  options,
		Meta:     meta,
	})
}

// Equilibrium runs the solver over the stored route results and records the run.
func (r Runner) Equilibrium(ctx context.Context, simID string) (equilibrium.Result, domain.EquilibriumRun, error) {
	cfg := r.config()
	results, err := r.Repo.ListRouteResults(ctx, simID)
	if err != nil {
		return equilibrium.Result{}, domain.EquilibriumRun{}, err
	}
	if len(results) == 0 {
		return equilibrium.Result{}, domain.EquilibriumRun{}, fmt.Errorf("simulation %s has no route results", simID)
	}
	edges, err := r.Repo.LoadEdges(ctx, simID)
	if err != nil {
		return equilibrium.Result{}, domain.EquilibriumRun{}, err
	}
	model := congestion.Model{
		Edges: congestion.NewEdgeSet(edges),
		Options: congestion.Options{
			DefaultLanes:          cfg.Congestion.DefaultLanes,
			MaxMotorcycleSlowdown: cfg.Congestion.MaxMotorcycleSlowdown,
		},
	}
	solver := equilibrium.NewSolver(equilibrium.ParamsFromConfig(cfg), model, cfg.Equilibrium.Seed)
	solver.Logger = r.Logger
	res, err := solver.Solve(ctx, results)
	if err != nil {
		return res, domain.EquilibriumRun{}, err
	}
	run := domain.EquilibriumRun{
		ID:         uuid.NewString(),
		SimID:      simID,
		Iterations: res.Iterations,
		Converged:  res.Converged,
		ModalShare: res.ModalShare,
		History:    res.History,
		Stats:      res.Stats,
		CreatedAt:  r.stamp(),
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, run, err
	}
	defer tx.Rollback()
	if err := r.Repo.InsertEquilibriumRun(ctx, tx, run); err != nil {
		return res, run, fmt.Errorf("insert equilibrium run: %w", err)
	}
	if err := r.Repo.SetSimulationStatus(ctx, tx, simID, domain.SimAnalyzed, run.CreatedAt); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return res, run, err
	}
	if err := r.Events.Append(ctx, tx, events.EquilibriumFinished, simID, "equilibrium_run", run.ID, events.EventPayload{
		"iterations":  run.Iterations,
		"converged":   run.Converged,
		"modal_share": run.ModalShare,
	}); err != nil {
		return res, run, err
	}
	return res, run, tx.Commit()
}
