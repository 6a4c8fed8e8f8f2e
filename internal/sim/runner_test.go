package sim_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"hiveline/internal/config"
	"hiveline/internal/db"
	"hiveline/internal/domain"
	"hiveline/internal/events"
	"hiveline/internal/jobs"
	"hiveline/internal/migrate"
	"hiveline/internal/routing"
	"hiveline/internal/sim"
)

type testEnv struct {
	Runner sim.Runner
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Jobs.Threads = 2
	cfg.Equilibrium.MaxIterations = 10
	cfg.Equilibrium.Seed = 7
	r := sim.New(conn, jobs.NewSQLiteLedger(conn), cfg)
	r.Now = func() time.Time { return time.Date(2024, 3, 4, 7, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := r.CreateSimulation(ctx, "sim-1", "Eindhoven", "2024-03-04", nil); err != nil {
		t.Fatalf("create simulation: %v", err)
	}
	return testEnv{Runner: r, Ctx: ctx}
}

func (env testEnv) importCommuters(t *testing.T, n int) {
	t.Helper()
	usage := "work"
	var cs []domain.Commuter
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("vc-%02d", i)
		c := domain.Commuter{
			VCID:        id,
			Origin:      domain.Place{Name: id, Latitude: 51.40, Longitude: 5.40},
			Destination: domain.Place{Latitude: 51.45, Longitude: 5.48},
			Departure:   time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC),
		}
		if i%2 == 0 {
			c.Traveler.Vehicles = domain.Vehicles{Car: 1, Usage: &usage}
		}
		cs = append(cs, c)
	}
	if _, err := env.Runner.ImportCommuters(env.Ctx, "sim-1", cs); err != nil {
		t.Fatalf("import commuters: %v", err)
	}
}

type fakeServer struct {
	startErr error
	client   routing.Client
	stopped  bool
}

func (f *fakeServer) Build(context.Context, routing.Resources, bool) (routing.Artifacts, error) {
	return routing.Artifacts{GraphID: "graph"}, nil
}

func (f *fakeServer) Start(context.Context, routing.Artifacts) error { return f.startErr }

func (f *fakeServer) Stop() error {
	f.stopped = true
	return nil
}

func (f *fakeServer) Meta() routing.Meta     { return routing.Meta{Backend: "fake", Version: "1"} }
func (f *fakeServer) Client() routing.Client { return f.client }

func journey(mode domain.Mode, dep time.Time, minutes int, nodes ...int64) domain.Journey {
	return domain.Journey{Legs: []domain.Leg{{
		Origin:      domain.Place{Latitude: 51.40, Longitude: 5.40},
		Destination: domain.Place{Latitude: 51.45, Longitude: 5.48},
		Departure:   dep,
		Arrival:     dep.Add(time.Duration(minutes) * time.Minute),
		Mode:        mode,
		OSMNodes:    nodes,
	}}}
}

// engine plans a 30 minute bus trip and a 20 minute drive, except for vc-03
// (no car route) and vc-05 (no route at all).
func engine() routing.Client {
	return routing.ClientFunc(func(_ context.Context, from, _ domain.Place, dep time.Time, modes []domain.Mode) ([]domain.Journey, error) {
		car := modes[len(modes)-1] == domain.ModeCar
		switch {
		case from.Name == "vc-05":
			return nil, routing.ErrNoRoute
		case from.Name == "vc-03" && car:
			return nil, &routing.Error{Kind: routing.KindNoRoute, Op: "fake", Err: routing.ErrNoRoute}
		case car:
			return []domain.Journey{journey(domain.ModeCar, dep, 20, 1, 2, 3)}, nil
		default:
			return []domain.Journey{journey(domain.ModeBus, dep, 30)}, nil
		}
	})
}

func latestEvent(t *testing.T, env testEnv, typ string) domain.Event {
	t.Helper()
	evts, err := env.Runner.Repo.LatestEvents(env.Ctx, 1, 0, "sim-1", typ)
	if err != nil || len(evts) != 1 {
		t.Fatalf("event %s: %v %v", typ, evts, err)
	}
	return evts[0]
}

func TestRouteStoresOptionsAndToleratesNoRoute(t *testing.T) {
	env := newTestEnv(t)
	env.importCommuters(t, 8)
	srv := &fakeServer{client: engine()}
	if err := env.Runner.Route(env.Ctx, "sim-1", srv, routing.Resources{}, false); err != nil {
		t.Fatalf("route: %v", err)
	}
	if !srv.stopped {
		t.Fatalf("engine left running")
	}
	counts, err := env.Runner.JobCounts(env.Ctx, "sim-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.JobFinished] != 7 || counts[domain.JobFailed] != 1 || counts[domain.JobPending] != 0 {
		t.Fatalf("unexpected job counts: %v", counts)
	}
	job, err := env.Runner.Ledger.GetJob(env.Ctx, "sim-1", sim.RouteService, "vc-05")
	if err != nil || job.Status != domain.JobFailed || job.Error == "" {
		t.Fatalf("expected vc-05 failed with reason: %+v %v", job, err)
	}

	res, err := env.Runner.Repo.GetRouteResult(env.Ctx, "sim-1", "vc-00")
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if len(res.Options) != 2 || res.Meta.Backend != "fake" || res.Meta.UsesDelays {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Options[0].RouteOptionID == "" || res.Options[0].RouteOptionID == res.Options[1].RouteOptionID {
		t.Fatalf("option ids must be unique: %q %q", res.Options[0].RouteOptionID, res.Options[1].RouteOptionID)
	}
	if !res.Traveler.WouldUseCar() {
		t.Fatalf("traveler not carried into result")
	}
	partial, err := env.Runner.Repo.GetRouteResult(env.Ctx, "sim-1", "vc-03")
	if err != nil || len(partial.Options) != 1 || partial.Options[0].UsesCar() {
		t.Fatalf("expected transit-only result for vc-03: %+v %v", partial, err)
	}

	s, _ := env.Runner.Repo.GetSimulation(env.Ctx, "sim-1")
	if s.Status != domain.SimRouted {
		t.Fatalf("status %s", s.Status)
	}
	latestEvent(t, env, events.RoutingFinished)

	// a second run has nothing left to do
	srv = &fakeServer{client: routing.ClientFunc(func(context.Context, domain.Place, domain.Place, time.Time, []domain.Mode) ([]domain.Journey, error) {
		t.Errorf("finished jobs routed again")
		return nil, nil
	})}
	if err := env.Runner.Route(env.Ctx, "sim-1", srv, routing.Resources{}, false); err != nil {
		t.Fatalf("second route: %v", err)
	}
}

func TestRouteFailsOnSystemicErrors(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.Config.Jobs.Threads = 1
	env.importCommuters(t, 10)
	refused := errors.New("connection refused")
	srv := &fakeServer{client: routing.ClientFunc(func(context.Context, domain.Place, domain.Place, time.Time, []domain.Mode) ([]domain.Journey, error) {
		return nil, refused
	})}
	err := env.Runner.Route(env.Ctx, "sim-1", srv, routing.Resources{}, false)
	if !errors.Is(err, refused) {
		t.Fatalf("expected breaker error, got %v", err)
	}
	counts, _ := env.Runner.JobCounts(env.Ctx, "sim-1")
	if counts[domain.JobFailed] != 6 || counts[domain.JobPending] != 4 {
		t.Fatalf("breaker should stop after 6 failures: %v", counts)
	}
	s, _ := env.Runner.Repo.GetSimulation(env.Ctx, "sim-1")
	if s.Status != domain.SimFailed {
		t.Fatalf("status %s", s.Status)
	}
	latestEvent(t, env, events.RoutingFailed)

	n, err := env.Runner.ResetJobs(env.Ctx, "sim-1", sim.ResetFailed)
	if err != nil || n != 6 {
		t.Fatalf("reset failed: %d %v", n, err)
	}
	if _, err := env.Runner.ResetJobs(env.Ctx, "sim-1", "bogus"); err == nil {
		t.Fatalf("expected unknown scope error")
	}
}

func TestRouteEngineStartFailure(t *testing.T) {
	env := newTestEnv(t)
	env.importCommuters(t, 2)
	srv := &fakeServer{startErr: errors.New("address already in use"), client: engine()}
	err := env.Runner.Route(env.Ctx, "sim-1", srv, routing.Resources{}, false)
	if routing.KindOf(err) != routing.KindEngine {
		t.Fatalf("expected engine error, got %v", err)
	}
	counts, _ := env.Runner.JobCounts(env.Ctx, "sim-1")
	if counts[domain.JobPending] != 2 {
		t.Fatalf("jobs must stay pending: %v", counts)
	}
}

func TestRouteUnknownSimulation(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Runner.Route(env.Ctx, "nope", &fakeServer{client: engine()}, routing.Resources{}, false); err == nil {
		t.Fatalf("expected error for unknown simulation")
	}
}

func TestEquilibriumRecordsRun(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Runner.Equilibrium(env.Ctx, "sim-1"); err == nil {
		t.Fatalf("expected error without route results")
	}
	env.importCommuters(t, 6)
	if err := env.Runner.Route(env.Ctx, "sim-1", &fakeServer{client: engine()}, routing.Resources{}, false); err != nil {
		t.Fatalf("route: %v", err)
	}
	if err := env.Runner.Repo.UpsertEdges(env.Ctx, "sim-1", []domain.Edge{{From: 1, To: 2, Lanes: 1, Length: 500}, {From: 2, To: 3, Lanes: 1, Length: 500}}); err != nil {
		t.Fatalf("edges: %v", err)
	}
	res, run, err := env.Runner.Equilibrium(env.Ctx, "sim-1")
	if err != nil {
		t.Fatalf("equilibrium: %v", err)
	}
	if run.Iterations != res.Iterations || len(run.History) != res.Iterations || run.ModalShare != res.ModalShare {
		t.Fatalf("run does not mirror result: %+v vs %+v", run, res)
	}
	if res.ModalShare < 0 || res.ModalShare > 1 {
		t.Fatalf("share out of range: %v", res.ModalShare)
	}
	stored, err := env.Runner.Repo.LatestEquilibriumRun(env.Ctx, "sim-1")
	if err != nil || stored.ID != run.ID {
		t.Fatalf("stored run: %+v %v", stored, err)
	}
	s, _ := env.Runner.Repo.GetSimulation(env.Ctx, "sim-1")
	if s.Status != domain.SimAnalyzed {
		t.Fatalf("status %s", s.Status)
	}
	if e := latestEvent(t, env, events.EquilibriumFinished); e.EntityID != run.ID {
		t.Fatalf("event entity %s, want %s", e.EntityID, run.ID)
	}
}

func TestCreateSimulationValidates(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Runner.CreateSimulation(env.Ctx, "", "x", "", nil); err == nil {
		t.Fatalf("expected missing id error")
	}
	if _, err := env.Runner.CreateSimulation(env.Ctx, "sim-2", "x", "04-03-2024", nil); err == nil {
		t.Fatalf("expected date format error")
	}
	if _, err := env.Runner.ImportCommuters(env.Ctx, "sim-1", []domain.Commuter{{VCID: "a", SimID: "other"}}); err == nil {
		t.Fatalf("expected foreign commuter error")
	}
}
