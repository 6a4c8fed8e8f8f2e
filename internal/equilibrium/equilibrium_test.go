package equilibrium

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"hiveline/internal/congestion"
	"hiveline/internal/domain"
)

var (
	t0     = time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	origin = domain.Place{Latitude: 48.10, Longitude: 11.50}
	dest   = domain.Place{Latitude: 48.15, Longitude: 11.58}
	usage  = "car"
)

// commuter has a transit option and a car option over the single edge 1-2.
func commuter(id string, drives bool, transit, car time.Duration) domain.RouteResult {
	tr := domain.Traveler{}
	if drives {
		tr.Vehicles = domain.Vehicles{Car: 1, Usage: &usage}
	}
	return domain.RouteResult{
		VCID:     id,
		Traveler: tr,
		Options: []domain.RouteOption{
			{RouteOptionID: id + "-transit", Journeys: []domain.Journey{{Legs: []domain.Leg{
				{Origin: origin, Destination: dest, Mode: domain.ModeTrain, Departure: t0, Arrival: t0.Add(transit)},
			}}}},
			{RouteOptionID: id + "-car", Journeys: []domain.Journey{{Legs: []domain.Leg{
				{Origin: origin, Destination: dest, Mode: domain.ModeCar, Departure: t0, Arrival: t0.Add(car), OSMNodes: []int64{1, 2}},
			}}}},
		},
	}
}

func toyModel(lanes int) congestion.Model {
	return congestion.Model{
		Edges:   congestion.NewEdgeSet([]domain.Edge{{From: 1, To: 2, Lanes: lanes, Length: 1000}}),
		Options: congestion.DefaultOptions(),
	}
}

func quiet(s *Solver) *bytes.Buffer {
	var buf bytes.Buffer
	s.Logger = log.New(&buf, "", 0)
	return &buf
}

func TestToyNetworkConvergesWithFullMixing(t *testing.T) {
	var results []domain.RouteResult
	for i := 0; i < 10; i++ {
		results = append(results, commuter(string(rune('a'+i)), i%2 == 0, 20*time.Minute, 10*time.Minute))
	}
	p := DefaultParams()
	p.MixFactor = 1
	p.VehiclesPerJourney = 0.1
	s := NewSolver(p, toyModel(2), 11)
	logs := quiet(s)
	res, err := s.Solve(context.Background(), results)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !res.Converged || res.Iterations > 2 {
		t.Fatalf("expected convergence within 2 iterations, got %+v", res)
	}
	if math.Abs(res.ModalShare-0.5) > 1e-9 {
		t.Fatalf("half of the commuters drive, share %v", res.ModalShare)
	}
	if res.Stats.CarPassengers != 5 || res.Stats.RailPassengers != 5 {
		t.Fatalf("stats %+v", res.Stats)
	}
	if !strings.Contains(logs.String(), "iteration 2") {
		t.Fatalf("iterations not logged: %q", logs.String())
	}
}

func TestIdenticalTravelersConvergeWithFullMixing(t *testing.T) {
	for _, initial := range []float64{0, 0.5, 1} {
		var results []domain.RouteResult
		for i := 0; i < 10; i++ {
			results = append(results, commuter(string(rune('a'+i)), true, 20*time.Minute, 10*time.Minute))
		}
		p := DefaultParams()
		p.MixFactor = 1
		p.InitialCarUsage = initial
		p.VehiclesPerJourney = 0.1
		s := NewSolver(p, toyModel(2), 3)
		quiet(s)
		res, err := s.Solve(context.Background(), results)
		if err != nil {
			t.Fatalf("solve: %v", err)
		}
		if !res.Converged || res.Iterations > 2 {
			t.Fatalf("initial usage %v: expected convergence within 2 iterations, got %+v", initial, res)
		}
		if res.ModalShare != 0 || res.Stats.CarPassengers != 10 {
			t.Fatalf("initial usage %v: everyone should drive, got share %v stats %+v", initial, res.ModalShare, res.Stats)
		}
	}
}

func TestToyNetworkConvergesWithDampedMixing(t *testing.T) {
	var results []domain.RouteResult
	for i := 0; i < 10; i++ {
		results = append(results, commuter(string(rune('a'+i)), true, 10*time.Minute+time.Duration(i)*time.Minute, 10*time.Minute))
	}
	p := DefaultParams()
	p.MixFactor = 0.3
	p.VehiclesPerJourney = 0.2
	s := NewSolver(p, toyModel(2), 5)
	quiet(s)
	res, err := s.Solve(context.Background(), results)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !res.Converged || res.Iterations > p.MaxIterations {
		t.Fatalf("no convergence: %+v", res)
	}
	n := len(res.History)
	if n < 2 || math.Abs(res.History[n-1]-res.History[n-2]) >= p.Epsilon {
		t.Fatalf("last step outside the epsilon band: %v", res.History)
	}
	// ties go to the first option, so the commuter without a time gain rides transit
	if res.Stats.CarPassengers != 9 {
		t.Fatalf("stats %+v", res.Stats)
	}
}

func TestOscillationHitsIterationCap(t *testing.T) {
	// a single driver makes the one lane road three times slower
	results := []domain.RouteResult{commuter("solo", true, 15*time.Minute, 10*time.Minute)}
	p := DefaultParams()
	p.MixFactor = 1
	p.InitialCarUsage = 1
	p.VehiclesPerJourney = 3
	p.MaxIterations = 7
	s := NewSolver(p, toyModel(1), 1)
	quiet(s)
	res, err := s.Solve(context.Background(), results)
	if err != nil {
		t.Fatalf("non convergence must not be an error: %v", err)
	}
	if res.Converged || res.Iterations != 7 || len(res.History) != 7 {
		t.Fatalf("expected the cap, got %+v", res)
	}
	if res.History[0] != 1 || res.History[1] != 0 {
		t.Fatalf("expected alternating shares, got %v", res.History)
	}
}

func TestDecide(t *testing.T) {
	s := &Solver{Params: DefaultParams(), Rand: rand.New(rand.NewSource(1))}
	driver := commuter("d", true, 20*time.Minute, 10*time.Minute)
	if opt, ok := s.Decide(driver, nil); !ok || !opt.UsesCar() {
		t.Fatalf("driver should take the faster car: %+v", opt)
	}
	delays := map[string]time.Duration{"d-car": 15 * time.Minute}
	if opt, _ := s.Decide(driver, delays); opt.UsesCar() {
		t.Fatalf("congestion delay should push the driver to transit")
	}

	walker := commuter("w", false, 20*time.Minute, 10*time.Minute)
	if opt, _ := s.Decide(walker, nil); opt.UsesCar() {
		t.Fatalf("commuter without car usage must not drive")
	}
	s.Params.CarOwnershipOverride = 1
	if opt, _ := s.Decide(walker, nil); !opt.UsesCar() {
		t.Fatalf("ownership override should hand out a car")
	}

	owner := commuter("o", false, 20*time.Minute, 10*time.Minute)
	owner.Traveler.Vehicles.Car = 1
	s.Params.CarOwnershipOverride = 0
	if opt, _ := s.Decide(owner, nil); opt.UsesCar() {
		t.Fatalf("owner without usage should not drive")
	}
	s.Params.CarUsageOverride = 1
	if opt, _ := s.Decide(owner, nil); !opt.UsesCar() {
		t.Fatalf("usage override should make the owner drive")
	}

	if _, ok := s.Decide(domain.RouteResult{VCID: "none"}, nil); ok {
		t.Fatalf("no options should give no choice")
	}
}

func TestVehiclesPer(t *testing.T) {
	p := Params{NumCitizens: 1000, VehicleFactor: 0.5}
	if got := p.VehiclesPer(100); got != 5 {
		t.Fatalf("vehicles per journey %v", got)
	}
	p.VehiclesPerJourney = 2
	if got := p.VehiclesPer(100); got != 2 {
		t.Fatalf("override ignored: %v", got)
	}
	if got := (Params{}).VehiclesPer(0); got != 0 {
		t.Fatalf("empty simulation: %v", got)
	}
}

func TestSolveHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewSolver(DefaultParams(), toyModel(2), 1)
	quiet(s)
	if _, err := s.Solve(ctx, []domain.RouteResult{commuter("a", true, time.Minute, time.Minute)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
