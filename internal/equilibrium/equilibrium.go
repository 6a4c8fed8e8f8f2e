// Package equilibrium iterates mode choice against road congestion until the
// transit modal share settles.
package equilibrium

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"hiveline/internal/config"
	"hiveline/internal/congestion"
	"hiveline/internal/domain"
)

type Params struct {
	NumCitizens   float64
	VehicleFactor float64
	// VehiclesPerJourney overrides the value derived from NumCitizens and
	// VehicleFactor when positive.
	VehiclesPerJourney   float64
	InitialCarUsage      float64
	MixFactor            float64
	MaxIterations        int
	Epsilon              float64
	CarOwnershipOverride float64
	CarUsageOverride     float64
}

func DefaultParams() Params {
	return Params{
		NumCitizens:     2000000,
		VehicleFactor:   0.00007,
		InitialCarUsage: 0.5,
		MixFactor:       0.1,
		MaxIterations:   100,
		Epsilon:         0.001,
	}
}

// ParamsFromConfig reads solver parameters from the workspace config.
func ParamsFromConfig(cfg *config.Config) Params {
	eq := cfg.Equilibrium
	return Params{
		NumCitizens:          eq.NumCitizens,
		VehicleFactor:        eq.VehicleFactor,
		VehiclesPerJourney:   cfg.Congestion.VehiclesPerJourney,
		InitialCarUsage:      eq.InitialCarUsage,
		MixFactor:            eq.MixFactor,
		MaxIterations:        eq.MaxIterations,
		Epsilon:              eq.Epsilon,
		CarOwnershipOverride: eq.CarOwnershipOverride,
		CarUsageOverride:     eq.CarUsageOverride,
	}
}

// VehiclesPer returns how many real vehicles one simulated commuter stands for.
func (p Params) VehiclesPer(results int) float64 {
	if p.VehiclesPerJourney > 0 {
		return p.VehiclesPerJourney
	}
	if results == 0 {
		return 0
	}
	return p.VehicleFactor * p.NumCitizens / float64(results)
}

type Result struct {
	ModalShare float64
	Stats      domain.ModalStats
	Congestion congestion.Set
	Iterations int
	Converged  bool
	// Mask is the car adoption that produced Congestion.
	Mask    []bool
	History []float64
}

// Solver is single threaded; Rand is not guarded.
type Solver struct {
	Params Params
	Model  congestion.Model
	Rand   *rand.Rand
	Logger *log.Logger
}

// NewSolver seeds the solver. A zero seed picks one from the clock.
func NewSolver(p Params, m congestion.Model, seed int64) *Solver {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Solver{Params: p, Model: m, Rand: rand.New(rand.NewSource(seed))}
}

func (s *Solver) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Solver) rand() *rand.Rand {
	if s.Rand == nil {
		s.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s.Rand
}

// Decide picks the option a traveler takes given the congestion delays.
// Car options are only open to travelers who would drive. It returns false
// when no option is left.
func (s *Solver) Decide(r domain.RouteResult, delays map[string]time.Duration) (domain.RouteOption, bool) {
	rng := s.rand()
	wouldUse := r.Traveler.WouldUseCar()
	hasCar := r.Traveler.HasMotorVehicle()
	if !hasCar && rng.Float64() < s.Params.CarOwnershipOverride {
		hasCar = true
		wouldUse = true
	}
	if !wouldUse && hasCar && rng.Float64() < s.Params.CarUsageOverride {
		wouldUse = true
	}
	best := -1
	var bestCost time.Duration
	for i, opt := range r.Options {
		if _, ok := opt.Fastest(); !ok {
			continue
		}
		if !wouldUse && opt.UsesCar() {
			continue
		}
		cost := opt.Duration() + delays[opt.RouteOptionID]
		if best < 0 || cost < bestCost {
			best, bestCost = i, cost
		}
	}
	if best < 0 {
		return domain.RouteOption{}, false
	}
	return r.Options[best], true
}

// Solve runs the damped fixed point iteration. Reaching the iteration cap
// is not an error; Converged reports whether the share settled.
func (s *Solver) Solve(ctx context.Context, results []domain.RouteResult) (Result, error) {
	p := s.Params
	if p.MaxIterations <= 0 {
		p.MaxIterations = DefaultParams().MaxIterations
	}
	if p.Epsilon <= 0 {
		p.Epsilon = DefaultParams().Epsilon
	}
	rng := s.rand()
	vehicles := p.VehiclesPer(len(results))
	s.logger().Printf("equilibrium: %d commuters, %.4f vehicles per journey", len(results), vehicles)

	mask := make([]bool, len(results))
	for i := range mask {
		mask[i] = rng.Float64() < p.InitialCarUsage
	}
	next := make([]bool, len(results))

	var res Result
	prev := math.NaN()
	for it := 1; ; it++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		set, delays := s.Model.Evaluate(results, mask, vehicles)

		var stats domain.ModalStats
		for i, r := range results {
			opt, ok := s.Decide(r, delays)
			next[i] = ok && opt.UsesCar()
			if !ok {
				continue
			}
			if j, ok := opt.Fastest(); ok {
				stats.AddJourney(j, 1)
			}
		}
		share := stats.TransitModalShare()
		s.logger().Printf("equilibrium: iteration %d transit modal share %.2f%%", it, share*100)

		res = Result{
			ModalShare: share,
			Stats:      stats,
			Congestion: set,
			Iterations: it,
			Mask:       append([]bool(nil), mask...),
			History:    append(res.History, share),
		}
		if it > 1 && math.Abs(share-prev) < p.Epsilon {
			res.Converged = true
			return res, nil
		}
		if it >= p.MaxIterations {
			s.logger().Printf("equilibrium: no convergence after %d iterations", it)
			return res, nil
		}
		prev = share
		for i := range mask {
			if rng.Float64() < p.MixFactor {
				mask[i] = next[i]
			}
		}
	}
}

// Summary renders a one line description of a result.
func (r Result) Summary() string {
	state := "converged"
	if !r.Converged {
		state = "not converged"
	}
	return fmt.Sprintf("transit modal share %.2f%% after %d iterations (%s)", r.ModalShare*100, r.Iterations, state)
}
