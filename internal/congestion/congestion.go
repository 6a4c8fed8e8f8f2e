// Package congestion turns the car trips of a simulation into per edge speed
// factors and the resulting travel time penalties.
package congestion

import (
	"time"

	"hiveline/internal/domain"
)

const (
	DefaultLanes          = 2
	MaxMotorcycleSlowdown = 0.7
)

// EdgeSet holds street edge metadata keyed by undirected edge.
type EdgeSet map[domain.EdgeKey]domain.Edge

func NewEdgeSet(edges []domain.Edge) EdgeSet {
	set := make(EdgeSet, len(edges))
	for _, e := range edges {
		set[e.Key()] = e
	}
	return set
}

// EdgeUsage is the number of vehicles per edge.
type EdgeUsage map[domain.EdgeKey]float64

// Set maps edges to speed factors in (0,1]. Edges without traffic are absent.
type Set map[domain.EdgeKey]float64

// Factor returns the speed factor of an edge, 1 when it carries no traffic.
func (s Set) Factor(k domain.EdgeKey) float64 {
	if f, ok := s[k]; ok {
		return f
	}
	return 1
}

type Options struct {
	DefaultLanes          int
	MaxMotorcycleSlowdown float64
}

func DefaultOptions() Options {
	return Options{DefaultLanes: DefaultLanes, MaxMotorcycleSlowdown: MaxMotorcycleSlowdown}
}

func (o Options) lanes() int {
	if o.DefaultLanes <= 0 {
		return DefaultLanes
	}
	return o.DefaultLanes
}

// CarRoute is the street path of one commuter's car option.
type CarRoute struct {
	VCID     string
	OptionID string
	Paths    [][]int64
	Weight   float64
}

// CarRoutes collects, for every adopted result, the street paths of the car
// legs of its car option. A nil mask adopts every result.
func CarRoutes(results []domain.RouteResult, mask []bool) []CarRoute {
	var routes []CarRoute
	for i, r := range results {
		if mask != nil && (i >= len(mask) || !mask[i]) {
			continue
		}
		if route, ok := carRoute(r); ok {
			routes = append(routes, route)
		}
	}
	return routes
}

func carRoute(r domain.RouteResult) (CarRoute, bool) {
	for _, opt := range r.Options {
		if !opt.UsesCar() {
			continue
		}
		j, _ := opt.Fastest()
		paths := carPaths(j)
		if len(paths) > 0 {
			return CarRoute{VCID: r.VCID, OptionID: opt.RouteOptionID, Paths: paths, Weight: 1}, true
		}
	}
	return CarRoute{}, false
}

// carPaths returns the node paths of the street annotated car legs.
func carPaths(j domain.Journey) [][]int64 {
	var paths [][]int64
	for _, l := range j.Legs {
		if l.Mode == domain.ModeCar && len(l.OSMNodes) > 1 {
			paths = append(paths, l.OSMNodes)
		}
	}
	return paths
}

// Usage accumulates edge traversals of the adopted car routes, rescaled so
// that every route stands for vehiclesPerJourney vehicles.
func Usage(results []domain.RouteResult, mask []bool, vehiclesPerJourney float64) EdgeUsage {
	routes := CarRoutes(results, mask)
	total := 0.0
	for _, r := range routes {
		total += r.Weight
	}
	factor := 0.0
	if total > 0 {
		factor = float64(len(routes)) * vehiclesPerJourney / total
	}
	usage := EdgeUsage{}
	for _, r := range routes {
		for _, path := range r.Paths {
			for i := 0; i+1 < len(path); i++ {
				usage[domain.NewEdgeKey(path[i], path[i+1])] += r.Weight * factor
			}
		}
	}
	return usage
}

// Congestion converts usage into speed factors using the lane count of
// every edge as its capacity.
func Congestion(usage EdgeUsage, edges EdgeSet, defaultLanes int) Set {
	if defaultLanes <= 0 {
		defaultLanes = DefaultLanes
	}
	set := make(Set, len(usage))
	for k, u := range usage {
		lanes := defaultLanes
		if e, ok := edges[k]; ok && e.Lanes > 0 {
			lanes = e.Lanes
		}
		roadUsage := u / float64(lanes)
		if roadUsage == 0 {
			roadUsage = 1
		}
		f := 1 / roadUsage
		if f > 1 {
			f = 1
		}
		set[k] = f
	}
	return set
}

// SpeedFactor is the length weighted speed factor along a node path. Edges
// of unknown length weigh one meter.
func SpeedFactor(nodes []int64, edges EdgeSet, set Set) float64 {
	var total, weighted float64
	for i := 0; i+1 < len(nodes); i++ {
		k := domain.NewEdgeKey(nodes[i], nodes[i+1])
		length := 1.0
		if e, ok := edges[k]; ok && e.Length > 0 {
			length = e.Length
		}
		total += length
		weighted += length * set.Factor(k)
	}
	if total == 0 {
		return 1
	}
	return weighted / total
}

// LegDelay is the extra travel time congestion adds to a leg. Motorcycle
// owners slow down to at most MaxMotorcycleSlowdown.
func LegDelay(leg domain.Leg, traveler domain.Traveler, edges EdgeSet, set Set, opts Options) time.Duration {
	if len(leg.OSMNodes) < 2 {
		return 0
	}
	f := SpeedFactor(leg.OSMNodes, edges, set)
	if traveler.HasMotorcycle() && opts.MaxMotorcycleSlowdown > 0 && f < opts.MaxMotorcycleSlowdown {
		f = opts.MaxMotorcycleSlowdown
	}
	if f <= 0 || f >= 1 {
		return 0
	}
	planned := leg.Duration()
	actual := time.Duration(float64(planned) / f)
	return actual - planned
}

// DelaySet returns the congestion delay of every option with a street
// annotated car leg, keyed by route option id. Other legs never queue.
func DelaySet(results []domain.RouteResult, edges EdgeSet, set Set, opts Options) map[string]time.Duration {
	delays := map[string]time.Duration{}
	for _, r := range results {
		for _, opt := range r.Options {
			if d, ok := optionDelay(opt, r.Traveler, edges, set, opts); ok {
				delays[opt.RouteOptionID] = d
			}
		}
	}
	return delays
}

func optionDelay(opt domain.RouteOption, t domain.Traveler, edges EdgeSet, set Set, opts Options) (time.Duration, bool) {
	for _, j := range opt.Journeys {
		var d time.Duration
		found := false
		for _, l := range j.Legs {
			if l.Mode != domain.ModeCar || len(l.OSMNodes) < 2 {
				continue
			}
			found = true
			d += LegDelay(l, t, edges, set, opts)
		}
		if found {
			return d, true
		}
	}
	return 0, false
}

// Model bundles the street network with the congestion options.
type Model struct {
	Edges   EdgeSet
	Options Options
}

// Evaluate computes the congestion set for a mask and the delay of every option.
func (m Model) Evaluate(results []domain.RouteResult, mask []bool, vehiclesPerJourney float64) (Set, map[string]time.Duration) {
	set := Congestion(Usage(results, mask, vehiclesPerJourney), m.Edges, m.Options.lanes())
	return set, DelaySet(results, m.Edges, set, m.Options)
}
