package congestion

import (
	"math"
	"testing"
	"time"

	"hiveline/internal/domain"
)

var t0 = time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)

func carResult(vc string, planned time.Duration, nodes ...int64) domain.RouteResult {
	return domain.RouteResult{
		VCID: vc,
		Options: []domain.RouteOption{
			{RouteOptionID: vc + "-transit", Journeys: []domain.Journey{{Legs: []domain.Leg{
				{Mode: domain.ModeBus, Departure: t0, Arrival: t0.Add(planned * 2)},
			}}}},
			{RouteOptionID: vc + "-car", Journeys: []domain.Journey{{Legs: []domain.Leg{
				{Mode: domain.ModeCar, Departure: t0, Arrival: t0.Add(planned), OSMNodes: nodes},
			}}}},
		},
	}
}

func TestUsageIsUndirectedAndScaled(t *testing.T) {
	results := []domain.RouteResult{
		carResult("a", time.Minute, 1, 2, 3),
		carResult("b", time.Minute, 3, 2),
		carResult("c", time.Minute, 1, 2),
	}
	usage := Usage(results, []bool{true, true, false}, 2.5)
	if got := usage[domain.NewEdgeKey(2, 3)]; got != 5 {
		t.Fatalf("edge 2-3 usage %v", got)
	}
	if got := usage[domain.NewEdgeKey(1, 2)]; got != 2.5 {
		t.Fatalf("edge 1-2 usage %v", got)
	}
	if len(Usage(results, []bool{false, false, false}, 2.5)) != 0 {
		t.Fatalf("no adopted routes should give no usage")
	}
	if all := Usage(results, nil, 1); all[domain.NewEdgeKey(1, 2)] != 2 {
		t.Fatalf("nil mask should adopt everyone: %v", all)
	}
}

func TestCongestionSpeedFactors(t *testing.T) {
	edges := NewEdgeSet([]domain.Edge{{From: 2, To: 1, Lanes: 4, Length: 100}, {From: 2, To: 3, Length: 100}})
	usage := EdgeUsage{
		domain.NewEdgeKey(1, 2): 8,
		domain.NewEdgeKey(2, 3): 1,
		domain.NewEdgeKey(3, 4): 0,
	}
	set := Congestion(usage, edges, 2)
	if set[domain.NewEdgeKey(1, 2)] != 0.5 {
		t.Fatalf("4 lanes, 8 vehicles: %v", set[domain.NewEdgeKey(1, 2)])
	}
	if set[domain.NewEdgeKey(2, 3)] != 1 {
		t.Fatalf("light traffic must not speed up: %v", set[domain.NewEdgeKey(2, 3)])
	}
	if set[domain.NewEdgeKey(3, 4)] != 1 {
		t.Fatalf("zero usage is free flow: %v", set[domain.NewEdgeKey(3, 4)])
	}
	if set.Factor(domain.NewEdgeKey(7, 8)) != 1 {
		t.Fatalf("unused edge should be free flow")
	}
}

func TestCongestionIsMonotonic(t *testing.T) {
	edges := NewEdgeSet([]domain.Edge{{From: 1, To: 2, Lanes: 2, Length: 1000}})
	k := domain.NewEdgeKey(1, 2)
	prev := 2.0
	for u := 0.0; u <= 50; u += 0.5 {
		f := Congestion(EdgeUsage{k: u}, edges, 2)[k]
		if f > prev || f <= 0 || f > 1 {
			t.Fatalf("speed factor %v at usage %v after %v", f, u, prev)
		}
		prev = f
	}
}

func TestLegDelayWorkedExample(t *testing.T) {
	edges := NewEdgeSet([]domain.Edge{{From: 1, To: 2, Lanes: 2, Length: 1000}})
	set := Congestion(EdgeUsage{domain.NewEdgeKey(1, 2): 4}, edges, 2)
	leg := domain.Leg{Mode: domain.ModeCar, Departure: t0, Arrival: t0.Add(100 * time.Second), OSMNodes: []int64{2, 1}}
	if d := LegDelay(leg, domain.Traveler{}, edges, set, DefaultOptions()); d != 100*time.Second {
		t.Fatalf("expected 100s delay, got %v", d)
	}
	biker := domain.Traveler{Vehicles: domain.Vehicles{Moto: 1}}
	if d := LegDelay(leg, biker, edges, set, DefaultOptions()); math.Abs(d.Seconds()-100*(1/0.7-1)) > 1e-6 {
		t.Fatalf("motorcycle floor not applied: %v", d)
	}
}

func TestSpeedFactorIsLengthWeighted(t *testing.T) {
	edges := NewEdgeSet([]domain.Edge{{From: 1, To: 2, Length: 300}, {From: 2, To: 3, Length: 100}})
	set := Set{domain.NewEdgeKey(2, 3): 0.2}
	if f := SpeedFactor([]int64{1, 2, 3}, edges, set); math.Abs(f-0.8) > 1e-9 {
		t.Fatalf("weighted factor %v", f)
	}
	// unknown edges weigh one meter at free flow
	if f := SpeedFactor([]int64{3, 2, 9}, edges, set); math.Abs(f-(100*0.2+1)/101) > 1e-9 {
		t.Fatalf("unknown edge factor %v", f)
	}
}

func TestModelEvaluate(t *testing.T) {
	results := []domain.RouteResult{
		carResult("a", 10*time.Minute, 1, 2),
		carResult("b", 10*time.Minute, 1, 2),
	}
	m := Model{Edges: NewEdgeSet([]domain.Edge{{From: 1, To: 2, Lanes: 1, Length: 500}}), Options: DefaultOptions()}
	set, delays := m.Evaluate(results, []bool{true, true}, 1)
	if set[domain.NewEdgeKey(1, 2)] != 0.5 {
		t.Fatalf("set %v", set)
	}
	if delays["a-car"] != 10*time.Minute || delays["b-car"] != 10*time.Minute {
		t.Fatalf("delays %v", delays)
	}
	if _, ok := delays["a-transit"]; ok {
		t.Fatalf("transit option without street path got a delay")
	}
	_, delays = m.Evaluate(results, []bool{true, false}, 1)
	if delays["a-car"] != 0 {
		t.Fatalf("single car on a one lane road should flow freely: %v", delays)
	}
}

func TestOnlyCarLegsLoadTheStreets(t *testing.T) {
	walked := func(vc string) domain.RouteResult {
		r := carResult(vc, 10*time.Minute, 1, 2)
		r.Options[0].Journeys[0].Legs = append([]domain.Leg{
			{Mode: domain.ModeWalking, Departure: t0, Arrival: t0.Add(10 * time.Minute), OSMNodes: []int64{7, 8}},
		}, r.Options[0].Journeys[0].Legs...)
		return r
	}
	results := []domain.RouteResult{walked("a"), walked("b"), walked("c"), walked("d")}
	usage := Usage(results, nil, 4)
	if got := usage[domain.NewEdgeKey(7, 8)]; got != 0 {
		t.Fatalf("walking edge 7-8 usage %v", got)
	}
	if got := usage[domain.NewEdgeKey(1, 2)]; got != 16 {
		t.Fatalf("car edge 1-2 usage %v", got)
	}
	routes := CarRoutes(results, nil)
	if len(routes) != 4 || routes[0].OptionID != "a-car" {
		t.Fatalf("routes %+v", routes)
	}

	m := Model{Edges: NewEdgeSet([]domain.Edge{{From: 1, To: 2, Lanes: 1}, {From: 7, To: 8, Lanes: 1}}), Options: DefaultOptions()}
	_, delays := m.Evaluate(results[:2], nil, 1)
	if _, ok := delays["a-transit"]; ok {
		t.Fatalf("walking leg got a congestion delay: %v", delays)
	}
	if delays["a-car"] != 10*time.Minute {
		t.Fatalf("car delay %v", delays["a-car"])
	}
}
