package routing

import (
	"context"
	"reflect"
	"testing"
	"time"

	"hiveline/internal/domain"
)

var (
	stopA = domain.Place{Name: "A", Latitude: 1, Longitude: 1}
	stopB = domain.Place{Name: "B", Latitude: 2, Longitude: 2}
	stopC = domain.Place{Name: "C", Latitude: 3, Longitude: 3}
)

func leg(from, to domain.Place, mode domain.Mode, operator string, dep, arr time.Duration) domain.Leg {
	l := domain.Leg{Origin: from, Destination: to, Mode: mode, Departure: t0.Add(dep), Arrival: t0.Add(arr)}
	if operator != "" {
		l.Operator = &domain.Operator{Name: operator}
	}
	return l
}

type query struct {
	from domain.Place
	at   time.Time
}

// scripted answers successive queries with the given journeys.
func scripted(journeys ...domain.Journey) (Client, *[]query) {
	var calls []query
	return ClientFunc(func(_ context.Context, from, _ domain.Place, at time.Time, _ []domain.Mode) ([]domain.Journey, error) {
		calls = append(calls, query{from, at})
		i := len(calls) - 1
		if i >= len(journeys) {
			i = len(journeys) - 1
		}
		return []domain.Journey{journeys[i]}, nil
	}), &calls
}

func profiles(t *testing.T, list ...domain.DelayProfile) domain.DelayProfiles {
	t.Helper()
	p, err := domain.NewDelayProfiles(list)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// fixed delays every departure by exactly the given minutes.
func fixed(name string, minutes int) domain.DelayProfile {
	return domain.DelayProfile{Operator: name, Buckets: []domain.DelayBucket{{StartMinutes: minutes, Weight: 1}, {StartMinutes: minutes + 1, Weight: 0}}}
}

func cancelled(name string) domain.DelayProfile {
	return domain.DelayProfile{Operator: name, CancelledPercent: 100}
}

func TestDelayedClientPicksFastestAndPropagatesDelay(t *testing.T) {
	slow := domain.Journey{Legs: []domain.Leg{leg(home, work, domain.ModeBus, "BVG", 0, 90*time.Minute)}}
	fast := domain.Journey{Legs: []domain.Leg{
		leg(home, stopA, domain.ModeWalking, "", 0, 5*time.Minute),
		leg(stopA, stopB, domain.ModeTrain, "S-Bahn", 10*time.Minute, 20*time.Minute),
		leg(stopB, work, domain.ModeWalking, "", 20*time.Minute, 25*time.Minute),
	}}
	base := ClientFunc(func(context.Context, domain.Place, domain.Place, time.Time, []domain.Mode) ([]domain.Journey, error) {
		return []domain.Journey{slow, fast}, nil
	})
	c := NewDelayedClient(base, profiles(t, fixed("s-bahn", 3)), 1)
	journeys, err := c.GetJourneys(context.Background(), home, work, t0, TransitModes)
	if err != nil {
		t.Fatalf("get journeys: %v", err)
	}
	legs := journeys[0].Legs
	if len(legs) != 3 {
		t.Fatalf("expected the fast journey, got %+v", legs)
	}
	if legs[0].DepartureDelay != 0 || legs[1].DepartureDelay != 180 || legs[2].ArrivalDelay != 180 {
		t.Fatalf("delays %d %d %d", legs[0].DepartureDelay, legs[1].DepartureDelay, legs[2].ArrivalDelay)
	}
	if fast.Legs[1].DepartureDelay != 0 {
		t.Fatalf("base journey mutated")
	}
}

func TestDelayedClientFallsBackToAverage(t *testing.T) {
	j := domain.Journey{Legs: []domain.Leg{leg(home, work, domain.ModeBus, "Unknown Lines", 0, 30*time.Minute)}}
	base, calls := scripted(j)
	c := NewDelayedClient(base, profiles(t, cancelled(domain.FallbackOperator)), 1)
	c.MaxQueries = 3
	_, err := c.GetJourneys(context.Background(), home, work, t0, nil)
	if !IsNoRoute(err) {
		t.Fatalf("expected no route after the query cap, got %v", err)
	}
	if len(*calls) != 3 {
		t.Fatalf("expected 3 base queries, got %d", len(*calls))
	}
}

func TestDelayedClientWithoutProfilesKeepsSchedule(t *testing.T) {
	j := domain.Journey{Legs: []domain.Leg{leg(home, work, domain.ModeBus, "BVG", 0, 30*time.Minute)}}
	base, _ := scripted(j)
	c := NewDelayedClient(base, nil, 1)
	journeys, err := c.GetJourneys(context.Background(), home, work, t0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := journeys[0].Legs[0]; got.DepartureDelay != 0 || got.Cancelled {
		t.Fatalf("unexpected annotation %+v", got)
	}
}

func TestDelayedClientReplansAfterCancellation(t *testing.T) {
	first := domain.Journey{Legs: []domain.Leg{
		leg(home, stopA, domain.ModeBus, "good", 0, 10*time.Minute),
		leg(stopA, stopB, domain.ModeWalking, "", 10*time.Minute, 15*time.Minute),
		leg(stopB, work, domain.ModeBus, "flaky", 20*time.Minute, 40*time.Minute),
	}}
	second := domain.Journey{Legs: []domain.Leg{
		leg(stopA, stopC, domain.ModeWalking, "", 12*time.Minute, 18*time.Minute),
		leg(stopC, work, domain.ModeBus, "good", 20*time.Minute, 45*time.Minute),
	}}
	base, calls := scripted(first, second)
	c := NewDelayedClient(base, profiles(t, fixed("good", 2), cancelled("flaky")), 7)
	journeys, err := c.GetJourneys(context.Background(), home, work, t0, nil)
	if err != nil {
		t.Fatalf("get journeys: %v", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("expected one replan, got %d queries", len(*calls))
	}
	replan := (*calls)[1]
	if replan.from != stopA || !replan.at.Equal(t0.Add(12*time.Minute)) {
		t.Fatalf("replan from %+v at %v", replan.from, replan.at)
	}
	legs := journeys[0].Legs
	var names []string
	for _, l := range legs {
		names = append(names, l.Origin.Name+">"+l.Destination.Name)
	}
	if !reflect.DeepEqual(names, []string{">A", "A>C", "C>"}) {
		t.Fatalf("legs %v", names)
	}
}

func TestDelayedClientReplansAfterMissedConnection(t *testing.T) {
	first := domain.Journey{Legs: []domain.Leg{
		leg(home, stopA, domain.ModeTrain, "late", 0, 10*time.Minute),
		leg(stopA, stopB, domain.ModeWalking, "", 10*time.Minute, 12*time.Minute),
		leg(stopB, work, domain.ModeBus, "punctual", 15*time.Minute, 30*time.Minute),
	}}
	second := domain.Journey{Legs: []domain.Leg{
		leg(stopA, work, domain.ModeWalking, "", 20*time.Minute, 50*time.Minute),
	}}
	base, calls := scripted(first, second)
	c := NewDelayedClient(base, profiles(t, fixed("late", 10), fixed("punctual", 0)), 3)
	journeys, err := c.GetJourneys(context.Background(), home, work, t0, nil)
	if err != nil {
		t.Fatalf("get journeys: %v", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("expected a replan, got %d queries", len(*calls))
	}
	if at := (*calls)[1].at; !at.Equal(t0.Add(20 * time.Minute)) {
		t.Fatalf("replan departure %v", at)
	}
	legs := journeys[0].Legs
	if len(legs) != 2 || legs[0].ArrivalDelay != 600 || legs[1].Mode != domain.ModeWalking {
		t.Fatalf("legs %+v", legs)
	}
}

func TestDelayedClientIsReproducible(t *testing.T) {
	j := domain.Journey{Legs: []domain.Leg{
		leg(home, stopA, domain.ModeTrain, "rb", 0, 10*time.Minute),
		leg(stopA, stopB, domain.ModeWalking, "", 10*time.Minute, 11*time.Minute),
		leg(stopB, work, domain.ModeTrain, "rb", 40*time.Minute, 60*time.Minute),
	}}
	prof := domain.DelayProfile{Operator: "rb", CancelledPercent: 10, Buckets: []domain.DelayBucket{
		{StartMinutes: 0, Weight: 0.6}, {StartMinutes: 5, Weight: 0.3}, {StartMinutes: 15, Weight: 0.1},
	}}
	run := func() []int {
		base, _ := scripted(j)
		c := NewDelayedClient(base, profiles(t, prof), 42)
		var out []int
		for i := 0; i < 20; i++ {
			journeys, err := c.GetJourneys(context.Background(), home, work, t0, nil)
			if err != nil {
				out = append(out, -1)
				continue
			}
			for _, l := range journeys[0].Legs {
				out = append(out, l.DepartureDelay)
			}
		}
		return out
	}
	a, b := run(), run()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed gave different delays:\n%v\n%v", a, b)
	}
	for _, d := range a {
		if d > 20*60 || d%60 != 0 {
			t.Fatalf("delay %d outside the profile", d)
		}
	}
}
