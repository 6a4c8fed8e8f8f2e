package routing

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"hiveline/internal/domain"
)

const DefaultMaxQueries = 20

// DelayedClient decorates a Client with sampled operator delays and
// cancellations. When a connection is cancelled or can no longer be caught
// the rest of the trip is planned again from where the traveler stands.
type DelayedClient struct {
	Base       Client
	Profiles   domain.DelayProfiles
	MaxQueries int

	mu   sync.Mutex
	rand *rand.Rand
}

// NewDelayedClient seeds the delay sampler. A zero seed picks one from the clock.
func NewDelayedClient(base Client, profiles domain.DelayProfiles, seed int64) *DelayedClient {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DelayedClient{
		Base:       base,
		Profiles:   profiles,
		MaxQueries: DefaultMaxQueries,
		rand:       rand.New(rand.NewSource(seed)),
	}
}

func (c *DelayedClient) GetJourneys(ctx context.Context, from, to domain.Place, departure time.Time, modes []domain.Mode) ([]domain.Journey, error) {
	const op = "delayed route"
	limit := c.MaxQueries
	if limit <= 0 {
		limit = DefaultMaxQueries
	}
	journey, err := c.fastest(ctx, from, to, departure, modes)
	if err != nil {
		return nil, err
	}
	queries := 1
	var done []domain.Leg
	for {
		legs := append([]domain.Leg(nil), journey.Legs...)
		kept, ok := c.walk(legs)
		if ok {
			done = append(done, legs...)
			return []domain.Journey{{Legs: done}}, nil
		}
		done = append(done, legs[:kept]...)

		pos, at := legs[0].Origin, legs[0].Departure
		if kept > 0 {
			last := legs[kept-1]
			pos, at = last.Destination, last.RealArrival()
		}
		if queries >= limit {
			return nil, &Error{Kind: KindNoRoute, Op: op, Err: fmt.Errorf("%w after %d queries", ErrNoRoute, queries)}
		}
		journey, err = c.fastest(ctx, pos, to, at, modes)
		queries++
		if err != nil {
			return nil, err
		}
	}
}

func (c *DelayedClient) fastest(ctx context.Context, from, to domain.Place, departure time.Time, modes []domain.Mode) (domain.Journey, error) {
	journeys, err := c.Base.GetJourneys(ctx, from, to, departure, modes)
	if err != nil {
		return domain.Journey{}, err
	}
	i := domain.Fastest(journeys)
	if i < 0 {
		return domain.Journey{}, noRoute("delayed route")
	}
	return journeys[i], nil
}

// walk annotates legs with sampled delays. It returns true when every
// connection is caught; otherwise it returns the number of legs to keep,
// which stops before the walk leading to the failed connection.
func (c *DelayedClient) walk(legs []domain.Leg) (int, bool) {
	n := len(legs)
	steps := 0
	delay := 0
	for steps < n {
		start := steps
		for steps < n {
			legs[steps].DepartureDelay = delay
			legs[steps].ArrivalDelay = delay
			if legs[steps].Mode.TimeDependent() {
				break
			}
			steps++
		}
		if steps >= n {
			return n, true
		}

		readyAt := legs[0].Departure
		if steps > 0 {
			readyAt = legs[steps-1].RealArrival()
		}
		leg := &legs[steps]
		cancelled, minutes := c.sample(operatorName(leg))
		if cancelled {
			return start, false
		}
		d := minutes * 60
		if leg.Departure.Add(time.Duration(d) * time.Second).Before(readyAt) {
			return start, false
		}
		delay = d
		leg.DepartureDelay = d
		leg.ArrivalDelay = d
		steps++
	}
	return n, true
}

func operatorName(l *domain.Leg) string {
	if l.Operator == nil {
		return ""
	}
	return l.Operator.Name
}

// sample draws a cancellation or a delay in whole minutes.
func (c *DelayedClient) sample(operator string) (bool, int) {
	prof, ok := c.Profiles.For(operator)
	if !ok {
		return false, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rand == nil {
		c.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.rand.Float64()*100 < prof.CancelledPercent {
		return true, 0
	}
	total := 0.0
	for _, b := range prof.Buckets {
		total += b.Weight
	}
	if total <= 0 {
		return false, 0
	}
	r := c.rand.Float64() * total
	i := 0
	for ; i < len(prof.Buckets)-1; i++ {
		r -= prof.Buckets[i].Weight
		if r < 0 {
			break
		}
	}
	lo := prof.Buckets[i].StartMinutes
	hi := lo + 5
	if i+1 < len(prof.Buckets) {
		hi = prof.Buckets[i+1].StartMinutes
	}
	if hi <= lo {
		return false, lo
	}
	return false, lo + c.rand.Intn(hi-lo)
}
