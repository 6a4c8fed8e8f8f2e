package spatial

import (
	"math"
	"testing"
)

func TestHaversineDistance(t *testing.T) {
	// one degree of latitude is roughly 111.2 km
	d := HaversineDistance(48.0, 2.0, 49.0, 2.0)
	if math.Abs(d-111195) > 200 {
		t.Fatalf("unexpected distance %f", d)
	}
	if HaversineDistance(48.85, 2.35, 48.85, 2.35) != 0 {
		t.Fatalf("expected zero distance for identical points")
	}
}

func TestPathDistance(t *testing.T) {
	path := [][2]float64{{48.0, 2.0}, {48.5, 2.0}, {49.0, 2.0}}
	direct := HaversineDistance(48.0, 2.0, 49.0, 2.0)
	if got := PathDistance(path); math.Abs(got-direct) > 1 {
		t.Fatalf("path %f != direct %f", got, direct)
	}
	if PathDistance(path[:1]) != 0 {
		t.Fatalf("single point path should be zero")
	}
}
