package domain

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"hiveline/internal/spatial"
)

// Mode is a leg mode in the friendly public transport format vocabulary.
type Mode string

const (
	ModeTrain      Mode = "train"
	ModeBus        Mode = "bus"
	ModeWatercraft Mode = "watercraft"
	ModeTaxi       Mode = "taxi"
	ModeGondola    Mode = "gondola"
	ModeAircraft   Mode = "aircraft"
	ModeCar        Mode = "car"
	ModeBicycle    Mode = "bicycle"
	ModeWalking    Mode = "walking"
)

// TimeDependent reports whether the mode runs on a schedule and can be delayed or cancelled.
func (m Mode) TimeDependent() bool {
	switch m {
	case ModeTrain, ModeBus, ModeWatercraft, ModeAircraft, ModeGondola:
		return true
	}
	return false
}

type Place struct {
	Type      string  `json:"type,omitempty"`
	ID        string  `json:"id,omitempty"`
	Name      string  `json:"name,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Stopover struct {
	Stop           Place      `json:"stop"`
	Arrival        *time.Time `json:"arrival,omitempty"`
	Departure      *time.Time `json:"departure,omitempty"`
	ArrivalDelay   int        `json:"arrivalDelay,omitempty"`
	DepartureDelay int        `json:"departureDelay,omitempty"`
}

type Line struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Mode Mode   `json:"mode,omitempty"`
}

type Operator struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Leg is one uninterrupted segment on a single mode. Delays are in seconds.
type Leg struct {
	Origin         Place          `json:"origin"`
	Destination    Place          `json:"destination"`
	Departure      time.Time      `json:"departure"`
	Arrival        time.Time      `json:"arrival"`
	DepartureDelay int            `json:"departureDelay,omitempty"`
	ArrivalDelay   int            `json:"arrivalDelay,omitempty"`
	Cancelled      bool           `json:"cancelled,omitempty"`
	Mode           Mode           `json:"mode"`
	SubMode        string         `json:"subMode,omitempty"`
	Line           *Line          `json:"line,omitempty"`
	Operator       *Operator      `json:"operator,omitempty"`
	Stopovers      []Stopover     `json:"stopovers,omitempty"`
	Geometry       orb.LineString `json:"geometry,omitempty"`
	OSMNodes       []int64        `json:"osm_nodes,omitempty"`
}

func (l Leg) Duration() time.Duration {
	return l.Arrival.Sub(l.Departure)
}

func (l Leg) RealDeparture() time.Time {
	return l.Departure.Add(time.Duration(l.DepartureDelay) * time.Second)
}

func (l Leg) RealArrival() time.Time {
	return l.Arrival.Add(time.Duration(l.ArrivalDelay) * time.Second)
}

// Distance returns the travelled distance in meters. The decoded geometry is
// preferred; without it the distance runs through origin, stopovers and destination.
func (l Leg) Distance() float64 {
	if len(l.Geometry) > 1 {
		return geo.Length(l.Geometry)
	}
	points := make([][2]float64, 0, len(l.Stopovers)+2)
	points = append(points, [2]float64{l.Origin.Latitude, l.Origin.Longitude})
	for _, s := range l.Stopovers {
		points = append(points, [2]float64{s.Stop.Latitude, s.Stop.Longitude})
	}
	points = append(points, [2]float64{l.Destination.Latitude, l.Destination.Longitude})
	return spatial.PathDistance(points)
}

type Journey struct {
	ID   string `json:"id,omitempty"`
	Legs []Leg  `json:"legs"`
}

func (j Journey) Departure() time.Time {
	if len(j.Legs) == 0 {
		return time.Time{}
	}
	return j.Legs[0].Departure
}

func (j Journey) Arrival() time.Time {
	if len(j.Legs) == 0 {
		return time.Time{}
	}
	return j.Legs[len(j.Legs)-1].Arrival
}

// Duration is the planned door to door duration.
func (j Journey) Duration() time.Duration {
	return j.Arrival().Sub(j.Departure())
}

// UsesCar reports whether the journey drives a private car. Taxi legs do not
// count, matching ModalStats.
func (j Journey) UsesCar() bool {
	for _, l := range j.Legs {
		if l.Mode == ModeCar {
			return true
		}
	}
	return false
}

// Fastest returns the index of the journey with the shortest duration, or -1.
func Fastest(journeys []Journey) int {
	best := -1
	for i, j := range journeys {
		if len(j.Legs) == 0 {
			continue
		}
		if best < 0 || j.Duration() < journeys[best].Duration() {
			best = i
		}
	}
	return best
}
