package domain

// ModalStats accumulates distance and passenger counts per mode group.
// Passengers are counted per leg, so a journey with two bus legs adds two
// bus passengers.
type ModalStats struct {
	CarMeters      float64 `json:"car_meters"`
	RailMeters     float64 `json:"rail_meters"`
	BusMeters      float64 `json:"bus_meters"`
	WalkMeters     float64 `json:"walk_meters"`
	CarPassengers  float64 `json:"car_passengers"`
	RailPassengers float64 `json:"rail_passengers"`
	BusPassengers  float64 `json:"bus_passengers"`
	Walkers        float64 `json:"walkers"`
}

// AddJourney adds the legs of one chosen journey with the given passenger weight.
// Bicycle and taxi legs are not counted.
func (s *ModalStats) AddJourney(j Journey, passengers float64) {
	for _, l := range j.Legs {
		d := l.Distance() * passengers
		switch l.Mode {
		case ModeCar:
			s.CarMeters += d
			s.CarPassengers += passengers
		case ModeBus:
			s.BusMeters += d
			s.BusPassengers += passengers
		case ModeTrain, ModeGondola, ModeWatercraft, ModeAircraft:
			s.RailMeters += d
			s.RailPassengers += passengers
		case ModeWalking:
			s.WalkMeters += d
			s.Walkers += passengers
		}
	}
}

func (s *ModalStats) Merge(o ModalStats) {
	s.CarMeters += o.CarMeters
	s.RailMeters += o.RailMeters
	s.BusMeters += o.BusMeters
	s.WalkMeters += o.WalkMeters
	s.CarPassengers += o.CarPassengers
	s.RailPassengers += o.RailPassengers
	s.BusPassengers += o.BusPassengers
	s.Walkers += o.Walkers
}

// TransitModalShare is transit passenger meters over car plus transit
// passenger meters, where passenger meters of a group are its total distance
// times its total passenger count.
func (s ModalStats) TransitModalShare() float64 {
	car := s.CarMeters * s.CarPassengers
	transit := (s.RailMeters + s.BusMeters) * (s.RailPassengers + s.BusPassengers)
	if car+transit == 0 {
		return 0
	}
	return transit / (car + transit)
}

// Shares returns the passenger meter share of every mode group.
func (s ModalStats) Shares() map[string]float64 {
	pm := map[string]float64{
		"car":  s.CarMeters * s.CarPassengers,
		"rail": s.RailMeters * s.RailPassengers,
		"bus":  s.BusMeters * s.BusPassengers,
		"walk": s.WalkMeters * s.Walkers,
	}
	total := pm["car"] + pm["rail"] + pm["bus"] + pm["walk"]
	out := map[string]float64{"car": 0, "rail": 0, "bus": 0, "walk": 0}
	if total == 0 {
		return out
	}
	for k, v := range pm {
		out[k] = v / total
	}
	return out
}
