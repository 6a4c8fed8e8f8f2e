package domain

import "time"

type Vehicles struct {
	Car       int     `json:"car,omitempty"`
	Moto      int     `json:"moto,omitempty"`
	Van       int     `json:"van,omitempty"`
	Utilities int     `json:"utilities,omitempty"`
	Usage     *string `json:"usage,omitempty"`
}

type Traveler struct {
	Employed       bool     `json:"employed"`
	EmploymentType string   `json:"employment_type,omitempty"`
	AgeBand        string   `json:"age_band,omitempty"`
	Vehicles       Vehicles `json:"vehicles"`
}

func (t Traveler) HasMotorVehicle() bool {
	v := t.Vehicles
	return v.Car > 0 || v.Moto > 0 || v.Van > 0 || v.Utilities > 0
}

func (t Traveler) HasMotorcycle() bool {
	return t.Vehicles.Moto > 0
}

// WouldUseCar is true when the census data records a vehicle usage for the traveler.
func (t Traveler) WouldUseCar() bool {
	return t.Vehicles.Usage != nil
}

// Commuter is a virtual commuter with the trip the routing stage has to plan.
type Commuter struct {
	VCID        string    `json:"vc_id"`
	SimID       string    `json:"sim_id"`
	Origin      Place     `json:"origin"`
	Destination Place     `json:"destination"`
	Departure   time.Time `json:"departure"`
	Traveler    Traveler  `json:"traveler"`
}

type RouteOption struct {
	RouteOptionID string    `json:"route_option_id"`
	Origin        Place     `json:"origin"`
	Destination   Place     `json:"destination"`
	Departure     time.Time `json:"departure"`
	Modes         []string  `json:"modes"`
	Journeys      []Journey `json:"journeys"`
}

// Fastest returns the fastest journey of the option.
func (o RouteOption) Fastest() (Journey, bool) {
	i := Fastest(o.Journeys)
	if i < 0 {
		return Journey{}, false
	}
	return o.Journeys[i], true
}

// Duration is the planned duration of the fastest journey.
func (o RouteOption) Duration() time.Duration {
	j, ok := o.Fastest()
	if !ok {
		return 0
	}
	return j.Duration()
}

func (o RouteOption) UsesCar() bool {
	j, ok := o.Fastest()
	return ok && j.UsesCar()
}

type RouteMeta struct {
	Backend       string `json:"backend"`
	EngineVersion string `json:"engine_version"`
	UsesDelays    bool   `json:"uses_delays"`
}

// RouteResult is the persisted routing outcome for one commuter.
type RouteResult struct {
	VCID     string        `json:"vc_id"`
	SimID    string        `json:"sim_id"`
	Created  time.Time     `json:"created"`
	Traveler Traveler      `json:"traveler"`
	Options  []RouteOption `json:"options"`
	Meta     RouteMeta     `json:"meta"`
}
