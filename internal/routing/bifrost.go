package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"hiveline/internal/domain"
)

const (
	BifrostBackend  = "bifrost"
	BifrostVersion  = "1.0.6"
	bifrostReady    = "Listening and serving HTTP on"
	bifrostGraph    = "graph.bifrost"
	bifrostEndpoint = "/bifrost"
	bifrostBaseURL  = "http://localhost:8090"
)

// BifrostServer builds and runs Bifrost graphs.
type BifrostServer struct {
	Binary         string
	DataDir        string
	Threads        int
	StartupTimeout time.Duration
	API            *BifrostClient
	Logger         *log.Logger

	mu   sync.Mutex
	proc *Process
}

func (s *BifrostServer) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *BifrostServer) Build(ctx context.Context, res Resources, force bool) (Artifacts, error) {
	if err := res.Validate(); err != nil {
		return Artifacts{}, err
	}
	if s.Binary == "" || !fileExists(s.Binary) {
		return Artifacts{}, fmt.Errorf("bifrost binary %q not found", s.Binary)
	}
	id, err := GraphID(BifrostBackend, res)
	if err != nil {
		return Artifacts{}, err
	}
	dir := graphDir(s.DataDir, BifrostBackend, id)
	art := Artifacts{GraphID: id, Dir: dir, GraphFile: filepath.Join(dir, bifrostGraph)}
	if !force && fileExists(art.GraphFile) {
		s.logger().Printf("bifrost graph %s already built", id)
		return art, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifacts{}, err
	}
	args := []string{"-only-build", "-bifrost", art.GraphFile}
	for _, p := range res.OSM {
		abs, err := filepath.Abs(p)
		if err != nil {
			return Artifacts{}, err
		}
		args = append(args, "-osm", abs)
	}
	for _, p := range res.GTFS {
		abs, err := filepath.Abs(p)
		if err != nil {
			return Artifacts{}, err
		}
		args = append(args, "-gtfs", abs)
	}
	s.logger().Printf("building bifrost graph %s for %s", id, res.Place)
	proc := &Process{Name: "bifrost-build", Path: s.Binary, Args: args, Dir: dir, Logger: s.Logger}
	if err := proc.Run(ctx); err != nil {
		return Artifacts{}, err
	}
	if !fileExists(art.GraphFile) {
		return Artifacts{}, fmt.Errorf("bifrost build finished without %s", art.GraphFile)
	}
	return art, nil
}

func (s *BifrostServer) Start(ctx context.Context, art Artifacts) error {
	threads := s.Threads
	if threads <= 0 {
		threads = 1
	}
	proc := &Process{
		Name:           "bifrost",
		Path:           s.Binary,
		Args:           []string{"-threads", strconv.Itoa(threads), "-bifrost", art.GraphFile},
		Dir:            art.Dir,
		Ready:          bifrostReady,
		StartupTimeout: s.StartupTimeout,
		Logger:         s.Logger,
	}
	s.mu.Lock()
	if s.proc != nil {
		s.mu.Unlock()
		return fmt.Errorf("bifrost already running")
	}
	s.proc = proc
	s.mu.Unlock()
	if err := proc.Start(ctx); err != nil {
		s.mu.Lock()
		s.proc = nil
		s.mu.Unlock()
		_ = proc.Stop()
		return err
	}
	return nil
}

func (s *BifrostServer) Stop() error {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Stop()
}

func (s *BifrostServer) Meta() Meta { return Meta{Backend: BifrostBackend, Version: BifrostVersion} }

func (s *BifrostServer) Client() Client {
	if s.API != nil {
		return s.API
	}
	return &BifrostClient{}
}

// BifrostClient posts journey requests to a Bifrost server. The answer is a
// single journey in the friendly public transport format.
type BifrostClient struct {
	BaseURL  string
	HTTP     *http.Client
	Timeout  time.Duration
	Location *time.Location
}

type bifrostLocation struct {
	Type      string  `json:"type"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type bifrostRequest struct {
	Origin      bifrostLocation `json:"origin"`
	Destination bifrostLocation `json:"destination"`
	Modes       []string        `json:"modes"`
	Departure   string          `json:"departure"`
}

// fptfPlace accepts locations with inline coordinates as well as stops and
// stations that nest them under location.
type fptfPlace struct {
	Type      string   `json:"type"`
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Location  *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
}

func (p *fptfPlace) place() domain.Place {
	if p == nil {
		return domain.Place{}
	}
	out := domain.Place{Type: p.Type, ID: p.ID, Name: p.Name}
	if p.Latitude != nil && p.Longitude != nil {
		out.Latitude, out.Longitude = *p.Latitude, *p.Longitude
	} else if p.Location != nil {
		out.Latitude, out.Longitude = p.Location.Latitude, p.Location.Longitude
	}
	return out
}

type fptfStopover struct {
	Stop           *fptfPlace `json:"stop"`
	Arrival        *time.Time `json:"arrival"`
	Departure      *time.Time `json:"departure"`
	ArrivalDelay   int        `json:"arrivalDelay"`
	DepartureDelay int        `json:"departureDelay"`
}

type fptfLeg struct {
	Origin         *fptfPlace       `json:"origin"`
	Destination    *fptfPlace       `json:"destination"`
	Departure      time.Time        `json:"departure"`
	Arrival        time.Time        `json:"arrival"`
	DepartureDelay int              `json:"departureDelay"`
	ArrivalDelay   int              `json:"arrivalDelay"`
	Mode           string           `json:"mode"`
	SubMode        string           `json:"subMode"`
	Line           *domain.Line     `json:"line"`
	Operator       *domain.Operator `json:"operator"`
	Stopovers      []fptfStopover   `json:"stopovers"`
	Polyline       string           `json:"polyline"`
	OSMNodes       []int64          `json:"osm_nodes"`
}

type fptfJourney struct {
	ID   string    `json:"id"`
	Legs []fptfLeg `json:"legs"`
}

func (c *BifrostClient) GetJourneys(ctx context.Context, from, to domain.Place, departure time.Time, modes []domain.Mode) ([]domain.Journey, error) {
	const op = "bifrost route"
	if len(modes) == 0 {
		modes = TransitModes
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	req := bifrostRequest{
		Origin:      bifrostLocation{Type: "location", Latitude: from.Latitude, Longitude: from.Longitude},
		Destination: bifrostLocation{Type: "location", Latitude: to.Latitude, Longitude: to.Longitude},
		Modes:       ModeNames(modes),
		Departure:   departure.In(loc).Format(time.RFC3339),
	}
	url := trimURL(c.BaseURL, bifrostBaseURL) + bifrostEndpoint
	status, data, err := postJSON(ctx, httpClient(c.HTTP, c.Timeout), op, url, req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, noRoute(op)
	}
	if status != http.StatusOK {
		return nil, transportError(op, fmt.Errorf("status %d: %s", status, snippet(data)))
	}
	var wire fptfJourney
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, transportError(op, fmt.Errorf("decode response: %w", err))
	}
	if len(wire.Legs) == 0 {
		return nil, noRoute(op)
	}
	j, err := wire.journey()
	if err != nil {
		return nil, transportError(op, err)
	}
	return []domain.Journey{j}, nil
}

func (w fptfJourney) journey() (domain.Journey, error) {
	j := domain.Journey{ID: w.ID, Legs: make([]domain.Leg, 0, len(w.Legs))}
	for _, l := range w.Legs {
		leg := domain.Leg{
			Origin:         l.Origin.place(),
			Destination:    l.Destination.place(),
			Departure:      l.Departure,
			Arrival:        l.Arrival,
			DepartureDelay: l.DepartureDelay,
			ArrivalDelay:   l.ArrivalDelay,
			Mode:           domain.Mode(l.Mode),
			SubMode:        l.SubMode,
			Line:           l.Line,
			Operator:       l.Operator,
			OSMNodes:       l.OSMNodes,
		}
		for _, s := range l.Stopovers {
			leg.Stopovers = append(leg.Stopovers, domain.Stopover{
				Stop:           s.Stop.place(),
				Arrival:        s.Arrival,
				Departure:      s.Departure,
				ArrivalDelay:   s.ArrivalDelay,
				DepartureDelay: s.DepartureDelay,
			})
		}
		if l.Polyline != "" {
			ls, err := decodePolyline(l.Polyline)
			if err != nil {
				return domain.Journey{}, err
			}
			leg.Geometry = ls
		}
		j.Legs = append(j.Legs, leg)
	}
	return j, nil
}
