package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	polyline "github.com/twpayne/go-polyline"

	"hiveline/internal/domain"
)

const (
	OTPBackend  = "otp"
	OTPVersion  = "2.4.0"
	otpReady    = "Grizzly server running."
	otpGraph    = "graph.obj"
	otpEndpoint = "/otp/routers/default/index/graphql"
	otpBaseURL  = "http://localhost:8080"
)

// OTPServer builds and runs OpenTripPlanner graphs. Each graph lives in its
// own directory under DataDir/otp.
type OTPServer struct {
	Java           string
	Jar            string
	DataDir        string
	MemoryGB       int
	APITimeout     time.Duration
	StartupTimeout time.Duration
	API            *OTPClient
	Logger         *log.Logger

	mu   sync.Mutex
	proc *Process
}

func (s *OTPServer) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *OTPServer) javaArgs(extra ...string) []string {
	mem := s.MemoryGB
	if mem <= 0 {
		mem = 4
	}
	return append([]string{fmt.Sprintf("-Xmx%dG", mem), "-jar", s.Jar}, extra...)
}

func (s *OTPServer) java() string {
	if s.Java != "" {
		return s.Java
	}
	return "java"
}

type otpSource struct {
	Type   string `json:"type,omitempty"`
	Source string `json:"source"`
}

type otpBuildConfig struct {
	OSM                  []otpSource `json:"osm"`
	TransitFeeds         []otpSource `json:"transitFeeds"`
	TransitServiceStart  string      `json:"transitServiceStart"`
	TransitServiceEnd    string      `json:"transitServiceEnd"`
	TransitModelTimeZone string      `json:"transitModelTimeZone,omitempty"`
}

func fileURI(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *OTPServer) Build(ctx context.Context, res Resources, force bool) (Artifacts, error) {
	if err := res.Validate(); err != nil {
		return Artifacts{}, err
	}
	if s.Jar == "" || !fileExists(s.Jar) {
		return Artifacts{}, fmt.Errorf("otp jar %q not found", s.Jar)
	}
	id, err := GraphID(OTPBackend, res)
	if err != nil {
		return Artifacts{}, err
	}
	dir := graphDir(s.DataDir, OTPBackend, id)
	art := Artifacts{GraphID: id, Dir: dir, GraphFile: filepath.Join(dir, otpGraph)}
	if !force && fileExists(art.GraphFile) {
		s.logger().Printf("otp graph %s already built", id)
		return art, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifacts{}, err
	}
	start, end := res.ServiceWindow()
	cfg := otpBuildConfig{
		TransitServiceStart:  start.Format("2006-01-02"),
		TransitServiceEnd:    end.Format("2006-01-02"),
		TransitModelTimeZone: res.Timezone,
	}
	for _, p := range res.OSM {
		uri, err := fileURI(p)
		if err != nil {
			return Artifacts{}, err
		}
		cfg.OSM = append(cfg.OSM, otpSource{Source: uri})
	}
	for _, p := range res.GTFS {
		uri, err := fileURI(p)
		if err != nil {
			return Artifacts{}, err
		}
		cfg.TransitFeeds = append(cfg.TransitFeeds, otpSource{Type: "gtfs", Source: uri})
	}
	if err := writeJSON(filepath.Join(dir, "build-config.json"), cfg); err != nil {
		return Artifacts{}, err
	}
	s.logger().Printf("building otp graph %s for %s", id, res.Place)
	proc := &Process{Name: "otp-build", Path: s.java(), Args: s.javaArgs("--build", "--save", dir), Dir: dir, Logger: s.Logger}
	if err := proc.Run(ctx); err != nil {
		return Artifacts{}, err
	}
	if !fileExists(art.GraphFile) {
		return Artifacts{}, fmt.Errorf("otp build finished without %s", art.GraphFile)
	}
	return art, nil
}

func (s *OTPServer) Start(ctx context.Context, art Artifacts) error {
	timeout := s.APITimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	routerCfg := map[string]any{
		"server": map[string]any{"apiProcessingTimeout": fmt.Sprintf("%ds", int(timeout.Seconds()))},
	}
	if err := writeJSON(filepath.Join(art.Dir, "router-config.json"), routerCfg); err != nil {
		return err
	}
	proc := &Process{
		Name:           "otp",
		Path:           s.java(),
		Args:           s.javaArgs("--load", art.Dir),
		Dir:            art.Dir,
		Ready:          otpReady,
		StartupTimeout: s.StartupTimeout,
		Logger:         s.Logger,
	}
	s.mu.Lock()
	if s.proc != nil {
		s.mu.Unlock()
		return fmt.Errorf("otp already running")
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

func (s *OTPServer) Stop() error {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Stop()
}

func (s *OTPServer) Meta() Meta { return Meta{Backend: OTPBackend, Version: OTPVersion} }

func (s *OTPServer) Client() Client {
	if s.API != nil {
		return s.API
	}
	return &OTPClient{}
}

// OTPClient queries the OpenTripPlanner GraphQL plan endpoint.
type OTPClient struct {
	BaseURL  string
	HTTP     *http.Client
	Timeout  time.Duration
	Location *time.Location
}

var otpRequestModes = map[domain.Mode][]string{
	domain.ModeWalking:    {"WALK"},
	domain.ModeBus:        {"BUS", "TROLLEYBUS"},
	domain.ModeTrain:      {"RAIL", "TRAM", "SUBWAY", "CABLE_CAR", "FUNICULAR", "MONORAIL"},
	domain.ModeGondola:    {"GONDOLA"},
	domain.ModeAircraft:   {"AIRPLANE"},
	domain.ModeWatercraft: {"FERRY"},
	domain.ModeTaxi:       {"TAXI"},
	domain.ModeBicycle:    {"BIKE"},
	domain.ModeCar:        {"CAR"},
}

var otpResponseModes = map[string]domain.Mode{
	"WALK":       domain.ModeWalking,
	"BUS":        domain.ModeBus,
	"TROLLEYBUS": domain.ModeBus,
	"RAIL":       domain.ModeTrain,
	"TRAM":       domain.ModeTrain,
	"SUBWAY":     domain.ModeTrain,
	"TRANSIT":    domain.ModeTrain,
	"MONORAIL":   domain.ModeTrain,
	"FUNICULAR":  domain.ModeTrain,
	"CABLE_CAR":  domain.ModeGondola,
	"GONDOLA":    domain.ModeGondola,
	"FERRY":      domain.ModeWatercraft,
	"AIRPLANE":   domain.ModeAircraft,
	"BICYCLE":    domain.ModeBicycle,
	"BIKE":       domain.ModeBicycle,
	"CAR":        domain.ModeCar,
	"TAXI":       domain.ModeTaxi,
}

// OTPModes maps request modes to the OTP transport modes that serve them.
func OTPModes(modes []domain.Mode) []string {
	var out []string
	for _, m := range modes {
		out = append(out, otpRequestModes[m]...)
	}
	return out
}

const otpPlaceFields = `stop { gtfsId } name lat lon departureTime arrivalTime`

func otpQuery(from, to domain.Place, departure time.Time, modes []domain.Mode) string {
	parts := make([]string, 0, len(modes))
	for _, m := range OTPModes(modes) {
		parts = append(parts, "{mode: "+m+"}")
	}
	return fmt.Sprintf(`{
  plan(
    from: {lat: %f, lon: %f}
    to: {lat: %f, lon: %f}
    date: "%s"
    time: "%s"
    transportModes: [%s]) {
    itineraries {
      startTime
      endTime
      legs {
        mode
        startTime
        endTime
        agency { id name gtfsId }
        from { %s }
        to { %s }
        route { gtfsId longName shortName }
        intermediatePlaces { %s }
        legGeometry { points }
      }
    }
  }
}`, from.Latitude, from.Longitude, to.Latitude, to.Longitude,
		departure.Format("2006-01-02"), departure.Format("15:04"),
		strings.Join(parts, " "), otpPlaceFields, otpPlaceFields, otpPlaceFields)
}

type otpResponse struct {
	Data *struct {
		Plan struct {
			Itineraries []otpItinerary `json:"itineraries"`
		} `json:"plan"`
	} `json:"data"`
	Errors []json.RawMessage `json:"errors"`
}

type otpItinerary struct {
	StartTime int64    `json:"startTime"`
	EndTime   int64    `json:"endTime"`
	Legs      []otpLeg `json:"legs"`
}

type otpLeg struct {
	Mode      string `json:"mode"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
	Agency    *struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		GTFSID string `json:"gtfsId"`
	} `json:"agency"`
	From  otpPlace `json:"from"`
	To    otpPlace `json:"to"`
	Route *struct {
		GTFSID    string `json:"gtfsId"`
		LongName  string `json:"longName"`
		ShortName string `json:"shortName"`
	} `json:"route"`
	IntermediatePlaces []otpPlace `json:"intermediatePlaces"`
	LegGeometry        *struct {
		Points string `json:"points"`
	} `json:"legGeometry"`
}

type otpPlace struct {
	Stop *struct {
		GTFSID string `json:"gtfsId"`
	} `json:"stop"`
	Name          string  `json:"name"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	DepartureTime int64   `json:"departureTime"`
	ArrivalTime   int64   `json:"arrivalTime"`
}

func (c *OTPClient) GetJourneys(ctx context.Context, from, to domain.Place, departure time.Time, modes []domain.Mode) ([]domain.Journey, error) {
	const op = "otp plan"
	if len(modes) == 0 {
		modes = TransitModes
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	query := otpQuery(from, to, departure.In(loc), modes)
	url := trimURL(c.BaseURL, otpBaseURL) + otpEndpoint
	status, data, err := postJSON(ctx, httpClient(c.HTTP, c.Timeout), op, url, map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, transportError(op, fmt.Errorf("status %d: %s", status, snippet(data)))
	}
	var resp otpResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, transportError(op, fmt.Errorf("decode response: %w", err))
	}
	if len(resp.Errors) > 0 || resp.Data == nil {
		return nil, transportError(op, fmt.Errorf("graphql errors: %s", snippet(data)))
	}
	var journeys []domain.Journey
	for _, it := range resp.Data.Plan.Itineraries {
		j, err := it.journey()
		if err != nil {
			return nil, transportError(op, err)
		}
		if len(j.Legs) > 0 {
			journeys = append(journeys, j)
		}
	}
	if len(journeys) == 0 {
		return nil, noRoute(op)
	}
	return journeys, nil
}

func (it otpItinerary) journey() (domain.Journey, error) {
	j := domain.Journey{Legs: make([]domain.Leg, 0, len(it.Legs))}
	for _, l := range it.Legs {
		leg, err := l.leg()
		if err != nil {
			return domain.Journey{}, err
		}
		j.Legs = append(j.Legs, leg)
	}
	return j, nil
}

func millis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (p otpPlace) place() domain.Place {
	out := domain.Place{Type: "location", Name: p.Name, Latitude: p.Lat, Longitude: p.Lon}
	if p.Stop != nil {
		out.Type = "station"
		out.ID = p.Stop.GTFSID
	}
	return out
}

func (p otpPlace) stopover() domain.Stopover {
	s := domain.Stopover{Stop: p.place()}
	if p.ArrivalTime > 0 {
		t := millis(p.ArrivalTime)
		s.Arrival = &t
	}
	if p.DepartureTime > 0 {
		t := millis(p.DepartureTime)
		s.Departure = &t
	}
	return s
}

func (l otpLeg) leg() (domain.Leg, error) {
	mode, ok := otpResponseModes[l.Mode]
	if !ok {
		return domain.Leg{}, fmt.Errorf("unknown otp mode %q", l.Mode)
	}
	leg := domain.Leg{
		Origin:      l.From.place(),
		Destination: l.To.place(),
		Departure:   millis(l.StartTime),
		Arrival:     millis(l.EndTime),
		Mode:        mode,
		SubMode:     strings.ToLower(l.Mode),
	}
	if l.Agency != nil {
		leg.Operator = &domain.Operator{ID: l.Agency.ID, Name: l.Agency.Name}
	}
	if l.Route != nil {
		name := l.Route.LongName
		if name == "" {
			name = l.Route.ShortName
		}
		leg.Line = &domain.Line{ID: l.Route.GTFSID, Name: name, Mode: mode}
	}
	if len(l.IntermediatePlaces) > 0 {
		leg.Stopovers = append(leg.Stopovers, l.From.stopover())
		for _, p := range l.IntermediatePlaces {
			leg.Stopovers = append(leg.Stopovers, p.stopover())
		}
		leg.Stopovers = append(leg.Stopovers, l.To.stopover())
	}
	if l.LegGeometry != nil && l.LegGeometry.Points != "" {
		ls, err := decodePolyline(l.LegGeometry.Points)
		if err != nil {
			return domain.Leg{}, err
		}
		leg.Geometry = ls
	}
	return leg, nil
}

// decodePolyline turns an encoded polyline into lon/lat points.
func decodePolyline(s string) (orb.LineString, error) {
	coords, _, err := polyline.DecodeCoords([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("decode leg geometry: %w", err)
	}
	ls := make(orb.LineString, len(coords))
	for i, c := range coords {
		ls[i] = orb.Point{c[1], c[0]}
	}
	return ls, nil
}
