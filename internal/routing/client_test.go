package routing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	polyline "github.com/twpayne/go-polyline"

	"hiveline/internal/domain"
)

var (
	home = domain.Place{Latitude: 52.52, Longitude: 13.405}
	work = domain.Place{Latitude: 52.50, Longitude: 13.45}
	t0   = time.Date(2024, 3, 5, 7, 30, 0, 0, time.UTC)
)

func otpFixture(t *testing.T) string {
	t.Helper()
	points := string(polyline.EncodeCoords([][]float64{{52.52, 13.405}, {52.515, 13.42}, {52.51, 13.43}}))
	ms := func(d time.Duration) int64 { return t0.Add(d).UnixMilli() }
	body := map[string]any{
		"data": map[string]any{"plan": map[string]any{"itineraries": []any{
			map[string]any{
				"startTime": ms(0), "endTime": ms(30 * time.Minute),
				"legs": []any{
					map[string]any{
						"mode": "WALK", "startTime": ms(0), "endTime": ms(5 * time.Minute),
						"from":        map[string]any{"name": "Origin", "lat": 52.52, "lon": 13.405, "departureTime": ms(0), "arrivalTime": ms(0)},
						"to":          map[string]any{"name": "Alex", "lat": 52.521, "lon": 13.41, "departureTime": ms(5 * time.Minute), "arrivalTime": ms(5 * time.Minute), "stop": map[string]any{"gtfsId": "1:alex"}},
						"legGeometry": map[string]any{"points": points},
					},
					map[string]any{
						"mode": "BUS", "startTime": ms(6 * time.Minute), "endTime": ms(30 * time.Minute),
						"agency": map[string]any{"id": "a1", "name": "BVG", "gtfsId": "1:bvg"},
						"route":  map[string]any{"gtfsId": "1:m41", "longName": "", "shortName": "M41"},
						"from":   map[string]any{"name": "Alex", "lat": 52.521, "lon": 13.41, "departureTime": ms(6 * time.Minute), "arrivalTime": ms(6 * time.Minute), "stop": map[string]any{"gtfsId": "1:alex"}},
						"to":     map[string]any{"name": "Work", "lat": 52.50, "lon": 13.45, "departureTime": ms(30 * time.Minute), "arrivalTime": ms(30 * time.Minute)},
						"intermediatePlaces": []any{
							map[string]any{"name": "Mid", "lat": 52.51, "lon": 13.43, "departureTime": ms(15 * time.Minute), "arrivalTime": ms(15 * time.Minute), "stop": map[string]any{"gtfsId": "1:mid"}},
						},
					},
				},
			},
		}}},
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestOTPClientConvertsItineraries(t *testing.T) {
	fixture := otpFixture(t)
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != otpEndpoint {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		query = req.Query
		io.WriteString(w, fixture)
	}))
	defer srv.Close()

	c := &OTPClient{BaseURL: srv.URL}
	journeys, err := c.GetJourneys(context.Background(), home, work, t0, TransitModes)
	if err != nil {
		t.Fatalf("get journeys: %v", err)
	}
	for _, want := range []string{`date: "2024-03-05"`, `time: "07:30"`, "{mode: TROLLEYBUS}", "{mode: FUNICULAR}", "{mode: WALK}"} {
		if !strings.Contains(query, want) {
			t.Fatalf("query missing %s:\n%s", want, query)
		}
	}
	if len(journeys) != 1 || len(journeys[0].Legs) != 2 {
		t.Fatalf("unexpected journeys: %+v", journeys)
	}
	walk, bus := journeys[0].Legs[0], journeys[0].Legs[1]
	if walk.Mode != domain.ModeWalking || walk.SubMode != "walk" || len(walk.Geometry) != 3 {
		t.Fatalf("walk leg: %+v", walk)
	}
	if math.Abs(walk.Geometry[0][0]-13.405) > 1e-5 || math.Abs(walk.Geometry[0][1]-52.52) > 1e-5 {
		t.Fatalf("geometry not lon/lat: %v", walk.Geometry[0])
	}
	if walk.Destination.ID != "1:alex" || walk.Destination.Type != "station" {
		t.Fatalf("stop not mapped: %+v", walk.Destination)
	}
	if bus.Mode != domain.ModeBus || bus.Operator == nil || bus.Operator.Name != "BVG" {
		t.Fatalf("bus leg: %+v", bus)
	}
	if bus.Line == nil || bus.Line.Name != "M41" || bus.Line.ID != "1:m41" {
		t.Fatalf("line: %+v", bus.Line)
	}
	if len(bus.Stopovers) != 3 || bus.Stopovers[1].Stop.Name != "Mid" {
		t.Fatalf("stopovers: %+v", bus.Stopovers)
	}
	if !bus.Departure.Equal(t0.Add(6*time.Minute)) || journeys[0].Duration() != 30*time.Minute {
		t.Fatalf("times: %v %v", bus.Departure, journeys[0].Duration())
	}
}

func TestOTPClientErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   Kind
	}{
		{"empty", 200, `{"data":{"plan":{"itineraries":[]}}}`, KindNoRoute},
		{"graphql error", 200, `{"errors":[{"message":"bad"}],"data":null}`, KindTransport},
		{"server error", 500, `oops`, KindTransport},
		{"garbage", 200, `{`, KindTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()
			_, err := (&OTPClient{BaseURL: srv.URL}).GetJourneys(context.Background(), home, work, t0, CarModes)
			if KindOf(err) != tc.kind {
				t.Fatalf("expected %s, got %v (%v)", tc.kind, KindOf(err), err)
			}
		})
	}
}

func TestOTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, err := (&OTPClient{BaseURL: url, Timeout: time.Second}).GetJourneys(context.Background(), home, work, t0, nil)
	if KindOf(err) != KindTransport || IsNoRoute(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestBifrostClient(t *testing.T) {
	var got bifrostRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != bifrostEndpoint {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"type":"journey","legs":[
			{"origin":{"type":"location","latitude":52.52,"longitude":13.405},
			 "destination":{"type":"station","id":"s1","name":"Ost","location":{"type":"location","latitude":52.51,"longitude":13.43}},
			 "departure":"2024-03-05T07:30:00Z","arrival":"2024-03-05T07:45:00Z","mode":"car",
			 "osm_nodes":[1,2,3]}]}`)
	}))
	defer srv.Close()

	journeys, err := (&BifrostClient{BaseURL: srv.URL}).GetJourneys(context.Background(), home, work, t0, CarModes)
	if err != nil {
		t.Fatalf("get journeys: %v", err)
	}
	if got.Origin.Type != "location" || got.Origin.Latitude != 52.52 || got.Departure != "2024-03-05T07:30:00Z" {
		t.Fatalf("request: %+v", got)
	}
	if strings.Join(got.Modes, ",") != "walking,car" {
		t.Fatalf("modes: %v", got.Modes)
	}
	leg := journeys[0].Legs[0]
	if leg.Mode != domain.ModeCar || len(leg.OSMNodes) != 3 {
		t.Fatalf("leg: %+v", leg)
	}
	if leg.Destination.Latitude != 52.51 || leg.Destination.Name != "Ost" {
		t.Fatalf("nested location not read: %+v", leg.Destination)
	}
	if journeys[0].Duration() != 15*time.Minute {
		t.Fatalf("duration %v", journeys[0].Duration())
	}
}

func TestBifrostNoRoute(t *testing.T) {
	for _, h := range []http.HandlerFunc{
		func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
		func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, `{"type":"journey","legs":[]}`) },
	} {
		srv := httptest.NewServer(h)
		_, err := (&BifrostClient{BaseURL: srv.URL}).GetJourneys(context.Background(), home, work, t0, nil)
		srv.Close()
		if !IsNoRoute(err) || !errors.Is(err, ErrNoRoute) {
			t.Fatalf("expected no route, got %v", err)
		}
	}
}
