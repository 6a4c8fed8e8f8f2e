package routing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"hiveline/internal/domain"
)

// graphNamespace seeds content derived graph ids.
var graphNamespace = uuid.MustParse("5f0c6f0e-2d54-4c1e-9a57-3e1f3b8f8a10")

// Resources are the inputs of a graph build.
type Resources struct {
	Place    string
	OSM      []string
	GTFS     []string
	Date     time.Time
	Timezone string
}

// Artifacts locate a built graph.
type Artifacts struct {
	GraphID   string
	Dir       string
	GraphFile string
}

// Meta describes the engine that produced a route.
type Meta struct {
	Backend string `json:"backend"`
	Version string `json:"version"`
}

func (m Meta) RouteMeta(usesDelays bool) domain.RouteMeta {
	return domain.RouteMeta{Backend: m.Backend, EngineVersion: m.Version, UsesDelays: usesDelays}
}

// Server manages the lifecycle of a routing engine process.
type Server interface {
	Build(ctx context.Context, res Resources, force bool) (Artifacts, error)
	Start(ctx context.Context, art Artifacts) error
	Stop() error
	Meta() Meta
	Client() Client
}

// Validate checks that all input files exist.
func (r Resources) Validate() error {
	if len(r.OSM) == 0 {
		return errors.New("at least one osm extract is required")
	}
	if r.Date.IsZero() {
		return errors.New("target date is required")
	}
	for _, p := range append(append([]string(nil), r.OSM...), r.GTFS...) {
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", p)
		}
	}
	return nil
}

// ServiceWindow is the transit service period covered by a build.
func (r Resources) ServiceWindow() (time.Time, time.Time) {
	return r.Date.AddDate(-1, 0, 0), r.Date.AddDate(1, 0, 0)
}

// GraphID derives a stable id from the backend, the target date and the
// identity of every input file. Changing any input yields a new id.
func GraphID(backend string, res Resources) (string, error) {
	paths := make([]string, 0, len(res.OSM)+len(res.GTFS))
	for _, p := range append(append([]string(nil), res.OSM...), res.GTFS...) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		paths = append(paths, abs)
	}
	sort.Strings(paths)
	var b strings.Builder
	b.WriteString(backend)
	b.WriteByte('\n')
	b.WriteString(res.Date.Format("2006-01-02"))
	b.WriteByte('\n')
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s|%d|%d\n", p, info.Size(), info.ModTime().UnixNano())
	}
	return uuid.NewSHA1(graphNamespace, []byte(b.String())).String(), nil
}

// WithEngine builds the graph, starts the engine, runs fn with its client and
// always stops the engine afterwards.
func WithEngine(ctx context.Context, srv Server, res Resources, force bool, fn func(context.Context, Client) error) (err error) {
	art, err := srv.Build(ctx, res, force)
	if err != nil {
		return engineError("build graph", err)
	}
	defer func() {
		if stopErr := srv.Stop(); stopErr != nil {
			err = errors.Join(err, engineError("stop engine", stopErr))
		}
	}()
	if err := srv.Start(ctx, art); err != nil {
		return engineError("start engine", err)
	}
	return fn(ctx, srv.Client())
}

// CleanGraphs removes graph directories under dir that are not in keep and
// returns the removed ids.
func CleanGraphs(dir string, keep ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keepSet := map[string]bool{}
	for _, k := range keep {
		keepSet[k] = true
	}
	var removed []string
	for _, e := range entries {
		if !e.IsDir() || keepSet[e.Name()] {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return removed, err
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}

func graphDir(dataDir, backend, id string) string {
	return filepath.Join(dataDir, backend, id)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
