package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hiveline/internal/app"
	"hiveline/internal/domain"
	"hiveline/internal/routing"
	"hiveline/internal/sim"
)

func jobsCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "jobs",
		Short: "Manage routing jobs",
		Long:  "Every commuter gets one routing job. Jobs move pending -> started -> finished or failed; reset puts them back to pending.",
	}
	j.AddCommand(jobsCreateCmd())
	j.AddCommand(jobsCountCmd())
	j.AddCommand(jobsResetCmd())
	j.AddCommand(jobsDeleteCmd())
	return j
}

func jobsCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create one routing job per commuter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSim(cmd.Context(), func(ctx context.Context, env *app.Env, simID string) error {
				n, err := env.Runner.CreateJobs(ctx, simID)
				if err != nil {
					return err
				}
				return printCount("ensured", n, "jobs", simID)
			})
		},
	}
	return cmd
}

func jobsCountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count routing jobs by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSim(cmd.Context(), func(ctx context.Context, env *app.Env, simID string) error {
				counts, err := env.Runner.JobCounts(ctx, simID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				printJobCounts(counts)
				return nil
			})
		},
	}
	return cmd
}

func jobsResetCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Put routing jobs back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSim(cmd.Context(), func(ctx context.Context, env *app.Env, simID string) error {
				n, err := env.Runner.ResetJobs(ctx, simID, scope)
				if err != nil {
					return err
				}
				return printCount("reset", n, "jobs", simID)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", sim.ResetAll, "which jobs to reset: all, failed or timed_out")
	return cmd
}

func jobsDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete all routing jobs of the simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete jobs without --yes")
			}
			return withSim(cmd.Context(), func(ctx context.Context, env *app.Env, simID string) error {
				n, err := env.Runner.Ledger.DeleteJobs(ctx, simID, sim.RouteService)
				if err != nil {
					return err
				}
				return printCount("deleted", n, "jobs", simID)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

// engineFlags are the graph inputs shared by engine build and route.
type engineFlags struct {
	osm      []string
	gtfs     []string
	date     string
	timezone string
	backend  string
	force    bool
}

func (f *engineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.osm, "osm", nil, "OSM extract (.osm.pbf), repeatable")
	cmd.Flags().StringSliceVar(&f.gtfs, "gtfs", nil, "GTFS feed (.zip), repeatable")
	cmd.Flags().StringVar(&f.date, "date", "", "service date YYYY-MM-DD (default: simulation target date)")
	cmd.Flags().StringVar(&f.timezone, "timezone", "UTC", "IANA time zone of the place")
	cmd.Flags().StringVar(&f.backend, "backend", "", "routing backend: otp or bifrost (default from config)")
	cmd.Flags().BoolVar(&f.force, "force", false, "rebuild the graph even if it exists")
}

// server resolves the resources for simID and returns the configured engine.
func (f *engineFlags) server(ctx context.Context, env *app.Env, simID string) (routing.Server, routing.Resources, error) {
	s, err := env.Runner.Repo.GetSimulation(ctx, simID)
	if err != nil {
		return nil, routing.Resources{}, fmt.Errorf("simulation %s: %w", simID, err)
	}
	loc, err := time.LoadLocation(f.timezone)
	if err != nil {
		return nil, routing.Resources{}, fmt.Errorf("timezone %q: %w", f.timezone, err)
	}
	day := f.date
	if day == "" {
		day = s.TargetDate
	}
	if day == "" {
		return nil, routing.Resources{}, errors.New("no service date; pass --date or set the simulation target date")
	}
	date, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return nil, routing.Resources{}, fmt.Errorf("date %q: want YYYY-MM-DD", day)
	}
	res := routing.Resources{Place: s.Place, OSM: f.osm, GTFS: f.gtfs, Date: date, Timezone: f.timezone}
	if err := res.Validate(); err != nil {
		return nil, res, err
	}
	engineCfg := env.Config.Engine
	if f.backend != "" {
		engineCfg.Backend = f.backend
	}
	srv, err := routing.NewServer(engineCfg, loc, env.Runner.Logger)
	if err != nil {
		return nil, res, err
	}
	return srv, res, nil
}

func engineCmd() *cobra.Command {
	e := &cobra.Command{
		Use:   "engine",
		Short: "Manage routing engine graphs",
		Long:  "Graphs are built from OSM and GTFS inputs and cached under engine.data_dir, one directory per backend and input set.",
	}
	e.AddCommand(engineBuildCmd())
	e.AddCommand(engineCleanCmd())
	return e
}

func engineBuildCmd() *cobra.Command {
	var f engineFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the routing graph without routing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSim(cmd.Context(), func(ctx context.Context, env *app.Env, simID string) error {
				srv, res, err := f.server(ctx, env, simID)
				if err != nil {
					return err
				}
				art, err := srv.Build(ctx, res, f.force)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"graph_id": art.GraphID, "dir": art.Dir, "graph_file": art.GraphFile})
				}
				fmt.Printf("Graph %s ready in %s\n", art.GraphID, art.Dir)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func engineCleanCmd() *cobra.Command {
	var keep []string
	var backend string
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove cached graphs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if backend == "" {
					backend = env.Config.Engine.Backend
				}
				removed, err := routing.CleanGraphs(filepath.Join(env.Config.Engine.DataDir, backend), keep...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"removed": removed})
				}
				fmt.Printf("Removed %d %s graphs\n", len(removed), backend)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&keep, "keep", nil, "graph id to keep, repeatable")
	cmd.Flags().StringVar(&backend, "backend", "", "routing backend (default from config)")
	return cmd
}

func routeCmd() *cobra.Command {
	var f engineFlags
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route all pending commuters",
		Long:  "Builds or reuses the graph, starts the engine, drains the routing jobs with the worker pool and stops the engine. Interrupted runs resume where they left off.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSim(cmd.Context(), func(ctx context.Context, env *app.Env, simID string) error {
				srv, res, err := f.server(ctx, env, simID)
				if err != nil {
					return err
				}
				routeErr := env.Runner.Route(ctx, simID, srv, res, f.force)
				counts, err := env.Runner.JobCounts(context.WithoutCancel(ctx), simID)
				if err != nil {
					return errors.Join(routeErr, err)
				}
				if viper.GetBool("json") {
					out := map[string]any{"sim_id": simID, "job_counts": counts, "ok": routeErr == nil}
					if routeErr != nil {
						out["error"] = routeErr.Error()
					}
					if err := printJSON(out); err != nil {
						return err
					}
					return routeErr
				}
				printJobCounts(counts)
				return routeErr
			})
		},
	}
	f.register(cmd)
	return cmd
}

func equilibriumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "equilibrium",
		Short: "Solve the car usage equilibrium over the route results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSim(cmd.Context(), func(ctx context.Context, env *app.Env, simID string) error {
				res, run, err := env.Runner.Equilibrium(ctx, simID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "shares": run.Stats.Shares()})
				}
				fmt.Println(res.Summary())
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Mode", "Share"})
				shares := run.Stats.Shares()
				for _, m := range []string{"car", "rail", "bus", "walk"} {
					tw.AppendRow(table.Row{m, fmt.Sprintf("%.2f%%", shares[m]*100)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var all bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				simID := ""
				if !all {
					var err error
					if simID, err = app.ResolveSimulation(ctx, env.Runner.Repo, viper.GetString("sim")); err != nil {
						return err
					}
				}
				evts, err := env.Runner.Repo.LatestEvents(ctx, n, 0, simID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				printEvents(evts)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVar(&all, "all", false, "events of every simulation")
	return cmd
}

func printEvents(evts []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Simulation", "Entity", "Payload"})
	for _, e := range evts {
		entity := e.EntityKind
		if e.EntityID != "" {
			entity += ":" + e.EntityID
		}
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.SimID, entity, e.Payload})
	}
	tw.Render()
}
