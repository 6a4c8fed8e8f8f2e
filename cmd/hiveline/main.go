package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hiveline/internal/app"
	"hiveline/internal/config"
	"hiveline/internal/db"
	"hiveline/internal/domain"
	"hiveline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hiveline",
	Short: "Hiveline mobility simulation CLI",
	Long: `Hiveline routes virtual commuters through a journey planner and estimates
the transit modal share of a city once car congestion has settled.
Core concepts:
- Workspace: a directory holding hiveline.yml and the .hiveline database.
- Simulation: one city and target date; owns commuters, routing jobs and results.
- Commuters: virtual commuters with origin, destination, departure and vehicles.
- Jobs: one routing job per commuter; workers claim them and record the outcome.
- Engine: OTP or Bifrost, built from OSM and GTFS inputs and run as a subprocess.
- Equilibrium: iterates car adoption against congestion until the modal share settles.
- Event log: what happened to a simulation, view with 'hiveline log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HIVELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	// existing environment wins over .env files
	_ = godotenv.Load()
	if ws := viper.GetString("workspace"); ws != "" && ws != "." {
		_ = godotenv.Load(filepath.Join(ws, ".env"))
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("sim", "", "simulation id (defaults to the only simulation)")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/hiveline.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("sim", rootCmd.PersistentFlags().Lookup("sim"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(simCmd())
	rootCmd.AddCommand(commutersCmd())
	rootCmd.AddCommand(delaysCmd())
	rootCmd.AddCommand(edgesCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(engineCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(equilibriumCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage hiveline.yml",
		Long:  "Config holds the datastore, worker pool, routing engine, delay, congestion and equilibrium settings. Missing keys fall back to the defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default hiveline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": path})
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func simCmd() *cobra.Command {
	s := &cobra.Command{Use: "sim", Short: "Manage simulations"}
	s.AddCommand(simCreateCmd())
	s.AddCommand(simListCmd())
	s.AddCommand(simShowCmd())
	return s
}

func simCreateCmd() *cobra.Command {
	var place, date, metaJSON string
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create simulation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var meta map[string]any
			if metaJSON != "" {
				if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
					return fmt.Errorf("invalid --meta: %w", err)
				}
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				s, err := env.Runner.CreateSimulation(ctx, args[0], place, date, meta)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&place, "place", "", "place name")
	cmd.Flags().StringVar(&date, "date", "", "target date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&metaJSON, "meta", "", "metadata as a JSON object")
	return cmd
}

func simListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List simulations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				sims, err := env.Runner.Repo.ListSimulations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sims)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Place", "Date", "Status", "Updated"})
				for _, s := range sims {
					tw.AppendRow(table.Row{s.ID, s.Place, s.TargetDate, s.Status, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func simShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show simulation progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSim(cmd.Context(), func(ctx context.Context, env *app.Env, simID string) error {
				s, err := env.Runner.Repo.GetSimulation(ctx, simID)
				if err != nil {
					return err
				}
				commuters, err := env.Runner.Repo.CountCommuters(ctx, simID)
				if err != nil {
					return err
				}
				results, err := env.Runner.Repo.CountRouteResults(ctx, simID)
				if err != nil {
					return err
				}
				counts, err := env.Runner.JobCounts(ctx, simID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"simulation": s,
						"commuters":  commuters,
						"results":    results,
						"job_counts": counts,
					})
				}
				fmt.Printf("Simulation: %s (%s)\n", s.ID, s.Status)
				fmt.Printf("Place: %s, target date %s\n", s.Place, s.TargetDate)
				fmt.Printf("Commuters: %d, route results: %d\n", commuters, results)
				printJobCounts(counts)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP status API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if addr == "" {
					addr = env.Config.Server.Addr
				}
				if basePath == "" {
					basePath = env.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("HIVELINE_JWT_SECRET"), Logger: newLogger()}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("HIVELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Runner: env.Runner, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Hiveline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func newLogger() *log.Logger {
	return log.New(os.Stderr, "hiveline: ", log.LstdFlags)
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     newLogger(),
	})
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func withSim(ctx context.Context, fn func(context.Context, *app.Env, string) error) error {
	return withEnv(ctx, func(ctx context.Context, env *app.Env) error {
		simID, err := app.ResolveSimulation(ctx, env.Runner.Repo, viper.GetString("sim"))
		if err != nil {
			return err
		}
		return fn(ctx, env, simID)
	})
}

func printJobCounts(counts map[domain.JobStatus]int) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Status", "Jobs"})
	for _, s := range domain.JobStatuses {
		tw.AppendRow(table.Row{s, counts[s]})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
