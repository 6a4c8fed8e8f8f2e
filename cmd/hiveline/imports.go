package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hiveline/internal/app"
	"hiveline/internal/domain"
)

func commutersCmd() *cobra.Command {
	c := &cobra.Command{Use: "commuters", Short: "Manage virtual commuters"}
	c.AddCommand(commutersImportCmd())
	return c
}

func commutersImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Import commuters, one JSON object per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			commuters, err := readCommuters(args[0])
			if err != nil {
				return err
			}
			return withSim(cmd.Context(), func(ctx context.Context, env *app.Env, simID string) error {
				n, err := env.Runner.ImportCommuters(ctx, simID, commuters)
				if err != nil {
					return err
				}
				return printCount("imported", n, "commuters", simID)
			})
		},
	}
	return cmd
}

func readCommuters(path string) ([]domain.Commuter, error) {
	f, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []domain.Commuter
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var c domain.Commuter
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if c.VCID == "" {
			return nil, fmt.Errorf("%s:%d: vc_id is required", path, line)
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func delaysCmd() *cobra.Command {
	d := &cobra.Command{Use: "delays", Short: "Manage operator delay profiles"}
	d.AddCommand(delaysImportCmd())
	return d
}

func delaysImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Import operator delay profiles from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			profiles, err := domain.ParseDelayProfiles(data)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Runner.Repo.UpsertDelayProfiles(ctx, profiles); err != nil {
					return err
				}
				return printCount("imported", len(profiles), "delay profiles", "")
			})
		},
	}
	return cmd
}

func edgesCmd() *cobra.Command {
	e := &cobra.Command{Use: "edges", Short: "Manage street network edges"}
	e.AddCommand(edgesImportCmd())
	return e
}

func edgesImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Import street edges (from, to, lanes, length)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			var edges []domain.Edge
			if err := json.Unmarshal(data, &edges); err != nil {
				return fmt.Errorf("invalid edges json: %w", err)
			}
			return withSim(cmd.Context(), func(ctx context.Context, env *app.Env, simID string) error {
				if err := env.Runner.Repo.UpsertEdges(ctx, simID, edges); err != nil {
					return err
				}
				return printCount("imported", len(edges), "edges", simID)
			})
		},
	}
	return cmd
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func readInput(path string) ([]byte, error) {
	f, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func printCount(verb string, n int, what, simID string) error {
	if viper.GetBool("json") {
		out := map[string]any{verb: n}
		if simID != "" {
			out["sim_id"] = simID
		}
		return printJSON(out)
	}
	if simID != "" {
		fmt.Printf("%s %d %s for %s\n", strings.ToUpper(verb[:1])+verb[1:], n, what, simID)
		return nil
	}
	fmt.Printf("%s %d %s\n", strings.ToUpper(verb[:1])+verb[1:], n, what)
	return nil
}
