package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/gluk-w/sandboxd/internal/config"
	"github.com/gluk-w/sandboxd/internal/database"
	"github.com/gluk-w/sandboxd/internal/janitor"
	"github.com/spf13/cobra"
)

var environmentsCmd = &cobra.Command{
	Use:   "environments",
	Short: "List the environment catalog and tool pairs",
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load()
		envs, err := loadEnvironments()
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ENVIRONMENT\tIMAGE")
		for _, e := range envs.Environments() {
			fmt.Fprintf(tw, "%s\t%s\n", e.Name, e.Image)
		}
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "TOOL PAIR\tENVIRONMENT\tDESCRIPTION")
		for _, p := range envs.ToolPairs() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Environment, p.Description)
		}
		return tw.Flush()
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove every sandbox container left behind by a previous run",
	Long: `Remove every container carrying the sandboxd label. Run this only while no
server is running against the same engine; it treats every unit as orphaned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load()
		if err := database.Init(); err != nil {
			return fmt.Errorf("database init: %w", err)
		}
		defer database.Close()

		ctx := context.Background()
		units, err := newUnitManager(ctx)
		if err != nil {
			return err
		}
		n, err := janitor.New(units, nil, nil, nil, nil, janitor.Options{}).ReapOrphans(ctx)
		if err != nil {
			return fmt.Errorf("reap: %w", err)
		}
		fmt.Printf("Removed %d sandbox unit(s).\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(environmentsCmd, reapCmd)
}
