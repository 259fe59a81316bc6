package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/campus-world/internal/world"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation once and print the exam report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if days > 0 {
				cfg.Simulation.TotalDays = days
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			logger.Info("simulation starting", zap.Int("days", cfg.Simulation.TotalDays), zap.Int("agents", a.sim.Registry().Len()))
			reports, err := a.run(ctx)
			if err != nil {
				return fmt.Errorf("simulation: %w", err)
			}
			logger.Info("simulation finished")
			return printReports(cmd.OutOrStdout(), reports)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "override simulation.total_days")
	return cmd
}

func printReports(w io.Writer, reports []world.Report) error {
	if len(reports) == 0 {
		_, err := fmt.Fprintln(w, "no exam was run")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STUDENT\tPRE\tPOST\tIMPROVEMENT")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%+.1f\n", r.Student, r.Pre, r.Post, r.Improvement)
	}
	return tw.Flush()
}

// runInBackground runs the simulation until it finishes or ctx ends.
func runInBackground(ctx context.Context, a *app) <-chan error {
	done := make(chan error, 1)
	go func() {
		reports, err := a.run(ctx)
		if err == nil {
			for _, r := range reports {
				a.logger.Info("exam report", zap.String("student", r.Student),
					zap.Float64("pre", r.Pre), zap.Float64("post", r.Post), zap.Float64("improvement", r.Improvement))
			}
		}
		done <- err
	}()
	return done
}
