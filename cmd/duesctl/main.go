package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dan9191/dues-service/internal/app"
	"github.com/Dan9191/dues-service/internal/config"
	"github.com/Dan9191/dues-service/internal/sepa"
	"github.com/Dan9191/dues-service/internal/service"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "duesctl",
	Short: "Operator tool for the membership dues service",
	Long: `duesctl runs the billing pipeline and its maintenance tasks against the
database configured through the environment (see .env).`,
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			if err := a.Repo.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run [stage]",
	Short: "Run the billing pipeline, or a single stage of it",
	Long: `Runs generate, assemble, render, submit, reconcile and classify in order.
Naming a stage runs only that stage.`,
	Example: `  # Full run for today
  duesctl run

  # Generate invoices as if it were the first of March
  duesctl run generate --as-of 2024-03-01`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPipeline,
}

var applyReportCmd = &cobra.Command{
	Use:   "apply-report <file>",
	Short: "Apply a pain.002 status report received out of band",
	Args:  cobra.ExactArgs(1),
	RunE:  applyReport,
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print the bcrypt hash for OPERATOR_PASSWORD_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hashed, err := service.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hashed)
		return nil
	},
}

func init() {
	runCmd.Flags().String("as-of", "", "Run date (format: YYYY-MM-DD, default: today)")
	rootCmd.AddCommand(migrateCmd, runCmd, applyReportCmd, hashPasswordCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, app.NewLogger(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	asOf := time.Now()
	if raw, _ := cmd.Flags().GetString("as-of"); raw != "" {
		d, err := utils.ParseDate(raw)
		if err != nil {
			return fmt.Errorf("invalid --as-of %q: %w", raw, err)
		}
		asOf = d
	}

	return withApp(cmd.Context(), func(a *app.App) error {
		var (
			report *service.RunReport
			err    error
		)
		if len(args) == 1 {
			stage, perr := service.ParseStage(args[0])
			if perr != nil {
				return perr
			}
			report, err = a.Pipeline.RunStage(cmd.Context(), a.RunSettings(), stage, asOf)
		} else {
			report, err = a.Pipeline.Run(cmd.Context(), a.RunSettings(), asOf)
		}
		if report != nil {
			if perr := printJSON(cmd, report); perr != nil {
				return perr
			}
		}
		return err
	})
}

func applyReport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	reports, err := sepa.ParseStatusReports(data)
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(a *app.App) error {
		results := make([]*service.ReconcileResult, 0, len(reports))
		for _, r := range reports {
			res, err := a.Workflow.ApplyReport(cmd.Context(), r)
			if err != nil {
				return fmt.Errorf("report %s: %w", r.MessageID, err)
			}
			results = append(results, res)
		}
		return printJSON(cmd, results)
	})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
