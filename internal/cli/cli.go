// ============================================================================
// Exposure Pipeline CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the diagnosis-key pipeline
//
// Command Structure:
//   enpipe                         # Root command
//   ├── run                        # Daemon: scheduler, engine signal, debug API, metrics
//   ├── detect                     # One detection run, prints the outcome
//   ├── reconcile                  # One reconciliation run
//   ├── status                     # Checkpoint, last detection, last error, journal
//   ├── reset                      # Clear exposures and checkpoint
//   ├── export                     # Exposure history to .xlsx / .csv / .json
//   ├── serve-engine               # Host the simulated matching engine over gRPC
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// Signal Handling:
//   run and serve-engine stop gracefully on SIGINT / SIGTERM
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/exposure-pipeline/internal/engine"
	"github.com/ChuLiYu/exposure-pipeline/internal/export"
	"github.com/ChuLiYu/exposure-pipeline/internal/logging"
	"github.com/ChuLiYu/exposure-pipeline/internal/server"
	"github.com/ChuLiYu/exposure-pipeline/pkg/types"
)

// Version is injected at build time with -ldflags "-X ...cli.Version=..."
var Version = "0.1.0"

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "enpipe",
		Short: "enpipe: diagnosis-key ingestion and exposure detection",
		Long: `enpipe keeps a local matching engine fed with published diagnosis keys:
- resumable key file download from a checkpoint
- one submission per run, temp files always cleaned up
- exposure reconciliation and notification
- periodic scheduling with backoff`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	load := func() (*Config, error) {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return nil, err
		}
		logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, rootCmd.ErrOrStderr())
		return cfg, nil
	}

	rootCmd.AddCommand(buildRunCommand(load))
	rootCmd.AddCommand(buildDetectCommand(load))
	rootCmd.AddCommand(buildReconcileCommand(load))
	rootCmd.AddCommand(buildStatusCommand(load))
	rootCmd.AddCommand(buildResetCommand(load))
	rootCmd.AddCommand(buildExportCommand(load))
	rootCmd.AddCommand(buildServeEngineCommand(load))

	return rootCmd
}

type configLoader func() (*Config, error)

// signalContext is cancelled on SIGINT / SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline daemon",
		Long:  "Schedule periodic detection, react to engine state updates and serve the debug API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			app, err := NewApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return app.Run(ctx)
		},
	}
}

// ============================================================================
// detect / reconcile
// ============================================================================

func buildDetectCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Run one exposure detection now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			app, err := NewApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close()
			return detect(cmd.Context(), app, cmd.OutOrStdout())
		},
	}
}

func detect(ctx context.Context, app *App, out io.Writer) error {
	res := app.Controller.Run(ctx)
	fmt.Fprintf(out, "outcome: %s\nfiles:   %d\n", res.Outcome, res.Files)
	if res.Outcome != types.OutcomeFailure {
		return nil
	}
	fmt.Fprintf(out, "error:   %s (%s)\n", res.Error, res.ErrorKind)
	return res.Err()
}

func buildReconcileCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the engine's daily summaries with the exposure history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			app, err := NewApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			found, err := app.Reconciler.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "new exposure: %t\n", found)
			return nil
		},
	}
}

// ============================================================================
// status / reset
// ============================================================================

func buildStatusCommand(load configLoader) *cobra.Command {
	var asJSON bool
	var journalLines int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "Display the processed-file checkpoint, last detection, last error, exposure count and recent journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cfg, cmd.OutOrStdout(), asJSON, journalLines)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	cmd.Flags().IntVarP(&journalLines, "journal", "n", 10, "number of journal events to show")
	return cmd
}

func showStatus(ctx context.Context, cfg *Config, out io.Writer, asJSON bool, journalLines int) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	status, err := server.CollectStatus(ctx, st)
	if err != nil {
		return err
	}

	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()
	events, err := j.Recent(journalLines)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			server.Status
			Journal any `json:"journal"`
		}{status, events})
	}

	last := "never"
	if status.LastDetection != nil {
		last = status.LastDetection.Local().Format(time.RFC3339)
	}
	checkpoint := status.LastProcessedFile
	if checkpoint == "" {
		checkpoint = "(none)"
	}

	fmt.Fprintln(out, "Exposure pipeline status")
	fmt.Fprintf(out, "  ├─ Store:              %s (%s)\n", cfg.Store.Path, cfg.Store.Driver)
	fmt.Fprintf(out, "  ├─ Last processed:     %s\n", checkpoint)
	fmt.Fprintf(out, "  ├─ Last detection:     %s\n", last)
	if status.LastError != "" {
		fmt.Fprintf(out, "  ├─ Last error:         %s\n", status.LastError)
	}
	fmt.Fprintf(out, "  └─ Exposures recorded: %d\n", status.Exposures)

	if len(events) > 0 {
		fmt.Fprintln(out, "\nRecent journal")
		for _, e := range events {
			ts := time.UnixMilli(e.Timestamp).Local().Format(time.DateTime)
			line := fmt.Sprintf("  %s #%d %s", ts, e.Seq, e.Type)
			for _, part := range []string{e.State, e.Outcome, e.Detail} {
				if part != "" {
					line += " " + part
				}
			}
			fmt.Fprintln(out, line)
		}
	}
	return nil
}

func buildResetCommand(load configLoader) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the exposure history and the processed-file checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes all exposure records; pass --yes to confirm")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.ResetExposures(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "exposures and checkpoint cleared")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the reset")
	return cmd
}

// ============================================================================
// export
// ============================================================================

func buildExportCommand(load configLoader) *cobra.Command {
	var output string
	var format string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the exposure history",
		Long:  "Write the exposure history to a spreadsheet (.xlsx), CSV or JSON file; '-' writes to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := resolveFormat(output, format)
			if err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.ListExposures(cmd.Context())
			if err != nil {
				return err
			}

			if output == "-" {
				return export.Write(cmd.OutOrStdout(), f, recs)
			}
			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return err
			}
			file, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := export.Write(file, f, recs); err != nil {
				_ = file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d exposures to %s\n", len(recs), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "exposures.xlsx", "output file, '-' for stdout")
	cmd.Flags().StringVarP(&format, "format", "f", "", "xlsx, csv or json (default: from the output extension)")
	return cmd
}

func resolveFormat(output, format string) (export.Format, error) {
	if format != "" {
		return export.ParseFormat(format)
	}
	if output == "-" {
		return export.FormatJSON, nil
	}
	return export.FormatFromPath(output)
}

// ============================================================================
// serve-engine
// ============================================================================

func buildServeEngineCommand(load configLoader) *cobra.Command {
	var summaries []string
	var tempDir string

	cmd := &cobra.Command{
		Use:   "serve-engine",
		Short: "Host the simulated matching engine over gRPC",
		Long: `Serve an in-memory matching engine on engine.address so that pipelines
configured with engine.mode: grpc can talk to it. --summary DAY:MINUTES seeds
a daily summary (days since epoch, weighted minutes) reported to every caller.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			sim := engine.NewSimulator(simulatorConfig(cfg))
			for _, s := range summaries {
				sum, err := parseSummary(s)
				if err != nil {
					return err
				}
				sim.AddSummary(sum)
			}

			lis, err := net.Listen("tcp", cfg.Engine.Address)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Engine.Address, err)
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return serveEngine(ctx, lis, sim, tempDir)
		},
	}
	cmd.Flags().StringArrayVar(&summaries, "summary", nil, "seed a daily summary as DAY:MINUTES (repeatable)")
	cmd.Flags().StringVar(&tempDir, "temp-dir", "", "directory for received key files")
	return cmd
}

func serveEngine(ctx context.Context, lis net.Listener, eng engine.Engine, tempDir string) error {
	log := logging.New("serve-engine")
	gs := grpc.NewServer(engine.ServerOptions()...)
	engine.NewServer(eng, tempDir, log).Register(gs)

	errCh := make(chan error, 1)
	go func() {
		log.Info("Matching engine listening", "addr", lis.Addr().String())
		errCh <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, stopping gracefully")
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// parseSummary parses DAY:MINUTES
func parseSummary(s string) (types.DailySummary, error) {
	dayStr, minStr, ok := strings.Cut(s, ":")
	if !ok {
		return types.DailySummary{}, fmt.Errorf("summary %q: want DAY:MINUTES", s)
	}
	day, err := strconv.Atoi(dayStr)
	if err != nil {
		return types.DailySummary{}, fmt.Errorf("summary %q: day: %w", s, err)
	}
	minutes, err := strconv.ParseFloat(minStr, 64)
	if err != nil {
		return types.DailySummary{}, fmt.Errorf("summary %q: minutes: %w", s, err)
	}
	return types.DailySummary{DaysSinceEpoch: day, WeightedDurationSum: minutes * 60}, nil
}
