package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/TFMV/resync/pkg/core"
)

// RunOptions are the flags of the run command.
type RunOptions struct {
	Tasks       []string
	Concurrency int
	Repair      bool
	DryRun      bool
	LogLevel    string
	Outcomes    string
	ReportDir   string
	Quiet       bool
}

func newRunCommand(configPath *string) *cobra.Command {
	options := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile the configured tasks and repair the differences",
		Long: `The run command reconciles every configured task, or only those named with --task,
and exits non-zero when any task fails or repairs only partially.

--repair overrides the repair_enabled setting of every task. --dry-run plans repairs
and writes the DataX job files without running them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o := overrides{
				dryRun:    options.DryRun,
				logLevel:  options.LogLevel,
				outcomes:  options.Outcomes,
				reportDir: options.ReportDir,
			}
			if cmd.Flags().Changed("repair") {
				o.repair = &options.Repair
			}
			return runTasks(cmd, *configPath, options, o)
		},
	}

	cmd.Flags().StringSliceVarP(&options.Tasks, "task", "t", nil, "Task ids to run (default all)")
	cmd.Flags().IntVar(&options.Concurrency, "concurrency", 0, "Maximum tasks running at once (default from config)")
	cmd.Flags().BoolVar(&options.Repair, "repair", false, "Enable or disable repair for every task")
	cmd.Flags().BoolVar(&options.DryRun, "dry-run", false, "Plan repairs and write job files without running them")
	cmd.Flags().StringVar(&options.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&options.Outcomes, "outcomes", "", "Append outcomes as JSON lines to this file")
	cmd.Flags().StringVar(&options.ReportDir, "report-dir", "", "Write JSON and HTML reports to this directory")
	cmd.Flags().BoolVarP(&options.Quiet, "quiet", "q", false, "Disable the progress spinner")

	return cmd
}

func runTasks(cmd *cobra.Command, configPath string, options *RunOptions, o overrides) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(configPath, o)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tasks, err := a.tasks(ctx, options.Tasks...)
	if err != nil {
		return err
	}
	limit := options.Concurrency
	if limit < 1 {
		limit = cfg.Global.Concurrency
	}

	var s *spinner.Spinner
	if !options.Quiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
		s.Suffix = fmt.Sprintf(" reconciling %d task(s)", len(tasks))
		s.Start()
	}
	outcomes := a.orch.Run(ctx, tasks, limit)
	if s != nil {
		s.Stop()
	}

	printSummary(cmd, outcomes)
	return summarize(ctx, outcomes)
}

func printSummary(cmd *cobra.Command, outcomes []core.TaskOutcome) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tSOURCE\tTARGET\tDIFF\tREPAIR\tREPAIRED\tMINUTES")
	for _, out := range outcomes {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%d\t%.2f\n",
			out.TaskID, out.Status, out.SourceCount, out.TargetCount, out.DiffCount,
			out.RepairStatus, out.RepairCount, out.CostMinutes)
	}
	_ = w.Flush()
}

func summarize(ctx context.Context, outcomes []core.TaskOutcome) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}
	failed := 0
	for _, out := range outcomes {
		if out.Status == core.StatusFail || out.Status == core.StatusPartialFail {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d task(s) did not succeed", failed, len(outcomes))
	}
	return nil
}
