package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/resync/integrations"
	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/pkg/diff"
	"github.com/TFMV/resync/pkg/freshness"
	"github.com/TFMV/resync/pkg/repair"
	"github.com/TFMV/resync/pkg/schema"
)

const rangeLayout = "2006-01-02 15:04:05"

// RunTask runs the whole pipeline of one task and returns its outcome. It never panics and
// releases both endpoint connections on every path.
func (o *Orchestrator) RunTask(ctx context.Context, runID string, task core.Task) (out core.TaskOutcome) {
	start := o.now()
	out = core.TaskOutcome{
		TaskID:       task.ID,
		RunID:        runID,
		SourceTable:  task.Source.QualifiedTable(),
		TargetTable:  task.Target.QualifiedTable(),
		StartTime:    start,
		RepairStatus: string(repair.StatePending),
	}
	logger := o.logger.With(zap.String("task", task.ID), zap.String("run", runID))

	defer func() {
		if r := recover(); r != nil {
			out.Status = core.StatusFail
			out.Message = fmt.Sprintf("panic: %v", r)
			logger.Error("Task panicked", zap.Any("panic", r))
		}
		out.EndTime = o.now()
		out.CostMinutes = math.Round(out.EndTime.Sub(start).Minutes()*1e6) / 1e6

		logger.Info("Task finished",
			zap.String("status", string(out.Status)),
			zap.Int64("source_count", out.SourceCount),
			zap.Int64("target_count", out.TargetCount),
			zap.Int64("diff_count", out.DiffCount),
			zap.Float64("matching_rate", out.MatchingRate),
			zap.String("repair_status", out.RepairStatus),
			zap.Float64("cost_minutes", out.CostMinutes))
		o.save(context.WithoutCancel(ctx), out)
	}()

	logger.Info("Starting task",
		zap.Stringer("source", task.Source),
		zap.Stringer("target", task.Target))

	if err := o.runTask(ctx, task, &out, logger); err != nil {
		out.Status = core.StatusFail
		out.Message = err.Error()
		if out.RepairStatus == string(repair.StatePending) {
			out.RepairStatus = string(repair.StateFail)
		}
		logger.Error("Task failed", zap.Error(err))
	}
	return out
}

// runTask fills out and returns the error that failed the task, if any.
func (o *Orchestrator) runTask(ctx context.Context, task core.Task, out *core.TaskOutcome, logger *zap.Logger) error {
	opts := task.Options

	src, err := o.conns.Acquire(ctx, task.Source)
	if err != nil {
		return fmt.Errorf("failed to connect to source %s: %w", task.Source, err)
	}
	defer release(src, logger)

	tgt, err := o.conns.Acquire(ctx, task.Target)
	if err != nil {
		return fmt.Errorf("failed to connect to target %s: %w", task.Target, err)
	}
	defer release(tgt, logger)

	srcCols, err := o.columns(ctx, src)
	if err != nil {
		return fmt.Errorf("source metadata: %w", err)
	}
	tgtCols, err := o.columns(ctx, tgt)
	if err != nil {
		return fmt.Errorf("target metadata: %w", err)
	}

	keys, err := o.keyColumns(ctx, task.Source, src)
	if err != nil {
		return err
	}

	sensitive := append(append([]string(nil), task.Source.SensitiveColumns...), task.Target.SensitiveColumns...)
	common := schema.CommonColumns(srcCols, tgtCols, sensitive)
	if missing := missingColumns(keys, common); len(missing) > 0 {
		return core.NewConfigurationError("primary_keys", "key columns %s not present on both sides", strings.Join(missing, ", "))
	}

	columns := o.matcher.ComparableColumns(task.Source.Kind, srcCols, tgtCols, schema.Selection{
		KeyColumns:      keys,
		FreshnessColumn: task.Source.FreshnessColumn,
		Sensitive:       sensitive,
		Override:        task.Source.Columns,
		ExtraColumns:    opts.ExtraColumnFlag,
	})
	out.CheckColumns = columns
	kinds := o.matcher.Kinds(srcCols, tgtCols)

	srcFilter, tgtFilter, err := o.window(task, out, logger)
	if err != nil {
		return err
	}

	loader := &diff.Loader{Retry: o.retry, Logger: logger}
	srcTotal, err := loader.Count(ctx, src, srcFilter)
	if err != nil {
		return fmt.Errorf("source row count: %w", err)
	}
	tgtTotal, err := loader.Count(ctx, tgt, tgtFilter)
	if err != nil {
		return fmt.Errorf("target row count: %w", err)
	}

	srcRows, err := loader.Load(ctx, src, diff.LoadRequest{Columns: columns, Filter: srcFilter, OrderBy: keys, ChunkSize: opts.ChunkSize}, srcTotal)
	if err != nil {
		return fmt.Errorf("source rows: %w", err)
	}
	tgtRows, err := loader.Load(ctx, tgt, diff.LoadRequest{Columns: columns, Filter: tgtFilter, OrderBy: keys, ChunkSize: opts.ChunkSize}, tgtTotal)
	if err != nil {
		return fmt.Errorf("target rows: %w", err)
	}

	backend := diff.NewVolumePolicy(opts.InMemoryThreshold, logger).Select(srcTotal, tgtTotal)
	res, err := backend.Classify(ctx, diff.Input{
		Source:     srcRows,
		Target:     tgtRows,
		KeyColumns: keys,
		Columns:    columns,
		Kinds:      kinds,
	})
	if err != nil {
		return fmt.Errorf("classification failed: %w", err)
	}

	out.SourceCount = res.SourceCount
	out.TargetCount = res.TargetCount
	out.DiffCount = int64(res.DiffCount())
	out.Mismatched = len(res.Mismatched)
	out.SourceOnly = len(res.SourceOnly)
	out.TargetOnly = len(res.TargetOnly)
	out.MatchingRate = res.MatchingRate
	logger.Info("Reconciled",
		zap.String("backend", backend.Name()),
		zap.Int("matched", len(res.MatchedEqual)),
		zap.Int("mismatched", out.Mismatched),
		zap.Int("source_only", out.SourceOnly),
		zap.Int("target_only", out.TargetOnly))

	req := repair.Request{
		RunID:      out.RunID,
		TaskID:     task.ID,
		Source:     task.Source,
		Target:     task.Target,
		Result:     res,
		KeyColumns: keys,
		Columns:    common,
	}
	if opts.RepairEnabled && len(res.RepairCandidates()) > 0 {
		c := tgt.CheckCapability(ctx, core.CapabilityWritable)
		req.Writable = &c
	}

	d := o.planner.Plan(req, repair.Settings{
		Enabled:       opts.RepairEnabled,
		WriteMode:     opts.RepairWriteMode,
		SizeThreshold: opts.RepairSizeThreshold,
		MaxBatchSize:  opts.MaxBatchSize,
		Freshness: freshness.Settings{
			Enabled:          opts.EnableFreshnessFilter,
			Column:           task.Source.FreshnessColumn,
			ToleranceSeconds: opts.FreshnessToleranceSeconds,
		},
	})
	out.RepairStatus = string(d.State)
	out.RepairMessage = d.Message

	switch d.State {
	case repair.StateSkip:
		out.Status = core.StatusSkip
		return nil
	case repair.StateBlocked, repair.StateFail:
		out.Status = core.StatusFail
		out.Message = d.Message
		return nil
	}

	out.RepairCount = d.Plan.KeyCount()
	out.RepairUnits = len(d.Plan.Units)
	if opts.DryRun {
		files, err := o.writeJobs(d.Plan)
		out.JobFiles = files
		if err != nil {
			return fmt.Errorf("failed to write job files: %w", err)
		}
		out.Status = core.StatusSuccess
		out.RepairMessage = fmt.Sprintf("dry run: %d keys in %d units", out.RepairCount, out.RepairUnits)
		return nil
	}

	if o.executor == nil {
		return &core.FatalPlanningError{Reason: "no executor configured"}
	}
	rep := repair.NewDispatcher(o.executor, o.unitTimeout, logger).Dispatch(ctx, d.Plan)
	out.RepairStatus = string(rep.State)
	out.RepairCount = rep.Repaired
	out.JobFiles = rep.Files()
	for _, u := range rep.Units {
		if u.Err != nil {
			out.FailedUnits++
		}
	}

	switch rep.State {
	case repair.StateSuccess:
		out.Status = core.StatusSuccess
		out.RepairMessage = fmt.Sprintf("repaired %d keys in %d units", rep.Repaired, len(rep.Units))
	case repair.StatePartialFail:
		out.Status = core.StatusPartialFail
		out.RepairMessage = rep.Err.Error()
		out.Message = rep.Err.Error()
	default:
		out.Status = core.StatusFail
		out.RepairMessage = rep.Err.Error()
		out.Message = rep.Err.Error()
	}
	return nil
}

func (o *Orchestrator) columns(ctx context.Context, conn core.EndpointAdapter) ([]core.ColumnMeta, error) {
	var cols []core.ColumnMeta
	err := o.retry.Do(ctx, "columns metadata", func(ctx context.Context) error {
		var err error
		cols, err = conn.ColumnsMetadata(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, core.NewConfigurationError("table", "table not found or has no columns")
	}
	return cols, nil
}

// keyColumns returns the configured primary key, or the one reported by the source.
func (o *Orchestrator) keyColumns(ctx context.Context, ep core.Endpoint, conn core.EndpointAdapter) ([]string, error) {
	if len(ep.PrimaryKeys) > 0 {
		return ep.PrimaryKeys, nil
	}
	var keys []string
	err := o.retry.Do(ctx, "primary keys", func(ctx context.Context) error {
		var err error
		keys, err = conn.PrimaryKeys(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("source primary key: %w", err)
	}
	if len(keys) == 0 {
		return nil, core.NewConfigurationError("primary_keys", "%s has no primary key", ep.QualifiedTable())
	}
	return keys, nil
}

// window returns the row filters of an incremental task, or empty filters for a full check.
func (o *Orchestrator) window(task core.Task, out *core.TaskOutcome, logger *zap.Logger) (string, string, error) {
	opts := task.Options
	if !opts.Incremental {
		return "", "", nil
	}
	srcCol := task.Source.FreshnessColumn
	if srcCol == "" {
		logger.Warn("Incremental check without a freshness column, checking the whole table")
		return "", "", nil
	}
	tgtCol := task.Target.FreshnessColumn
	if tgtCol == "" {
		tgtCol = srcCol
	}

	days := opts.IncrementalDays
	if days < 1 {
		days = 1
	}
	end := o.now().UTC().Truncate(time.Second)
	start := end.AddDate(0, 0, -days)

	srcDialect, err := integrations.DialectFor(task.Source.Kind)
	if err != nil {
		return "", "", err
	}
	tgtDialect, err := integrations.DialectFor(task.Target.Kind)
	if err != nil {
		return "", "", err
	}
	out.CheckRange = start.Format(rangeLayout) + " ~ " + end.Format(rangeLayout)
	return srcDialect.WindowFilter(srcCol, start, end), tgtDialect.WindowFilter(tgtCol, start, end), nil
}

func (o *Orchestrator) writeJobs(plan *core.RepairPlan) ([]string, error) {
	w, ok := o.executor.(JobWriter)
	if !ok {
		return nil, nil
	}
	var files []string
	for _, job := range repair.Jobs(plan) {
		f, err := w.WriteJob(job)
		if err != nil {
			return files, err
		}
		files = append(files, f)
	}
	return files, nil
}

func missingColumns(keys, common []string) []string {
	present := make(map[string]bool, len(common))
	for _, c := range common {
		present[strings.ToLower(c)] = true
	}
	var missing []string
	for _, k := range keys {
		if !present[strings.ToLower(k)] {
			missing = append(missing, k)
		}
	}
	return missing
}

func release(conn integrations.Connection, logger *zap.Logger) {
	if err := conn.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Failed to release connection", zap.Error(err))
	}
}
