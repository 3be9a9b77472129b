package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TFMV/resync/pkg/core"
	"go.uber.org/zap"
)

// DefaultUnitTimeout bounds one executor invocation.
const DefaultUnitTimeout = time.Hour

// UnitResult is the outcome of one work unit.
type UnitResult struct {
	Sequence int
	Keys     int
	Job      core.Job
	Result   core.JobResult
	Err      error
}

// Report aggregates a dispatch.
type Report struct {
	State    State
	Units    []UnitResult
	Repaired int
	Err      error
}

// Files returns the job files the executor reported.
func (r Report) Files() []string {
	var out []string
	for _, u := range r.Units {
		if u.Result.File != "" {
			out = append(out, u.Result.File)
		}
	}
	return out
}

// Dispatcher hands the units of a plan to an executor one by one.
type Dispatcher struct {
	executor core.Executor
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. A zero timeout uses DefaultUnitTimeout.
func NewDispatcher(executor core.Executor, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultUnitTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{executor: executor, timeout: timeout, logger: logger}
}

// Dispatch runs every unit under its own timeout. All units succeeding is success, some is
// partial_fail with a PartialBatchFailure, none is fail. Units that already ran are not rolled
// back.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *core.RepairPlan) Report {
	jobs := Jobs(plan)
	rep := Report{State: StateDispatched, Units: make([]UnitResult, 0, len(jobs))}

	var errs []error
	for i, job := range jobs {
		unit := plan.Units[i]
		ur := UnitResult{Sequence: unit.Sequence, Keys: len(unit.Batch.Keys), Job: job}

		start := time.Now()
		ur.Result, ur.Err = d.run(ctx, job)
		if ur.Err != nil {
			errs = append(errs, fmt.Errorf("unit %d: %w", unit.Sequence, ur.Err))
			d.logger.Error("Repair unit failed",
				zap.String("task", plan.TaskID),
				zap.String("job", job.Name),
				zap.Int("keys", ur.Keys),
				zap.Error(ur.Err))
		} else {
			rep.Repaired += ur.Keys
			d.logger.Info("Repair unit finished",
				zap.String("task", plan.TaskID),
				zap.String("job", job.Name),
				zap.Int("keys", ur.Keys),
				zap.Duration("took", time.Since(start)))
		}
		rep.Units = append(rep.Units, ur)
	}

	switch {
	case len(errs) == 0:
		rep.State = StateSuccess
	case len(errs) < len(jobs):
		rep.State = StatePartialFail
		rep.Err = &core.PartialBatchFailure{Failed: len(errs), Total: len(jobs), Err: errors.Join(errs...)}
	default:
		rep.State = StateFail
		rep.Err = errors.Join(errs...)
	}
	return rep
}

func (d *Dispatcher) run(ctx context.Context, job core.Job) (res core.JobResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return d.executor.Execute(ctx, job)
}

// Jobs builds one executor job per unit. Job names are the target table for a single unit, or
// the target table suffixed with the unit sequence when there are several. Names are unique
// within a plan only; executors scope them by run and task.
func Jobs(plan *core.RepairPlan) []core.Job {
	jobs := make([]core.Job, len(plan.Units))
	for i, u := range plan.Units {
		name := plan.Target.Table
		if len(plan.Units) > 1 {
			name = fmt.Sprintf("%s_%d", plan.Target.Table, u.Sequence)
		}
		jobs[i] = core.Job{
			RunID:         plan.RunID,
			TaskID:        plan.TaskID,
			Name:          name,
			Sequence:      u.Sequence,
			Source:        plan.Source,
			Target:        plan.Target,
			SourceFilter:  u.Predicate.SQL,
			SourceColumns: plan.Columns,
			TargetColumns: plan.Columns,
			WriteMode:     plan.WriteMode,
			PKColumns:     plan.PKColumns,
		}
	}
	return jobs
}
