// Package orchestrator runs reconciliation tasks on a bounded worker pool and records one outcome
// per task.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TFMV/resync/integrations"
	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/pkg/freshness"
	"github.com/TFMV/resync/pkg/repair"
	"github.com/TFMV/resync/pkg/retry"
	"github.com/TFMV/resync/pkg/schema"
)

// Connections hands out endpoint connections. integrations.Registry implements it.
type Connections interface {
	Acquire(ctx context.Context, ep core.Endpoint) (integrations.Connection, error)
}

// JobWriter writes job descriptions without running them. It is used for dry runs.
type JobWriter interface {
	WriteJob(job core.Job) (string, error)
}

// Orchestrator runs tasks. It holds no per-task state and may run several batches of tasks
// concurrently.
type Orchestrator struct {
	conns       Connections
	executor    core.Executor
	stores      []core.OutcomeStore
	retry       *retry.Policy
	matcher     *schema.Matcher
	planner     *repair.Planner
	unitTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStores adds outcome sinks. Every finished task is saved to each of them in order.
func WithStores(stores ...core.OutcomeStore) Option {
	return func(o *Orchestrator) {
		o.stores = append(o.stores, stores...)
	}
}

// WithRetry sets the retry policy of endpoint reads.
func WithRetry(p *retry.Policy) Option {
	return func(o *Orchestrator) {
		o.retry = p
	}
}

// WithMatcher sets the type matcher used for column selection.
func WithMatcher(m *schema.Matcher) Option {
	return func(o *Orchestrator) {
		o.matcher = m
	}
}

// WithUnitTimeout bounds each executor invocation.
func WithUnitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.unitTimeout = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator reading through conns and repairing through executor.
func New(conns Connections, executor core.Executor, logger *zap.Logger, options ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		conns:    conns,
		executor: executor,
		matcher:  schema.NewMatcher(nil),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range options {
		opt(o)
	}
	if o.retry == nil {
		o.retry = retry.Default()
		o.retry.Logger = logger
	}
	o.planner = repair.NewPlanner(freshness.NewGate(logger), logger)
	return o
}

// Run executes tasks with at most limit running at once and returns their outcomes in input
// order. A failing task never stops its siblings.
func (o *Orchestrator) Run(ctx context.Context, tasks []core.Task, limit int) []core.TaskOutcome {
	return o.RunWithID(ctx, uuid.NewString(), tasks, limit)
}

// RunWithID is Run with a caller-chosen run identifier.
func (o *Orchestrator) RunWithID(ctx context.Context, runID string, tasks []core.Task, limit int) []core.TaskOutcome {
	if limit < 1 {
		limit = 1
	}
	o.logger.Info("Starting run",
		zap.String("run", runID),
		zap.Int("tasks", len(tasks)),
		zap.Int("concurrency", limit))

	outcomes := make([]core.TaskOutcome, len(tasks))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, task := range tasks {
		g.Go(func() error {
			outcomes[i] = o.RunTask(ctx, runID, task)
			return nil
		})
	}
	_ = g.Wait()

	counts := make(map[core.Status]int)
	for _, out := range outcomes {
		counts[out.Status]++
	}
	o.logger.Info("Run finished",
		zap.String("run", runID),
		zap.Int("success", counts[core.StatusSuccess]),
		zap.Int("skip", counts[core.StatusSkip]),
		zap.Int("partial_fail", counts[core.StatusPartialFail]),
		zap.Int("fail", counts[core.StatusFail]))
	return outcomes
}

// save hands the outcome to every store. Store failures are logged and do not change the
// outcome.
func (o *Orchestrator) save(ctx context.Context, out core.TaskOutcome) {
	for _, s := range o.stores {
		if err := s.SaveOutcome(ctx, out); err != nil {
			o.logger.Error("Failed to save outcome",
				zap.String("task", out.TaskID),
				zap.String("store", storeName(s)),
				zap.Error(err))
		}
	}
}

func storeName(s core.OutcomeStore) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "outcome store"
}
