package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/TFMV/resync/config"
	"github.com/TFMV/resync/integrations"
	"github.com/TFMV/resync/integrations/postgres"
	"github.com/TFMV/resync/internal/archive"
	"github.com/TFMV/resync/internal/executor"
	"github.com/TFMV/resync/internal/store"
	"github.com/TFMV/resync/logger"
	"github.com/TFMV/resync/metrics"
	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/pkg/orchestrator"
	"github.com/TFMV/resync/pkg/retry"
	"github.com/TFMV/resync/report"
)

// overrides are command-line settings that win over the config file.
type overrides struct {
	repair    *bool
	dryRun    bool
	logLevel  string
	outcomes  string
	reportDir string
}

// app is everything a run needs, built once per process.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *integrations.Registry
	collector *metrics.Collector
	taskStore *store.Store
	orch      *orchestrator.Orchestrator
}

func loadConfig(path string, o overrides) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if o.repair != nil {
		cfg.Global.RepairEnabled = *o.repair
		for i := range cfg.Tasks {
			cfg.Tasks[i].RepairEnabled = nil
		}
	}
	if o.dryRun {
		cfg.Executor.DryRun = true
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.outcomes != "" {
		cfg.OutcomeFile = o.outcomes
	}
	if o.reportDir != "" {
		cfg.ReportDir = o.reportDir
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger.SetLogPath(cfg.Log.File)
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return nil, core.NewConfigurationError("log.level", "%v", err)
	}
	log := logger.GetLogger()

	cfg.Normalize(log)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: log, collector: metrics.NewCollector()}

	a.registry = integrations.NewRegistry(log, integrations.DefaultBreakerSettings())
	a.registry.Register("postgresql", postgres.Opener(integrations.SQLOpener()))

	exec, err := executor.New(executor.Config{
		Command:           cfg.Executor.Command(),
		JobDir:            cfg.Executor.JobDir,
		Channel:           cfg.Executor.Channel,
		PreSQL:            cfg.Executor.PreSQL,
		LaunchesPerSecond: cfg.Executor.LaunchesPerSecond,
		DryRun:            cfg.Executor.DryRun,
	}, log)
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}

	stores := []core.OutcomeStore{&metrics.JSONOutcomeStore{FilePath: cfg.OutcomeFile}, a.collector}
	if cfg.ReportDir != "" {
		stores = append(stores, &report.Writer{Dir: cfg.ReportDir})
	}
	if cfg.Storage.Enabled {
		client, err := archive.NewClient(cfg.Storage)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		arch := archive.New(client, cfg.Storage, cfg.ReportDir, log)
		if err := arch.EnsureBucket(ctx); err != nil {
			return nil, errors.Join(err, a.Close())
		}
		stores = append(stores, arch)
	}
	if cfg.TaskStore.Enabled {
		a.taskStore, err = store.Open(cfg.TaskStore, log)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		stores = append(stores, a.taskStore)
	}

	policy := &retry.Policy{
		MaxAttempts: cfg.Global.Retry.MaxAttempts,
		BaseDelay:   cfg.Global.Retry.BaseDelay,
		MaxDelay:    cfg.Global.Retry.MaxDelay,
		Jitter:      cfg.Global.Retry.Jitter,
		Retryable:   core.IsTransient,
		Logger:      log,
	}
	a.orch = orchestrator.New(a.registry, exec, log,
		orchestrator.WithStores(stores...),
		orchestrator.WithRetry(policy),
		orchestrator.WithUnitTimeout(cfg.Executor.Timeout))
	return a, nil
}

// tasks resolves the configured tasks plus those kept in the task store. Stored tasks win
// over file tasks with the same id.
func (a *app) tasks(ctx context.Context, ids ...string) ([]core.Task, error) {
	defs := slices.Clone(a.cfg.Tasks)
	if a.taskStore != nil {
		stored, err := a.taskStore.LoadTaskConfigs(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range stored {
			defs = slices.DeleteFunc(defs, func(d config.TaskConfig) bool { return d.ID == t.ID })
			defs = append(defs, t)
		}
	}

	resolved := *a.cfg
	resolved.Tasks = defs
	resolved.Normalize(a.logger)
	if err := resolved.Validate(); err != nil {
		return nil, err
	}

	tasks := resolved.CoreTasks(ids...)
	if len(ids) > 0 && len(tasks) != len(ids) {
		return nil, core.NewConfigurationError("task", "unknown task id in %v", ids)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks configured")
	}
	return tasks, nil
}

// Close releases connection pools and the task store.
func (a *app) Close() error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	if a.taskStore != nil {
		errs = append(errs, a.taskStore.Close())
	}
	logger.Sync()
	return errors.Join(errs...)
}
