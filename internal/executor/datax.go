// Package executor runs repair jobs through the DataX bulk copy tool.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/TFMV/resync/pkg/core"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const outputTail = 4096

// Config configures the DataX executor.
type Config struct {
	// Command is the launcher, e.g. ["python3", "/opt/datax/bin/datax.py"]. The job file is
	// appended as the last argument.
	Command []string

	// JobDir receives the generated job files.
	JobDir string

	Channel int
	PreSQL  []string

	// LaunchesPerSecond throttles process starts; zero means unlimited.
	LaunchesPerSecond float64

	// DryRun writes job files without launching DataX.
	DryRun bool
}

// DataX writes one job file per unit and runs DataX on it.
type DataX struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a DataX executor.
func New(cfg Config, logger *zap.Logger) (*DataX, error) {
	if len(cfg.Command) == 0 && !cfg.DryRun {
		return nil, core.NewConfigurationError("executor.command", "no DataX command configured")
	}
	if cfg.JobDir == "" {
		cfg.JobDir = "jobs"
	}
	if err := os.MkdirAll(cfg.JobDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create job dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.LaunchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LaunchesPerSecond), 1)
	}
	return &DataX{cfg: cfg, limiter: limiter, logger: logger}, nil
}

// Execute writes the job file and runs DataX on it until it exits or ctx expires.
func (d *DataX) Execute(ctx context.Context, job core.Job) (core.JobResult, error) {
	start := time.Now()
	path, err := d.WriteJob(job)
	if err != nil {
		return core.JobResult{}, err
	}
	res := core.JobResult{File: path}
	if d.cfg.DryRun {
		d.logger.Info("Dry run, job not executed", zap.String("file", path))
		return res, nil
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return res, fmt.Errorf("waiting to launch %s: %w", job.Name, err)
	}

	args := append(append([]string(nil), d.cfg.Command[1:]...), path)
	cmd := exec.CommandContext(ctx, d.cfg.Command[0], args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 10 * time.Second

	d.logger.Info("Launching DataX",
		zap.String("task", job.TaskID),
		zap.String("job", job.Name),
		zap.String("file", path))

	runErr := cmd.Run()
	res.Duration = time.Since(start)
	res.Output = tail(out.Bytes())
	if runErr != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("datax job %s: %w", job.Name, ctx.Err())
		}
		return res, fmt.Errorf("datax job %s failed: %w: %s", job.Name, runErr, res.Output)
	}
	return res, nil
}

// JobPath returns <JobDir>/<run>/<task>/<job name>.json. Jobs without a run go under "adhoc".
func (d *DataX) JobPath(job core.Job) string {
	run := job.RunID
	if run == "" {
		run = "adhoc"
	}
	return filepath.Join(d.cfg.JobDir, pathSegment(run), pathSegment(job.TaskID), pathSegment(job.Name)+".json")
}

func pathSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_").Replace(s)
}

// WriteJob renders job to JobPath.
func (d *DataX) WriteJob(job core.Job) (string, error) {
	desc, err := BuildDescription(job, JobOptions{Channel: d.cfg.Channel, PreSQL: d.cfg.PreSQL})
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(desc, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode job %s: %w", job.Name, err)
	}
	path := d.JobPath(job)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write job file: %w", err)
	}
	return path, nil
}

func tail(b []byte) string {
	if len(b) > outputTail {
		b = b[len(b)-outputTail:]
	}
	return string(bytes.TrimSpace(b))
}
