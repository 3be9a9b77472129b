package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/version"
)

// Runner executes a batch of tasks under a run id.
type Runner interface {
	RunWithID(ctx context.Context, runID string, tasks []core.Task, limit int) []core.TaskOutcome
}

// TaskSource resolves task ids into runnable tasks. No ids means every task.
type TaskSource func(ctx context.Context, ids ...string) ([]core.Task, error)

// ServerOptions configures the server.
type ServerOptions struct {
	Port        string
	Prefork     bool
	Runner      Runner
	Tasks       TaskSource
	Concurrency int
	Metrics     http.Handler
	Logger      *zap.Logger
}

// Run is the state of one run started through the API.
type Run struct {
	ID         string             `json:"run_id"`
	State      string             `json:"state"`
	Tasks      int                `json:"tasks"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Outcomes   []core.TaskOutcome `json:"outcomes,omitempty"`
}

const (
	RunStateRunning  = "running"
	RunStateFinished = "finished"
)

// RunRequest is the body of POST /runs.
type RunRequest struct {
	Tasks       []string `json:"tasks"`
	Concurrency int      `json:"concurrency"`
}

// Server holds the Fiber app instance
type Server struct {
	app    *fiber.App
	opts   ServerOptions
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewServer initializes a new Fiber instance
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	app := fiber.New(fiber.Config{
		IdleTimeout:           10 * time.Second,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		Prefork:               opts.Prefork,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		app:    app,
		opts:   opts,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*Run),
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	app.Get("/version", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service": "Resync API",
			"version": version.Version,
			"build":   version.BuildDate,
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	})

	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics))
	}

	app.Post("/runs", s.startRun)
	app.Get("/runs", s.listRuns)
	app.Get("/runs/:id", s.getRun)

	return s
}

// GetApp returns the underlying Fiber app.
func (s *Server) GetApp() *fiber.App {
	return s.app
}

func (s *Server) startRun(c *fiber.Ctx) error {
	if s.opts.Runner == nil || s.opts.Tasks == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "runs are not enabled")
	}
	var req RunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	tasks, err := s.opts.Tasks(c.UserContext(), req.Tasks...)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if len(tasks) == 0 {
		return fiber.NewError(fiber.StatusNotFound, "no matching tasks")
	}
	limit := req.Concurrency
	if limit < 1 {
		limit = s.opts.Concurrency
	}

	run := &Run{
		ID:        uuid.NewString(),
		State:     RunStateRunning,
		Tasks:     len(tasks),
		StartedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		outcomes := s.opts.Runner.RunWithID(s.ctx, run.ID, tasks, limit)
		finished := time.Now().UTC()
		s.mu.Lock()
		run.State = RunStateFinished
		run.FinishedAt = &finished
		run.Outcomes = outcomes
		s.mu.Unlock()
	}()

	s.logger.Info("Run started via API", zap.String("run", run.ID), zap.Int("tasks", len(tasks)))
	return c.Status(fiber.StatusAccepted).JSON(s.snapshot(run))
}

func (s *Server) listRuns(c *fiber.Ctx) error {
	s.mu.RLock()
	runs := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, Run{ID: r.ID, State: r.State, Tasks: r.Tasks, StartedAt: r.StartedAt, FinishedAt: r.FinishedAt})
	}
	s.mu.RUnlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return c.JSON(runs)
}

func (s *Server) getRun(c *fiber.Ctx) error {
	s.mu.RLock()
	run, ok := s.runs[c.Params("id")]
	s.mu.RUnlock()
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "run not found")
	}
	return c.JSON(s.snapshot(run))
}

func (s *Server) snapshot(run *Run) Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *run
}

// Start runs the Fiber server and handles graceful shutdown
func (s *Server) Start() error {
	port := s.opts.Port
	if port == "" {
		port = "8080"
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("Resync API is running", zap.String("port", port))
		errCh <- s.app.Listen(":" + port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	s.logger.Info("Received shutdown signal, stopping server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("Server shutdown successfully")
	return nil
}

// Shutdown stops accepting requests, cancels running runs and waits for them until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Runs still active at shutdown")
	}
	return err
}
