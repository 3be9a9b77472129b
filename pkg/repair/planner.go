// Package repair turns a reconciliation result into a bounded repair plan and dispatches it.
package repair

import (
	"fmt"
	"strings"

	"github.com/TFMV/resync/pkg/batch"
	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/pkg/freshness"
	"go.uber.org/zap"
)

// State is a step of the repair lifecycle:
//
//	pending -> skip | blocked | planned
//	planned -> dispatched -> success | partial_fail | fail
type State string

const (
	StatePending     State = "pending"
	StateSkip        State = "skip"
	StateBlocked     State = "blocked"
	StatePlanned     State = "planned"
	StateDispatched  State = "dispatched"
	StateSuccess     State = "success"
	StatePartialFail State = "partial_fail"
	StateFail        State = "fail"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSkip, StateBlocked, StateSuccess, StatePartialFail, StateFail:
		return true
	}
	return false
}

// Settings are the repair options of one task.
type Settings struct {
	Enabled   bool
	WriteMode core.WriteMode

	// SizeThreshold is the maximum number of candidates; zero or less disables the limit.
	SizeThreshold int
	MaxBatchSize  int
	Freshness     freshness.Settings
}

// Request carries what the planner needs about one task.
type Request struct {
	RunID      string
	TaskID     string
	Source     core.Endpoint
	Target     core.Endpoint
	Result     *core.ReconciliationResult
	KeyColumns []string

	// Columns are the columns present on both sides, in source order.
	Columns []string

	// Writable is the target capability check, when one was made.
	Writable *core.CapabilityResult
}

// Decision is the planner output. Plan is set only in StatePlanned.
type Decision struct {
	State      State
	Plan       *core.RepairPlan
	Candidates int
	Eligible   core.EligibleKeySet
	Message    string
	Err        error
}

// Planner drives a task from pending to skip, blocked or planned.
type Planner struct {
	gate   *freshness.Gate
	logger *zap.Logger
}

// NewPlanner creates a planner. A nil gate gets one logging to logger.
func NewPlanner(gate *freshness.Gate, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gate == nil {
		gate = freshness.NewGate(logger)
	}
	return &Planner{gate: gate, logger: logger}
}

// Plan decides what to do with the discrepancies of req.
func (p *Planner) Plan(req Request, s Settings) Decision {
	if !s.Enabled {
		return Decision{State: StateSkip, Message: "repair not enabled"}
	}
	if req.Result == nil {
		return fatal("no reconciliation result", nil)
	}

	candidates := req.Result.RepairCandidates()
	d := Decision{State: StatePending, Candidates: len(candidates)}
	if len(candidates) == 0 {
		d.State = StateSkip
		d.Message = "no mismatched or source-only keys"
		return d
	}

	if s.SizeThreshold > 0 && len(candidates) > s.SizeThreshold {
		err := &core.RepairThresholdExceeded{Candidates: len(candidates), Threshold: s.SizeThreshold}
		p.logger.Warn("Repair blocked",
			zap.String("task", req.TaskID),
			zap.Int("candidates", len(candidates)),
			zap.Int("threshold", s.SizeThreshold))
		d.State = StateBlocked
		d.Err = err
		d.Message = err.Error()
		return d
	}

	d.Eligible = p.gate.Filter(candidates, req.Result.Snapshots, s.Freshness)
	if len(d.Eligible) == 0 {
		d.State = StateSkip
		d.Message = fmt.Sprintf("all %d candidate keys are newer on target", len(candidates))
		return d
	}

	if req.Writable != nil && !req.Writable.OK {
		return fatal("target is not writable: "+req.Writable.Reason, nil)
	}

	columns, err := planColumns(req.KeyColumns, req.Columns)
	if err != nil {
		return fatal(err.Error(), nil)
	}

	batches, err := batch.Build(d.Eligible, req.KeyColumns, s.MaxBatchSize)
	if err != nil {
		return fatal("cannot partition keys", err)
	}

	mode := s.WriteMode
	if !mode.Valid() {
		p.logger.Warn("Invalid write mode, using update",
			zap.String("task", req.TaskID),
			zap.String("write_mode", string(mode)))
		mode = core.WriteModeUpdate
	}

	plan := &core.RepairPlan{
		RunID:     req.RunID,
		TaskID:    req.TaskID,
		Source:    req.Source,
		Target:    req.Target,
		Columns:   columns,
		WriteMode: mode,
		Units:     make([]core.WorkUnit, len(batches)),
	}
	if mode == core.WriteModeUpdate {
		plan.PKColumns = append([]string(nil), req.KeyColumns...)
	}
	for i, b := range batches {
		plan.Units[i] = core.WorkUnit{Sequence: i + 1, Batch: b, Predicate: b.Predicate}
	}

	p.logger.Info("Repair planned",
		zap.String("task", req.TaskID),
		zap.Int("candidates", len(candidates)),
		zap.Int("eligible", len(d.Eligible)),
		zap.Int("units", len(plan.Units)),
		zap.String("write_mode", string(mode)))

	d.State = StatePlanned
	d.Plan = plan
	return d
}

func fatal(reason string, err error) Decision {
	e := &core.FatalPlanningError{Reason: reason, Err: err}
	return Decision{State: StateFail, Err: e, Message: e.Error()}
}

// planColumns orders key columns first, then the remaining common columns.
func planColumns(keys, common []string) ([]string, error) {
	if len(common) == 0 {
		return nil, fmt.Errorf("no columns common to source and target")
	}
	present := make(map[string]string, len(common))
	for _, c := range common {
		present[strings.ToLower(c)] = c
	}

	out := make([]string, 0, len(common))
	used := make(map[string]bool, len(common))
	for _, k := range keys {
		name, ok := present[strings.ToLower(k)]
		if !ok {
			return nil, fmt.Errorf("key column %s is not present on both sides", k)
		}
		out = append(out, name)
		used[strings.ToLower(k)] = true
	}
	for _, c := range common {
		if !used[strings.ToLower(c)] {
			out = append(out, c)
			used[strings.ToLower(c)] = true
		}
	}
	return out, nil
}
