// Package core provides the core types and interfaces for the resync table reconciliation tool.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Endpoint identifies one side of a reconciliation: a table on a database engine.
type Endpoint struct {
	// Kind is the engine kind (mysql, postgresql, sqlserver, oracle).
	Kind string

	// Host, Port, User, Password and Database address the engine.
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// Schema optionally qualifies Table.
	Schema string

	// Table is the table name.
	Table string

	// DriverPath is an ADBC driver library. When set on a postgresql endpoint, rows are read
	// through ADBC instead of database/sql.
	DriverPath string

	// PrimaryKeys is the ordered list of key columns. When empty the adapter is asked.
	PrimaryKeys []string

	// Columns optionally overrides the comparable column selection.
	Columns []string

	// FreshnessColumn names the last-modified column used by the freshness gate.
	FreshnessColumn string

	// SensitiveColumns are never compared nor copied.
	SensitiveColumns []string
}

// Identity returns the pool key of the endpoint. Two endpoints with the same identity share a
// connection pool regardless of the table they address.
func (e Endpoint) Identity() string {
	return fmt.Sprintf("%s://%s@%s:%d/%s", strings.ToLower(e.Kind), e.User, e.Host, e.Port, e.Database)
}

// QualifiedTable returns schema.table, or table when no schema is set.
func (e Endpoint) QualifiedTable() string {
	if e.Schema == "" {
		return e.Table
	}
	return e.Schema + "." + e.Table
}

// String is safe to log: it never includes the password.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%s", e.Identity(), e.QualifiedTable())
}

// ColumnMeta describes one column reported by an endpoint.
type ColumnMeta struct {
	Name string
	Type string
}

// Row is one record at one endpoint, column name to value.
type Row map[string]any

// RowQuery parameterizes a row fetch.
type RowQuery struct {
	// Columns to project, in order.
	Columns []string

	// Filter is an optional SQL boolean expression.
	Filter string

	// OrderBy columns; pagination is only meaningful when set.
	OrderBy []string

	// Limit of 0 means no limit.
	Limit int64

	// Offset is the number of rows to skip.
	Offset int64
}

// Capability names a property of an endpoint that can be checked without side effects.
type Capability string

const (
	// CapabilityReadable means the table exists and can be selected from.
	CapabilityReadable Capability = "readable"

	// CapabilityWritable means the table is a base table the executor can write into.
	CapabilityWritable Capability = "writable"
)

// CapabilityResult is the answer of a capability check.
type CapabilityResult struct {
	Capability Capability
	OK         bool
	Reason     string
}

// EndpointAdapter reads rows and metadata from one endpoint. All operations are read-only and
// idempotent.
type EndpointAdapter interface {
	// RowCount returns the number of rows matching filter (all rows when empty).
	RowCount(ctx context.Context, filter string) (int64, error)

	// ColumnsMetadata returns the columns of the table in ordinal order.
	ColumnsMetadata(ctx context.Context) ([]ColumnMeta, error)

	// PrimaryKeys returns the primary key columns in key order.
	PrimaryKeys(ctx context.Context) ([]string, error)

	// QueryRows fetches rows.
	QueryRows(ctx context.Context, q RowQuery) ([]Row, error)

	// CheckCapability reports whether the endpoint has the given capability.
	CheckCapability(ctx context.Context, c Capability) CapabilityResult
}

// RecordKey is the ordered tuple of primary-key values identifying a record.
type RecordKey struct {
	// Values are the raw key components, nil for NULL.
	Values []any

	// Encoded is the canonical NULL-safe encoding used for equality and hashing.
	Encoded string
}

// SnapshotPair holds the source and target rows of one key. Target is nil for source-only keys.
type SnapshotPair struct {
	Source Row
	Target Row
}

// ReconciliationResult is the four-way classification of every key of a task.
type ReconciliationResult struct {
	// SourceCount and TargetCount are the number of rows loaded on each side.
	SourceCount int64
	TargetCount int64

	// MatchedEqual keys exist on both sides with equal comparable columns.
	MatchedEqual []RecordKey

	// Mismatched keys exist on both sides with at least one differing column.
	Mismatched []RecordKey

	// SourceOnly keys exist only at the source.
	SourceOnly []RecordKey

	// TargetOnly keys exist only at the target.
	TargetOnly []RecordKey

	// MatchingRate is in [0, 1].
	MatchingRate float64

	// Snapshots are kept for mismatched and source-only keys, by encoded key.
	Snapshots map[string]SnapshotPair

	// Columns are the compared columns.
	Columns []string
}

// DiffCount is the number of discrepant keys.
func (r *ReconciliationResult) DiffCount() int {
	return len(r.Mismatched) + len(r.SourceOnly) + len(r.TargetOnly)
}

// RepairCandidates returns mismatched followed by source-only keys.
func (r *ReconciliationResult) RepairCandidates() []RecordKey {
	out := make([]RecordKey, 0, len(r.Mismatched)+len(r.SourceOnly))
	out = append(out, r.Mismatched...)
	return append(out, r.SourceOnly...)
}

// EligibleKeySet is the ordered subset of repair candidates that passed the freshness gate.
type EligibleKeySet []RecordKey

// Predicate is a SQL boolean expression over the key columns.
type Predicate struct {
	Columns []string
	SQL     string
}

// Batch is a contiguous chunk of the eligible key set.
type Batch struct {
	Keys      []RecordKey
	Predicate Predicate
}

// WriteMode is the executor write strategy.
type WriteMode string

const (
	WriteModeInsert  WriteMode = "insert"
	WriteModeUpdate  WriteMode = "update"
	WriteModeReplace WriteMode = "replace"
)

// Valid reports whether m is a known write mode.
func (m WriteMode) Valid() bool {
	switch m {
	case WriteModeInsert, WriteModeUpdate, WriteModeReplace:
		return true
	}
	return false
}

// WorkUnit is one executor invocation of a repair plan.
type WorkUnit struct {
	Sequence  int
	Batch     Batch
	Predicate Predicate
}

// RepairPlan is the immutable description of a repair.
type RepairPlan struct {
	RunID     string
	TaskID    string
	Source    Endpoint
	Target    Endpoint
	Columns   []string
	WriteMode WriteMode

	// PKColumns is only set for WriteModeUpdate.
	PKColumns []string

	Units []WorkUnit
}

// KeyCount returns the number of keys covered by the plan.
func (p *RepairPlan) KeyCount() int {
	n := 0
	for _, u := range p.Units {
		n += len(u.Batch.Keys)
	}
	return n
}

// Job is the executor-facing description of one work unit.
type Job struct {
	RunID         string
	TaskID        string
	Name          string
	Sequence      int
	Source        Endpoint
	Target        Endpoint
	SourceFilter  string
	SourceColumns []string
	TargetColumns []string
	WriteMode     WriteMode
	PKColumns     []string
}

// JobResult reports what the executor did with a job.
type JobResult struct {
	// File is the job description written by the executor, if any.
	File string

	// Output is a tail of the executor output.
	Output string

	Duration time.Duration
}

// Executor performs the bulk copy of one job.
type Executor interface {
	Execute(ctx context.Context, job Job) (JobResult, error)
}

// Status is the final status of a task.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusSkip        Status = "skip"
	StatusPartialFail Status = "partial_fail"
	StatusFail        Status = "fail"
)

// TaskOptions are the per-task tunables.
type TaskOptions struct {
	ChunkSize                 int64
	MaxBatchSize              int
	FreshnessToleranceSeconds int64
	EnableFreshnessFilter     bool
	RepairWriteMode           WriteMode
	RepairSizeThreshold       int
	RepairEnabled             bool
	InMemoryThreshold         int64
	Incremental               bool
	IncrementalDays           int
	ExtraColumnFlag           bool
	DryRun                    bool
}

// Task is one source/target pair to reconcile.
type Task struct {
	ID      string
	Source  Endpoint
	Target  Endpoint
	Options TaskOptions
}

// TaskOutcome is the record of one task run.
type TaskOutcome struct {
	TaskID        string    `json:"task_id"`
	RunID         string    `json:"run_id,omitempty"`
	Status        Status    `json:"status"`
	SourceTable   string    `json:"source_table"`
	TargetTable   string    `json:"target_table"`
	SourceCount   int64     `json:"source_count"`
	TargetCount   int64     `json:"target_count"`
	DiffCount     int64     `json:"diff_count"`
	Mismatched    int       `json:"mismatched"`
	SourceOnly    int       `json:"source_only"`
	TargetOnly    int       `json:"target_only"`
	MatchingRate  float64   `json:"matching_rate"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	CostMinutes   float64   `json:"cost_minutes"`
	RepairStatus  string    `json:"repair_status"`
	RepairCount   int       `json:"repair_count"`
	RepairMessage string    `json:"repair_message,omitempty"`
	RepairUnits   int       `json:"repair_units,omitempty"`
	FailedUnits   int       `json:"failed_units,omitempty"`
	Message       string    `json:"message,omitempty"`
	CheckRange    string    `json:"check_range,omitempty"`
	CheckColumns  []string  `json:"check_columns,omitempty"`
	JobFiles      []string  `json:"job_files,omitempty"`
}

// Duration is the wall-clock time of the task.
func (o TaskOutcome) Duration() time.Duration {
	return o.EndTime.Sub(o.StartTime)
}

// OutcomeStore persists task outcomes.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, outcome TaskOutcome) error
}
