// Package diff classifies the rows of two endpoints into matched, mismatched, source-only and
// target-only keys.
package diff

import (
	"context"

	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/pkg/schema"
	"go.uber.org/zap"
)

// Input is everything a backend needs to classify one task.
type Input struct {
	Source []core.Row
	Target []core.Row

	// KeyColumns identify a record, in key order.
	KeyColumns []string

	// Columns are the compared columns. Key columns listed here are not compared twice.
	Columns []string

	// Kinds optionally fixes the normalization family per column.
	Kinds map[string]schema.Kind
}

// ReconciliationBackend classifies rows. Every backend returns the same result for the same input.
type ReconciliationBackend interface {
	Name() string
	Classify(ctx context.Context, in Input) (*core.ReconciliationResult, error)
}

// VolumePolicy picks a backend from the estimated row volume.
type VolumePolicy struct {
	// Threshold is the row count from which Bulk is used. Zero always selects InMemory.
	Threshold int64
	InMemory  ReconciliationBackend
	Bulk      ReconciliationBackend
}

// NewVolumePolicy returns the default in-memory / Arrow pairing.
func NewVolumePolicy(threshold int64, logger *zap.Logger) *VolumePolicy {
	return &VolumePolicy{
		Threshold: threshold,
		InMemory:  NewInMemoryBackend(logger),
		Bulk:      NewArrowBackend(nil, logger),
	}
}

// Select returns the backend for a task whose sides hold sourceRows and targetRows rows.
func (p *VolumePolicy) Select(sourceRows, targetRows int64) ReconciliationBackend {
	if p.Threshold > 0 && p.Bulk != nil && max(sourceRows, targetRows) >= p.Threshold {
		return p.Bulk
	}
	return p.InMemory
}

// accumulator collects a classification in input order.
type accumulator struct {
	res *core.ReconciliationResult
}

func newAccumulator(in Input) *accumulator {
	return &accumulator{res: &core.ReconciliationResult{
		SourceCount: int64(len(in.Source)),
		TargetCount: int64(len(in.Target)),
		Snapshots:   make(map[string]core.SnapshotPair),
		Columns:     append([]string(nil), in.Columns...),
	}}
}

func (a *accumulator) matched(k core.RecordKey) {
	a.res.MatchedEqual = append(a.res.MatchedEqual, k)
}

func (a *accumulator) mismatched(k core.RecordKey, src, tgt core.Row) {
	a.res.Mismatched = append(a.res.Mismatched, k)
	a.res.Snapshots[k.Encoded] = core.SnapshotPair{Source: src, Target: tgt}
}

func (a *accumulator) sourceOnly(k core.RecordKey, src core.Row) {
	a.res.SourceOnly = append(a.res.SourceOnly, k)
	a.res.Snapshots[k.Encoded] = core.SnapshotPair{Source: src}
}

func (a *accumulator) targetOnly(k core.RecordKey) {
	a.res.TargetOnly = append(a.res.TargetOnly, k)
}

func (a *accumulator) done() *core.ReconciliationResult {
	a.res.MatchingRate = MatchingRate(len(a.res.MatchedEqual), a.res.SourceCount, a.res.TargetCount)
	return a.res
}
