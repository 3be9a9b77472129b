// Package freshness decides which discrepant keys are safe to overwrite on the target.
package freshness

import (
	"strings"
	"time"

	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/pkg/values"
	"go.uber.org/zap"
)

// Settings configure the gate for one task.
type Settings struct {
	Enabled          bool
	Column           string
	ToleranceSeconds int64
}

// Decision explains why a key was or was not admitted.
type Decision string

const (
	DecisionDisabled   Decision = "disabled"
	DecisionSourceOnly Decision = "source_only"
	DecisionFresher    Decision = "source_fresher"
	DecisionTooRecent  Decision = "target_too_recent"
	DecisionFallback   Decision = "freshness_unknown"
)

// Gate filters repair candidates by comparing source and target freshness values.
type Gate struct {
	logger *zap.Logger
}

// NewGate returns a gate that logs fallback decisions to logger.
func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{logger: logger}
}

// Filter returns the candidates that may be repaired, in candidate order. A key is eligible when
// the source freshness is at least ToleranceSeconds newer than the target. Source-only keys are
// always eligible. When either freshness value is missing or unparseable the key is admitted and
// the fallback is logged.
func (g *Gate) Filter(candidates []core.RecordKey, snapshots map[string]core.SnapshotPair, s Settings) core.EligibleKeySet {
	out := make(core.EligibleKeySet, 0, len(candidates))
	for _, k := range candidates {
		if d := g.Decide(k, snapshots[k.Encoded], s); d != DecisionTooRecent {
			out = append(out, k)
		}
	}
	return out
}

// Decide classifies one candidate.
func (g *Gate) Decide(k core.RecordKey, pair core.SnapshotPair, s Settings) Decision {
	if !s.Enabled || s.Column == "" {
		return DecisionDisabled
	}
	if pair.Target == nil {
		return DecisionSourceOnly
	}

	src, srcOK := freshnessOf(pair.Source, s.Column)
	tgt, tgtOK := freshnessOf(pair.Target, s.Column)
	if !srcOK || !tgtOK {
		g.logger.Warn("Freshness value missing or unparseable, admitting key",
			zap.Any("key", k.Values),
			zap.String("column", s.Column),
			zap.Bool("source_ok", srcOK),
			zap.Bool("target_ok", tgtOK))
		return DecisionFallback
	}

	if src.Sub(tgt) >= time.Duration(s.ToleranceSeconds)*time.Second {
		return DecisionFresher
	}
	return DecisionTooRecent
}

func freshnessOf(row core.Row, column string) (time.Time, bool) {
	if row == nil {
		return time.Time{}, false
	}
	v, ok := row[column]
	if !ok {
		for k, val := range row {
			if strings.EqualFold(k, column) {
				v, ok = val, true
				break
			}
		}
	}
	if !ok {
		return time.Time{}, false
	}
	return values.AsTime(v)
}
