package diff

import (
	"context"

	"github.com/TFMV/resync/pkg/core"
	"go.uber.org/zap"
)

const cancelCheckEvery = 4096

// InMemoryBackend classifies with a hash index over the target rows.
type InMemoryBackend struct {
	logger *zap.Logger
}

// NewInMemoryBackend creates an in-memory backend.
func NewInMemoryBackend(logger *zap.Logger) *InMemoryBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryBackend{logger: logger}
}

func (b *InMemoryBackend) Name() string { return "memory" }

// Classify indexes the target by key, walks the source once and reports unvisited target keys as
// target-only. Duplicate keys on a side keep their first row.
func (b *InMemoryBackend) Classify(ctx context.Context, in Input) (*core.ReconciliationResult, error) {
	p, err := newPlan(in)
	if err != nil {
		return nil, err
	}

	targetKeys := make([]core.RecordKey, len(in.Target))
	index := make(map[string]int, len(in.Target))
	for i, row := range in.Target {
		k := p.key(row)
		targetKeys[i] = k
		if _, dup := index[k.Encoded]; !dup {
			index[k.Encoded] = i
		}
	}

	acc := newAccumulator(in)
	visited := make([]bool, len(in.Target))
	seen := make(map[string]struct{}, len(in.Source))
	for i, row := range in.Source {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		k := p.key(row)
		if _, dup := seen[k.Encoded]; dup {
			continue
		}
		seen[k.Encoded] = struct{}{}

		ti, ok := index[k.Encoded]
		if !ok {
			acc.sourceOnly(k, row)
			continue
		}
		visited[ti] = true
		if p.equal(row, in.Target[ti]) {
			acc.matched(k)
		} else {
			acc.mismatched(k, row, in.Target[ti])
		}
	}

	for i, k := range targetKeys {
		if index[k.Encoded] == i && !visited[i] {
			acc.targetOnly(k)
		}
	}

	res := acc.done()
	b.logger.Debug("Classified rows",
		zap.String("backend", b.Name()),
		zap.Int64("source", res.SourceCount),
		zap.Int64("target", res.TargetCount),
		zap.Int("mismatched", len(res.Mismatched)),
		zap.Int("source_only", len(res.SourceOnly)),
		zap.Int("target_only", len(res.TargetOnly)))
	return res, nil
}
