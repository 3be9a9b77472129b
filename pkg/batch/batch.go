// Package batch partitions eligible keys into bounded key predicates.
package batch

import (
	"strings"

	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/pkg/literal"
)

// DefaultMaxBatchSize bounds the number of keys per predicate.
const DefaultMaxBatchSize = 3000

// AlwaysFalse is a predicate that selects nothing.
func AlwaysFalse(columns []string) core.Predicate {
	return core.Predicate{Columns: columns, SQL: "1 = 0"}
}

// Build splits keys into consecutive batches of at most maxBatchSize keys, in input order.
// Every key lands in exactly one batch. An empty input yields no batches.
//
// With one key column the predicate is "col IN (v1, v2, ...)". With several it is the
// conjunction of per-column IN lists, which may also select rows whose column values come from
// different keys of the batch; the executor copies those rows from the source as well.
func Build(keys []core.RecordKey, keyColumns []string, maxBatchSize int) ([]core.Batch, error) {
	if maxBatchSize <= 0 {
		return nil, core.NewConfigurationError("max_batch_size", "must be positive, got %d", maxBatchSize)
	}
	if len(keyColumns) == 0 {
		return nil, core.NewConfigurationError("primary_keys", "no key columns for predicate")
	}
	if len(keys) == 0 {
		return nil, nil
	}

	batches := make([]core.Batch, 0, (len(keys)+maxBatchSize-1)/maxBatchSize)
	for start := 0; start < len(keys); start += maxBatchSize {
		end := min(start+maxBatchSize, len(keys))
		chunk := keys[start:end]
		pred, err := Predicate(chunk, keyColumns)
		if err != nil {
			return nil, err
		}
		batches = append(batches, core.Batch{Keys: chunk, Predicate: pred})
	}
	return batches, nil
}

// Predicate renders the key filter for one batch.
func Predicate(keys []core.RecordKey, keyColumns []string) (core.Predicate, error) {
	if len(keys) == 0 {
		return AlwaysFalse(keyColumns), nil
	}
	clauses := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		seen := make(map[string]struct{}, len(keys))
		lits := make([]string, 0, len(keys))
		for _, k := range keys {
			if len(k.Values) != len(keyColumns) {
				return core.Predicate{}, core.NewConfigurationError("primary_keys",
					"key has %d components, expected %d", len(k.Values), len(keyColumns))
			}
			lit := literal.Format(k.Values[i])
			if _, dup := seen[lit]; dup {
				continue
			}
			seen[lit] = struct{}{}
			lits = append(lits, lit)
		}
		clauses[i] = col + " IN (" + strings.Join(lits, ", ") + ")"
	}
	return core.Predicate{Columns: keyColumns, SQL: strings.Join(clauses, " AND ")}, nil
}
