package core

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestIsTransient checks which errors the retry policy treats as retryable.
func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("syntax error")))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("query: %w", driver.ErrBadConn)))
	assert.True(t, IsTransient(&TransientIOError{Op: "count", Err: errors.New("boom")}))
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
}

// TestTransientWrapping ensures only retryable errors get wrapped.
func TestTransientWrapping(t *testing.T) {
	plain := errors.New("permission denied")
	assert.Same(t, plain, Transient("query", plain))

	wrapped := Transient("query", driver.ErrBadConn)
	var te *TransientIOError
	assert.True(t, errors.As(wrapped, &te))
	assert.Equal(t, "query", te.Op)
	assert.ErrorIs(t, wrapped, driver.ErrBadConn)
}

// TestErrorMessages keeps the error texts readable for outcome records.
func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "configuration error [primary_keys]: no primary key for orders",
		NewConfigurationError("primary_keys", "no primary key for %s", "orders").Error())
	assert.Equal(t, "repair blocked: 3001 candidate keys exceed threshold 3000",
		(&RepairThresholdExceeded{Candidates: 3001, Threshold: 3000}).Error())
	assert.Contains(t, (&PartialBatchFailure{Failed: 1, Total: 3, Err: errors.New("exit 1")}).Error(), "1 of 3")
	assert.Equal(t, "repair planning failed: no common columns",
		(&FatalPlanningError{Reason: "no common columns"}).Error())
}

// TestResultHelpers covers the derived counts of a reconciliation result.
func TestResultHelpers(t *testing.T) {
	r := &ReconciliationResult{
		Mismatched: []RecordKey{{Encoded: "2"}},
		SourceOnly: []RecordKey{{Encoded: "3"}, {Encoded: "4"}},
		TargetOnly: []RecordKey{{Encoded: "5"}},
	}
	assert.Equal(t, 4, r.DiffCount())
	cands := r.RepairCandidates()
	assert.Len(t, cands, 3)
	assert.Equal(t, "2", cands[0].Encoded)

	ep := Endpoint{Kind: "MySQL", Host: "db", Port: 3306, User: "u", Password: "secret", Database: "shop", Table: "orders"}
	assert.Equal(t, "mysql://u@db:3306/shop", ep.Identity())
	assert.NotContains(t, ep.String(), "secret")
	assert.True(t, WriteModeReplace.Valid())
	assert.False(t, WriteMode("upsert").Valid())
}
