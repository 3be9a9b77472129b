package literal

import (
	"database/sql"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestFormat covers every literal family used in key predicates.
func TestFormat(t *testing.T) {
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	var nilTime *time.Time

	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "NULL"},
		{"string with quote", "O'Brien", "'O''Brien'"},
		{"plain string", "abc", "'abc'"},
		{"bytes", []byte("x'y"), "'x''y'"},
		{"timestamp", ts, "'2026-02-25 10:00:00'"},
		{"timestamp drops fraction", ts.Add(750 * time.Millisecond), "'2026-02-25 10:00:00'"},
		{"nil time pointer", nilTime, "NULL"},
		{"int", 123, "123"},
		{"int64", int64(-9), "-9"},
		{"uint8", uint8(7), "7"},
		{"float", 45.67, "45.67"},
		{"bool", true, "true"},
		{"decimal", big.NewRat(3, 4), "0.75"},
		{"null string", sql.NullString{}, "NULL"},
		{"valid null int", sql.NullInt64{Int64: 5, Valid: true}, "5"},
		{"pointer", ptr("a"), "'a'"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Format(tc.in))
		})
	}
}

// TestFormatAll keeps input order.
func TestFormatAll(t *testing.T) {
	assert.Equal(t, []string{"1", "'a'", "NULL"}, FormatAll([]any{1, "a", nil}))
}

func ptr[T any](v T) *T { return &v }
