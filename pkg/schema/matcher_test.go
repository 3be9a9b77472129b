package schema

import (
	"testing"

	"github.com/TFMV/resync/pkg/core"
	"github.com/stretchr/testify/assert"
)

// TestSupported checks the case-insensitive substring lookup.
func TestSupported(t *testing.T) {
	m := NewMatcher(nil)

	assert.True(t, m.Supported("mysql", "BIGINT(20) UNSIGNED"))
	assert.True(t, m.Supported("postgres", "timestamp without time zone"))
	assert.True(t, m.Supported("PostgreSQL", "int8"))
	assert.True(t, m.Supported("mssql", "bit"))
	assert.False(t, m.Supported("mysql", "varchar(64)"))
	assert.False(t, m.Supported("oracle", "varchar2"))
	assert.False(t, m.Supported("db2", "integer"))
}

// TestCustomTable lets callers replace the type table.
func TestCustomTable(t *testing.T) {
	m := NewMatcher(map[string][]string{"MySQL": {"JSON"}})
	assert.True(t, m.Supported("mysql", "json"))
	assert.False(t, m.Supported("mysql", "int"))
}

// TestKind maps type names to normalization families.
func TestKind(t *testing.T) {
	m := NewMatcher(nil)
	assert.Equal(t, KindTemporal, m.Kind("DATETIME"))
	assert.Equal(t, KindTemporal, m.Kind("timestamp with time zone"))
	assert.Equal(t, KindFloat, m.Kind("double precision"))
	assert.Equal(t, KindDecimal, m.Kind("decimal(10,2)"))
	assert.Equal(t, KindDecimal, m.Kind("NUMBER"))
	assert.Equal(t, KindString, m.Kind("varchar(32)"))
	assert.Equal(t, KindUnknown, m.Kind("blob"))
	assert.Equal(t, KindUnknown, m.Kind(""))
}

// TestComparableColumns covers key ordering, sensitive exclusion and the override list.
func TestComparableColumns(t *testing.T) {
	m := NewMatcher(nil)
	source := []core.ColumnMeta{
		{Name: "id", Type: "bigint"},
		{Name: "name", Type: "varchar(32)"},
		{Name: "amount", Type: "decimal(10,2)"},
		{Name: "salary", Type: "decimal(10,2)"},
		{Name: "only_src", Type: "int"},
		{Name: "updated_at", Type: "datetime"},
	}
	target := []core.ColumnMeta{
		{Name: "ID", Type: "int8"},
		{Name: "name", Type: "text"},
		{Name: "amount", Type: "numeric"},
		{Name: "salary", Type: "numeric"},
		{Name: "updated_at", Type: "timestamp"},
	}

	cols := m.ComparableColumns("mysql", source, target, Selection{
		KeyColumns:      []string{"id"},
		FreshnessColumn: "updated_at",
		Sensitive:       []string{"SALARY"},
		ExtraColumns:    true,
	})
	assert.Equal(t, []string{"id", "updated_at", "amount"}, cols)

	cols = m.ComparableColumns("mysql", source, target, Selection{
		KeyColumns:   []string{"id"},
		ExtraColumns: false,
	})
	assert.Equal(t, []string{"id"}, cols)

	cols = m.ComparableColumns("mysql", source, target, Selection{
		KeyColumns: []string{"id"},
		Override:   []string{"name", "only_src", "salary"},
		Sensitive:  []string{"salary"},
	})
	assert.Equal(t, []string{"id", "name"}, cols)

	cols = m.ComparableColumns("mysql", source, target, Selection{
		KeyColumns:      []string{"id"},
		FreshnessColumn: "updated_at",
		Override:        []string{"id", "name"},
	})
	assert.Equal(t, []string{"id", "updated_at", "name"}, cols)

	assert.Equal(t, []string{"id", "name", "amount", "updated_at"}, CommonColumns(source, target, []string{"salary"}))
}

// TestKinds merges the kinds reported by both sides.
func TestKinds(t *testing.T) {
	m := NewMatcher(nil)
	kinds := m.Kinds(
		[]core.ColumnMeta{{Name: "a", Type: "int"}, {Name: "b", Type: "double"}, {Name: "c", Type: "varchar"}, {Name: "d", Type: "datetime"}},
		[]core.ColumnMeta{{Name: "a", Type: "numeric"}, {Name: "b", Type: "numeric"}, {Name: "c", Type: "int"}, {Name: "d", Type: "varchar"}},
	)
	assert.Equal(t, KindDecimal, kinds["a"])
	assert.Equal(t, KindFloat, kinds["b"])
	assert.Equal(t, KindUnknown, kinds["c"])
	assert.Equal(t, KindTemporal, kinds["d"])
}
