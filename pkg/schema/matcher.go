package schema

import (
	"strings"

	"github.com/TFMV/resync/pkg/core"
)

// Kind is the normalization family of a column.
type Kind int

const (
	// KindUnknown means the kind must be inferred from the values.
	KindUnknown Kind = iota
	// KindString compares the textual rendering.
	KindString
	// KindDecimal compares exact rationals.
	KindDecimal
	// KindFloat compares float64 values.
	KindFloat
	// KindTemporal compares UTC instants.
	KindTemporal
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindDecimal:
		return "decimal"
	case KindFloat:
		return "float"
	case KindTemporal:
		return "temporal"
	}
	return "unknown"
}

// SupportedTypes lists, per engine kind, the column type names that are compared besides the
// key and freshness columns. Matching is case-insensitive and by substring so that
// "bigint(20) unsigned" matches "bigint".
var SupportedTypes = map[string][]string{
	"mysql":      {"datetime", "timestamp", "date", "double", "float", "decimal", "int", "bigint", "mediumint", "smallint", "tinyint", "boolean"},
	"sqlserver":  {"datetime", "date", "time", "float", "decimal", "int", "bigint", "tinyint", "smallint", "bit"},
	"oracle":     {"date", "timestamp", "number", "float", "double", "integer", "smallint"},
	"postgresql": {"timestamp", "date", "time", "numeric", "float8", "int4", "int8", "int2", "decimal", "boolean"},
}

var (
	temporalTokens = []string{"timestamp", "datetime", "date", "time"}
	floatTokens    = []string{"double", "float", "real"}
	decimalTokens  = []string{"decimal", "numeric", "number", "int", "bit", "bool", "serial"}
)

// Matcher answers type questions over a {kind: typeNames} table.
type Matcher struct {
	table map[string][]string
}

// NewMatcher returns a matcher over table, or over SupportedTypes when table is nil.
func NewMatcher(table map[string][]string) *Matcher {
	if table == nil {
		table = SupportedTypes
	}
	norm := make(map[string][]string, len(table))
	for kind, names := range table {
		lowered := make([]string, len(names))
		for i, n := range names {
			lowered[i] = strings.ToLower(n)
		}
		norm[NormalizeKind(kind)] = lowered
	}
	return &Matcher{table: norm}
}

// NormalizeKind maps engine kind aliases to their canonical name.
func NormalizeKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	switch k {
	case "postgres", "pg", "pgsql":
		return "postgresql"
	case "mssql":
		return "sqlserver"
	}
	return k
}

// Supported reports whether typeName is in the compared set for the engine kind.
func (m *Matcher) Supported(kind, typeName string) bool {
	t := strings.ToLower(typeName)
	for _, name := range m.table[NormalizeKind(kind)] {
		if strings.Contains(t, name) {
			return true
		}
	}
	return false
}

// Kind returns the normalization family of typeName. Unmatched names are KindUnknown.
func (m *Matcher) Kind(typeName string) Kind {
	t := strings.ToLower(typeName)
	if t == "" {
		return KindUnknown
	}
	switch {
	case containsAny(t, temporalTokens):
		return KindTemporal
	case containsAny(t, floatTokens):
		return KindFloat
	case containsAny(t, decimalTokens):
		return KindDecimal
	case containsAny(t, []string{"char", "text", "string", "clob", "uuid"}):
		return KindString
	}
	return KindUnknown
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

// Selection describes how comparable columns are chosen for a task.
type Selection struct {
	KeyColumns      []string
	FreshnessColumn string
	Sensitive       []string
	Override        []string
	ExtraColumns    bool
}

// ComparableColumns picks the compared columns from source metadata. Columns must exist on both
// sides; key columns come first, then the freshness column, then either the override list or the
// type-supported columns in source order. Sensitive columns are always dropped. Names are matched case-insensitively and returned
// with the source spelling.
func (m *Matcher) ComparableColumns(kind string, source, target []core.ColumnMeta, sel Selection) []string {
	onTarget := make(map[string]bool, len(target))
	for _, c := range target {
		onTarget[strings.ToLower(c.Name)] = true
	}
	sensitive := make(map[string]bool, len(sel.Sensitive))
	for _, c := range sel.Sensitive {
		sensitive[strings.ToLower(c)] = true
	}

	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		key := strings.ToLower(name)
		if name == "" || seen[key] || sensitive[key] {
			return
		}
		seen[key] = true
		out = append(out, name)
	}

	for _, k := range sel.KeyColumns {
		add(k)
	}

	if sel.FreshnessColumn != "" && onTarget[strings.ToLower(sel.FreshnessColumn)] {
		add(sel.FreshnessColumn)
	}

	if len(sel.Override) > 0 {
		for _, c := range sel.Override {
			if onTarget[strings.ToLower(c)] {
				add(c)
			}
		}
		return out
	}
	if !sel.ExtraColumns {
		return out
	}
	for _, c := range source {
		if onTarget[strings.ToLower(c.Name)] && m.Supported(kind, c.Type) {
			add(c.Name)
		}
	}
	return out
}

// CommonColumns returns the source columns that also exist on the target, in source order,
// minus sensitive columns.
func CommonColumns(source, target []core.ColumnMeta, sensitive []string) []string {
	onTarget := make(map[string]bool, len(target))
	for _, c := range target {
		onTarget[strings.ToLower(c.Name)] = true
	}
	skip := make(map[string]bool, len(sensitive))
	for _, c := range sensitive {
		skip[strings.ToLower(c)] = true
	}
	var out []string
	for _, c := range source {
		k := strings.ToLower(c.Name)
		if onTarget[k] && !skip[k] {
			out = append(out, c.Name)
		}
	}
	return out
}

// Kinds maps each column to its kind, using the source type and falling back to the target type.
func (m *Matcher) Kinds(source, target []core.ColumnMeta) map[string]Kind {
	tgt := make(map[string]string, len(target))
	for _, c := range target {
		tgt[strings.ToLower(c.Name)] = c.Type
	}
	out := make(map[string]Kind, len(source))
	for _, c := range source {
		sk := m.Kind(c.Type)
		tk := m.Kind(tgt[strings.ToLower(c.Name)])
		out[c.Name] = merge(sk, tk)
	}
	return out
}

// merge resolves the kind for a column typed differently on each side.
func merge(a, b Kind) Kind {
	switch {
	case a == b:
		return a
	case a == KindUnknown:
		return b
	case b == KindUnknown:
		return a
	case a == KindTemporal || b == KindTemporal:
		return KindTemporal
	case a == KindFloat || b == KindFloat:
		if a == KindString || b == KindString {
			return KindUnknown
		}
		return KindFloat
	}
	return KindUnknown
}
