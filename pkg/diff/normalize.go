package diff

import (
	"strconv"
	"strings"
	"time"

	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/pkg/schema"
	"github.com/TFMV/resync/pkg/values"
)

// nullToken encodes a NULL key component. Non-NULL components are length-prefixed, so it can
// neither collide with a value nor let separators inside values merge adjacent components.
const nullToken = "~"

type column struct {
	name string
	kind schema.Kind
}

// plan holds the resolved key and compare columns of one classification.
type plan struct {
	keys    []column
	compare []column
	names   []string
}

func newPlan(in Input) (*plan, error) {
	if len(in.KeyColumns) == 0 {
		return nil, core.NewConfigurationError("primary_keys", "no key columns to classify on")
	}
	p := &plan{}
	isKey := make(map[string]bool, len(in.KeyColumns))
	for _, k := range in.KeyColumns {
		isKey[strings.ToLower(k)] = true
		p.keys = append(p.keys, column{name: k, kind: resolveKind(k, in)})
	}
	for _, c := range in.Columns {
		p.names = append(p.names, c)
		if isKey[strings.ToLower(c)] {
			continue
		}
		p.compare = append(p.compare, column{name: c, kind: resolveKind(c, in)})
	}
	return p, nil
}

// resolveKind takes the metadata kind when known and otherwise infers it from the values.
func resolveKind(name string, in Input) schema.Kind {
	hint := in.Kinds[name]
	switch hint {
	case schema.KindDecimal:
		if anyValue(name, in, values.IsFloat) {
			return schema.KindFloat
		}
		return hint
	case schema.KindUnknown:
		return inferKind(name, in.Source, in.Target)
	}
	return hint
}

func anyValue(name string, in Input, pred func(any) bool) bool {
	for _, rows := range [][]core.Row{in.Source, in.Target} {
		for _, r := range rows {
			if v := lookup(r, name); v != nil && pred(v) {
				return true
			}
		}
	}
	return false
}

// inferKind scans both sides. A column is temporal when it holds time values and everything else
// parses as time, numeric when it holds numbers and everything else parses as a number.
func inferKind(name string, source, target []core.Row) schema.Kind {
	anyTime, allTime := false, true
	anyNumber, allNumber := false, true
	anyFloat, seen := false, false
	for _, rows := range [][]core.Row{source, target} {
		for _, r := range rows {
			v := values.Unwrap(lookup(r, name))
			if v == nil {
				continue
			}
			seen = true
			if _, ok := v.(time.Time); ok {
				anyTime = true
			} else if _, ok := values.AsTime(v); !ok {
				allTime = false
			}
			if values.IsNumber(v) {
				anyNumber = true
				if values.IsFloat(v) {
					anyFloat = true
				}
			} else if _, ok := values.AsRat(v); !ok {
				allNumber = false
			}
		}
	}
	switch {
	case !seen:
		return schema.KindString
	case anyTime && allTime:
		return schema.KindTemporal
	case anyNumber && allNumber && anyFloat:
		return schema.KindFloat
	case anyNumber && allNumber:
		return schema.KindDecimal
	}
	return schema.KindString
}

// canonical renders v in the comparison form of kind. The second result is true for NULL.
// Values that do not fit the kind fall back to a prefixed string so they never equal a value
// that does.
func canonical(kind schema.Kind, v any) (string, bool) {
	v = values.Unwrap(v)
	if v == nil {
		return "", true
	}
	switch kind {
	case schema.KindTemporal:
		if t, ok := values.AsTime(v); ok {
			return "t:" + strconv.FormatInt(t.UnixNano(), 10), false
		}
	case schema.KindDecimal:
		if r, ok := values.AsRat(v); ok {
			return "n:" + r.RatString(), false
		}
	case schema.KindFloat:
		if f, ok := values.AsFloat(v); ok {
			return "f:" + strconv.FormatFloat(f, 'g', -1, 64), false
		}
	case schema.KindString:
		return values.AsString(v), false
	}
	return "s:" + values.AsString(v), false
}

func (p *plan) key(row core.Row) core.RecordKey {
	vals := make([]any, len(p.keys))
	parts := make([]string, len(p.keys))
	for i, c := range p.keys {
		v := values.Unwrap(lookup(row, c.name))
		vals[i] = v
		s, null := canonical(c.kind, v)
		if null {
			parts[i] = nullToken
			continue
		}
		parts[i] = strconv.Itoa(len(s)) + ":" + s
	}
	return core.RecordKey{Values: vals, Encoded: strings.Join(parts, "")}
}

// equal compares the compare columns of two rows NULL-safely with zero tolerance.
func (p *plan) equal(a, b core.Row) bool {
	for _, c := range p.compare {
		av, an := canonical(c.kind, lookup(a, c.name))
		bv, bn := canonical(c.kind, lookup(b, c.name))
		if an != bn || av != bv {
			return false
		}
	}
	return true
}

// lookup finds a column by exact name, then case-insensitively.
func lookup(row core.Row, name string) any {
	if v, ok := row[name]; ok {
		return v
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// MatchingRate is matched / max(source, target), 1 when both sides are empty.
func MatchingRate(matched int, sourceCount, targetCount int64) float64 {
	denom := max(sourceCount, targetCount)
	if denom == 0 {
		return 1.0
	}
	return float64(matched) / float64(denom)
}
