// Package literal renders Go values as SQL literals for key predicates.
package literal

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the layout used for temporal literals.
const TimeLayout = "2006-01-02 15:04:05"

// Null is the literal emitted for nil values.
const Null = "NULL"

// Format renders v as a SQL literal. Strings are single-quoted with embedded quotes doubled,
// timestamps become 'YYYY-MM-DD HH:MM:SS' and other scalars use their canonical form unquoted.
func Format(v any) string {
	if valuer, ok := v.(driver.Valuer); ok {
		if isNilPointer(v) {
			return Null
		}
		inner, err := valuer.Value()
		if err != nil {
			return Null
		}
		v = inner
	}

	switch x := v.(type) {
	case nil:
		return Null
	case string:
		return quote(x)
	case []byte:
		return quote(string(x))
	case time.Time:
		return "'" + x.Format(TimeLayout) + "'"
	case *time.Time:
		if x == nil {
			return Null
		}
		return "'" + x.Format(TimeLayout) + "'"
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int8, int16, int32, int64:
		return strconv.FormatInt(reflect.ValueOf(x).Int(), 10)
	case uint, uint8, uint16, uint32, uint64:
		return strconv.FormatUint(reflect.ValueOf(x).Uint(), 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case *big.Rat:
		if x == nil {
			return Null
		}
		return x.FloatString(decimals(x))
	case fmt.Stringer:
		if isNilPointer(v) {
			return Null
		}
		return quote(x.String())
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return Null
		}
		return Format(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}

// FormatAll renders every value with Format.
func FormatAll(values []any) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = Format(v)
	}
	return out
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// decimals returns the number of fractional digits needed to print r exactly, capped for
// non-terminating expansions.
func decimals(r *big.Rat) int {
	if r.IsInt() {
		return 0
	}
	d := new(big.Int).Set(r.Denom())
	two, five := big.NewInt(2), big.NewInt(5)
	n2, n5 := 0, 0
	zero := new(big.Int)
	mod := new(big.Int)
	for mod.Mod(d, two).Cmp(zero) == 0 {
		d.Quo(d, two)
		n2++
	}
	for mod.Mod(d, five).Cmp(zero) == 0 {
		d.Quo(d, five)
		n5++
	}
	if d.Cmp(big.NewInt(1)) != 0 {
		return 18
	}
	return max(n2, n5)
}
