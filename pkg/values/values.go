// Package values converts driver values into comparable forms.
package values

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Unwrap resolves driver.Valuer implementations and pointers to their underlying value.
func Unwrap(v any) any {
	for {
		switch x := v.(type) {
		case nil:
			return nil
		case time.Time, []byte, string:
			return x
		case *big.Rat:
			if x == nil {
				return nil
			}
			return x
		case driver.Valuer:
			rv := reflect.ValueOf(x)
			if rv.Kind() == reflect.Pointer && rv.IsNil() {
				return nil
			}
			inner, err := x.Value()
			if err != nil {
				return nil
			}
			if reflect.TypeOf(inner) == reflect.TypeOf(v) {
				return inner
			}
			v = inner
			continue
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Pointer {
			return v
		}
		if rv.IsNil() {
			return nil
		}
		v = rv.Elem().Interface()
	}
}

// IsNull reports whether v is nil after unwrapping.
func IsNull(v any) bool {
	return Unwrap(v) == nil
}

// AsTime converts time.Time values and parseable strings to a UTC instant.
func AsTime(v any) (time.Time, bool) {
	switch x := Unwrap(v).(type) {
	case time.Time:
		return x.UTC(), true
	case []byte:
		return parseTime(string(x))
	case string:
		return parseTime(x)
	}
	return time.Time{}, false
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// IsNumber reports whether v is a Go numeric type.
func IsNumber(v any) bool {
	switch Unwrap(v).(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, *big.Rat:
		return true
	}
	return false
}

// IsFloat reports whether v is a binary floating point value.
func IsFloat(v any) bool {
	switch Unwrap(v).(type) {
	case float32, float64:
		return true
	}
	return false
}

// AsRat converts v to an exact rational. Floats are converted exactly from their binary value.
func AsRat(v any) (*big.Rat, bool) {
	switch x := Unwrap(v).(type) {
	case int, int8, int16, int32, int64:
		return new(big.Rat).SetInt64(reflect.ValueOf(x).Int()), true
	case uint, uint8, uint16, uint32, uint64:
		return new(big.Rat).SetFrac(new(big.Int).SetUint64(reflect.ValueOf(x).Uint()), big.NewInt(1)), true
	case float32:
		return ratFromFloat(float64(x))
	case float64:
		return ratFromFloat(x)
	case *big.Rat:
		return new(big.Rat).Set(x), true
	case bool:
		if x {
			return big.NewRat(1, 1), true
		}
		return new(big.Rat), true
	case []byte:
		return parseRat(string(x))
	case string:
		return parseRat(x)
	}
	return nil, false
}

func ratFromFloat(f float64) (*big.Rat, bool) {
	r := new(big.Rat)
	if r.SetFloat64(f) == nil {
		return nil, false
	}
	return r, true
}

func parseRat(s string) (*big.Rat, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	r, ok := new(big.Rat).SetString(s)
	return r, ok
}

// AsFloat converts numbers and numeric strings to float64.
func AsFloat(v any) (float64, bool) {
	switch x := Unwrap(v).(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	r, ok := AsRat(v)
	if !ok {
		return 0, false
	}
	f, _ := r.Float64()
	return f, true
}

// AsString renders v for string comparison.
func AsString(v any) string {
	switch x := Unwrap(v).(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case *big.Rat:
		return x.RatString()
	default:
		if r, ok := AsRat(x); ok {
			return r.RatString()
		}
		return fmt.Sprint(x)
	}
}
