package model

import (
	"fmt"
	"time"
)

// RowID identifies one fragment: a table and a node id
type RowID struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

func (r RowID) String() string {
	return r.Table + "/" + r.ID
}

// Normalize converts a caller supplied scalar to the canonical Go type of t:
// string, int64, float64, bool or time.Time (UTC, millisecond precision).
// A nil value stays nil.
func Normalize(t ScalarType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeLong:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint32:
			return int64(n), nil
		}
	case TypeDouble:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeDate:
		if d, ok := v.(time.Time); ok {
			return d.UTC().Truncate(time.Millisecond), nil
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t)
}

// NormalizeArray converts each element with Normalize. Nil elements are rejected.
func NormalizeArray(t ScalarType, v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	var items []any
	switch a := v.(type) {
	case []any:
		items = a
	case []string:
		for _, s := range a {
			items = append(items, s)
		}
	case []int64:
		for _, n := range a {
			items = append(items, n)
		}
	case []int:
		for _, n := range a {
			items = append(items, n)
		}
	case []float64:
		for _, f := range a {
			items = append(items, f)
		}
	case []bool:
		for _, b := range a {
			items = append(items, b)
		}
	case []time.Time:
		for _, d := range a {
			items = append(items, d)
		}
	default:
		return nil, fmt.Errorf("cannot use %T as %s array", v, t)
	}

	out := make([]any, len(items))
	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("nil element at index %d", i)
		}
		n, err := Normalize(t, item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}
