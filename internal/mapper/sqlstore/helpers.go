package sqlstore

import (
	"fmt"
	"strconv"
	"time"

	"docstore/internal/model"
)

// ============================================================================
// Value Conversion Helpers
// ============================================================================
//
// Values cross the boundary in canonical Go types (see model.Normalize).
// Dates travel as Unix milliseconds and ids of sequence repositories as
// integers; everything else is passed through and normalized on read since
// drivers disagree on booleans and text.

// toDB converts a canonical value for binding
func toDB(t model.ColumnType, idType model.IDType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case model.ColumnID:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("id must be a string, got %T", v)
		}
		if idType == model.IDSequence {
			return parseSequenceID(s)
		}
		return s, nil
	case model.ColumnDate:
		switch d := v.(type) {
		case time.Time:
			return d.UnixMilli(), nil
		case int64:
			return d, nil
		}
		return nil, fmt.Errorf("date must be a time.Time, got %T", v)
	}
	return v, nil
}

// fromDB normalizes a scanned driver value
func fromDB(t model.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case model.ColumnID, model.ColumnString, model.ColumnText:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case int64:
			return strconv.FormatInt(x, 10), nil
		}
	case model.ColumnLong:
		return toInt64(v)
	case model.ColumnDouble:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case []byte:
			return strconv.ParseFloat(string(x), 64)
		}
	case model.ColumnBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case []byte:
			return strconv.ParseBool(string(x))
		}
	case model.ColumnDate:
		ms, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(ms.(int64)).UTC(), nil
	}
	return nil, fmt.Errorf("cannot read %T as column type %d", v, t)
}

func toInt64(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return nil, fmt.Errorf("cannot read %T as integer", v)
}

func parseSequenceID(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence id %q: %w", s, err)
	}
	return n, nil
}

// idArgs converts node ids for an IN list
func idArgs(idType model.IDType, ids []string) ([]any, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		v, err := toDB(model.ColumnID, idType, id)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// ============================================================================
// Chunking
// ============================================================================

// maxInParams keeps IN lists under the smallest driver parameter limit
const maxInParams = 500

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
