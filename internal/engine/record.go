// Package engine drives the fetch, filter, upsert and cursor-advance cycle
// for every configured resource pipeline.
package engine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/feedbridge/feedbridge/internal/feed"
	"github.com/feedbridge/feedbridge/internal/sink"
)

// ValidationError marks a single record as unusable. The record is excluded
// and counted as failed; the batch continues.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: field %q %s", e.Field, e.Reason)
}

// Mapper converts a raw feed record into a sink-ready row. Implementations
// are collaborators chosen per resource type; the engine treats them as
// opaque.
type Mapper interface {
	Map(rec feed.Record) (sink.Row, error)
}

// MapperFunc adapts a function to the Mapper interface.
type MapperFunc func(feed.Record) (sink.Row, error)

func (f MapperFunc) Map(rec feed.Record) (sink.Row, error) { return f(rec) }

// columnMapper is the default Mapper: it projects a record onto the
// configured column allow-list, requiring a non-empty key and a parseable
// timestamp. Unknown feed fields are dropped, absent columns become NULL.
type columnMapper struct {
	columns  []string
	keyField string
	tsField  string
}

// NewColumnMapper builds the allow-list mapper used when no custom mapper is
// registered for a resource.
func NewColumnMapper(columns []string, keyField, tsField string) Mapper {
	return &columnMapper{columns: columns, keyField: keyField, tsField: tsField}
}

func (m *columnMapper) Map(rec feed.Record) (sink.Row, error) {
	key := stringField(rec, m.keyField)
	if key == "" {
		return sink.Row{}, &ValidationError{Field: m.keyField, Reason: "is missing or empty"}
	}
	if _, err := timeField(rec, m.tsField); err != nil {
		return sink.Row{}, &ValidationError{Field: m.tsField, Reason: err.Error()}
	}

	values := make([]any, len(m.columns))
	for i, col := range m.columns {
		values[i] = rec[col]
	}
	return sink.Row{Key: key, Values: values}, nil
}

// stringField renders a record field as a string key. Numeric feed keys are
// normalized so the same identifier always produces the same string.
func stringField(rec feed.Record, field string) string {
	switch v := rec[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}

// timeField parses a record's designated timestamp field.
func timeField(rec feed.Record, field string) (time.Time, error) {
	switch v := rec[field].(type) {
	case time.Time:
		return v, nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot parse timestamp %q", v)
		}
		return ts, nil
	case nil:
		return time.Time{}, fmt.Errorf("is missing")
	default:
		return time.Time{}, fmt.Errorf("has unsupported type %T", v)
	}
}
