package query

import (
	"encoding/json"
	"time"

	"github.com/joao-brasil/mssql-querypool/internal/pool"
)

// TimestampLayout is the textual form of every date and time value in a
// result.
const TimestampLayout = "2006-01-02 15:04:05"

// Row is one result row keyed by column name. When a result set repeats a
// column name the rightmost column wins.
type Row map[string]any

// Field describes one column of a result set.
type Field struct {
	Name     string `json:"name"`
	OrgTable string `json:"orgTable"`
	Type     string `json:"type,omitempty"`
}

// Result is the buffered outcome of one statement.
//
// A read statement with a single result set fills Rows; one with several
// result sets fills Sets in order instead. Fields holds one entry per result
// set either way. A modifying statement sets Total and carries no rows.
type Result struct {
	Rows   []Row     `json:"rows,omitempty"`
	Sets   [][]Row   `json:"sets,omitempty"`
	Fields [][]Field `json:"fields,omitempty"`
	Total  *int64    `json:"total,omitempty"`
}

// MarshalJSON always writes rows for a single-set read, so an empty read
// stays distinguishable from a modifying statement.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	if r.Total != nil || len(r.Sets) > 0 {
		return json.Marshal(plain(r))
	}
	rows := r.Rows
	if rows == nil {
		rows = []Row{}
	}
	return json.Marshal(struct {
		Rows []Row `json:"rows"`
		plain
	}{rows, plain(r)})
}

// SetCount returns the number of result sets.
func (r *Result) SetCount() int {
	return len(r.Fields)
}

// Set returns result set i regardless of how many sets there are.
func (r *Result) Set(i int) []Row {
	if len(r.Sets) > 0 {
		if i < len(r.Sets) {
			return r.Sets[i]
		}
		return nil
	}
	if i == 0 {
		return r.Rows
	}
	return nil
}

func fieldsOf(cols []pool.Column) []Field {
	fields := make([]Field, len(cols))
	for i, c := range cols {
		fields[i] = Field{Name: c.Name, OrgTable: c.Table, Type: c.Type}
	}
	return fields
}

func makeRow(cols []pool.Column, vals []any, utc bool) Row {
	row := make(Row, len(cols))
	for i, c := range cols {
		if i < len(vals) {
			row[c.Name] = normalize(vals[i], utc)
		}
	}
	return row
}

// normalize renders dates as TimestampLayout text.
func normalize(v any, utc bool) any {
	switch t := v.(type) {
	case time.Time:
		if utc {
			t = t.UTC()
		}
		return t.Format(TimestampLayout)
	case *time.Time:
		if t == nil {
			return nil
		}
		return normalize(*t, utc)
	default:
		return v
	}
}
