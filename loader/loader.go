// Package loader materializes GraphQL query results as columnar batches and
// registers them as named tables in the embedded SQL engine, so the
// original client SQL can run against them unmodified (§4.F).
package loader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vogler75/winccua-pgwire-interface/analyzer"
	"github.com/vogler75/winccua-pgwire-interface/catalog"
	"github.com/vogler75/winccua-pgwire-interface/graphqlclient"
	"github.com/vogler75/winccua-pgwire-interface/translate"
)

// DB is the embedded SQL engine handle the loader materializes tables into,
// the same *sql.DB each connection runs its folded SELECT against once
// loading finishes.
type DB = *sql.DB

// LoadVirtualTable runs plan.Fetch, applies any leftover PostFilters
// row-by-row, and materializes the surviving rows as a table named after
// the virtual table (e.g. "tagvalues") in db.
func LoadVirtualTable(ctx context.Context, db DB, plan *translate.Plan) (int, error) {
	rows, err := plan.Fetch(ctx)
	if err != nil {
		return 0, err
	}

	table, _ := catalog.Lookup(plan.Table)

	switch v := rows.(type) {
	case []graphqlclient.TagValue:
		return loadTagValues(ctx, db, table, v, plan.PostFilters)
	case []graphqlclient.Alarm:
		return loadAlarms(ctx, db, table, v, plan.PostFilters)
	case []graphqlclient.BrowseResult:
		return loadTagList(ctx, db, table, v, plan.PostFilters)
	default:
		return 0, fmt.Errorf("loader: unrecognized fetch result type %T", rows)
	}
}

func createTableSQL(t catalog.Table) string {
	var b strings.Builder
	b.WriteString("CREATE OR REPLACE TABLE ")
	b.WriteString(t.Name)
	b.WriteString(" (")
	cols := t.MaterializedColumns()
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Name)
		b.WriteString(" ")
		b.WriteString(duckDBType(c.Type))
	}
	b.WriteString(")")
	return b.String()
}

func duckDBType(t catalog.ColumnType) string {
	switch t {
	case catalog.TypeText:
		return "VARCHAR"
	case catalog.TypeInteger:
		return "INTEGER"
	case catalog.TypeBigInt:
		return "BIGINT"
	case catalog.TypeNumeric:
		return "DOUBLE"
	case catalog.TypeTimestamp:
		return "TIMESTAMP"
	case catalog.TypeBoolean:
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

func insertRowSQL(t catalog.Table) string {
	cols := t.MaterializedColumns()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s VALUES (%s)", t.Name, strings.Join(placeholders, ", "))
}

func loadTagValues(ctx context.Context, db DB, t catalog.Table, rows []graphqlclient.TagValue, filters []translate.PostFilter) (int, error) {
	if _, err := db.ExecContext(ctx, createTableSQL(t)); err != nil {
		return 0, fmt.Errorf("creating table %s: %w", t.Name, err)
	}
	insertSQL := insertRowSQL(t)
	n := 0
	for _, tv := range rows {
		if !passesFilters(filters, tagValueFields(tv)) {
			continue
		}
		var numeric any
		var str any
		if tv.NumericValue != nil {
			numeric = *tv.NumericValue
		}
		if tv.StringValue != nil {
			str = *tv.StringValue
		}
		args := []any{
			tv.Name,
			tv.Timestamp,
			tv.Timestamp.UnixMilli(),
			numeric,
			str,
			tv.Quality,
		}
		if _, err := db.ExecContext(ctx, insertSQL, args...); err != nil {
			return n, fmt.Errorf("inserting row into %s: %w", t.Name, err)
		}
		n++
	}
	return n, nil
}

func loadAlarms(ctx context.Context, db DB, t catalog.Table, rows []graphqlclient.Alarm, filters []translate.PostFilter) (int, error) {
	if _, err := db.ExecContext(ctx, createTableSQL(t)); err != nil {
		return 0, fmt.Errorf("creating table %s: %w", t.Name, err)
	}
	insertSQL := insertRowSQL(t)
	hasDuration := t.Name == catalog.LoggedAlarms
	n := 0
	for _, a := range rows {
		if !passesFilters(filters, alarmFields(a)) {
			continue
		}
		args := []any{
			a.Name, a.InstanceID, a.AlarmGroupID, a.RaiseTime,
			timeOrNil(a.AcknowledgmentTime), timeOrNil(a.ClearTime),
			timeOrNil(a.ResetTime), timeOrNil(a.ModificationTime),
			a.State, a.Priority, a.EventText, a.InfoText, a.Origin, a.Area,
			a.Value, a.HostName, a.UserName,
		}
		if hasDuration {
			var d any
			if a.Duration != nil {
				d = *a.Duration
			}
			args = append(args, d)
		}
		if _, err := db.ExecContext(ctx, insertSQL, args...); err != nil {
			return n, fmt.Errorf("inserting row into %s: %w", t.Name, err)
		}
		n++
	}
	return n, nil
}

func loadTagList(ctx context.Context, db DB, t catalog.Table, rows []graphqlclient.BrowseResult, filters []translate.PostFilter) (int, error) {
	if _, err := db.ExecContext(ctx, createTableSQL(t)); err != nil {
		return 0, fmt.Errorf("creating table %s: %w", t.Name, err)
	}
	insertSQL := insertRowSQL(t)
	n := 0
	for _, r := range rows {
		if !passesFilters(filters, map[string]string{
			"tag_name": r.Name, "display_name": r.DisplayName,
			"object_type": r.ObjectType, "data_type": r.DataType,
		}) {
			continue
		}
		if _, err := db.ExecContext(ctx, insertSQL, r.Name, r.DisplayName, r.ObjectType, r.DataType); err != nil {
			return n, fmt.Errorf("inserting row into %s: %w", t.Name, err)
		}
		n++
	}
	return n, nil
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func tagValueFields(tv graphqlclient.TagValue) map[string]string {
	f := map[string]string{"tag_name": tv.Name, "quality": tv.Quality}
	if tv.StringValue != nil {
		f["string_value"] = *tv.StringValue
	}
	if tv.NumericValue != nil {
		f["numeric_value"] = fmt.Sprintf("%v", *tv.NumericValue)
	}
	return f
}

func alarmFields(a graphqlclient.Alarm) map[string]string {
	return map[string]string{
		"name": a.Name, "state": a.State, "origin": a.Origin, "area": a.Area,
		"event_text": a.EventText, "info_text": a.InfoText, "value": a.Value,
		"host_name": a.HostName, "user_name": a.UserName,
	}
}

// passesFilters re-applies leftover predicates the backend could not
// service server-side, using exact SQL LIKE/equality semantics.
func passesFilters(filters []translate.PostFilter, fields map[string]string) bool {
	for _, f := range filters {
		val, ok := fields[f.Column]
		if !ok {
			continue
		}
		switch f.Op {
		case analyzer.OpEqual:
			if val != f.Value {
				return false
			}
		case analyzer.OpNotEqual:
			if val == f.Value {
				return false
			}
		case analyzer.OpLike:
			if !analyzer.MatchesLike(val, f.Value) {
				return false
			}
		case analyzer.OpIn:
			found := false
			for _, v := range f.Values {
				if v == val {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}
