package server

import (
	"context"
	"strings"

	"github.com/vogler75/winccua-pgwire-interface/analyzer"
	"github.com/vogler75/winccua-pgwire-interface/catalog"
	"github.com/vogler75/winccua-pgwire-interface/sqlerrors"
)

// serverVersionString is reported by SELECT version() and the
// server_version startup parameter.
const serverVersionString = "PostgreSQL 16.0 (winccua-pgwire-interface)"

// introspectionResult is the answer to a KindIntrospection QueryPlan: a
// pg_catalog/information_schema lookup or a scalar session function
// computed locally, or a FROM-less constant SELECT evaluated by the
// embedded engine (evalConstantSelect). The GraphQL backend is never
// called (§4.D.2, §6).
type introspectionResult struct {
	columns []string
	oids    []int32
	rows    [][]any
}

// runIntrospection answers a KindIntrospection QueryPlan.
func (c *clientConn) runIntrospection(ctx context.Context, plan *analyzer.QueryPlan) (*introspectionResult, error) {
	sqlLower := strings.ToLower(plan.FoldedSQL)

	switch {
	case plan.Table == "pg_stat_activity":
		return c.pgStatActivityResult(), nil
	case plan.Table == "pg_type":
		return &introspectionResult{
			columns: []string{"oid", "typname", "typnamespace"},
			oids:    []int32{OidOid, OidText, OidOid},
		}, nil
	case plan.Table == "pg_namespace":
		return &introspectionResult{
			columns: []string{"oid", "nspname"},
			oids:    []int32{OidOid, OidText},
		}, nil
	case plan.Table == "tables":
		return c.informationSchemaTablesResult(), nil
	case plan.Table == "columns":
		return c.informationSchemaColumnsResult(), nil
	case strings.Contains(sqlLower, "version()"):
		return singleTextRowResult("version", serverVersionString+" on x86_64-pc-linux-gnu"), nil
	case strings.Contains(sqlLower, "current_database()"):
		return singleTextRowResult("current_database", "winccua"), nil
	case strings.Contains(sqlLower, "session_user"):
		return singleTextRowResult("session_user", c.username), nil
	case strings.Contains(sqlLower, "current_user"):
		return singleTextRowResult("current_user", c.username), nil
	default:
		return c.evalConstantSelect(ctx, plan)
	}
}

// evalConstantSelect answers a FROM-less SELECT that names none of the
// recognized introspection targets above: a bare literal (SELECT 1) or a
// cast over a literal or already-substituted parameter (SELECT $1::int),
// evaluated by the embedded engine itself rather than growing this file
// into a second SQL expression evaluator (§4.D.2, §6, §8 Testable
// Property 9).
func (c *clientConn) evalConstantSelect(ctx context.Context, plan *analyzer.QueryPlan) (*introspectionResult, error) {
	if c.db == nil {
		return nil, sqlerrors.UnsupportedStatement("unrecognized introspection query")
	}
	rows, err := c.db.QueryContext(ctx, plan.FoldedSQL)
	if err != nil {
		return nil, sqlerrors.UnsupportedStatement("unrecognized introspection query")
	}
	defer rows.Close()

	cols, oids, out, err := scanRows(rows)
	if err != nil {
		return nil, sqlerrors.UnsupportedStatement("unrecognized introspection query")
	}
	return &introspectionResult{columns: cols, oids: oids, rows: out}, nil
}

func singleTextRowResult(column, value string) *introspectionResult {
	return &introspectionResult{
		columns: []string{column},
		oids:    []int32{OidText},
		rows:    [][]any{{value}},
	}
}

// pgStatActivityResult reports the single backend this connection owns.
// Real client tools (psql \conninfo, JDBC health probes) query this table;
// there is only ever one row to report since the gateway does not expose
// other connections' activity to each other.
func (c *clientConn) pgStatActivityResult() *introspectionResult {
	return &introspectionResult{
		columns: []string{"pid", "usename", "datname", "application_name", "state", "query", "backend_start"},
		oids:    []int32{OidInt4, OidText, OidText, OidText, OidText, OidText, OidTimestamp},
		rows: [][]any{{
			c.pid, c.username, c.database, "", "active", c.lastQuery, processStartTime,
		}},
	}
}

func (c *clientConn) informationSchemaTablesResult() *introspectionResult {
	names := catalog.Names()
	rows := make([][]any, 0, len(names))
	for _, n := range names {
		rows = append(rows, []any{"winccua", "public", n, "BASE TABLE"})
	}
	return &introspectionResult{
		columns: []string{"table_catalog", "table_schema", "table_name", "table_type"},
		oids:    []int32{OidText, OidText, OidText, OidText},
		rows:    rows,
	}
}

func (c *clientConn) informationSchemaColumnsResult() *introspectionResult {
	var rows [][]any
	for _, name := range catalog.Names() {
		table, _ := catalog.Lookup(name)
		for i, col := range table.MaterializedColumns() {
			rows = append(rows, []any{"winccua", "public", name, col.Name, i + 1, pgTypeName(col.Type)})
		}
	}
	return &introspectionResult{
		columns: []string{"table_catalog", "table_schema", "table_name", "column_name", "ordinal_position", "data_type"},
		oids:    []int32{OidText, OidText, OidText, OidText, OidInt4, OidText},
		rows:    rows,
	}
}

// lookupCatalogTable is a thin case-normalizing wrapper around
// catalog.Lookup for use in Describe, which sees the table name as parsed
// out of the FROM clause.
func lookupCatalogTable(name string) (catalog.Table, bool) {
	return catalog.Lookup(strings.ToLower(name))
}

// oidForColumnType maps a virtual-table column's semantic type to the
// PostgreSQL wire type reported in RowDescription.
func oidForColumnType(t catalog.ColumnType) int32 {
	switch t {
	case catalog.TypeInteger:
		return OidInt4
	case catalog.TypeBigInt:
		return OidInt8
	case catalog.TypeNumeric:
		return OidFloat8
	case catalog.TypeTimestamp:
		return OidTimestamptz
	case catalog.TypeBoolean:
		return OidBool
	default:
		return OidText
	}
}

func pgTypeName(t catalog.ColumnType) string {
	switch t {
	case catalog.TypeInteger:
		return "integer"
	case catalog.TypeBigInt:
		return "bigint"
	case catalog.TypeNumeric:
		return "double precision"
	case catalog.TypeTimestamp:
		return "timestamp without time zone"
	case catalog.TypeBoolean:
		return "boolean"
	default:
		return "text"
	}
}
