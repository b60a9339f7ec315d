// Package catalog declares the fixed set of virtual tables the gateway
// exposes over the PostgreSQL wire protocol: their columns, semantic types,
// and which columns are "virtual" (SQL-visible, GraphQL-input-only, never
// materialized in a result row).
package catalog

import "strings"

// ColumnType is the semantic type of a virtual-table column, independent of
// its eventual PostgreSQL OID (oidForColumnType in server/catalog.go maps
// these at the wire layer).
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeInteger
	TypeBigInt
	TypeNumeric
	TypeTimestamp
	TypeBoolean
)

// Column describes one column of a virtual table.
type Column struct {
	Name    string
	Type    ColumnType
	Virtual bool // present in SQL predicates, absent from result rows
}

// Table is the static descriptor for one virtual table.
type Table struct {
	Name    string
	Columns []Column
}

// Column looks up a column by name, case-insensitively.
func (t Table) Column(name string) (Column, bool) {
	name = strings.ToLower(name)
	for _, c := range t.Columns {
		if strings.ToLower(c.Name) == name {
			return c, true
		}
	}
	return Column{}, false
}

// MaterializedColumns returns the columns that appear in result rows, i.e.
// every column except the virtual (parameter-only) ones, in schema order.
func (t Table) MaterializedColumns() []Column {
	out := make([]Column, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !c.Virtual {
			out = append(out, c)
		}
	}
	return out
}

const (
	TagValues       = "tagvalues"
	LoggedTagValues = "loggedtagvalues"
	ActiveAlarms    = "activealarms"
	LoggedAlarms    = "loggedalarms"
	TagList         = "taglist"
)

var tagValueColumns = []Column{
	{Name: "tag_name", Type: TypeText},
	{Name: "timestamp", Type: TypeTimestamp},
	{Name: "timestamp_ms", Type: TypeBigInt},
	{Name: "numeric_value", Type: TypeNumeric},
	{Name: "string_value", Type: TypeText},
	{Name: "quality", Type: TypeText},
}

var alarmColumns = []Column{
	{Name: "name", Type: TypeText},
	{Name: "instance_id", Type: TypeBigInt},
	{Name: "alarm_group_id", Type: TypeInteger},
	{Name: "raise_time", Type: TypeTimestamp},
	{Name: "acknowledgment_time", Type: TypeTimestamp},
	{Name: "clear_time", Type: TypeTimestamp},
	{Name: "reset_time", Type: TypeTimestamp},
	{Name: "modification_time", Type: TypeTimestamp},
	{Name: "state", Type: TypeText},
	{Name: "priority", Type: TypeInteger},
	{Name: "event_text", Type: TypeText},
	{Name: "info_text", Type: TypeText},
	{Name: "origin", Type: TypeText},
	{Name: "area", Type: TypeText},
	{Name: "value", Type: TypeText},
	{Name: "host_name", Type: TypeText},
	{Name: "user_name", Type: TypeText},
}

// tables is the fixed catalog. Built once at package init; treated as
// immutable and shared by reference across every connection (§5).
var tables = map[string]Table{
	TagValues: {
		Name:    TagValues,
		Columns: tagValueColumns,
	},
	LoggedTagValues: {
		Name:    LoggedTagValues,
		Columns: tagValueColumns,
	},
	ActiveAlarms: {
		Name:    ActiveAlarms,
		Columns: alarmColumns,
	},
	LoggedAlarms: {
		Name: LoggedAlarms,
		Columns: append(append([]Column{}, alarmColumns...),
			Column{Name: "duration", Type: TypeBigInt},
			Column{Name: "filterString", Type: TypeText, Virtual: true},
			Column{Name: "system_name", Type: TypeText, Virtual: true},
			Column{Name: "filter_language", Type: TypeText, Virtual: true},
		),
	},
	TagList: {
		Name: TagList,
		Columns: []Column{
			{Name: "tag_name", Type: TypeText},
			{Name: "display_name", Type: TypeText},
			{Name: "object_type", Type: TypeText},
			{Name: "data_type", Type: TypeText},
			{Name: "language", Type: TypeText, Virtual: true},
			{Name: "object_type_filter", Type: TypeText, Virtual: true},
		},
	},
}

// Lookup returns the Table for a name, case-insensitively, and whether it exists.
func Lookup(name string) (Table, bool) {
	t, ok := tables[strings.ToLower(name)]
	return t, ok
}

// Names returns every virtual table name, for use in error hints (§7).
func Names() []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	return names
}
