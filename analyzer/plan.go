// Package analyzer parses incoming SQL text with the real PostgreSQL grammar
// and classifies + decomposes each statement into a QueryPlan the translator
// (package translate) can turn into GraphQL calls.
package analyzer

import "time"

// StatementKind classifies a parsed statement per §4.D.
type StatementKind int

const (
	// KindSessionUtility is a SET/SHOW/BEGIN/COMMIT/ROLLBACK acknowledged
	// syntactically with no semantic effect (transaction control) or handled
	// locally (SET/SHOW).
	KindSessionUtility StatementKind = iota
	// KindIntrospection targets a synthetic pg_catalog/information_schema
	// table or scalar (version(), current_database(), ...).
	KindIntrospection
	// KindVirtualTableSelect is a SELECT against one of the five virtual
	// tables, to be translated into GraphQL calls.
	KindVirtualTableSelect
	// KindUnsupported is any syntactically valid statement this gateway does
	// not implement (DML, DDL, joins, unsupported clause shapes).
	KindUnsupported
)

// CompareOp is a scalar comparison operator extracted from a WHERE clause.
type CompareOp int

const (
	OpEqual CompareOp = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterOrEqual
	OpLessThan
	OpLessOrEqual
	OpLike
	OpIn
	OpIsNull
	OpIsNotNull
)

// Predicate is one flattened top-level AND-ed condition from a WHERE clause.
// Only conjunctions are decomposed into Predicates; anything under an OR is
// left unrecognized, so a required column constrained only there counts as
// missing and translate reports FilterMissing (§4.D validation rules).
type Predicate struct {
	Column   string
	Op       CompareOp
	Value    string   // scalar operand, already unquoted
	Values   []string // operand list, for OpIn
}

// TimeWindow is a [Start, End) interval. Analyze does not fill
// QueryPlan.Window; translate derives the loggedtagvalues/loggedalarms
// window from the timestamp Predicates, which already carry the result of
// INTERVAL/CURRENT_TIME folding (§4.D.3).
type TimeWindow struct {
	Start time.Time
	End   time.Time
	Set   bool
}

// OrderBy is one ORDER BY term.
type OrderBy struct {
	Column     string
	Descending bool
}

// QueryPlan is the output of analysis: enough structure for package
// translate to assemble GraphQL calls and for the loader to know what
// columns to materialize, without re-parsing SQL.
type QueryPlan struct {
	Kind StatementKind

	// RawSQL is the original client text. execSessionUtility reads it for
	// transaction control and describeShape substitutes parameters into it;
	// the embedded executor runs FoldedSQL instead.
	RawSQL string

	// FoldedSQL is RawSQL after CURRENT_TIME/INTERVAL folding (§4.D.3),
	// what is actually handed to the embedded SQL engine.
	FoldedSQL string

	// Table is the lowercased virtual table name, set only for
	// KindVirtualTableSelect.
	Table string

	Predicates []Predicate
	Window     TimeWindow
	OrderBy    []OrderBy
	Limit      int64 // -1 means unset
	Projection []string // empty means SELECT *

	// SetVariable / ShowVariable hold the parameter name for
	// KindSessionUtility statements that are SET/SHOW rather than
	// transaction control.
	SetVariable   string
	SetValue      string
	ShowVariable  string
	IsTransactionControl bool

	// UnsupportedReason explains, for KindUnsupported, why.
	UnsupportedReason string

	// ParamCount is the number of $N placeholders found, for the extended
	// query protocol's ParameterDescription.
	ParamCount int
}

// RequiredColumn returns the first Predicate matching column, if any.
func (p *QueryPlan) RequiredColumn(column string) (Predicate, bool) {
	for _, pr := range p.Predicates {
		if pr.Column == column {
			return pr, true
		}
	}
	return Predicate{}, false
}
