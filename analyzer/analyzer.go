package analyzer

import (
	"strconv"
	"strings"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/vogler75/winccua-pgwire-interface/catalog"
)

// introspectionTables are relation names resolved locally as synthetic
// constant tables/views rather than translated to GraphQL (§4.D.2, §6).
var introspectionTables = map[string]bool{
	"pg_catalog.pg_type":            true,
	"pg_type":                       true,
	"pg_catalog.pg_namespace":       true,
	"pg_namespace":                  true,
	"pg_catalog.pg_stat_activity":   true,
	"pg_stat_activity":              true,
	"information_schema.tables":     true,
	"information_schema.columns":    true,
}

// Analyze parses raw SQL text and produces a QueryPlan. now is the instant
// against which relative-time arithmetic (CURRENT_TIMESTAMP - INTERVAL ...)
// is resolved.
func Analyze(sql string, now time.Time) (*QueryPlan, error) {
	folded := FoldIntervals(sql, now)

	result, err := pg_query.Parse(folded)
	if err != nil {
		return nil, err
	}
	if len(result.Stmts) == 0 {
		return &QueryPlan{Kind: KindSessionUtility, RawSQL: sql, FoldedSQL: folded, Limit: -1}, nil
	}

	plan := &QueryPlan{RawSQL: sql, FoldedSQL: folded, Limit: -1}
	stmt := result.Stmts[0].Stmt
	if stmt == nil {
		plan.Kind = KindSessionUtility
		return plan, nil
	}

	plan.ParamCount = countParams(stmt)

	switch n := stmt.Node.(type) {
	case *pg_query.Node_TransactionStmt:
		_ = n
		plan.Kind = KindSessionUtility
		plan.IsTransactionControl = true

	case *pg_query.Node_VariableSetStmt:
		plan.Kind = KindSessionUtility
		if n.VariableSetStmt != nil {
			plan.SetVariable = strings.ToLower(n.VariableSetStmt.Name)
			plan.SetValue = firstArgString(n.VariableSetStmt.Args)
		}

	case *pg_query.Node_VariableShowStmt:
		plan.Kind = KindSessionUtility
		if n.VariableShowStmt != nil {
			plan.ShowVariable = strings.ToLower(n.VariableShowStmt.Name)
		}

	case *pg_query.Node_SelectStmt:
		classifySelect(n.SelectStmt, plan)

	default:
		plan.Kind = KindUnsupported
		plan.UnsupportedReason = "only SELECT and session-utility statements are supported"
	}

	return plan, nil
}

// SplitStatements splits raw, possibly multi-statement SQL text on
// top-level ';' boundaries using the real PostgreSQL scanner, so a ';'
// inside a quoted string, comment, or dollar-quoted body is never mistaken
// for a statement boundary. The simple query protocol executes each
// resulting statement independently (§4.I).
func SplitStatements(sql string) ([]string, error) {
	parts, err := pg_query.SplitWithScanner(sql, false)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func classifySelect(stmt *pg_query.SelectStmt, plan *QueryPlan) {
	if stmt == nil {
		plan.Kind = KindUnsupported
		plan.UnsupportedReason = "empty select"
		return
	}

	if len(stmt.FromClause) == 0 {
		// SELECT with no FROM: constant expressions, version(), etc.
		plan.Kind = KindIntrospection
		plan.Projection = projectionOf(stmt)
		return
	}
	if len(stmt.FromClause) != 1 {
		plan.Kind = KindUnsupported
		plan.UnsupportedReason = "joins across multiple relations are not supported"
		return
	}

	rv := stmt.FromClause[0].GetRangeVar()
	if rv == nil {
		plan.Kind = KindUnsupported
		plan.UnsupportedReason = "only direct table references are supported"
		return
	}

	qualified := strings.ToLower(rv.Relname)
	if rv.Schemaname != "" {
		qualified = strings.ToLower(rv.Schemaname) + "." + qualified
	}

	if introspectionTables[qualified] || introspectionTables[strings.ToLower(rv.Relname)] {
		plan.Kind = KindIntrospection
		plan.Table = strings.ToLower(rv.Relname)
		plan.Projection = projectionOf(stmt)
		return
	}

	table, ok := catalog.Lookup(rv.Relname)
	if !ok {
		plan.Kind = KindUnsupported
		plan.UnsupportedReason = "unknown relation " + rv.Relname
		return
	}

	plan.Kind = KindVirtualTableSelect
	plan.Table = table.Name
	plan.Projection = projectionOf(stmt)
	plan.Predicates = extractPredicates(stmt.WhereClause)
	plan.OrderBy = extractOrderBy(stmt.SortClause)
	plan.Limit = extractLimit(stmt.LimitCount)
}

func projectionOf(stmt *pg_query.SelectStmt) []string {
	var cols []string
	for _, t := range stmt.TargetList {
		rt := t.GetResTarget()
		if rt == nil || rt.Val == nil {
			continue
		}
		if cr := rt.Val.GetColumnRef(); cr != nil {
			if name := columnRefName(cr); name != "" {
				if name == "*" {
					return nil
				}
				cols = append(cols, name)
				continue
			}
		}
		// Non-column-ref target (function call, literal): projection is not
		// a pure column list, materialize everything and let the embedded
		// engine evaluate the expression.
		return nil
	}
	return cols
}

func columnRefName(cr *pg_query.ColumnRef) string {
	if len(cr.Fields) == 0 {
		return ""
	}
	last := cr.Fields[len(cr.Fields)-1]
	if last.GetAStar() != nil {
		return "*"
	}
	if s := last.GetString_(); s != nil {
		return s.Sval
	}
	return ""
}

// extractPredicates flattens a top-level AND conjunction into Predicates.
// Anything under an OR, or a shape it does not recognize, is dropped: the
// caller (translate) treats missing required predicates as FilterMissing
// (§4.D validation rules) rather than guessing.
func extractPredicates(node *pg_query.Node) []Predicate {
	if node == nil {
		return nil
	}
	if be := node.GetBoolExpr(); be != nil {
		if be.Boolop == pg_query.BoolExprType_AND_EXPR {
			var out []Predicate
			for _, arg := range be.Args {
				out = append(out, extractPredicates(arg)...)
			}
			return out
		}
		return nil
	}
	if ps, ok := extractBetweenPredicates(node); ok {
		return ps
	}
	if p, ok := extractOnePredicate(node); ok {
		return []Predicate{p}
	}
	return nil
}

// extractBetweenPredicates decomposes "col BETWEEN low AND high" into an
// inclusive >= / <= pair on col, since BETWEEN parses to an A_Expr whose
// Kind (not Name) marks it, with its two bounds in Rexpr as a List (§3 Data
// Model lists "between" as a mandatory Predicate variant). NOT BETWEEN
// doesn't decompose into an AND-only shape, so it is left unrecognized like
// other OR-shaped conditions.
func extractBetweenPredicates(node *pg_query.Node) ([]Predicate, bool) {
	ae := node.GetAExpr()
	if ae == nil || ae.Kind != pg_query.A_Expr_Kind_AEXPR_BETWEEN {
		return nil, false
	}

	col := columnRefNameFromNode(ae.Lexpr)
	if col == "" {
		return nil, false
	}

	list := ae.Rexpr.GetList()
	if list == nil || len(list.Items) != 2 {
		return nil, false
	}

	return []Predicate{
		{Column: col, Op: OpGreaterOrEqual, Value: constString(list.Items[0])},
		{Column: col, Op: OpLessOrEqual, Value: constString(list.Items[1])},
	}, true
}

func extractOnePredicate(node *pg_query.Node) (Predicate, bool) {
	if nt := node.GetNullTest(); nt != nil {
		col := columnRefNameFromNode(nt.Arg)
		if col == "" {
			return Predicate{}, false
		}
		op := OpIsNull
		if nt.Nulltesttype == pg_query.NullTestType_IS_NOT_NULL {
			op = OpIsNotNull
		}
		return Predicate{Column: col, Op: op}, true
	}

	ae := node.GetAExpr()
	if ae == nil {
		return Predicate{}, false
	}

	col := columnRefNameFromNode(ae.Lexpr)
	if col == "" {
		return Predicate{}, false
	}

	opName := operatorName(ae)
	switch opName {
	case "=":
		if list := ae.Rexpr.GetList(); list != nil {
			return Predicate{Column: col, Op: OpIn, Values: constStrings(list.Items)}, true
		}
		return Predicate{Column: col, Op: OpEqual, Value: constString(ae.Rexpr)}, true
	case "<>", "!=":
		return Predicate{Column: col, Op: OpNotEqual, Value: constString(ae.Rexpr)}, true
	case ">":
		return Predicate{Column: col, Op: OpGreaterThan, Value: constString(ae.Rexpr)}, true
	case ">=":
		return Predicate{Column: col, Op: OpGreaterOrEqual, Value: constString(ae.Rexpr)}, true
	case "<":
		return Predicate{Column: col, Op: OpLessThan, Value: constString(ae.Rexpr)}, true
	case "<=":
		return Predicate{Column: col, Op: OpLessOrEqual, Value: constString(ae.Rexpr)}, true
	case "~~":
		return Predicate{Column: col, Op: OpLike, Value: constString(ae.Rexpr)}, true
	default:
		return Predicate{}, false
	}
}

func operatorName(ae *pg_query.A_Expr) string {
	for i := len(ae.Name) - 1; i >= 0; i-- {
		if s := ae.Name[i].GetString_(); s != nil {
			return s.Sval
		}
	}
	return ""
}

func columnRefNameFromNode(node *pg_query.Node) string {
	if node == nil {
		return ""
	}
	if cr := node.GetColumnRef(); cr != nil {
		return columnRefName(cr)
	}
	return ""
}

func constString(node *pg_query.Node) string {
	if node == nil {
		return ""
	}
	if tc := node.GetTypeCast(); tc != nil {
		return constString(tc.Arg)
	}
	ac := node.GetAConst()
	if ac == nil {
		return ""
	}
	switch v := ac.Val.(type) {
	case *pg_query.A_Const_Sval:
		return v.Sval.Sval
	case *pg_query.A_Const_Ival:
		return strconv.Itoa(int(v.Ival.Ival))
	case *pg_query.A_Const_Fval:
		return v.Fval.Fval
	case *pg_query.A_Const_Boolval:
		if v.Boolval.Boolval {
			return "true"
		}
		return "false"
	}
	return ""
}

func constStrings(nodes []*pg_query.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, constString(n))
	}
	return out
}

func firstArgString(args []*pg_query.Node) string {
	if len(args) == 0 {
		return ""
	}
	return constString(args[0])
}

func extractOrderBy(sortClause []*pg_query.Node) []OrderBy {
	var out []OrderBy
	for _, s := range sortClause {
		sb := s.GetSortBy()
		if sb == nil {
			continue
		}
		col := columnRefNameFromNode(sb.Node)
		if col == "" {
			continue
		}
		out = append(out, OrderBy{
			Column:     col,
			Descending: sb.SortbyDir == pg_query.SortByDir_SORTBY_DESC,
		})
	}
	return out
}

func extractLimit(node *pg_query.Node) int64 {
	if node == nil {
		return -1
	}
	ac := node.GetAConst()
	if ac == nil {
		return -1
	}
	if iv, ok := ac.Val.(*pg_query.A_Const_Ival); ok {
		return int64(iv.Ival.Ival)
	}
	return -1
}

func countParams(node *pg_query.Node) int {
	max := 0
	walkParams(node, &max)
	return max
}

func walkParams(node *pg_query.Node, max *int) {
	if node == nil {
		return
	}
	if pr := node.GetParamRef(); pr != nil {
		if int(pr.Number) > *max {
			*max = int(pr.Number)
		}
	}
	if sel := node.GetSelectStmt(); sel != nil {
		for _, t := range sel.TargetList {
			walkParams(t, max)
		}
		walkParams(sel.WhereClause, max)
		walkParams(sel.HavingClause, max)
		walkParams(sel.LimitCount, max)
		walkParams(sel.LimitOffset, max)
		for _, s := range sel.SortClause {
			if sb := s.GetSortBy(); sb != nil {
				walkParams(sb.Node, max)
			}
		}
	}
	if rt := node.GetResTarget(); rt != nil {
		walkParams(rt.Val, max)
	}
	if tc := node.GetTypeCast(); tc != nil {
		walkParams(tc.Arg, max)
	}
	if ae := node.GetAExpr(); ae != nil {
		walkParams(ae.Lexpr, max)
		walkParams(ae.Rexpr, max)
	}
	if be := node.GetBoolExpr(); be != nil {
		for _, a := range be.Args {
			walkParams(a, max)
		}
	}
	if list := node.GetList(); list != nil {
		for _, item := range list.Items {
			walkParams(item, max)
		}
	}
}
