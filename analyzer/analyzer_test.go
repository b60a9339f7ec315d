package analyzer

import (
	"testing"
	"time"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func TestAnalyzeEmptyStatementIsSessionUtility(t *testing.T) {
	plan, err := Analyze("  ", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Kind != KindSessionUtility {
		t.Fatalf("Kind = %v, want KindSessionUtility", plan.Kind)
	}
}

func TestAnalyzeTransactionControl(t *testing.T) {
	for _, sql := range []string{"BEGIN", "COMMIT", "ROLLBACK", "START TRANSACTION"} {
		plan, err := Analyze(sql, fixedNow)
		if err != nil {
			t.Fatalf("Analyze(%q): unexpected error: %v", sql, err)
		}
		if plan.Kind != KindSessionUtility || !plan.IsTransactionControl {
			t.Fatalf("Analyze(%q) = %+v, want session-utility transaction control", sql, plan)
		}
	}
}

func TestAnalyzeSetAndShow(t *testing.T) {
	plan, err := Analyze("SET client_encoding = 'UTF8'", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Kind != KindSessionUtility || plan.SetVariable != "client_encoding" || plan.SetValue != "UTF8" {
		t.Fatalf("unexpected SET plan: %+v", plan)
	}

	plan, err = Analyze("SHOW timezone", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Kind != KindSessionUtility || plan.ShowVariable != "timezone" {
		t.Fatalf("unexpected SHOW plan: %+v", plan)
	}
}

func TestAnalyzeIntrospectionNoFromClause(t *testing.T) {
	plan, err := Analyze("SELECT version()", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Kind != KindIntrospection {
		t.Fatalf("Kind = %v, want KindIntrospection", plan.Kind)
	}
}

func TestAnalyzeIntrospectionTable(t *testing.T) {
	plan, err := Analyze("SELECT * FROM pg_catalog.pg_stat_activity", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Kind != KindIntrospection || plan.Table != "pg_stat_activity" {
		t.Fatalf("unexpected plan: %+v", plan)
	}
}

func TestAnalyzeVirtualTableSelect(t *testing.T) {
	plan, err := Analyze("SELECT tag_name, numeric_value FROM tagvalues WHERE tag_name = 'Motor1.Speed' ORDER BY tag_name LIMIT 10", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Kind != KindVirtualTableSelect {
		t.Fatalf("Kind = %v, want KindVirtualTableSelect", plan.Kind)
	}
	if plan.Table != "tagvalues" {
		t.Fatalf("Table = %q, want tagvalues", plan.Table)
	}
	if len(plan.Projection) != 2 || plan.Projection[0] != "tag_name" || plan.Projection[1] != "numeric_value" {
		t.Fatalf("Projection = %v, want [tag_name numeric_value]", plan.Projection)
	}
	if plan.Limit != 10 {
		t.Fatalf("Limit = %d, want 10", plan.Limit)
	}
	if len(plan.OrderBy) != 1 || plan.OrderBy[0].Column != "tag_name" || plan.OrderBy[0].Descending {
		t.Fatalf("OrderBy = %v, unexpected", plan.OrderBy)
	}
	pred, ok := plan.RequiredColumn("tag_name")
	if !ok || pred.Op != OpEqual || pred.Value != "Motor1.Speed" {
		t.Fatalf("RequiredColumn(tag_name) = %+v, %v", pred, ok)
	}
}

func TestAnalyzeSelectStarProjectionIsNil(t *testing.T) {
	plan, err := Analyze("SELECT * FROM tagvalues", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Projection != nil {
		t.Fatalf("Projection = %v, want nil for SELECT *", plan.Projection)
	}
}

func TestAnalyzeInPredicate(t *testing.T) {
	plan, err := Analyze("SELECT * FROM tagvalues WHERE tag_name IN ('A', 'B', 'C')", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pred, ok := plan.RequiredColumn("tag_name")
	if !ok || pred.Op != OpIn {
		t.Fatalf("expected IN predicate, got %+v", pred)
	}
	if len(pred.Values) != 3 || pred.Values[0] != "A" || pred.Values[2] != "C" {
		t.Fatalf("Values = %v, want [A B C]", pred.Values)
	}
}

func TestAnalyzeAndConjunctionFlattensPredicates(t *testing.T) {
	plan, err := Analyze("SELECT * FROM loggedtagvalues WHERE tag_name = 'x' AND numeric_value > 10", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Predicates) != 2 {
		t.Fatalf("Predicates = %v, want 2 entries", plan.Predicates)
	}
}

func TestAnalyzeBetweenPredicateDecomposesToInclusiveBounds(t *testing.T) {
	plan, err := Analyze("SELECT * FROM loggedtagvalues WHERE tag_name = 'x' AND timestamp BETWEEN '2024-01-01 00:00:00' AND '2024-01-02 00:00:00'", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Predicates) != 3 {
		t.Fatalf("Predicates = %+v, want 3 entries (tag_name plus two timestamp bounds)", plan.Predicates)
	}
	var low, high *Predicate
	for i := range plan.Predicates {
		p := &plan.Predicates[i]
		if p.Column != "timestamp" {
			continue
		}
		switch p.Op {
		case OpGreaterOrEqual:
			low = p
		case OpLessOrEqual:
			high = p
		}
	}
	if low == nil || low.Value != "2024-01-01 00:00:00" {
		t.Fatalf("low bound = %+v, want >= 2024-01-01 00:00:00", low)
	}
	if high == nil || high.Value != "2024-01-02 00:00:00" {
		t.Fatalf("high bound = %+v, want <= 2024-01-02 00:00:00", high)
	}
}

func TestAnalyzeOrConjunctionIsDropped(t *testing.T) {
	plan, err := Analyze("SELECT * FROM tagvalues WHERE tag_name = 'a' OR tag_name = 'b'", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Predicates) != 0 {
		t.Fatalf("Predicates = %v, want none (OR is not decomposed)", plan.Predicates)
	}
}

func TestAnalyzeUnknownRelationIsUnsupported(t *testing.T) {
	plan, err := Analyze("SELECT * FROM nonexistent_table", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Kind != KindUnsupported {
		t.Fatalf("Kind = %v, want KindUnsupported", plan.Kind)
	}
	if plan.UnsupportedReason == "" {
		t.Fatalf("expected a non-empty UnsupportedReason")
	}
}

func TestAnalyzeJoinIsUnsupported(t *testing.T) {
	plan, err := Analyze("SELECT * FROM tagvalues, loggedtagvalues", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Kind != KindUnsupported {
		t.Fatalf("Kind = %v, want KindUnsupported for a multi-relation FROM clause", plan.Kind)
	}
}

func TestAnalyzeInsertIsUnsupported(t *testing.T) {
	plan, err := Analyze("INSERT INTO tagvalues (tagname) VALUES ('x')", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Kind != KindUnsupported {
		t.Fatalf("Kind = %v, want KindUnsupported for INSERT", plan.Kind)
	}
}

func TestAnalyzeParamCount(t *testing.T) {
	plan, err := Analyze("SELECT * FROM tagvalues WHERE tag_name = $1 AND numeric_value = $2", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.ParamCount != 2 {
		t.Fatalf("ParamCount = %d, want 2", plan.ParamCount)
	}
}

func TestAnalyzeFoldsIntervalBeforeParsing(t *testing.T) {
	plan, err := Analyze("SELECT * FROM loggedtagvalues WHERE timestamp > CURRENT_TIMESTAMP - INTERVAL '15 minutes'", fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pred, ok := plan.RequiredColumn("timestamp")
	if !ok || pred.Op != OpGreaterThan {
		t.Fatalf("expected folded timestamp predicate, got %+v", pred)
	}
	want := fixedNow.Add(-15 * time.Minute).Format("2006-01-02 15:04:05")
	if pred.Value == "" || pred.Value[:len(want)] != want {
		t.Fatalf("Value = %q, want prefix %q", pred.Value, want)
	}
}

func TestSplitStatementsSplitsOnTopLevelSemicolons(t *testing.T) {
	stmts, err := SplitStatements("BEGIN; SET timezone = 'UTC'; SHOW timezone; COMMIT;")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stmts) != 4 {
		t.Fatalf("got %d statements, want 4: %v", len(stmts), stmts)
	}
	if stmts[0] != "BEGIN" || stmts[3] != "COMMIT" {
		t.Fatalf("unexpected split: %v", stmts)
	}
}

func TestSplitStatementsIgnoresSemicolonInsideStringLiteral(t *testing.T) {
	stmts, err := SplitStatements("SELECT * FROM tagvalues WHERE tag_name = 'a;b'")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stmts) != 1 {
		t.Fatalf("got %d statements, want 1: %v", len(stmts), stmts)
	}
}

func TestSplitStatementsEmptyInputYieldsNoStatements(t *testing.T) {
	stmts, err := SplitStatements("   ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stmts) != 0 {
		t.Fatalf("got %d statements, want 0: %v", len(stmts), stmts)
	}
}
