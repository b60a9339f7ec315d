package server

import (
	"bytes"
	"testing"

	"github.com/vogler75/winccua-pgwire-interface/analyzer"
	"github.com/vogler75/winccua-pgwire-interface/sqlerrors"
)

func TestSubstituteParamsDescendingOrderAvoidsClobbering(t *testing.T) {
	values := make([][]byte, 10)
	for i := range values {
		values[i] = []byte{byte('a' + i)}
	}
	got := substituteParams("SELECT $1, $10", values)
	want := "SELECT 'a', 'j'"
	if got != want {
		t.Fatalf("substituteParams() = %q, want %q", got, want)
	}
}

func TestSubstituteParamsQuotesAndEscapes(t *testing.T) {
	values := [][]byte{[]byte("O'Brien")}
	got := substituteParams("SELECT * FROM t WHERE name = $1", values)
	want := "SELECT * FROM t WHERE name = 'O''Brien'"
	if got != want {
		t.Fatalf("substituteParams() = %q, want %q", got, want)
	}
}

func TestSubstituteParamsNullValue(t *testing.T) {
	values := [][]byte{nil}
	got := substituteParams("SELECT $1", values)
	if got != "SELECT NULL" {
		t.Fatalf("substituteParams() = %q, want %q", got, "SELECT NULL")
	}
}

func TestExecSessionUtilityTransactionControl(t *testing.T) {
	c := &clientConn{}
	cases := map[string]string{
		"BEGIN":              "BEGIN",
		"START TRANSACTION":  "BEGIN",
		"COMMIT":             "COMMIT",
		"END":                "COMMIT",
		"ROLLBACK":           "ROLLBACK",
	}
	for sql, wantTag := range cases {
		plan := &analyzer.QueryPlan{Kind: analyzer.KindSessionUtility, RawSQL: sql, IsTransactionControl: true}
		_, _, _, tag, err := c.execSessionUtility(plan)
		if err != nil {
			t.Fatalf("execSessionUtility(%q): unexpected error %v", sql, err)
		}
		if tag != wantTag {
			t.Errorf("execSessionUtility(%q) tag = %q, want %q", sql, tag, wantTag)
		}
	}
}

func TestExecSessionUtilityUpdatesTxStatus(t *testing.T) {
	c := &clientConn{txStatus: 'I'}

	begin := &analyzer.QueryPlan{Kind: analyzer.KindSessionUtility, RawSQL: "BEGIN", IsTransactionControl: true}
	if _, _, _, _, err := c.execSessionUtility(begin); err != nil {
		t.Fatalf("BEGIN: unexpected error %v", err)
	}
	if c.txStatus != 'T' {
		t.Fatalf("txStatus after BEGIN = %q, want 'T'", c.txStatus)
	}

	commit := &analyzer.QueryPlan{Kind: analyzer.KindSessionUtility, RawSQL: "COMMIT", IsTransactionControl: true}
	if _, _, _, _, err := c.execSessionUtility(commit); err != nil {
		t.Fatalf("COMMIT: unexpected error %v", err)
	}
	if c.txStatus != 'I' {
		t.Fatalf("txStatus after COMMIT = %q, want 'I'", c.txStatus)
	}

	if _, _, _, _, err := c.execSessionUtility(begin); err != nil {
		t.Fatalf("BEGIN: unexpected error %v", err)
	}
	rollback := &analyzer.QueryPlan{Kind: analyzer.KindSessionUtility, RawSQL: "ROLLBACK", IsTransactionControl: true}
	if _, _, _, _, err := c.execSessionUtility(rollback); err != nil {
		t.Fatalf("ROLLBACK: unexpected error %v", err)
	}
	if c.txStatus != 'I' {
		t.Fatalf("txStatus after ROLLBACK = %q, want 'I'", c.txStatus)
	}
}

func TestExecSessionUtilityShowVariable(t *testing.T) {
	c := &clientConn{}
	plan := &analyzer.QueryPlan{Kind: analyzer.KindSessionUtility, ShowVariable: "timezone"}
	cols, oids, rows, tag, err := c.execSessionUtility(plan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols) != 1 || cols[0] != "timezone" {
		t.Fatalf("cols = %v, want [timezone]", cols)
	}
	if len(oids) != 1 || oids[0] != OidText {
		t.Fatalf("oids = %v, want [OidText]", oids)
	}
	if len(rows) != 1 || rows[0][0] != "UTC" {
		t.Fatalf("rows = %v, want [[UTC]]", rows)
	}
	if tag != "SHOW" {
		t.Fatalf("tag = %q, want SHOW", tag)
	}
}

func TestExecSessionUtilitySetIsNoOp(t *testing.T) {
	c := &clientConn{}
	plan := &analyzer.QueryPlan{Kind: analyzer.KindSessionUtility}
	cols, _, rows, tag, err := c.execSessionUtility(plan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols != nil || rows != nil {
		t.Fatalf("expected no result set for SET, got cols=%v rows=%v", cols, rows)
	}
	if tag != "SET" {
		t.Fatalf("tag = %q, want SET", tag)
	}
}

func TestSessionVariableValue(t *testing.T) {
	cases := map[string]string{
		"timezone":                    "UTC",
		"client_encoding":             "UTF8",
		"standard_conforming_strings": "on",
		"server_version":              "16.0",
		"unknown_variable":            "",
	}
	for name, want := range cases {
		if got := sessionVariableValue(name); got != want {
			t.Errorf("sessionVariableValue(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestSqlStateOfWrapsSQLErrorAndFallsBackToInternal(t *testing.T) {
	if got := sqlStateOf(sqlerrors.Parse("bad syntax")); got != "42601" {
		t.Errorf("sqlStateOf(Parse) = %q, want 42601", got)
	}
	if got := sqlStateOf(bytes.ErrTooLarge); got != "XX000" {
		t.Errorf("sqlStateOf(non-*Error) = %q, want XX000", got)
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{int64(42), "42"},
		{3.5, "3.5"},
		{true, "t"},
		{false, "f"},
		{"hello", "hello"},
		{[]byte("bytes"), "bytes"},
	}
	for _, tc := range cases {
		if got := formatValue(tc.in); got != tc.want {
			t.Errorf("formatValue(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTypeSizeFor(t *testing.T) {
	cases := map[int32]int16{
		OidBool: 1,
		OidInt2: 2,
		OidInt4: 4,
		OidInt8: 8,
		OidText: -1,
	}
	for oid, want := range cases {
		if got := typeSizeFor(oid); got != want {
			t.Errorf("typeSizeFor(%d) = %d, want %d", oid, got, want)
		}
	}
}

func TestReadCString(t *testing.T) {
	r := bytes.NewReader([]byte("hello\x00world\x00"))
	s, err := readCString(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != "hello" {
		t.Fatalf("readCString() = %q, want %q", s, "hello")
	}
	s, err = readCString(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != "world" {
		t.Fatalf("readCString() = %q, want %q", s, "world")
	}
}

func TestReadCStringUnterminated(t *testing.T) {
	r := bytes.NewReader([]byte("nonulhere"))
	if _, err := readCString(r); err == nil {
		t.Fatalf("expected error for unterminated string")
	}
}
