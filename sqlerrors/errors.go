// Package sqlerrors defines the closed taxonomy of failures the gateway can
// produce and their mapping onto PostgreSQL SQLSTATE codes.
package sqlerrors

import "fmt"

// Kind is a tagged variant over the gateway's failure taxonomy. Every public
// operation in the gateway returns a *Error (or nil); conversion to a wire
// ErrorResponse happens only at the connection boundary.
type Kind string

const (
	KindAuth                  Kind = "auth"
	KindParse                 Kind = "parse"
	KindUnsupportedTable      Kind = "unsupported_table"
	KindUnsupportedStatement  Kind = "unsupported_statement"
	KindFilterMissing         Kind = "filter_missing"
	KindBackend               Kind = "backend"
	KindInternal              Kind = "internal"
)

// sqlState maps each Kind to the SQLSTATE carried in ErrorResponse field 'C'.
var sqlState = map[Kind]string{
	KindAuth:                 "28P01",
	KindParse:                "42601",
	KindUnsupportedTable:     "42P01",
	KindUnsupportedStatement: "0A000",
	KindFilterMissing:        "42000",
	KindBackend:              "08000",
	KindInternal:             "XX000",
}

// Error is the single sum-typed error used throughout the gateway.
type Error struct {
	Kind    Kind
	Message string
	Hint    string // optional, surfaces in ErrorResponse field 'H'
	Fatal   bool   // FATAL severity closes the connection; ERROR keeps it alive
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// SQLState returns the SQLSTATE code for this error's Kind.
func (e *Error) SQLState() string {
	if code, ok := sqlState[e.Kind]; ok {
		return code
	}
	return sqlState[KindInternal]
}

// Severity returns "FATAL" or "ERROR" per §7: auth failures, protocol framing
// errors, TLS handshake failures, and unrecoverable token expiry are fatal;
// everything else keeps the connection alive.
func (e *Error) Severity() string {
	if e.Fatal {
		return "FATAL"
	}
	return "ERROR"
}

func newErr(kind Kind, fatal bool, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Fatal: fatal}
}

// Auth reports an authentication failure. Always fatal: the connection closes.
func Auth(format string, args ...any) *Error { return newErr(KindAuth, true, format, args...) }

// Parse reports a syntactically invalid statement.
func Parse(format string, args ...any) *Error { return newErr(KindParse, false, format, args...) }

// UnsupportedTable reports a SELECT against a table that is not one of the
// five virtual tables. The caller should attach the catalog list as a Hint.
func UnsupportedTable(format string, args ...any) *Error {
	return newErr(KindUnsupportedTable, false, format, args...)
}

// UnsupportedStatement reports a syntactically valid statement this gateway
// does not implement (DML, DDL, unsupported clause shapes).
func UnsupportedStatement(format string, args ...any) *Error {
	return newErr(KindUnsupportedStatement, false, format, args...)
}

// FilterMissing reports a virtual-table SELECT lacking a required predicate.
func FilterMissing(format string, args ...any) *Error {
	return newErr(KindFilterMissing, false, format, args...)
}

// Backend wraps a GraphQL-backend-level failure (non-auth).
func Backend(cause error, format string, args ...any) *Error {
	e := newErr(KindBackend, false, format, args...)
	e.cause = cause
	return e
}

// Internal wraps an unexpected internal failure (executor errors, encoding
// bugs). Not fatal by default: the statement fails but the connection lives.
func Internal(cause error, format string, args ...any) *Error {
	e := newErr(KindInternal, false, format, args...)
	e.cause = cause
	return e
}

// WithHint attaches a hint string (e.g. the list of virtual tables) and
// returns the same error for chaining.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// AsFatal marks an otherwise-recoverable error as connection-closing. Used
// when a GraphQL auth error invalidates the Session mid-statement (§7: "GraphQL
// 4xx with auth codes always invalidate the Session").
func (e *Error) AsFatal() *Error {
	e.Fatal = true
	return e
}
