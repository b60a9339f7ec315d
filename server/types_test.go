package server

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func TestMapDuckDBType(t *testing.T) {
	tests := []struct {
		typeName string
		wantOID  int32
		wantSize int16
	}{
		{"BOOLEAN", OidBool, 1},
		{"SMALLINT", OidInt2, 2},
		{"INTEGER", OidInt4, 4},
		{"BIGINT", OidInt8, 8},
		{"REAL", OidFloat4, 4},
		{"DOUBLE", OidFloat8, 8},
		{"VARCHAR", OidVarchar, -1},
		{"VARCHAR(255)", OidVarchar, -1},
		{"TEXT", OidText, -1},
		{"TIMESTAMP", OidTimestamp, 8},
		{"TIMESTAMPTZ", OidTimestamptz, 8},
		// DuckDB types no virtual table column ever produces fall back to text.
		{"HUGEINT", OidText, -1},
		{"UUID", OidText, -1},
		{"SOME_UNKNOWN_TYPE", OidText, -1},
	}
	for _, tc := range tests {
		got := mapDuckDBType(tc.typeName)
		if got.OID != tc.wantOID || got.Size != tc.wantSize {
			t.Errorf("mapDuckDBType(%q) = %+v, want {OID:%d Size:%d}", tc.typeName, got, tc.wantOID, tc.wantSize)
		}
	}
}

func TestEncodeBool(t *testing.T) {
	if got := encodeBool(true); len(got) != 1 || got[0] != 1 {
		t.Errorf("encodeBool(true) = %v, want [1]", got)
	}
	if got := encodeBool(false); len(got) != 1 || got[0] != 0 {
		t.Errorf("encodeBool(false) = %v, want [0]", got)
	}
	if got := encodeBool(int64(5)); len(got) != 1 || got[0] != 1 {
		t.Errorf("encodeBool(int64(5)) = %v, want [1] (nonzero is truthy)", got)
	}
}

func TestEncodeInt2(t *testing.T) {
	got := encodeInt2(int32(1234))
	if binary.BigEndian.Uint16(got) != 1234 {
		t.Errorf("encodeInt2(1234) decoded to %d, want 1234", binary.BigEndian.Uint16(got))
	}
	if encodeInt2("not a number") != nil {
		t.Error("encodeInt2 with unsupported type should return nil")
	}
}

func TestEncodeInt4(t *testing.T) {
	got := encodeInt4(int64(123456))
	if int32(binary.BigEndian.Uint32(got)) != 123456 {
		t.Errorf("encodeInt4(123456) decoded to %d, want 123456", binary.BigEndian.Uint32(got))
	}
}

func TestEncodeInt8(t *testing.T) {
	got := encodeInt8(int64(9223372036854775))
	if int64(binary.BigEndian.Uint64(got)) != 9223372036854775 {
		t.Errorf("encodeInt8 round-trip mismatch")
	}
}

func TestEncodeFloat4(t *testing.T) {
	got := encodeFloat4(float32(3.5))
	bits := binary.BigEndian.Uint32(got)
	if math.Float32frombits(bits) != 3.5 {
		t.Errorf("encodeFloat4(3.5) round-trip mismatch")
	}
}

func TestEncodeFloat8(t *testing.T) {
	got := encodeFloat8(float64(3.14159))
	bits := binary.BigEndian.Uint64(got)
	if math.Float64frombits(bits) != 3.14159 {
		t.Errorf("encodeFloat8(3.14159) round-trip mismatch")
	}
}

func TestEncodeTimestamp(t *testing.T) {
	tm := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)
	got := encodeTimestamp(tm)
	if len(got) != 8 {
		t.Fatalf("encodeTimestamp returned %d bytes, want 8", len(got))
	}
	micros := int64(binary.BigEndian.Uint64(got))
	wantMicros := tm.UnixMicro() - pgEpochMicros
	if micros != wantMicros {
		t.Errorf("encodeTimestamp mismatch: got %d, want %d", micros, wantMicros)
	}
}

func TestEncodeBinaryDispatchesByOID(t *testing.T) {
	if encodeBinary(nil, OidInt4) != nil {
		t.Error("encodeBinary(nil, ...) should return nil")
	}
	if got := encodeBinary(int64(7), OidInt4); int32(binary.BigEndian.Uint32(got)) != 7 {
		t.Errorf("encodeBinary(7, OidInt4) round-trip mismatch")
	}
	if got := encodeBinary(true, OidBool); len(got) != 1 || got[0] != 1 {
		t.Errorf("encodeBinary(true, OidBool) = %v, want [1]", got)
	}
	if got := encodeBinary("hi", OidText); string(got) != "hi" {
		t.Errorf("encodeBinary(\"hi\", OidText) = %q, want hi", got)
	}
}

func TestEncodeTextFallsBackToFormatValue(t *testing.T) {
	if got := encodeText(int64(42)); string(got) != "42" {
		t.Errorf("encodeText(42) = %q, want 42", got)
	}
}
