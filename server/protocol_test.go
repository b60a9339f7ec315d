package server

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildStartupBody(params map[string]string) []byte {
	var buf bytes.Buffer
	bodyLen := 4
	for k, v := range params {
		bodyLen += len(k) + 1 + len(v) + 1
	}
	bodyLen++
	_ = binary.Write(&buf, binary.BigEndian, int32(bodyLen+4))
	_ = binary.Write(&buf, binary.BigEndian, uint32(196608)) // protocol 3.0
	for k, v := range params {
		buf.WriteString(k)
		buf.WriteByte(0)
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	buf.WriteByte(0)
	return buf.Bytes()
}

func TestReadStartupMessageParsesParams(t *testing.T) {
	params := map[string]string{"user": "testuser", "database": "testdb"}
	got, err := readStartupMessage(bytes.NewReader(buildStartupBody(params)))
	if err != nil {
		t.Fatalf("readStartupMessage() error = %v", err)
	}
	for k, v := range params {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestReadStartupMessageSpecialRequests(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		wantKey string
	}{
		{
			name:    "SSL request",
			payload: encodeUint32Pair(8, 80877103),
			wantKey: "__ssl_request",
		},
		{
			name: "cancel request",
			payload: append(encodeUint32Pair(16, 80877102),
				append(encodeUint32(12345), encodeUint32(67890)...)...),
			wantKey: "__cancel_request",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readStartupMessage(bytes.NewReader(tc.payload))
			if err != nil {
				t.Fatalf("readStartupMessage() error = %v", err)
			}
			if got[tc.wantKey] != "true" {
				t.Errorf("expected %s to be set, got %v", tc.wantKey, got)
			}
		})
	}
}

func encodeUint32(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func encodeUint32Pair(a, b uint32) []byte {
	return append(encodeUint32(a), encodeUint32(b)...)
}

func TestReadMessageFrames(t *testing.T) {
	cases := []struct {
		name       string
		frame      func() []byte
		wantType   byte
		wantBody   []byte
	}{
		{
			name: "query",
			frame: func() []byte {
				var buf bytes.Buffer
				buf.WriteByte('Q')
				_ = binary.Write(&buf, binary.BigEndian, int32(len("SELECT 1")+5))
				buf.WriteString("SELECT 1")
				buf.WriteByte(0)
				return buf.Bytes()
			},
			wantType: 'Q',
			wantBody: []byte("SELECT 1\x00"),
		},
		{
			name: "terminate has no body",
			frame: func() []byte {
				var buf bytes.Buffer
				buf.WriteByte('X')
				_ = binary.Write(&buf, binary.BigEndian, int32(4))
				return buf.Bytes()
			},
			wantType: 'X',
			wantBody: []byte{},
		},
		{
			name: "raw copy data survives round trip",
			frame: func() []byte {
				var buf bytes.Buffer
				data := []byte{0x01, 0x02, 0x03, 0x00, 0xFF}
				buf.WriteByte('d')
				_ = binary.Write(&buf, binary.BigEndian, int32(len(data)+4))
				buf.Write(data)
				return buf.Bytes()
			},
			wantType: 'd',
			wantBody: []byte{0x01, 0x02, 0x03, 0x00, 0xFF},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, body, err := readMessage(bytes.NewReader(tc.frame()))
			if err != nil {
				t.Fatalf("readMessage() error = %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("msgType = %c, want %c", msgType, tc.wantType)
			}
			if !bytes.Equal(body, tc.wantBody) {
				t.Errorf("body = %v, want %v", body, tc.wantBody)
			}
		})
	}
}

func TestWriteMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	if err := writeMessage(&buf, 'T', []byte("test data")); err != nil {
		t.Fatalf("writeMessage() error = %v", err)
	}
	if buf.Bytes()[0] != 'T' {
		t.Errorf("message type = %c, want T", buf.Bytes()[0])
	}
	if length := binary.BigEndian.Uint32(buf.Bytes()[1:5]); length != uint32(len("test data")+4) {
		t.Errorf("length = %d, want %d", length, len("test data")+4)
	}
	if !bytes.Equal(buf.Bytes()[5:], []byte("test data")) {
		t.Errorf("payload = %q, want %q", buf.Bytes()[5:], "test data")
	}
}

func TestWriteMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeMessage(&buf, 'Z', []byte{}); err != nil {
		t.Fatalf("writeMessage() error = %v", err)
	}
	if buf.Len() != 5 {
		t.Errorf("buffer length = %d, want 5", buf.Len())
	}
	if length := binary.BigEndian.Uint32(buf.Bytes()[1:5]); length != 4 {
		t.Errorf("length = %d, want 4", length)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		msgType byte
		data    []byte
	}{
		{"empty", 'Z', []byte{}},
		{"single byte", 'T', []byte{42}},
		{"text with null terminator", 'Q', []byte("SELECT 1\x00")},
		{"arbitrary binary", 'd', []byte{0x00, 0xFF, 0x01, 0xFE}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeMessage(&buf, tc.msgType, tc.data); err != nil {
				t.Fatalf("writeMessage() error = %v", err)
			}
			msgType, body, err := readMessage(&buf)
			if err != nil {
				t.Fatalf("readMessage() error = %v", err)
			}
			if msgType != tc.msgType {
				t.Errorf("msgType = %c, want %c", msgType, tc.msgType)
			}
			if !bytes.Equal(body, tc.data) {
				t.Errorf("body = %v, want %v", body, tc.data)
			}
		})
	}
}

func authTypeOf(t *testing.T, buf *bytes.Buffer) uint32 {
	t.Helper()
	if buf.Bytes()[0] != 'R' {
		t.Fatalf("message type = %c, want R", buf.Bytes()[0])
	}
	return binary.BigEndian.Uint32(buf.Bytes()[5:9])
}

func TestWriteAuthOK(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAuthOK(&buf); err != nil {
		t.Fatalf("writeAuthOK() error = %v", err)
	}
	if length := binary.BigEndian.Uint32(buf.Bytes()[1:5]); length != 8 {
		t.Errorf("length = %d, want 8", length)
	}
	if got := authTypeOf(t, &buf); got != 0 {
		t.Errorf("auth type = %d, want 0 (ok)", got)
	}
}

func TestWriteAuthCleartextPassword(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAuthCleartextPassword(&buf); err != nil {
		t.Fatalf("writeAuthCleartextPassword() error = %v", err)
	}
	if got := authTypeOf(t, &buf); got != 3 {
		t.Errorf("auth type = %d, want 3 (cleartext)", got)
	}
}

func TestWriteAuthMD5PasswordCarriesSalt(t *testing.T) {
	var buf bytes.Buffer
	salt := [4]byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := writeAuthMD5Password(&buf, salt); err != nil {
		t.Fatalf("writeAuthMD5Password() error = %v", err)
	}
	if got := authTypeOf(t, &buf); got != 5 {
		t.Errorf("auth type = %d, want 5 (md5)", got)
	}
	if !bytes.Equal(buf.Bytes()[9:13], salt[:]) {
		t.Errorf("salt = %v, want %v", buf.Bytes()[9:13], salt)
	}
}

func TestWriteAuthSASLAdvertisesSCRAM(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAuthSASL(&buf); err != nil {
		t.Fatalf("writeAuthSASL() error = %v", err)
	}
	if got := authTypeOf(t, &buf); got != 10 {
		t.Errorf("auth type = %d, want 10 (SASL)", got)
	}
	if !bytes.Contains(buf.Bytes()[9:], []byte(scramMechanism)) {
		t.Errorf("expected mechanism list to contain %q", scramMechanism)
	}
}

func TestWriteAuthSASLContinueAndFinalCarryPayload(t *testing.T) {
	var cont bytes.Buffer
	serverFirst := []byte("r=abc,s=def,i=4096")
	if err := writeAuthSASLContinue(&cont, serverFirst); err != nil {
		t.Fatalf("writeAuthSASLContinue() error = %v", err)
	}
	if got := authTypeOf(t, &cont); got != 11 {
		t.Errorf("auth type = %d, want 11 (SASL continue)", got)
	}
	if !bytes.Equal(cont.Bytes()[9:], serverFirst) {
		t.Errorf("server-first payload = %q, want %q", cont.Bytes()[9:], serverFirst)
	}

	var final bytes.Buffer
	serverFinal := []byte("v=abcdef==")
	if err := writeAuthSASLFinal(&final, serverFinal); err != nil {
		t.Fatalf("writeAuthSASLFinal() error = %v", err)
	}
	if got := authTypeOf(t, &final); got != 12 {
		t.Errorf("auth type = %d, want 12 (SASL final)", got)
	}
	if !bytes.Equal(final.Bytes()[9:], serverFinal) {
		t.Errorf("server-final payload = %q, want %q", final.Bytes()[9:], serverFinal)
	}
}

func TestWriteParameterStatus(t *testing.T) {
	var buf bytes.Buffer
	if err := writeParameterStatus(&buf, "server_version", "15.0"); err != nil {
		t.Fatalf("writeParameterStatus() error = %v", err)
	}
	if buf.Bytes()[0] != 'S' {
		t.Errorf("message type = %c, want S", buf.Bytes()[0])
	}
	parts := bytes.Split(buf.Bytes()[5:], []byte{0})
	if string(parts[0]) != "server_version" || string(parts[1]) != "15.0" {
		t.Errorf("got name=%q value=%q, want server_version/15.0", parts[0], parts[1])
	}
}

func TestWriteBackendKeyData(t *testing.T) {
	var buf bytes.Buffer
	if err := writeBackendKeyData(&buf, 12345, 67890); err != nil {
		t.Fatalf("writeBackendKeyData() error = %v", err)
	}
	if buf.Bytes()[0] != 'K' {
		t.Errorf("message type = %c, want K", buf.Bytes()[0])
	}
	if pid := binary.BigEndian.Uint32(buf.Bytes()[5:9]); pid != 12345 {
		t.Errorf("pid = %d, want 12345", pid)
	}
	if key := binary.BigEndian.Uint32(buf.Bytes()[9:13]); key != 67890 {
		t.Errorf("key = %d, want 67890", key)
	}
}

func TestWriteReadyForQuery(t *testing.T) {
	for _, status := range []byte{'I', 'T', 'E'} {
		var buf bytes.Buffer
		if err := writeReadyForQuery(&buf, status); err != nil {
			t.Fatalf("writeReadyForQuery(%c) error = %v", status, err)
		}
		if buf.Bytes()[0] != 'Z' {
			t.Errorf("message type = %c, want Z", buf.Bytes()[0])
		}
		if buf.Bytes()[5] != status {
			t.Errorf("txStatus = %c, want %c", buf.Bytes()[5], status)
		}
	}
}

func TestWriteErrorResponseFields(t *testing.T) {
	var buf bytes.Buffer
	if err := writeErrorResponse(&buf, "ERROR", "42601", "syntax error"); err != nil {
		t.Fatalf("writeErrorResponse() error = %v", err)
	}
	if buf.Bytes()[0] != 'E' {
		t.Errorf("message type = %c, want E", buf.Bytes()[0])
	}
	data := buf.Bytes()[5:]
	for _, want := range []string{"SERROR", "C42601", "Msyntax error"} {
		if !bytes.Contains(data, []byte(want)) {
			t.Errorf("expected error body to contain %q", want)
		}
	}
	if bytes.Contains(data, []byte{'H'}) {
		t.Error("no hint was given, should not contain an H field")
	}
}

func TestWriteErrorResponseWithHintAddsHField(t *testing.T) {
	var buf bytes.Buffer
	if err := writeErrorResponseWithHint(&buf, "ERROR", "42601", "syntax error", "check your quoting"); err != nil {
		t.Fatalf("writeErrorResponseWithHint() error = %v", err)
	}
	data := buf.Bytes()[5:]
	if !bytes.Contains(data, []byte("Hcheck your quoting")) {
		t.Error("expected hint field in error body")
	}
}

func TestWriteNoticeResponse(t *testing.T) {
	var buf bytes.Buffer
	if err := writeNoticeResponse(&buf, "WARNING", "some warning"); err != nil {
		t.Fatalf("writeNoticeResponse() error = %v", err)
	}
	if buf.Bytes()[0] != 'N' {
		t.Errorf("message type = %c, want N", buf.Bytes()[0])
	}
	if !bytes.Contains(buf.Bytes()[5:], []byte("SWARNING")) {
		t.Error("expected severity WARNING in notice body")
	}
}

func TestZeroPayloadMessages(t *testing.T) {
	writers := map[byte]func(*bytes.Buffer) error{
		'2': func(b *bytes.Buffer) error { return writeBindComplete(b) },
		'1': func(b *bytes.Buffer) error { return writeParseComplete(b) },
		'3': func(b *bytes.Buffer) error { return writeCloseComplete(b) },
		'n': func(b *bytes.Buffer) error { return writeNoData(b) },
		'I': func(b *bytes.Buffer) error { return writeEmptyQueryResponse(b) },
	}
	for want, write := range writers {
		var buf bytes.Buffer
		if err := write(&buf); err != nil {
			t.Fatalf("writer for %c returned error: %v", want, err)
		}
		if buf.Bytes()[0] != want {
			t.Errorf("message type = %c, want %c", buf.Bytes()[0], want)
		}
		if buf.Len() != 5 {
			t.Errorf("message for %c has length %d, want 5 (no payload)", want, buf.Len())
		}
	}
}

func TestWriteCommandComplete(t *testing.T) {
	var buf bytes.Buffer
	if err := writeCommandComplete(&buf, "SELECT 3"); err != nil {
		t.Fatalf("writeCommandComplete() error = %v", err)
	}
	if buf.Bytes()[0] != 'C' {
		t.Errorf("message type = %c, want C", buf.Bytes()[0])
	}
	if tag := buf.Bytes()[5 : buf.Len()-1]; string(tag) != "SELECT 3" {
		t.Errorf("tag = %q, want %q", tag, "SELECT 3")
	}
}

func TestWriteParameterDescription(t *testing.T) {
	var buf bytes.Buffer
	oids := []int32{OidText, OidInt4}
	if err := writeParameterDescription(&buf, oids); err != nil {
		t.Fatalf("writeParameterDescription() error = %v", err)
	}
	if buf.Bytes()[0] != 't' {
		t.Errorf("message type = %c, want t", buf.Bytes()[0])
	}
	data := buf.Bytes()[5:]
	if count := binary.BigEndian.Uint16(data[:2]); count != uint16(len(oids)) {
		t.Errorf("param count = %d, want %d", count, len(oids))
	}
	for i, want := range oids {
		got := int32(binary.BigEndian.Uint32(data[2+i*4 : 6+i*4]))
		if got != want {
			t.Errorf("oid[%d] = %d, want %d", i, got, want)
		}
	}
}
