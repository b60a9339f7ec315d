package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vogler75/winccua-pgwire-interface/analyzer"
	"github.com/vogler75/winccua-pgwire-interface/graphqlclient"
	"github.com/vogler75/winccua-pgwire-interface/loader"
	"github.com/vogler75/winccua-pgwire-interface/sqlerrors"
	"github.com/vogler75/winccua-pgwire-interface/translate"
)

var backendPidSeq int64

// preparedStmt is the result of the extended query protocol's Parse step:
// the raw query text (with $N placeholders still in place) plus enough
// shape information to answer Describe before any parameter is bound.
type preparedStmt struct {
	rawQuery   string
	plan       *analyzer.QueryPlan // parsed at Parse time, before parameter substitution
	paramTypes []int32
}

// portal is the result of Bind: a prepared statement plus concrete
// parameter values, ready for Execute.
type portal struct {
	stmt          *preparedStmt
	paramValues   [][]byte
	resultFormats []int16
}

type clientConn struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	connID   string // correlates this connection's log lines
	username string
	database string
	pid      int32
	secret   int32

	db *sql.DB

	sessionMu sync.Mutex
	session   *graphqlclient.Session
	sessionOK bool

	stmts   map[string]*preparedStmt
	portals map[string]*portal

	lastQuery string

	// txStatus is the byte reported in ReadyForQuery: 'I' idle, 'T' inside
	// a transaction block, 'E' inside a failed transaction block (§4.I,
	// §8 Testable Property 4).
	txStatus byte
}

func (c *clientConn) serve() error {
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)
	c.pid = int32(atomic.AddInt64(&backendPidSeq, 1))
	c.connID = uuid.NewString()
	c.stmts = make(map[string]*preparedStmt)
	c.portals = make(map[string]*portal)
	c.txStatus = 'I'

	var secretBuf [4]byte
	if _, err := rand.Read(secretBuf[:]); err == nil {
		c.secret = int32(binary.BigEndian.Uint32(secretBuf[:]))
	}
	backendKey := BackendKey{Pid: c.pid, SecretKey: c.secret}

	cancelled, err := c.handleStartup()
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	if cancelled {
		c.server.CancelQuery(backendKey)
		return nil
	}

	if err := c.runAuth(); err != nil {
		return err
	}

	db, err := openEmbeddedDB()
	if err != nil {
		c.sendFatal("28000", "failed to initialize query engine")
		return err
	}
	c.db = db
	defer func() { _ = c.db.Close() }()

	c.sendInitialParams()
	if err := writeBackendKeyData(c.writer, c.pid, c.secret); err != nil {
		return err
	}
	if err := writeReadyForQuery(c.writer, c.txStatus); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	bgCtx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	go c.sessionKeeper(bgCtx)

	slog.Info("Client authenticated.", "conn_id", c.connID, "user", c.username, "remote_addr", c.conn.RemoteAddr(), "pid", c.pid)

	return c.messageLoop(backendKey)
}

// sessionKeeper periodically extends the GraphQL session token so a
// long-lived client connection does not get logged out mid-session
// (§4.I). It runs for the lifetime of the connection.
func (c *clientConn) sessionKeeper(ctx context.Context) {
	interval := c.server.cfg.SessionExtensionInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sessionMu.Lock()
			sess := c.session
			c.sessionMu.Unlock()
			if sess == nil {
				continue
			}
			extendCtx, cancel := context.WithTimeout(ctx, c.server.cfg.GraphQLTimeout)
			gerr := c.server.graphql.ExtendSession(extendCtx, sess)
			cancel()
			if gerr != nil {
				slog.Warn("Session extension failed; connection will re-authenticate on next query.",
					"user", c.username, "error", gerr.Message)
				c.sessionMu.Lock()
				c.sessionOK = false
				c.sessionMu.Unlock()
				continue
			}
			sessionExtensionsCounter.Inc()
		}
	}
}

// handleStartup drives the pre-authentication phase: optional SSL upgrade,
// then the real startup packet. Returns cancelled=true for a CancelRequest,
// which carries no further protocol exchange.
func (c *clientConn) handleStartup() (cancelled bool, err error) {
	tlsUpgraded := c.server.tlsConfig == nil // trust mode without TLS: nothing to upgrade to

	for {
		params, err := readStartupMessage(c.reader)
		if err != nil {
			return false, err
		}

		if params["__cancel_request"] == "true" {
			pid, _ := strconv.Atoi(params["__cancel_pid"])
			secret, _ := strconv.Atoi(params["__cancel_secret_key"])
			c.pid = int32(pid)
			c.secret = int32(secret)
			return true, nil
		}

		if params["__ssl_request"] == "true" {
			if c.server.tlsConfig == nil {
				if _, err := c.conn.Write([]byte("N")); err != nil {
					return false, err
				}
				continue
			}
			if _, err := c.conn.Write([]byte("S")); err != nil {
				return false, err
			}
			tlsConn := tls.Server(c.conn, c.server.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return false, fmt.Errorf("TLS handshake failed: %w", err)
			}
			c.conn = tlsConn
			c.reader = bufio.NewReader(tlsConn)
			c.writer = bufio.NewWriter(tlsConn)
			tlsUpgraded = true
			continue
		}

		if !tlsUpgraded {
			c.sendFatal("28000", "SSL/TLS connection required")
			return false, fmt.Errorf("client did not request SSL")
		}

		c.username = params["user"]
		c.database = params["database"]
		if c.database == "" {
			c.database = "winccua"
		}
		if c.username == "" {
			c.sendFatal("28000", "no user specified")
			return false, fmt.Errorf("no user specified")
		}
		return false, nil
	}
}

func (c *clientConn) runAuth() error {
	if c.server.rateLimiter.IsBanned(c.conn.RemoteAddr()) {
		msg := "too many failed authentication attempts"
		c.sendFatal("53300", msg)
		return fmt.Errorf("rate limited: %s", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.server.cfg.GraphQLTimeout)
	defer cancel()

	sess, err := c.authenticate(ctx)
	if err != nil {
		RecordFailedAuthAttempt(c.server.rateLimiter, c.conn.RemoteAddr())
		c.sendSQLError(err)
		return err
	}
	RecordSuccessfulAuthAttempt(c.server.rateLimiter, c.conn.RemoteAddr())

	c.sessionMu.Lock()
	c.session = sess
	c.sessionOK = true
	c.sessionMu.Unlock()

	return writeAuthOK(c.writer)
}

func (c *clientConn) sendInitialParams() {
	params := map[string]string{
		"server_version":              "16.0",
		"server_encoding":             "UTF8",
		"client_encoding":             "UTF8",
		"DateStyle":                   "ISO, MDY",
		"TimeZone":                    "UTC",
		"integer_datetimes":           "on",
		"standard_conforming_strings": "on",
	}
	for name, value := range params {
		_ = writeParameterStatus(c.writer, name, value)
	}
}

func (c *clientConn) messageLoop(backendKey BackendKey) error {
	for {
		msgType, body, err := readMessage(c.reader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch msgType {
		case msgQuery:
			if fatal := c.handleSimpleQuery(backendKey, body); fatal {
				return nil
			}

		case msgParse:
			c.handleParse(body)

		case msgBind:
			c.handleBind(body)

		case msgDescribe:
			c.handleDescribe(body)

		case msgExecute:
			if fatal := c.handleExecute(backendKey, body); fatal {
				return nil
			}

		case msgSync:
			if err := writeReadyForQuery(c.writer, c.txStatus); err != nil {
				return err
			}
			if err := c.writer.Flush(); err != nil {
				return err
			}

		case msgClose:
			c.handleClose(body)

		case msgFlush:
			_ = c.writer.Flush()

		case msgTerminate:
			return nil

		default:
			slog.Debug("Unrecognized message type.", "type", string(msgType))
		}
	}
}

// handleSimpleQuery runs every statement from the simple query protocol
// ('Q' message). The message body is split on top-level ';' boundaries and
// each statement is executed independently, with its own RowDescription/
// DataRow/CommandComplete sequence, stopping the batch on the first error
// (§4.I, §8 Testable Property 4, scenario S4). A single ReadyForQuery closes
// out the whole message.
func (c *clientConn) handleSimpleQuery(backendKey BackendKey, body []byte) (fatal bool) {
	rawBody := strings.TrimSpace(string(bytes.TrimRight(body, "\x00")))
	if rawBody == "" {
		_ = writeEmptyQueryResponse(c.writer)
		_ = writeReadyForQuery(c.writer, c.txStatus)
		_ = c.writer.Flush()
		return false
	}

	statements, err := analyzer.SplitStatements(rawBody)
	if err != nil {
		c.sendSQLError(sqlerrors.Parse("%v", err))
		_ = writeReadyForQuery(c.writer, c.txStatus)
		_ = c.writer.Flush()
		return false
	}
	if len(statements) == 0 {
		_ = writeEmptyQueryResponse(c.writer)
		_ = writeReadyForQuery(c.writer, c.txStatus)
		_ = c.writer.Flush()
		return false
	}

	for _, query := range statements {
		c.lastQuery = query

		if c.server.cfg.LogSQLRows > 0 || c.server.cfg.Debug {
			slog.Debug("Query received.", "user", c.username, "sql", query)
		}

		plan, perr := analyzer.Analyze(query, time.Now())
		if perr != nil {
			c.sendSQLError(sqlerrors.Parse("%v", perr))
			if c.txStatus == 'T' {
				c.txStatus = 'E'
			}
			break
		}

		ctx, cancel := context.WithCancel(context.Background())
		c.server.RegisterQuery(backendKey, cancel)
		cols, oids, rows, tag, execErr := c.executePlan(ctx, plan)
		c.server.UnregisterQuery(backendKey)
		cancel()

		if execErr != nil {
			if c.sendSQLError(execErr) {
				return true
			}
			if c.txStatus == 'T' {
				c.txStatus = 'E'
			}
			break
		}

		if cols != nil {
			if err := c.sendRowDescriptionFor(cols, oids); err != nil {
				return true
			}
			for _, row := range rows {
				if err := c.sendDataRowWithFormats(row, nil, nil); err != nil {
					return true
				}
			}
		}
		_ = writeCommandComplete(c.writer, tag)
	}

	_ = writeReadyForQuery(c.writer, c.txStatus)
	_ = c.writer.Flush()
	return false
}

// executePlan dispatches an analyzed statement to its handler. cols == nil
// signals a statement with no result set (SET, transaction control).
func (c *clientConn) executePlan(ctx context.Context, plan *analyzer.QueryPlan) (cols []string, oids []int32, rows [][]any, tag string, err error) {
	switch plan.Kind {
	case analyzer.KindSessionUtility:
		return c.execSessionUtility(plan)

	case analyzer.KindIntrospection:
		result, err := c.runIntrospection(ctx, plan)
		if err != nil {
			return nil, nil, nil, "", err
		}
		return result.columns, result.oids, result.rows, fmt.Sprintf("SELECT %d", len(result.rows)), nil

	case analyzer.KindVirtualTableSelect:
		return c.execVirtualTableSelect(ctx, plan)

	default:
		reason := plan.UnsupportedReason
		if reason == "" {
			reason = "statement not supported"
		}
		return nil, nil, nil, "", sqlerrors.UnsupportedStatement("%s", reason)
	}
}

func (c *clientConn) execSessionUtility(plan *analyzer.QueryPlan) ([]string, []int32, [][]any, string, error) {
	if plan.IsTransactionControl {
		upper := strings.ToUpper(strings.TrimSpace(plan.RawSQL))
		switch {
		case strings.HasPrefix(upper, "BEGIN") || strings.HasPrefix(upper, "START"):
			c.txStatus = 'T'
			return nil, nil, nil, "BEGIN", nil
		case strings.HasPrefix(upper, "COMMIT") || strings.HasPrefix(upper, "END"):
			c.txStatus = 'I'
			return nil, nil, nil, "COMMIT", nil
		case strings.HasPrefix(upper, "ROLLBACK"):
			c.txStatus = 'I'
			return nil, nil, nil, "ROLLBACK", nil
		default:
			return nil, nil, nil, "OK", nil
		}
	}

	if plan.ShowVariable != "" {
		value := sessionVariableValue(plan.ShowVariable)
		return []string{plan.ShowVariable}, []int32{OidText}, [][]any{{value}}, "SHOW", nil
	}

	// SET is acknowledged but has no effect: session variables have no
	// bearing on GraphQL translation (§4.D.1).
	return nil, nil, nil, "SET", nil
}

func sessionVariableValue(name string) string {
	switch name {
	case "timezone":
		return "UTC"
	case "client_encoding":
		return "UTF8"
	case "standard_conforming_strings":
		return "on"
	case "server_version":
		return "16.0"
	default:
		return ""
	}
}

func (c *clientConn) execVirtualTableSelect(ctx context.Context, plan *analyzer.QueryPlan) ([]string, []int32, [][]any, string, error) {
	c.sessionMu.Lock()
	sess, ok := c.session, c.sessionOK
	c.sessionMu.Unlock()
	if !ok || sess == nil {
		return nil, nil, nil, "", sqlerrors.Auth("session expired; reconnect required").AsFatal()
	}

	start := time.Now()
	tplan, err := translate.Build(c.server.graphql, sess, plan)
	if err != nil {
		queryErrorsCounter.WithLabelValues(sqlStateOf(err)).Inc()
		return nil, nil, nil, "", err
	}

	graphqlRequestsCounter.WithLabelValues(plan.Table).Inc()
	if _, err := loader.LoadVirtualTable(ctx, c.db, tplan); err != nil {
		queryErrorsCounter.WithLabelValues(sqlStateOf(err)).Inc()
		return nil, nil, nil, "", sqlerrors.Internal(err, "materializing %s", plan.Table)
	}
	queryDurationHistogram.WithLabelValues(plan.Table).Observe(time.Since(start).Seconds())

	rows, err := c.db.QueryContext(ctx, plan.FoldedSQL)
	if err != nil {
		return nil, nil, nil, "", sqlerrors.Internal(err, "executing translated query")
	}
	defer rows.Close()

	cols, oids, out, err := scanRows(rows)
	if err != nil {
		return nil, nil, nil, "", sqlerrors.Internal(err, "reading result rows")
	}
	return cols, oids, out, fmt.Sprintf("SELECT %d", len(out)), nil
}

func sqlStateOf(err error) string {
	if se, ok := err.(*sqlerrors.Error); ok {
		return se.SQLState()
	}
	return "XX000"
}

func scanRows(rows *sql.Rows) ([]string, []int32, [][]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, nil, err
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, nil, err
	}
	oids := make([]int32, len(cols))
	for i, ct := range colTypes {
		oids[i] = getTypeInfo(ct).OID
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, nil, err
		}
		out = append(out, values)
	}
	return cols, oids, out, rows.Err()
}

func (c *clientConn) sendRowDescriptionFor(cols []string, oids []int32) error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, int16(len(cols)))
	for i, col := range cols {
		buf.WriteString(col)
		buf.WriteByte(0)
		_ = binary.Write(&buf, binary.BigEndian, int32(0)) // table OID
		_ = binary.Write(&buf, binary.BigEndian, int16(0)) // column attr number
		oid := int32(OidText)
		if i < len(oids) && oids[i] != 0 {
			oid = oids[i]
		}
		_ = binary.Write(&buf, binary.BigEndian, oid)
		_ = binary.Write(&buf, binary.BigEndian, typeSizeFor(oid))
		_ = binary.Write(&buf, binary.BigEndian, int32(-1)) // type modifier
		_ = binary.Write(&buf, binary.BigEndian, int16(0))  // format: text
	}
	return writeMessage(c.writer, msgRowDescription, buf.Bytes())
}

func typeSizeFor(oid int32) int16 {
	switch oid {
	case OidBool:
		return 1
	case OidInt2:
		return 2
	case OidInt4:
		return 4
	case OidInt8, OidFloat8, OidTimestamp, OidTimestamptz:
		return 8
	case OidFloat4:
		return 4
	default:
		return -1
	}
}

func (c *clientConn) sendDataRowWithFormats(values []any, formatCodes []int16, typeOIDs []int32) error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, int16(len(values)))

	for i, v := range values {
		if v == nil {
			_ = binary.Write(&buf, binary.BigEndian, int32(-1))
			continue
		}

		useBinary := false
		if len(formatCodes) == 1 {
			useBinary = formatCodes[0] == 1
		} else if i < len(formatCodes) {
			useBinary = formatCodes[i] == 1
		}

		if useBinary && i < len(typeOIDs) {
			if encoded := encodeBinary(v, typeOIDs[i]); encoded != nil {
				_ = binary.Write(&buf, binary.BigEndian, int32(len(encoded)))
				buf.Write(encoded)
				continue
			}
		}

		str := formatValue(v)
		_ = binary.Write(&buf, binary.BigEndian, int32(len(str)))
		buf.WriteString(str)
	}

	return writeMessage(c.writer, msgDataRow, buf.Bytes())
}

func formatValue(v any) string {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case string:
		return val
	case time.Time:
		return val.Format("2006-01-02 15:04:05.999999")
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32, float64:
		return fmt.Sprintf("%g", val)
	case bool:
		if val {
			return "t"
		}
		return "f"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// sendSQLError writes an ErrorResponse and reports whether the error is
// fatal (§7): callers close the connection rather than keep reading
// messages when this returns true.
func (c *clientConn) sendSQLError(err error) bool {
	se, ok := err.(*sqlerrors.Error)
	if !ok {
		se = sqlerrors.Internal(err, "%v", err)
	}
	_ = writeErrorResponseWithHint(c.writer, se.Severity(), se.SQLState(), se.Error(), se.Hint)
	_ = c.writer.Flush()
	return se.Fatal
}

func (c *clientConn) sendFatal(code, message string) {
	_ = writeErrorResponse(c.writer, "FATAL", code, message)
	_ = c.writer.Flush()
}

// Extended query protocol.

func (c *clientConn) handleParse(body []byte) {
	r := bytes.NewReader(body)

	stmtName, err := readCString(r)
	if err != nil {
		c.sendSQLError(sqlerrors.Parse("invalid Parse message"))
		return
	}
	query, err := readCString(r)
	if err != nil {
		c.sendSQLError(sqlerrors.Parse("invalid Parse message"))
		return
	}

	var numParamTypes int16
	if err := binary.Read(r, binary.BigEndian, &numParamTypes); err != nil {
		c.sendSQLError(sqlerrors.Parse("invalid Parse message"))
		return
	}
	paramTypes := make([]int32, numParamTypes)
	for i := range paramTypes {
		if err := binary.Read(r, binary.BigEndian, &paramTypes[i]); err != nil {
			c.sendSQLError(sqlerrors.Parse("invalid Parse message"))
			return
		}
	}

	plan, err := analyzer.Analyze(query, time.Now())
	if err != nil {
		c.sendSQLError(sqlerrors.Parse("%v", err))
		return
	}
	if plan.Kind == analyzer.KindUnsupported {
		reason := plan.UnsupportedReason
		if reason == "" {
			reason = "statement not supported"
		}
		c.sendSQLError(sqlerrors.UnsupportedStatement("%s", reason))
		return
	}

	if len(paramTypes) < plan.ParamCount {
		filled := make([]int32, plan.ParamCount)
		copy(filled, paramTypes)
		for i := len(paramTypes); i < plan.ParamCount; i++ {
			filled[i] = OidText
		}
		paramTypes = filled
	}

	delete(c.stmts, stmtName)
	c.stmts[stmtName] = &preparedStmt{rawQuery: query, plan: plan, paramTypes: paramTypes}
	_ = writeParseComplete(c.writer)
}

func (c *clientConn) handleBind(body []byte) {
	r := bytes.NewReader(body)

	portalName, err := readCString(r)
	if err != nil {
		c.sendSQLError(sqlerrors.Parse("invalid Bind message"))
		return
	}
	stmtName, err := readCString(r)
	if err != nil {
		c.sendSQLError(sqlerrors.Parse("invalid Bind message"))
		return
	}
	stmt, ok := c.stmts[stmtName]
	if !ok {
		c.sendSQLError(sqlerrors.Parse("prepared statement %q does not exist", stmtName))
		return
	}

	var numParamFormats int16
	if err := binary.Read(r, binary.BigEndian, &numParamFormats); err != nil {
		c.sendSQLError(sqlerrors.Parse("invalid Bind message"))
		return
	}
	for i := int16(0); i < numParamFormats; i++ {
		var f int16
		if err := binary.Read(r, binary.BigEndian, &f); err != nil {
			c.sendSQLError(sqlerrors.Parse("invalid Bind message"))
			return
		}
	}

	var numParams int16
	if err := binary.Read(r, binary.BigEndian, &numParams); err != nil {
		c.sendSQLError(sqlerrors.Parse("invalid Bind message"))
		return
	}
	paramValues := make([][]byte, numParams)
	for i := int16(0); i < numParams; i++ {
		var length int32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			c.sendSQLError(sqlerrors.Parse("invalid Bind message"))
			return
		}
		if length == -1 {
			paramValues[i] = nil
			continue
		}
		paramValues[i] = make([]byte, length)
		if _, err := io.ReadFull(r, paramValues[i]); err != nil {
			c.sendSQLError(sqlerrors.Parse("invalid Bind message"))
			return
		}
	}

	var numResultFormats int16
	if err := binary.Read(r, binary.BigEndian, &numResultFormats); err != nil {
		c.sendSQLError(sqlerrors.Parse("invalid Bind message"))
		return
	}
	resultFormats := make([]int16, numResultFormats)
	for i := range resultFormats {
		if err := binary.Read(r, binary.BigEndian, &resultFormats[i]); err != nil {
			c.sendSQLError(sqlerrors.Parse("invalid Bind message"))
			return
		}
	}

	delete(c.portals, portalName)
	c.portals[portalName] = &portal{stmt: stmt, paramValues: paramValues, resultFormats: resultFormats}
	_ = writeBindComplete(c.writer)
}

func (c *clientConn) handleDescribe(body []byte) {
	if len(body) < 2 {
		c.sendSQLError(sqlerrors.Parse("invalid Describe message"))
		return
	}
	descType := body[0]
	name := string(bytes.TrimRight(body[1:], "\x00"))

	var plan *analyzer.QueryPlan
	var paramTypes []int32

	switch descType {
	case 'S':
		stmt, ok := c.stmts[name]
		if !ok {
			c.sendSQLError(sqlerrors.Parse("prepared statement %q does not exist", name))
			return
		}
		plan, paramTypes = stmt.plan, stmt.paramTypes
		_ = writeParameterDescription(c.writer, paramTypes)
	case 'P':
		p, ok := c.portals[name]
		if !ok {
			c.sendSQLError(sqlerrors.Parse("portal %q does not exist", name))
			return
		}
		plan = p.stmt.plan
	default:
		c.sendSQLError(sqlerrors.Parse("invalid Describe type"))
		return
	}

	cols, oids, err := c.describeShape(context.Background(), plan)
	if err != nil {
		c.sendSQLError(err)
		return
	}
	if cols == nil {
		_ = writeNoData(c.writer)
		return
	}
	_ = c.sendRowDescriptionFor(cols, oids)
}

// describeShape returns the RowDescription shape for a statement without
// running it, using the virtual-table catalog schema (or the synthetic
// introspection shape) instead of a trial LIMIT-0 query against unbound
// parameters (§4.I). Introspection answers do not depend on bound
// parameters, so it is safe to compute them eagerly here.
func (c *clientConn) describeShape(ctx context.Context, plan *analyzer.QueryPlan) ([]string, []int32, error) {
	switch plan.Kind {
	case analyzer.KindVirtualTableSelect:
		table, ok := lookupCatalogTable(plan.Table)
		if !ok {
			return nil, nil, nil
		}
		cols := plan.Projection
		if len(cols) == 0 {
			for _, col := range table.MaterializedColumns() {
				cols = append(cols, col.Name)
			}
		}
		oids := make([]int32, len(cols))
		for i, name := range cols {
			if col, ok := table.Column(name); ok {
				oids[i] = oidForColumnType(col.Type)
			} else {
				oids[i] = OidText
			}
		}
		return cols, oids, nil

	case analyzer.KindIntrospection:
		describePlan := plan
		if plan.ParamCount > 0 {
			// No parameters are bound yet at Describe time. Stand in NULL
			// literals, the same substitution Execute performs with the
			// real values, so a query like SELECT $1::int can still be run
			// through the embedded engine for its column shape (§8
			// Testable Property 9).
			standIn := substituteParams(plan.RawSQL, make([][]byte, plan.ParamCount))
			if p2, err := analyzer.Analyze(standIn, time.Now()); err == nil {
				describePlan = p2
			}
		}
		result, err := c.runIntrospection(ctx, describePlan)
		if err != nil {
			return nil, nil, err
		}
		return result.columns, result.oids, nil

	default:
		return nil, nil, nil
	}
}

// substituteParams inlines bound parameter values as SQL literals so the
// statement can be re-analyzed with concrete predicates at Execute time.
// Placeholders are substituted from the highest number down so "$10" is
// never partially matched by a "$1" replacement.
func substituteParams(query string, values [][]byte) string {
	result := query
	for i := len(values); i >= 1; i-- {
		placeholder := "$" + strconv.Itoa(i)
		v := values[i-1]
		var literal string
		if v == nil {
			literal = "NULL"
		} else {
			literal = "'" + strings.ReplaceAll(string(v), "'", "''") + "'"
		}
		result = strings.ReplaceAll(result, placeholder, literal)
	}
	return result
}

func (c *clientConn) handleExecute(backendKey BackendKey, body []byte) (fatal bool) {
	r := bytes.NewReader(body)
	portalName, err := readCString(r)
	if err != nil {
		return c.sendSQLError(sqlerrors.Parse("invalid Execute message"))
	}
	var maxRows int32
	if err := binary.Read(r, binary.BigEndian, &maxRows); err != nil {
		return c.sendSQLError(sqlerrors.Parse("invalid Execute message"))
	}

	p, ok := c.portals[portalName]
	if !ok {
		return c.sendSQLError(sqlerrors.Parse("portal %q does not exist", portalName))
	}

	literalQuery := substituteParams(p.stmt.rawQuery, p.paramValues)
	c.lastQuery = literalQuery

	plan, err := analyzer.Analyze(literalQuery, time.Now())
	if err != nil {
		return c.sendSQLError(sqlerrors.Parse("%v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.server.RegisterQuery(backendKey, cancel)
	defer c.server.UnregisterQuery(backendKey)
	defer cancel()

	cols, oids, rows, tag, err := c.executePlan(ctx, plan)
	if err != nil {
		fatal = c.sendSQLError(err)
		if c.txStatus == 'T' {
			c.txStatus = 'E'
		}
		return fatal
	}

	if cols != nil {
		for i, row := range rows {
			if maxRows > 0 && int32(i) >= maxRows {
				break
			}
			if err := c.sendDataRowWithFormats(row, p.resultFormats, oids); err != nil {
				return true
			}
		}
	}
	_ = writeCommandComplete(c.writer, tag)
	return false
}

func (c *clientConn) handleClose(body []byte) {
	if len(body) < 2 {
		c.sendSQLError(sqlerrors.Parse("invalid Close message"))
		return
	}
	closeType := body[0]
	name := string(bytes.TrimRight(body[1:], "\x00"))
	switch closeType {
	case 'S':
		delete(c.stmts, name)
	case 'P':
		delete(c.portals, name)
	}
	_ = writeCloseComplete(c.writer)
}

func readCString(r *bytes.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		buf.WriteByte(b)
	}
	return buf.String(), nil
}
