// Package gateway serializes all SQL access through a single worker over one
// connection. Many concurrent callers submit requests; the worker executes
// them in arrival order, which removes SQLite writer contention entirely.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/errors"
)

// DefaultMaxRows bounds result sets when a request does not set its own cap
const DefaultMaxRows = 500

// readHeads are the statement heads allowed on the read-only path
var readHeads = map[string]bool{
	"select":  true,
	"with":    true,
	"explain": true,
	"pragma":  true,
}

// Request is one SQL submission
type Request struct {
	ID       string        `json:"request_id,omitempty"`
	SQL      string        `json:"sql"`
	Params   []interface{} `json:"params,omitempty"`
	ReadOnly bool          `json:"read_only"`
	MaxRows  int           `json:"max_rows,omitempty"`
}

// Result is the bounded outcome of one request
type Result struct {
	RequestID    string                   `json:"request_id"`
	Mode         string                   `json:"mode"` // "rows" or "exec"
	Columns      []string                 `json:"columns,omitempty"`
	Rows         []map[string]interface{} `json:"rows,omitempty"`
	RowCount     int                      `json:"row_count"`
	RowsAffected int64                    `json:"rows_affected"`
	Truncated    bool                     `json:"truncated"`
}

// Stats is an observability snapshot of the gateway
type Stats struct {
	Depth     int    `json:"depth"`
	Served    uint64 `json:"served"`
	Errors    uint64 `json:"errors"`
	LastError string `json:"last_error,omitempty"`
}

type envelope struct {
	req   *Request
	reply chan reply
}

type reply struct {
	result *Result
	err    error
}

// Gateway is the single-writer SQL serialization layer
type Gateway struct {
	db             *sql.DB
	defaultMaxRows int
	requests       chan *envelope
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	logger         *zap.SugaredLogger

	nextID  atomic.Uint64
	served  atomic.Uint64
	errs    atomic.Uint64
	mu      sync.Mutex
	lastErr string
	started bool
}

// New creates a gateway over an open database
func New(db *sql.DB, defaultMaxRows int, logger *zap.SugaredLogger) *Gateway {
	if defaultMaxRows <= 0 {
		defaultMaxRows = DefaultMaxRows
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		db:             db,
		defaultMaxRows: defaultMaxRows,
		requests:       make(chan *envelope, 256),
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger,
	}
}

// Start launches the worker goroutine (idempotent)
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true
	g.wg.Add(1)
	go g.run()
	g.logger.Infow("SQL gateway started", "default_max_rows", g.defaultMaxRows)
}

// Stop drains the worker and rejects further submissions
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
	g.logger.Infow("SQL gateway stopped", "served", g.served.Load())
}

// Submit executes one request through the worker. The submitter suspends
// until the reply arrives; cancelling ctx abandons the reply safely (the
// worker's send is non-blocking on a buffered channel).
func (g *Gateway) Submit(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || strings.TrimSpace(req.SQL) == "" {
		return nil, errors.NewInvalidRequestError("sql is required")
	}
	if req.ID == "" {
		req.ID = fmt.Sprintf("q-%d", g.nextID.Add(1))
	}
	if req.MaxRows <= 0 {
		req.MaxRows = g.defaultMaxRows
	}

	env := &envelope{req: req, reply: make(chan reply, 1)}

	select {
	case g.requests <- env:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "sql submit cancelled")
	case <-g.ctx.Done():
		return nil, errors.Wrap(errors.ErrServiceStopped, "sql gateway stopped")
	}

	select {
	case rep := <-env.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "sql reply abandoned")
	case <-g.ctx.Done():
		return nil, errors.Wrap(errors.ErrServiceStopped, "sql gateway stopped")
	}
}

// GetStats returns a snapshot of gateway pressure and error history
func (g *Gateway) GetStats() Stats {
	g.mu.Lock()
	lastErr := g.lastErr
	g.mu.Unlock()
	return Stats{
		Depth:     len(g.requests),
		Served:    g.served.Load(),
		Errors:    g.errs.Load(),
		LastError: lastErr,
	}
}

func (g *Gateway) run() {
	defer g.wg.Done()

	for {
		select {
		case <-g.ctx.Done():
			return
		case env := <-g.requests:
			result, err := g.execute(env.req)
			g.served.Add(1)
			if err != nil {
				g.errs.Add(1)
				g.mu.Lock()
				g.lastErr = err.Error()
				g.mu.Unlock()
			}
			env.reply <- reply{result: result, err: err}
		}
	}
}

// statementHead returns the lowercased first keyword of the statement
func statementHead(stmt string) string {
	fields := strings.Fields(strings.TrimSpace(stmt))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(strings.TrimLeft(fields[0], "("))
}

// withStatementVerb returns the top-level statement verb of a WITH query.
// CTE bodies live inside parentheses, so the first verb keyword found at
// paren depth zero names the statement the CTEs feed into. Quoted literals
// are skipped so parens inside strings do not confuse the depth count.
func withStatementVerb(stmt string) string {
	var top strings.Builder
	depth := 0
	var quote byte
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			if depth == 0 {
				top.WriteByte(' ')
			}
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
			if depth == 0 {
				top.WriteByte(' ')
			}
		default:
			if depth == 0 {
				top.WriteByte(c)
			}
		}
	}
	for _, field := range strings.Fields(strings.ToLower(top.String())) {
		switch field {
		case "select", "values", "insert", "update", "delete", "replace", "create", "drop":
			return field
		}
	}
	return ""
}

func (g *Gateway) execute(req *Request) (*Result, error) {
	head := statementHead(req.SQL)

	if req.ReadOnly {
		if !readHeads[head] {
			return nil, errors.Wrapf(errors.ErrReadOnlyViolation,
				"statement head %q not allowed on read-only path", head)
		}
		// The head alone is not enough for WITH: the CTE prelude can
		// front a write statement.
		if head == "with" {
			if verb := withStatementVerb(req.SQL); verb != "select" {
				return nil, errors.Wrapf(errors.ErrReadOnlyViolation,
					"WITH statement resolves to %q, only SELECT is allowed on read-only path", verb)
			}
		}
		// PRAGMA assignments mutate connection or database state
		if head == "pragma" && strings.Contains(req.SQL, "=") {
			return nil, errors.Wrap(errors.ErrReadOnlyViolation,
				"pragma assignment not allowed on read-only path")
		}
	}

	if readHeads[head] {
		return g.executeQuery(req)
	}
	return g.executeExec(req)
}

func (g *Gateway) executeQuery(req *Request) (*Result, error) {
	rows, err := g.db.Query(req.SQL, req.Params...)
	if err != nil {
		return nil, errors.Wrapf(err, "sql query failed (%s)", req.ID)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read result columns")
	}

	result := &Result{RequestID: req.ID, Mode: "rows", Columns: columns}
	values := make([]interface{}, len(columns))
	targets := make([]interface{}, len(columns))
	for i := range values {
		targets[i] = &values[i]
	}

	for rows.Next() {
		if result.RowCount >= req.MaxRows {
			result.Truncated = true
			break
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, errors.Wrap(err, "failed to scan result row")
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
		result.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating result rows")
	}

	return result, nil
}

func (g *Gateway) executeExec(req *Request) (*Result, error) {
	res, err := g.db.Exec(req.SQL, req.Params...)
	if err != nil {
		return nil, errors.Wrapf(err, "sql exec failed (%s)", req.ID)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}

	return &Result{RequestID: req.ID, Mode: "exec", RowsAffected: affected}, nil
}

// normalizeValue converts driver byte slices to strings for JSON transport
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
