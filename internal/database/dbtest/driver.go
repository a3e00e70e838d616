// Package dbtest provides an in-process database/sql driver for tests that
// need real *sql.DB plumbing without a server.
package dbtest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Rows is a canned result set. Types holds the database type name reported
// for each column; it may be shorter than Columns.
type Rows struct {
	Columns []string
	Types   []string
	Values  [][]driver.Value
}

// Handler answers one query. Returning an error makes QueryContext fail.
type Handler func(ctx context.Context, query string) (*Rows, error)

// Driver counts connections and transactions and delegates queries to Handler.
type Driver struct {
	Handler Handler
	// Delay holds every query for the given duration unless the context ends first.
	Delay time.Duration

	Opened        atomic.Int64
	Closed        atomic.Int64
	Queries       atomic.Int64
	ReadOnlyTx    atomic.Int64
	WritableTx    atomic.Int64
	RolledBack    atomic.Int64
	active        atomic.Int64
	maxConcurrent atomic.Int64

	mu    sync.Mutex
	conns []*conn
}

var seq atomic.Int64

// Open registers d under a unique name and opens a *sql.DB on it.
func Open(t testing.TB, d *Driver) *sql.DB {
	t.Helper()
	name := fmt.Sprintf("dbtest-%d", seq.Add(1))
	sql.Register(name, d)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open fake db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Static returns a Handler answering every query with rows.
func Static(rows *Rows) Handler {
	return func(context.Context, string) (*Rows, error) { return rows, nil }
}

// Fail returns a Handler failing every query with err.
func Fail(err error) Handler {
	return func(context.Context, string) (*Rows, error) { return nil, err }
}

// Break marks every open connection as invalid.
func (d *Driver) Break() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.invalid.Store(true)
	}
}

// MaxConcurrent reports the highest number of queries that ran at once.
func (d *Driver) MaxConcurrent() int64 { return d.maxConcurrent.Load() }

func (d *Driver) Open(string) (driver.Conn, error) {
	c := &conn{driver: d}
	d.Opened.Add(1)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

type conn struct {
	driver  *Driver
	invalid atomic.Bool
	busy    atomic.Bool
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error {
	c.driver.Closed.Add(1)
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if opts.ReadOnly {
		c.driver.ReadOnlyTx.Add(1)
	} else {
		c.driver.WritableTx.Add(1)
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) IsValid() bool { return !c.invalid.Load() }

func (c *conn) Ping(context.Context) error {
	if c.invalid.Load() {
		return driver.ErrBadConn
	}
	return nil
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return driver.RowsAffected(0), nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, errors.New("connection shared by concurrent statements")
	}
	defer c.busy.Store(false)

	d := c.driver
	d.Queries.Add(1)
	now := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		peak := d.maxConcurrent.Load()
		if now <= peak || d.maxConcurrent.CompareAndSwap(peak, now) {
			break
		}
	}

	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Handler == nil {
		return nil, errors.New("no handler configured")
	}
	rows, err := d.Handler(ctx, strings.TrimSpace(query))
	if err != nil {
		return nil, err
	}
	return &resultRows{data: rows}, nil
}

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error { return nil }

func (t *tx) Rollback() error {
	t.driver.RolledBack.Add(1)
	return nil
}

type resultRows struct {
	data *Rows
	idx  int
}

func (r *resultRows) Columns() []string { return r.data.Columns }

func (r *resultRows) Close() error { return nil }

func (r *resultRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.data.Values) {
		return io.EOF
	}
	copy(dest, r.data.Values[r.idx])
	r.idx++
	return nil
}

func (r *resultRows) ColumnTypeDatabaseTypeName(index int) string {
	if index < len(r.data.Types) {
		return r.data.Types[index]
	}
	return ""
}
