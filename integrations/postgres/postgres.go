// Package postgres reads PostgreSQL endpoints through an ADBC driver, receiving rows as Arrow
// record batches instead of through database/sql.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/apache/arrow-adbc/go/adbc"
	"github.com/apache/arrow-adbc/go/adbc/drivermgr"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	integrations "github.com/TFMV/resync/integrations"
	"github.com/TFMV/resync/pkg/core"
)

// Ensure Postgres implements Database.
var _ integrations.Database = (*Postgres)(nil)

// Ensure pgConn implements Connection.
var _ integrations.Connection = (*pgConn)(nil)

// Postgres is a PostgreSQL database accessed via ADBC.
type Postgres struct {
	mu      sync.Mutex
	db      adbc.Database
	dialect *integrations.Dialect
	conns   []*pgConn // track open connections
}

// pgConn is an open ADBC connection bound to one table.
type pgConn struct {
	parent *Postgres
	ep     core.Endpoint
	adbc.Connection
}

// DefaultDriverPath returns the usual install location of the PostgreSQL ADBC driver.
func DefaultDriverPath() string {
	switch runtime.GOOS {
	case "darwin":
		return "/usr/local/lib/libadbc_driver_postgresql.dylib"
	case "windows":
		if home, err := os.UserHomeDir(); err == nil {
			return home + "/Downloads/postgresql-windows-amd64/postgresql.dll"
		}
	}
	return "/usr/local/lib/libadbc_driver_postgresql.so"
}

// URI renders the connection URI of ep.
func URI(ep core.Endpoint) string {
	u := url.URL{
		Scheme:   "postgresql",
		User:     url.UserPassword(ep.User, ep.Password),
		Host:     ep.Host + ":" + strconv.Itoa(ep.Port),
		Path:     "/" + ep.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// New loads the driver named by ep.DriverPath, or the default one, for the database of ep.
func New(_ context.Context, ep core.Endpoint) (integrations.Database, error) {
	dialect, err := integrations.DialectFor("postgresql")
	if err != nil {
		return nil, err
	}
	dPath := ep.DriverPath
	if dPath == "" {
		dPath = DefaultDriverPath()
	}

	driver := drivermgr.Driver{}
	db, err := driver.NewDatabase(map[string]string{
		"driver":          dPath,
		adbc.OptionKeyURI: URI(ep),
	})
	if err != nil {
		return nil, core.NewConfigurationError("driver_path", "cannot load ADBC driver %s: %v", dPath, err)
	}
	return &Postgres{db: db, dialect: dialect}, nil
}

// Opener routes endpoints that name an ADBC driver to New and all others to next.
func Opener(next integrations.Opener) integrations.Opener {
	return func(ctx context.Context, ep core.Endpoint) (integrations.Database, error) {
		if ep.DriverPath != "" {
			return New(ctx, ep)
		}
		return next(ctx, ep)
	}
}

// OpenConnection opens a new connection bound to the table of ep.
func (p *Postgres) OpenConnection(ctx context.Context, ep core.Endpoint) (integrations.Connection, error) {
	conn, err := p.db.Open(ctx)
	if err != nil {
		return nil, core.Transient("open connection", fmt.Errorf("failed to open connection: %w", err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pc := &pgConn{parent: p, ep: ep, Connection: conn}
	p.conns = append(p.conns, pc)
	return pc, nil
}

// Close closes the database and all open connections.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.conns {
		c.Connection.Close()
	}
	p.conns = nil
	return p.db.Close()
}

// ConnCount returns the current number of open connections.
func (p *Postgres) ConnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// query runs sql and returns every row of the result.
func (c *pgConn) query(ctx context.Context, sql string) ([]core.Row, error) {
	stmt, err := c.NewStatement()
	if err != nil {
		return nil, fmt.Errorf("failed to create statement: %w", err)
	}
	defer stmt.Close()

	if err := stmt.SetSqlQuery(sql); err != nil {
		return nil, fmt.Errorf("failed to set SQL query: %w", err)
	}
	rr, _, err := stmt.ExecuteQuery(ctx)
	if err != nil {
		return nil, core.Transient("query", fmt.Errorf("failed to execute query: %w", err))
	}
	defer rr.Release()

	var out []core.Row
	for rr.Next() {
		out = append(out, Rows(rr.Record())...)
	}
	if err := rr.Err(); err != nil {
		return nil, core.Transient("query", fmt.Errorf("failed to read record: %w", err))
	}
	return out, nil
}

// column returns the first column of every row of sql as strings.
func (c *pgConn) column(ctx context.Context, sql string) ([]string, error) {
	rows, err := c.query(ctx, sql)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range rows {
		for _, v := range r {
			out = append(out, fmt.Sprint(v))
		}
	}
	return out, nil
}

func (c *pgConn) RowCount(ctx context.Context, filter string) (int64, error) {
	rows, err := c.query(ctx, c.parent.dialect.CountSQL(c.ep, filter))
	if err != nil {
		return 0, err
	}
	if len(rows) != 1 {
		return 0, fmt.Errorf("count %s: expected one row, got %d", c.ep.QualifiedTable(), len(rows))
	}
	for _, v := range rows[0] {
		if n, ok := v.(int64); ok {
			return n, nil
		}
		return 0, fmt.Errorf("count %s: unexpected value %v", c.ep.QualifiedTable(), v)
	}
	return 0, nil
}

func (c *pgConn) ColumnsMetadata(ctx context.Context) ([]core.ColumnMeta, error) {
	rows, err := c.query(ctx, c.parent.dialect.ColumnsSQL(c.ep))
	if err != nil {
		return nil, err
	}
	cols := make([]core.ColumnMeta, 0, len(rows))
	for _, r := range rows {
		cols = append(cols, core.ColumnMeta{Name: fmt.Sprint(r["column_name"]), Type: fmt.Sprint(r["udt_name"])})
	}
	return cols, nil
}

func (c *pgConn) PrimaryKeys(ctx context.Context) ([]string, error) {
	return c.column(ctx, c.parent.dialect.PrimaryKeySQL(c.ep))
}

func (c *pgConn) QueryRows(ctx context.Context, q core.RowQuery) ([]core.Row, error) {
	return c.query(ctx, c.parent.dialect.SelectSQL(c.ep, q))
}

func (c *pgConn) CheckCapability(ctx context.Context, capability core.Capability) core.CapabilityResult {
	res := core.CapabilityResult{Capability: capability}
	switch capability {
	case core.CapabilityReadable:
		cols, err := c.ColumnsMetadata(ctx)
		switch {
		case err != nil:
			res.Reason = err.Error()
		case len(cols) == 0:
			res.Reason = fmt.Sprintf("table %s not found", c.ep.QualifiedTable())
		default:
			res.OK = true
		}
	case core.CapabilityWritable:
		types, err := c.column(ctx, c.parent.dialect.TableTypeSQL(c.ep))
		switch {
		case err != nil:
			res.Reason = err.Error()
		case len(types) == 0:
			res.Reason = fmt.Sprintf("table %s not found", c.ep.QualifiedTable())
		case !c.parent.dialect.IsBaseTable(types[0]):
			res.Reason = fmt.Sprintf("%s is not a base table", c.ep.QualifiedTable())
		default:
			res.OK = true
		}
	default:
		res.Reason = fmt.Sprintf("unknown capability %q", capability)
	}
	return res
}

// Close closes the connection, removing it from the parent's tracking.
func (c *pgConn) Close() error {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()

	for i, cc := range c.parent.conns {
		if cc == c {
			c.parent.conns[i] = c.parent.conns[len(c.parent.conns)-1]
			c.parent.conns = c.parent.conns[:len(c.parent.conns)-1]
			break
		}
	}
	return c.Connection.Close()
}

// Rows converts a record batch to rows keyed by field name. Timestamps and dates become UTC
// time.Time, decimals become their exact decimal string, and types without a native mapping use
// the array's string rendering.
func Rows(rec arrow.Record) []core.Row {
	n := int(rec.NumRows())
	rows := make([]core.Row, n)
	for i := range rows {
		rows[i] = make(core.Row, rec.NumCols())
	}
	for j, col := range rec.Columns() {
		name := rec.ColumnName(j)
		for i := 0; i < n; i++ {
			rows[i][name] = value(col, i)
		}
	}
	return rows
}

func value(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch a := col.(type) {
	case *array.Int64:
		return a.Value(i)
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Uint64:
		return a.Value(i)
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Boolean:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Binary:
		return string(a.Value(i))
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC()
	case *array.Date32:
		return a.Value(i).ToTime()
	case *array.Date64:
		return a.Value(i).ToTime()
	case *array.Decimal128:
		scale := a.DataType().(*arrow.Decimal128Type).Scale
		return a.Value(i).ToString(scale)
	}
	return col.ValueStr(i)
}
