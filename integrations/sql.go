package integrations

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/TFMV/resync/pkg/core"
	"github.com/jmoiron/sqlx"

	// database/sql drivers for the built-in engine kinds
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// SQLDatabase is a database/sql pool for one engine identity, accessed through sqlx.
type SQLDatabase struct {
	mu      sync.Mutex
	db      *sqlx.DB
	dialect *Dialect
	conns   []*sqlConn
}

// sqlConn is a pooled connection bound to one table.
type sqlConn struct {
	parent  *SQLDatabase
	conn    *sqlx.Conn
	dialect *Dialect
	ep      core.Endpoint
}

// NewSQLDatabase opens a pool for the engine of ep. Engines whose driver is not linked in
// (sqlserver and oracle need one registered by the embedding program) yield a
// ConfigurationError.
func NewSQLDatabase(ctx context.Context, ep core.Endpoint, options ...Option) (*SQLDatabase, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	dialect, err := DialectFor(ep.Kind)
	if err != nil {
		return nil, err
	}

	db := opts.DB
	if db == nil {
		driver := opts.DriverName
		if driver == "" {
			driver = dialect.DriverName
		}
		if !slices.Contains(sql.Drivers(), driver) {
			return nil, core.NewConfigurationError("kind", "no database/sql driver %q registered for %s", driver, dialect.Kind)
		}
		db, err = sqlx.Open(driver, dialect.dsn(ep, opts.ConnectTimeout))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", ep.Identity(), err)
		}
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxIdleConns)
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)

		pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, core.Transient("ping", fmt.Errorf("failed to connect to %s: %w", ep.Identity(), err))
		}
	}

	return &SQLDatabase{db: db, dialect: dialect}, nil
}

// OpenConnection takes a connection from the pool for the table of ep.
func (d *SQLDatabase) OpenConnection(ctx context.Context, ep core.Endpoint) (Connection, error) {
	conn, err := d.db.Connx(ctx)
	if err != nil {
		return nil, core.Transient("acquire connection", fmt.Errorf("failed to acquire connection: %w", err))
	}
	c := &sqlConn{parent: d, conn: conn, dialect: d.dialect, ep: ep}

	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Close closes every open connection and the pool.
func (d *SQLDatabase) Close() error {
	d.mu.Lock()
	conns := d.conns
	d.conns = nil
	d.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
	return d.db.Close()
}

// ConnCount returns the current number of open connections.
func (d *SQLDatabase) ConnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Close returns the connection to the pool.
func (c *sqlConn) Close() error {
	d := c.parent
	if d == nil {
		return nil
	}
	d.mu.Lock()
	for i, cc := range d.conns {
		if cc == c {
			d.conns = append(d.conns[:i], d.conns[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	c.parent = nil
	return c.conn.Close()
}

func (c *sqlConn) RowCount(ctx context.Context, filter string) (int64, error) {
	var n int64
	if err := c.conn.GetContext(ctx, &n, c.dialect.CountSQL(c.ep, filter)); err != nil {
		return 0, core.Transient("row count", fmt.Errorf("count %s: %w", c.ep.QualifiedTable(), err))
	}
	return n, nil
}

func (c *sqlConn) ColumnsMetadata(ctx context.Context) ([]core.ColumnMeta, error) {
	q := c.conn.Rebind(c.dialect.columnsQuery)
	rows, err := c.conn.QueryxContext(ctx, q, c.dialect.Owner(c.ep), c.ep.Table)
	if err != nil {
		return nil, core.Transient("columns metadata", fmt.Errorf("columns of %s: %w", c.ep.QualifiedTable(), err))
	}
	defer rows.Close()

	var cols []core.ColumnMeta
	for rows.Next() {
		var m core.ColumnMeta
		if err := rows.Scan(&m.Name, &m.Type); err != nil {
			return nil, fmt.Errorf("scan column metadata: %w", err)
		}
		cols = append(cols, m)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Transient("columns metadata", err)
	}
	return cols, nil
}

func (c *sqlConn) PrimaryKeys(ctx context.Context) ([]string, error) {
	var keys []string
	q := c.conn.Rebind(c.dialect.primaryKeyQuery)
	if err := c.conn.SelectContext(ctx, &keys, q, c.dialect.Owner(c.ep), c.ep.Table); err != nil {
		return nil, core.Transient("primary keys", fmt.Errorf("primary key of %s: %w", c.ep.QualifiedTable(), err))
	}
	return keys, nil
}

func (c *sqlConn) QueryRows(ctx context.Context, q core.RowQuery) ([]core.Row, error) {
	rows, err := c.conn.QueryxContext(ctx, c.dialect.SelectSQL(c.ep, q))
	if err != nil {
		return nil, core.Transient("query rows", fmt.Errorf("select from %s: %w", c.ep.QualifiedTable(), err))
	}
	defer rows.Close()

	var out []core.Row
	for rows.Next() {
		m := make(map[string]any)
		if err := rows.MapScan(m); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, v := range m {
			if b, ok := v.([]byte); ok {
				m[k] = string(b)
			}
		}
		out = append(out, core.Row(m))
	}
	if err := rows.Err(); err != nil {
		return nil, core.Transient("query rows", err)
	}
	return out, nil
}

// CheckCapability answers without side effects: readable means the table has columns, writable
// means it is a base table rather than a view.
func (c *sqlConn) CheckCapability(ctx context.Context, capability core.Capability) core.CapabilityResult {
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
		var tableType string
		q := c.conn.Rebind(c.dialect.tableTypeQuery)
		err := c.conn.GetContext(ctx, &tableType, q, c.dialect.Owner(c.ep), c.ep.Table)
		switch {
		case err == sql.ErrNoRows:
			res.Reason = fmt.Sprintf("table %s not found", c.ep.QualifiedTable())
		case err != nil:
			res.Reason = err.Error()
		case !c.dialect.IsBaseTable(tableType):
			res.Reason = fmt.Sprintf("%s is a %s", c.ep.QualifiedTable(), strings.ToLower(tableType))
		default:
			res.OK = true
		}
	default:
		res.Reason = fmt.Sprintf("unknown capability %q", capability)
	}
	return res
}
