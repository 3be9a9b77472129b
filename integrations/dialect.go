package integrations

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/pkg/literal"
	"github.com/TFMV/resync/pkg/schema"
	"github.com/go-sql-driver/mysql"
)

var plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// Dialect captures the SQL differences between engines.
type Dialect struct {
	Kind          string
	DriverName    string
	DefaultSchema string

	quoteOpen, quoteClose string
	offsetFetch           bool

	columnsQuery    string
	primaryKeyQuery string
	tableTypeQuery  string
	baseTableType   string

	dsn func(ep core.Endpoint, timeout time.Duration) string
}

var dialects = map[string]*Dialect{
	"mysql": {
		Kind:       "mysql",
		DriverName: "mysql",
		quoteOpen:  "`", quoteClose: "`",
		columnsQuery: `SELECT COLUMN_NAME, COLUMN_TYPE FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`,
		primaryKeyQuery: `SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY' ORDER BY ORDINAL_POSITION`,
		tableTypeQuery: `SELECT TABLE_TYPE FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`,
		baseTableType:  "BASE TABLE",
		dsn:            mysqlDSN,
	},
	"postgresql": {
		Kind:          "postgresql",
		DriverName:    "postgres",
		DefaultSchema: "public",
		quoteOpen:     `"`, quoteClose: `"`,
		columnsQuery: `SELECT column_name, udt_name FROM information_schema.columns
WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`,
		primaryKeyQuery: `SELECT kcu.column_name FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = ? AND tc.table_name = ?
ORDER BY kcu.ordinal_position`,
		tableTypeQuery: `SELECT table_type FROM information_schema.tables WHERE table_schema = ? AND table_name = ?`,
		baseTableType:  "BASE TABLE",
		dsn:            postgresDSN,
	},
	"sqlserver": {
		Kind:          "sqlserver",
		DriverName:    "sqlserver",
		DefaultSchema: "dbo",
		quoteOpen:     "[", quoteClose: "]",
		offsetFetch:   true,
		columnsQuery: `SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`,
		primaryKeyQuery: `SELECT kcu.COLUMN_NAME FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_SCHEMA = ? AND tc.TABLE_NAME = ?
ORDER BY kcu.ORDINAL_POSITION`,
		tableTypeQuery: `SELECT TABLE_TYPE FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`,
		baseTableType:  "BASE TABLE",
		dsn:            sqlserverDSN,
	},
	"oracle": {
		Kind:        "oracle",
		DriverName:  "oracle",
		quoteOpen:   `"`, quoteClose: `"`,
		offsetFetch: true,
		columnsQuery: `SELECT COLUMN_NAME, DATA_TYPE FROM ALL_TAB_COLUMNS
WHERE OWNER = ? AND TABLE_NAME = ? ORDER BY COLUMN_ID`,
		primaryKeyQuery: `SELECT cc.COLUMN_NAME FROM ALL_CONSTRAINTS c
JOIN ALL_CONS_COLUMNS cc ON c.OWNER = cc.OWNER AND c.CONSTRAINT_NAME = cc.CONSTRAINT_NAME
WHERE c.CONSTRAINT_TYPE = 'P' AND c.OWNER = ? AND c.TABLE_NAME = ? ORDER BY cc.POSITION`,
		tableTypeQuery: `SELECT 'TABLE' FROM ALL_TABLES WHERE OWNER = ? AND TABLE_NAME = ?`,
		baseTableType:  "TABLE",
		dsn:            oracleDSN,
	},
}

// DialectFor returns the dialect of an engine kind.
func DialectFor(kind string) (*Dialect, error) {
	d, ok := dialects[schema.NormalizeKind(kind)]
	if !ok {
		return nil, core.NewConfigurationError("kind", "unsupported engine kind %q", kind)
	}
	return d, nil
}

// Quote quotes an identifier when it is not a plain name, or when the engine would fold its
// case away: any upper-case letter on postgresql, mixed case on oracle. Other names are left
// bare so that engines keep their default case folding.
func (d *Dialect) Quote(ident string) string {
	if plainIdent.MatchString(ident) && !d.foldsAway(ident) {
		return ident
	}
	return d.quoteOpen + strings.ReplaceAll(ident, d.quoteClose, d.quoteClose+d.quoteClose) + d.quoteClose
}

func (d *Dialect) foldsAway(ident string) bool {
	switch d.Kind {
	case "postgresql":
		return ident != strings.ToLower(ident)
	case "oracle":
		return ident != strings.ToLower(ident) && ident != strings.ToUpper(ident)
	}
	return false
}

// Table returns the possibly schema-qualified table reference of ep.
func (d *Dialect) Table(ep core.Endpoint) string {
	if ep.Schema == "" {
		return d.Quote(ep.Table)
	}
	return d.Quote(ep.Schema) + "." + d.Quote(ep.Table)
}

// Owner returns the schema used in metadata lookups.
func (d *Dialect) Owner(ep core.Endpoint) string {
	switch {
	case ep.Schema != "":
		return ep.Schema
	case d.Kind == "mysql":
		return ep.Database
	case d.Kind == "oracle":
		return strings.ToUpper(ep.User)
	}
	return d.DefaultSchema
}

// ColumnsSQL renders the column metadata lookup of ep with its arguments inlined, for drivers
// without placeholder binding.
func (d *Dialect) ColumnsSQL(ep core.Endpoint) string {
	return inline(d.columnsQuery, d.Owner(ep), ep.Table)
}

// PrimaryKeySQL renders the primary key lookup of ep with its arguments inlined.
func (d *Dialect) PrimaryKeySQL(ep core.Endpoint) string {
	return inline(d.primaryKeyQuery, d.Owner(ep), ep.Table)
}

// TableTypeSQL renders the table type lookup of ep with its arguments inlined.
func (d *Dialect) TableTypeSQL(ep core.Endpoint) string {
	return inline(d.tableTypeQuery, d.Owner(ep), ep.Table)
}

// IsBaseTable reports whether a table type answer denotes a writable table.
func (d *Dialect) IsBaseTable(tableType string) bool {
	return strings.EqualFold(strings.TrimSpace(tableType), d.baseTableType)
}

func inline(q string, args ...any) string {
	for _, a := range args {
		q = strings.Replace(q, "?", literal.Format(a), 1)
	}
	return q
}

// SelectSQL renders a row query.
func (d *Dialect) SelectSQL(ep core.Endpoint, q core.RowQuery) string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(q.Columns) == 0 {
		sb.WriteString("*")
	} else {
		for i, c := range q.Columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.Quote(c))
		}
	}
	sb.WriteString(" FROM ")
	sb.WriteString(d.Table(ep))
	if q.Filter != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(q.Filter)
	}

	paged := q.Limit > 0 || q.Offset > 0
	if len(q.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, c := range q.OrderBy {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.Quote(c))
		}
	} else if paged && d.Kind == "sqlserver" {
		sb.WriteString(" ORDER BY (SELECT NULL)")
	}

	if !paged {
		return sb.String()
	}
	if d.offsetFetch {
		sb.WriteString(" OFFSET " + strconv.FormatInt(q.Offset, 10) + " ROWS")
		if q.Limit > 0 {
			sb.WriteString(" FETCH NEXT " + strconv.FormatInt(q.Limit, 10) + " ROWS ONLY")
		}
		return sb.String()
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + strconv.FormatInt(q.Limit, 10))
	}
	if q.Offset > 0 {
		sb.WriteString(" OFFSET " + strconv.FormatInt(q.Offset, 10))
	}
	return sb.String()
}

// CountSQL renders a filtered row count.
func (d *Dialect) CountSQL(ep core.Endpoint, filter string) string {
	s := "SELECT COUNT(*) FROM " + d.Table(ep)
	if filter != "" {
		s += " WHERE " + filter
	}
	return s
}

// TimeLiteral renders t for comparison against a temporal column.
func (d *Dialect) TimeLiteral(t time.Time) string {
	lit := literal.Format(t)
	if d.Kind == "oracle" {
		return "TO_DATE(" + lit + ", 'YYYY-MM-DD HH24:MI:SS')"
	}
	return lit
}

// WindowFilter restricts column to [start, end).
func (d *Dialect) WindowFilter(column string, start, end time.Time) string {
	c := d.Quote(column)
	return fmt.Sprintf("%s >= %s AND %s < %s", c, d.TimeLiteral(start), c, d.TimeLiteral(end))
}

func mysqlDSN(ep core.Endpoint, timeout time.Duration) string {
	cfg := mysql.NewConfig()
	cfg.User = ep.User
	cfg.Passwd = ep.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	cfg.DBName = ep.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Timeout = timeout
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

func postgresDSN(ep core.Endpoint, timeout time.Duration) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(ep.User, ep.Password),
		Host:   fmt.Sprintf("%s:%d", ep.Host, ep.Port),
		Path:   "/" + ep.Database,
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	if timeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(timeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func sqlserverDSN(ep core.Endpoint, timeout time.Duration) string {
	u := url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(ep.User, ep.Password),
		Host:   fmt.Sprintf("%s:%d", ep.Host, ep.Port),
	}
	q := url.Values{}
	q.Set("database", ep.Database)
	if timeout > 0 {
		q.Set("dial timeout", strconv.Itoa(int(timeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func oracleDSN(ep core.Endpoint, _ time.Duration) string {
	u := url.URL{
		Scheme: "oracle",
		User:   url.UserPassword(ep.User, ep.Password),
		Host:   fmt.Sprintf("%s:%d", ep.Host, ep.Port),
		Path:   "/" + ep.Database,
	}
	return u.String()
}
