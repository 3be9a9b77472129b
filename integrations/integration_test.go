package integrations_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/TFMV/resync/integrations"
	"github.com/TFMV/resync/pkg/core"
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orders = core.Endpoint{Kind: "mysql", Host: "db1", Port: 3306, User: "reader", Database: "shop", Table: "orders"}

func openMock(t *testing.T) (*integrations.SQLDatabase, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db, err := integrations.NewSQLDatabase(context.Background(), orders, integrations.WithDB(sqlx.NewDb(mockDB, "mysql")))
	require.NoError(t, err)
	return db, mock
}

// TestOptions checks the functional options.
func TestOptions(t *testing.T) {
	opts := &integrations.Options{}
	integrations.WithDriverName("pgx")(opts)
	integrations.WithPool(4, 2, time.Minute)(opts)
	integrations.WithConnectTimeout(time.Second)(opts)

	assert.Equal(t, "pgx", opts.DriverName)
	assert.Equal(t, 4, opts.MaxOpenConns)
	assert.Equal(t, 2, opts.MaxIdleConns)
	assert.Equal(t, time.Minute, opts.ConnMaxLifetime)
	assert.Equal(t, time.Second, opts.ConnectTimeout)
}

// TestSQLConnection exercises the endpoint adapter against a mocked MySQL handle.
func TestSQLConnection(t *testing.T) {
	ctx := context.Background()
	db, mock := openMock(t)

	conn, err := db.OpenConnection(ctx, orders)
	require.NoError(t, err)
	assert.Equal(t, 1, db.ConnCount())

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM orders WHERE id > 1`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))
	n, err := conn.RowCount(ctx, "id > 1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	mock.ExpectQuery(`information_schema.COLUMNS`).WithArgs("shop", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "COLUMN_TYPE"}).
			AddRow("id", "bigint").AddRow("name", "varchar(32)"))
	cols, err := conn.ColumnsMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.ColumnMeta{{Name: "id", Type: "bigint"}, {Name: "name", Type: "varchar(32)"}}, cols)

	mock.ExpectQuery(`CONSTRAINT_NAME = 'PRIMARY'`).WithArgs("shop", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id"))
	keys, err := conn.PrimaryKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, keys)

	mock.ExpectQuery(`SELECT id, name FROM orders ORDER BY id LIMIT 2 OFFSET 4`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(5, []byte("e")).AddRow(6, nil))
	rows, err := conn.QueryRows(ctx, core.RowQuery{Columns: []string{"id", "name"}, OrderBy: []string{"id"}, Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 5, rows[0]["id"])
	assert.Equal(t, "e", rows[0]["name"])
	assert.Nil(t, rows[1]["name"])

	require.NoError(t, conn.Close())
	assert.Equal(t, 0, db.ConnCount())

	mock.ExpectClose()
	require.NoError(t, db.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestCheckCapability reports views as not writable without touching data.
func TestCheckCapability(t *testing.T) {
	ctx := context.Background()
	db, mock := openMock(t)
	conn, err := db.OpenConnection(ctx, orders)
	require.NoError(t, err)

	mock.ExpectQuery(`information_schema.TABLES`).WithArgs("shop", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_TYPE"}).AddRow("VIEW"))
	res := conn.CheckCapability(ctx, core.CapabilityWritable)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "view")

	mock.ExpectQuery(`information_schema.TABLES`).WithArgs("shop", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_TYPE"}).AddRow("BASE TABLE"))
	assert.True(t, conn.CheckCapability(ctx, core.CapabilityWritable).OK)

	mock.ExpectQuery(`information_schema.COLUMNS`).WithArgs("shop", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "COLUMN_TYPE"}))
	res = conn.CheckCapability(ctx, core.CapabilityReadable)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "not found")

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestNewSQLDatabaseMissingDriver rejects engines whose driver is not linked in.
func TestNewSQLDatabaseMissingDriver(t *testing.T) {
	_, err := integrations.NewSQLDatabase(context.Background(), core.Endpoint{Kind: "oracle", Host: "h", Port: 1521})
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = integrations.NewSQLDatabase(context.Background(), core.Endpoint{Kind: "db2"})
	assert.ErrorAs(t, err, &cfgErr)
}

// TestQuote keeps plain names bare and quotes those the engine would fold.
func TestQuote(t *testing.T) {
	cases := []struct {
		kind, ident, want string
	}{
		{"mysql", "UserId", "UserId"},
		{"mysql", "order id", "`order id`"},
		{"postgresql", "user_id", "user_id"},
		{"postgresql", "UserId", `"UserId"`},
		{"postgresql", "ID", `"ID"`},
		{"postgresql", `we"ird`, `"we""ird"`},
		{"oracle", "USER_ID", "USER_ID"},
		{"oracle", "user_id", "user_id"},
		{"oracle", "UserId", `"UserId"`},
		{"sqlserver", "UserId", "UserId"},
	}
	for _, c := range cases {
		d, err := integrations.DialectFor(c.kind)
		require.NoError(t, err)
		assert.Equal(t, c.want, d.Quote(c.ident), "%s %s", c.kind, c.ident)
	}
}

// =======================
// Registry
// =======================

type fakeConn struct {
	core.EndpointAdapter
	err    error
	closed bool
}

func (f *fakeConn) RowCount(context.Context, string) (int64, error) { return 1, f.err }
func (f *fakeConn) Close() error                                     { f.closed = true; return nil }

type fakeDB struct {
	mu     sync.Mutex
	opened int
	closed bool
	conn   *fakeConn
}

func (f *fakeDB) OpenConnection(context.Context, core.Endpoint) (integrations.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return f.conn, nil
}
func (f *fakeDB) Close() error { f.closed = true; return nil }
func (f *fakeDB) ConnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// TestRegistrySharesPools opens one pool per endpoint identity.
func TestRegistrySharesPools(t *testing.T) {
	ctx := context.Background()
	r := integrations.NewRegistry(nil, integrations.DefaultBreakerSettings())
	opens := 0
	db := &fakeDB{conn: &fakeConn{}}
	r.Register("mysql", func(context.Context, core.Endpoint) (integrations.Database, error) {
		opens++
		return db, nil
	})

	other := orders
	other.Table = "customers"
	for _, ep := range []core.Endpoint{orders, other} {
		conn, err := r.Acquire(ctx, ep)
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	}
	assert.Equal(t, 1, opens)
	assert.Equal(t, map[string]int{orders.Identity(): 2}, r.ConnCount())

	_, err := r.Acquire(ctx, core.Endpoint{Kind: "db2"})
	var cfgErr *core.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	require.NoError(t, r.Close())
	assert.True(t, db.closed)
}

// TestRegistryOpensOutsideLock keeps other endpoints available while one is slow to open, and
// opens the slow one only once.
func TestRegistryOpensOutsideLock(t *testing.T) {
	ctx := context.Background()
	r := integrations.NewRegistry(nil, integrations.DefaultBreakerSettings())
	release := make(chan struct{})
	var mu sync.Mutex
	opens := map[string]int{}
	r.Register("mysql", func(_ context.Context, ep core.Endpoint) (integrations.Database, error) {
		mu.Lock()
		opens[ep.Host]++
		mu.Unlock()
		if ep.Host == "slow" {
			<-release
		}
		return &fakeDB{conn: &fakeConn{}}, nil
	})

	slow := orders
	slow.Host = "slow"
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := r.Acquire(ctx, slow)
			assert.NoError(t, err)
			assert.NotNil(t, conn)
		}()
	}

	done := make(chan error, 1)
	go func() {
		conn, err := r.Acquire(ctx, orders)
		if err == nil {
			err = conn.Close()
		}
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire blocked behind a slow endpoint")
	}

	close(release)
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, opens["slow"])
	assert.Equal(t, 1, opens["db1"])
	require.NoError(t, r.Close())
}

// TestRegistryBreaker trips only on transient failures.
func TestRegistryBreaker(t *testing.T) {
	ctx := context.Background()
	settings := integrations.DefaultBreakerSettings()
	settings.FailureThreshold = 2
	r := integrations.NewRegistry(nil, settings)
	fc := &fakeConn{}
	r.Register("mysql", func(context.Context, core.Endpoint) (integrations.Database, error) {
		return &fakeDB{conn: fc}, nil
	})

	conn, err := r.Acquire(ctx, orders)
	require.NoError(t, err)

	permanent := errors.New("syntax error")
	fc.err = permanent
	for i := 0; i < 3; i++ {
		_, err = conn.RowCount(ctx, "")
		assert.ErrorIs(t, err, permanent)
	}

	fc.err = context.DeadlineExceeded
	for i := 0; i < 2; i++ {
		_, err = conn.RowCount(ctx, "")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	_, err = conn.RowCount(ctx, "")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
