package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/TFMV/resync/config"
	"github.com/TFMV/resync/pkg/core"
)

func setupMockDB(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return New(gormDB, nil), mock
}

// TestSaveOutcome inserts one result row.
func TestSaveOutcome(t *testing.T) {
	s, mock := setupMockDB(t)

	mock.ExpectExec("INSERT INTO `task_result_log`").
		WillReturnResult(sqlmock.NewResult(7, 1))

	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	err := s.SaveOutcome(context.Background(), core.TaskOutcome{
		TaskID:       "42",
		RunID:        "run-1",
		Status:       core.StatusSuccess,
		SourceTable:  "orders",
		TargetTable:  "orders_copy",
		SourceCount:  10,
		TargetCount:  9,
		DiffCount:    1,
		StartTime:    start,
		EndTime:      start.Add(time.Minute),
		CostMinutes:  1,
		RepairStatus: "success",
		RepairCount:  1,
		CheckColumns: []string{"id", "name"},
		JobFiles:     []string{"jobs/a.json", "jobs/b.json"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestResultRow flattens list fields.
func TestResultRow(t *testing.T) {
	row := resultRow(core.TaskOutcome{
		TaskID:       "1",
		Status:       core.StatusPartialFail,
		CheckColumns: []string{"id", "name"},
		JobFiles:     []string{"a.json", "b.json"},
	})
	assert.Equal(t, "1", row.TableID)
	assert.Equal(t, "partial_fail", row.CompareStatus)
	assert.Equal(t, "id,name", row.CheckColumn)
	assert.Equal(t, "a.json,b.json", row.RepairJobFile)
}

// TestSaveOutcomeError wraps the driver error.
func TestSaveOutcomeError(t *testing.T) {
	s, mock := setupMockDB(t)
	mock.ExpectExec("INSERT INTO `task_result_log`").WillReturnError(assert.AnError)

	err := s.SaveOutcome(context.Background(), core.TaskOutcome{TaskID: "9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task 9")
}

func configRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "src_db_type", "src_host", "src_port", "src_username", "src_password", "src_db_name", "src_table_name",
		"tgt_db_type", "tgt_host", "tgt_port", "tgt_username", "tgt_password", "tgt_db_name", "tgt_table_name",
		"primary_key_str", "update_time_str", "sensitive_str", "incremental", "incremental_days", "enable_repair",
		"time_tolerance", "is_delete",
	})
}

// TestLoadTaskConfigs converts live rows into task configs.
func TestLoadTaskConfigs(t *testing.T) {
	s, mock := setupMockDB(t)

	rows := configRows().
		AddRow(3, "mysql", "src", 3306, "u", "p", "shop", "orders",
			"postgresql", "tgt", 5432, "u2", "p2", "dw", "orders",
			"id", "updated_at", "card_no, cvv", 1, 2, 1, 60, 0).
		AddRow(4, "mysql", "src", 3306, "u", "p", "shop", "users",
			"mysql", "tgt", 3306, "u", "p", "shop_copy", "users",
			"", "", "", 0, 0, 0, 0, 0)
	mock.ExpectQuery("SELECT \\* FROM `task_config_info` WHERE is_delete = \\? ORDER BY id").
		WithArgs(0).
		WillReturnRows(rows)

	tasks, err := s.LoadTaskConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	first := tasks[0]
	assert.Equal(t, "3", first.ID)
	assert.Equal(t, "orders", first.Source.Table)
	assert.Equal(t, []string{"id"}, first.Source.PrimaryKeys)
	assert.Equal(t, "updated_at", first.Source.FreshnessColumn)
	assert.Equal(t, []string{"card_no", "cvv"}, first.Source.SensitiveColumns)
	assert.Equal(t, "postgresql", first.Target.Kind)
	require.NotNil(t, first.RepairEnabled)
	assert.True(t, *first.RepairEnabled)
	require.NotNil(t, first.IncrementalDays)
	assert.Equal(t, 2, *first.IncrementalDays)
	require.NotNil(t, first.FreshnessToleranceSeconds)
	assert.EqualValues(t, 60, *first.FreshnessToleranceSeconds)

	second := tasks[1]
	assert.Nil(t, second.Source.PrimaryKeys)
	assert.Nil(t, second.IncrementalDays)
	assert.Nil(t, second.FreshnessToleranceSeconds)
	assert.False(t, *second.RepairEnabled)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestLoadTaskConfigsByID narrows the query and resolves against globals.
func TestLoadTaskConfigsByID(t *testing.T) {
	s, mock := setupMockDB(t)

	rows := configRows().AddRow(5, "mysql", "a", 3306, "u", "p", "db", "t",
		"mysql", "b", 3306, "u", "p", "db", "t", "id", "", "", 0, 0, 1, 0, 0)
	mock.ExpectQuery("SELECT \\* FROM `task_config_info` WHERE is_delete = \\? AND id IN \\(\\?\\) ORDER BY id").
		WithArgs(0, "5").
		WillReturnRows(rows)

	tasks, err := s.LoadTaskConfigs(context.Background(), "5")
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	cfg := config.Default()
	cfg.Tasks = tasks
	resolved := cfg.CoreTasks()
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].Options.RepairEnabled)
	assert.Equal(t, cfg.Global.FreshnessToleranceSeconds, resolved[0].Options.FreshnessToleranceSeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestLoadTaskConfigsError marks control database failures transient.
func TestLoadTaskConfigsError(t *testing.T) {
	s, mock := setupMockDB(t)
	mock.ExpectQuery("SELECT").WillReturnError(assert.AnError)

	_, err := s.LoadTaskConfigs(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
}

// TestDSN renders a parseTime DSN.
func TestDSN(t *testing.T) {
	dsn := DSN(config.TaskStoreConfig{Host: "db", Port: 3306, User: "u", Password: "p", Name: "resync"})
	assert.Contains(t, dsn, "u:p@tcp(db:3306)/resync")
	assert.Contains(t, dsn, "parseTime=true")
}
