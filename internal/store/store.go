// Package store keeps task definitions and task outcomes in a MySQL control database.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/TFMV/resync/config"
	"github.com/TFMV/resync/pkg/core"
)

// TaskResultLog is one row of task_result_log.
type TaskResultLog struct {
	ID                uint      `gorm:"column:id;primaryKey;autoIncrement"`
	TableID           string    `gorm:"column:table_id;size:64;index"`
	RunID             string    `gorm:"column:run_id;size:64;index"`
	CompareStatus     string    `gorm:"column:compare_status;size:16"`
	CompareMsg        string    `gorm:"column:compare_msg;type:text"`
	SrcTableName      string    `gorm:"column:src_table_name;size:255"`
	TgtTableName      string    `gorm:"column:tgt_table_name;size:255"`
	CheckRange        string    `gorm:"column:check_range;size:128"`
	CheckColumn       string    `gorm:"column:check_column;type:text"`
	SrcCnt            int64     `gorm:"column:src_cnt"`
	TgtCnt            int64     `gorm:"column:tgt_cnt"`
	DiffCnt           int64     `gorm:"column:diff_cnt"`
	MatchingRate      float64   `gorm:"column:matching_rate"`
	CompareStartTime  time.Time `gorm:"column:compare_start_time"`
	CompareEndTime    time.Time `gorm:"column:compare_end_time"`
	CompareCostMinute float64   `gorm:"column:compare_cost_minute"`
	RepairStatus      string    `gorm:"column:repair_status;size:16"`
	RepairCnt         int       `gorm:"column:repair_cnt"`
	RepairMsg         string    `gorm:"column:repair_msg;type:text"`
	RepairJobFile     string    `gorm:"column:repair_job_file;type:text"`
	IsDelete          int       `gorm:"column:is_delete;default:0"`
	CreateTime        time.Time `gorm:"column:create_time;autoCreateTime"`
	UpdateTime        time.Time `gorm:"column:update_time;autoUpdateTime"`
}

func (TaskResultLog) TableName() string { return "task_result_log" }

// TaskConfigInfo is one row of task_config_info. Rows with is_delete = 1 are ignored.
type TaskConfigInfo struct {
	ID              uint   `gorm:"column:id;primaryKey"`
	SrcDBType       string `gorm:"column:src_db_type"`
	SrcHost         string `gorm:"column:src_host"`
	SrcPort         int    `gorm:"column:src_port"`
	SrcUsername     string `gorm:"column:src_username"`
	SrcPassword     string `gorm:"column:src_password"`
	SrcDBName       string `gorm:"column:src_db_name"`
	SrcTableName    string `gorm:"column:src_table_name"`
	TgtDBType       string `gorm:"column:tgt_db_type"`
	TgtHost         string `gorm:"column:tgt_host"`
	TgtPort         int    `gorm:"column:tgt_port"`
	TgtUsername     string `gorm:"column:tgt_username"`
	TgtPassword     string `gorm:"column:tgt_password"`
	TgtDBName       string `gorm:"column:tgt_db_name"`
	TgtTableName    string `gorm:"column:tgt_table_name"`
	PrimaryKeyStr   string `gorm:"column:primary_key_str"`
	UpdateTimeStr   string `gorm:"column:update_time_str"`
	SensitiveStr    string `gorm:"column:sensitive_str"`
	Incremental     bool   `gorm:"column:incremental"`
	IncrementalDays int    `gorm:"column:incremental_days"`
	EnableRepair    bool   `gorm:"column:enable_repair"`
	TimeTolerance   int64  `gorm:"column:time_tolerance"`
	IsDelete        int    `gorm:"column:is_delete"`
}

func (TaskConfigInfo) TableName() string { return "task_config_info" }

// Store reads task definitions and records outcomes.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// DSN builds the go-sql-driver DSN of the control database.
func DSN(cfg config.TaskStoreConfig) string {
	c := driver.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c.DBName = cfg.Name
	c.ParseTime = true
	c.Loc = time.UTC
	return c.FormatDSN()
}

// Open connects to the control database.
func Open(cfg config.TaskStoreConfig, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(mysql.Open(DSN(cfg)), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, core.Transient("open task store", fmt.Errorf("failed to open task store %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err))
	}
	return New(db, logger), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Name identifies the store in logs.
func (s *Store) Name() string { return "task_result_log" }

// Migrate creates or updates both tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&TaskConfigInfo{}, &TaskResultLog{})
}

// SaveOutcome appends one row to task_result_log.
func (s *Store) SaveOutcome(ctx context.Context, out core.TaskOutcome) error {
	row := resultRow(out)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert result of task %s: %w", out.TaskID, err)
	}
	s.logger.Debug("Outcome recorded", zap.String("task", out.TaskID), zap.Uint("row", row.ID))
	return nil
}

func resultRow(out core.TaskOutcome) TaskResultLog {
	return TaskResultLog{
		TableID:           out.TaskID,
		RunID:             out.RunID,
		CompareStatus:     string(out.Status),
		CompareMsg:        out.Message,
		SrcTableName:      out.SourceTable,
		TgtTableName:      out.TargetTable,
		CheckRange:        out.CheckRange,
		CheckColumn:       strings.Join(out.CheckColumns, ","),
		SrcCnt:            out.SourceCount,
		TgtCnt:            out.TargetCount,
		DiffCnt:           out.DiffCount,
		MatchingRate:      out.MatchingRate,
		CompareStartTime:  out.StartTime,
		CompareEndTime:    out.EndTime,
		CompareCostMinute: out.CostMinutes,
		RepairStatus:      out.RepairStatus,
		RepairCnt:         out.RepairCount,
		RepairMsg:         out.RepairMessage,
		RepairJobFile:     strings.Join(out.JobFiles, ","),
	}
}

// LoadTaskConfigs returns the live task definitions, all of them or only the given ids.
func (s *Store) LoadTaskConfigs(ctx context.Context, ids ...string) ([]config.TaskConfig, error) {
	q := s.db.WithContext(ctx).Where("is_delete = ?", 0)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	var rows []TaskConfigInfo
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, &core.TransientIOError{Op: "load task configs", Err: err}
	}

	tasks := make([]config.TaskConfig, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.TaskConfig())
	}
	s.logger.Info("Loaded task configs", zap.Int("count", len(tasks)))
	return tasks, nil
}

// TaskConfig converts the row. Column lists are comma separated.
func (r TaskConfigInfo) TaskConfig() config.TaskConfig {
	repair := r.EnableRepair
	incremental := r.Incremental
	t := config.TaskConfig{
		ID: strconv.FormatUint(uint64(r.ID), 10),
		Source: config.EndpointConfig{
			Kind:             r.SrcDBType,
			Host:             r.SrcHost,
			Port:             r.SrcPort,
			User:             r.SrcUsername,
			Password:         r.SrcPassword,
			Database:         r.SrcDBName,
			Table:            r.SrcTableName,
			PrimaryKeys:      splitList(r.PrimaryKeyStr),
			FreshnessColumn:  strings.TrimSpace(r.UpdateTimeStr),
			SensitiveColumns: splitList(r.SensitiveStr),
		},
		Target: config.EndpointConfig{
			Kind:     r.TgtDBType,
			Host:     r.TgtHost,
			Port:     r.TgtPort,
			User:     r.TgtUsername,
			Password: r.TgtPassword,
			Database: r.TgtDBName,
			Table:    r.TgtTableName,
		},
		RepairEnabled: &repair,
		Incremental:   &incremental,
	}
	if r.IncrementalDays > 0 {
		days := r.IncrementalDays
		t.IncrementalDays = &days
	}
	if r.TimeTolerance > 0 {
		tol := r.TimeTolerance
		t.FreshnessToleranceSeconds = &tol
	}
	return t
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
