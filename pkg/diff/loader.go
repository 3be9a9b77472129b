package diff

import (
	"context"
	"fmt"

	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/pkg/retry"
	"go.uber.org/zap"
)

// RowSource is the subset of an endpoint adapter the loader needs.
type RowSource interface {
	RowCount(ctx context.Context, filter string) (int64, error)
	QueryRows(ctx context.Context, q core.RowQuery) ([]core.Row, error)
}

// LoadRequest describes what to load from one side.
type LoadRequest struct {
	Columns []string
	Filter  string

	// OrderBy should be the key columns; limit/offset paging is not stable without it, and is
	// still not stable against concurrent writes.
	OrderBy []string

	// ChunkSize is the page size used once the row count exceeds it. Zero loads in one query.
	ChunkSize int64
}

// Loader fetches all rows of one side, paging when the table is large.
type Loader struct {
	Retry  *retry.Policy
	Logger *zap.Logger
}

// Count returns the filtered row count of src.
func (l *Loader) Count(ctx context.Context, src RowSource, filter string) (int64, error) {
	var n int64
	err := l.Retry.Do(ctx, "row count", func(ctx context.Context) error {
		var err error
		n, err = src.RowCount(ctx, filter)
		return err
	})
	return n, err
}

// Load returns every row of src matching req. total is the row count used to decide paging.
func (l *Loader) Load(ctx context.Context, src RowSource, req LoadRequest, total int64) ([]core.Row, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	base := core.RowQuery{Columns: req.Columns, Filter: req.Filter, OrderBy: req.OrderBy}
	if req.ChunkSize <= 0 || total <= req.ChunkSize {
		var rows []core.Row
		err := l.Retry.Do(ctx, "load rows", func(ctx context.Context) error {
			var err error
			rows, err = src.QueryRows(ctx, base)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load rows: %w", err)
		}
		return rows, nil
	}

	rows := make([]core.Row, 0, total)
	for offset := int64(0); offset < total; offset += req.ChunkSize {
		q := base
		q.Limit = req.ChunkSize
		q.Offset = offset

		var page []core.Row
		err := l.Retry.Do(ctx, "load page", func(ctx context.Context) error {
			var err error
			page, err = src.QueryRows(ctx, q)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load rows at offset %d: %w", offset, err)
		}
		logger.Debug("Loaded page",
			zap.Int64("offset", offset),
			zap.Int("rows", len(page)))
		rows = append(rows, page...)
		if int64(len(page)) < req.ChunkSize {
			break
		}
	}
	return rows, nil
}
