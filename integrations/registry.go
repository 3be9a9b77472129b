package integrations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/pkg/schema"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Opener creates the pooled database of an endpoint identity.
type Opener func(ctx context.Context, ep core.Endpoint) (Database, error)

// BreakerSettings configure the circuit breaker guarding each pool.
type BreakerSettings struct {
	FailureThreshold uint32
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
}

// DefaultBreakerSettings trips after five consecutive transient failures and probes again after
// thirty seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, MaxRequests: 1, Interval: time.Minute, Timeout: 30 * time.Second}
}

type pool struct {
	db      Database
	breaker *gobreaker.CircuitBreaker
}

// Registry hands out connections from one pool per endpoint identity. It is safe for concurrent
// use and owns every pool it opens.
type Registry struct {
	mu       sync.Mutex
	opening  singleflight.Group
	openers  map[string]Opener
	pools    map[string]*pool
	settings BreakerSettings
	logger   *zap.Logger
}

// NewRegistry returns a registry with SQL openers for mysql, postgresql, sqlserver and oracle.
func NewRegistry(logger *zap.Logger, settings BreakerSettings, options ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		openers:  make(map[string]Opener),
		pools:    make(map[string]*pool),
		settings: settings,
		logger:   logger,
	}
	sqlOpener := SQLOpener(options...)
	for kind := range dialects {
		r.openers[kind] = sqlOpener
	}
	return r
}

// SQLOpener opens database/sql pools with options.
func SQLOpener(options ...Option) Opener {
	return func(ctx context.Context, ep core.Endpoint) (Database, error) {
		db, err := NewSQLDatabase(ctx, ep, options...)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

// Register sets the opener for an engine kind.
func (r *Registry) Register(kind string, o Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[schema.NormalizeKind(kind)] = o
}

// Acquire returns a connection bound to the table of ep. The caller must Close it.
func (r *Registry) Acquire(ctx context.Context, ep core.Endpoint) (Connection, error) {
	p, err := r.pool(ctx, ep)
	if err != nil {
		return nil, err
	}
	var conn Connection
	err = guard(p.breaker, func() error {
		var err error
		conn, err = p.db.OpenConnection(ctx, ep)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &guardedConn{Connection: conn, breaker: p.breaker}, nil
}

// pool returns the pool of ep, opening it on first use. Opening happens outside r.mu so a slow
// endpoint does not hold up the others; concurrent opens of one identity share a single attempt.
func (r *Registry) pool(ctx context.Context, ep core.Endpoint) (*pool, error) {
	id := ep.Identity()

	r.mu.Lock()
	p, ok := r.pools[id]
	open, known := r.openers[schema.NormalizeKind(ep.Kind)]
	r.mu.Unlock()
	if ok {
		return p, nil
	}
	if !known {
		return nil, core.NewConfigurationError("kind", "unsupported engine kind %q", ep.Kind)
	}

	v, err, _ := r.opening.Do(id, func() (interface{}, error) {
		r.mu.Lock()
		p, ok := r.pools[id]
		r.mu.Unlock()
		if ok {
			return p, nil
		}

		db, err := open(ctx, ep)
		if err != nil {
			return nil, err
		}
		p = r.newPool(id, db)

		r.mu.Lock()
		r.pools[id] = p
		r.mu.Unlock()
		r.logger.Info("Opened connection pool", zap.String("endpoint", id))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pool), nil
}

func (r *Registry) newPool(id string, db Database) *pool {
	s := r.settings
	return &pool{
		db: db,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        id,
			MaxRequests: s.MaxRequests,
			Interval:    s.Interval,
			Timeout:     s.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return s.FailureThreshold > 0 && counts.ConsecutiveFailures >= s.FailureThreshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				r.logger.Warn("Circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

// ConnCount returns the open connections per endpoint identity.
func (r *Registry) ConnCount() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.pools))
	for id, p := range r.pools {
		out[id] = p.db.ConnCount()
	}
	return out
}

// Close closes every pool.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, p := range r.pools {
		if err := p.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	r.pools = make(map[string]*pool)
	return errors.Join(errs...)
}

// guard runs fn through the breaker. Only transient failures count against it; other errors
// pass through without tripping.
func guard(cb *gobreaker.CircuitBreaker, fn func() error) error {
	var permanent error
	_, err := cb.Execute(func() (interface{}, error) {
		err := fn()
		if err != nil && !core.IsTransient(err) {
			permanent = err
			return nil, nil
		}
		return nil, err
	})
	if permanent != nil {
		return permanent
	}
	return err
}

// guardedConn routes every adapter call through the pool breaker.
type guardedConn struct {
	Connection
	breaker *gobreaker.CircuitBreaker
}

func (g *guardedConn) RowCount(ctx context.Context, filter string) (n int64, err error) {
	err = guard(g.breaker, func() error {
		n, err = g.Connection.RowCount(ctx, filter)
		return err
	})
	return n, err
}

func (g *guardedConn) ColumnsMetadata(ctx context.Context) (cols []core.ColumnMeta, err error) {
	err = guard(g.breaker, func() error {
		cols, err = g.Connection.ColumnsMetadata(ctx)
		return err
	})
	return cols, err
}

func (g *guardedConn) PrimaryKeys(ctx context.Context) (keys []string, err error) {
	err = guard(g.breaker, func() error {
		keys, err = g.Connection.PrimaryKeys(ctx)
		return err
	})
	return keys, err
}

func (g *guardedConn) QueryRows(ctx context.Context, q core.RowQuery) (rows []core.Row, err error) {
	err = guard(g.breaker, func() error {
		rows, err = g.Connection.QueryRows(ctx, q)
		return err
	})
	return rows, err
}
