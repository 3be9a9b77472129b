// Package integrations provides pooled access to the database endpoints being reconciled.
package integrations

import (
	"context"
	"time"

	"github.com/TFMV/resync/pkg/core"
	"github.com/jmoiron/sqlx"
)

// Database represents one pooled database engine shared by every table on it.
type Database interface {
	// OpenConnection takes a connection from the pool, bound to the table of ep.
	OpenConnection(ctx context.Context, ep core.Endpoint) (Connection, error)
	// Close closes the database and all its connections
	Close() error
	// ConnCount returns number of open connections
	ConnCount() int
}

// Connection is an endpoint adapter holding a pooled connection until Close.
type Connection interface {
	core.EndpointAdapter
	// Close returns the connection to its pool
	Close() error
}

// Options configure SQL databases.
type Options struct {
	// DriverName overrides the database/sql driver registered for the kind.
	DriverName string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// ConnectTimeout bounds the initial ping.
	ConnectTimeout time.Duration

	// DB injects an already opened handle, mostly for tests.
	DB *sqlx.DB
}

type Option func(*Options)

// WithDriverName selects the database/sql driver.
func WithDriverName(name string) Option {
	return func(o *Options) {
		o.DriverName = name
	}
}

// WithPool sets the pool sizing.
func WithPool(maxOpen, maxIdle int, lifetime time.Duration) Option {
	return func(o *Options) {
		o.MaxOpenConns = maxOpen
		o.MaxIdleConns = maxIdle
		o.ConnMaxLifetime = lifetime
	}
}

// WithConnectTimeout bounds the ping made when the database is opened.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ConnectTimeout = d
	}
}

// WithDB uses db instead of opening a new handle.
func WithDB(db *sqlx.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

func defaultOptions() Options {
	return Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}
