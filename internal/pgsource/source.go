// Package pgsource turns the ways a caller can name a PostgreSQL database into
// one live connection the event loop can poll, and issues the LISTEN and
// pg_notify statements on it.
//
// Three sources are supported:
//   - [DSN]: a connection string, connected with pgx and owned by the caller
//     of [Source.Canonicalize].
//   - [Pool]: a pgxpool pool, from which one connection is acquired and
//     hijacked, so it never returns to the pool.
//   - [Existing]: an already open *pgx.Conn, used as-is and never closed here.
package pgsource

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ///////////////////////////////////////////////
// Errors
// ///////////////////////////////////////////////

// ErrInTransaction is returned when a connection is inside a transaction block.
// LISTEN inside a transaction only takes effect on commit, and notifications
// are never delivered to a session while it is in one.
var ErrInTransaction = errors.New("pgsource: connection is inside a transaction")

// ErrClosed is returned by operations on a closed [Conn].
var ErrClosed = errors.New("pgsource: connection closed")

// ///////////////////////////////////////////////
// Source
// ///////////////////////////////////////////////

// Source is anything that can produce a connection for listening or
// publishing.
type Source interface {
	// Canonicalize returns a dedicated connection ready for polling.
	Canonicalize(ctx context.Context) (*Conn, error)
	// do runs fn on a connection for a single short operation, releasing it
	// afterwards when it was opened for the call.
	do(ctx context.Context, fn func(context.Context, *pgx.Conn) error) error
	// String describes the source for logs without credentials.
	String() string
}

// DSN returns a source that opens a new connection from a connection string
// or URL understood by pgx.
func DSN(dsn string) Source {
	return dsnSource(dsn)
}

// Pool returns a source that takes connections from p.
func Pool(p *pgxpool.Pool) Source {
	return poolSource{pool: p}
}

// Existing returns a source wrapping an open connection. The connection is
// never closed by this package.
func Existing(c *pgx.Conn) Source {
	return existingSource{conn: c}
}

type dsnSource string

func (s dsnSource) Canonicalize(ctx context.Context) (*Conn, error) {
	pg, err := pgx.Connect(ctx, string(s))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return wrap(ctx, pg, true)
}

func (s dsnSource) do(ctx context.Context, fn func(context.Context, *pgx.Conn) error) error {
	pg, err := pgx.Connect(ctx, string(s))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pg.Close(context.WithoutCancel(ctx))
	return fn(ctx, pg)
}

func (s dsnSource) String() string {
	cfg, err := pgx.ParseConfig(string(s))
	if err != nil {
		return "dsn(invalid)"
	}
	return fmt.Sprintf("dsn(%s@%s:%d/%s)", cfg.User, cfg.Host, cfg.Port, cfg.Database)
}

type poolSource struct {
	pool *pgxpool.Pool
}

func (s poolSource) Canonicalize(ctx context.Context) (*Conn, error) {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire from pool: %w", err)
	}
	// A listening session holds server-side state, so it leaves the pool.
	return wrap(ctx, pc.Hijack(), true)
}

func (s poolSource) do(ctx context.Context, fn func(context.Context, *pgx.Conn) error) error {
	return s.pool.AcquireFunc(ctx, func(pc *pgxpool.Conn) error {
		return fn(ctx, pc.Conn())
	})
}

func (s poolSource) String() string {
	cfg := s.pool.Config().ConnConfig
	return fmt.Sprintf("pool(%s@%s:%d/%s)", cfg.User, cfg.Host, cfg.Port, cfg.Database)
}

type existingSource struct {
	conn *pgx.Conn
}

func (s existingSource) Canonicalize(ctx context.Context) (*Conn, error) {
	return wrap(ctx, s.conn, false)
}

func (s existingSource) do(ctx context.Context, fn func(context.Context, *pgx.Conn) error) error {
	return fn(ctx, s.conn)
}

func (s existingSource) String() string {
	cfg := s.conn.Config()
	return fmt.Sprintf("conn(%s@%s:%d/%s)", cfg.User, cfg.Host, cfg.Port, cfg.Database)
}
