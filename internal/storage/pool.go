package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Pool is a bounded set of reusable SQLite handles against one database file.
// Handles are *sql.Conn values pinned from a single *sql.DB so each one keeps
// its own SQLite session and pragmas.
type Pool struct {
	db     *sql.DB
	config *Config
	log    *zap.Logger

	// slots holds one token per live handle, idle or checked out.
	slots chan struct{}
	idle  chan *sql.Conn

	mu     sync.RWMutex
	closed bool

	// OnWait observes how long Acquire blocked. Optional.
	OnWait func(time.Duration)
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Live int
	Idle int
	Max  int
}

// NewPool opens the database and returns an empty pool. Handles are created
// lazily by Acquire.
func NewPool(config *Config, log *zap.Logger) (*Pool, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.MaxConnections <= 0 {
		return nil, fmt.Errorf("max connections must be positive, got %d", config.MaxConnections)
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := openDB(config)
	if err != nil {
		return nil, err
	}

	return &Pool{
		db:     db,
		config: config,
		log:    log.Named("pool"),
		slots:  make(chan struct{}, config.MaxConnections),
		idle:   make(chan *sql.Conn, config.MaxConnections),
	}, nil
}

// Path returns the database file path.
func (p *Pool) Path() string {
	return p.config.Path
}

// DB returns an sqlx view of the underlying database for read-only queries
// that do not need a pinned handle.
func (p *Pool) DB() *sqlx.DB {
	return sqlx.NewDb(p.db, DriverName)
}

// Acquire returns an idle handle, creates a new one while below the bound,
// or waits up to the configured timeout for one to be released.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case conn := <-p.idle:
		return conn, nil
	default:
	}

	select {
	case p.slots <- struct{}{}:
		return p.newConn(ctx)
	default:
	}

	start := time.Now()
	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	defer func() {
		if p.OnWait != nil {
			p.OnWait(time.Since(start))
		}
	}()

	select {
	case conn := <-p.idle:
		return conn, nil
	case p.slots <- struct{}{}:
		return p.newConn(ctx)
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s (max connections %d)", ErrPoolTimeout, p.config.AcquireTimeout, p.config.MaxConnections)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// newConn creates and configures a handle. The caller already holds a slot.
func (p *Pool) newConn(ctx context.Context) (*sql.Conn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		<-p.slots
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	for _, pragma := range p.config.pragmas() {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			p.discard(conn)
			return nil, &DatabaseError{Op: "configure connection", Query: pragma, Err: err}
		}
	}

	p.log.Debug("Opened pooled connection", zap.Int("live", len(p.slots)))
	return conn, nil
}

// Release returns conn to the pool. useErr is the outcome of the work done
// with the handle; ShouldDiscard decides whether the handle is recycled or
// closed.
func (p *Pool) Release(conn *sql.Conn, useErr error) {
	if conn == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || ShouldDiscard(useErr) {
		if useErr != nil {
			p.log.Debug("Discarding connection after error", zap.Error(useErr))
		}
		p.discard(conn)
		return
	}

	select {
	case p.idle <- conn:
	default:
		p.discard(conn)
	}
}

// discard closes the handle's driver connection and frees its slot.
func (p *Pool) discard(conn *sql.Conn) {
	// Returning ErrBadConn makes database/sql close the driver connection
	// instead of parking it in its own idle list.
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
	<-p.slots
}

// With acquires a handle, runs fn and releases the handle with fn's error.
func (p *Pool) With(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			p.Release(conn, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err = fn(conn)
	p.Release(conn, err)
	return err
}

// Stats reports live and idle handle counts.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Live: len(p.slots),
		Idle: len(p.idle),
		Max:  p.config.MaxConnections,
	}
}

// CloseAll closes idle handles and then the database. Handles still checked
// out are closed with the database and must not be used afterwards.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.idle:
			_ = conn.Close()
			<-p.slots
		default:
			if err := p.db.Close(); err != nil {
				return fmt.Errorf("failed to close database: %w", err)
			}
			return nil
		}
	}
}
