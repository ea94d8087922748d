package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPoolReusesIdleConnection(t *testing.T) {
	pool := setupTestPool(t, 2)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	pool.Release(conn, nil)

	stats := pool.Stats()
	if stats.Idle != 1 {
		t.Errorf("Expected 1 idle connection, got %d", stats.Idle)
	}

	again, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire again: %v", err)
	}
	if again != conn {
		t.Error("Expected the idle connection to be reused")
	}
	pool.Release(again, nil)
}

func TestPoolAppliesPragmas(t *testing.T) {
	pool := setupTestPool(t, 1)
	ctx := context.Background()

	err := pool.With(ctx, func(conn *sql.Conn) error {
		var mode string
		if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			return err
		}
		if mode != "wal" {
			t.Errorf("Expected journal_mode wal, got %s", mode)
		}

		var tempStore int
		if err := conn.QueryRowContext(ctx, "PRAGMA temp_store").Scan(&tempStore); err != nil {
			return err
		}
		if tempStore != 2 {
			t.Errorf("Expected temp_store MEMORY (2), got %d", tempStore)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to query pragmas: %v", err)
	}
}

func TestPoolAcquireTimeout(t *testing.T) {
	pool := setupTestPool(t, 1)
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	defer pool.Release(held, nil)

	start := time.Now()
	_, err = pool.Acquire(ctx)
	if !errors.Is(err, ErrPoolTimeout) {
		t.Fatalf("Expected ErrPoolTimeout, got %v", err)
	}
	if waited := time.Since(start); waited < 150*time.Millisecond {
		t.Errorf("Expected Acquire to wait for the timeout, returned after %s", waited)
	}
}

func TestPoolWaiterGetsReleasedConnection(t *testing.T) {
	pool := setupTestPool(t, 1)
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		pool.Release(held, nil)
	}()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Expected waiter to receive released connection, got %v", err)
	}
	pool.Release(conn, nil)
}

func TestPoolDiscardsOnError(t *testing.T) {
	pool := setupTestPool(t, 2)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	pool.Release(conn, errors.New("constraint failed"))

	stats := pool.Stats()
	if stats.Live != 0 || stats.Idle != 0 {
		t.Errorf("Expected discarded connection to free its slot, got %+v", stats)
	}

	conn, err = pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	pool.Release(conn, fmt.Errorf("exec: %w", errors.New("database is locked")))

	stats = pool.Stats()
	if stats.Idle != 1 {
		t.Errorf("Expected lock contention to recycle the connection, got %+v", stats)
	}
}

func TestPoolBoundUnderConcurrency(t *testing.T) {
	pool := setupTestPool(t, 3)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		maxLive int
		wg      sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.With(ctx, func(conn *sql.Conn) error {
				mu.Lock()
				if live := pool.Stats().Live; live > maxLive {
					maxLive = live
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			if err != nil {
				t.Errorf("With failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxLive > 3 {
		t.Errorf("Expected at most 3 live connections, saw %d", maxLive)
	}
}

func TestPoolCloseAll(t *testing.T) {
	pool := setupTestPool(t, 2)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	pool.Release(conn, nil)

	if err := pool.CloseAll(); err != nil {
		t.Fatalf("Failed to close pool: %v", err)
	}
	if _, err := pool.Acquire(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
	if err := pool.CloseAll(); err != nil {
		t.Errorf("Expected second CloseAll to be a no-op, got %v", err)
	}
}

func TestShouldDiscard(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), false},
		{"wrapped locked", &DatabaseError{Op: "exec", Err: errors.New("database is locked")}, false},
		{"constraint", errors.New("NOT NULL constraint failed: cards.name"), true},
		{"cancelled", context.Canceled, true},
		{"deadline", fmt.Errorf("exec: %w", context.DeadlineExceeded), true},
		{"locked then rollback failed", fmt.Errorf("%w: %w", ErrRollbackFailed, errors.New("database is locked")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldDiscard(tt.err); got != tt.want {
				t.Errorf("ShouldDiscard(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
