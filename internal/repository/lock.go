package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker hands out per-entity leases so that a slow bootstrap is not
// re-triggered by the next reconciliation tick or an operator action.
type Locker interface {
	// TryLock acquires the lease for (kind, id) without waiting. When the
	// lease is held elsewhere it returns acquired=false and a nil release.
	TryLock(ctx context.Context, kind string, id int64) (release func(), acquired bool, err error)
}

var lockKinds = map[string]int64{
	"server": 1,
	"panel":  2,
}

// advisoryKey packs the entity kind into the top byte of the lock key.
func advisoryKey(kind string, id int64) (int64, error) {
	code, ok := lockKinds[kind]
	if !ok {
		return 0, fmt.Errorf("unknown lock kind %q", kind)
	}
	return code<<56 | (id & (1<<56 - 1)), nil
}

// AdvisoryLocker implements Locker with PostgreSQL session advisory locks.
// The lease lives on a dedicated pooled connection; if the process dies the
// connection closes and PostgreSQL releases the lock.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, kind string, id int64) (func(), bool, error) {
	key, err := advisoryKey(kind, id)
	if err != nil {
		return nil, false, err
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
				// 解锁失败时丢弃连接，由 PostgreSQL 在会话结束时释放锁
				_ = conn.Conn().Close(unlockCtx)
			}
			conn.Release()
		})
	}
	return release, true, nil
}

// MemoryLocker implements Locker inside one process. A lease older than ttl
// is treated as expired and may be taken over.
type MemoryLocker struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	seq    uint64
	leases map[string]lease
}

type lease struct {
	token    uint64
	acquired time.Time
}

func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	return &MemoryLocker{
		ttl:    ttl,
		now:    time.Now,
		leases: make(map[string]lease),
	}
}

func (l *MemoryLocker) TryLock(_ context.Context, kind string, id int64) (func(), bool, error) {
	if _, err := advisoryKey(kind, id); err != nil {
		return nil, false, err
	}
	key := fmt.Sprintf("%s/%d", kind, id)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && (l.ttl <= 0 || now.Sub(held.acquired) < l.ttl) {
		return nil, false, nil
	}

	l.seq++
	token := l.seq
	l.leases[key] = lease{token: token, acquired: now}

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		// a lease taken over after expiry belongs to someone else now
		if held, ok := l.leases[key]; ok && held.token == token {
			delete(l.leases, key)
		}
	}
	return release, true, nil
}
