package utils

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MySQL rejects lock names longer than 64 characters.
const maxAdvisoryLockName = 64

// MySQLLocker serializes writers with MySQL advisory locks (GET_LOCK).
// GET_LOCK is connection-scoped, so every lease pins one pooled connection until Release.
// The ttl argument is ignored: a crashed holder loses the lock when its connection drops.
type MySQLLocker struct {
	db *gorm.DB
}

func NewMySQLLocker(db *gorm.DB) *MySQLLocker {
	return &MySQLLocker{db: db}
}

func advisoryLockName(key string) string {
	if len(key) <= maxAdvisoryLockName {
		return key
	}
	sum := sha1.Sum([]byte(key))
	return "lock:" + hex.EncodeToString(sum[:])
}

// advisoryWaitSeconds spreads the retry budget into GET_LOCK's own wait timeout.
func advisoryWaitSeconds(policy RetryPolicy) int {
	if policy.Retries <= 0 {
		return 0
	}
	budget := time.Duration(policy.Retries) * policy.MaxDelay
	return int(math.Ceil(budget.Seconds()))
}

func (l *MySQLLocker) Acquire(ctx context.Context, key string, _ time.Duration, policy RetryPolicy) (Lease, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("service not ready (db lock not initialized)")
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}

	name := advisoryLockName(key)
	var ok sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, advisoryWaitSeconds(policy)).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ok.Valid || ok.Int64 != 1 {
		_ = conn.Close()
		return nil, ErrLockNotObtained
	}
	return &advisoryLease{conn: conn, key: key, name: name, token: uuid.NewString()}, nil
}

type advisoryLease struct {
	conn  *sql.Conn
	key   string
	name  string
	token string
}

func (l *advisoryLease) Key() string   { return l.key }
func (l *advisoryLease) Token() string { return l.token }

func (l *advisoryLease) Release(ctx context.Context) error {
	if l.conn == nil {
		return ErrLockNotHeld
	}
	defer func() {
		_ = l.conn.Close()
		l.conn = nil
	}()
	var released sql.NullInt64
	if err := l.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", l.name).Scan(&released); err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	if !released.Valid || released.Int64 != 1 {
		return ErrLockNotHeld
	}
	return nil
}
