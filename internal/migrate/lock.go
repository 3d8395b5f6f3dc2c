package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dusk-indust/kgschema/internal/graph"
)

var (
	// ErrMigrationInProgress is returned when another owner holds the migration lock.
	ErrMigrationInProgress = errors.New("migrate: migration in progress")
	// ErrLockLost is returned when a heartbeat finds the lease taken over.
	ErrLockLost = errors.New("migrate: migration lock lost")
)

// LockHeldError names the current holder of a contended lock.
type LockHeldError struct {
	Holder graph.LockRow
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("migrate: lock %s held by %s until %s",
		e.Holder.Name, e.Holder.Owner, e.Holder.ExpiresAt.Format(time.RFC3339))
}

func (e *LockHeldError) Unwrap() error { return ErrMigrationInProgress }

// LockStore is the slice of graph.Store that persists lock markers.
type LockStore interface {
	AcquireLock(ctx context.Context, lock graph.LockRow, now time.Time) (graph.LockRow, bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// Locker hands out leases on a single named lock marker. Acquisition never
// waits: contention fails fast with ErrMigrationInProgress.
type Locker struct {
	store  LockStore
	name   string
	owner  string
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewLocker creates a Locker for the lock called name.
func NewLocker(store LockStore, name, owner string, ttl time.Duration, now func() time.Time, logger *zap.Logger) *Locker {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{store: store, name: name, owner: owner, ttl: ttl, now: now, logger: logger}
}

// Acquire takes the lock with a fresh token.
func (l *Locker) Acquire(ctx context.Context) (*Lease, error) {
	lease := &Lease{locker: l, token: uuid.NewString()}
	if err := lease.write(ctx); err != nil {
		return nil, err
	}
	l.logger.Debug("migration lock acquired",
		zap.String("lock", l.name),
		zap.String("owner", l.owner),
		zap.Duration("ttl", l.ttl),
	)
	return lease, nil
}

// Lease is a held lock. Renew extends it; Release gives it up.
type Lease struct {
	locker    *Locker
	token     string
	expiresAt time.Time
}

// Token returns the lease's owner token.
func (ls *Lease) Token() string { return ls.token }

// ExpiresAt returns when the lease lapses unless renewed.
func (ls *Lease) ExpiresAt() time.Time { return ls.expiresAt }

// Renew pushes the expiry out by the lock TTL. It fails with ErrLockLost if
// another owner took the lock after this lease expired.
func (ls *Lease) Renew(ctx context.Context) error {
	err := ls.write(ctx)
	var held *LockHeldError
	if errors.As(err, &held) {
		return fmt.Errorf("%w: taken by %s", ErrLockLost, held.Holder.Owner)
	}
	return err
}

// Release deletes the lock marker if this lease still holds it.
func (ls *Lease) Release(ctx context.Context) error {
	l := ls.locker
	if err := l.store.ReleaseLock(ctx, l.name, ls.token); err != nil {
		return fmt.Errorf("migrate: release lock %s: %w", l.name, err)
	}
	l.logger.Debug("migration lock released", zap.String("lock", l.name), zap.String("owner", l.owner))
	return nil
}

func (ls *Lease) write(ctx context.Context) error {
	l := ls.locker
	now := l.now()
	row := graph.LockRow{
		Name:       l.name,
		Owner:      l.owner,
		Token:      ls.token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.ttl),
	}
	holder, ok, err := l.store.AcquireLock(ctx, row, now)
	if err != nil {
		return fmt.Errorf("migrate: acquire lock %s: %w", l.name, err)
	}
	if !ok {
		l.logger.Debug("migration lock already held",
			zap.String("lock", l.name),
			zap.String("holder", holder.Owner),
		)
		return &LockHeldError{Holder: holder}
	}
	ls.expiresAt = row.ExpiresAt
	return nil
}
