package lock

import (
	"context"
	"errors"
	"time"

	"github.com/iago/wa-tenancy/internal/store"
	"github.com/iago/wa-tenancy/internal/tenancy"
)

// StoreBackend keeps locks as tenant_locks rows, one per (tenant, purpose).
// Every call runs scoped to the key's tenant.
type StoreBackend struct {
	guard *store.Guard
	now   func() time.Time
}

func NewStoreBackend(guard *store.Guard) *StoreBackend {
	return &StoreBackend{guard: guard, now: time.Now}
}

func (b *StoreBackend) scoped(ctx context.Context, key Key) context.Context {
	return tenancy.WithContext(ctx, tenancy.Context{TenantID: key.TenantID, ActorID: "lock"})
}

// TryAcquire takes over an expired row with a conditional update, or inserts a
// fresh one. The row is then re-read and the lock counts as granted only when
// it carries this attempt's owner and acquisition time.
func (b *StoreBackend) TryAcquire(ctx context.Context, key Key, owner string, ttl time.Duration) (bool, error) {
	ctx = b.scoped(ctx, key)
	// timestamptz keeps microseconds; the re-read comparison must survive the round trip.
	now := b.now().UTC().Truncate(time.Microsecond)
	expiresAt := now.Add(ttl)

	taken, err := b.guard.UpdateMany(ctx, store.KindLocks,
		store.Filter{store.Eq("purpose", key.Purpose), store.Lte("expires_at", now)},
		store.Record{"owner": owner, "acquired_at": now, "expires_at": expiresAt},
	)
	if err != nil {
		return false, err
	}
	if taken == 0 {
		_, err := b.guard.Create(ctx, store.KindLocks, store.Record{
			"purpose":     key.Purpose,
			"owner":       owner,
			"acquired_at": now,
			"expires_at":  expiresAt,
		})
		if errors.Is(err, store.ErrDuplicate) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}

	row, err := b.guard.FindOne(ctx, store.KindLocks, store.Filter{store.Eq("purpose", key.Purpose)})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return store.String(row, "owner") == owner && store.Time(row, "acquired_at").Equal(now), nil
}

// Release deletes the row only while this owner still holds it.
func (b *StoreBackend) Release(ctx context.Context, key Key, owner string) error {
	_, err := b.guard.DeleteMany(b.scoped(ctx, key), store.KindLocks,
		store.Filter{store.Eq("purpose", key.Purpose), store.Eq("owner", owner)},
	)
	return err
}
