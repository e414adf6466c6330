package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a lease only if the caller still holds it, so a
// scheduler whose lease expired mid-pass cannot release a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaseKeeper coordinates single-runner exclusion for the holdback scheduler
// across processes. The ledger's idempotent writes already make concurrent
// passes safe; the lease just stops redundant work.
type LeaseKeeper struct {
	client *redis.Client
	holder string
}

func NewLeaseKeeper(addr, password string, db int, holder string) *LeaseKeeper {
	return &LeaseKeeper{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		holder: holder,
	}
}

// Acquire takes the named lease for ttl. Returns false without error when
// another holder has it.
func (k *LeaseKeeper) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := k.client.SetNX(ctx, leaseKey(name), k.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return ok, nil
}

// Release drops the lease if this keeper still holds it.
func (k *LeaseKeeper) Release(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, k.client, []string{leaseKey(name)}, k.holder).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

func (k *LeaseKeeper) Close() error { return k.client.Close() }

func leaseKey(name string) string { return "settld:lease:" + name }
