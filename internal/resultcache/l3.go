package resultcache

import "context"

// RemoteCache is the L3 tier (§4.7): an optional remote key/value store.
// Per spec this tier is "interface only" — a thin get/put contract that a
// deployment can back with whatever shared store it has (an object store,
// a managed KV service, another Nova cluster's L2). No concrete
// implementation ships here.
type RemoteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}
