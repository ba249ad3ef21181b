// Package singleflight re-exports golang.org/x/sync/singleflight's Group
// under the pool package's internal import path, so cold-start
// deduplication reads as pool-internal machinery while still running the
// real, battle-tested implementation.
package singleflight

import "golang.org/x/sync/singleflight"

// Group deduplicates concurrent calls sharing the same key: only one call
// executes, and every caller sharing that key receives its result.
type Group = singleflight.Group
