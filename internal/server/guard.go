package server

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/obstack/obsync/oid"
)

// guard tracks object ids claimed by an in-flight transfer, shared across
// all connection handlers. Entries expire after a TTL so a transfer that
// died without releasing its claims cannot wedge an id forever; the happy
// path releases explicitly.
type guard struct {
	cache *ttlcache.Cache[oid.ID, struct{}]
}

func newGuard(ttl time.Duration) *guard {
	c := ttlcache.New(
		ttlcache.WithTTL[oid.ID, struct{}](ttl),
		ttlcache.WithDisableTouchOnHit[oid.ID, struct{}](),
	)
	go c.Start()
	return &guard{cache: c}
}

// tryAcquire claims id for the caller. Returns false if another transfer
// already holds it.
func (g *guard) tryAcquire(id oid.ID) bool {
	_, existed := g.cache.GetOrSet(id, struct{}{})
	return !existed
}

func (g *guard) release(id oid.ID) {
	g.cache.Delete(id)
}

func (g *guard) held(id oid.ID) bool {
	return g.cache.Get(id) != nil
}

func (g *guard) stop() {
	g.cache.Stop()
}
