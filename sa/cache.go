package sa

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/sigil-dev/sigil/core"
	"github.com/sigil-dev/sigil/metrics"
)

// Cache key families. Single-entity reads and list results live in
// separate buckets so a cross-entity invalidation can conservatively flush
// a whole family without touching the others.
const (
	famIssuer                 = "issuer"
	famBadgeClass             = "badgeClass"
	famAssertion              = "assertion"
	famBadgeClassesByIssuer   = "badgeClasses:byIssuer"
	famAssertionsByBadgeClass = "assertions:byBadgeClass"
	famAssertionsByRecipient  = "assertions:byRecipient"
)

// defaultCacheEntries bounds each family's LRU when the config does not
// say otherwise.
const defaultCacheEntries = 10000

// Cache is the in-process store behind the read-through repository
// decorators. One Cache is shared by all decorated repositories so a
// delete can invalidate dependents across entities. The LRU buckets are
// not goroutine-safe on their own; all access goes through the mutex.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	buckets    map[string]*lru.Cache
	stats      metrics.Scope
}

// NewCache creates an empty cache with the given per-family capacity.
func NewCache(maxEntries int, stats metrics.Scope) *Cache {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	return &Cache{
		maxEntries: maxEntries,
		buckets:    make(map[string]*lru.Cache),
		stats:      stats,
	}
}

func (c *Cache) bucket(family string) *lru.Cache {
	b, ok := c.buckets[family]
	if !ok {
		b = lru.New(c.maxEntries)
		c.buckets[family] = b
	}
	return b
}

func (c *Cache) get(family, key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.bucket(family).Get(lru.Key(key))
	if ok {
		c.stats.Inc("cache.hits", 1)
	} else {
		c.stats.Inc("cache.misses", 1)
	}
	return v, ok
}

func (c *Cache) set(family, key string, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(family).Add(lru.Key(key), v)
}

func (c *Cache) remove(family, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(family).Remove(lru.Key(key))
}

func (c *Cache) flush(family string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buckets, family)
	c.stats.Inc("cache.family_flushes", 1)
}

// CachedIssuerRepository is a read-through decorator over an issuer
// repository. Writes delegate first; invalidation happens only after the
// backend reports success, so a failed write leaves the cached value
// intact and correct.
type CachedIssuerRepository struct {
	inner core.IssuerRepository
	cache *Cache
}

var _ core.IssuerRepository = (*CachedIssuerRepository)(nil)

// NewCachedIssuerRepository wraps inner with the shared cache.
func NewCachedIssuerRepository(inner core.IssuerRepository, cache *Cache) *CachedIssuerRepository {
	return &CachedIssuerRepository{inner: inner, cache: cache}
}

func (r *CachedIssuerRepository) Create(ctx context.Context, issuer *core.Issuer) (*core.Issuer, error) {
	created, err := r.inner.Create(ctx, issuer)
	if err != nil {
		return nil, err
	}
	r.cache.remove(famIssuer, string(created.ID))
	return created, nil
}

func (r *CachedIssuerRepository) FindByID(ctx context.Context, id core.IRI) (*core.Issuer, error) {
	if v, ok := r.cache.get(famIssuer, string(id)); ok {
		return v.(*core.Issuer), nil
	}
	issuer, err := r.inner.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if issuer != nil {
		r.cache.set(famIssuer, string(id), issuer)
	}
	return issuer, nil
}

func (r *CachedIssuerRepository) FindAll(ctx context.Context) ([]*core.Issuer, error) {
	return r.inner.FindAll(ctx)
}

func (r *CachedIssuerRepository) FindAllPaged(ctx context.Context, limit, offset int64) ([]*core.Issuer, error) {
	return r.inner.FindAllPaged(ctx, limit, offset)
}

func (r *CachedIssuerRepository) Update(ctx context.Context, id core.IRI, update core.IssuerUpdate) (*core.Issuer, error) {
	updated, err := r.inner.Update(ctx, id, update)
	if err != nil {
		return nil, err
	}
	r.cache.remove(famIssuer, string(id))
	return updated, nil
}

// Delete removes the issuer and conservatively flushes every family that
// could hold an entity reachable from it.
func (r *CachedIssuerRepository) Delete(ctx context.Context, id core.IRI) (bool, error) {
	deleted, err := r.inner.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		r.cache.remove(famIssuer, string(id))
		r.cache.flush(famBadgeClass)
		r.cache.flush(famBadgeClassesByIssuer)
		r.cache.flush(famAssertion)
		r.cache.flush(famAssertionsByBadgeClass)
		r.cache.flush(famAssertionsByRecipient)
	}
	return deleted, nil
}

// CachedBadgeClassRepository is the read-through decorator over a badge
// class repository. Both the single-entity key and the by-issuer list key
// are maintained.
type CachedBadgeClassRepository struct {
	inner core.BadgeClassRepository
	cache *Cache
}

var _ core.BadgeClassRepository = (*CachedBadgeClassRepository)(nil)

// NewCachedBadgeClassRepository wraps inner with the shared cache.
func NewCachedBadgeClassRepository(inner core.BadgeClassRepository, cache *Cache) *CachedBadgeClassRepository {
	return &CachedBadgeClassRepository{inner: inner, cache: cache}
}

func (r *CachedBadgeClassRepository) Create(ctx context.Context, badgeClass *core.BadgeClass) (*core.BadgeClass, error) {
	created, err := r.inner.Create(ctx, badgeClass)
	if err != nil {
		return nil, err
	}
	r.cache.remove(famBadgeClass, string(created.ID))
	r.cache.remove(famBadgeClassesByIssuer, string(created.IssuerID))
	return created, nil
}

func (r *CachedBadgeClassRepository) FindByID(ctx context.Context, id core.IRI) (*core.BadgeClass, error) {
	if v, ok := r.cache.get(famBadgeClass, string(id)); ok {
		return v.(*core.BadgeClass), nil
	}
	badgeClass, err := r.inner.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if badgeClass != nil {
		r.cache.set(famBadgeClass, string(id), badgeClass)
	}
	return badgeClass, nil
}

func (r *CachedBadgeClassRepository) FindByIssuer(ctx context.Context, issuerID core.IRI) ([]*core.BadgeClass, error) {
	if v, ok := r.cache.get(famBadgeClassesByIssuer, string(issuerID)); ok {
		return v.([]*core.BadgeClass), nil
	}
	list, err := r.inner.FindByIssuer(ctx, issuerID)
	if err != nil {
		return nil, err
	}
	r.cache.set(famBadgeClassesByIssuer, string(issuerID), list)
	return list, nil
}

func (r *CachedBadgeClassRepository) FindByIssuerPaged(ctx context.Context, issuerID core.IRI, limit, offset int64) ([]*core.BadgeClass, error) {
	return r.inner.FindByIssuerPaged(ctx, issuerID, limit, offset)
}

// Update invalidates the entity key and the issuer list keys on both
// sides of a possible issuer reassignment. The previous issuer is read
// from the cached entity when available; otherwise, when the update sets
// an issuer, the whole list family is flushed.
func (r *CachedBadgeClassRepository) Update(ctx context.Context, id core.IRI, update core.BadgeClassUpdate) (*core.BadgeClass, error) {
	var previousIssuer core.IRI
	previousKnown := false
	if v, ok := r.cache.get(famBadgeClass, string(id)); ok {
		previousIssuer = v.(*core.BadgeClass).IssuerID
		previousKnown = true
	}

	updated, err := r.inner.Update(ctx, id, update)
	if err != nil {
		return nil, err
	}
	r.cache.remove(famBadgeClass, string(id))
	r.cache.remove(famBadgeClassesByIssuer, string(updated.IssuerID))
	if previousKnown {
		if previousIssuer != updated.IssuerID {
			r.cache.remove(famBadgeClassesByIssuer, string(previousIssuer))
		}
	} else if update.IssuerID != nil {
		r.cache.flush(famBadgeClassesByIssuer)
	}
	return updated, nil
}

// Delete removes the badge class and conservatively flushes the list
// families whose membership cannot be known without a read.
func (r *CachedBadgeClassRepository) Delete(ctx context.Context, id core.IRI) (bool, error) {
	deleted, err := r.inner.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		r.cache.remove(famBadgeClass, string(id))
		r.cache.flush(famBadgeClassesByIssuer)
		r.cache.flush(famAssertion)
		r.cache.flush(famAssertionsByBadgeClass)
		r.cache.flush(famAssertionsByRecipient)
	}
	return deleted, nil
}

// CachedAssertionRepository is the read-through decorator over an
// assertion repository. Status-list mutations bypass this layer entirely:
// the truth of revocation lives in the status list and is queried
// directly.
type CachedAssertionRepository struct {
	inner core.AssertionRepository
	cache *Cache
}

var _ core.AssertionRepository = (*CachedAssertionRepository)(nil)

// NewCachedAssertionRepository wraps inner with the shared cache.
func NewCachedAssertionRepository(inner core.AssertionRepository, cache *Cache) *CachedAssertionRepository {
	return &CachedAssertionRepository{inner: inner, cache: cache}
}

func (r *CachedAssertionRepository) invalidateLists(a *core.Assertion) {
	r.cache.remove(famAssertionsByBadgeClass, string(a.BadgeClassID))
	if a.Recipient.Identity != "" {
		r.cache.remove(famAssertionsByRecipient, a.Recipient.Identity)
	}
}

func (r *CachedAssertionRepository) Create(ctx context.Context, assertion *core.Assertion) (*core.Assertion, error) {
	created, err := r.inner.Create(ctx, assertion)
	if err != nil {
		return nil, err
	}
	r.cache.remove(famAssertion, string(created.ID))
	r.invalidateLists(created)
	return created, nil
}

func (r *CachedAssertionRepository) FindByID(ctx context.Context, id core.IRI) (*core.Assertion, error) {
	if v, ok := r.cache.get(famAssertion, string(id)); ok {
		return v.(*core.Assertion), nil
	}
	assertion, err := r.inner.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if assertion != nil {
		r.cache.set(famAssertion, string(id), assertion)
	}
	return assertion, nil
}

func (r *CachedAssertionRepository) FindByBadgeClass(ctx context.Context, badgeClassID core.IRI) ([]*core.Assertion, error) {
	if v, ok := r.cache.get(famAssertionsByBadgeClass, string(badgeClassID)); ok {
		return v.([]*core.Assertion), nil
	}
	list, err := r.inner.FindByBadgeClass(ctx, badgeClassID)
	if err != nil {
		return nil, err
	}
	r.cache.set(famAssertionsByBadgeClass, string(badgeClassID), list)
	return list, nil
}

func (r *CachedAssertionRepository) FindByBadgeClassPaged(ctx context.Context, badgeClassID core.IRI, limit, offset int64) ([]*core.Assertion, error) {
	return r.inner.FindByBadgeClassPaged(ctx, badgeClassID, limit, offset)
}

func (r *CachedAssertionRepository) FindByRecipientIdentity(ctx context.Context, identity string) ([]*core.Assertion, error) {
	if v, ok := r.cache.get(famAssertionsByRecipient, identity); ok {
		return v.([]*core.Assertion), nil
	}
	list, err := r.inner.FindByRecipientIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	r.cache.set(famAssertionsByRecipient, identity, list)
	return list, nil
}

func (r *CachedAssertionRepository) Update(ctx context.Context, id core.IRI, update core.AssertionUpdate) (*core.Assertion, error) {
	updated, err := r.inner.Update(ctx, id, update)
	if err != nil {
		return nil, err
	}
	r.cache.remove(famAssertion, string(id))
	r.invalidateLists(updated)
	return updated, nil
}

// Delete removes the assertion and flushes the list families it may have
// appeared in.
func (r *CachedAssertionRepository) Delete(ctx context.Context, id core.IRI) (bool, error) {
	deleted, err := r.inner.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		r.cache.remove(famAssertion, string(id))
		r.cache.flush(famAssertionsByBadgeClass)
		r.cache.flush(famAssertionsByRecipient)
	}
	return deleted, nil
}
