package store

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/easync/internal/log"
)

const accountCacheExpiration = 10 * time.Minute
const accountCacheCleanup = 30 * time.Minute

// AccountCache caches account snapshots so ping and sync workers can
// re-read credentials without hitting SQLite on every request. Entries
// are invalidated on any account mutation.
type AccountCache struct {
	store *Store
	cache *gocache.Cache
}

// NewAccountCache wraps the store with a read-through account cache.
func NewAccountCache(s *Store) *AccountCache {
	return &AccountCache{
		store: s,
		cache: gocache.New(accountCacheExpiration, accountCacheCleanup),
	}
}

// Get returns the account, from cache when possible.
func (c *AccountCache) Get(id int64) (*Account, error) {
	key := strconv.FormatInt(id, 10)
	if v, found := c.cache.Get(key); found {
		if a, ok := v.(*Account); ok {
			log.Debug(log.CatCache, "cache hit", "account", id)
			return a, nil
		}
		log.Error(log.CatCache, "wrong type in account cache", "account", id)
	}

	a, err := c.store.GetAccount(id)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, a, gocache.DefaultExpiration)
	return a, nil
}

// Invalidate drops one account's cached snapshot.
func (c *AccountCache) Invalidate(id int64) {
	c.cache.Delete(strconv.FormatInt(id, 10))
}

// Flush drops every cached snapshot.
func (c *AccountCache) Flush() {
	c.cache.Flush()
}
