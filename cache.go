package federation

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedKey - a fetched public key. FetchedAt drives the stale-key retry
// in signature verification.
type CachedKey struct {
	OwnerURI     string
	PublicKeyPem string
	FetchedAt    time.Time
}

// KeyCache is the process-wide public key cache. Write-on-success only: a
// transient fetch failure is never cached.
type KeyCache struct {
	lru *expirable.LRU[string, *CachedKey]
}

func NewKeyCache(cfg *Config) *KeyCache {
	return &KeyCache{
		lru: expirable.NewLRU[string, *CachedKey](cfg.KeyCacheSize, nil, cfg.KeyCacheTTL),
	}
}

func (c *KeyCache) Get(keyID string) (*CachedKey, bool) {
	return c.lru.Get(keyID)
}

func (c *KeyCache) Put(keyID string, ownerURI string, pem string) {
	c.lru.Add(keyID, &CachedKey{
		OwnerURI:     ownerURI,
		PublicKeyPem: pem,
		FetchedAt:    time.Now(),
	})
}

func (c *KeyCache) Invalidate(keyID string) {
	c.lru.Remove(keyID)
}

// EntityCache caches resolved actors and posts by canonical URI. Entries
// are invalidated on write so updates are never served stale past the TTL.
type EntityCache struct {
	actors *expirable.LRU[string, *Actor]
	posts  *expirable.LRU[string, *Post]
}

func NewEntityCache(cfg *Config) *EntityCache {
	return &EntityCache{
		actors: expirable.NewLRU[string, *Actor](cfg.EntityCacheSize, nil, cfg.EntityCacheTTL),
		posts:  expirable.NewLRU[string, *Post](cfg.EntityCacheSize, nil, cfg.EntityCacheTTL),
	}
}

func (c *EntityCache) GetActor(uri string) (*Actor, bool) {
	return c.actors.Get(uri)
}

func (c *EntityCache) PutActor(actor *Actor) {
	if actor.URI != "" {
		c.actors.Add(actor.URI, actor)
	}
}

func (c *EntityCache) InvalidateActor(uri string) {
	c.actors.Remove(uri)
}

func (c *EntityCache) GetPost(uri string) (*Post, bool) {
	return c.posts.Get(uri)
}

func (c *EntityCache) PutPost(post *Post) {
	if post.URI != "" {
		c.posts.Add(post.URI, post)
	}
}

func (c *EntityCache) InvalidatePost(uri string) {
	c.posts.Remove(uri)
}
