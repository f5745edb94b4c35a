package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/tickethq/bulkstream/events"
	"github.com/tickethq/bulkstream/model"
)

const (
	cacheIDKeyPrefix     = "ticket:id:"
	cacheNumberKeyPrefix = "ticket:number:"

	// DefaultCacheTTL bounds staleness of the Redis entries.
	DefaultCacheTTL = 30 * time.Minute

	defaultLRUSize = 4096
)

// Cache is the single-ticket read cache: Redis entries shared across
// processes, fronted by a small in-process LRU. It is written only from the
// post-commit event bus, so it never holds state the database rolled back.
// Cache failures are logged and treated as misses.
type Cache struct {
	client redis.UniversalClient
	local  *lru.Cache[int64, *model.Ticket]
	ttl    time.Duration
}

// NewCache builds the cache. A zero TTL uses the default.
func NewCache(client redis.UniversalClient, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	local, err := lru.New[int64, *model.Ticket](defaultLRUSize)
	if err != nil {
		return nil, fmt.Errorf("building ticket LRU: %w", err)
	}
	return &Cache{client: client, local: local, ttl: ttl}, nil
}

// Attach subscribes the cache to bus so every committed mutation updates or
// evicts the corresponding entries.
func (c *Cache) Attach(bus *events.Bus) {
	bus.Subscribe(events.SubscriberFunc(c.onEvent))
}

func (c *Cache) onEvent(evt events.Event) {
	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch evt.Kind {
	case events.KindCreated, events.KindUpdated, events.KindCacheHydrate:
		if evt.Snapshot != nil {
			c.put(ctx, evt.Snapshot)
		}
	case events.KindDeleted:
		c.evict(ctx, evt.TicketID, evt.TicketNumber)
	case events.KindRolledback:
		// Nothing cached mid-transaction, nothing to undo.
	}
}

// GetByID returns the cached snapshot, or nil on a miss.
func (c *Cache) GetByID(ctx context.Context, id int64) *model.Ticket {
	if t, ok := c.local.Get(id); ok {
		return t
	}
	return c.fetch(ctx, cacheIDKeyPrefix+fmt.Sprint(id))
}

// GetByNumber returns the cached snapshot for a ticket number, or nil.
func (c *Cache) GetByNumber(ctx context.Context, number string) *model.Ticket {
	var t = c.fetch(ctx, cacheNumberKeyPrefix+number)
	if t != nil {
		c.local.Add(t.ID, t)
	}
	return t
}

func (c *Cache) fetch(ctx context.Context, key string) *model.Ticket {
	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.WithFields(log.Fields{"key": key, "err": err}).Warn("ticket cache read failed")
		}
		return nil
	}
	var t model.Ticket
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		log.WithFields(log.Fields{"key": key, "err": err}).Warn("evicting undecodable cache entry")
		c.client.Del(ctx, key)
		return nil
	}
	c.local.Add(t.ID, &t)
	return &t
}

func (c *Cache) put(ctx context.Context, t *model.Ticket) {
	c.local.Add(t.ID, t)

	raw, err := json.Marshal(t)
	if err != nil {
		log.WithField("err", err).Warn("encoding ticket for cache")
		return
	}
	var pipe = c.client.Pipeline()
	pipe.Set(ctx, cacheIDKeyPrefix+fmt.Sprint(t.ID), raw, c.ttl)
	pipe.Set(ctx, cacheNumberKeyPrefix+t.TicketNumber, raw, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithFields(log.Fields{"ticket": t.TicketNumber, "err": err}).Warn("ticket cache write failed")
	}
}

func (c *Cache) evict(ctx context.Context, id int64, number string) {
	c.local.Remove(id)
	if err := c.client.Del(ctx,
		cacheIDKeyPrefix+fmt.Sprint(id),
		cacheNumberKeyPrefix+number,
	).Err(); err != nil {
		log.WithFields(log.Fields{"ticket": number, "err": err}).Warn("ticket cache eviction failed")
	}
}
