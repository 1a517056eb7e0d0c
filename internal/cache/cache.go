// Package cache implements a get-or-compute response cache whose entries are
// indexed by the scopes of the documents they contain, so that a mutation
// can drop every entry touching the same organization, periodical or graph.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-doc-gateway/internal/scope"
)

const (
	// DefaultTTL applies when neither Options.TTL nor Config.DefaultTTL is set.
	DefaultTTL = 24 * time.Hour
	// DefaultNamespace is the key namespace used when Options.Namespace is empty.
	DefaultNamespace = "bare"

	defaultWriteTimeout = 5 * time.Second
)

// Config configures a Cache.
type Config struct {
	Enabled    bool
	DBName     string
	DefaultTTL time.Duration
	// WriteTimeout bounds each background write or invalidation.
	WriteTimeout time.Duration
	Extractor    *scope.Extractor
	Logger       zerolog.Logger
}

// Options tunes a single Do call.
type Options struct {
	// Raw asks for the decoded value on a hit instead of only the JSON bytes.
	Raw       bool
	TTL       time.Duration
	Namespace string
}

// Payload is the result of Do. JSON is set whenever the value went through
// serialization (every enabled call); Value is set on computation and on raw hits.
type Payload struct {
	Value any
	JSON  []byte
	Hit   bool
}

// Bytes returns the JSON encoding of the payload.
func (p Payload) Bytes() ([]byte, error) {
	if p.JSON != nil {
		return p.JSON, nil
	}
	return json.Marshal(p.Value)
}

// ComputeFunc produces the value to cache.
type ComputeFunc func(ctx context.Context) (any, error)

// Cache is safe for concurrent use.
type Cache struct {
	cfg     Config
	backend Backend
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// New returns a Cache over backend. A nil backend turns the cache into a
// pass-through.
func New(backend Backend, cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Extractor == nil {
		cfg.Extractor = scope.Default()
	}
	return &Cache{
		cfg:     cfg,
		backend: backend,
		log:     cfg.Logger.With().Str("component", "cache").Logger(),
	}
}

// Enabled reports whether reads and writes reach the backend.
func (c *Cache) Enabled() bool {
	return c != nil && c.cfg.Enabled && c.backend != nil
}

// Key returns the payload key for req under namespace.
func (c *Cache) Key(req Request, namespace string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return PayloadKey(c.cfg.DBName, namespace, req)
}

// Do returns the cached payload for req or runs compute and caches its
// result in the background. Backend failures never fail the call; a value
// that cannot be serialized does.
func (c *Cache) Do(ctx context.Context, req Request, compute ComputeFunc, opts Options) (Payload, error) {
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	if !c.Enabled() {
		lookups.WithLabelValues(ns, "disabled").Inc()
		v, err := compute(ctx)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Value: v}, nil
	}

	key := c.Key(req, ns)

	if req.Bypass {
		lookups.WithLabelValues(ns, "bypass").Inc()
	} else {
		cached, found, err := c.backend.Get(ctx, key)
		switch {
		case err != nil:
			lookups.WithLabelValues(ns, "error").Inc()
			c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		case found:
			if p, ok := c.hit(key, cached, opts.Raw); ok {
				lookups.WithLabelValues(ns, "hit").Inc()
				return p, nil
			}
		default:
			lookups.WithLabelValues(ns, "miss").Inc()
		}
	}

	v, err := compute(ctx)
	if err != nil {
		return Payload{}, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("cache: serialize %s: %w", key, err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	indexKeys := c.indexKeys(v)
	c.goBackground(ctx, func(bg context.Context) {
		if err := c.backend.Store(bg, key, string(data), ttl, indexKeys, ttl+time.Second); err != nil {
			writes.WithLabelValues("error").Inc()
			c.log.Error().Err(err).Str("key", key).Msg("cache write failed")
			return
		}
		writes.WithLabelValues("ok").Inc()
		c.log.Debug().Str("key", key).Strs("scopes", indexKeys).Dur("ttl", ttl).Msg("cache write")
	})

	return Payload{Value: v, JSON: data}, nil
}

// Invalidate drops every cached payload indexed under a scope of result.
func (c *Cache) Invalidate(ctx context.Context, result any) error {
	if !c.Enabled() {
		return nil
	}
	indexKeys := c.indexKeys(result)
	if len(indexKeys) == 0 {
		invalidations.WithLabelValues("noop").Inc()
		return nil
	}
	if err := c.invalidateKeys(ctx, indexKeys); err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

// InvalidateAsync runs Invalidate in the background and logs failures. The
// scopes are extracted before returning so result may be reused by the caller.
func (c *Cache) InvalidateAsync(ctx context.Context, result any) {
	if !c.Enabled() {
		return
	}
	indexKeys := c.indexKeys(result)
	if len(indexKeys) == 0 {
		return
	}
	c.goBackground(ctx, func(bg context.Context) {
		if err := c.invalidateKeys(bg, indexKeys); err != nil {
			c.log.Error().Err(err).Strs("scopes", indexKeys).Msg("cache invalidation failed")
		}
	})
}

// Wait blocks until every background write and invalidation has finished.
func (c *Cache) Wait() {
	if c == nil {
		return
	}
	c.wg.Wait()
}

func (c *Cache) invalidateKeys(ctx context.Context, indexKeys []string) error {
	keys, err := c.backend.Members(ctx, indexKeys)
	if err != nil {
		invalidations.WithLabelValues("error").Inc()
		return err
	}
	if len(keys) == 0 {
		invalidations.WithLabelValues("noop").Inc()
		return nil
	}
	if err := c.backend.Evict(ctx, keys, indexKeys); err != nil {
		invalidations.WithLabelValues("error").Inc()
		return err
	}
	invalidations.WithLabelValues("ok").Inc()
	c.log.Debug().Strs("scopes", indexKeys).Int("keys", len(keys)).Msg("cache invalidated")
	return nil
}

func (c *Cache) hit(key, cached string, raw bool) (Payload, bool) {
	p := Payload{JSON: []byte(cached), Hit: true}
	if !raw {
		return p, true
	}
	if err := json.Unmarshal(p.JSON, &p.Value); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry unreadable, recomputing")
		return Payload{}, false
	}
	return p, true
}

func (c *Cache) indexKeys(v any) []string {
	scopes := c.cfg.Extractor.Extract(v)
	if len(scopes) == 0 {
		return nil
	}
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = IndexKey(c.cfg.DBName, s)
	}
	return out
}

// goBackground runs fn detached from the request's cancellation but bounded
// by WriteTimeout.
func (c *Cache) goBackground(ctx context.Context, fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
		defer cancel()
		fn(bg)
	}()
}
