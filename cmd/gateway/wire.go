package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-doc-gateway/internal/acl"
	"github.com/tbourn/go-doc-gateway/internal/anonymize"
	"github.com/tbourn/go-doc-gateway/internal/auth"
	"github.com/tbourn/go-doc-gateway/internal/blob"
	"github.com/tbourn/go-doc-gateway/internal/cache"
	"github.com/tbourn/go-doc-gateway/internal/config"
	"github.com/tbourn/go-doc-gateway/internal/domain"
	"github.com/tbourn/go-doc-gateway/internal/feed"
	httpapi "github.com/tbourn/go-doc-gateway/internal/http"
	"github.com/tbourn/go-doc-gateway/internal/http/handlers"
	"github.com/tbourn/go-doc-gateway/internal/observability"
	"github.com/tbourn/go-doc-gateway/internal/proxy"
	"github.com/tbourn/go-doc-gateway/internal/scope"
	"github.com/tbourn/go-doc-gateway/internal/store/couch"
	"github.com/tbourn/go-doc-gateway/internal/store/sqlstore"
)

// app owns the long-lived components of a running gateway.
type app struct {
	deps    httpapi.Deps
	cache   *cache.Cache
	closers []func() error
}

func (a *app) close() {
	// Let pending cache writes and invalidations land before the backend goes.
	a.cache.Wait()
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// storeHandle is what the gateway needs from a document store.
type storeHandle interface {
	domain.DocumentStore
	domain.ChangeFeed
}

func build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	extractor := scope.New(nil, cfg.Cache.ScopeFields)

	store, err := buildStore(cfg, extractor, logger, a)
	if err != nil {
		return nil, err
	}

	backend, err := buildCacheBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, backend.Close)
	a.cache = cache.New(backend, cache.Config{
		Enabled:    cfg.Cache.Enabled,
		DBName:     cfg.DBName,
		DefaultTTL: cfg.Cache.TTL,
		Extractor:  extractor,
		Logger:     logger,
	})

	dispatcher := anonymize.NewDispatcher(anonymize.NewRedactor(cfg.Auth.AnonymizeSecret, nil), cfg.Anonymize)

	access, err := acl.New(acl.Config{
		Loader:   store,
		Admins:   cfg.Auth.Admins,
		Disabled: !cfg.Auth.ACL,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if !cfg.Auth.ACL {
		logger.Warn().Msg("ACL disabled: every viewer holds every permission")
	}

	authCfg := auth.Config{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.Issuer,
		Cookie: cfg.Auth.Cookie,
	}
	if cfg.Store.Backend == config.StoreCouch {
		verifier, err := auth.NewSessionVerifier(cfg.Store.CouchURL, observability.Transport("couch-session", nil))
		if err != nil {
			return nil, err
		}
		authCfg.Basic = verifier
	}
	authn, err := auth.New(authCfg)
	if err != nil {
		return nil, err
	}

	dist, err := feed.New(feed.Config{
		Feed:       store,
		ACL:        access,
		Dispatcher: dispatcher,
		Heartbeat:  cfg.Feed.Heartbeat,
		MaxLimit:   cfg.Feed.MaxLimit,
		ContextURL: cfg.Feed.ContextURL,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	var blobs domain.BlobStore
	if cfg.Blob.Endpoint != "" {
		bs, err := blob.New(blob.Config{
			Endpoint:  cfg.Blob.Endpoint,
			Region:    cfg.Blob.Region,
			Bucket:    cfg.Blob.Bucket,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			UseSSL:    cfg.Blob.UseSSL,
			PathStyle: cfg.Blob.PathStyle,
			Transport: observability.Transport("blob", nil),
		})
		if err != nil {
			return nil, err
		}
		blobs = bs
	}

	h, err := handlers.New(handlers.Deps{
		Store:      store,
		Cache:      a.cache,
		Dispatcher: dispatcher,
		ACL:        access,
		Feed:       dist,
		Blobs:      blobs,
		Extractor:  extractor,
	})
	if err != nil {
		return nil, err
	}
	a.deps = httpapi.Deps{Handlers: h, Auth: authn}

	if cfg.Store.Backend == config.StoreCouch {
		p, err := proxy.New(proxy.Config{
			Upstream:   cfg.Store.CouchURL,
			DBName:     cfg.DBName,
			Version:    cfg.DBVersion,
			Anonymize:  cfg.Anonymize,
			Dispatcher: dispatcher,
			Transport:  observability.Transport("replication", nil),
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		a.deps.Proxy = p
	}
	return a, nil
}

func buildStore(cfg config.Config, extractor *scope.Extractor, logger zerolog.Logger, a *app) (storeHandle, error) {
	switch cfg.Store.Backend {
	case config.StoreCouch:
		return couch.New(couch.Config{
			URL:       cfg.Store.CouchURL,
			Database:  cfg.DBName,
			Username:  cfg.Store.Username,
			Password:  cfg.Store.Password,
			Design:    cfg.Store.Design,
			Transport: observability.Transport("couch", nil),
			Logger:    logger,
		})
	case config.StoreSQLite:
		db, err := sqlstore.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sqlDB.Close)
		if err := sqlstore.AutoMigrate(db); err != nil {
			return nil, err
		}
		return sqlstore.New(db, logger,
			sqlstore.WithExtractor(extractor)), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func buildCacheBackend(ctx context.Context, cfg config.Config, logger zerolog.Logger) (cache.Backend, error) {
	if cfg.Cache.Backend == config.CacheRedis {
		rb := cache.NewRedis(cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			DB:       cfg.Cache.RedisDB,
			Password: cfg.Cache.RedisPassword,
		}, logger)
		// An unreachable Redis degrades to uncached responses.
		if err := rb.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("redis unreachable at startup")
		}
		return rb, nil
	}
	return cache.NewMemory(cfg.Cache.MemoryEntries)
}
