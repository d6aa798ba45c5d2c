package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cybertec-postgresql/exchange_sync/internal/api"
	"github.com/cybertec-postgresql/exchange_sync/internal/bitrix"
	"github.com/cybertec-postgresql/exchange_sync/internal/cache"
	"github.com/cybertec-postgresql/exchange_sync/internal/db"
	"github.com/cybertec-postgresql/exchange_sync/internal/enterprisedata"
	"github.com/cybertec-postgresql/exchange_sync/internal/etcd"
	"github.com/cybertec-postgresql/exchange_sync/internal/mapping"
	"github.com/cybertec-postgresql/exchange_sync/internal/metrics"
	"github.com/cybertec-postgresql/exchange_sync/internal/retry"
	"github.com/cybertec-postgresql/exchange_sync/internal/store"
	"github.com/cybertec-postgresql/exchange_sync/internal/sync"
)

// App holds the wired components of one process
type App struct {
	cfg      *Config
	pool     db.PgxPoolIface
	etcd     *etcd.Client
	redis    *cache.Redis
	state    *store.StateStore
	ledger   *store.ChangeLog
	entities *store.EntityStore
	resolver *store.CachedResolver
	metrics  *metrics.Collector
}

// NewApp connects to PostgreSQL, applies migrations and builds the shared stores
func NewApp(ctx context.Context, cfg *Config) (*App, error) {
	if cfg.PostgresDSN == "" {
		return nil, errors.New("postgres DSN is required")
	}
	pool, err := db.NewWithRetry(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL after retries: %w", err)
	}
	if err := db.ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		pool:     pool,
		state:    store.NewStateStore(pool),
		ledger:   store.NewChangeLog(pool),
		entities: store.NewEntityStore(pool),
		metrics:  metrics.NewCollector(),
	}

	var c cache.Cache = cache.NewMemory(cfg.Cache.Size)
	if cfg.Cache.RedisURL != "" {
		if a.redis, err = cache.NewRedis(ctx, cfg.Cache.RedisURL, cfg.Cache.Prefix); err != nil {
			a.Close()
			return nil, err
		}
		c = a.redis
	}
	a.resolver = store.NewCachedResolver(a.entities, c)
	return a, nil
}

// Close releases every connection
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close Redis client")
		}
	}
	if a.etcd != nil {
		if err := a.etcd.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close etcd client")
		}
	}
	a.pool.Close()
}

// Sync runs the CRM scheduler together with the HTTP endpoints until ctx is done
func (a *App) Sync(ctx context.Context, once bool) error {
	registry, err := buildRegistry(mapping.NewBitrixRegistry, a.resolver)
	if err != nil {
		return err
	}
	client, err := bitrix.NewClient(bitrix.Config{
		WebhookURL:        a.cfg.Bitrix.WebhookURL,
		RequestsPerSecond: a.cfg.Bitrix.RequestsPerSecond,
		Timeout:           a.cfg.Bitrix.Timeout,
	}, nil)
	if err != nil {
		return err
	}
	source := bitrix.NewSource(client, bitrix.Resources(a.cfg.Bitrix.ContractTypeID))

	cfg, err := syncConfig(a.cfg.Sync)
	if err != nil {
		return err
	}
	checks := map[string]api.Pinger{"postgres": a.pool}
	var locker sync.Locker
	if a.cfg.EtcdDSN != "" {
		if a.etcd, err = etcd.NewClientWithRetry(ctx, a.cfg.EtcdDSN); err != nil {
			return fmt.Errorf("failed to connect to etcd after retries: %w", err)
		}
		locker = etcd.NewLocker(a.etcd, etcd.DefaultLockTTL)
		checks["etcd"] = a.etcd
	}

	if a.cfg.Cache.Preload {
		for _, model := range []string{mapping.ModelCompany, mapping.ModelProduct} {
			n, err := a.resolver.Preload(ctx, model)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{"model": model, "keys": n}).Info("Reference keys preloaded")
		}
	}

	service := sync.NewService(cfg, sync.Deps{
		Source:   source,
		Registry: registry,
		State:    a.state,
		Ledger:   a.ledger,
		Entities: a.entities,
		Locker:   locker,
		Metrics:  a.metrics,
	})
	if once {
		if _, err := service.RunPass(ctx); err != nil {
			return err
		}
		_, err := service.ProcessRetries(ctx)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.HTTPAddr != "" {
		server := api.New(api.Config{
			ApplicationToken: a.cfg.Bitrix.ApplicationToken,
			ContractTypeID:   a.cfg.Bitrix.ContractTypeID,
		}, a.ledger, source, a.metrics.Handler(), checks)
		g.Go(func() error { return server.ListenAndServe(gctx, a.cfg.HTTPAddr) })
	}
	g.Go(func() error { return service.Start(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Import stores the objects of an EnterpriseData message read from path
func (a *App) Import(ctx context.Context, path string) error {
	registry, err := buildRegistry(mapping.NewEnterpriseDataRegistry, a.resolver)
	if err != nil {
		return err
	}
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open message: %w", err)
		}
		defer f.Close()
		r = f
	}
	report, err := enterprisedata.Import(ctx, registry, a.entities, r)
	if err != nil {
		return err
	}
	for _, e := range report.Validation.Errors() {
		logrus.WithField("file", path).Warn(e)
	}
	logrus.WithField("file", path).Info(report.Validation.Summary())
	return nil
}

// Export writes entities of objectType to path, stdout when path is empty
func (a *App) Export(ctx context.Context, objectType, path string, limit int) error {
	registry, err := buildRegistry(mapping.NewEnterpriseDataRegistry, a.resolver)
	if err != nil {
		return err
	}
	m, ok := registry.Mapping(objectType)
	if !ok {
		return fmt.Errorf("object type %q cannot be exported", objectType)
	}
	entities, err := a.entities.List(ctx, m.ModelClass(), limit)
	if err != nil {
		return err
	}
	return writeOutput(path, func(w io.Writer) error {
		return enterprisedata.Export(ctx, registry, objectType, entities, w)
	})
}

// writeOutput runs write against the file at path, stdout when path is empty. A failed
// close of the file is reported when write itself succeeded.
func writeOutput(path string, write func(w io.Writer) error) (err error) {
	if path == "" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, closeErr)
		}
	}()
	return write(f)
}

type registryFactory func(refs mapping.RefResolver) (*mapping.Registry, error)

// buildRegistry creates, validates and seals a registry. Warnings are logged, errors abort.
func buildRegistry(factory registryFactory, refs mapping.RefResolver) (*mapping.Registry, error) {
	registry, err := factory(refs)
	if err != nil {
		return nil, err
	}
	result := registry.Validate()
	name, _ := result.ContextValue("registry")
	logger := logrus.WithField("registry", name)
	for _, w := range result.Warnings() {
		logger.Warn(w)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("invalid mapping registry: %w", err)
	}
	registry.Seal()
	logger.WithField("statistics", registry.Statistics()).Debug("Mapping registry ready")
	return registry, nil
}

// syncConfig converts the command line options into the sync configuration
func syncConfig(o SyncOptions) (sync.Config, error) {
	cfg := sync.Config{
		ChunkSize:         o.ChunkSize,
		Workers:           o.Workers,
		MaxChunksPerCycle: o.MaxChunks,
		MaxRetries:        o.MaxRetries,
		RetryBaseDelay:    o.RetryBaseDelay,
		RetryMaxDelay:     o.RetryMaxDelay,
		StaleLockTimeout:  time.Duration(o.StaleLockMinutes) * time.Minute,
		RetryBatchSize:    o.RetryBatchSize,
		AlertThresholds:   o.AlertThresholds,
		Schedule:          o.Schedule,
		RunOnStart:        o.RunOnStart,
		FetchRetry:        retry.ExternalDefaults(),
	}
	if len(o.MinDates) > 0 {
		cfg.MinDates = make(map[string]time.Time, len(o.MinDates))
		for entityType, raw := range o.MinDates {
			t, err := parseMinDate(raw)
			if err != nil {
				return cfg, fmt.Errorf("invalid min date of %s: %w", entityType, err)
			}
			cfg.MinDates[entityType] = t
		}
	}
	for entityType, threshold := range o.AlertThresholds {
		if threshold < 0 {
			return cfg, fmt.Errorf("alert threshold of %s must not be negative", entityType)
		}
	}
	return cfg, nil
}

func parseMinDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}
