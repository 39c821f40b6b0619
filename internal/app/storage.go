package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cryptoflow/internal/bus"
	"cryptoflow/internal/config"
	"cryptoflow/internal/health"
	"cryptoflow/internal/storage"
)

// StorageApp is the persistence role: bus bindings plus the batch
// consumer writing into ClickHouse.
type StorageApp struct {
	cfg      *config.Config
	bus      *bus.Bus
	store    *storage.Store
	consumer *storage.Consumer
	registry *health.Registry
	server   *health.Server

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewStorageApp constructs the role from config.
func NewStorageApp(cfg *config.Config) *StorageApp {
	return &StorageApp{cfg: cfg, registry: health.NewRegistry()}
}

// Start connects the bus and the store, ensures the schema and opens
// the pull subscriptions.
func (a *StorageApp) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	b, err := bus.Connect(a.cfg.Bus, "cryptoflow-store")
	if err != nil {
		return err
	}
	a.bus = b
	if err := b.Provision(ctx, a.cfg.Bus.StreamOverrides); err != nil {
		return err
	}

	store, err := storage.Open(a.cfg.Storage)
	if err != nil {
		return err
	}
	a.store = store
	if err := store.EnsureSchema(ctx, a.cfg.Storage.Database); err != nil {
		return err
	}

	a.registry.Register("bus", true)
	a.registry.Register("store", true)
	a.server = health.NewServer(a.cfg.Health.Addr, a.registry)
	go func() {
		if err := a.server.Start(); err != nil {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	a.consumer = storage.NewConsumer(b, store, a.cfg)
	if err := a.consumer.Start(ctx); err != nil {
		return err
	}

	a.wg.Add(1)
	go a.watch(ctx)

	log.Info().Str("database", a.cfg.Storage.Database).Msg("storage consumer started")
	return nil
}

// Stop drains in-flight batches before closing the connections.
func (a *StorageApp) Stop(grace time.Duration) {
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	if a.consumer != nil {
		a.consumer.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.server != nil {
		_ = a.server.Stop(grace)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	log.Info().Msg("storage consumer stopped")
}

func (a *StorageApp) watch(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.bus.Connected() {
				a.registry.Set("bus", health.Healthy)
			} else {
				a.registry.Set("bus", health.Unhealthy)
			}

			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := a.store.Ping(pingCtx); err != nil {
				a.registry.Set("store", health.Unhealthy)
			} else {
				a.registry.Set("store", health.Healthy)
			}
			cancel()
		}
	}
}
