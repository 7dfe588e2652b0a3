// Command metamcpd is the metamcp pool-core process: it wires the stores,
// the two connection pools, the filter cache, the invalidation router, and
// the HTTP bridge, then serves traffic until signaled to shut down.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metamcp/internal/config"
	"metamcp/internal/filtercache"
	"metamcp/internal/httpapi"
	"metamcp/internal/invalidation"
	"metamcp/internal/logstore"
	"metamcp/internal/mcpconnect"
	"metamcp/internal/mcppool"
	"metamcp/internal/mcptransport"
	"metamcp/internal/metapool"
	"metamcp/internal/observability"
	"metamcp/internal/store"
	"metamcp/internal/store/memory"
	"metamcp/internal/store/postgres"
	"metamcp/internal/store/seedfile"
	"metamcp/internal/warmup"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.InitOTel(ctx, cfg.Obs())
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	logs := logstore.New(cfg.MaxLogEntries)
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" {
		sink := logstore.NewKafkaSink(logs, cfg.KafkaBrokers, cfg.KafkaTopic)
		defer sink.Close()
	}
	if cfg.ClickHouseDSN != "" {
		sink, err := logstore.NewClickHouseSink(logs, cfg.ClickHouseDSN, cfg.ClickHouseTable)
		if err != nil {
			log.Warn().Err(err).Msg("clickhouse log sink init failed, continuing without it")
		} else {
			defer sink.Close()
		}
	}

	serverConfigs, namespaces, toolStatuses := buildStores(ctx, cfg)

	if cfg.SeedFilePath != "" {
		runSeed(ctx, cfg.SeedFilePath, serverConfigs, namespaces)
	}

	transportFactory := mcptransport.New(mcptransport.Options{DockerLocalhostRewrite: cfg.TransformLocalhostToDockerInternal}, logs)
	connector := mcpconnect.New(transportFactory, mcpconnect.Options{
		Retries:    cfg.ConnectRetries,
		RetryDelay: cfg.ConnectRetryDelay,
		ClientName: "metamcpd",
		ClientVer:  "1.0.0",
	})
	mcpPool := mcppool.New(connector, logs)

	filterCache := filtercache.New(cfg.FilterCacheTTL, toolStatuses)
	filter := &filtercache.Filter{Cache: filterCache, Servers: &store.ServerResolverFromStore{Servers: serverConfigs}}

	metaPool := metapool.New(serverConfigs, mcpPool, logs, filter)

	var broadcaster invalidation.Broadcaster
	if cfg.RedisAddr != "" {
		rb, err := invalidation.NewRedisBroadcaster(cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			log.Warn().Err(err).Msg("redis broadcaster init failed, running without cross-instance invalidation")
		} else {
			broadcaster = rb
		}
	}
	router := invalidation.New(mcpPool, metaPool, namespaces, filterCacheTarget{filterCache}, logs, broadcaster)
	if rb, ok := broadcaster.(*invalidation.RedisBroadcaster); ok {
		// Apply (not Dispatch) on incoming broadcasts, so a received event
		// never re-triggers a publish back onto the same channel.
		inbound := invalidation.New(mcpPool, metaPool, namespaces, filterCacheTarget{filterCache}, logs, nil)
		stopSub := rb.Subscribe(ctx, inbound)
		defer stopSub()
	}
	// router is consumed by the admin API this repository does not own,
	// which translates store mutations into Dispatch calls.
	_ = router

	warmCtx, cancelWarm := context.WithTimeout(ctx, 30*time.Second)
	warmup.New(mcpPool, metaPool, serverConfigs, namespaces, logs).Run(warmCtx)
	cancelWarm()

	bridge := httpapi.New(metaPool, httpapi.IdentityEndpoints{}, logs)
	mux := http.NewServeMux()
	bridge.Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("metamcpd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	metaPool.CleanupAll()
	mcpPool.CleanupAll()
	metaPool.Wait(30 * time.Second)
	mcpPool.Wait(30 * time.Second)
}

// filterCacheTarget adapts *filtercache.Cache to invalidation.FilterCacheTarget.
type filterCacheTarget struct {
	cache *filtercache.Cache
}

func (f filterCacheTarget) Clear(namespaceUUID string) {
	f.cache.Clear(namespaceUUID)
}

// buildStores opens the Postgres-backed stores when DATABASE_URL is
// configured, falling back to the in-memory stores otherwise.
func buildStores(ctx context.Context, cfg config.Config) (store.ServerConfigStore, store.NamespaceStore, store.ToolStatusStore) {
	if cfg.PostgresDSN == "" {
		servers := memory.NewServerConfigStore()
		combined := memory.NewCombined(servers)
		return combined, combined.Namespaces, memory.NewToolStatusStore()
	}

	pool, err := postgres.OpenPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open postgres pool")
	}
	servers := postgres.NewServerConfigStore(pool)
	if err := servers.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to init postgres server config schema")
	}
	namespaces := postgres.NewNamespaceStore(pool)
	if err := namespaces.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to init postgres namespace schema")
	}
	return servers, namespaces, postgres.NewToolStatusStore(pool)
}

// runSeed loads a bootstrap YAML file into servers/namespaces when
// configured. Server configs are upserted only against a Postgres-backed
// store; the in-memory store is populated directly since it has no
// upsert-by-uuid seam beyond Put.
func runSeed(ctx context.Context, path string, servers store.ServerConfigStore, namespaces store.NamespaceStore) {
	seed, err := seedfile.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to load seed file")
	}
	switch s := servers.(type) {
	case *memory.Combined:
		for _, cfg := range seed.Servers {
			s.Servers.Put(cfg)
		}
		for ns, members := range seed.Namespaces {
			s.Namespaces.SetMembers(ns, members)
		}
	case *postgres.ServerConfigStore:
		for _, cfg := range seed.Servers {
			if err := s.Upsert(ctx, cfg); err != nil {
				log.Warn().Err(err).Str("server", cfg.Name).Msg("failed to seed server config")
			}
		}
		if ns, ok := namespaces.(*postgres.NamespaceStore); ok {
			for nsUUID, members := range seed.Namespaces {
				if err := ns.SetMembers(ctx, nsUUID, members); err != nil {
					log.Warn().Err(err).Str("namespace", nsUUID).Msg("failed to seed namespace membership")
				}
			}
		}
	}
}
