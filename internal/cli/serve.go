package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/strata/internal/cluster"
	"github.com/lazypower/strata/internal/config"
	"github.com/lazypower/strata/internal/graph"
	"github.com/lazypower/strata/internal/logging"
	"github.com/lazypower/strata/internal/registry"
	"github.com/lazypower/strata/internal/server"
	"github.com/lazypower/strata/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registry node and its HTTP API",
	RunE:  runServe,
}

// dbPaths resolves the durable and cache database files.
func dbPaths(cfg config.Config) (durable, cache string, err error) {
	durable, cache = cfg.Database.Path, cfg.Cache.Path
	if durable != "" && cache != "" {
		return durable, cache, nil
	}
	dir, err := store.DefaultDir()
	if err != nil {
		return "", "", fmt.Errorf("resolve data dir: %w", err)
	}
	if durable == "" {
		durable = filepath.Join(dir, "strata.db")
	}
	if cache == "" {
		cache = filepath.Join(dir, "cache.db")
	}
	return durable, cache, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}
	log = log.With(zap.String("node", cfg.Node.ID))

	durablePath, cachePath, err := dbPaths(cfg)
	if err != nil {
		return err
	}
	durableDB, err := store.Open(durablePath)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	defer durableDB.Close()
	cacheDB, err := store.Open(cachePath)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer cacheDB.Close()

	ttl := config.Duration(cfg.Cache.TTL, store.DefaultCacheTTL)
	reg := registry.New(store.NewDurable(durableDB), store.NewCache(cacheDB, ttl), registry.Options{
		Logger:     log.Named("registry"),
		Workers:    cfg.Registry.Workers,
		QueueSize:  cfg.Registry.QueueSize,
		CacheTTL:   ttl,
		DeriveTier: graph.Tier(cfg.Registry.DeriveTier),
	})
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = reg.Initialize(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}
	reg.StartSweeper(config.Duration(cfg.Cache.SweepInterval, time.Minute))

	var coord *cluster.Coordinator
	if cfg.Cluster.Enabled {
		coord = cluster.NewCoordinator(reg, cluster.NewClient(config.Duration(cfg.Cluster.PeerTimeout, 2*time.Second)), cluster.Options{
			Self:              cluster.Member{NodeID: cfg.Node.ID, Endpoint: cfg.AdvertisedEndpoint()},
			ReplicationFactor: cfg.Cluster.ReplicationFactor,
			Policy:            cluster.Policy(cfg.Cluster.Quorum),
			SampleSize:        cfg.Cluster.SampleSize,
			Logger:            log.Named("cluster"),
		})
		defer coord.Close()
	}

	srv := server.New(server.Options{
		Registry:    reg,
		Coordinator: coord,
		DB:          durableDB,
		Version:     VersionString(),
		Logger:      log.Named("http"),
	})
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "strata serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  node: %s\n", cfg.Node.ID)
		fmt.Fprintf(os.Stderr, "  db: %s\n", durablePath)
		fmt.Fprintf(os.Stderr, "  cache: %s (ttl %s)\n", cachePath, ttl)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	if coord != nil {
		jctx, jcancel := context.WithTimeout(context.Background(), 30*time.Second)
		if len(cfg.Cluster.Seeds) > 0 && !coord.JoinCluster(jctx, cfg.Cluster.Seeds) {
			fmt.Fprintf(os.Stderr, "warning: no seed reachable, running as a single-node cluster\n")
		}
		jcancel()
		coord.StartHeartbeat(config.Duration(cfg.Cluster.HeartbeatInterval, 5*time.Second))
	}

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if coord != nil {
		coord.LeaveCluster(ctx)
	}
	return httpServer.Shutdown(ctx)
}
