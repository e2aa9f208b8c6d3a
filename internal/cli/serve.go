package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wasmgate/wasmgate/internal/admission"
	"github.com/wasmgate/wasmgate/internal/auth"
	"github.com/wasmgate/wasmgate/internal/config"
	"github.com/wasmgate/wasmgate/internal/database"
	"github.com/wasmgate/wasmgate/internal/gateway"
	"github.com/wasmgate/wasmgate/internal/invocations"
	"github.com/wasmgate/wasmgate/internal/metrics"
	"github.com/wasmgate/wasmgate/internal/pool"
	"github.com/wasmgate/wasmgate/internal/registry"
	"github.com/wasmgate/wasmgate/internal/sandbox"
	"github.com/wasmgate/wasmgate/internal/storage"
	"github.com/wasmgate/wasmgate/internal/watcher"
)

const instantiateTimeout = 10 * time.Second

var (
	servePort      int
	serveAdminPort int
	serveHost      string
	serveDomain    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the function host",
	Long: `Start the wasmgate server.

Two listeners come up: the traffic listener serves function requests on
subdomains of the base domain, and the admin listener serves the deploy
API, health checks and Prometheus metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultPort, "traffic listener port")
	serveCmd.Flags().IntVar(&serveAdminPort, "admin-port", config.DefaultAdminPort, "admin listener port")
	serveCmd.Flags().StringVar(&serveHost, "host", config.DefaultHost, "host to bind to")
	serveCmd.Flags().StringVar(&serveDomain, "domain", "", "base domain for subdomain routing")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("admin-port") {
		cfg.Server.AdminPort = serveAdminPort
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("domain") {
		cfg.Server.BaseDomain = serveDomain
	}

	setupLogging(&cfg.Logging)

	if cfg.Registry.Database.Path == "" {
		cfg.Registry.Database.Path = filepath.Join(cfg.Registry.DataDir, "wasmgate.db")
	}

	db, err := database.Open(&cfg.Registry.Database)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open database")
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobs, err := storage.NewBackend(ctx, cfg.Registry.Blobs, filepath.Join(cfg.Registry.DataDir, "blobs"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up blob storage")
		return err
	}

	reg := registry.NewService(
		registry.NewStore(db),
		blobs,
		registry.Defaults{
			MemoryMB:       cfg.Sandbox.MemoryLimitMB,
			Timeout:        cfg.Sandbox.Deadline,
			MaxConcurrency: cfg.Admission.FunctionLimit,
			AllowedHosts:   cfg.Sandbox.AllowedHosts,
		},
		cfg.Auth.MaxFunctionsPerOwner,
	)

	engine := sandbox.NewExtismEngine(instantiateTimeout)
	p := pool.New(engine, cfg.Pool)
	adm := admission.New(cfg.Admission)
	invLog := invocations.NewStore(db)

	var authenticator auth.Authenticator = auth.Anonymous{}
	if cfg.Auth.Enabled {
		authenticator = auth.NewGitHub(cfg.Auth)
		log.Info().Msg("GitHub authentication enabled on the deploy API")
	}

	srv := gateway.New(cfg, reg, adm, p, invLog, authenticator)

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				metrics.UpdateDBStats(stats.OpenConnections, stats.InUse)
			}
		}
	}()

	if cfg.Registry.InvocationRetention > 0 {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pruned, pruneErr := invLog.Prune(ctx, cfg.Registry.InvocationRetention)
					if pruneErr != nil {
						log.Error().Err(pruneErr).Msg("Failed to prune invocation log")
					} else if pruned > 0 {
						log.Debug().Int64("pruned", pruned).Msg("Pruned old invocation records")
					}
				}
			}
		}()
	}

	if cfg.Watcher.Enabled {
		w, watchErr := watcher.New(cfg.Watcher.Dir, &registryDeployer{registry: reg})
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("Failed to set up artifact watcher, continuing without it")
		} else if watchErr := w.Start(); watchErr != nil {
			log.Warn().Err(watchErr).Msg("Failed to start artifact watcher, continuing without it")
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// Start blocks until both listeners are drained, so returning here
	// means shutdown is complete.
	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Server error")
		return err
	}

	return nil
}

// registryDeployer adapts the registry to the watcher's deploy hooks.
type registryDeployer struct {
	registry *registry.Service
}

func (d *registryDeployer) DeployArtifact(ctx context.Context, id, ownerID string, wasm []byte) error {
	_, err := d.registry.Deploy(ctx, registry.DeployRequest{
		ID:      id,
		OwnerID: ownerID,
		Wasm:    wasm,
	})
	return err
}

func (d *registryDeployer) Undeploy(ctx context.Context, id, ownerID string) error {
	return d.registry.Delete(ctx, id, ownerID)
}
