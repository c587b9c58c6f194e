package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skeinlab/skein/pkg/build"
	"github.com/skeinlab/skein/pkg/engine"
	"github.com/skeinlab/skein/pkg/manifest"
	"github.com/skeinlab/skein/pkg/stores"
	"github.com/skeinlab/skein/pkg/telemetry"
)

// deployFlags are shared between up and dev.
type deployFlags struct {
	manifestPath string
	storePath    string
	cacheDir     string
	metricsAddr  string
	readyTimeout time.Duration
	stopGrace    time.Duration
}

func (f *deployFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.manifestPath, "manifest", "f", "skein.yaml", "topology manifest file")
	cmd.Flags().StringVar(&f.storePath, "store", "skein.db", "run journal database path (empty to disable)")
	cmd.Flags().StringVar(&f.cacheDir, "cache-dir", "", "build cache directory (default: a temp dir)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&f.readyTimeout, "ready-timeout", 60*time.Second, "max time for a service to bind its sockets")
	cmd.Flags().DurationVar(&f.stopGrace, "stop-grace", 30*time.Second, "grace period before a stopped service is killed")
}

func newUpCommand() *cobra.Command {
	flags := deployFlags{}

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Deploy and start a topology",
		Long: `Deploy the manifest's topology and keep it running.

This command:
  - Builds every service binary
  - Provisions the manifest's hosts
  - Resolves connections and opens ingress rules
  - Places artifacts and launches processes in dependency order
  - Tears everything down on interrupt`,
		Example: `  # Deploy skein.yaml and run until Ctrl+C
  skein up

  # Deploy a specific manifest with metrics exposed
  skein up -f pipeline.yaml --metrics-addr :9091`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tracer, err := telemetry.NewTracer(telemetryCfg.Tracing, "skein", buildVersion)
			if err != nil {
				return err
			}
			defer tracer.Shutdown(context.Background())

			return runDeployment(cmd.Context(), flags)
		},
	}

	flags.register(cmd)
	return cmd
}

// runDeployment drives one deployment through its whole lifecycle: deploy,
// start, block until the context ends, then stop and tear down. Deploy and
// start failures clean up after themselves before this returns.
func runDeployment(ctx context.Context, flags deployFlags) error {
	m, err := manifest.Load(flags.manifestPath)
	if err != nil {
		return err
	}
	log.Info().
		Str("manifest", flags.manifestPath).
		Str("name", m.Name).
		Int("hosts", len(m.Hosts)).
		Int("services", len(m.Services)).
		Msg("loaded manifest")

	cacheDir := flags.cacheDir
	if cacheDir == "" {
		cacheDir, err = os.MkdirTemp("", "skein-build-")
		if err != nil {
			return fmt.Errorf("create build cache: %w", err)
		}
		defer os.RemoveAll(cacheDir)
	}

	d := engine.New(engine.Options{
		Builder:      build.NewGoBuilder(cacheDir),
		ReadyTimeout: flags.readyTimeout,
		StopGrace:    flags.stopGrace,
	})
	if err := manifest.Apply(d, m, nil); err != nil {
		return err
	}

	// Observers outlive lifecycle contexts so teardown events still reach
	// the journal and the metrics.
	obsCtx, stopObservers := context.WithCancel(context.Background())
	defer stopObservers()

	if flags.storePath != "" {
		store, err := openStore(obsCtx, flags.storePath)
		if err != nil {
			return err
		}
		defer store.Close()

		recordDone := make(chan struct{})
		go func() {
			defer close(recordDone)
			if err := store.Record(obsCtx, d); err != nil {
				log.Warn().Err(err).Msg("run journal stopped")
			}
		}()
		// Let the journal drain before the store closes.
		defer func() {
			stopObservers()
			select {
			case <-recordDone:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("run journal did not drain in time")
			}
		}()
	}

	metricsCfg := telemetryCfg.Metrics
	if flags.metricsAddr != "" {
		metricsCfg.Enabled = true
		metricsCfg.ListenAddr = flags.metricsAddr
	}
	metrics := telemetry.NewMetrics(metricsCfg)
	go metrics.Observe(obsCtx, d)
	go func() {
		if err := metrics.Serve(obsCtx); err != nil {
			log.Warn().Err(err).Msg("metrics listener stopped")
		}
	}()

	if err := d.Deploy(ctx); err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("run", d.ID()).Msg("deployment running")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), flags.stopGrace+time.Minute)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		return err
	}
	log.Info().Str("run", d.ID()).Msg("deployment torn down")
	return nil
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
