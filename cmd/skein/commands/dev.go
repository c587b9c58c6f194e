package commands

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skeinlab/skein/pkg/telemetry"
)

func newDevCommand() *cobra.Command {
	flags := deployFlags{}

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run a topology and redeploy on manifest changes",
		Long: `Deploy the manifest like up, then watch the manifest file and
redeploy the whole topology whenever it changes.

Each change stops the running deployment, tears it down and deploys the
edited manifest from scratch. A failed deployment waits for the next
change instead of exiting.`,
		Example: `  # Edit-deploy loop against skein.yaml
  skein dev

  # Watch a specific manifest
  skein dev -f pipeline.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tracer, err := telemetry.NewTracer(telemetryCfg.Tracing, "skein", buildVersion)
			if err != nil {
				return err
			}
			defer tracer.Shutdown(context.Background())

			return runDevLoop(cmd.Context(), flags)
		},
	}

	flags.register(cmd)
	return cmd
}

func runDevLoop(ctx context.Context, flags deployFlags) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save,
	// which would drop a watch on the file itself.
	target, err := filepath.Abs(flags.manifestPath)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	changes := make(chan struct{}, 1)
	go watchManifest(watcher, target, changes)

	for {
		runCtx, cancelRun := context.WithCancel(ctx)
		runDone := make(chan error, 1)
		go func() { runDone <- runDeployment(runCtx, flags) }()

		select {
		case <-changes:
			log.Info().Str("manifest", flags.manifestPath).Msg("manifest changed, redeploying")
			cancelRun()
			if err := <-runDone; err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("previous deployment ended with error")
			}

		case err := <-runDone:
			cancelRun()
			if ctx.Err() != nil || err == nil {
				return err
			}
			log.Error().Err(err).Msg("deployment failed, waiting for manifest change")
			select {
			case <-changes:
			case <-ctx.Done():
				return nil
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// watchManifest forwards debounced change notifications for the target file.
func watchManifest(watcher *fsnotify.Watcher, target string, changes chan<- struct{}) {
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			// Editors fire bursts of events per save; collapse them.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case changes <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("manifest watcher error")
		}
	}
}
