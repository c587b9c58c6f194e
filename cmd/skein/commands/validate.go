package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skeinlab/skein/pkg/manifest"
)

func newValidateCommand() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a topology manifest",
		Long: `Parse the manifest and check its structural and referential
integrity without deploying anything: host kinds, port references,
connection shapes and duplicate names.`,
		Example: `  # Validate the default manifest
  skein validate

  # Validate a specific file
  skein validate -f pipeline.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(manifestPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d hosts, %d services, %d connections)\n",
				manifestPath, len(m.Hosts), len(m.Services), len(m.Connections))
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "f", "skein.yaml", "topology manifest file")
	return cmd
}
