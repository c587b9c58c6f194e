package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded deployment runs",
		Example: `  # List runs from the default journal
  skein runs

  # List runs from a specific journal
  skein runs --store ci.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATE\tSTARTED\tFINISHED")
			for _, r := range runs {
				finished := "-"
				if r.FinishedAt != nil {
					finished = r.FinishedAt.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					r.ID, r.State, r.StartedAt.Local().Format("2006-01-02 15:04:05"), finished)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "skein.db", "run journal database path")
	return cmd
}

func newEventsCommand() *cobra.Command {
	var storePath string

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show a run's lifecycle events",
		Args:  cobra.ExactArgs(1),
		Example: `  # Show everything that happened during a run
  skein events 2f1c8a7e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tHOST\tSERVICE\tMESSAGE")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					ev.Timestamp.Local().Format("15:04:05.000"), ev.Type, ev.HostID, ev.Service, ev.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "skein.db", "run journal database path")
	return cmd
}
