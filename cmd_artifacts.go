package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/humblenginr/iris_pipeline/artifact"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect the artifact store",
}

var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifact names and their versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		names, err := store.Names(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSIONS\tLATEST")
		for _, name := range names {
			versions, err := store.Versions(ctx, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\t%d\n", name, len(versions), versions[len(versions)-1])
		}
		return w.Flush()
	},
}

var artifactsShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show one artifact version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ver, _ := cmd.Flags().GetUint64("version")
		a, err := store.Get(cmd.Context(), args[0], ver)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ref:         %s\n", a.Ref())
		fmt.Fprintf(out, "kind:        %s\n", a.Kind)
		fmt.Fprintf(out, "digest:      %s\n", a.Digest)
		fmt.Fprintf(out, "produced by: %s\n", a.ProducedBy)
		fmt.Fprintf(out, "created at:  %s\n", a.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "size:        %d bytes\n", len(a.Payload))
		if payload, _ := cmd.Flags().GetBool("payload"); payload {
			fmt.Fprintf(out, "%s\n", a.Payload)
		}
		return nil
	},
}

func init() {
	artifactsShowCmd.Flags().Uint64("version", artifact.Latest, "version to show, 0 for the latest")
	artifactsShowCmd.Flags().Bool("payload", false, "print the payload")
	artifactsCmd.AddCommand(artifactsListCmd, artifactsShowCmd)
}
