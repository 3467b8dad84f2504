package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rackcore/internal/archive"
	"rackcore/internal/loader"
)

func (a *app) archive(ctx context.Context) (*archive.Archive, error) {
	state, ok := a.svc.Store().(archive.StateStore)
	if !ok {
		return nil, fmt.Errorf("storage driver %s does not support snapshots", a.cfg.Storage.Driver)
	}
	blobs, err := a.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	return archive.New(state, blobs, archive.WithLogger(a.logger)), nil
}

// snapshotKey accepts either a full key or a bare snapshot name.
func snapshotKey(ar *archive.Archive, arg string) string {
	if strings.HasSuffix(arg, ".json") {
		return arg
	}
	return ar.Key(arg)
}

func manifestTable(ms []archive.Manifest) func(*tabwriter.Writer) {
	return func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "KEY\tENTITIES\tATTRIBUTES\tSIZE\tCREATED\tSHA256")
		for _, m := range ms {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n", m.Key, m.Entities, m.Attributes, m.Size, m.CreatedAt.Format(time.RFC3339), m.Digest)
		}
	}
}

func newSnapshotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Archive and restore the whole inventory",
	}
	export := &cobra.Command{
		Use:   "export [name]",
		Short: "Write the current inventory to the blob store",
		Long: `Write the current inventory to the configured blob store. The snapshot
carries a sha256 digest of its canonical JSON form that restore verifies.
Without a name the current UTC time is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ar, err := a.archive(ctx)
			if err != nil {
				return err
			}
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			m, err := ar.Export(ctx, name)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), m, manifestTable([]archive.Manifest{m}))
		},
	}
	restore := &cobra.Command{
		Use:   "restore <name|key>",
		Short: "Replace the inventory with a verified snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ar, err := a.archive(ctx)
			if err != nil {
				return err
			}
			m, err := ar.Restore(ctx, snapshotKey(ar, args[0]))
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), m, manifestTable([]archive.Manifest{m}))
		},
	}
	var verify bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ar, err := a.archive(ctx)
			if err != nil {
				return err
			}
			var ms []archive.Manifest
			if verify {
				ms, err = ar.VerifyAll(ctx)
			} else {
				ms, err = ar.List(ctx)
			}
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), ms, manifestTable(ms))
		},
	}
	list.Flags().BoolVar(&verify, "verify", false, "check every snapshot against its digest")
	cmd.AddCommand(export, restore, list)
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Apply a YAML inventory seed file in one transaction",
		Long: `Apply a YAML seed file describing entities, attributes, driver
properties, pool memberships, weights and allocations. Entities that already
exist with the same driver are reused, so loading the same file twice is
harmless. Any error rolls back the whole file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := loader.LoadYAML(cmd.Context(), a.svc, args[0])
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), sum, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "CREATED\tEXISTING\tATTRIBUTES\tMEMBERS\tWEIGHTS\tALLOCATIONS")
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\n", sum.Created, sum.Existing, sum.Attributes, sum.Members, sum.Weights, sum.Allocations)
			})
		},
	}
}
