package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rackcore/internal/core"
)

type allocationView struct {
	Manager  string `json:"manager" yaml:"manager"`
	Consumer string `json:"consumer" yaml:"consumer"`
	Host     string `json:"host" yaml:"host"`
}

func viewAllocations(allocs []core.Allocation) []allocationView {
	out := make([]allocationView, 0, len(allocs))
	for _, al := range allocs {
		out = append(out, allocationView{Manager: al.Manager.Name, Consumer: al.Consumer.Name, Host: al.Host.Name})
	}
	return out
}

func allocationTable(views []allocationView) func(*tabwriter.Writer) {
	return func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "MANAGER\tCONSUMER\tHOST")
		for _, v := range views {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Manager, v.Consumer, v.Host)
		}
	}
}

type capacityView struct {
	Host       string                `json:"host" yaml:"host"`
	Dimensions []core.DimensionUsage `json:"dimensions" yaml:"dimensions"`
}

func newVMCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Place virtual servers on hosts through a resource manager",
	}
	allocate := &cobra.Command{
		Use:   "allocate <manager> <consumer>",
		Short: "Place a consumer on the first host with enough headroom",
		Long: `Place a consumer on a host of the manager. Hosts are tried in pool order
and the first one whose free memory and disk cover the consumer's system
requirements is chosen. Weighted managers prefer the eligible host with the
highest weight.

Examples:
  rackctl vm allocate vmm vs1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			es, err := a.entities(ctx, args...)
			if err != nil {
				return err
			}
			al, err := a.svc.Allocate(ctx, es[0], es[1])
			if err != nil {
				return err
			}
			views := viewAllocations([]core.Allocation{al})
			return a.render(cmd.OutOrStdout(), views[0], allocationTable(views))
		},
	}
	release := &cobra.Command{
		Use:   "release <manager> <consumer>",
		Short: "Release a consumer's allocation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			es, err := a.entities(ctx, args...)
			if err != nil {
				return err
			}
			if err := a.svc.Deallocate(ctx, es[0], es[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s from %s\n", es[1].Name, es[0].Name)
			return nil
		},
	}
	resources := &cobra.Command{
		Use:   "resources <manager> <consumer>",
		Short: "Show where a consumer is placed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			es, err := a.entities(ctx, args...)
			if err != nil {
				return err
			}
			allocs, err := a.svc.Resources(ctx, es[0], es[1])
			if err != nil {
				return err
			}
			views := viewAllocations(allocs)
			return a.render(cmd.OutOrStdout(), views, allocationTable(views))
		},
	}
	capacity := &cobra.Command{
		Use:   "capacity <manager>",
		Short: "Report declared capacity, usage and headroom per host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			report, err := a.svc.Capacity(ctx, mgr)
			if err != nil {
				return err
			}
			views := make([]capacityView, 0, len(report))
			for _, hc := range report {
				views = append(views, capacityView{Host: hc.Host.Name, Dimensions: hc.Dimensions})
			}
			return a.render(cmd.OutOrStdout(), views, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "HOST\tDIMENSION\tCAPACITY\tUSED\tHEADROOM")
				for _, v := range views {
					for _, d := range v.Dimensions {
						fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", v.Host, d.Dimension, d.Capacity, d.Used, d.Headroom)
					}
				}
			})
		},
	}
	cmd.AddCommand(allocate, release, resources, capacity)
	return cmd
}

func newNameCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "name",
		Short: "Issue entity names from a name manager",
	}
	var driver string
	allocate := &cobra.Command{
		Use:   "allocate <manager>",
		Short: "Create an entity with the manager's next free name",
		Long: `Create an entity named after the manager's basename and counter, zero
padded to its digits property, and advance the counter.

Examples:
  rackctl entity property vsnames basename vs
  rackctl entity property vsnames digits 3 --type int
  rackctl name allocate vsnames --driver basicvirtualserver`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			e, err := a.svc.AllocateName(ctx, mgr, driver)
			if err != nil {
				return err
			}
			views := []entityView{viewEntity(e)}
			return a.render(cmd.OutOrStdout(), views[0], entityTable(views))
		},
	}
	allocate.Flags().StringVar(&driver, "driver", "basicvirtualserver", "driver of the created entity")
	cmd.AddCommand(allocate)
	return cmd
}
