package commands

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPoolCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage pool membership",
	}
	cmd.AddCommand(
		newPoolInsertCmd(a),
		newPoolRemoveCmd(a),
		newPoolContentsCmd(a),
		newPoolParentsCmd(a),
	)
	return cmd
}

func newPoolInsertCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "insert <pool> <member>...",
		Short: "Add members to a pool",
		Long: `Add one or more members to a pool. All members are inserted in one
transaction; a member already in the pool fails the whole command.

Examples:
  rackctl pool insert rack1 s1 s2 sw1`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			es, err := a.entities(ctx, args...)
			if err != nil {
				return err
			}
			pool, members := es[0], es[1:]
			batch, err := a.svc.Begin(ctx)
			if err != nil {
				return err
			}
			for _, m := range members {
				if err := batch.Insert(pool, m); err != nil {
					batch.Rollback()
					return err
				}
			}
			if _, err := batch.Commit(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d member(s) into %s\n", len(members), pool.Name)
			return nil
		},
	}
}

func newPoolRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <pool> <member>",
		Short: "Remove a member from a pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			es, err := a.entities(ctx, args...)
			if err != nil {
				return err
			}
			if err := a.svc.Remove(ctx, es[0], es[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", es[1].Name, es[0].Name)
			return nil
		},
	}
}

func newPoolContentsCmd(a *app) *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "contents <pool>",
		Short: "List the direct members of a pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			members, err := a.svc.Contents(ctx, pool, tags...)
			if err != nil {
				return err
			}
			views := viewEntities(members)
			return a.render(cmd.OutOrStdout(), views, entityTable(views))
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "only members whose driver or type matches")
	return cmd
}

func newPoolParentsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "parents <entity>",
		Short: "List the pools containing an entity",
		Long: `List the pools that contain an entity. With --all the containment graph
is walked breadth first; a pool reachable along several paths is listed once
per path.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			pools, err := a.svc.Pools(ctx, e, all)
			if err != nil {
				return err
			}
			views := viewEntities(pools)
			return a.render(cmd.OutOrStdout(), views, entityTable(views))
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "walk the containment graph transitively")
	return cmd
}

type weightView struct {
	Pool   string `json:"pool" yaml:"pool"`
	Member string `json:"member,omitempty" yaml:"member,omitempty"`
	Weight int64  `json:"weight" yaml:"weight"`
	Set    bool   `json:"set" yaml:"set"`
}

func weightTable(w weightView) func(*tabwriter.Writer) {
	return func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "POOL\tMEMBER\tWEIGHT")
		weight := "-"
		if w.Set {
			weight = strconv.FormatInt(w.Weight, 10)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", w.Pool, w.Member, weight)
	}
}

func parseWeight(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, usageError("invalid weight %q", raw)
	}
	return n, nil
}

func newWeightCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weight",
		Short: "Manage member weights in weighted pools",
	}
	set := &cobra.Command{
		Use:   "set <pool> <member> <weight>",
		Short: "Set a member's weight",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			weight, err := parseWeight(args[2])
			if err != nil {
				return err
			}
			es, err := a.entities(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if err := a.svc.SetWeight(ctx, es[0], es[1], weight); err != nil {
				return err
			}
			w := weightView{Pool: es[0].Name, Member: es[1].Name, Weight: weight, Set: true}
			return a.render(cmd.OutOrStdout(), w, weightTable(w))
		},
	}
	get := &cobra.Command{
		Use:   "get <pool> <member>",
		Short: "Show a member's effective weight",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			es, err := a.entities(ctx, args...)
			if err != nil {
				return err
			}
			weight, ok, err := a.svc.Weight(ctx, es[0], es[1])
			if err != nil {
				return err
			}
			w := weightView{Pool: es[0].Name, Member: es[1].Name, Weight: weight, Set: ok}
			return a.render(cmd.OutOrStdout(), w, weightTable(w))
		},
	}
	def := &cobra.Command{
		Use:   "default <pool> [weight]",
		Short: "Show or set the weight of members without an explicit one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			if len(args) == 2 {
				weight, err := parseWeight(args[1])
				if err != nil {
					return err
				}
				if err := a.svc.SetDefaultWeight(ctx, pool, weight); err != nil {
					return err
				}
			}
			weight, ok, err := a.svc.DefaultWeight(ctx, pool)
			if err != nil {
				return err
			}
			w := weightView{Pool: pool.Name, Weight: weight, Set: ok}
			return a.render(cmd.OutOrStdout(), w, weightTable(w))
		},
	}
	cmd.AddCommand(set, get, def)
	return cmd
}
