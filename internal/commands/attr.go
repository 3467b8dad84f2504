package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"rackcore/pkg/domain"
)

func newAttrCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "attr",
		Aliases: []string{"attribute"},
		Short:   "Manage entity attributes",
	}
	cmd.AddCommand(
		newAttrAddCmd(a),
		newAttrGetCmd(a),
		newAttrSetCmd(a),
		newAttrRmCmd(a),
		newAttrRefsCmd(a),
	)
	return cmd
}

func newAttrAddCmd(a *app) *cobra.Command {
	var vf valueFlags
	cmd := &cobra.Command{
		Use:   "add <entity> <key> <value>",
		Short: "Append an attribute value",
		Long: `Append an attribute. Keys may hold several values; an explicit --number
that repeats an existing key, subkey, number and value is a no-op.

Examples:
  rackctl attr add s1 system 16000 --subkey memory --type int
  rackctl attr add s1 ip 10.0.0.5 --number 0
  rackctl attr add vs1 uplink sw1 --type relation`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			attr, err := a.attribute(ctx, cmd, &vf, args[1], args[2])
			if err != nil {
				return err
			}
			stored, err := a.svc.AddAttr(ctx, e, attr)
			if err != nil {
				return err
			}
			views, err := a.attrViews(ctx, []domain.Attribute{stored})
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), views[0], attrTable(views))
		},
	}
	vf.register(cmd, true)
	return cmd
}

func newAttrSetCmd(a *app) *cobra.Command {
	var vf valueFlags
	cmd := &cobra.Command{
		Use:   "set <entity> <key> <value>",
		Short: "Replace every value in a key, subkey and number slot with one value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			attr, err := a.attribute(ctx, cmd, &vf, args[1], args[2])
			if err != nil {
				return err
			}
			stored, err := a.svc.SetAttr(ctx, e, attr)
			if err != nil {
				return err
			}
			views, err := a.attrViews(ctx, []domain.Attribute{stored})
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), views[0], attrTable(views))
		},
	}
	vf.register(cmd, true)
	return cmd
}

func newAttrGetCmd(a *app) *cobra.Command {
	var vf valueFlags
	var merged bool
	cmd := &cobra.Command{
		Use:   "get <entity> [key]",
		Short: "List attribute values",
		Long: `List an entity's attribute values. With --merged, keys the entity does
not set are inherited from the first containing pool that sets them.

Examples:
  rackctl attr get s1
  rackctl attr get s1 system --subkey memory
  rackctl attr get s1 location --merged`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			var filter domain.AttrFilter
			if len(args) == 2 {
				filter = vf.filter(cmd, args[1])
			}
			var attrs []domain.Attribute
			if merged {
				attrs, err = a.svc.MergedAttrs(ctx, e, filter)
			} else {
				attrs, err = a.svc.Attrs(ctx, e, filter)
			}
			if err != nil {
				return err
			}
			views, err := a.attrViews(ctx, attrs)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), views, attrTable(views))
		},
	}
	vf.register(cmd, false)
	cmd.Flags().BoolVar(&merged, "merged", false, "inherit keys from containing pools")
	return cmd
}

func newAttrRmCmd(a *app) *cobra.Command {
	var vf valueFlags
	cmd := &cobra.Command{
		Use:   "rm <entity> <key> [value]",
		Short: "Remove matching attribute values",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			filter := vf.filter(cmd, args[1])
			if len(args) == 3 {
				value, err := a.parseValue(ctx, vf.kind, args[2])
				if err != nil {
					return err
				}
				filter = filter.WithValue(value)
			}
			n, err := a.svc.RemoveAttrs(ctx, e, filter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d attribute(s) from %s\n", n, e.Name)
			return nil
		},
	}
	vf.register(cmd, true)
	return cmd
}

func newAttrRefsCmd(a *app) *cobra.Command {
	var vf valueFlags
	cmd := &cobra.Command{
		Use:   "refs <entity> [key]",
		Short: "List relation attributes on other entities that point at an entity",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			var filter domain.AttrFilter
			if len(args) == 2 {
				filter = vf.filter(cmd, args[1])
			}
			attrs, err := a.svc.References(ctx, e, filter)
			if err != nil {
				return err
			}
			views, err := a.attrViews(ctx, attrs)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), views, attrTable(views))
		},
	}
	vf.register(cmd, false)
	return cmd
}
