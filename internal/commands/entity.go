package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rackcore/pkg/domain"
)

func newEntityCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Create, inspect and delete inventory entities",
	}
	cmd.AddCommand(
		newEntityCreateCmd(a),
		newEntityGetCmd(a),
		newEntityDeleteCmd(a),
		newEntityListCmd(a),
		newEntityFindCmd(a),
		newEntityPropertyCmd(a),
	)
	return cmd
}

func newEntityCreateCmd(a *app) *cobra.Command {
	var driver string
	var existing bool
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an entity with the given driver",
		Long: `Create a uniquely named entity. The driver decides its type and what
it can do: pools hold members, vmmanagers place virtual servers.

Examples:
  rackctl entity create dc1 --driver basicdatacenter
  rackctl entity create s1 --driver basicserver --existing`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			create := a.svc.Create
			if existing {
				create = a.svc.GetOrCreate
			}
			e, err := create(ctx, args[0], driver)
			if err != nil {
				return err
			}
			views := []entityView{viewEntity(e)}
			return a.render(cmd.OutOrStdout(), views[0], entityTable(views))
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "entity", "entity driver")
	cmd.Flags().BoolVar(&existing, "existing", false, "return the entity when it already exists with the same driver")
	return cmd
}

type entityDetail struct {
	Entity     entityView `json:"entity" yaml:"entity"`
	Attributes []attrView `json:"attributes" yaml:"attributes"`
	Pools      []string   `json:"pools,omitempty" yaml:"pools,omitempty"`
}

func newEntityGetCmd(a *app) *cobra.Command {
	var internal bool
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show an entity with its attributes and containing pools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			attrs, err := a.svc.Attrs(ctx, e, domain.AttrFilter{})
			if err != nil {
				return err
			}
			if !internal {
				kept := attrs[:0]
				for _, attr := range attrs {
					if !attr.Internal() {
						kept = append(kept, attr)
					}
				}
				attrs = kept
			}
			views, err := a.attrViews(ctx, attrs)
			if err != nil {
				return err
			}
			pools, err := a.svc.Pools(ctx, e, false)
			if err != nil {
				return err
			}
			detail := entityDetail{Entity: viewEntity(e), Attributes: views}
			for _, p := range pools {
				detail.Pools = append(detail.Pools, p.Name)
			}
			return a.render(cmd.OutOrStdout(), detail, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Name:\t%s\nType:\t%s\nDriver:\t%s\nID:\t%s\n", e.Name, e.Type, e.Driver, e.ID)
				if len(detail.Pools) > 0 {
					fmt.Fprintf(tw, "Pools:\t%v\n", detail.Pools)
				}
				fmt.Fprintln(tw)
				attrTable(views)(tw)
			})
		},
	}
	cmd.Flags().BoolVar(&internal, "internal", false, "include membership, weight and allocation records")
	return cmd
}

func newEntityDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an entity, its attributes and every reference to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.svc.Delete(ctx, e); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", e.Name)
			return nil
		},
	}
}

func newEntityListCmd(a *app) *cobra.Command {
	var drivers []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities ordered by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			es, err := a.svc.ListEntities(cmd.Context(), drivers...)
			if err != nil {
				return err
			}
			views := viewEntities(es)
			return a.render(cmd.OutOrStdout(), views, entityTable(views))
		},
	}
	cmd.Flags().StringSliceVar(&drivers, "driver", nil, "only list entities with these drivers")
	return cmd
}

func newEntityFindCmd(a *app) *cobra.Command {
	var vf valueFlags
	cmd := &cobra.Command{
		Use:   "find <key> [value]",
		Short: "Find entities carrying a matching attribute",
		Long: `Find entities by attribute. Each entity is listed once, ordered by its
first matching attribute.

Examples:
  rackctl entity find location amsterdam
  rackctl entity find system --subkey memory 16000 --type int
  rackctl entity find uplink rack1 --type relation`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter := vf.filter(cmd, args[0])
			if len(args) == 2 {
				value, err := a.parseValue(ctx, vf.kind, args[1])
				if err != nil {
					return err
				}
				filter = filter.WithValue(value)
			}
			es, err := a.svc.FindByAttr(ctx, filter)
			if err != nil {
				return err
			}
			views := viewEntities(es)
			return a.render(cmd.OutOrStdout(), views, entityTable(views))
		},
	}
	vf.register(cmd, true)
	return cmd
}

type propertyView struct {
	Entity   string `json:"entity" yaml:"entity"`
	Property string `json:"property" yaml:"property"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Value    string `json:"value" yaml:"value"`
	Set      bool   `json:"set" yaml:"set"`
}

func newEntityPropertyCmd(a *app) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "property <entity> <name> [value]",
		Short: "Show or set a driver property",
		Long: `Show or set one of the properties the entity's driver declares.
Unset properties report the driver default.

Examples:
  rackctl entity property s1 model
  rackctl entity property s1 manufacturer acme`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.entity(ctx, args[0])
			if err != nil {
				return err
			}
			if len(args) == 3 {
				value, err := a.parseValue(ctx, kind, args[2])
				if err != nil {
					return err
				}
				if err := a.svc.SetProperty(ctx, e, args[1], value); err != nil {
					return err
				}
			}
			value, ok, err := a.svc.Property(ctx, e, args[1])
			if err != nil {
				return err
			}
			p := propertyView{Entity: e.Name, Property: args[1], Type: string(value.Type), Value: value.String(), Set: ok}
			return a.render(cmd.OutOrStdout(), p, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ENTITY\tPROPERTY\tVALUE")
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Entity, p.Property, p.Value)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "type", string(domain.TypeString), "value type (string, int, datetime, relation)")
	return cmd
}
