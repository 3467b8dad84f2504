package commands

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"rackcore/pkg/domain"
)

// valueFlags describes an attribute slot and value given on the command line.
type valueFlags struct {
	subkey string
	number int
	kind   string
}

func (f *valueFlags) register(cmd *cobra.Command, withType bool) {
	cmd.Flags().StringVar(&f.subkey, "subkey", "", "attribute subkey")
	cmd.Flags().IntVar(&f.number, "number", 0, "attribute number")
	if withType {
		cmd.Flags().StringVar(&f.kind, "type", string(domain.TypeString), "value type (string, int, datetime, relation)")
	}
}

// filter builds an attribute filter from key and the flags the user set.
func (f *valueFlags) filter(cmd *cobra.Command, key string) domain.AttrFilter {
	filter := domain.Key(key)
	if cmd.Flags().Changed("subkey") {
		filter = filter.WithSubkey(f.subkey)
	}
	if cmd.Flags().Changed("number") {
		filter = filter.WithNumber(f.number)
	}
	return filter
}

// attribute builds an attribute for key carrying raw parsed as f.kind.
func (a *app) attribute(ctx context.Context, cmd *cobra.Command, f *valueFlags, key, raw string) (domain.Attribute, error) {
	value, err := a.parseValue(ctx, f.kind, raw)
	if err != nil {
		return domain.Attribute{}, err
	}
	attr := domain.Attribute{Key: key, Subkey: f.subkey, Value: value}
	if cmd.Flags().Changed("number") {
		n := f.number
		attr.Number = &n
	}
	return attr, nil
}

func (a *app) parseValue(ctx context.Context, kind, raw string) (domain.Value, error) {
	switch domain.DataType(kind) {
	case domain.TypeString, "":
		return domain.StringValue(raw), nil
	case domain.TypeInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.Value{}, usageError("invalid int value %q", raw)
		}
		return domain.IntValue(n), nil
	case domain.TypeDatetime:
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.Value{}, usageError("invalid datetime value %q (want RFC 3339)", raw)
		}
		return domain.TimeValue(t), nil
	case domain.TypeRelation:
		target, err := a.svc.GetByName(ctx, raw)
		if err != nil {
			return domain.Value{}, err
		}
		return domain.RelationValue(target), nil
	default:
		return domain.Value{}, usageError("unknown value type %q", kind)
	}
}

func (a *app) entities(ctx context.Context, names ...string) ([]domain.Entity, error) {
	out := make([]domain.Entity, 0, len(names))
	for _, name := range names {
		e, err := a.svc.GetByName(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (a *app) entity(ctx context.Context, name string) (domain.Entity, error) {
	es, err := a.entities(ctx, name)
	if err != nil {
		return domain.Entity{}, err
	}
	return es[0], nil
}

// attrViews resolves owner names for attribute listings.
func (a *app) attrViews(ctx context.Context, attrs []domain.Attribute) ([]attrView, error) {
	out := make([]attrView, 0, len(attrs))
	err := a.svc.Store().View(ctx, func(v domain.TransactionView) error {
		for _, attr := range attrs {
			owner, ok := v.FindEntity(attr.EntityID)
			if !ok {
				return domain.NewError(domain.ErrNotFound, "resolve_owner", attr.EntityID, "owner vanished")
			}
			out = append(out, viewAttr(attr, owner.Name))
		}
		return nil
	})
	return out, err
}
