package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"rackcore/pkg/domain"
)

type entityView struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Type      string    `json:"type" yaml:"type"`
	Driver    string    `json:"driver" yaml:"driver"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

func viewEntity(e domain.Entity) entityView {
	return entityView{ID: e.ID, Name: e.Name, Type: e.Type, Driver: e.Driver, CreatedAt: e.CreatedAt}
}

func viewEntities(es []domain.Entity) []entityView {
	out := make([]entityView, 0, len(es))
	for _, e := range es {
		out = append(out, viewEntity(e))
	}
	return out
}

type attrView struct {
	ID     int64  `json:"id" yaml:"id"`
	Entity string `json:"entity,omitempty" yaml:"entity,omitempty"`
	Key    string `json:"key" yaml:"key"`
	Subkey string `json:"subkey,omitempty" yaml:"subkey,omitempty"`
	Number *int   `json:"number,omitempty" yaml:"number,omitempty"`
	Type   string `json:"type" yaml:"type"`
	Value  string `json:"value" yaml:"value"`
}

func viewAttr(a domain.Attribute, owner string) attrView {
	v := attrView{
		ID:     a.ID,
		Entity: owner,
		Key:    a.Key,
		Subkey: a.Subkey,
		Number: a.Number,
		Type:   string(a.Value.Type),
		Value:  a.Value.String(),
	}
	if a.Related != nil {
		v.Value = a.Related.Name
	}
	return v
}

func numberText(n *int) string {
	if n == nil {
		return "-"
	}
	return strconv.Itoa(*n)
}

// render writes v in the selected output format; table draws the
// tab-separated rows for the table format.
func (a *app) render(w io.Writer, v any, table func(tw *tabwriter.Writer)) error {
	switch a.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

func entityTable(es []entityView) func(*tabwriter.Writer) {
	return func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "NAME\tTYPE\tDRIVER\tID")
		for _, e := range es {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Type, e.Driver, e.ID)
		}
	}
}

func attrTable(as []attrView) func(*tabwriter.Writer) {
	return func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ENTITY\tKEY\tSUBKEY\tNUMBER\tTYPE\tVALUE")
		for _, a := range as {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", a.Entity, a.Key, a.Subkey, numberText(a.Number), a.Type, a.Value)
		}
	}
}
