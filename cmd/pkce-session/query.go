package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alexjbarnes/pkce-session/internal/rest"
)

// queryArgs is the parsed command line of the query command.
type queryArgs struct {
	table       string
	columns     string
	order       string
	limit       int
	single      bool
	maybeSingle bool
	filters     []string
}

func parseQueryArgs(args []string, stderr io.Writer) (*queryArgs, error) {
	qa := &queryArgs{}

	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&qa.columns, "select", "", "comma-separated columns to return")
	fs.StringVar(&qa.order, "order", "", "sort keys as column.asc or column.desc, comma-separated")
	fs.IntVar(&qa.limit, "limit", 0, "maximum number of rows")
	fs.BoolVar(&qa.single, "single", false, "require exactly one row")
	fs.BoolVar(&qa.maybeSingle, "maybe-single", false, "return one row or null")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() < 1 {
		return nil, fmt.Errorf("query: table name is required")
	}

	if qa.single && qa.maybeSingle {
		return nil, fmt.Errorf("query: -single and -maybe-single are exclusive")
	}

	qa.table = fs.Arg(0)
	qa.filters = fs.Args()[1:]

	return qa, nil
}

// build turns the arguments into a query on c.
func (qa *queryArgs) build(c *rest.Client) (*rest.Query, error) {
	q := c.From(qa.table)

	if qa.columns != "" {
		q = q.Select(strings.Split(qa.columns, ",")...)
	}

	for _, f := range qa.filters {
		var err error

		q, err = applyFilter(q, f)
		if err != nil {
			return nil, err
		}
	}

	if qa.order != "" {
		for key := range strings.SplitSeq(qa.order, ",") {
			col, dir, _ := strings.Cut(key, ".")

			switch dir {
			case "", "asc":
				q = q.Order(col, rest.Ascending)
			case "desc":
				q = q.Order(col, rest.Descending)
			default:
				return nil, fmt.Errorf("query: bad order direction %q", dir)
			}
		}
	}

	if qa.limit > 0 {
		q = q.Limit(qa.limit)
	}

	switch {
	case qa.single:
		q = q.Single()
	case qa.maybeSingle:
		q = q.MaybeSingle()
	}

	return q, nil
}

// applyFilter adds a column=op.value filter to q.
func applyFilter(q *rest.Query, arg string) (*rest.Query, error) {
	col, expr, ok := strings.Cut(arg, "=")
	if !ok || col == "" {
		return nil, fmt.Errorf("query: filter %q must be column=op.value", arg)
	}

	op, value, ok := strings.Cut(expr, ".")
	if !ok {
		return nil, fmt.Errorf("query: filter %q must be column=op.value", arg)
	}

	switch op {
	case "eq":
		return q.Eq(col, value), nil
	case "neq":
		return q.Neq(col, value), nil
	case "gt":
		return q.Gt(col, value), nil
	case "gte":
		return q.Gte(col, value), nil
	case "lt":
		return q.Lt(col, value), nil
	case "lte":
		return q.Lte(col, value), nil
	case "like":
		return q.Like(col, value), nil
	case "is":
		return q.Is(col, value), nil
	case "in":
		list := strings.TrimSuffix(strings.TrimPrefix(value, "("), ")")
		parts := strings.Split(list, ",")

		values := make([]any, len(parts))
		for i, p := range parts {
			values[i] = p
		}

		return q.In(col, values...), nil
	default:
		return nil, fmt.Errorf("query: unsupported operator %q", op)
	}
}

func (a *app) query(ctx context.Context, args []string) error {
	qa, err := parseQueryArgs(args, os.Stderr)
	if err != nil {
		return err
	}

	q, err := qa.build(a.clients.REST)
	if err != nil {
		return err
	}

	res, err := q.Execute(ctx)
	if err != nil {
		return err
	}

	if len(res.Data) == 0 {
		fmt.Printf("status %d, no content\n", res.Status)
		return nil
	}

	var out bytes.Buffer
	if err := json.Indent(&out, res.Data, "", "  "); err != nil {
		_, err = os.Stdout.Write(res.Data)
		return err
	}

	out.WriteByte('\n')
	_, err = out.WriteTo(os.Stdout)

	return err
}
