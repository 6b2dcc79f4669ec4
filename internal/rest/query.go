package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/pkce-session/internal/transport"
)

const (
	acceptJSON   = "application/json"
	acceptObject = "application/vnd.pgrst.object+json"

	preferRepresentation = "return=representation"
	preferMerge          = "resolution=merge-duplicates"
)

// Direction is a sort order.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

type filter struct {
	column string
	expr   string
}

type ordering struct {
	column string
	dir    Direction
}

type singleMode int

const (
	many singleMode = iota
	exactlyOne
	atMostOne
)

// Query is an immutable request description. Every builder method
// returns a new Query; nothing is sent until Execute or Into.
type Query struct {
	client     *Client
	resource   string
	method     string
	columns    []string
	filters    []filter
	orders     []ordering
	limit      int
	body       any
	upsert     bool
	onConflict string
	single     singleMode
}

// Result is a successful response.
type Result struct {
	Status int
	// Data is the response body; a single object in Single mode, JSON
	// null for an empty MaybeSingle, nil for an empty body.
	Data json.RawMessage
}

func (q *Query) clone() *Query {
	c := *q
	c.columns = append([]string(nil), q.columns...)
	c.filters = append([]filter(nil), q.filters...)
	c.orders = append([]ordering(nil), q.orders...)

	return &c
}

// Select restricts the returned columns.
func (q *Query) Select(columns ...string) *Query {
	c := q.clone()
	c.columns = append(c.columns, columns...)

	return c
}

func (q *Query) where(column, op string, value any) *Query {
	c := q.clone()
	c.filters = append(c.filters, filter{column: column, expr: op + "." + formatValue(value)})

	return c
}

func (q *Query) Eq(column string, value any) *Query  { return q.where(column, "eq", value) }
func (q *Query) Neq(column string, value any) *Query { return q.where(column, "neq", value) }
func (q *Query) Gt(column string, value any) *Query  { return q.where(column, "gt", value) }
func (q *Query) Gte(column string, value any) *Query { return q.where(column, "gte", value) }
func (q *Query) Lt(column string, value any) *Query  { return q.where(column, "lt", value) }
func (q *Query) Lte(column string, value any) *Query { return q.where(column, "lte", value) }

// Like matches column against a pattern using * as the wildcard.
func (q *Query) Like(column, pattern string) *Query { return q.where(column, "like", pattern) }

// Is compares against null, true or false.
func (q *Query) Is(column string, value any) *Query { return q.where(column, "is", value) }

// In matches any of values. Values holding list delimiters are
// double-quoted.
func (q *Query) In(column string, values ...any) *Query {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = quoteListItem(formatValue(v))
	}

	c := q.clone()
	c.filters = append(c.filters, filter{column: column, expr: "in.(" + strings.Join(parts, ",") + ")"})

	return c
}

// Order adds a sort key. Keys apply in the order they were added.
func (q *Query) Order(column string, dir Direction) *Query {
	c := q.clone()
	c.orders = append(c.orders, ordering{column: column, dir: dir})

	return c
}

// Limit caps the number of rows returned.
func (q *Query) Limit(n int) *Query {
	c := q.clone()
	c.limit = n

	return c
}

// Insert creates rows, a single value or a slice.
func (q *Query) Insert(rows any) *Query {
	c := q.clone()
	c.method = http.MethodPost
	c.body = rows
	c.upsert = false

	return c
}

// Update patches every row matching the filters with values.
func (q *Query) Update(values any) *Query {
	c := q.clone()
	c.method = http.MethodPatch
	c.body = values

	return c
}

// Upsert inserts rows, merging into existing rows that collide on
// onConflict (a comma-separated column list, may be empty).
func (q *Query) Upsert(rows any, onConflict string) *Query {
	c := q.clone()
	c.method = http.MethodPost
	c.body = rows
	c.upsert = true
	c.onConflict = onConflict

	return c
}

// Delete removes every row matching the filters.
func (q *Query) Delete() *Query {
	c := q.clone()
	c.method = http.MethodDelete
	c.body = nil

	return c
}

// Single requires exactly one row and returns it as an object.
func (q *Query) Single() *Query {
	c := q.clone()
	c.single = exactlyOne

	return c
}

// MaybeSingle returns one row as an object, or null when there is none.
func (q *Query) MaybeSingle() *Query {
	c := q.clone()
	c.single = atMostOne

	return c
}

// URL returns the request URL the query would be sent to.
func (q *Query) URL() string {
	params := url.Values{}

	if len(q.columns) > 0 {
		params.Set("select", strings.Join(q.columns, ","))
	}

	for _, f := range q.filters {
		params.Add(f.column, f.expr)
	}

	if len(q.orders) > 0 {
		keys := make([]string, len(q.orders))
		for i, o := range q.orders {
			dir := "asc"
			if o.dir == Descending {
				dir = "desc"
			}

			keys[i] = o.column + "." + dir
		}

		params.Set("order", strings.Join(keys, ","))
	}

	if q.limit > 0 {
		params.Set("limit", strconv.Itoa(q.limit))
	}

	if q.upsert && q.onConflict != "" {
		params.Set("on_conflict", q.onConflict)
	}

	u := q.client.baseURL + "/rest/v1/" + url.PathEscape(q.resource)
	if enc := params.Encode(); enc != "" {
		u += "?" + enc
	}

	return u
}

func (q *Query) isWrite() bool {
	return q.method != http.MethodGet
}

// Execute sends the query.
func (q *Query) Execute(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, q.client.timeout)
	defer cancel()

	var payload []byte

	if q.body != nil {
		var err error

		payload, err = json.Marshal(q.body)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s body: %w", q.resource, err)
		}
	}

	token, err := q.client.token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, q.method, q.URL(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("apikey", q.client.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Info", q.client.clientInfo)

	if q.single == exactlyOne {
		req.Header.Set("Accept", acceptObject)
	} else {
		req.Header.Set("Accept", acceptJSON)
	}

	if q.isWrite() {
		prefer := preferRepresentation
		if q.upsert {
			prefer = preferMerge + "," + preferRepresentation
		}

		req.Header.Set("Prefer", prefer)
	}

	endpoint := "/rest/v1/" + q.resource

	resp, body, err := transport.Do(q.client.httpClient, req, endpoint)
	if err != nil {
		q.client.logger.Debug("rest request failed",
			slog.String("method", q.method),
			slog.String("resource", q.resource),
			slog.Any("error", err),
		)

		return nil, fmt.Errorf("querying %s: %w", q.resource, err)
	}

	q.client.logger.Debug("rest request",
		slog.String("method", q.method),
		slog.String("resource", q.resource),
		slog.Int("status", resp.StatusCode),
	)

	data, err := q.shape(body)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.resource, err)
	}

	return &Result{Status: resp.StatusCode, Data: data}, nil
}

// shape applies single-row coercion to a response body.
func (q *Query) shape(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		if q.single == exactlyOne {
			return nil, ErrNotSingle
		}

		return nil, nil
	}

	if q.single == many {
		return json.RawMessage(trimmed), nil
	}

	r := gjson.ParseBytes(trimmed)
	if !r.IsArray() {
		return json.RawMessage(trimmed), nil
	}

	rows := r.Array()

	switch {
	case len(rows) == 1:
		return json.RawMessage(rows[0].Raw), nil
	case len(rows) == 0 && q.single == atMostOne:
		return json.RawMessage("null"), nil
	default:
		return nil, fmt.Errorf("%w: got %d", ErrNotSingle, len(rows))
	}
}

// Into executes the query and decodes the data into dst. A null or
// empty result leaves dst untouched.
func (q *Query) Into(ctx context.Context, dst any) error {
	res, err := q.Execute(ctx)
	if err != nil {
		return err
	}

	if len(res.Data) == 0 || string(res.Data) == "null" {
		return nil
	}

	if err := json.Unmarshal(res.Data, dst); err != nil {
		return fmt.Errorf("decoding %s response: %w", q.resource, err)
	}

	return nil
}

// listReserved are the characters that end or split an in.(...) item.
const listReserved = ",.:()\"\\"

func quoteListItem(s string) string {
	if s != "" && !strings.ContainsAny(s, listReserved) && strings.TrimSpace(s) == s {
		return s
	}

	var b strings.Builder
	b.WriteByte('"')

	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}

		b.WriteRune(r)
	}

	b.WriteByte('"')

	return b.String()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
