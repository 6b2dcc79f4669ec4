package idptest

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const acceptObject = "application/vnd.pgrst.object+json"

// reserved query parameters that are not column filters.
var reserved = []string{"select", "order", "limit", "offset", "on_conflict", "columns"}

type row = map[string]any

type table struct {
	// owner, when set, names the column holding the owning user ID.
	// Anonymous callers then see no rows and cannot write.
	owner  string
	rows   []row
	nextID int
}

// CreateTable registers an empty table. ownerColumn may be empty for
// a table every caller can read and write.
func (s *Server) CreateTable(name, ownerColumn string) {
	s.mu.Lock()
	s.tables[name] = &table{owner: ownerColumn, nextID: 1}
	s.mu.Unlock()
}

// Seed inserts rows directly, bypassing access checks.
func (s *Server) Seed(name string, rows ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		t = &table{nextID: 1}
		s.tables[name] = t
	}

	for _, r := range rows {
		t.insert(maps.Clone(r))
	}
}

// Rows returns a copy of every row in the table.
func (s *Server) Rows(name string) []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[name]
	if !ok {
		return nil
	}

	out := make([]map[string]any, len(t.rows))
	for i, r := range t.rows {
		out[i] = maps.Clone(r)
	}

	return out
}

func (t *table) insert(r row) row {
	if _, ok := r["id"]; !ok {
		r["id"] = float64(t.nextID)
		t.nextID++
	}

	t.rows = append(t.rows, r)

	return r
}

func pgError(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
		"details": details,
		"hint":    nil,
	})
}

func (s *Server) handleREST(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("table")
	userID := RequestUserID(r.Context())

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		pgError(w, http.StatusNotFound, "42P01", fmt.Sprintf("relation \"public.%s\" does not exist", name), "")
		return
	}

	if t.owner != "" && userID == "" && r.Method != http.MethodGet {
		pgError(w, http.StatusUnauthorized, "42501", fmt.Sprintf("new row violates row-level security policy for table \"%s\"", name), "")
		return
	}

	filters, err := parseFilters(r)
	if err != nil {
		pgError(w, http.StatusBadRequest, "PGRST100", err.Error(), "")
		return
	}

	var result []row

	switch r.Method {
	case http.MethodGet:
		result = t.visible(userID, filters)

		if err := sortRows(result, r.URL.Query().Get("order")); err != nil {
			pgError(w, http.StatusBadRequest, "PGRST100", err.Error(), "")
			return
		}

		if l := r.URL.Query().Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n < 0 {
				pgError(w, http.StatusBadRequest, "PGRST100", "invalid limit", "")
				return
			}

			result = result[:min(n, len(result))]
		}

	case http.MethodPost:
		incoming, err := decodeRows(w, r)
		if err != nil {
			pgError(w, http.StatusBadRequest, "PGRST102", err.Error(), "")
			return
		}

		upsert := strings.Contains(r.Header.Get("Prefer"), "resolution=merge-duplicates")

		conflict := []string{"id"}
		if oc := r.URL.Query().Get("on_conflict"); oc != "" {
			conflict = strings.Split(oc, ",")
		}

		for _, in := range incoming {
			if t.owner != "" {
				in[t.owner] = userID
			}

			if existing := t.find(in, conflict); existing != nil {
				if !upsert {
					pgError(w, http.StatusConflict, "23505", "duplicate key value violates unique constraint", "")
					return
				}

				maps.Copy(existing, in)
				result = append(result, existing)

				continue
			}

			result = append(result, t.insert(in))
		}

	case http.MethodPatch:
		incoming, err := decodeRows(w, r)
		if err != nil || len(incoming) != 1 {
			pgError(w, http.StatusBadRequest, "PGRST102", "PATCH body must be a single object", "")
			return
		}

		for _, existing := range t.visible(userID, filters) {
			maps.Copy(existing, incoming[0])
			result = append(result, existing)
		}

	case http.MethodDelete:
		doomed := t.visible(userID, filters)
		t.rows = slices.DeleteFunc(t.rows, func(r row) bool {
			return slices.ContainsFunc(doomed, func(d row) bool { return sameRow(r, d) })
		})
		result = doomed

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result = project(result, r.URL.Query().Get("select"))

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}

	if r.Method != http.MethodGet && !strings.Contains(r.Header.Get("Prefer"), "return=representation") {
		w.WriteHeader(status)
		return
	}

	if r.Header.Get("Accept") == acceptObject {
		if len(result) != 1 {
			pgError(w, http.StatusNotAcceptable, "PGRST116",
				"JSON object requested, multiple (or no) rows returned",
				fmt.Sprintf("The result contains %d rows", len(result)))

			return
		}

		writeJSON(w, status, result[0])

		return
	}

	if result == nil {
		result = []row{}
	}

	writeJSON(w, status, result)
}

// visible returns the live rows the caller may see that match filters.
func (t *table) visible(userID string, filters []rowFilter) []row {
	var out []row

	for _, r := range t.rows {
		if t.owner != "" && stringify(r[t.owner]) != userID {
			continue
		}

		if matchesAll(r, filters) {
			out = append(out, r)
		}
	}

	return out
}

func (t *table) find(in row, columns []string) row {
	for _, r := range t.rows {
		match := true

		for _, c := range columns {
			v, ok := in[c]
			if !ok || stringify(r[c]) != stringify(v) {
				match = false
				break
			}
		}

		if match {
			return r
		}
	}

	return nil
}

func sameRow(a, b row) bool {
	return stringify(a["id"]) == stringify(b["id"])
}

func decodeRows(w http.ResponseWriter, r *http.Request) ([]row, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	var many []row
	if err := json.Unmarshal(body, &many); err == nil {
		return many, nil
	}

	var one row
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, fmt.Errorf("body must be a JSON object or array")
	}

	return []row{one}, nil
}

func project(rows []row, sel string) []row {
	sel = strings.TrimSpace(sel)
	if sel == "" || sel == "*" {
		return rows
	}

	cols := strings.Split(sel, ",")
	out := make([]row, len(rows))

	for i, r := range rows {
		p := make(row, len(cols))

		for _, c := range cols {
			c = strings.TrimSpace(c)
			if v, ok := r[c]; ok {
				p[c] = v
			}
		}

		out[i] = p
	}

	return out
}

func sortRows(rows []row, order string) error {
	if order == "" {
		return nil
	}

	type key struct {
		column string
		desc   bool
	}

	var keys []key

	for part := range strings.SplitSeq(order, ",") {
		col, dir, _ := strings.Cut(part, ".")
		switch dir {
		case "", "asc":
			keys = append(keys, key{column: col})
		case "desc":
			keys = append(keys, key{column: col, desc: true})
		default:
			return fmt.Errorf("invalid order direction %q", dir)
		}
	}

	slices.SortStableFunc(rows, func(a, b row) int {
		for _, k := range keys {
			c := compareValues(stringify(a[k.column]), stringify(b[k.column]))
			if k.desc {
				c = -c
			}

			if c != 0 {
				return c
			}
		}

		return 0
	})

	return nil
}

type rowFilter struct {
	column string
	op     string
	value  string
}

func parseFilters(r *http.Request) ([]rowFilter, error) {
	var out []rowFilter

	for column, exprs := range r.URL.Query() {
		if slices.Contains(reserved, column) {
			continue
		}

		for _, expr := range exprs {
			op, value, ok := strings.Cut(expr, ".")
			if !ok {
				return nil, fmt.Errorf("malformed filter %s=%s", column, expr)
			}

			switch op {
			case "eq", "neq", "gt", "gte", "lt", "lte", "like", "is", "in":
			default:
				return nil, fmt.Errorf("unsupported operator %q", op)
			}

			out = append(out, rowFilter{column: column, op: op, value: value})
		}
	}

	return out, nil
}

func matchesAll(r row, filters []rowFilter) bool {
	for _, f := range filters {
		if !f.matches(r) {
			return false
		}
	}

	return true
}

func (f rowFilter) matches(r row) bool {
	got := stringify(r[f.column])

	switch f.op {
	case "eq":
		return got == f.value
	case "neq":
		return got != f.value
	case "gt":
		return compareValues(got, f.value) > 0
	case "gte":
		return compareValues(got, f.value) >= 0
	case "lt":
		return compareValues(got, f.value) < 0
	case "lte":
		return compareValues(got, f.value) <= 0
	case "like":
		pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(f.value), `\*`, ".*") + "$"
		ok, _ := regexp.MatchString(pattern, got)

		return ok
	case "is":
		return got == f.value
	case "in":
		list := strings.TrimSuffix(strings.TrimPrefix(f.value, "("), ")")

		return slices.Contains(splitList(list), got)
	}

	return false
}

// splitList splits an in.(...) body on commas outside double quotes,
// unescaping quoted items.
func splitList(list string) []string {
	var (
		items   []string
		cur     strings.Builder
		quoted  bool
		escaped bool
	)

	for _, r := range list {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quoted && r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			items = append(items, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}

	return append(items, cur.String())
}

// compareValues orders numerically when both sides parse as numbers.
func compareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)

	if errA == nil && errB == nil {
		return cmp.Compare(fa, fb)
	}

	return strings.Compare(a, b)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
