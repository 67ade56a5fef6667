package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/franz/bundle-store/internal/util"
)

// Like marks a filter value as a LIKE pattern.
type Like string

// Filter maps column names to required values. A value may be a string,
// an integer, a bool, a []string (IN), a Like pattern or nil (IS NULL).
// An empty []string matches nothing.
type Filter map[string]any

// where renders the filter as a conjunction over columns of alias. Only
// columns listed in allowed are accepted.
func (f Filter) where(alias string, allowed map[string]bool) (string, []any, error) {
	if len(f) == 0 {
		return "1 = 1", nil, nil
	}

	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	var args []any
	for _, key := range keys {
		if !allowed[key] {
			return "", nil, util.Usagef(util.ErrInvalid, "cannot filter on column %q", key)
		}
		col := alias + "." + key
		switch v := f[key].(type) {
		case nil:
			parts = append(parts, col+" IS NULL")
		case Like:
			parts = append(parts, col+" LIKE ?")
			args = append(args, string(v))
		case []string:
			clause, inArgs := inClause(col, v)
			parts = append(parts, clause)
			args = append(args, inArgs...)
		case string, int, int64, bool:
			parts = append(parts, col+" = ?")
			args = append(args, v)
		default:
			return "", nil, util.Usagef(util.ErrInvalid, "unsupported filter value %T for %s", v, key)
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

// inClause renders "col IN (?, ...)". An empty list matches nothing.
func inClause(col string, values []string) (string, []any) {
	if len(values) == 0 {
		return "1 = 0", nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return fmt.Sprintf("%s IN (%s)", col, placeholders(len(values))), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// unique returns values with duplicates removed, keeping first occurrences.
func unique(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
