// Package search compiles the bundle search keyword language into
// permission-scoped SQL.
//
// Each keyword is one of:
//
//	key=value     field condition; value may contain % (LIKE) or be .sort, .sort- or .sum
//	.offset=N     skip N results
//	.limit=N      return at most N results (default 10)
//	.count        return the number of matches instead of uuids
//	.orphan       bundles that appear on no worksheet
//	word          free text over uuid, command and metadata values
package search

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/franz/bundle-store/internal/util"
)

// DefaultLimit applies when no .limit keyword is given and .count is not set.
const DefaultLimit = 10

var conditionRegexp = regexp.MustCompile(`^([\.\w/]+)=(.*)$`)

var shortcuts = map[string]string{
	"type":      "bundle_type",
	"size":      "data_size",
	"worksheet": "host_worksheet",
}

var bundleColumns = map[string]bool{
	"bundle_type": true,
	"id":          true,
	"uuid":        true,
	"data_hash":   true,
	"state":       true,
	"command":     true,
	"owner_id":    true,
}

// FieldKind says where a field's values live.
type FieldKind int

const (
	// Column is a column of the bundle table.
	Column FieldKind = iota
	// Metadata is a bundle_metadata key.
	Metadata
	// Dependency matches parent uuids of dependency edges. Name is the child
	// path slot, empty for any slot.
	Dependency
	// HostWorksheet matches uuids of worksheets listing the bundle.
	HostWorksheet
)

// Field is the left hand side of a key=value keyword.
type Field struct {
	Kind FieldKind
	Name string
}

func classify(key string) Field {
	switch {
	case bundleColumns[key]:
		return Field{Kind: Column, Name: key}
	case key == "dependency":
		return Field{Kind: Dependency}
	case strings.HasPrefix(key, "dependency/"):
		return Field{Kind: Dependency, Name: strings.TrimPrefix(key, "dependency/")}
	case key == "host_worksheet":
		return Field{Kind: HostWorksheet}
	}
	return Field{Kind: Metadata, Name: key}
}

// Numeric reports whether the field can be coerced for sorting or summing.
func (f Field) Numeric() bool {
	return f.Kind == Column || f.Kind == Metadata
}

// Condition is the right hand side of a key=value keyword. Any matches every
// bundle that has the field at all.
type Condition struct {
	Any     bool
	Pattern bool
	Value   string
}

// condition values are compared in NFC, the form bundles are stored in.
func condition(value string) Condition {
	return Condition{Pattern: strings.Contains(value, "%"), Value: norm.NFC.String(value)}
}

// ClauseKind distinguishes the three clause shapes.
type ClauseKind int

const (
	FieldClause ClauseKind = iota
	TextClause
	OrphanClause
)

// Clause is one conjunct of the final filter.
type Clause struct {
	Kind  ClauseKind
	Field Field
	Cond  Condition
	Text  string
}

// Order is the requested sort.
type Order struct {
	Field Field
	Desc  bool
}

// Plan is the parsed form of a keyword list. Sort and Sum keep the last
// occurrence. Limit is nil when results are unbounded.
type Plan struct {
	Clauses []Clause
	Sort    *Order
	Sum     *Field
	Offset  int
	Limit   *int
	Count   bool
}

// Parse classifies keywords left to right into a Plan.
func Parse(keywords []string) (*Plan, error) {
	limit := DefaultLimit
	p := &Plan{Limit: &limit}

	for _, keyword := range keywords {
		keyword = strings.ReplaceAll(keyword, ".*", "%")

		if m := conditionRegexp.FindStringSubmatch(keyword); m != nil {
			key, value := m[1], m[2]
			if full, ok := shortcuts[key]; ok {
				key = full
			}
			switch key {
			case ".offset":
				n, err := parseCount(key, value)
				if err != nil {
					return nil, err
				}
				p.Offset = n
				continue
			case ".limit":
				n, err := parseCount(key, value)
				if err != nil {
					return nil, err
				}
				p.Limit = &n
				continue
			}

			field := classify(key)
			var cond Condition
			switch value {
			case ".sort", ".sort-":
				if !field.Numeric() {
					return nil, util.Usagef(util.ErrMalformedQuery, "cannot sort by %s", key)
				}
				p.Sort = &Order{Field: field, Desc: value == ".sort-"}
				cond = Condition{Any: true}
			case ".sum":
				if !field.Numeric() {
					return nil, util.Usagef(util.ErrMalformedQuery, "cannot sum %s", key)
				}
				f := field
				p.Sum = &f
				cond = Condition{Any: true}
			default:
				cond = condition(value)
			}
			if field.Kind == Column && cond.Any {
				// every bundle has every column
				continue
			}
			p.Clauses = append(p.Clauses, Clause{Kind: FieldClause, Field: field, Cond: cond})
			continue
		}

		switch keyword {
		case ".count":
			p.Count = true
			p.Limit = nil
		case ".orphan":
			p.Clauses = append(p.Clauses, Clause{Kind: OrphanClause})
		case "":
		default:
			p.Clauses = append(p.Clauses, Clause{Kind: TextClause, Text: norm.NFC.String(keyword)})
		}
	}
	return p, nil
}

func parseCount(key, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, util.Usagef(util.ErrMalformedQuery, "%s=%s: %v", key, value, err)
	}
	if n < 0 {
		return 0, util.Usagef(util.ErrMalformedQuery, "%s=%s: must not be negative", key, value)
	}
	return n, nil
}
