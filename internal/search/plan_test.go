package search

import (
	"errors"
	"testing"

	"github.com/franz/bundle-store/internal/util"
)

func TestParseDefaults(t *testing.T) {
	p, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.Offset != 0 || p.Limit == nil || *p.Limit != DefaultLimit {
		t.Errorf("unexpected pagination offset=%d limit=%v", p.Offset, p.Limit)
	}
	if p.Count || p.Sort != nil || p.Sum != nil || len(p.Clauses) != 0 {
		t.Errorf("expected empty plan, got %+v", p)
	}
}

func TestParseFieldClauses(t *testing.T) {
	tests := []struct {
		keyword string
		want    Clause
	}{
		{"type=program", Clause{Kind: FieldClause, Field: Field{Kind: Column, Name: "bundle_type"}, Cond: Condition{Value: "program"}}},
		{"state=re%", Clause{Kind: FieldClause, Field: Field{Kind: Column, Name: "state"}, Cond: Condition{Pattern: true, Value: "re%"}}},
		{"command=.*sort.*", Clause{Kind: FieldClause, Field: Field{Kind: Column, Name: "command"}, Cond: Condition{Pattern: true, Value: "%sort%"}}},
		{"dependency=0xabc", Clause{Kind: FieldClause, Field: Field{Kind: Dependency}, Cond: Condition{Value: "0xabc"}}},
		{"dependency/input=0xabc", Clause{Kind: FieldClause, Field: Field{Kind: Dependency, Name: "input"}, Cond: Condition{Value: "0xabc"}}},
		{"worksheet=0xdef", Clause{Kind: FieldClause, Field: Field{Kind: HostWorksheet}, Cond: Condition{Value: "0xdef"}}},
		{"name=mnist", Clause{Kind: FieldClause, Field: Field{Kind: Metadata, Name: "name"}, Cond: Condition{Value: "mnist"}}},
		{"size=.sort", Clause{Kind: FieldClause, Field: Field{Kind: Metadata, Name: "data_size"}, Cond: Condition{Any: true}}},
		{".orphan", Clause{Kind: OrphanClause}},
		{"mnist", Clause{Kind: TextClause, Text: "mnist"}},
	}
	for _, tt := range tests {
		t.Run(tt.keyword, func(t *testing.T) {
			p, err := Parse([]string{tt.keyword})
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if len(p.Clauses) != 1 {
				t.Fatalf("expected 1 clause, got %d", len(p.Clauses))
			}
			if p.Clauses[0] != tt.want {
				t.Errorf("got %+v, want %+v", p.Clauses[0], tt.want)
			}
		})
	}
}

func TestParseSortSumAndPagination(t *testing.T) {
	p, err := Parse([]string{"type=program", "size=.sort", "size=.sort-", ".limit=5", ".offset=2", "time=.sum"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.Sort == nil || !p.Sort.Desc || p.Sort.Field.Name != "data_size" {
		t.Errorf("last sort should win, got %+v", p.Sort)
	}
	if p.Sum == nil || p.Sum.Name != "time" {
		t.Errorf("unexpected sum %+v", p.Sum)
	}
	if p.Limit == nil || *p.Limit != 5 || p.Offset != 2 {
		t.Errorf("unexpected pagination offset=%d limit=%v", p.Offset, p.Limit)
	}

	// a sort on a column does not filter
	p, err = Parse([]string{"id=.sort"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(p.Clauses) != 0 || p.Sort == nil {
		t.Errorf("unexpected plan %+v", p)
	}
}

func TestParseCountDisablesLimit(t *testing.T) {
	p, err := Parse([]string{".count"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !p.Count || p.Limit != nil {
		t.Errorf("expected count mode without limit, got count=%v limit=%v", p.Count, p.Limit)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		".limit=ten",
		".offset=",
		".offset=-1",
		"dependency=.sort",
		"worksheet=.sum",
	}
	for _, keyword := range tests {
		t.Run(keyword, func(t *testing.T) {
			_, err := Parse([]string{keyword})
			if !errors.Is(err, util.ErrMalformedQuery) {
				t.Errorf("expected ErrMalformedQuery, got %v", err)
			}
			if !util.IsUsageError(err) {
				t.Errorf("expected usage error, got %T", err)
			}
		})
	}
}

func TestParseNormalizesText(t *testing.T) {
	p, err := Parse([]string{"cafe\u0301"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := p.Clauses[0].Text; got != "caf\u00e9" {
		t.Errorf("expected NFC text, got %q", got)
	}
}

func TestParseNormalizesConditionValues(t *testing.T) {
	p, err := Parse([]string{"name=cafe\u0301"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := p.Clauses[0].Cond.Value; got != "caf\u00e9" {
		t.Errorf("expected NFC condition value, got %q", got)
	}
}
