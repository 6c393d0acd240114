package search

import (
	"sort"

	"github.com/kazedev/kiroku/internal/session"
)

type DateRange struct {
	Start int64 // epoch-ms, 0 = unbounded
	End   int64
}

// FilterCriteria composes predicates over index metadata. With
// CombineWithAnd (the default) every set predicate must hold; otherwise any
// one suffices. Empty criteria match everything.
type FilterCriteria struct {
	Model          string
	DateRange      *DateRange
	Tags           []string
	MinMessages    int
	MinTokens      int64
	WorkspaceRoot  string
	CombineWithAnd bool
}

func NewFilterCriteria() FilterCriteria {
	return FilterCriteria{CombineWithAnd: true}
}

type predicate struct {
	set  bool
	pass func(meta session.Metadata) bool
}

func (c FilterCriteria) predicates() []predicate {
	return []predicate{
		{
			set:  c.Model != "",
			pass: func(m session.Metadata) bool { return m.Model == c.Model },
		},
		{
			set: c.DateRange != nil,
			pass: func(m session.Metadata) bool {
				if c.DateRange.Start > 0 && m.Created < c.DateRange.Start {
					return false
				}
				if c.DateRange.End > 0 && m.Created > c.DateRange.End {
					return false
				}
				return true
			},
		},
		{
			set: len(c.Tags) > 0,
			pass: func(m session.Metadata) bool {
				for _, want := range c.Tags {
					for _, have := range m.Tags {
						if want == have {
							return true
						}
					}
				}
				return false
			},
		},
		{
			set:  c.MinMessages > 0,
			pass: func(m session.Metadata) bool { return m.MessageCount >= c.MinMessages },
		},
		{
			set:  c.MinTokens > 0,
			pass: func(m session.Metadata) bool { return m.TokenCount.Total >= c.MinTokens },
		},
		{
			set:  c.WorkspaceRoot != "",
			pass: func(m session.Metadata) bool { return m.WorkspaceRoot == c.WorkspaceRoot },
		},
	}
}

// Filter evaluates the criteria against every indexed session.
func (e *Engine) Filter(criteria FilterCriteria) ([]session.Metadata, error) {
	idx, err := e.store.GetIndex()
	if err != nil {
		return nil, err
	}

	preds := criteria.predicates()
	anySet := false
	for _, p := range preds {
		if p.set {
			anySet = true
			break
		}
	}

	var out []session.Metadata
	for _, meta := range idx.Sessions {
		if !anySet || matchesCriteria(meta, preds, criteria.CombineWithAnd) {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified > out[j].LastModified })
	return out, nil
}

func matchesCriteria(meta session.Metadata, preds []predicate, and bool) bool {
	for _, p := range preds {
		if !p.set {
			continue
		}
		ok := p.pass(meta)
		if and && !ok {
			return false
		}
		if !and && ok {
			return true
		}
	}
	return and
}
