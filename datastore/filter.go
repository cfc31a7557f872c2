package datastore

import (
	"sort"
)

// Filter is a conjunction of equality tests over chunk metadata. A nil or
// empty filter matches every chunk.
type Filter map[string]any

// Condition is a single field equality test.
type Condition struct {
	Field string
	Value any
}

func (f Filter) Empty() bool {
	return len(f) == 0
}

// Validate checks that every value is a scalar.
func (f Filter) Validate() error {
	_, err := f.normalize()
	return err
}

func (f Filter) normalize() (Filter, error) {
	if f.Empty() {
		return nil, nil
	}

	out := make(Filter, len(f))
	for field, v := range f {
		if field == "" {
			return nil, &ValidationError{
				Field:  "filter",
				Reason: "empty field name",
			}
		}

		if v == nil {
			return nil, &ValidationError{
				Field:  "filter." + field,
				Reason: "null value",
			}
		}

		s, err := normalizeScalar(v)
		if err != nil {
			return nil, &ValidationError{
				Field:  "filter." + field,
				Reason: err.Error(),
			}
		}

		out[field] = s
	}

	return out, nil
}

// Normalize validates the filter and converts numbers to float64.
func (f Filter) Normalize() (Filter, error) {
	return f.normalize()
}

// Conditions returns one condition per field, sorted by field name.
func (f Filter) Conditions() []Condition {
	conds := make([]Condition, 0, len(f))
	for field, v := range f {
		conds = append(conds, Condition{field, v})
	}

	sort.Slice(conds, func(i, j int) bool {
		return conds[i].Field < conds[j].Field
	})

	return conds
}

// Matches reports whether metadata satisfies every condition of f. Both
// sides are expected to be normalized.
func (f Filter) Matches(metadata Metadata) bool {
	for field, want := range f {
		got, ok := metadata[field]
		if !ok || got != want {
			return false
		}
	}

	return true
}
