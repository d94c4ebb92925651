package dicom

import (
	"sort"
	"strings"
)

// PredicateNone is rendered for a tag whose constraints admit no value.
const PredicateNone = "NONE"

// Constraint narrows the visible values of one attribute.
type Constraint struct {
	Tag       Tag    `json:"dicom_tag"`
	Predicate string `json:"predicate"`
}

// ConstraintSet accumulates Limit predicates by intersection. The zero value
// is not usable; call NewConstraintSet.
type ConstraintSet struct {
	bounds map[Tag]*bound
}

type bound struct {
	allowed  map[string]struct{} // nil means unbounded
	excluded map[string]struct{}
	contains map[string]struct{}
	prefixes map[string]struct{}
	lower    string
	upper    string
}

// NewConstraintSet returns an unrestricted set.
func NewConstraintSet() *ConstraintSet {
	return &ConstraintSet{bounds: make(map[Tag]*bound)}
}

// Intersect narrows the set by p. Intersecting the same predicate twice has
// no further effect.
func (c *ConstraintSet) Intersect(p *Predicate) {
	b, ok := c.bounds[p.Tag]
	if !ok {
		b = &bound{}
		c.bounds[p.Tag] = b
	}

	switch p.Op {
	case OpEqual, OpIn:
		next := make(map[string]struct{}, len(p.Values))
		for _, v := range p.Values {
			if b.allowed == nil {
				next[v] = struct{}{}
			} else if _, ok := b.allowed[v]; ok {
				next[v] = struct{}{}
			}
		}
		b.allowed = next
	case OpNotEqual, OpNotIn:
		b.excluded = addAll(b.excluded, p.Values)
	case OpContains:
		b.contains = addAll(b.contains, p.Values)
	case OpPrefix:
		b.prefixes = addAll(b.prefixes, p.Values)
	case OpRange:
		if p.Lower != "" && (b.lower == "" || compareValues(p.Lower, b.lower) > 0) {
			b.lower = p.Lower
		}
		if p.Upper != "" && (b.upper == "" || compareValues(p.Upper, b.upper) < 0) {
			b.upper = p.Upper
		}
	}
}

// Empty reports whether no constraint has been recorded.
func (c *ConstraintSet) Empty() bool {
	return len(c.bounds) == 0
}

// Constraints renders the set sorted by tag then predicate.
func (c *ConstraintSet) Constraints() []Constraint {
	out := make([]Constraint, 0, len(c.bounds))
	for tag, b := range c.bounds {
		for _, pred := range b.render() {
			out = append(out, Constraint{Tag: tag, Predicate: pred})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tag != out[j].Tag {
			return out[i].Tag < out[j].Tag
		}
		return out[i].Predicate < out[j].Predicate
	})
	return out
}

// Satisfied reports whether tags fall inside every constraint. A missing
// attribute does not satisfy a constraint on it.
func (c *ConstraintSet) Satisfied(tags Tags) bool {
	for tag, b := range c.bounds {
		actual, ok := tags.Get(tag)
		if !ok {
			return false
		}
		matched := false
		for _, v := range components(actual) {
			if tag.IsDate() {
				v = NormalizeDate(v)
			}
			if b.admits(v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (b *bound) admits(v string) bool {
	if b.allowed != nil {
		if _, ok := b.allowed[v]; !ok {
			return false
		}
	}
	if _, ok := b.excluded[v]; ok {
		return false
	}
	if !inRange(v, b.lower, b.upper) {
		return false
	}
	for s := range b.contains {
		if !strings.Contains(strings.ToUpper(v), strings.ToUpper(s)) {
			return false
		}
	}
	for s := range b.prefixes {
		if !strings.HasPrefix(v, s) {
			return false
		}
	}
	return true
}

func (b *bound) render() []string {
	if b.allowed != nil {
		values := make([]string, 0, len(b.allowed))
		for v := range b.allowed {
			if b.admits(v) {
				values = append(values, v)
			}
		}
		sort.Strings(values)
		switch len(values) {
		case 0:
			return []string{PredicateNone}
		case 1:
			return []string{OpEqual.String() + " " + values[0]}
		default:
			return []string{OpIn.String() + " " + strings.Join(values, ",")}
		}
	}

	if b.lower != "" && b.upper != "" && compareValues(b.lower, b.upper) > 0 {
		return []string{PredicateNone}
	}

	var out []string
	if b.lower != "" || b.upper != "" {
		out = append(out, OpRange.String()+" "+b.lower+".."+b.upper)
	}
	if len(b.excluded) > 0 {
		out = append(out, OpNotIn.String()+" "+strings.Join(sortedKeys(b.excluded), ","))
	}
	for _, s := range sortedKeys(b.contains) {
		out = append(out, OpContains.String()+" "+s)
	}
	for _, s := range sortedKeys(b.prefixes) {
		out = append(out, OpPrefix.String()+" "+s)
	}
	return out
}

func addAll(set map[string]struct{}, values []string) map[string]struct{} {
	if set == nil {
		set = make(map[string]struct{}, len(values))
	}
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
