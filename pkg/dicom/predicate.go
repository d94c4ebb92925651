package dicom

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrUnknownOperator is returned for operators outside the supported set.
	ErrUnknownOperator = errors.New("unknown operator")
	// ErrMissingValue is returned when an operator needs an operand and none was given.
	ErrMissingValue = errors.New("missing predicate value")
	// ErrInvalidRange is returned for RANGE operands that cannot be split into bounds.
	ErrInvalidRange = errors.New("invalid range")
	// ErrMissingTag is returned when a predicate has no subject attribute.
	ErrMissingTag = errors.New("missing dicom tag")
)

// Predicate is a compiled condition on one attribute.
type Predicate struct {
	Tag    Tag
	Op     Operator
	Values []string

	// Range bounds, inclusive. An empty bound is open.
	Lower string
	Upper string
}

// Compile parses a stored (tag, operator, value) triple.
func Compile(tag, operator, value string) (*Predicate, error) {
	t, _ := ParseTag(tag)
	if t == "" {
		return nil, ErrMissingTag
	}

	op, err := ParseOperator(operator)
	if err != nil {
		return nil, err
	}

	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w for %s %s", ErrMissingValue, t, op)
	}

	p := &Predicate{Tag: t, Op: op}

	switch {
	case op == OpRange:
		lower, upper, err := splitRange(value)
		if err != nil {
			return nil, err
		}
		if t.IsDate() {
			lower, upper = NormalizeDate(lower), NormalizeDate(upper)
		}
		if lower == "" && upper == "" {
			return nil, fmt.Errorf("%w: %q has no bounds", ErrInvalidRange, value)
		}
		p.Lower, p.Upper = lower, upper
	case op.multiValued():
		for _, v := range strings.Split(value, ",") {
			if v = p.normalize(v); v != "" {
				p.Values = append(p.Values, v)
			}
		}
		if len(p.Values) == 0 {
			return nil, fmt.Errorf("%w for %s %s", ErrMissingValue, t, op)
		}
	case op == OpContains:
		v := strings.Trim(value, "%*")
		if v == "" {
			return nil, fmt.Errorf("%w for %s %s", ErrMissingValue, t, op)
		}
		p.Values = []string{v}
	default:
		p.Values = []string{p.normalize(value)}
	}

	return p, nil
}

// splitRange accepts "A..B" and the DICOM form "A-B". Either side may be
// empty for an open bound.
func splitRange(v string) (string, string, error) {
	if lo, hi, ok := strings.Cut(v, ".."); ok {
		return strings.TrimSpace(lo), strings.TrimSpace(hi), nil
	}
	if strings.Count(v, "-") == 1 {
		lo, hi, _ := strings.Cut(v, "-")
		return strings.TrimSpace(lo), strings.TrimSpace(hi), nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrInvalidRange, v)
}

func (p *Predicate) normalize(v string) string {
	v = strings.TrimSpace(v)
	if p.Tag.IsDate() {
		v = NormalizeDate(v)
	}
	return v
}

// Match evaluates the predicate against a resource's attributes. A missing
// attribute never matches, for negated operators too.
func (p *Predicate) Match(tags Tags) bool {
	actual, ok := tags.Get(p.Tag)
	if !ok {
		return false
	}
	values := components(actual)
	if len(values) == 0 {
		return false
	}
	if p.Tag.IsDate() {
		for i, v := range values {
			values[i] = NormalizeDate(v)
		}
	}

	switch p.Op {
	case OpEqual, OpIn, OpRange, OpContains, OpPrefix:
		for _, v := range values {
			if p.matchOne(v) {
				return true
			}
		}
		return false
	case OpNotEqual, OpNotIn:
		for _, v := range values {
			if contains(p.Values, v) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (p *Predicate) matchOne(v string) bool {
	switch p.Op {
	case OpEqual, OpIn:
		return contains(p.Values, v)
	case OpRange:
		return inRange(v, p.Lower, p.Upper)
	case OpContains:
		return strings.Contains(strings.ToUpper(v), strings.ToUpper(p.Values[0]))
	case OpPrefix:
		return strings.HasPrefix(v, p.Values[0])
	default:
		return false
	}
}

// String renders the operator and operand, e.g. "IN CT,MR" or
// "RANGE 20240101..20241231".
func (p *Predicate) String() string {
	if p.Op == OpRange {
		return p.Op.String() + " " + p.Lower + ".." + p.Upper
	}
	values := append([]string(nil), p.Values...)
	if p.Op.multiValued() {
		sort.Strings(values)
	}
	return p.Op.String() + " " + strings.Join(values, ",")
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func inRange(v, lower, upper string) bool {
	if lower != "" && compareValues(v, lower) < 0 {
		return false
	}
	if upper != "" && compareValues(v, upper) > 0 {
		return false
	}
	return true
}

// compareValues orders numerically when both sides are numbers (dates in
// YYYYMMDD form included) and lexically otherwise.
func compareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
