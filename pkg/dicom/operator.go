package dicom

import (
	"fmt"
	"strings"
)

// Operator is the comparison applied by a predicate.
type Operator uint8

const (
	OpInvalid Operator = iota
	OpEqual
	OpNotEqual
	OpIn
	OpNotIn
	OpRange
	OpContains
	OpPrefix
)

var operatorNames = map[Operator]string{
	OpEqual:    "EQ",
	OpNotEqual: "NE",
	OpIn:       "IN",
	OpNotIn:    "NOT_IN",
	OpRange:    "RANGE",
	OpContains: "CONTAINS",
	OpPrefix:   "PREFIX",
}

var operatorAliases = map[string]Operator{
	"EQ":          OpEqual,
	"EQUALS":      OpEqual,
	"=":           OpEqual,
	"==":          OpEqual,
	"NE":          OpNotEqual,
	"NOT_EQUALS":  OpNotEqual,
	"!=":          OpNotEqual,
	"<>":          OpNotEqual,
	"IN":          OpIn,
	"NOT_IN":      OpNotIn,
	"NOTIN":       OpNotIn,
	"RANGE":       OpRange,
	"BETWEEN":     OpRange,
	"CONTAINS":    OpContains,
	"LIKE":        OpContains,
	"PREFIX":      OpPrefix,
	"STARTS_WITH": OpPrefix,
}

// ParseOperator accepts the canonical names and their common aliases,
// case-insensitively.
func ParseOperator(s string) (Operator, error) {
	key := strings.ToUpper(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, " ", "_")
	if op, ok := operatorAliases[key]; ok {
		return op, nil
	}
	return OpInvalid, fmt.Errorf("%w: %q", ErrUnknownOperator, s)
}

func (o Operator) String() string {
	if name, ok := operatorNames[o]; ok {
		return name
	}
	return "INVALID"
}

// multiValued reports whether the operand is a comma separated list.
func (o Operator) multiValued() bool {
	return o == OpIn || o == OpNotIn
}
