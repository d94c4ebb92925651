// Package dicom holds the DICOM vocabulary used by access rules: the tag
// dictionary and its aliases, predicate operators, compiled predicates that
// match resource tag values, and constraint sets built from Limit rules.
//
// Tags may be written as an 8-digit hex string ("00080060"), in the
// parenthesised group/element form ("(0008,0060)") or by keyword
// ("Modality"). All three normalise to the keyword when the tag is known.
//
// Multi-valued attributes use the DICOM backslash separator ("CT\PT"). A
// positive predicate matches when any component matches.
package dicom
