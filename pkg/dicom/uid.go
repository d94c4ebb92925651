package dicom

// MaxUIDLength is the longest UID the standard allows.
const MaxUIDLength = 64

// ValidUID reports whether s is a well-formed UID: dot separated numeric
// components, no component with a leading zero, at most 64 characters.
func ValidUID(s string) bool {
	if s == "" || len(s) > MaxUIDLength {
		return false
	}
	start := 0
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != '.' {
			if s[i] < '0' || s[i] > '9' {
				return false
			}
			continue
		}
		component := s[start:i]
		if component == "" || (len(component) > 1 && component[0] == '0') {
			return false
		}
		start = i + 1
	}
	return true
}
