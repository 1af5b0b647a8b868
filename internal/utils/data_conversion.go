package utils

// StringPtrValue returns the pointed-to string, or "" for nil.
func StringPtrValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// NilIfEmpty returns nil for an empty string so optional columns stay NULL.
func NilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
