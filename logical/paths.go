package logical

// Paths contains categorizations of backend paths for special handling by
// the router.
type Paths struct {
	// Unauthenticated are the paths that can be accessed without a token.
	// Entries are exact matches, or prefix matches when they end in '*'.
	Unauthenticated []string
}

// IsUnauthenticated reports whether path matches one of the unauthenticated
// patterns.
func (p *Paths) IsUnauthenticated(path string) bool {
	if p == nil {
		return false
	}
	for _, pattern := range p.Unauthenticated {
		if n := len(pattern); n > 0 && pattern[n-1] == '*' {
			if len(path) >= n-1 && path[:n-1] == pattern[:n-1] {
				return true
			}
			continue
		}
		if path == pattern {
			return true
		}
	}
	return false
}
