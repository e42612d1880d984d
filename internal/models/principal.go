package models

// Principal is the authenticated caller attached to a request, either from an
// access token or from an API token.
type Principal struct {
	UserID   string
	Username string
	Role     UserRole
	Scopes   []APITokenScope
	// APITokenID is empty for session (access token) callers.
	APITokenID string
}

func (p Principal) ViaAPIToken() bool {
	return p.APITokenID != ""
}

// Allows reports whether the principal may use scope. Session callers carry
// every scope.
func (p Principal) Allows(scope APITokenScope) bool {
	if !p.ViaAPIToken() {
		return true
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
