package model

import "strings"

// Identity is the caller on whose behalf a request executes. Scopes name
// the permissions granted, e.g. "fs:read" or "net:*".
type Identity struct {
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
}

// HasScope reports whether the identity holds the given scope. A granted
// "*" matches everything; "domain:*" matches every scope in that domain.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope || s == "*" {
			return true
		}
		if dom, ok := strings.CutSuffix(s, ":*"); ok && strings.HasPrefix(scope, dom+":") {
			return true
		}
	}
	return false
}

// HasAllScopes checks every required scope and returns the first missing
// one, so the caller can name it in the denial reason.
func (id Identity) HasAllScopes(required []string) (string, bool) {
	for _, scope := range required {
		if !id.HasScope(scope) {
			return scope, false
		}
	}
	return "", true
}
