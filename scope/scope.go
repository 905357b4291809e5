// Package scope resolves the scope granted to an authorization code or token
// from the client's scope, the user's scope and the requested scope.
//
// Resolved scopes are sets. They travel over the wire as a space-delimited
// string and are held internally as sorted, de-duplicated slices.
package scope

import (
	"slices"
	"strings"
)

// Virtual tags are synthesized from the shape of a grant. They are never
// assignable to a client or a user and are stripped from requests.
const (
	Application = "application"
	User        = "user"
	Default     = "default"
)

// IsVirtual reports whether s is one of the synthesized membership tags.
func IsVirtual(s string) bool {
	return s == Application || s == User || s == Default
}

// StripVirtual returns a copy of scope without any virtual tags.
func StripVirtual(scope []string) []string {
	out := make([]string, 0, len(scope))
	for _, s := range scope {
		if s == "" || IsVirtual(s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Resolve computes the scope granted for a request.
//
// For a user grant (clientGrant false) an empty request defaults to the
// user's full scope and the result is the intersection of client, requested
// and user scope. For a client grant an empty request defaults to the
// client's scope and the user scope is ignored. Exactly one of "application"
// or "user" is appended, followed by "default".
func Resolve(clientScope, requested, userScope []string, clientGrant bool) []string {
	requested = StripVirtual(requested)

	var out []string
	if clientGrant {
		if len(requested) == 0 {
			requested = clientScope
		}
		out = intersect(clientScope, requested)
		out = append(out, Application)
	} else {
		if len(requested) == 0 {
			requested = userScope
		}
		out = intersect(intersect(clientScope, requested), userScope)
		out = append(out, User)
	}
	out = append(out, Default)
	return normalize(out)
}

// Tag re-attaches the virtual tags to a persisted scope. Stored scopes never
// carry them, so they are recomputed from the shape of the grant on read.
func Tag(stored []string, clientGrant bool) []string {
	out := StripVirtual(stored)
	if clientGrant {
		out = append(out, Application)
	} else {
		out = append(out, User)
	}
	return normalize(append(out, Default))
}

// Parse splits a space-delimited wire scope into a normalized set.
func Parse(s string) []string {
	return normalize(strings.Fields(s))
}

// Format joins a scope set into its wire form.
func Format(scope []string) string {
	return strings.Join(normalize(scope), " ")
}

// ContainsAll reports whether every element of required is present in have.
// Matching is exact; there are no wildcards.
func ContainsAll(have, required []string) bool {
	for _, r := range required {
		if !slices.Contains(have, r) {
			return false
		}
	}
	return true
}

func intersect(a, b []string) []string {
	var out []string
	for _, s := range a {
		if s != "" && !IsVirtual(s) && slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}

func normalize(scope []string) []string {
	out := make([]string, 0, len(scope))
	for _, s := range scope {
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
