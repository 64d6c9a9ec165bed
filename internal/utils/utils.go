// Package utils provides small reusable helpers shared across the project.
//
// Functional Programming Utilities:
//   - Map, Filter: Generic implementations for slice processing.
//
// Slices:
//   - Uniq
//
// Validation Helpers:
//   - IsUsername: Checks the allowed username alphabet.
package utils

import (
	"regexp"
	"strings"
)

/* some Functional Programming in Go */
// map
type mapFunc[E any, R any] func(E) R

// Map applies f to each element of s.
func Map[S ~[]E, E any, R any](s S, f mapFunc[E, R]) []R {
	result := make([]R, len(s))
	for i, e := range s {
		result[i] = f(e)
	}

	return result
}

// filter
type keepFunc[E any] func(E) bool

// Filter returns the elements of s for which f is true, in order.
func Filter[S ~[]E, E any](s S, f keepFunc[E]) S {
	result := S{}
	for _, v := range s {
		if f(v) {
			result = append(result, v)
		}
	}

	return result
}

// Uniq trims every string and drops blanks and repeats, keeping first-seen order.
func Uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	return out
}

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9@_.\-]+$`)

// IsUsername reports whether s is made of letters, digits and @ _ . -
func IsUsername(s string) bool {
	return usernameRe.MatchString(s)
}
