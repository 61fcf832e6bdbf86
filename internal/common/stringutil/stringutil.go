// Package stringutil provides small string helpers shared across packages.
package stringutil

// Truncate caps a string at maxLen bytes, replacing the tail with "..." when
// it was cut. Strings at or under the limit pass through untouched.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
