//go:build !release

package ygggo_amysql

// abortOnInvariantViolation makes internal invariant violations panic after they are
// logged. Builds with the release tag only log them.
const abortOnInvariantViolation = true
