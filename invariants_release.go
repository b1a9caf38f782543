//go:build release

package ygggo_amysql

const abortOnInvariantViolation = false
