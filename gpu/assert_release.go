//go:build !chpldebug

package gpu

const debugChecks = false
