//go:build chpldebug

package gpu

// debugChecks enables the pointer-residency assertions in the copy paths.
// A violation means this layer's bookkeeping disagrees with physical
// reality, which is an internal bug, so it aborts.
const debugChecks = true
