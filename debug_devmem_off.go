//go:build !debug_devmem

package devmem

// See debug_devmem.go. Outside the debug_devmem build, no padding is
// reserved and every Free range, however small, is kept in the
// binary-searchable size index.
const (
	defaultDebugMargin       = 0
	defaultRegisterThreshold = 1
)
