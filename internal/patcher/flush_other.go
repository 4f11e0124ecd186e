//go:build !arm64

package patcher

// x86 keeps instruction fetch coherent with stores.
func clearCache(start, end uintptr) {}
