package patcher

// clearCache makes instruction fetch observe writes to [start, end).
func clearCache(start, end uintptr)
