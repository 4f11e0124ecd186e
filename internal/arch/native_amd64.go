package arch

// Native returns the spec of the running process.
func Native() *Spec {
	return AMD64
}
