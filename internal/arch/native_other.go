//go:build !amd64 && !arm64

package arch

// Native returns nil: the running architecture cannot be hooked.
func Native() *Spec {
	return nil
}
