//go:build !unix

package patcher

import "github.com/k2io/inlinehook/internal/vmmap"

func pageSize() int {
	return 4096
}

func protect(uintptr, uintptr, vmmap.Perms, bool) error {
	return ErrPermissionDenied
}
