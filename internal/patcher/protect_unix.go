//go:build unix

package patcher

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/k2io/inlinehook/internal/vmmap"
)

func pageSize() int {
	return unix.Getpagesize()
}

func protect(addr, size uintptr, perms vmmap.Perms, writable bool) error {
	prot := 0
	if perms.Read {
		prot |= unix.PROT_READ
	}
	if perms.Write || writable {
		prot |= unix.PROT_WRITE
	}
	if perms.Exec {
		prot |= unix.PROT_EXEC
	}
	err := unix.Mprotect(bytesAt(addr, int(size)), prot)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return errors.Wrapf(ErrPermissionDenied, "mprotect %#x+%#x", addr, size)
	}
	return errors.Wrapf(ErrUnknown, "mprotect %#x+%#x: %v", addr, size, err)
}
