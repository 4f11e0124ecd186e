package inlinehook

import (
	"github.com/pkg/errors"

	"github.com/k2io/inlinehook/internal/execmem"
	"github.com/k2io/inlinehook/internal/insn"
	"github.com/k2io/inlinehook/internal/patcher"
	"github.com/k2io/inlinehook/internal/trampoline"
)

var (
	// ErrAlreadyHooked means the target already has an active hook
	ErrAlreadyHooked = errors.New("already hooked")
	// ErrNotHooked means the target has no active hook
	ErrNotHooked = errors.New("hook not found")
	// ErrOverlappingHook means the bytes to patch overlap another hook
	ErrOverlappingHook = errors.New("overlaps an installed hook")
	// ErrPrologueMismatch means the target does not start with the expected bytes
	ErrPrologueMismatch = errors.New("prologue does not match")
	// ErrInvalidAddress means a zero target or replacement, or both the same
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInputType means an argument is not a func
	ErrInputType = errors.New("input is not func type")
	// ErrUnsupportedArch means the running architecture has no encoder
	ErrUnsupportedArch = errors.New("unsupported architecture")

	// ErrMemoryOperation is the generic patch_code failure
	ErrMemoryOperation = errors.New("memory operation failed")
	// ErrNotEnough means memory ran out, or a write did not fit the image
	ErrNotEnough = execmem.ErrNotEnough
	// ErrNotSupportExecutable means the system refused executable memory
	ErrNotSupportExecutable = execmem.ErrNotSupportedExecutable
	// ErrUnknown is an unclassified failure
	ErrUnknown = patcher.ErrUnknown

	// ErrPermissionDenied means code protection could not be changed
	ErrPermissionDenied = patcher.ErrPermissionDenied
	// ErrOutOfRange means a write crosses out of the mapped image
	ErrOutOfRange = patcher.ErrOutOfRange
	// ErrFunctionTooShort means the function ends before the takeover jump fits
	ErrFunctionTooShort = trampoline.ErrFunctionTooShort
	// ErrUnsupportedInstruction means the prologue cannot be relocated
	ErrUnsupportedInstruction = trampoline.ErrUnsupportedInstruction
	// ErrTrampolineLayout means the trampoline could not be placed
	ErrTrampolineLayout = trampoline.ErrLayout
	// ErrMalformedInstruction means the target does not hold valid code
	ErrMalformedInstruction = insn.ErrMalformed
	// ErrTruncatedInstruction means the code ran off the end of the mapping
	ErrTruncatedInstruction = insn.ErrTruncated
)

// reason is the metrics label for err.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyHooked):
		return "already_hooked"
	case errors.Is(err, ErrNotHooked):
		return "not_hooked"
	case errors.Is(err, ErrOverlappingHook):
		return "overlap"
	case errors.Is(err, ErrPrologueMismatch):
		return "mismatch"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid"
	case errors.Is(err, ErrFunctionTooShort):
		return "too_short"
	case errors.Is(err, ErrUnsupportedInstruction):
		return "unsupported"
	case errors.Is(err, ErrTrampolineLayout):
		return "layout"
	case errors.Is(err, ErrMalformedInstruction), errors.Is(err, ErrTruncatedInstruction):
		return "decode"
	case errors.Is(err, ErrNotEnough):
		return "no_memory"
	case errors.Is(err, ErrNotSupportExecutable):
		return "no_exec"
	case errors.Is(err, ErrPermissionDenied):
		return "permission"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	}
	return "other"
}

// patchError maps a patcher failure onto the patch_code error set.
func patchError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, patcher.ErrPermissionDenied):
		return errors.Wrap(ErrMemoryOperation, err.Error())
	case errors.Is(err, patcher.ErrOutOfRange), errors.Is(err, execmem.ErrNotEnough):
		return errors.Wrap(ErrNotEnough, err.Error())
	case errors.Is(err, execmem.ErrNotSupportedExecutable):
		return err
	case errors.Is(err, patcher.ErrUnknown):
		return err
	}
	return errors.Wrap(ErrUnknown, err.Error())
}
