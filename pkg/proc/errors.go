package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCFI is returned when a library carries no call frame information.
	ErrNoCFI = errors.New("no call frame information")
	// ErrContextClosed is returned when a released CFIContext is used.
	ErrContextClosed = errors.New("use of closed CFI context")
	// ErrNoTopFrame is returned when the canonical frame address of the
	// innermost frame can not be determined.
	ErrNoTopFrame = errors.New("could not determine top frame")
)

// DebuggerError is returned when the unwind information of a library can
// not be loaded or evaluated.
type DebuggerError struct {
	Op  string
	Lib string
	PC  uint64
	Err error
}

func (err *DebuggerError) Error() string {
	if err.Op == "process" {
		return fmt.Sprintf("cfi %s %s at %#x: %v", err.Op, err.Lib, err.PC, err.Err)
	}
	return fmt.Sprintf("cfi %s %s: %v", err.Op, err.Lib, err.Err)
}

func (err *DebuggerError) Unwrap() error {
	return err.Err
}

// UnsupportedCIEError is returned for CIEs that declare a personality
// routine or an LSDA.
type UnsupportedCIEError struct {
	Augmentation string
}

func (err *UnsupportedCIEError) Error() string {
	return fmt.Sprintf("unsupported CIE augmentation %q", err.Augmentation)
}

// UnsupportedRuleError is returned when the row for a PC uses a rule the
// walker can not evaluate.
type UnsupportedRuleError struct {
	What string
}

func (err *UnsupportedRuleError) Error() string {
	return fmt.Sprintf("unsupported rule for %s", err.What)
}

// UnmappedAddressError is returned when reading the target's memory fails.
type UnmappedAddressError struct {
	Addr uint64
	Err  error
}

func (err UnmappedAddressError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("could not read memory at %#x: %v", err.Addr, err.Err)
	}
	return fmt.Sprintf("could not read memory at %#x", err.Addr)
}

func (err UnmappedAddressError) Unwrap() error {
	return err.Err
}

// UnalignedAddressError is returned when a pointer is read from an address
// that is not pointer aligned.
type UnalignedAddressError struct {
	Addr uint64
}

func (err UnalignedAddressError) Error() string {
	return fmt.Sprintf("unaligned address %#x", err.Addr)
}
