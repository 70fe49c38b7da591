package proc

import (
	"github.com/go-delve/cfiwalk/pkg/dwarf/frame"
)

// ThreadContext is a register snapshot of a stopped thread.
type ThreadContext interface {
	// Uint64Val returns the value of the register with the given DWARF
	// register number.
	Uint64Val(regnum uint64) uint64
	SP() uint64
	BP() uint64
}

// Library is a loaded object with call frame information.
type Library interface {
	Name() string
	// FrameEntries returns the FDEs of the library, relocated to the
	// address the library is loaded at.
	FrameEntries() (frame.FrameDescriptionEntries, error)
}

// LibraryResolver maps an address to the library that contains it.
type LibraryResolver interface {
	// FindLibrary returns nil if pc does not belong to any known library.
	FindLibrary(pc uint64) Library
}

// Symbol is the closest symbol preceding an address.
type Symbol struct {
	Name    string
	Addr    uint64
	Offset  uint64
	Library string
}

// SymbolResolver maps an address to a symbol.
type SymbolResolver interface {
	ClosestSymbol(pc uint64) (Symbol, bool)
}

// Debugger is the view of a target process the frame walker needs.
type Debugger interface {
	MemoryReader
	LibraryResolver
	SymbolResolver
}
