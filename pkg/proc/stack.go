package proc

import (
	"errors"
	"fmt"

	"github.com/go-delve/cfiwalk/pkg/dwarf/regnum"
	"github.com/go-delve/cfiwalk/pkg/logflags"
)

// FrameKind describes how a frame was unwound.
type FrameKind uint8

const (
	// FrameManaged is a frame with no call frame information, unwound by
	// following the saved frame pointer chain.
	FrameManaged FrameKind = iota
	// FrameNative is a frame unwound with call frame information.
	FrameNative
	// FrameNativeTerminal is a native frame whose caller can not be
	// determined.
	FrameNativeTerminal
)

func (k FrameKind) String() string {
	switch k {
	case FrameManaged:
		return "managed"
	case FrameNative:
		return "native"
	case FrameNativeTerminal:
		return "native (terminal)"
	}
	return fmt.Sprintf("FrameKind(%d)", k)
}

// Frame is a single frame of a thread's stack.
type Frame struct {
	pc    uint64
	cfa   uint64
	final bool

	// cfi is nil for managed frames.
	cfi *CFIContext

	dbg Debugger
	mem MemoryReader
}

// TopFrame returns the innermost frame of a thread stopped at pc with the
// registers in regs, or nil if its canonical frame address can not be
// determined.
func TopFrame(dbg Debugger, pc uint64, regs ThreadContext) *Frame {
	return topFrame(dbg, dbg, pc, regs)
}

func topFrame(dbg Debugger, mem MemoryReader, pc uint64, regs ThreadContext) *Frame {
	if dbg == nil || regs == nil {
		panic("proc: TopFrame called with nil debugger or registers")
	}
	logger := logflags.UnwindLogger()
	f := &Frame{pc: pc, dbg: dbg, mem: mem}

	if lib := dbg.FindLibrary(pc); lib == nil {
		f.cfa = regs.BP()
	} else if cfi, err := NewCFIContext(lib); err != nil {
		logger.WithError(err).Debugf("top frame %#x: unwinding as managed", pc)
		f.cfa = regs.BP()
	} else if err := cfi.Process(pc); err != nil {
		logger.WithError(err).Debugf("top frame %#x: terminal", pc)
		f.cfi = cfi
		f.final = true
		f.cfa = regs.BP()
	} else {
		f.cfi = cfi
		if cfi.CFARegister() == regnum.AMD64_Rbp && !cfi.IsBPOffsetAvailable() {
			f.cfa = regs.BP()
		} else {
			f.cfa = uint64(int64(regs.Uint64Val(cfi.CFARegister())) + cfi.CFAOffset())
		}
	}

	if f.cfa == 0 {
		logger.Debugf("top frame %#x: no CFA", pc)
		f.Release()
		return nil
	}
	return f
}

// Sender returns the caller of f, or nil if the walk ends at f.
// The registers in regs are those of the innermost frame of the thread.
func (f *Frame) Sender(regs ThreadContext) *Frame {
	if regs == nil {
		panic("proc: Sender called with nil registers")
	}
	if f.final {
		return nil
	}
	logger := logflags.UnwindLogger()

	// Without CFI the CFA is the frame pointer: the saved RBP is at cfa+0
	// and the return address in the slot above it.
	raOffset := int64(ptrSize)
	if f.cfi != nil {
		raOffset = f.cfi.ReturnAddressOffsetFromCFA()
	}
	nextPC, err := readAddressAt(f.mem, f.cfa, raOffset)
	if err != nil {
		logger.WithError(err).Debugf("frame %#x: could not read return address", f.pc)
		return nil
	}
	if nextPC == 0 {
		return nil
	}

	var next *CFIContext
	if f.cfi != nil && f.cfi.IsIn(nextPC) {
		next = f.cfi.Fork()
	} else if lib := f.dbg.FindLibrary(nextPC); lib != nil {
		next, err = NewCFIContext(lib)
		if err != nil {
			logger.WithError(err).Debugf("frame %#x: unwinding as managed", nextPC)
			next = nil
		}
	}
	if next != nil {
		if err := next.Process(nextPC); err != nil {
			logger.WithError(err).Debugf("frame %#x: terminal", nextPC)
			return &Frame{pc: nextPC, cfa: f.cfa, final: true, cfi: next, dbg: f.dbg, mem: f.mem}
		}
	}

	nextCFA, err := f.nextCFA(next, regs)
	if err != nil {
		logger.WithError(err).Debugf("frame %#x: could not compute caller CFA", nextPC)
		next.Close()
		return nil
	}
	if !f.isValidCallerCFA(nextCFA, regs) {
		logger.Debugf("frame %#x: invalid CFA %#x (current %#x, sp %#x)", nextPC, nextCFA, f.cfa, regs.SP())
		next.Close()
		return nil
	}
	return &Frame{pc: nextPC, cfa: nextCFA, cfi: next, dbg: f.dbg, mem: f.mem}
}

// nextCFA computes the CFA of the caller of f. A nil next means the caller
// is managed.
func (f *Frame) nextCFA(next *CFIContext, regs ThreadContext) (uint64, error) {
	if next == nil {
		if f.cfi == nil {
			return readAddressAt(f.mem, f.cfa, 0)
		}
		return readAddressAt(f.mem, f.cfa, f.cfi.BasePointerOffsetFromCFA())
	}

	var ptr uint64
	var err error
	switch {
	case f.cfi == nil:
		ptr, err = readAddressAt(f.mem, f.cfa, 0)
	case !f.cfi.IsBPOffsetAvailable() && next.CFARegister() == regnum.AMD64_Rbp && next.CFARegister() != f.cfi.CFARegister():
		// The frame pointer was not saved by f, the live register still
		// holds the value used by the caller.
		ptr, err = readAddressAt(f.mem, regs.BP(), 0)
	default:
		ptr, err = readAddressAt(f.mem, f.cfa, f.cfi.BasePointerOffsetFromCFA())
	}
	if err != nil {
		return 0, err
	}
	return uint64(int64(ptr) - next.BasePointerOffsetFromCFA()), nil
}

// isValidCallerCFA checks that cfa can belong to a caller of f: callers
// live above the stack pointer and above f.
func (f *Frame) isValidCallerCFA(cfa uint64, regs ThreadContext) bool {
	return cfa != 0 && cfa >= regs.SP() && cfa > f.cfa
}

// PC returns the program counter of the frame.
func (f *Frame) PC() uint64 {
	return f.pc
}

// CFA returns the canonical frame address of the frame.
func (f *Frame) CFA() uint64 {
	return f.cfa
}

// LocalVariableBase returns the address locals are addressed from, the CFA.
func (f *Frame) LocalVariableBase() uint64 {
	return f.cfa
}

func (f *Frame) Kind() FrameKind {
	switch {
	case f.final:
		return FrameNativeTerminal
	case f.cfi != nil:
		return FrameNative
	}
	return FrameManaged
}

// IsFinal returns true if f is known to be the outermost frame that can be
// unwound.
func (f *Frame) IsFinal() bool {
	return f.final
}

// CFIContext returns the context used to unwind f, nil for managed frames.
func (f *Frame) CFIContext() *CFIContext {
	return f.cfi
}

// ClosestSymbolToPC returns the symbol containing the frame's PC.
func (f *Frame) ClosestSymbolToPC() (Symbol, bool) {
	return f.dbg.ClosestSymbol(f.pc)
}

// Release releases the CFI context held by f.
func (f *Frame) Release() {
	if f.cfi != nil {
		f.cfi.Close()
	}
}

func (f *Frame) String() string {
	if sym, ok := f.ClosestSymbolToPC(); ok {
		return fmt.Sprintf("%#016x %s+%#x cfa=%#x %s", f.pc, sym.Name, sym.Offset, f.cfa, f.Kind())
	}
	return fmt.Sprintf("%#016x ? cfa=%#x %s", f.pc, f.cfa, f.Kind())
}

// stackCacheSize is the size of the stack window read in bulk when a walk
// starts.
const stackCacheSize = 4096

// StackIterator walks the frames of a thread from the innermost outward.
type StackIterator struct {
	dbg   Debugger
	mem   MemoryReader
	pc    uint64
	regs  ThreadContext
	frame *Frame
	atend bool
	err   error
}

// NewStackIterator returns an iterator over the frames of a thread stopped
// at pc with registers regs.
func NewStackIterator(dbg Debugger, pc uint64, regs ThreadContext) *StackIterator {
	return &StackIterator{dbg: dbg, mem: cacheMemory(dbg, regs.SP(), stackCacheSize), pc: pc, regs: regs}
}

// Next points the iterator to the next stack frame.
func (it *StackIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}
	if it.frame == nil {
		it.frame = topFrame(it.dbg, it.mem, it.pc, it.regs)
		if it.frame == nil {
			it.err = ErrNoTopFrame
			return false
		}
		return true
	}
	next := it.frame.Sender(it.regs)
	if next == nil {
		it.atend = true
		return false
	}
	it.frame = next
	return true
}

// Frame returns the frame the iterator is pointing at.
func (it *StackIterator) Frame() *Frame {
	return it.frame
}

// Err returns the error encountered during stack iteration.
func (it *StackIterator) Err() error {
	return it.err
}

// Stacktrace returns at most depth+1 frames of the stack of a thread
// stopped at pc. The caller must Release every returned frame.
func Stacktrace(dbg Debugger, pc uint64, regs ThreadContext, depth int) ([]*Frame, error) {
	if depth < 0 {
		return nil, errors.New("negative maximum stack depth")
	}
	it := NewStackIterator(dbg, pc, regs)
	frames := make([]*Frame, 0, depth+1)
	for it.Next() {
		frames = append(frames, it.Frame())
		if len(frames) >= depth+1 {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}
