package proc

import (
	"fmt"

	"github.com/go-delve/cfiwalk/pkg/dwarf/frame"
	"github.com/go-delve/cfiwalk/pkg/dwarf/regnum"
	"github.com/go-delve/cfiwalk/pkg/logflags"
)

// CFIContext evaluates the call frame information of a single library.
// After a successful call to Process it describes how to find the
// canonical frame address, the return address and the saved frame pointer
// of the frame executing at the processed PC.
//
// A CFIContext is not safe for concurrent use. Use Fork to obtain an
// independent context that shares the parsed table.
type CFIContext struct {
	lib  Library
	fdes frame.FrameDescriptionEntries

	fde   *frame.FrameDescriptionEntry
	frame *frame.FrameContext

	cfaReg      uint64
	cfaOffset   int64
	raOffset    int64
	bpOffset    int64
	bpAvailable bool

	closed bool
}

// NewCFIContext returns a context for the call frame information of lib.
func NewCFIContext(lib Library) (*CFIContext, error) {
	fdes, err := lib.FrameEntries()
	if err != nil {
		return nil, &DebuggerError{Op: "open", Lib: lib.Name(), Err: err}
	}
	if len(fdes) == 0 {
		return nil, &DebuggerError{Op: "open", Lib: lib.Name(), Err: ErrNoCFI}
	}
	return &CFIContext{lib: lib, fdes: fdes}, nil
}

// Fork returns a new context for the same library with no processed row.
func (ctx *CFIContext) Fork() *CFIContext {
	return &CFIContext{lib: ctx.lib, fdes: ctx.fdes, closed: ctx.closed}
}

// Library returns the library this context reads from.
func (ctx *CFIContext) Library() Library {
	return ctx.lib
}

// Process evaluates the CFA program of the FDE covering pc up to pc.
// On failure the context is left with no processed row.
func (ctx *CFIContext) Process(pc uint64) error {
	ctx.fde, ctx.frame = nil, nil
	ctx.cfaReg, ctx.cfaOffset, ctx.raOffset, ctx.bpOffset, ctx.bpAvailable = 0, 0, 0, 0, false

	if ctx.closed {
		return &DebuggerError{Op: "process", Lib: ctx.lib.Name(), PC: pc, Err: ErrContextClosed}
	}
	fail := func(err error) error {
		logflags.CFILogger().WithError(err).Debugf("%s: no row for %#x", ctx.lib.Name(), pc)
		return &DebuggerError{Op: "process", Lib: ctx.lib.Name(), PC: pc, Err: err}
	}

	fde, err := ctx.fdes.FDEForPC(pc)
	if err != nil {
		return fail(err)
	}
	if fde.CIE.Personality || fde.CIE.LSDA {
		return fail(&UnsupportedCIEError{Augmentation: fde.CIE.Augmentation})
	}
	fctxt, err := fde.EstablishFrame(pc)
	if err != nil {
		return fail(err)
	}
	if fctxt.CFA.Rule != frame.RuleCFA {
		return fail(&UnsupportedRuleError{What: "CFA"})
	}
	ra := fctxt.Regs[fctxt.RetAddrReg]
	if ra.Rule != frame.RuleOffset {
		return fail(&UnsupportedRuleError{What: "return address"})
	}

	ctx.fde, ctx.frame = fde, fctxt
	ctx.cfaReg = fctxt.CFA.Reg
	ctx.cfaOffset = fctxt.CFA.Offset
	ctx.raOffset = ra.Offset
	if bp := fctxt.Regs[regnum.AMD64_Rbp]; bp.Rule == frame.RuleOffset {
		ctx.bpOffset = bp.Offset
		ctx.bpAvailable = true
	}

	if logflags.CFI() {
		logflags.CFILogger().Debugf("%s: pc=%#x row=[%#x, %#x) cfa=%s%+d ra=cfa%+d bp=%s", ctx.lib.Name(), pc, fctxt.RowBegin(), fctxt.RowEnd(), regnum.AMD64ToName(ctx.cfaReg), ctx.cfaOffset, ctx.raOffset, ctx.bpString())
	}
	return nil
}

func (ctx *CFIContext) bpString() string {
	if !ctx.bpAvailable {
		return "unsaved"
	}
	return fmt.Sprintf("cfa%+d", ctx.bpOffset)
}

// IsIn returns true if pc is covered by the FDE selected by the last
// successful call to Process.
func (ctx *CFIContext) IsIn(pc uint64) bool {
	return ctx.fde != nil && ctx.fde.Cover(pc)
}

// Processed returns true if the context holds a row.
func (ctx *CFIContext) Processed() bool {
	return ctx.frame != nil
}

// CFARegister returns the DWARF number of the register the CFA is
// computed from.
func (ctx *CFIContext) CFARegister() uint64 {
	return ctx.cfaReg
}

// CFAOffset returns the offset added to CFARegister to compute the CFA.
func (ctx *CFIContext) CFAOffset() int64 {
	return ctx.cfaOffset
}

// ReturnAddressOffsetFromCFA returns the offset from the CFA of the slot
// holding the return address.
func (ctx *CFIContext) ReturnAddressOffsetFromCFA() int64 {
	return ctx.raOffset
}

// BasePointerOffsetFromCFA returns the offset from the CFA of the slot
// holding the caller's frame pointer. It is only meaningful when
// IsBPOffsetAvailable returns true.
func (ctx *CFIContext) BasePointerOffsetFromCFA() int64 {
	return ctx.bpOffset
}

// IsBPOffsetAvailable returns true if the frame pointer has been saved at
// the processed PC.
func (ctx *CFIContext) IsBPOffsetAvailable() bool {
	return ctx.bpAvailable
}

// FDE returns the FDE selected by the last successful call to Process.
func (ctx *CFIContext) FDE() *frame.FrameDescriptionEntry {
	return ctx.fde
}

// Row returns the range of addresses sharing the processed row.
func (ctx *CFIContext) Row() (begin, end uint64) {
	if ctx.frame == nil {
		return 0, 0
	}
	return ctx.frame.RowBegin(), ctx.frame.RowEnd()
}

// Close releases the context. Calling Close more than once has no effect.
func (ctx *CFIContext) Close() error {
	if ctx == nil || ctx.closed {
		return nil
	}
	ctx.closed = true
	ctx.fdes = nil
	ctx.fde, ctx.frame = nil, nil
	return nil
}
