package terminal

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-delve/cfiwalk/pkg/dwarf/frame"
	"github.com/go-delve/cfiwalk/pkg/dwarf/op"
	"github.com/go-delve/cfiwalk/pkg/dwarf/regnum"
	"github.com/go-delve/cfiwalk/pkg/proc"
)

// FormatRow describes the row held by a processed CFI context.
func FormatRow(ctx *proc.CFIContext) string {
	if ctx == nil || !ctx.Processed() {
		return "no row"
	}
	begin, end := ctx.Row()
	bp := "unsaved"
	if ctx.IsBPOffsetAvailable() {
		bp = fmt.Sprintf("[cfa%+d]", ctx.BasePointerOffsetFromCFA())
	}
	return fmt.Sprintf("row [%#x, %#x) cfa=%s%+d ra=[cfa%+d] rbp=%s",
		begin, end,
		strings.ToLower(regnum.AMD64ToName(ctx.CFARegister())), ctx.CFAOffset(),
		ctx.ReturnAddressOffsetFromCFA(), bp)
}

// FormatFDE describes an FDE and its CIE.
func FormatFDE(fde *frame.FrameDescriptionEntry) string {
	if fde == nil {
		return "no FDE"
	}
	cie := fde.CIE
	return fmt.Sprintf("fde [%#x, %#x) cie augmentation=%q code_align=%d data_align=%d ra_column=%s",
		fde.Begin(), fde.End(), cie.Augmentation, cie.CodeAlignmentFactor, cie.DataAlignmentFactor,
		strings.ToLower(regnum.AMD64ToName(cie.ReturnAddressRegister)))
}

func digits(n int) int {
	if n <= 0 {
		return 1
	}
	return len(strconv.Itoa(n))
}

func (t *Term) formatSymbol(sym proc.Symbol, ok bool) string {
	if !ok {
		return t.highlight(ansiYellow, "??")
	}
	s := t.highlight(ansiBlue, sym.Name)
	if sym.Offset != 0 {
		s += fmt.Sprintf("+%#x", sym.Offset)
	}
	if sym.Library != "" {
		s += " (" + filepath.Base(sym.Library) + ")"
	}
	return s
}

// PrintStack prints the frames of a stack trace. If mem is not nil and
// disassembly is enabled the instruction at the PC of each frame is
// printed.
func (t *Term) PrintStack(out io.Writer, frames []*proc.Frame, mem proc.MemoryReader, ind string) {
	if len(frames) == 0 {
		return
	}

	d := digits(len(frames) - 1)
	fmtstr := "%s%" + strconv.Itoa(d) + "d  0x%016x in %s\n"
	s := ind + strings.Repeat(" ", d+2+len(ind))

	for i, f := range frames {
		sym, ok := f.ClosestSymbolToPC()
		fmt.Fprintf(out, fmtstr, ind, i, f.PC(), t.formatSymbol(sym, ok))
		if t.conf.ShowCFA {
			fmt.Fprintf(out, "%s%s frame: cfa %#x\n", s, f.Kind(), f.CFA())
			if ctx := f.CFIContext(); ctx != nil && ctx.Processed() {
				fmt.Fprintf(out, "%s%s\n", s, FormatRow(ctx))
			}
		}
		if t.conf.Disassemble && mem != nil {
			var syms proc.SymbolResolver
			if sr, ok := mem.(proc.SymbolResolver); ok {
				syms = sr
			}
			dv, err := Disassemble(mem, syms, f.PC(), 1, f.PC())
			if err != nil {
				fmt.Fprintf(out, "%s%s\n", s, t.highlight(ansiRed, "error: "+err.Error()))
				continue
			}
			disasmPrint(dv, out, s)
		}
	}
}

// PrintRegisters prints the registers a stack trace starts from.
func (t *Term) PrintRegisters(out io.Writer, regs *op.DwarfRegisters, ind string) {
	fmt.Fprintf(out, "%sregisters: %s\n", ind, regs.Format(func(num uint64) string {
		return strings.ToLower(regnum.AMD64ToName(num))
	}))
}

// PrintStackError prints the error that interrupted a stack trace.
func (t *Term) PrintStackError(out io.Writer, err error, ind string) {
	fmt.Fprintf(out, "%s%s\n", ind, t.highlight(ansiRed, "error: "+err.Error()))
}
