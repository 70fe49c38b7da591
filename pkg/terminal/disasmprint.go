package terminal

import (
	"bufio"
	"fmt"
	"io"
	"text/tabwriter"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/cfiwalk/pkg/proc"
)

// maxInstructionLength is the maximum length of an x86 instruction.
const maxInstructionLength = 15

// AsmInstruction is a single decoded instruction.
type AsmInstruction struct {
	PC    uint64
	Bytes []byte
	Text  string
	AtPC  bool
}

// Disassemble decodes count instructions starting at pc. Decoding stops
// early at the first address that can not be read.
func Disassemble(mem proc.MemoryReader, syms proc.SymbolResolver, pc uint64, count int, atpc uint64) ([]AsmInstruction, error) {
	buf := make([]byte, count*maxInstructionLength)
	n, err := mem.ReadMemory(buf, pc)
	if n == 0 {
		if err == nil {
			err = fmt.Errorf("could not read memory at %#x", pc)
		}
		return nil, err
	}
	buf = buf[:n]

	symLookup := func(addr uint64) (string, uint64) {
		if syms == nil {
			return "", 0
		}
		sym, ok := syms.ClosestSymbol(addr)
		if !ok {
			return "", 0
		}
		return sym.Name, sym.Addr
	}

	var r []AsmInstruction
	for len(r) < count && len(buf) > 0 {
		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			r = append(r, AsmInstruction{PC: pc, Bytes: buf[:1], Text: "?", AtPC: pc == atpc})
			buf = buf[1:]
			pc++
			continue
		}
		r = append(r, AsmInstruction{
			PC:    pc,
			Bytes: buf[:inst.Len],
			Text:  x86asm.GNUSyntax(inst, pc, symLookup),
			AtPC:  pc == atpc,
		})
		buf = buf[inst.Len:]
		pc += uint64(inst.Len)
	}
	return r, nil
}

func disasmPrint(dv []AsmInstruction, out io.Writer, ind string) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range dv {
		atpc := ""
		if inst.AtPC {
			atpc = "=>"
		}
		fmt.Fprintf(tw, "%s%s\t%#x\t%x\t%s\n", ind, atpc, inst.PC, inst.Bytes, inst.Text)
	}
}
