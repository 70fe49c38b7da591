package proc

import (
	"encoding/binary"
	"errors"
	"sort"
	"testing"

	"github.com/go-delve/cfiwalk/pkg/dwarf/dwarfbuilder"
	"github.com/go-delve/cfiwalk/pkg/dwarf/frame"
	"github.com/go-delve/cfiwalk/pkg/dwarf/op"
	"github.com/go-delve/cfiwalk/pkg/dwarf/regnum"
)

const ehFrameAddr = 0x100000

func amd64CIE(aug string) dwarfbuilder.CIE {
	var p dwarfbuilder.Program
	p.DefCFA(regnum.AMD64_Rsp, 8).Offset(regnum.AMD64_Rip, 1)
	return dwarfbuilder.CIE{
		Augmentation:        aug,
		CodeAlignmentFactor: 1,
		DataAlignmentFactor: -8,
		ReturnAddressReg:    regnum.AMD64_Rip,
		Instructions:        p.Bytes(),
	}
}

type fdeSpec struct {
	begin, size  uint64
	instructions []byte
}

func buildFDEs(t *testing.T, cie dwarfbuilder.CIE, specs ...fdeSpec) frame.FrameDescriptionEntries {
	t.Helper()
	b := dwarfbuilder.NewEHFrame(ehFrameAddr)
	cieOff := b.AddCIE(cie)
	for _, s := range specs {
		b.AddFDE(cieOff, s.begin, s.size, s.instructions)
	}
	fdes, err := frame.Parse(b.Bytes(), binary.LittleEndian, 0, 8, ehFrameAddr)
	if err != nil {
		t.Fatal(err)
	}
	return fdes
}

// syntheticRow returns a program producing the row
// (RBP, 16, ra at cfa+8, rbp at cfa+0).
func syntheticRow() []byte {
	var p dwarfbuilder.Program
	p.DefCFA(regnum.AMD64_Rbp, 16).OffsetSigned(regnum.AMD64_Rip, -1).Offset(regnum.AMD64_Rbp, 0)
	return p.Bytes()
}

// prologueRow returns the program of a function with a standard frame
// pointer prologue:
//
//	0x0 push rbp
//	0x1 mov rbp, rsp
//	0x4 ...
func prologueRow() []byte {
	var p dwarfbuilder.Program
	p.AdvanceLoc(1).DefCFAOffset(16).Offset(regnum.AMD64_Rbp, 2).
		AdvanceLoc(3).DefCFARegister(regnum.AMD64_Rbp)
	return p.Bytes()
}

type fakeLibrary struct {
	name string
	fdes frame.FrameDescriptionEntries
	err  error
}

func (lib *fakeLibrary) Name() string { return lib.name }

func (lib *fakeLibrary) FrameEntries() (frame.FrameDescriptionEntries, error) {
	return lib.fdes, lib.err
}

type fakeMapping struct {
	start, end uint64
	lib        Library
}

// fakeDebugger is a target whose memory is a sparse set of words.
type fakeDebugger struct {
	words map[uint64]uint64
	maps  []fakeMapping
	syms  []Symbol
	reads int
}

func newFakeDebugger() *fakeDebugger {
	return &fakeDebugger{words: map[uint64]uint64{}}
}

func (dbg *fakeDebugger) mapLibrary(start, end uint64, lib Library) {
	dbg.maps = append(dbg.maps, fakeMapping{start, end, lib})
}

func (dbg *fakeDebugger) ReadMemory(buf []byte, addr uint64) (int, error) {
	dbg.reads++
	if addr%8 != 0 || len(buf)%8 != 0 {
		return 0, errors.New("unsupported read")
	}
	for i := 0; i < len(buf); i += 8 {
		w, ok := dbg.words[addr+uint64(i)]
		if !ok {
			return i, errors.New("unmapped")
		}
		binary.LittleEndian.PutUint64(buf[i:], w)
	}
	return len(buf), nil
}

func (dbg *fakeDebugger) FindLibrary(pc uint64) Library {
	for _, m := range dbg.maps {
		if pc >= m.start && pc < m.end {
			return m.lib
		}
	}
	return nil
}

func (dbg *fakeDebugger) ClosestSymbol(pc uint64) (Symbol, bool) {
	if dbg.FindLibrary(pc) == nil {
		return Symbol{}, false
	}
	i := sort.Search(len(dbg.syms), func(i int) bool { return dbg.syms[i].Addr > pc })
	if i == 0 {
		return Symbol{}, false
	}
	sym := dbg.syms[i-1]
	sym.Offset = pc - sym.Addr
	return sym, true
}

func amd64Regs(rip, rsp, rbp uint64) *op.DwarfRegisters {
	regs := op.NewDwarfRegisters(nil, regnum.AMD64_Rip, regnum.AMD64_Rsp, regnum.AMD64_Rbp)
	regs.AddReg(regnum.AMD64_Rip, op.DwarfRegisterFromUint64(rip))
	regs.AddReg(regnum.AMD64_Rsp, op.DwarfRegisterFromUint64(rsp))
	regs.AddReg(regnum.AMD64_Rbp, op.DwarfRegisterFromUint64(rbp))
	return regs
}
