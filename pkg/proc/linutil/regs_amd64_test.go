package linutil

import (
	"testing"

	"github.com/go-delve/cfiwalk/pkg/dwarf/regnum"
)

func TestAMD64Registers(t *testing.T) {
	r := NewAMD64Registers(&AMD64PtraceRegs{Rip: 0x401000, Rsp: 0x7000, Rbp: 0x7050, Rax: 1, R15: 15, Orig_rax: 99})

	for _, tc := range []struct {
		regNum uint64
		want   uint64
	}{
		{regnum.AMD64_Rip, 0x401000},
		{regnum.AMD64_Rsp, 0x7000},
		{regnum.AMD64_Rbp, 0x7050},
		{regnum.AMD64_Rax, 1},
		{regnum.AMD64_R15, 15},
		{regnum.AMD64_Rbx, 0},
		{17, 0},
	} {
		if got := r.Uint64Val(tc.regNum); got != tc.want {
			t.Errorf("%s: %#x, expected %#x", regnum.AMD64ToName(tc.regNum), got, tc.want)
		}
	}
	if r.PC() != 0x401000 || r.SP() != 0x7000 || r.BP() != 0x7050 {
		t.Errorf("PC/SP/BP mismatch")
	}

	dregs := r.DwarfRegisters()
	if dregs.PC() != r.PC() || dregs.SP() != r.SP() || dregs.BP() != r.BP() || dregs.Uint64Val(regnum.AMD64_R15) != 15 {
		t.Errorf("DwarfRegisters mismatch: %s", dregs.Format(regnum.AMD64ToName))
	}
}
