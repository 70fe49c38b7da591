package linutil

import (
	"github.com/go-delve/cfiwalk/pkg/dwarf/op"
	"github.com/go-delve/cfiwalk/pkg/dwarf/regnum"
)

// AMD64Registers implements the proc.ThreadContext interface for the
// native/linux backend, on AMD64.
type AMD64Registers struct {
	Regs *AMD64PtraceRegs
}

func NewAMD64Registers(regs *AMD64PtraceRegs) *AMD64Registers {
	return &AMD64Registers{Regs: regs}
}

// AMD64PtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for AMD64 CPUs.
type AMD64PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// PC returns the value of RIP register.
func (r *AMD64Registers) PC() uint64 {
	return r.Regs.Rip
}

// SP returns the value of RSP register.
func (r *AMD64Registers) SP() uint64 {
	return r.Regs.Rsp
}

func (r *AMD64Registers) BP() uint64 {
	return r.Regs.Rbp
}

// Uint64Val returns the value of the register with DWARF number regNum,
// zero for registers that are not general purpose registers.
func (r *AMD64Registers) Uint64Val(regNum uint64) uint64 {
	if p := r.reg(regNum); p != nil {
		return *p
	}
	return 0
}

func (r *AMD64Registers) reg(regNum uint64) *uint64 {
	switch regNum {
	case regnum.AMD64_Rax:
		return &r.Regs.Rax
	case regnum.AMD64_Rbx:
		return &r.Regs.Rbx
	case regnum.AMD64_Rcx:
		return &r.Regs.Rcx
	case regnum.AMD64_Rdx:
		return &r.Regs.Rdx
	case regnum.AMD64_Rsi:
		return &r.Regs.Rsi
	case regnum.AMD64_Rdi:
		return &r.Regs.Rdi
	case regnum.AMD64_Rbp:
		return &r.Regs.Rbp
	case regnum.AMD64_Rsp:
		return &r.Regs.Rsp
	case regnum.AMD64_R8:
		return &r.Regs.R8
	case regnum.AMD64_R9:
		return &r.Regs.R9
	case regnum.AMD64_R10:
		return &r.Regs.R10
	case regnum.AMD64_R11:
		return &r.Regs.R11
	case regnum.AMD64_R12:
		return &r.Regs.R12
	case regnum.AMD64_R13:
		return &r.Regs.R13
	case regnum.AMD64_R14:
		return &r.Regs.R14
	case regnum.AMD64_R15:
		return &r.Regs.R15
	case regnum.AMD64_Rip:
		return &r.Regs.Rip
	}
	return nil
}

// DwarfRegisters returns the general purpose registers indexed by DWARF
// register number.
func (r *AMD64Registers) DwarfRegisters() *op.DwarfRegisters {
	dregs := op.NewDwarfRegisters(make([]*op.DwarfRegister, regnum.AMD64MaxRegNum()+1), regnum.AMD64_Rip, regnum.AMD64_Rsp, regnum.AMD64_Rbp)
	for i := uint64(0); i <= regnum.AMD64MaxRegNum(); i++ {
		dregs.AddReg(i, op.DwarfRegisterFromUint64(r.Uint64Val(i)))
	}
	return dregs
}
