package op

import (
	"fmt"
	"strings"
)

// DwarfRegisters holds the value of stack program registers, indexed by
// DWARF register number.
type DwarfRegisters struct {
	regs []*DwarfRegister

	PCRegNum uint64
	SPRegNum uint64
	BPRegNum uint64
}

// DwarfRegister is the value of a single register.
type DwarfRegister struct {
	Uint64Val uint64
}

// NewDwarfRegisters returns a new DwarfRegisters object.
func NewDwarfRegisters(regs []*DwarfRegister, pcRegNum, spRegNum, bpRegNum uint64) *DwarfRegisters {
	return &DwarfRegisters{
		regs:     regs,
		PCRegNum: pcRegNum,
		SPRegNum: spRegNum,
		BPRegNum: bpRegNum,
	}
}

// CurrentSize returns the current number of known registers.
func (regs *DwarfRegisters) CurrentSize() int {
	return len(regs.regs)
}

// Uint64Val returns the uint64 value of register idx, zero if the register
// is not defined.
func (regs *DwarfRegisters) Uint64Val(idx uint64) uint64 {
	reg := regs.Reg(idx)
	if reg == nil {
		return 0
	}
	return reg.Uint64Val
}

// Reg returns register idx or nil if the register is not defined.
func (regs *DwarfRegisters) Reg(idx uint64) *DwarfRegister {
	if idx >= uint64(len(regs.regs)) {
		return nil
	}
	return regs.regs[idx]
}

func (regs *DwarfRegisters) PC() uint64 {
	return regs.Uint64Val(regs.PCRegNum)
}

func (regs *DwarfRegisters) SP() uint64 {
	return regs.Uint64Val(regs.SPRegNum)
}

func (regs *DwarfRegisters) BP() uint64 {
	return regs.Uint64Val(regs.BPRegNum)
}

// AddReg adds register idx to regs.
func (regs *DwarfRegisters) AddReg(idx uint64, reg *DwarfRegister) {
	if idx >= uint64(len(regs.regs)) {
		newRegs := make([]*DwarfRegister, idx+1)
		copy(newRegs, regs.regs)
		regs.regs = newRegs
	}
	regs.regs[idx] = reg
}

// Format returns a one line description of the defined registers, using
// toName to translate register numbers.
func (regs *DwarfRegisters) Format(toName func(uint64) string) string {
	var sb strings.Builder
	for i, reg := range regs.regs {
		if reg == nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%#x", toName(uint64(i)), reg.Uint64Val)
	}
	return sb.String()
}

func DwarfRegisterFromUint64(v uint64) *DwarfRegister {
	return &DwarfRegister{Uint64Val: v}
}
