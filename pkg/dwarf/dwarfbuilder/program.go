package dwarfbuilder

import (
	"bytes"

	"github.com/go-delve/cfiwalk/pkg/dwarf/leb128"
)

// CFA instruction opcodes emitted by Program.
const (
	cfaAdvanceLoc      = 0x40
	cfaOffset          = 0x80
	cfaRestore         = 0xc0
	cfaAdvanceLoc1     = 0x02
	cfaAdvanceLoc2     = 0x03
	cfaRememberState   = 0x0a
	cfaRestoreState    = 0x0b
	cfaDefCFA          = 0x0c
	cfaDefCFARegister  = 0x0d
	cfaDefCFAOffset    = 0x0e
	cfaDefCFAExpr      = 0x0f
	cfaOffsetExtendedS = 0x11
	cfaUndefined       = 0x07
)

// Program is a CFA program, each method appends one instruction.
type Program struct {
	buf bytes.Buffer
}

// Bytes returns the encoded instructions.
func (p *Program) Bytes() []byte {
	return p.buf.Bytes()
}

// AdvanceLoc advances the location by delta code alignment units.
func (p *Program) AdvanceLoc(delta uint64) *Program {
	switch {
	case delta < 0x40:
		p.buf.WriteByte(cfaAdvanceLoc | byte(delta))
	case delta <= 0xff:
		p.buf.WriteByte(cfaAdvanceLoc1)
		p.buf.WriteByte(byte(delta))
	default:
		p.buf.WriteByte(cfaAdvanceLoc2)
		p.buf.WriteByte(byte(delta))
		p.buf.WriteByte(byte(delta >> 8))
	}
	return p
}

// DefCFA sets the CFA rule to reg+off.
func (p *Program) DefCFA(reg, off uint64) *Program {
	p.buf.WriteByte(cfaDefCFA)
	leb128.EncodeUnsigned(&p.buf, reg)
	leb128.EncodeUnsigned(&p.buf, off)
	return p
}

// DefCFARegister changes the register of the CFA rule.
func (p *Program) DefCFARegister(reg uint64) *Program {
	p.buf.WriteByte(cfaDefCFARegister)
	leb128.EncodeUnsigned(&p.buf, reg)
	return p
}

// DefCFAOffset changes the offset of the CFA rule.
func (p *Program) DefCFAOffset(off uint64) *Program {
	p.buf.WriteByte(cfaDefCFAOffset)
	leb128.EncodeUnsigned(&p.buf, off)
	return p
}

// DefCFAExpression sets the CFA rule to a DWARF expression.
func (p *Program) DefCFAExpression(expr []byte) *Program {
	p.buf.WriteByte(cfaDefCFAExpr)
	leb128.EncodeUnsigned(&p.buf, uint64(len(expr)))
	p.buf.Write(expr)
	return p
}

// Offset says reg is saved at CFA+factoredOff*data_alignment_factor.
func (p *Program) Offset(reg uint64, factoredOff uint64) *Program {
	if reg < 0x40 {
		p.buf.WriteByte(cfaOffset | byte(reg))
		leb128.EncodeUnsigned(&p.buf, factoredOff)
		return p
	}
	p.buf.WriteByte(cfaOffsetExtendedS)
	leb128.EncodeUnsigned(&p.buf, reg)
	leb128.EncodeSigned(&p.buf, int64(factoredOff))
	return p
}

// OffsetSigned is like Offset but accepts a negative factored offset.
func (p *Program) OffsetSigned(reg uint64, factoredOff int64) *Program {
	p.buf.WriteByte(cfaOffsetExtendedS)
	leb128.EncodeUnsigned(&p.buf, reg)
	leb128.EncodeSigned(&p.buf, factoredOff)
	return p
}

// Restore resets the rule for reg to the one set by the CIE.
func (p *Program) Restore(reg uint64) *Program {
	p.buf.WriteByte(cfaRestore | byte(reg&0x3f))
	return p
}

// Undefined marks reg as not recoverable.
func (p *Program) Undefined(reg uint64) *Program {
	p.buf.WriteByte(cfaUndefined)
	leb128.EncodeUnsigned(&p.buf, reg)
	return p
}

func (p *Program) RememberState() *Program {
	p.buf.WriteByte(cfaRememberState)
	return p
}

func (p *Program) RestoreState() *Program {
	p.buf.WriteByte(cfaRestoreState)
	return p
}
