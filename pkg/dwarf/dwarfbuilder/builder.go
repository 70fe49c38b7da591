// Package dwarfbuilder provides a way to build .eh_frame sections with
// arbitrary contents.
package dwarfbuilder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-delve/cfiwalk/pkg/dwarf/leb128"
)

// Pointer encodings used by the builder, see
// https://www.airs.com/blog/archives/460.
const (
	encAbsptr      = 0x00
	encPCRelSdata4 = 0x1b
)

// CIE describes a Common Information Entry to add to the section.
type CIE struct {
	// Augmentation is either empty or a 'z' string made of the characters
	// 'R', 'P', 'L' and 'S'.
	Augmentation        string
	CodeAlignmentFactor uint64
	DataAlignmentFactor int64
	ReturnAddressReg    uint64
	Instructions        []byte
}

// EHFrame builds a .eh_frame section mapped at address Addr.
type EHFrame struct {
	Addr uint64

	buf  bytes.Buffer
	encs map[int]byte
	augs map[int]string
}

// NewEHFrame returns a builder for a .eh_frame section that will be mapped
// at addr.
func NewEHFrame(addr uint64) *EHFrame {
	return &EHFrame{Addr: addr, encs: map[int]byte{}, augs: map[int]string{}}
}

// AddCIE appends a CIE and returns its offset, to be used with AddFDE.
func (b *EHFrame) AddCIE(cie CIE) int {
	off := b.buf.Len()

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint32(0)) // CIE id
	body.WriteByte(1)                                    // version
	body.WriteString(cie.Augmentation)
	body.WriteByte(0)
	leb128.EncodeUnsigned(&body, cie.CodeAlignmentFactor)
	leb128.EncodeSigned(&body, cie.DataAlignmentFactor)
	body.WriteByte(byte(cie.ReturnAddressReg))

	enc := byte(encAbsptr)
	if strings.HasPrefix(cie.Augmentation, "z") {
		var augdata bytes.Buffer
		for _, ch := range cie.Augmentation[1:] {
			switch ch {
			case 'R':
				enc = encPCRelSdata4
				augdata.WriteByte(enc)
			case 'L':
				augdata.WriteByte(encPCRelSdata4)
			case 'P':
				augdata.WriteByte(encAbsptr)
				binary.Write(&augdata, binary.LittleEndian, uint64(0))
			case 'S':
			default:
				panic(fmt.Sprintf("unsupported augmentation character %c", ch))
			}
		}
		leb128.EncodeUnsigned(&body, uint64(augdata.Len()))
		body.Write(augdata.Bytes())
	}
	body.Write(cie.Instructions)

	b.writeEntry(body.Bytes())
	b.encs[off] = enc
	b.augs[off] = cie.Augmentation
	return off
}

// AddFDE appends a FDE covering [begin, begin+size) described by the CIE
// at offset cieOff.
func (b *EHFrame) AddFDE(cieOff int, begin, size uint64, instructions []byte) {
	enc, ok := b.encs[cieOff]
	if !ok {
		panic(fmt.Sprintf("no CIE at %#x", cieOff))
	}
	start := b.buf.Len()

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint32(start+4-cieOff))
	switch enc {
	case encPCRelSdata4:
		fieldAddr := b.Addr + uint64(start) + 8
		binary.Write(&body, binary.LittleEndian, int32(begin-fieldAddr))
		binary.Write(&body, binary.LittleEndian, uint32(size))
	default:
		binary.Write(&body, binary.LittleEndian, begin)
		binary.Write(&body, binary.LittleEndian, size)
	}
	if aug := b.augs[cieOff]; strings.HasPrefix(aug, "z") {
		if strings.ContainsRune(aug, 'L') {
			leb128.EncodeUnsigned(&body, 4)
			binary.Write(&body, binary.LittleEndian, uint32(0)) // LSDA pointer
		} else {
			leb128.EncodeUnsigned(&body, 0)
		}
	}
	body.Write(instructions)

	b.writeEntry(body.Bytes())
}

func (b *EHFrame) writeEntry(body []byte) {
	// Entries are padded with DW_CFA_nop to a multiple of the address size.
	for (len(body)+4)%8 != 0 {
		body = append(body, 0)
	}
	binary.Write(&b.buf, binary.LittleEndian, uint32(len(body)))
	b.buf.Write(body)
}

// Bytes returns the section contents, including the zero terminator.
func (b *EHFrame) Bytes() []byte {
	out := make([]byte, b.buf.Len(), b.buf.Len()+4)
	copy(out, b.buf.Bytes())
	return append(out, 0, 0, 0, 0)
}
