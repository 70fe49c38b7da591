// Package frame contains data structures and
// related functions for parsing and searching
// through Dwarf .debug_frame and .eh_frame data.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-delve/cfiwalk/pkg/dwarf/leb128"
)

type parsefunc func(*parseContext) parsefunc

type parseContext struct {
	staticBase uint64

	buf         *bytes.Buffer
	totalLen    int
	order       binary.ByteOrder
	entries     FrameDescriptionEntries
	ciemap      map[int]*CommonInformationEntry
	common      *CommonInformationEntry
	frame       *FrameDescriptionEntry
	length      uint32
	ptrSize     int
	ehFrameAddr uint64
	err         error
}

// Parse takes in data (a byte slice) and returns FrameDescriptionEntries,
// which is a slice of FrameDescriptionEntry sorted by start address. Each
// FrameDescriptionEntry has a pointer to CommonInformationEntry.
// If ehFrameAddr is not zero the .eh_frame format will be used, a minor
// variant of DWARF described at https://www.airs.com/blog/archives/460.
// The value of ehFrameAddr will be used as the address at which eh_frame
// will be mapped into memory, before relocation by staticBase.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, ehFrameAddr uint64) (FrameDescriptionEntries, error) {
	if ptrSize != 4 && ptrSize != 8 {
		return nil, fmt.Errorf("unsupported pointer size %d", ptrSize)
	}
	var (
		buf  = bytes.NewBuffer(data)
		pctx = &parseContext{
			buf:         buf,
			totalLen:    len(data),
			order:       order,
			entries:     NewFrameIndex(),
			ciemap:      map[int]*CommonInformationEntry{},
			staticBase:  staticBase,
			ptrSize:     ptrSize,
			ehFrameAddr: ehFrameAddr,
		}
	)

	for fn := parselength; buf.Len() != 0; {
		fn = fn(pctx)
		if pctx.err != nil {
			return nil, pctx.err
		}
	}

	for i := range pctx.entries {
		pctx.entries[i].order = order
	}
	sort.SliceStable(pctx.entries, func(i, j int) bool {
		return pctx.entries[i].Begin() < pctx.entries[j].Begin()
	})

	return pctx.entries, nil
}

func (ctx *parseContext) parsingEHFrame() bool {
	return ctx.ehFrameAddr > 0
}

func (ctx *parseContext) cieEntry(cieid uint32) bool {
	if ctx.parsingEHFrame() {
		return cieid == 0x00
	}
	return cieid == 0xffffffff
}

func (ctx *parseContext) offset() int {
	return ctx.totalLen - ctx.buf.Len()
}

func (ctx *parseContext) fail(format string, args ...interface{}) parsefunc {
	ctx.err = fmt.Errorf(format, args...)
	return nil
}

func parselength(ctx *parseContext) parsefunc {
	start := ctx.offset()
	if ctx.buf.Len() < 4 {
		return ctx.fail("truncated entry length at %#x", start)
	}
	ctx.length = ctx.order.Uint32(ctx.buf.Next(4))

	if ctx.length == 0 {
		// ZERO terminator
		return parselength
	}
	if ctx.length == 0xffffffff {
		return ctx.fail("64-bit DWARF entry at %#x not supported", start)
	}
	if ctx.length < 4 || int(ctx.length) > ctx.buf.Len() {
		return ctx.fail("entry at %#x with length %#x extends beyond end of section", start, ctx.length)
	}

	cieid := ctx.order.Uint32(ctx.buf.Next(4))
	ctx.length -= 4 // take off the length of the CIE id / CIE pointer.

	if ctx.cieEntry(cieid) {
		ctx.common = &CommonInformationEntry{Length: ctx.length, staticBase: ctx.staticBase, CIE_id: cieid, ptrSize: ctx.ptrSize}
		ctx.ciemap[start] = ctx.common
		return parseCIE
	}

	ciepos := int(cieid)
	if ctx.parsingEHFrame() {
		// In .eh_frame the CIE pointer is relative to its own position.
		ciepos = start + 4 - int(cieid)
	}
	common := ctx.ciemap[ciepos]
	if common == nil {
		return ctx.fail("unknown CIE_id %#x at %#x", cieid, start)
	}

	ctx.frame = &FrameDescriptionEntry{Length: ctx.length, CIE: common}
	return parseFDE
}

func parseFDE(ctx *parseContext) parsefunc {
	startOff := ctx.offset()
	r := ctx.buf.Next(int(ctx.length))
	reader := bytes.NewReader(r)
	cie := ctx.frame.CIE

	begin, err := readEncodedPtr(ctx.ehFrameAddr+uint64(startOff), reader, cie.ptrEncAddr, ctx.order, ctx.ptrSize)
	if err != nil {
		return ctx.fail("FDE at %#x: could not read initial location: %v", startOff, err)
	}
	size, err := readEncodedPtr(0, reader, cie.ptrEncAddr&0x0f, ctx.order, ctx.ptrSize)
	if err != nil {
		return ctx.fail("FDE at %#x: could not read address range: %v", startOff, err)
	}
	ctx.frame.begin = begin + ctx.staticBase
	ctx.frame.size = size

	if ctx.parsingEHFrame() && strings.HasPrefix(cie.Augmentation, "z") {
		n, _, err := leb128.DecodeUnsigned(reader)
		if err != nil || n > uint64(reader.Len()) {
			return ctx.fail("FDE at %#x: bad augmentation data", startOff)
		}
		reader.Seek(int64(n), io.SeekCurrent)
	}

	ctx.frame.Instructions = r[len(r)-reader.Len():]
	ctx.entries = append(ctx.entries, ctx.frame)
	ctx.length = 0

	return parselength
}

func parseCIE(ctx *parseContext) parsefunc {
	start := ctx.offset()
	buf := bytes.NewBuffer(ctx.buf.Next(int(ctx.length)))
	cie := ctx.common
	ctx.length = 0

	var err error
	if cie.Version, err = buf.ReadByte(); err != nil {
		return ctx.fail("CIE at %#x: truncated", start)
	}
	if cie.Version != 1 && cie.Version != 3 && cie.Version != 4 {
		return ctx.fail("CIE at %#x: version %d not supported", start, cie.Version)
	}

	aug, err := buf.ReadString(0x0)
	if err != nil {
		return ctx.fail("CIE at %#x: unterminated augmentation string", start)
	}
	cie.Augmentation = aug[:len(aug)-1]

	switch {
	case cie.Augmentation == "eh":
		// GCC 2.x eh_ptr, not used.
		buf.Next(ctx.ptrSize)
	case ctx.parsingEHFrame() && cie.Augmentation != "" && cie.Augmentation[0] != 'z':
		return ctx.fail("CIE at %#x: unsupported augmentation %q (does not start with 'z')", start, cie.Augmentation)
	}

	if cie.Version == 4 {
		// address_size and segment_selector_size
		buf.Next(2)
	}

	var errs [3]error
	cie.CodeAlignmentFactor, _, errs[0] = leb128.DecodeUnsigned(buf)
	cie.DataAlignmentFactor, _, errs[1] = leb128.DecodeSigned(buf)
	if cie.Version == 1 {
		var b byte
		b, errs[2] = buf.ReadByte()
		cie.ReturnAddressRegister = uint64(b)
	} else {
		cie.ReturnAddressRegister, _, errs[2] = leb128.DecodeUnsigned(buf)
	}
	if err := errors.Join(errs[:]...); err != nil {
		return ctx.fail("CIE at %#x: %v", start, err)
	}

	cie.ptrEncAddr = ptrEncAbs

	if strings.HasPrefix(cie.Augmentation, "z") {
		n, _, err := leb128.DecodeUnsigned(buf)
		if err != nil || n > uint64(buf.Len()) {
			return ctx.fail("CIE at %#x: bad augmentation data", start)
		}
		augdata := bytes.NewReader(buf.Next(int(n)))
		for _, ch := range cie.Augmentation[1:] {
			switch ch {
			case 'L':
				// The LSDA pointer itself lives in the FDE augmentation data.
				if _, err := augdata.ReadByte(); err != nil {
					return ctx.fail("CIE at %#x: truncated LSDA encoding", start)
				}
				cie.LSDA = true
			case 'R':
				b, err := augdata.ReadByte()
				if err != nil {
					return ctx.fail("CIE at %#x: truncated pointer encoding", start)
				}
				cie.ptrEncAddr = ptrEnc(b)
				if !cie.ptrEncAddr.Supported() {
					return ctx.fail("CIE at %#x: pointer encoding not supported %#x", start, b)
				}
			case 'S':
				cie.SignalFrame = true
			case 'P':
				b, err := augdata.ReadByte()
				if err != nil {
					return ctx.fail("CIE at %#x: truncated personality encoding", start)
				}
				e := ptrEnc(b) &^ ptrEncIndirect
				if !e.Supported() {
					return ctx.fail("CIE at %#x: personality pointer encoding not supported %#x", start, b)
				}
				if _, err := readEncodedPtr(0, augdata, e, ctx.order, ctx.ptrSize); err != nil {
					return ctx.fail("CIE at %#x: could not read personality routine: %v", start, err)
				}
				cie.Personality = true
			default:
				return ctx.fail("CIE at %#x: unsupported augmentation character %c", start, ch)
			}
		}
	}

	cie.InitialInstructions = buf.Bytes()

	return parselength
}

// readEncodedPtr reads a pointer from buf using encoding ptrEnc, addr is
// the address at which the current position of buf is mapped and is only
// used for PC relative pointers.
func readEncodedPtr(addr uint64, buf leb128.Reader, ptrEnc ptrEnc, order binary.ByteOrder, ptrSize int) (uint64, error) {
	if ptrEnc == ptrEncOmit {
		return 0, nil
	}

	var (
		ptr uint64
		err error
	)

	switch ptrEnc & 0xf {
	case ptrEncAbs, ptrEncSigned:
		ptr, err = readUintRaw(buf, order, ptrSize)
	case ptrEncUleb:
		ptr, _, err = leb128.DecodeUnsigned(buf)
	case ptrEncUdata2:
		ptr, err = readUintRaw(buf, order, 2)
	case ptrEncSdata2:
		ptr, err = readUintRaw(buf, order, 2)
		ptr = uint64(int16(ptr))
	case ptrEncUdata4:
		ptr, err = readUintRaw(buf, order, 4)
	case ptrEncSdata4:
		ptr, err = readUintRaw(buf, order, 4)
		ptr = uint64(int32(ptr))
	case ptrEncUdata8, ptrEncSdata8:
		ptr, err = readUintRaw(buf, order, 8)
	case ptrEncSleb:
		var n int64
		n, _, err = leb128.DecodeSigned(buf)
		ptr = uint64(n)
	default:
		err = fmt.Errorf("unknown pointer encoding %#x", uint8(ptrEnc))
	}
	if err != nil {
		return 0, err
	}

	if ptrEnc&ptrEncFlagsMask == ptrEncPCRel {
		ptr += addr
	}

	return ptr, nil
}

// readUintRaw reads an integer of size bytes, with the specified byte order, from reader.
func readUintRaw(reader io.Reader, order binary.ByteOrder, size int) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(reader, buf[:size]); err != nil {
		return 0, err
	}
	switch size {
	case 2:
		return uint64(order.Uint16(buf[:2])), nil
	case 4:
		return uint64(order.Uint32(buf[:4])), nil
	case 8:
		return order.Uint64(buf[:8]), nil
	}
	return 0, fmt.Errorf("unsupported integer size %d", size)
}
