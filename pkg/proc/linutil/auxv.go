package linutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	_AT_NULL         = 0
	_AT_PHDR         = 3
	_AT_ENTRY        = 9
	_AT_SYSINFO_EHDR = 33
)

// Auxv holds the entries of the elf auxiliary vector used to locate
// objects in memory.
type Auxv struct {
	// Entry is the address of the entry point of the executable.
	Entry uint64
	// Phdr is the address of the program headers of the executable.
	Phdr uint64
	// SysinfoEhdr is the address of the ELF header of the vDSO.
	SysinfoEhdr uint64
}

// ParseAuxv decodes the elf auxiliary vector.
// For a description of the auxiliary vector (auxv) format see:
// System V Application Binary Interface, AMD64 Architecture Processor
// Supplement, section 3.4.3.
func ParseAuxv(auxv []byte, ptrSize int) Auxv {
	var r Auxv
	rd := bytes.NewBuffer(auxv)

	for {
		tag, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return r
		}
		val, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return r
		}

		switch tag {
		case _AT_NULL:
			return r
		case _AT_PHDR:
			r.Phdr = val
		case _AT_ENTRY:
			r.Entry = val
		case _AT_SYSINFO_EHDR:
			r.SysinfoEhdr = val
		}
	}
}

// readUintRaw reads an integer of ptrSize bytes, with the specified byte order, from reader.
func readUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("not supported ptr size %d", ptrSize)
}
