package proc

import (
	"encoding/binary"
)

// ptrSize is the size of a pointer on the target (linux/amd64).
const ptrSize = 8

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	end := addr + uint64(size)
	return addr >= m.cacheAddr && end >= addr && end <= m.cacheAddr+uint64(len(m.cache))
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}

	return m.mem.ReadMemory(data, addr)
}

// cacheMemory returns a MemoryReader that serves reads falling inside
// [addr, addr+size) from a single bulk read of the target.
// If the bulk read fails mem is returned unchanged.
func cacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	n, err := mem.ReadMemory(cache, addr)
	if err != nil || n != size {
		return mem
	}
	return &memCache{addr, cache, mem}
}

// readAddressAt reads the pointer sized word stored at addr+off.
func readAddressAt(mem MemoryReader, addr uint64, off int64) (uint64, error) {
	a := uint64(int64(addr) + off)
	if a%ptrSize != 0 {
		return 0, UnalignedAddressError{Addr: a}
	}
	var buf [ptrSize]byte
	n, err := mem.ReadMemory(buf[:], a)
	if err != nil {
		return 0, UnmappedAddressError{Addr: a, Err: err}
	}
	if n != ptrSize {
		return 0, UnmappedAddressError{Addr: a}
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
