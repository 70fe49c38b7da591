package linutil

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-delve/cfiwalk/pkg/dwarf/frame"
	"github.com/go-delve/cfiwalk/pkg/logflags"
	"github.com/go-delve/cfiwalk/pkg/proc"
)

// ErrNoFrameSections is returned for ELF files with neither .eh_frame nor
// .debug_frame.
var ErrNoFrameSections = errors.New("could not find .eh_frame or .debug_frame section")

// ELFLibrary is an ELF object loaded into a process.
type ELFLibrary struct {
	// Path is the name of the object, the path of the file or the name of
	// the special mapping.
	Path string
	// StaticBase is the difference between the addresses of the object in
	// memory and the addresses in the file.
	StaticBase uint64

	file          *elf.File
	closer        io.Closer
	debugInfoDirs []string

	mu       sync.Mutex
	closed   bool
	fdes     frame.FrameDescriptionEntries
	loadErr  error
	loaded   bool
	symbols  []proc.Symbol
	symsDone bool
}

// OpenELFLibrary opens the ELF file at path. The object is loaded into
// memory with a load bias of staticBase. When the file carries no call
// frame information a separate debug file is searched, by build ID, in
// debugInfoDirs.
func OpenELFLibrary(path string, staticBase uint64, debugInfoDirs []string) (*ELFLibrary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if ef.Machine != elf.EM_X86_64 {
		f.Close()
		return nil, fmt.Errorf("%s: unsupported machine %v", path, ef.Machine)
	}
	return &ELFLibrary{Path: path, StaticBase: staticBase, file: ef, closer: f, debugInfoDirs: debugInfoDirs}, nil
}

// NewELFLibrary returns a library for an ELF image read through r, for
// objects that have no backing file such as the vDSO.
func NewELFLibrary(name string, r io.ReaderAt, staticBase uint64) (*ELFLibrary, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &ELFLibrary{Path: name, StaticBase: staticBase, file: ef}, nil
}

func (lib *ELFLibrary) Name() string {
	return lib.Path
}

// FrameEntries returns the FDEs of .eh_frame and .debug_frame, relocated by
// StaticBase. The sections are parsed the first time FrameEntries is called.
func (lib *ELFLibrary) FrameEntries() (frame.FrameDescriptionEntries, error) {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.loaded {
		return lib.fdes, lib.loadErr
	}
	if lib.closed {
		return nil, fmt.Errorf("%s: library closed", lib.Path)
	}
	lib.loaded = true
	lib.fdes, lib.loadErr = parseFrameSections(lib.file, lib.StaticBase)
	if errors.Is(lib.loadErr, ErrNoFrameSections) {
		if fdes, err := lib.separateDebugFrame(); err == nil {
			lib.fdes, lib.loadErr = fdes, nil
		}
	}
	if lib.loadErr != nil {
		logflags.CFILogger().WithError(lib.loadErr).Debugf("%s: could not load call frame information", lib.Path)
	} else {
		logflags.CFILogger().Debugf("%s: %d FDEs, static base %#x", lib.Path, len(lib.fdes), lib.StaticBase)
	}
	return lib.fdes, lib.loadErr
}

func parseFrameSections(ef *elf.File, staticBase uint64) (frame.FrameDescriptionEntries, error) {
	var fdes frame.FrameDescriptionEntries
	found := false

	if sec := ef.Section(".eh_frame"); sec != nil && sec.Type != elf.SHT_NOBITS {
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("could not get .eh_frame section: %v", err)
		}
		ehfdes, err := frame.Parse(data, ef.ByteOrder, staticBase, ptrSizeOf(ef), sec.Addr)
		if err != nil {
			return nil, fmt.Errorf("could not parse .eh_frame section: %w", err)
		}
		fdes = fdes.Append(ehfdes)
		found = true
	}

	if data, err := debugFrameData(ef); err != nil {
		return nil, err
	} else if data != nil {
		dfdes, err := frame.Parse(data, ef.ByteOrder, staticBase, ptrSizeOf(ef), 0)
		if err != nil {
			return nil, fmt.Errorf("could not parse .debug_frame section: %w", err)
		}
		fdes = fdes.Append(dfdes)
		found = true
	}

	if !found {
		return nil, ErrNoFrameSections
	}
	return fdes, nil
}

// debugFrameData returns the contents of .debug_frame, or nil if ef has
// none. Sections compressed the old way, as .zdebug_frame, are inflated.
func debugFrameData(ef *elf.File) ([]byte, error) {
	if sec := ef.Section(".debug_frame"); sec != nil && sec.Type != elf.SHT_NOBITS {
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("could not get .debug_frame section: %v", err)
		}
		return data, nil
	}
	sec := ef.Section(".zdebug_frame")
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("could not get .zdebug_frame section: %v", err)
	}
	if len(data) < 12 || string(data[:4]) != "ZLIB" {
		return nil, errors.New("malformed .zdebug_frame section")
	}
	size := binary.BigEndian.Uint64(data[4:12])
	zr, err := zlib.NewReader(bytes.NewReader(data[12:]))
	if err != nil {
		return nil, fmt.Errorf("could not inflate .zdebug_frame section: %v", err)
	}
	defer zr.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("could not inflate .zdebug_frame section: %v", err)
	}
	return out, nil
}

func ptrSizeOf(ef *elf.File) int {
	if ef.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// separateDebugFrame loads .debug_frame from the separate debug info file
// of the library, found as <dir>/xx/yyyy.debug for build ID xxyyyy.
func (lib *ELFLibrary) separateDebugFrame() (frame.FrameDescriptionEntries, error) {
	id, err := buildID(lib.file)
	if err != nil {
		return nil, err
	}
	if len(id) < 2 {
		return nil, errors.New("build ID too short")
	}
	for _, dir := range lib.debugInfoDirs {
		path := filepath.Join(dir, id[:2], id[2:]+".debug")
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		ef, err := elf.NewFile(f)
		if err != nil {
			f.Close()
			continue
		}
		fdes, err := parseFrameSections(ef, lib.StaticBase)
		f.Close()
		if err == nil {
			logflags.CFILogger().Debugf("%s: using separate debug info %s", lib.Path, path)
			return fdes, nil
		}
	}
	return nil, fmt.Errorf("no separate debug info for build ID %s", id)
}

// buildID returns the hex encoded NT_GNU_BUILD_ID note of ef.
func buildID(ef *elf.File) (string, error) {
	sec := ef.Section(".note.gnu.build-id")
	if sec == nil {
		return "", errors.New("no build ID note")
	}
	data, err := sec.Data()
	if err != nil {
		return "", err
	}
	return parseBuildIDNote(data, ef.ByteOrder)
}

const _NT_GNU_BUILD_ID = 3

func parseBuildIDNote(data []byte, order binary.ByteOrder) (string, error) {
	rd := bytes.NewReader(data)
	var hdr struct {
		Namesz, Descsz, Type uint32
	}
	if err := binary.Read(rd, order, &hdr); err != nil {
		return "", err
	}
	// The name of a GNU note is always "GNU\x00".
	if hdr.Type != _NT_GNU_BUILD_ID || hdr.Namesz != 4 {
		return "", errors.New("malformed build ID note")
	}
	namesz := (uint64(hdr.Namesz) + 3) &^ 3
	if namesz+uint64(hdr.Descsz) > uint64(rd.Len()) {
		return "", errors.New("malformed build ID note")
	}
	if string(data[12:16]) != "GNU\x00" {
		return "", errors.New("malformed build ID note")
	}
	off := 12 + namesz
	return hex.EncodeToString(data[off : off+uint64(hdr.Descsz)]), nil
}

// Symbols returns the function symbols of the library sorted by address.
func (lib *ELFLibrary) Symbols() []proc.Symbol {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if !lib.symsDone && !lib.closed {
		lib.symbols = loadSymbols(lib.file, lib.StaticBase, lib.Path)
		lib.symsDone = true
	}
	return lib.symbols
}

// ClosestSymbol returns the function symbol containing pc.
func (lib *ELFLibrary) ClosestSymbol(pc uint64) (proc.Symbol, bool) {
	syms := lib.Symbols()
	i := sort.Search(len(syms), func(i int) bool { return syms[i].Addr > pc })
	if i == 0 {
		return proc.Symbol{}, false
	}
	sym := syms[i-1]
	sym.Offset = pc - sym.Addr
	return sym, true
}

func loadSymbols(ef *elf.File, staticBase uint64, libname string) []proc.Symbol {
	var syms []proc.Symbol
	add := func(elfsyms []elf.Symbol) {
		for _, s := range elfsyms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Section == elf.SHN_UNDEF {
				continue
			}
			syms = append(syms, proc.Symbol{Name: s.Name, Addr: s.Value + staticBase, Library: libname})
		}
	}
	if elfsyms, err := ef.Symbols(); err == nil {
		add(elfsyms)
	}
	if elfsyms, err := ef.DynamicSymbols(); err == nil {
		add(elfsyms)
	}
	sort.SliceStable(syms, func(i, j int) bool { return syms[i].Addr < syms[j].Addr })
	out := syms[:0]
	for i := range syms {
		if i > 0 && syms[i].Addr == syms[i-1].Addr {
			continue
		}
		out = append(out, syms[i])
	}
	return out
}

// ReadMemory reads the contents of the loadable segments of the file, as
// they would appear in memory.
func (lib *ELFLibrary) ReadMemory(buf []byte, addr uint64) (int, error) {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.closed {
		return 0, fmt.Errorf("%s: library closed", lib.Path)
	}
	vaddr := addr - lib.StaticBase
	for _, p := range lib.file.Progs {
		if p.Type != elf.PT_LOAD || vaddr < p.Vaddr || vaddr >= p.Vaddr+p.Filesz {
			continue
		}
		n := len(buf)
		if rem := p.Vaddr + p.Filesz - vaddr; uint64(n) > rem {
			n = int(rem)
		}
		return p.ReadAt(buf[:n], int64(vaddr-p.Vaddr))
	}
	return 0, fmt.Errorf("%s: address %#x not in a loadable segment", lib.Path, addr)
}

// Close closes the underlying file. Call frame information and symbols
// already loaded stay available.
func (lib *ELFLibrary) Close() error {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.closed {
		return nil
	}
	lib.closed = true
	if lib.closer != nil {
		return lib.closer.Close()
	}
	return nil
}

// loadBias computes the static base of ef, mapped at start from file
// offset off.
func loadBias(ef *elf.File, start, off uint64) uint64 {
	var first *elf.Prog
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if first == nil {
			first = p
		}
		align := p.Align
		if align == 0 {
			align = 1
		}
		if off >= p.Off&^(align-1) && off < p.Off+p.Filesz {
			return start - off - p.Vaddr + p.Off
		}
	}
	if first == nil {
		return start - off
	}
	return start - off - first.Vaddr + first.Off
}
