package linutil

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/cfiwalk/pkg/logflags"
	"github.com/go-delve/cfiwalk/pkg/proc"
)

const vdsoName = "[vdso]"

// object is the address range covered by the mappings of one ELF object.
type object struct {
	path       string
	start, end uint64
	// first mapping of the object, used to compute the load bias
	firstStart, firstEnd, firstOff uint64
	exec                           bool
	deleted                        bool
}

func (obj *object) contains(addr uint64) bool {
	return addr >= obj.start && addr < obj.end
}

// Resolver maps addresses of a process to the ELF objects loaded into it,
// using /proc/<pid>/maps. Opened objects are kept in a LRU cache.
type Resolver struct {
	pid           int
	mem           proc.MemoryReader
	auxv          Auxv
	debugInfoDirs []string

	mu      sync.Mutex
	objects []object
	libs    *lru.Cache
	failed  map[string]bool
}

// NewResolver returns a resolver for process pid. The vDSO is read from
// mem; with a nil mem it is ignored. The auxiliary vector of the process
// locates the vDSO and the load address of the main executable.
func NewResolver(pid int, mem proc.MemoryReader, auxv Auxv, cacheSize int, debugInfoDirs []string) (*Resolver, error) {
	r, err := newResolver(pid, mem, auxv, cacheSize, debugInfoDirs)
	if err != nil {
		return nil, err
	}
	if err := r.Refresh(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func newResolver(pid int, mem proc.MemoryReader, auxv Auxv, cacheSize int, debugInfoDirs []string) (*Resolver, error) {
	libs, err := lru.NewWithEvict(cacheSize, func(key, value interface{}) {
		logflags.NativeLogger().Debugf("closing %s", key)
		value.(*ELFLibrary).Close()
	})
	if err != nil {
		return nil, err
	}
	return &Resolver{pid: pid, mem: mem, auxv: auxv, debugInfoDirs: debugInfoDirs, libs: libs, failed: map[string]bool{}}, nil
}

// Refresh reloads the mappings of the process.
func (r *Resolver) Refresh() error {
	fh, err := os.Open(fmt.Sprintf("/proc/%d/maps", r.pid))
	if err != nil {
		return err
	}
	defer fh.Close()
	maps, err := ParseMaps(fh)
	if err != nil {
		return err
	}
	r.setMappings(maps)
	return nil
}

func (r *Resolver) setMappings(maps []Mapping) {
	byPath := map[string]*object{}
	var objs []*object
	for i := range maps {
		m := &maps[i]
		path := m.Path
		if r.auxv.SysinfoEhdr != 0 && m.Contains(r.auxv.SysinfoEhdr) {
			path = vdsoName
		}
		if path == "" || (!strings.HasPrefix(path, "/") && path != vdsoName) {
			continue
		}
		obj := byPath[path]
		if obj == nil {
			obj = &object{path: path, start: m.Start, end: m.End, firstStart: m.Start, firstEnd: m.End, firstOff: m.Offset}
			byPath[path] = obj
			objs = append(objs, obj)
		}
		if m.Start < obj.start {
			obj.start = m.Start
		}
		if m.End > obj.end {
			obj.end = m.End
		}
		if m.Start < obj.firstStart {
			obj.firstStart, obj.firstEnd, obj.firstOff = m.Start, m.End, m.Offset
		}
		obj.exec = obj.exec || m.Executable()
		obj.deleted = obj.deleted || m.Deleted
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].start < objs[j].start })

	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = r.objects[:0]
	for _, obj := range objs {
		// data files mapped by the process, such as locale archives
		if !obj.exec {
			continue
		}
		r.objects = append(r.objects, *obj)
	}
	r.libs.Purge()
	r.failed = map[string]bool{}
}

func (r *Resolver) findObject(pc uint64) *object {
	i := sort.Search(len(r.objects), func(i int) bool { return r.objects[i].end > pc })
	if i < len(r.objects) && r.objects[i].start <= pc {
		return &r.objects[i]
	}
	return nil
}

// FindLibrary returns the ELF object containing pc.
func (r *Resolver) FindLibrary(pc uint64) proc.Library {
	if lib := r.findLibrary(pc); lib != nil {
		return lib
	}
	return nil
}

func (r *Resolver) findLibrary(pc uint64) *ELFLibrary {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj := r.findObject(pc)
	if obj == nil || r.failed[obj.path] {
		return nil
	}
	if v, ok := r.libs.Get(obj.path); ok {
		return v.(*ELFLibrary)
	}
	lib, err := r.open(obj)
	if err != nil {
		logflags.NativeLogger().WithError(err).Debugf("could not open %s", obj.path)
		r.failed[obj.path] = true
		return nil
	}
	r.libs.Add(obj.path, lib)
	return lib
}

func (r *Resolver) open(obj *object) (*ELFLibrary, error) {
	if obj.path == vdsoName {
		if r.mem == nil {
			return nil, fmt.Errorf("no memory to read %s from", vdsoName)
		}
		image := make([]byte, obj.end-obj.start)
		if _, err := r.mem.ReadMemory(image, obj.start); err != nil {
			return nil, err
		}
		ef, err := elf.NewFile(bytes.NewReader(image))
		if err != nil {
			return nil, err
		}
		return NewELFLibrary(vdsoName, bytes.NewReader(image), loadBias(ef, obj.firstStart, obj.firstOff))
	}
	lib, err := OpenELFLibrary(r.objectFile(obj), 0, r.debugInfoDirs)
	if err != nil {
		return nil, err
	}
	lib.Path = obj.path
	lib.StaticBase = loadBias(lib.file, obj.firstStart, obj.firstOff)
	if obj.contains(r.auxv.Entry) {
		if bias, ok := execBias(lib.file, r.auxv); ok && bias != lib.StaticBase {
			logflags.NativeLogger().Warnf("%s: load bias %#x from the auxiliary vector differs from %#x computed from the mappings", obj.path, bias, lib.StaticBase)
			lib.StaticBase = bias
		}
	}
	return lib, nil
}

// objectFile returns the path used to open the file of obj.
func (r *Resolver) objectFile(obj *object) string {
	if r.pid <= 0 {
		return obj.path
	}
	if obj.deleted {
		// the unlinked file is still reachable through the mapping itself
		if alt := fmt.Sprintf("/proc/%d/map_files/%x-%x", r.pid, obj.firstStart, obj.firstEnd); fileExists(alt) {
			return alt
		}
	}
	// the file seen by the target, also for processes in containers
	if alt := fmt.Sprintf("/proc/%d/root%s", r.pid, obj.path); fileExists(alt) {
		return alt
	}
	return obj.path
}

// execBias returns the load bias of the main executable ef from the
// auxiliary vector: AT_PHDR is the runtime address of its PT_PHDR segment
// and AT_ENTRY the runtime address of its entry point.
func execBias(ef *elf.File, auxv Auxv) (uint64, bool) {
	if auxv.Phdr != 0 {
		for _, p := range ef.Progs {
			if p.Type == elf.PT_PHDR {
				return auxv.Phdr - p.Vaddr, true
			}
		}
	}
	if auxv.Entry != 0 && ef.Entry != 0 {
		return auxv.Entry - ef.Entry, true
	}
	return 0, false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ClosestSymbol returns the function symbol containing pc.
func (r *Resolver) ClosestSymbol(pc uint64) (proc.Symbol, bool) {
	lib := r.findLibrary(pc)
	if lib == nil {
		return proc.Symbol{}, false
	}
	return lib.ClosestSymbol(pc)
}

// Close closes all the libraries opened by the resolver.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.libs.Purge()
}
