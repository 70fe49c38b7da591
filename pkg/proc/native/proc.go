//go:build linux && amd64

// Package native attaches to live processes on linux/amd64 with ptrace(2)
// and exposes them to the frame walker.
package native

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/cfiwalk/pkg/logflags"
	"github.com/go-delve/cfiwalk/pkg/proc"
	"github.com/go-delve/cfiwalk/pkg/proc/linutil"
)

// ErrProcessDetached is returned when a detached process is used.
var ErrProcessDetached = errors.New("process detached")

// Process is a process stopped under ptrace. It implements proc.Debugger.
type Process struct {
	pid      int
	threads  []*Thread
	resolver *linutil.Resolver
	auxv     linutil.Auxv

	// ptrace(2) requests must all come from the thread that attached.
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	mu       sync.Mutex
	detached bool
}

// Config controls how libraries of an attached process are loaded.
type Config struct {
	LibraryCacheSize     int
	DebugInfoDirectories []string
}

func newProcess(pid int) *Process {
	dbp := &Process{
		pid:            pid,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Attach stops every thread of process pid.
func Attach(pid int, cfg Config) (*Process, error) {
	dbp := newProcess(pid)

	if err := dbp.updateThreadList(); err != nil {
		dbp.Detach()
		return nil, err
	}
	if len(dbp.threads) == 0 {
		dbp.Detach()
		return nil, fmt.Errorf("could not attach to pid %d: no threads", pid)
	}

	if auxv, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid)); err == nil {
		dbp.auxv = linutil.ParseAuxv(auxv, 8)
	}

	resolver, err := linutil.NewResolver(pid, dbp, dbp.auxv, cfg.LibraryCacheSize, cfg.DebugInfoDirectories)
	if err != nil {
		dbp.Detach()
		return nil, err
	}
	dbp.resolver = resolver
	return dbp, nil
}

func (dbp *Process) updateThreadList() error {
	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", dbp.pid))
	leader := strconv.Itoa(dbp.pid)
	sort.SliceStable(tids, func(i, j int) bool {
		return filepath.Base(tids[i]) == leader && filepath.Base(tids[j]) != leader
	})
	for _, tidpath := range tids {
		tid, err := strconv.Atoi(filepath.Base(tidpath))
		if err != nil {
			return err
		}
		if err := dbp.addThread(tid); err != nil {
			return err
		}
	}
	return nil
}

func (dbp *Process) addThread(tid int) error {
	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(tid) })
	if err != nil {
		if err == sys.ESRCH {
			// thread exited in the meantime
			return nil
		}
		return fmt.Errorf("could not attach to thread %d: %v", tid, err)
	}
	var status sys.WaitStatus
	if _, err := sys.Wait4(tid, &status, sys.WALL, nil); err != nil {
		return err
	}
	if status.Exited() {
		return nil
	}
	logflags.NativeLogger().Debugf("attached to thread %d", tid)
	dbp.threads = append(dbp.threads, &Thread{ID: tid, dbp: dbp})
	return nil
}

// Pid returns the process ID.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// Threads returns the stopped threads of the process, the thread group
// leader first.
func (dbp *Process) Threads() []*Thread {
	return dbp.threads
}

// Auxv returns the auxiliary vector of the process.
func (dbp *Process) Auxv() linutil.Auxv {
	return dbp.auxv
}

// ReadMemory reads the memory of the process.
func (dbp *Process) ReadMemory(data []byte, addr uint64) (int, error) {
	if len(dbp.threads) == 0 {
		return 0, ErrProcessDetached
	}
	return dbp.threads[0].ReadMemory(data, addr)
}

// FindLibrary returns the ELF object containing pc.
func (dbp *Process) FindLibrary(pc uint64) proc.Library {
	if dbp.resolver == nil {
		return nil
	}
	return dbp.resolver.FindLibrary(pc)
}

// ClosestSymbol returns the function symbol containing pc.
func (dbp *Process) ClosestSymbol(pc uint64) (proc.Symbol, bool) {
	if dbp.resolver == nil {
		return proc.Symbol{}, false
	}
	return dbp.resolver.ClosestSymbol(pc)
}

// Detach resumes all threads and releases the process.
func (dbp *Process) Detach() error {
	dbp.mu.Lock()
	defer dbp.mu.Unlock()
	if dbp.detached {
		return nil
	}
	var errs []error
	dbp.execPtraceFunc(func() {
		for _, th := range dbp.threads {
			if err := ptraceDetach(th.ID, 0); err != nil && err != sys.ESRCH {
				errs = append(errs, fmt.Errorf("thread %d: %v", th.ID, err))
			}
		}
	})
	dbp.detached = true
	dbp.threads = nil
	if dbp.resolver != nil {
		dbp.resolver.Close()
	}
	close(dbp.ptraceChan)
	return errors.Join(errs...)
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}
