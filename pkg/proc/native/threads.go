//go:build linux && amd64

package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/cfiwalk/pkg/proc/linutil"
)

// Thread is a stopped thread of a Process.
type Thread struct {
	ID  int
	dbp *Process
}

// Registers returns the general purpose registers of the thread.
func (t *Thread) Registers() (*linutil.AMD64Registers, error) {
	var (
		regs linutil.AMD64PtraceRegs
		err  error
	)
	t.dbp.execPtraceFunc(func() { err = sys.PtraceGetRegs(t.ID, (*sys.PtraceRegs)(&regs)) })
	if err != nil {
		return nil, err
	}
	return linutil.NewAMD64Registers(&regs), nil
}

// ReadMemory reads the memory of the thread with process_vm_readv, falling
// back to PTRACE_PEEKDATA when it is not available.
func (t *Thread) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if len(data) == 0 {
		return 0, nil
	}
	n, err = processVmRead(t.ID, uintptr(addr), data)
	if err == nil && n == len(data) {
		return n, nil
	}
	t.dbp.execPtraceFunc(func() { n, err = sys.PtracePeekData(t.ID, uintptr(addr), data) })
	return n, err
}
