//go:build !linux || !amd64

package native

import (
	"errors"

	"github.com/go-delve/cfiwalk/pkg/proc"
	"github.com/go-delve/cfiwalk/pkg/proc/linutil"
)

// ErrNativeBackendDisabled is returned on platforms other than linux/amd64.
var ErrNativeBackendDisabled = errors.New("native backend not available on this platform")

// Process is not available on this platform.
type Process struct {
	proc.Debugger
}

// Thread is not available on this platform.
type Thread struct {
	ID int
}

// Config controls how libraries of an attached process are loaded.
type Config struct {
	LibraryCacheSize     int
	DebugInfoDirectories []string
}

// Attach returns ErrNativeBackendDisabled.
func Attach(_ int, _ Config) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

func (dbp *Process) Pid() int {
	return 0
}

func (dbp *Process) Threads() []*Thread {
	return nil
}

func (dbp *Process) Auxv() linutil.Auxv {
	return linutil.Auxv{}
}

func (dbp *Process) Detach() error {
	return ErrNativeBackendDisabled
}

// Registers returns ErrNativeBackendDisabled.
func (t *Thread) Registers() (*linutil.AMD64Registers, error) {
	return nil, ErrNativeBackendDisabled
}
