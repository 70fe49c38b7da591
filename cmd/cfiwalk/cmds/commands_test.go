package cmds

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/go-delve/cfiwalk/pkg/config"
	"github.com/go-delve/cfiwalk/pkg/proc"
	"github.com/go-delve/cfiwalk/pkg/proc/linutil"
	"github.com/go-delve/cfiwalk/pkg/terminal"
)

func TestApplyFlags(t *testing.T) {
	t.Setenv("CFIWALK_CONFIG_DIR", t.TempDir())
	root := New()
	stack, _, err := root.Find([]string{"stack"})
	if err != nil {
		t.Fatal(err)
	}
	if err := stack.ParseFlags([]string{"--depth=3", "--show-cfa"}); err != nil {
		t.Fatal(err)
	}
	conf.Disassemble = true
	applyFlags(stack.Flags(), conf)
	if got := conf.GetMaxStackDepth(); got != 3 {
		t.Errorf("max stack depth: got %d, want 3", got)
	}
	if !conf.ShowCFA {
		t.Errorf("show-cfa not applied")
	}
	if !conf.Disassemble {
		t.Errorf("disassemble overridden by a flag that was not set")
	}
}

func TestCommandTree(t *testing.T) {
	t.Setenv("CFIWALK_CONFIG_DIR", t.TempDir())
	root := New()
	for _, name := range []string{"stack", "cfi", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %s not found: %v", name, err)
		}
	}
	cfi, _, _ := root.Find([]string{"cfi"})
	if cfi.Flags().Lookup("interactive") == nil {
		t.Errorf("cfi has no --interactive flag")
	}
	if err := cfi.Args(cfi, nil); err == nil {
		t.Errorf("cfi accepted no arguments")
	}
	stack, _, _ := root.Find([]string{"stack"})
	if err := stack.Args(stack, []string{"1", "2"}); err == nil {
		t.Errorf("stack accepted two arguments")
	}
}

type fakeThread struct {
	regs *linutil.AMD64PtraceRegs
	err  error
}

func (th *fakeThread) Registers() (*linutil.AMD64Registers, error) {
	if th.err != nil {
		return nil, th.err
	}
	return linutil.NewAMD64Registers(th.regs), nil
}

// emptyTarget has no libraries and no readable memory.
type emptyTarget struct{}

func (emptyTarget) ReadMemory(buf []byte, addr uint64) (int, error) {
	return 0, errors.New("unmapped")
}
func (emptyTarget) FindLibrary(pc uint64) proc.Library { return nil }
func (emptyTarget) ClosestSymbol(pc uint64) (proc.Symbol, bool) {
	return proc.Symbol{}, false
}

func TestPrintThreadStack(t *testing.T) {
	tests := []struct {
		th      *fakeThread
		showCFA bool
		want    string
	}{
		{
			&fakeThread{regs: &linutil.AMD64PtraceRegs{Rip: 0x401000, Rsp: 0x7000, Rbp: 0x7010}},
			false,
			"Thread 7:\n  0  0x0000000000401000 in ??\n",
		},
		{
			&fakeThread{err: errors.New("no such process")},
			false,
			"Thread 7:\n  error: could not read registers: no such process\n",
		},
		{
			&fakeThread{regs: &linutil.AMD64PtraceRegs{Rip: 0x401000, Rsp: 0x7000}},
			false,
			"Thread 7:\n  error: " + proc.ErrNoTopFrame.Error() + "\n",
		},
		{
			&fakeThread{regs: &linutil.AMD64PtraceRegs{Rip: 0x401000, Rsp: 0x7000, Rbp: 0x7010}},
			true,
			"Thread 7:\n" +
				"  registers: rax=0x0 rdx=0x0 rcx=0x0 rbx=0x0 rsi=0x0 rdi=0x0 rbp=0x7010 rsp=0x7000 r8=0x0 r9=0x0 r10=0x0 r11=0x0 r12=0x0 r13=0x0 r14=0x0 r15=0x0 rip=0x401000\n" +
				"  0  0x0000000000401000 in ??\n" +
				"       managed frame: cfa 0x7010\n",
		},
	}
	for i, tc := range tests {
		conf = &config.Config{ShowCFA: tc.showCFA}
		var buf bytes.Buffer
		term := terminal.NewWriter(&buf, conf)
		printThreadStack(term, &buf, emptyTarget{}, 7, tc.th)
		if buf.String() != tc.want {
			t.Errorf("%d: got %q, want %q", i, buf.String(), tc.want)
		}
	}
}

func currentFuncEntry(t *testing.T) uint64 {
	return uint64(reflect.ValueOf(currentFuncEntry).Pointer())
}

func TestPrintCFI(t *testing.T) {
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("ELF amd64 only")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	conf = &config.Config{Disassemble: true}
	var buf bytes.Buffer
	term := terminal.NewWriter(&buf, conf)
	pc := currentFuncEntry(t)
	if err := printCFI(term, exe, fmt.Sprintf("%#x", pc)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"fde [", "row [", fmt.Sprintf("=>\t%#x", pc)} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}
