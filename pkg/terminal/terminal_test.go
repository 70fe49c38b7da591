package terminal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/go-delve/cfiwalk/pkg/config"
	"github.com/go-delve/cfiwalk/pkg/dwarf/dwarfbuilder"
	"github.com/go-delve/cfiwalk/pkg/dwarf/frame"
	"github.com/go-delve/cfiwalk/pkg/dwarf/op"
	"github.com/go-delve/cfiwalk/pkg/dwarf/regnum"
	"github.com/go-delve/cfiwalk/pkg/proc"
)

const (
	textAddr    = 0x401000
	ehFrameAddr = 0x402000
)

// fakeObject is a tiny object with two functions:
//
//	fn_a: push %rbp; mov %rsp,%rbp; pop %rbp; ret
//	fn_b: ret
type fakeObject struct {
	fdes frame.FrameDescriptionEntries
	text []byte
	syms []proc.Symbol
}

func newFakeObject(t *testing.T) *fakeObject {
	t.Helper()
	var cieProg dwarfbuilder.Program
	cieProg.DefCFA(regnum.AMD64_Rsp, 8).Offset(regnum.AMD64_Rip, 1)
	b := dwarfbuilder.NewEHFrame(ehFrameAddr)
	cie := b.AddCIE(dwarfbuilder.CIE{
		Augmentation:        "zR",
		CodeAlignmentFactor: 1,
		DataAlignmentFactor: -8,
		ReturnAddressReg:    regnum.AMD64_Rip,
		Instructions:        cieProg.Bytes(),
	})
	var p dwarfbuilder.Program
	p.AdvanceLoc(1).DefCFAOffset(16).Offset(regnum.AMD64_Rbp, 2).
		AdvanceLoc(3).DefCFARegister(regnum.AMD64_Rbp)
	b.AddFDE(cie, textAddr, 6, p.Bytes())
	b.AddFDE(cie, textAddr+0x10, 1, nil)
	fdes, err := frame.Parse(b.Bytes(), binary.LittleEndian, 0, 8, ehFrameAddr)
	if err != nil {
		t.Fatal(err)
	}

	text := make([]byte, 0x20)
	copy(text, []byte{0x55, 0x48, 0x89, 0xe5, 0x5d, 0xc3})
	text[0x10] = 0xc3
	return &fakeObject{
		fdes: fdes,
		text: text,
		syms: []proc.Symbol{
			{Name: "fn_a", Addr: textAddr, Library: "/lib/libfake.so"},
			{Name: "fn_b", Addr: textAddr + 0x10, Library: "/lib/libfake.so"},
		},
	}
}

func (obj *fakeObject) Name() string { return "/lib/libfake.so" }

func (obj *fakeObject) FrameEntries() (frame.FrameDescriptionEntries, error) {
	return obj.fdes, nil
}

func (obj *fakeObject) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < textAddr || addr >= textAddr+uint64(len(obj.text)) {
		return 0, errors.New("unmapped")
	}
	return copy(buf, obj.text[addr-textAddr:]), nil
}

func (obj *fakeObject) ClosestSymbol(pc uint64) (proc.Symbol, bool) {
	i := sort.Search(len(obj.syms), func(i int) bool { return obj.syms[i].Addr > pc })
	if i == 0 || pc >= textAddr+uint64(len(obj.text)) {
		return proc.Symbol{}, false
	}
	sym := obj.syms[i-1]
	sym.Offset = pc - sym.Addr
	return sym, true
}

func (obj *fakeObject) Symbols() []proc.Symbol { return obj.syms }

func newTestTerm(t *testing.T, conf *config.Config) (*Term, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	term := NewWriter(&buf, conf)
	if err := term.SetObject(newFakeObject(t)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(term.Close)
	return term, &buf
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"row fn_a", []string{"row", "fn_a"}},
		{"  disass   fn_a+0x1   3 ", []string{"disass", "fn_a+0x1", "3"}},
		{`symbols "fn_"`, []string{"symbols", "fn_"}},
		{"", nil},
	}
	for _, tc := range tests {
		got, err := splitArgs(tc.in)
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if strings.Join(got, ",") != strings.Join(tc.want, ",") {
			t.Errorf("%q: got %q, want %q", tc.in, got, tc.want)
		}
	}
	if _, err := splitArgs("row `whoami`"); err == nil {
		t.Errorf("backtick expansion accepted")
	}
}

func TestParseLocation(t *testing.T) {
	term, _ := newTestTerm(t, nil)
	tests := []struct {
		loc  string
		want uint64
	}{
		{"0x401004", 0x401004},
		{"4198400", 0x401000},
		{"fn_a", textAddr},
		{"fn_b+0x1", textAddr + 0x11},
		{"fn_a+4", textAddr + 4},
	}
	for _, tc := range tests {
		got, err := term.parseLocation(tc.loc)
		if err != nil {
			t.Errorf("%s: %v", tc.loc, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %#x, want %#x", tc.loc, got, tc.want)
		}
	}
	for _, loc := range []string{"nosuchfn", "fn_a+zz"} {
		if _, err := term.parseLocation(loc); err == nil {
			t.Errorf("%s: expected error", loc)
		}
	}
}

func TestRowCommand(t *testing.T) {
	tests := []struct {
		cmd  string
		want []string
	}{
		{"row fn_a", []string{"fn_a (libfake.so)", "row [0x401000, 0x401001) cfa=rsp+8 ra=[cfa-8] rbp=unsaved"}},
		{"row fn_a+1", []string{"fn_a+0x1", "row [0x401001, 0x401004) cfa=rsp+16 ra=[cfa-8] rbp=[cfa-16]"}},
		{"r 0x401005", []string{"fn_a+0x5", "row [0x401004, 0x401006) cfa=rbp+16 ra=[cfa-8] rbp=[cfa-16]"}},
	}
	for _, tc := range tests {
		term, buf := newTestTerm(t, nil)
		if err := term.Call(tc.cmd); err != nil {
			t.Errorf("%s: %v", tc.cmd, err)
			continue
		}
		for _, want := range tc.want {
			if !strings.Contains(buf.String(), want) {
				t.Errorf("%s: output %q does not contain %q", tc.cmd, buf.String(), want)
			}
		}
	}

	term, _ := newTestTerm(t, nil)
	if err := term.Call("row 0x401008"); err == nil {
		t.Errorf("row outside of any FDE succeeded")
	}
	if err := term.Call("row"); err == nil {
		t.Errorf("row without arguments succeeded")
	}
}

func TestFDECommand(t *testing.T) {
	term, buf := newTestTerm(t, nil)
	if err := term.Call("fde fn_b"); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`fde [0x401010, 0x401011) cie augmentation="zR" code_align=1 data_align=-8 ra_column=rip`, "cfa=rsp+8"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestDisassembleCommand(t *testing.T) {
	term, buf := newTestTerm(t, nil)
	if err := term.Call("disassemble fn_a 2"); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 instructions, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "=>") || !strings.Contains(lines[0], "push") || !strings.Contains(lines[0], "%rbp") {
		t.Errorf("unexpected first instruction %q", lines[0])
	}
	if !strings.Contains(lines[1], "4889e5") || !strings.Contains(lines[1], "mov") {
		t.Errorf("unexpected second instruction %q", lines[1])
	}
	if err := term.Call("disassemble fn_a zero"); err == nil {
		t.Errorf("invalid count accepted")
	}
}

func TestSymbolsCommand(t *testing.T) {
	term, buf := newTestTerm(t, nil)
	if err := term.Call("symbols fn_"); err != nil {
		t.Fatal(err)
	}
	want := "0x00000000401000 fn_a\n0x00000000401010 fn_b\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestHelpAndExit(t *testing.T) {
	term, buf := newTestTerm(t, nil)
	if err := term.Call("help"); err != nil {
		t.Fatal(err)
	}
	for _, cmd := range []string{"disassemble", "fde", "row", "symbols"} {
		if !strings.Contains(buf.String(), cmd) {
			t.Errorf("help does not mention %s", cmd)
		}
	}
	if err := term.Call("help nosuchcommand"); err == nil {
		t.Errorf("help for unknown command succeeded")
	}
	if _, ok := term.Call("quit").(ExitRequestError); !ok {
		t.Errorf("quit did not request exit")
	}
	if err := term.Call("nosuchcommand"); err == nil {
		t.Errorf("unknown command succeeded")
	}
}

func TestComplete(t *testing.T) {
	term, _ := newTestTerm(t, nil)
	got := term.complete("dis")
	if len(got) != 2 || got[0] != "disassemble" || got[1] != "disass" {
		t.Errorf("command completion: %q", got)
	}
	got = term.complete("row fn_")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "row fn_a" || got[1] != "row fn_b" {
		t.Errorf("symbol completion: %q", got)
	}
}

// noMemory is a target without libraries or readable memory: the stack
// trace of a thread is only its top frame.
type noMemory struct{}

func (noMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return 0, errors.New("unmapped")
}
func (noMemory) FindLibrary(pc uint64) proc.Library { return nil }
func (noMemory) ClosestSymbol(pc uint64) (proc.Symbol, bool) {
	return proc.Symbol{}, false
}

func TestPrintStack(t *testing.T) {
	regs := op.NewDwarfRegisters(nil, regnum.AMD64_Rip, regnum.AMD64_Rsp, regnum.AMD64_Rbp)
	regs.AddReg(regnum.AMD64_Rip, op.DwarfRegisterFromUint64(0x401000))
	regs.AddReg(regnum.AMD64_Rsp, op.DwarfRegisterFromUint64(0x7000))
	regs.AddReg(regnum.AMD64_Rbp, op.DwarfRegisterFromUint64(0x7010))

	frames, err := proc.Stacktrace(noMemory{}, 0x401000, regs, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}

	var buf bytes.Buffer
	term := NewWriter(&buf, &config.Config{ShowCFA: true})
	term.PrintStack(&buf, frames, nil, "")
	want := "0  0x0000000000401000 in ??\n   managed frame: cfa 0x7010\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestHighlight(t *testing.T) {
	tests := []struct {
		colors bool
		color  int
		want   string
	}{
		{false, ansiRed, "text"},
		{true, ansiRed, "\033[31mtext\033[0m"},
		{true, ansiYellow, "\033[33mtext\033[0m"},
		{true, ansiBlue, "\033[34mtext\033[0m"},
	}
	for _, tc := range tests {
		term := NewWriter(&bytes.Buffer{}, nil)
		term.colors = tc.colors
		if got := term.highlight(tc.color, "text"); got != tc.want {
			t.Errorf("highlight(%d, colors=%v) = %q, want %q", tc.color, tc.colors, got, tc.want)
		}
	}
}
