package proc

import (
	"errors"
	"testing"
)

// newSyntheticTarget returns a target with libsynth.so mapped at
// [0x1000, 0x2000), every PC in it unwinding with the row
// (RBP, 16, ra at cfa+8, rbp at cfa+0), and libc.so mapped at
// [0x2000, 0x3000) with a frame pointer prologue at 0x2000 and no CFI
// past 0x2040.
func newSyntheticTarget(t *testing.T) *fakeDebugger {
	dbg := newFakeDebugger()
	dbg.mapLibrary(0x1000, 0x2000, &fakeLibrary{name: "libsynth.so", fdes: buildFDEs(t, amd64CIE("zR"),
		fdeSpec{0x1000, 0x1000, syntheticRow()})})
	dbg.mapLibrary(0x2000, 0x3000, &fakeLibrary{name: "libc.so", fdes: buildFDEs(t, amd64CIE("zR"),
		fdeSpec{0x2000, 0x40, prologueRow()})})
	dbg.mapLibrary(0x3000, 0x4000, &fakeLibrary{name: "stripped.so"})
	dbg.syms = []Symbol{
		{Name: "synth_fn", Addr: 0x1000, Library: "libsynth.so"},
		{Name: "libc_fn", Addr: 0x2000, Library: "libc.so"},
	}
	return dbg
}

func TestTopFrame(t *testing.T) {
	dbg := newSyntheticTarget(t)

	for _, tc := range []struct {
		name     string
		pc       uint64
		rsp, rbp uint64
		cfa      uint64
		kind     FrameKind
	}{
		{"no library", 0x9000, 0x7000, 0x7050, 0x7050, FrameManaged},
		{"no CFI", 0x3010, 0x7000, 0x7050, 0x7050, FrameManaged},
		{"synthetic row", 0x1050, 0x7000, 0x1000, 0x1010, FrameNative},
		{"entry point", 0x2000, 0x7000, 0x7050, 0x7008, FrameNative},
		{"after push", 0x2001, 0x7000, 0x7050, 0x7010, FrameNative},
		{"rbp based", 0x2010, 0x7000, 0x7050, 0x7060, FrameNative},
		{"no FDE", 0x2800, 0x7000, 0x7050, 0x7050, FrameNativeTerminal},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := TopFrame(dbg, tc.pc, amd64Regs(tc.pc, tc.rsp, tc.rbp))
			if f == nil {
				t.Fatal("nil top frame")
			}
			defer f.Release()
			if f.PC() != tc.pc {
				t.Errorf("pc %#x, expected %#x", f.PC(), tc.pc)
			}
			if f.CFA() != tc.cfa || f.LocalVariableBase() != tc.cfa {
				t.Errorf("cfa %#x, expected %#x", f.CFA(), tc.cfa)
			}
			if f.Kind() != tc.kind {
				t.Errorf("kind %v, expected %v", f.Kind(), tc.kind)
			}
			if f.IsFinal() != (tc.kind == FrameNativeTerminal) {
				t.Errorf("IsFinal %v for a %v frame", f.IsFinal(), f.Kind())
			}
			if (f.CFIContext() == nil) != (tc.kind == FrameManaged) {
				t.Errorf("CFIContext %v for a %v frame", f.CFIContext(), f.Kind())
			}
		})
	}
}

func TestTopFrameNoCFA(t *testing.T) {
	dbg := newSyntheticTarget(t)
	if f := TopFrame(dbg, 0x9000, amd64Regs(0x9000, 0x7000, 0)); f != nil {
		t.Errorf("expected nil frame, got %v", f)
	}
	if f := TopFrame(dbg, 0x1050, amd64Regs(0x1050, 0x7000, 0xfffffffffffffff0)); f != nil {
		t.Errorf("expected nil frame, got %v", f)
	}
}

func TestTopFramePanicsWithoutRegisters(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	TopFrame(newFakeDebugger(), 0x1000, nil)
}

func TestSenderNativeToManaged(t *testing.T) {
	dbg := newSyntheticTarget(t)
	dbg.words[0x7068] = 0xabcd
	dbg.words[0x7060] = 0x7100

	regs := amd64Regs(0x1050, 0x7000, 0x7050)
	top := TopFrame(dbg, 0x1050, regs)
	if top == nil || top.CFA() != 0x7060 {
		t.Fatalf("unexpected top frame %v", top)
	}
	defer top.Release()

	caller := top.Sender(regs)
	if caller == nil {
		t.Fatal("nil caller")
	}
	if caller.PC() != 0xabcd || caller.CFA() != 0x7100 || caller.Kind() != FrameManaged {
		t.Errorf("unexpected caller %v", caller)
	}
	if _, ok := caller.ClosestSymbolToPC(); ok {
		t.Error("unexpected symbol for caller")
	}
	if sym, ok := top.ClosestSymbolToPC(); !ok || sym.Name != "synth_fn" || sym.Offset != 0x50 {
		t.Errorf("unexpected symbol %#v for top frame", sym)
	}

	// The return address slot of the managed caller is not mapped.
	if f := caller.Sender(regs); f != nil {
		t.Errorf("expected end of stack, got %v", f)
	}
}

func TestSenderManagedToNative(t *testing.T) {
	dbg := newSyntheticTarget(t)
	dbg.words[0x7058] = 0x2010 // return address into libc_fn
	dbg.words[0x7050] = 0x7080 // saved rbp

	regs := amd64Regs(0x9000, 0x7000, 0x7050)
	top := TopFrame(dbg, 0x9000, regs)
	if top == nil || top.Kind() != FrameManaged {
		t.Fatalf("unexpected top frame %v", top)
	}
	caller := top.Sender(regs)
	if caller == nil {
		t.Fatal("nil caller")
	}
	defer caller.Release()
	if caller.PC() != 0x2010 || caller.CFA() != 0x7090 || caller.Kind() != FrameNative {
		t.Errorf("unexpected caller %v", caller)
	}
	if !caller.CFIContext().IsIn(0x2010) {
		t.Error("caller context was not processed at its pc")
	}
}

func TestSenderNativeToNative(t *testing.T) {
	dbg := newSyntheticTarget(t)
	dbg.words[0x7058] = 0x2020 // return address, same FDE
	dbg.words[0x7050] = 0x7080 // saved rbp

	regs := amd64Regs(0x2010, 0x7000, 0x7050)
	top := TopFrame(dbg, 0x2010, regs)
	if top == nil || top.CFA() != 0x7060 {
		t.Fatalf("unexpected top frame %v", top)
	}
	defer top.Release()
	caller := top.Sender(regs)
	if caller == nil {
		t.Fatal("nil caller")
	}
	defer caller.Release()
	if caller.PC() != 0x2020 || caller.CFA() != 0x7090 || caller.Kind() != FrameNative {
		t.Errorf("unexpected caller %v", caller)
	}
	if caller.CFIContext() == top.CFIContext() {
		t.Error("caller shares the CFI context of its callee")
	}
	if cfi := top.CFIContext(); cfi.CFARegister() != 6 || cfi.CFAOffset() != 16 {
		t.Error("top frame context changed while unwinding its caller")
	}
}

func TestSenderFramePointerFallback(t *testing.T) {
	// Stopped on the first instruction of libc_fn: rbp is not saved yet
	// and the CFA is rsp based, while the caller's CFA is rbp based.
	dbg := newSyntheticTarget(t)
	dbg.words[0x7000] = 0x2010
	dbg.words[0x7050] = 0x7080

	regs := amd64Regs(0x2000, 0x7000, 0x7050)
	top := TopFrame(dbg, 0x2000, regs)
	if top == nil || top.CFA() != 0x7008 || top.CFIContext().IsBPOffsetAvailable() {
		t.Fatalf("unexpected top frame %v", top)
	}
	defer top.Release()
	caller := top.Sender(regs)
	if caller == nil {
		t.Fatal("nil caller")
	}
	defer caller.Release()
	if caller.PC() != 0x2010 || caller.CFA() != 0x7090 {
		t.Errorf("unexpected caller %v", caller)
	}
}

func TestSenderTerminal(t *testing.T) {
	dbg := newSyntheticTarget(t)
	dbg.words[0x7068] = 0x2800 // libc.so, no FDE

	regs := amd64Regs(0x1050, 0x7000, 0x7050)
	top := TopFrame(dbg, 0x1050, regs)
	defer top.Release()
	caller := top.Sender(regs)
	if caller == nil {
		t.Fatal("nil caller")
	}
	defer caller.Release()
	if caller.PC() != 0x2800 || caller.CFA() != top.CFA() || !caller.IsFinal() || caller.Kind() != FrameNativeTerminal {
		t.Errorf("unexpected caller %v", caller)
	}

	reads := dbg.reads
	if f := caller.Sender(regs); f != nil {
		t.Errorf("terminal frame has a sender: %v", f)
	}
	if dbg.reads != reads {
		t.Errorf("Sender of a terminal frame read memory %d times", dbg.reads-reads)
	}
}

func TestSenderGracefulDegradation(t *testing.T) {
	regs := amd64Regs(0x1050, 0x7000, 0x7050)
	for _, tc := range []struct {
		name  string
		words map[uint64]uint64
	}{
		{"unreadable return address", map[uint64]uint64{0x7060: 0x7100}},
		{"zero return address", map[uint64]uint64{0x7068: 0, 0x7060: 0x7100}},
		{"unreadable caller base", map[uint64]uint64{0x7068: 0xabcd}},
		{"null caller CFA", map[uint64]uint64{0x7068: 0xabcd, 0x7060: 0}},
		{"caller CFA below stack pointer", map[uint64]uint64{0x7068: 0xabcd, 0x7060: 0x6000}},
		{"caller CFA equal to current", map[uint64]uint64{0x7068: 0xabcd, 0x7060: 0x7060}},
		{"caller CFA below current", map[uint64]uint64{0x7068: 0xabcd, 0x7060: 0x7058}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dbg := newSyntheticTarget(t)
			dbg.words = tc.words
			top := TopFrame(dbg, 0x1050, regs)
			if top == nil {
				t.Fatal("nil top frame")
			}
			defer top.Release()
			if f := top.Sender(regs); f != nil {
				t.Errorf("expected nil, got %v", f)
			}
		})
	}
}

func TestStacktrace(t *testing.T) {
	dbg := newSyntheticTarget(t)
	// libc_fn (0x2010) <- libc_fn (0x2020) <- managed (0x9000) <- end
	dbg.words[0x7058] = 0x2020
	dbg.words[0x7050] = 0x7080
	dbg.words[0x7088] = 0x9000
	dbg.words[0x7080] = 0x7100

	regs := amd64Regs(0x2010, 0x7000, 0x7050)
	frames, err := Stacktrace(dbg, 0x2010, regs, 50)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		for _, f := range frames {
			f.Release()
		}
	}()

	expected := []struct {
		pc, cfa uint64
		kind    FrameKind
	}{
		{0x2010, 0x7060, FrameNative},
		{0x2020, 0x7090, FrameNative},
		{0x9000, 0x7100, FrameManaged},
	}
	if len(frames) != len(expected) {
		t.Fatalf("got %d frames, expected %d: %v", len(frames), len(expected), frames)
	}
	for i, e := range expected {
		f := frames[i]
		if f.PC() != e.pc || f.CFA() != e.cfa || f.Kind() != e.kind {
			t.Errorf("frame %d: %v, expected pc=%#x cfa=%#x %v", i, f, e.pc, e.cfa, e.kind)
		}
		if i > 0 && f.CFA() < frames[i-1].CFA() {
			t.Errorf("frame %d: CFA decreased", i)
		}
	}

	frames2, err := Stacktrace(dbg, 0x2010, regs, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames2) != 2 {
		t.Errorf("depth 1 returned %d frames", len(frames2))
	}
	for _, f := range frames2 {
		f.Release()
	}
}

func TestStacktraceTerminatesOnCycles(t *testing.T) {
	dbg := newFakeDebugger()
	// Managed frames whose saved frame pointers form a loop.
	dbg.words[0x7008] = 0x9000
	dbg.words[0x7000] = 0x7010
	dbg.words[0x7018] = 0x9000
	dbg.words[0x7010] = 0x7000

	frames, err := Stacktrace(dbg, 0x9000, amd64Regs(0x9000, 0x6ff0, 0x7000), 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Errorf("got %d frames, expected 2", len(frames))
	}
}

func TestStacktraceErrors(t *testing.T) {
	dbg := newSyntheticTarget(t)
	if _, err := Stacktrace(dbg, 0x9000, amd64Regs(0x9000, 0x7000, 0x7050), -1); err == nil {
		t.Error("expected error for negative depth")
	}
	_, err := Stacktrace(dbg, 0x9000, amd64Regs(0x9000, 0x7000, 0), 10)
	if !errors.Is(err, ErrNoTopFrame) {
		t.Errorf("expected ErrNoTopFrame, got %v", err)
	}
}

func TestStackIteratorUsesStackCache(t *testing.T) {
	dbg := newSyntheticTarget(t)
	for addr := uint64(0x7000); addr < 0x7000+stackCacheSize; addr += 8 {
		dbg.words[addr] = 0
	}
	dbg.words[0x7058] = 0x2020
	dbg.words[0x7050] = 0x7080

	it := NewStackIterator(dbg, 0x2010, amd64Regs(0x2010, 0x7000, 0x7050))
	reads := dbg.reads
	n := 0
	for it.Next() {
		defer it.Frame().Release()
		n++
	}
	if it.Err() != nil {
		t.Fatal(it.Err())
	}
	if n != 2 {
		t.Errorf("got %d frames, expected 2", n)
	}
	if dbg.reads != reads {
		t.Errorf("walk performed %d reads outside the stack cache", dbg.reads-reads)
	}
}
