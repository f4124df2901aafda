package vm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sfkleach/nutmeg-run/internal/cell"
	"github.com/sfkleach/nutmeg-run/internal/diagnostics"
	"github.com/sfkleach/nutmeg-run/internal/global"
	"github.com/sfkleach/nutmeg-run/internal/heap"
	"github.com/sfkleach/nutmeg-run/internal/opcode"
	"github.com/sfkleach/nutmeg-run/internal/sysfn"
)

func newTestMachine(t *testing.T) (*Machine, *heap.Heap) {
	t.Helper()
	h, err := heap.New(heap.DefaultCapacity)
	if err != nil {
		t.Fatal(err)
	}
	m := New(h, global.NewTable(), sysfn.NewTable(), DefaultOperandCapacity, DefaultReturnCapacity)
	var buf bytes.Buffer
	m.Stdout = &buf
	return m, h
}

func tag(op opcode.Op) cell.Cell { return cell.Raw(uint64(op)) }

// asmBuilder is a minimal hand-rolled assembler for test bodies: every
// CALL_GLOBAL_COUNTED / SYSCALL_COUNTED / DONE site needs a preceding
// STACK_LENGTH snapshot, and every GOTO / IF_NOT needs its relative
// offset computed against the operand's own address — exactly the
// planter's own bookkeeping, done by hand here.
type asmBuilder struct{ cells []cell.Cell }

func (b *asmBuilder) at() int { return len(b.cells) }

func (b *asmBuilder) op(o opcode.Op, operands ...cell.Cell) int {
	start := b.at()
	b.cells = append(b.cells, tag(o))
	b.cells = append(b.cells, operands...)
	return start
}

// patchRel rewrites the relative-offset operand at cells[operandIdx] so
// that it resolves to target, per target - (ref + 1).
func (b *asmBuilder) patchRel(operandIdx, target int) {
	b.cells[operandIdx] = cell.Raw(uint64(int64(target) - int64(operandIdx+1)))
}

// runDriver builds a [LAUNCH entry, HALT] wrapper, mirroring what the
// loader does for a selected entry point, and runs it to completion.
// Any run-time fault comes back as a returned error, not a panic — Run
// recovers once at the top per the error-propagation design.
func runDriver(t *testing.T, m *Machine, h *heap.Heap, entryFn heap.Addr) (*bytes.Buffer, error) {
	t.Helper()
	code := []cell.Cell{
		tag(opcode.LAUNCH), heap.PointerTo(entryFn),
		tag(opcode.HALT),
	}
	driverFn, err := h.AllocateFunction(code, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	runErr := m.Run(h.GetFunctionCodeAddr(driverFn))
	return m.Stdout.(*bytes.Buffer), runErr
}

// Scenario: literal echo — push an int literal, println it.
func TestLiteralEcho(t *testing.T) {
	m, h := newTestMachine(t)
	sysID, _ := m.Sys.Resolve("println")
	var b asmBuilder
	b.op(opcode.STACK_LENGTH, cell.Raw(3))
	b.op(opcode.PUSH_VALUE, cell.TagInt(42))
	b.op(opcode.SYSCALL_COUNTED, cell.Raw(3), cell.Raw(uint64(sysID)))
	b.op(opcode.RETURN)
	fnAddr, err := h.AllocateFunction(b.cells, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runDriver(t, m, h, fnAddr)
	if err != nil {
		t.Fatal(err)
	}
	if out.String() != "42\n" {
		t.Errorf("output = %q, want %q", out.String(), "42\n")
	}
}

// Scenario: forward jump — GOTO skips over a PUSH_VALUE that would
// otherwise print the wrong value.
func TestForwardJump(t *testing.T) {
	m, h := newTestMachine(t)
	sysID, _ := m.Sys.Resolve("println")
	var b asmBuilder
	b.op(opcode.STACK_LENGTH, cell.Raw(3))
	gotoAt := b.op(opcode.GOTO, cell.Raw(0))
	b.op(opcode.PUSH_VALUE, cell.TagInt(999))
	skipTarget := b.at()
	b.op(opcode.PUSH_VALUE, cell.TagInt(7))
	b.op(opcode.SYSCALL_COUNTED, cell.Raw(3), cell.Raw(uint64(sysID)))
	b.op(opcode.RETURN)
	b.patchRel(gotoAt+1, skipTarget)

	fnAddr, err := h.AllocateFunction(b.cells, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runDriver(t, m, h, fnAddr)
	if err != nil {
		t.Fatal(err)
	}
	if out.String() != "7\n" {
		t.Errorf("output = %q, want %q", out.String(), "7\n")
	}
}

// Scenario: backward jump — a counting loop via IF_NOT/GOTO that prints
// a fixed number of lines, exercising a negative relative offset.
func TestBackwardJump(t *testing.T) {
	m, h := newTestMachine(t)
	sysID, _ := m.Sys.Resolve("println")
	ltID, _ := m.Sys.Resolve("<")
	minusID, _ := m.Sys.Resolve("-")
	// nlocals = 2: index 0 (offset 4) is the counter, index 1 (offset 3)
	// is the snapshot slot reused by every call site in the loop body.
	const counter, snap = 4, 3

	var b asmBuilder
	b.op(opcode.PUSH_VALUE, cell.TagInt(3))
	b.op(opcode.POP_LOCAL, cell.Raw(counter))

	loopStart := b.at()
	b.op(opcode.STACK_LENGTH, cell.Raw(snap))
	b.op(opcode.PUSH_VALUE, cell.TagInt(0))
	b.op(opcode.PUSH_LOCAL, cell.Raw(counter))
	b.op(opcode.SYSCALL_COUNTED, cell.Raw(snap), cell.Raw(uint64(ltID)))
	ifNotAt := b.op(opcode.IF_NOT, cell.Raw(0))

	b.op(opcode.STACK_LENGTH, cell.Raw(snap))
	b.op(opcode.PUSH_LOCAL, cell.Raw(counter))
	b.op(opcode.SYSCALL_COUNTED, cell.Raw(snap), cell.Raw(uint64(sysID)))

	b.op(opcode.STACK_LENGTH, cell.Raw(snap))
	b.op(opcode.PUSH_LOCAL, cell.Raw(counter))
	b.op(opcode.PUSH_VALUE, cell.TagInt(1))
	b.op(opcode.SYSCALL_COUNTED, cell.Raw(snap), cell.Raw(uint64(minusID)))
	b.op(opcode.POP_LOCAL, cell.Raw(counter))
	gotoAt := b.op(opcode.GOTO, cell.Raw(0))

	afterLoop := b.at()
	b.op(opcode.RETURN)

	b.patchRel(ifNotAt+1, afterLoop)
	b.patchRel(gotoAt+1, loopStart)

	fnAddr, err := h.AllocateFunction(b.cells, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runDriver(t, m, h, fnAddr)
	if err != nil {
		t.Fatal(err)
	}
	if out.String() != "3\n2\n1\n" {
		t.Errorf("output = %q, want %q", out.String(), "3\n2\n1\n")
	}
}

// Scenario: conditional skip — IF_NOT falls through when the condition
// is true, so the guarded println still runs.
func TestConditionalSkipFallsThroughWhenTrue(t *testing.T) {
	m, h := newTestMachine(t)
	sysID, _ := m.Sys.Resolve("println")
	var b asmBuilder
	b.op(opcode.PUSH_VALUE, cell.TRUE)
	ifNotAt := b.op(opcode.IF_NOT, cell.Raw(0))
	b.op(opcode.STACK_LENGTH, cell.Raw(3))
	b.op(opcode.PUSH_VALUE, cell.TagInt(1))
	b.op(opcode.SYSCALL_COUNTED, cell.Raw(3), cell.Raw(uint64(sysID)))
	skipTarget := b.at()
	b.op(opcode.RETURN)
	b.patchRel(ifNotAt+1, skipTarget)

	fnAddr, err := h.AllocateFunction(b.cells, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runDriver(t, m, h, fnAddr)
	if err != nil {
		t.Fatal(err)
	}
	if out.String() != "1\n" {
		t.Errorf("output = %q, want %q", out.String(), "1\n")
	}
}

// Scenario: lazy constant — PUSH_GLOBAL_LAZY evaluates the initializer
// exactly once, caches the result via DONE, and self-modifies to
// PUSH_GLOBAL for every later reference.
func TestLazyConstantEvaluatesOnce(t *testing.T) {
	m, h := newTestMachine(t)
	sysID, _ := m.Sys.Resolve("println")

	lazyID := m.Globals.Define("K", cell.UNDEF, true)

	var initB asmBuilder
	initB.op(opcode.STACK_LENGTH, cell.Raw(3))
	initB.op(opcode.PUSH_VALUE, cell.TagInt(1))
	initB.op(opcode.SYSCALL_COUNTED, cell.Raw(3), cell.Raw(uint64(sysID))) // side effect: must run exactly once
	initB.op(opcode.STACK_LENGTH, cell.Raw(3))
	initB.op(opcode.PUSH_VALUE, cell.TagInt(99))
	initB.op(opcode.DONE, cell.Raw(3), cell.Raw(uint64(lazyID)))
	initB.op(opcode.RETURN)
	initFn, err := h.AllocateFunction(initB.cells, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	m.Globals.Define("K", heap.PointerTo(initFn), true)

	var mainB asmBuilder
	mainB.op(opcode.STACK_LENGTH, cell.Raw(3))
	mainB.op(opcode.PUSH_GLOBAL_LAZY, cell.Raw(uint64(lazyID)))
	mainB.op(opcode.SYSCALL_COUNTED, cell.Raw(3), cell.Raw(uint64(sysID)))
	mainB.op(opcode.STACK_LENGTH, cell.Raw(3))
	mainB.op(opcode.PUSH_GLOBAL_LAZY, cell.Raw(uint64(lazyID)))
	mainB.op(opcode.SYSCALL_COUNTED, cell.Raw(3), cell.Raw(uint64(sysID)))
	mainB.op(opcode.RETURN)
	mainFn, err := h.AllocateFunction(mainB.cells, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	out, err := runDriver(t, m, h, mainFn)
	if err != nil {
		t.Fatal(err)
	}
	if out.String() != "1\n99\n99\n" {
		t.Errorf("output = %q, want %q (initializer side effect must run exactly once)", out.String(), "1\n99\n99\n")
	}
	if m.Globals.Get(lazyID).Lazy {
		t.Error("Ident should no longer be marked Lazy after promotion")
	}
}

// Scenario: lazy function called through two distinct
// CALL_GLOBAL_COUNTED_LAZY sites. The first site forces the lazy global
// (running its initializer exactly once) and self-promotes to
// CALL_GLOBAL_COUNTED; the second site, having never itself dispatched
// while the Ident was still lazy, must also observe the promotion and
// rewrite its own tag — it must not keep paying the lazy check forever.
func TestCallGlobalCountedLazyPromotesEveryCallSite(t *testing.T) {
	m, h := newTestMachine(t)
	sysID, _ := m.Sys.Resolve("println")

	// realFn(x): println(x); return. nlocals=2 (a snapshot slot at index 0,
	// the param at index 1 — buildFrame pushes extras before params, so the
	// snapshot slot sits at offset 4 and the param at offset 3).
	var realB asmBuilder
	realB.op(opcode.STACK_LENGTH, cell.Raw(4))
	realB.op(opcode.PUSH_LOCAL, cell.Raw(3))
	realB.op(opcode.SYSCALL_COUNTED, cell.Raw(4), cell.Raw(uint64(sysID)))
	realB.op(opcode.RETURN)
	realFn, err := h.AllocateFunction(realB.cells, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	lazyID := m.Globals.Define("F", cell.UNDEF, true)

	// The thunk: print a side effect exactly once, then install realFn
	// itself as the resolved global via DONE.
	var thunkB asmBuilder
	thunkB.op(opcode.STACK_LENGTH, cell.Raw(3))
	thunkB.op(opcode.PUSH_VALUE, cell.TagInt(1))
	thunkB.op(opcode.SYSCALL_COUNTED, cell.Raw(3), cell.Raw(uint64(sysID)))
	thunkB.op(opcode.STACK_LENGTH, cell.Raw(3))
	thunkB.op(opcode.PUSH_VALUE, heap.PointerTo(realFn))
	thunkB.op(opcode.DONE, cell.Raw(3), cell.Raw(uint64(lazyID)))
	thunkB.op(opcode.RETURN)
	thunkFn, err := h.AllocateFunction(thunkB.cells, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	m.Globals.Define("F", heap.PointerTo(thunkFn), true)

	var mainB asmBuilder
	mainB.op(opcode.STACK_LENGTH, cell.Raw(3))
	mainB.op(opcode.PUSH_VALUE, cell.TagInt(10))
	site1 := mainB.op(opcode.CALL_GLOBAL_COUNTED_LAZY, cell.Raw(3), cell.Raw(uint64(lazyID)))
	mainB.op(opcode.STACK_LENGTH, cell.Raw(3))
	mainB.op(opcode.PUSH_VALUE, cell.TagInt(20))
	site2 := mainB.op(opcode.CALL_GLOBAL_COUNTED_LAZY, cell.Raw(3), cell.Raw(uint64(lazyID)))
	mainB.op(opcode.RETURN)
	mainFn, err := h.AllocateFunction(mainB.cells, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	out, err := runDriver(t, m, h, mainFn)
	if err != nil {
		t.Fatal(err)
	}
	if out.String() != "1\n10\n20\n" {
		t.Errorf("output = %q, want %q (initializer side effect must run exactly once)", out.String(), "1\n10\n20\n")
	}

	codeAddr := h.GetFunctionCodeAddr(mainFn)
	tag1 := opcode.Op(cell.RawValue(h.Pool.Get(codeAddr + heap.Addr(site1))))
	tag2 := opcode.Op(cell.RawValue(h.Pool.Get(codeAddr + heap.Addr(site2))))
	if tag1 != opcode.CALL_GLOBAL_COUNTED {
		t.Errorf("call site 1 tag = %v, want it promoted to CALL_GLOBAL_COUNTED", tag1)
	}
	if tag2 != opcode.CALL_GLOBAL_COUNTED {
		t.Errorf("call site 2 tag = %v, want it promoted to CALL_GLOBAL_COUNTED too (it never performed the forcing call itself)", tag2)
	}
}

// Scenario: arity mismatch — calling a global function with the wrong
// argument count is a fatal run-time error, reported as an error return
// rather than a panic escaping the VM boundary.
func TestArityMismatchFails(t *testing.T) {
	m, h := newTestMachine(t)
	calleeFn, err := h.AllocateFunction([]cell.Cell{tag(opcode.RETURN)}, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	calleeID := m.Globals.Define("f", heap.PointerTo(calleeFn), false)

	var b asmBuilder
	b.op(opcode.STACK_LENGTH, cell.Raw(3))
	b.op(opcode.PUSH_VALUE, cell.TagInt(1))
	b.op(opcode.PUSH_VALUE, cell.TagInt(2))
	b.op(opcode.CALL_GLOBAL_COUNTED, cell.Raw(3), cell.Raw(uint64(calleeID)))
	b.op(opcode.RETURN)
	mainFn, err := h.AllocateFunction(b.cells, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	_, runErr := runDriver(t, m, h, mainFn)
	if runErr == nil {
		t.Fatal("expected a run-time error on arity mismatch")
	}
	var de *diagnostics.Error
	if !errors.As(runErr, &de) || de.Category != diagnostics.RunTime {
		t.Errorf("err = %v, want a diagnostics.Error in category RunTime", runErr)
	}
}
