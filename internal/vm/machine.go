// Package vm implements the dual-stack interpreter: a dense
// opcode-indexed dispatch table driving a flat run loop over threaded
// code stored in the heap, plus lazy-global promotion via self-modifying
// dispatch.
package vm

import (
	"io"
	"os"

	"github.com/sfkleach/nutmeg-run/internal/cell"
	"github.com/sfkleach/nutmeg-run/internal/diagnostics"
	"github.com/sfkleach/nutmeg-run/internal/global"
	"github.com/sfkleach/nutmeg-run/internal/heap"
	"github.com/sfkleach/nutmeg-run/internal/opcode"
	"github.com/sfkleach/nutmeg-run/internal/sysfn"
)

// sentinelPC is the return address a synchronous nested call (lazy-global
// promotion) installs in place of a real code address. RETURN never
// dispatches it — the loop that planted it simply stops when it sees it
// come back.
const sentinelPC = ^heap.Addr(0)

// DefaultOperandCapacity and DefaultReturnCapacity are the stack sizes
// New uses absent an explicit choice — spec.md §5 requires both stacks
// to have a fixed capacity chosen at startup, mirroring the heap's own
// fixed-capacity pool.
const (
	DefaultOperandCapacity = 65536
	DefaultReturnCapacity  = 65536
)

// Handler executes the instruction tagged at operand-1 and returns the
// address of the next opcode to dispatch — the next sequential
// instruction for most opcodes, a branch target for GOTO/IF_NOT, a
// callee's entry for a call, or the caller's saved pc for RETURN.
type Handler func(m *Machine, operand heap.Addr) heap.Addr

// Machine is one interpreter instance: the heap it runs against, the
// global table and sys-function table it resolves operands through, and
// its own operand and return stacks.
type Machine struct {
	Heap    *heap.Heap
	Globals *global.Table
	Sys     *sysfn.Table

	operand         []cell.Cell
	ret             []cell.Cell
	operandCapacity int
	returnCapacity  int
	halted          bool

	Stdout io.Writer
	Trace  func(op opcode.Op, pc heap.Addr)
}

// New builds a Machine over the given heap, globals and sys-function
// table, with its operand and return stacks each bounded to capacity
// cells. Output from the println sys-function goes to os.Stdout unless
// the caller overwrites Stdout.
func New(h *heap.Heap, globals *global.Table, sys *sysfn.Table, operandCapacity, returnCapacity int) *Machine {
	return &Machine{
		Heap:            h,
		Globals:         globals,
		Sys:             sys,
		operandCapacity: operandCapacity,
		returnCapacity:  returnCapacity,
		Stdout:          os.Stdout,
	}
}

var dispatch [opcode.Count]Handler

func init() {
	dispatch[opcode.HALT] = opHalt
	dispatch[opcode.PUSH_VALUE] = opPushValue
	dispatch[opcode.PUSH_LOCAL] = opPushLocal
	dispatch[opcode.POP_LOCAL] = opPopLocal
	dispatch[opcode.STACK_LENGTH] = opStackLength
	dispatch[opcode.CHECK_BOOL] = opCheckBool
	dispatch[opcode.PUSH_GLOBAL] = opPushGlobal
	dispatch[opcode.PUSH_GLOBAL_LAZY] = opPushGlobalLazy
	dispatch[opcode.CALL_GLOBAL_COUNTED] = opCallGlobalCounted
	dispatch[opcode.CALL_GLOBAL_COUNTED_LAZY] = opCallGlobalCountedLazy
	dispatch[opcode.SYSCALL_COUNTED] = opSyscallCounted
	dispatch[opcode.DONE] = opDone
	dispatch[opcode.RETURN] = opReturn
	dispatch[opcode.GOTO] = opGoto
	dispatch[opcode.IF_NOT] = opIfNot
	dispatch[opcode.LAUNCH] = opLaunch
}

// ---- operand stack: sysfn.Machine ----

func (m *Machine) Push(c cell.Cell) {
	if len(m.operand) >= m.operandCapacity {
		panic(diagnostics.Newf(diagnostics.RunTime, "push", "operand stack overflow (capacity %d)", m.operandCapacity))
	}
	m.operand = append(m.operand, c)
}

func (m *Machine) Pop() cell.Cell {
	n := len(m.operand) - 1
	if n < 0 {
		panic(diagnostics.Newf(diagnostics.RunTime, "pop", "operand stack underflow"))
	}
	v := m.operand[n]
	m.operand = m.operand[:n]
	return v
}

func (m *Machine) Peek() cell.Cell {
	if len(m.operand) == 0 {
		panic(diagnostics.Newf(diagnostics.RunTime, "peek", "operand stack underflow"))
	}
	return m.operand[len(m.operand)-1]
}

func (m *Machine) PeekAt(i int) cell.Cell { return m.operand[i] }

func (m *Machine) PopMultiple(k int) {
	n := len(m.operand) - k
	if n < 0 {
		panic(diagnostics.Newf(diagnostics.RunTime, "pop-multiple", "operand stack underflow"))
	}
	m.operand = m.operand[:n]
}

func (m *Machine) StackSize() int { return len(m.operand) }

func (m *Machine) StringData(addr heap.Addr) string { return m.Heap.GetStringData(addr) }

func (m *Machine) Print(s string) { io.WriteString(m.Stdout, s) }

// ---- run loop ----

// Run executes threaded code starting at startPC until a HALT instruction
// is dispatched. Handlers panic with a *diagnostics.Error on any run-time
// fault (§7); Run recovers exactly once here and converts it back into a
// returned error, so callers never need to guard against a panic crossing
// the VM boundary.
func (m *Machine) Run(startPC heap.Addr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if de, ok := r.(*diagnostics.Error); ok {
				err = de
				return
			}
			panic(r)
		}
	}()
	pc := startPC
	for !m.halted {
		pc = m.step(pc)
	}
	return nil
}

func (m *Machine) step(pc heap.Addr) heap.Addr {
	op := opcode.Op(cell.RawValue(m.Heap.Pool.Get(pc)))
	if m.Trace != nil {
		m.Trace(op, pc)
	}
	handler := dispatch[op]
	if handler == nil {
		panic(diagnostics.Newf(diagnostics.RunTime, "dispatch", "no handler for opcode %v", op))
	}
	return handler(m, pc+1)
}

// callSync runs fn to completion from a fresh frame built with the given
// arguments, returning its single result value. It reuses the ordinary
// dispatch loop with a sentinel return address rather than recursing in
// Go, so a lazy initializer that itself contains loops never grows the
// Go call stack.
func (m *Machine) callSync(fnAddr heap.Addr, args []cell.Cell) cell.Cell {
	for _, a := range args {
		m.Push(a)
	}
	m.buildFrame(fnAddr, sentinelPC)
	pc := m.Heap.GetFunctionCodeAddr(fnAddr)
	for pc != sentinelPC {
		pc = m.step(pc)
	}
	return m.Pop()
}

// buildFrame implements the call-time frame layout: nlocals-nparams NIL
// extras at the bottom, then the nparams arguments popped off the
// operand stack in declaration order, then the callee's function
// pointer, then the caller's return address.
func (m *Machine) buildFrame(fnAddr heap.Addr, retAddr heap.Addr) {
	nlocals := m.Heap.GetFunctionNLocals(fnAddr)
	nparams := m.Heap.GetFunctionNParams(fnAddr)
	nextras := nlocals - nparams
	if len(m.ret)+nlocals+2 > m.returnCapacity {
		panic(diagnostics.Newf(diagnostics.RunTime, "call", "return stack overflow (capacity %d)", m.returnCapacity))
	}
	for i := 0; i < nextras; i++ {
		m.ret = append(m.ret, cell.NIL)
	}
	params := make([]cell.Cell, nparams)
	for i := nparams - 1; i >= 0; i-- {
		params[i] = m.Pop()
	}
	m.ret = append(m.ret, params...)
	m.ret = append(m.ret, heap.PointerTo(fnAddr))
	m.ret = append(m.ret, cell.Raw(uint64(retAddr)))
}

// resolveGlobal returns ident's value, forcing its lazy initializer first
// if needed. Unlike opPushGlobalLazy's direct frame transfer, this runs
// the thunk to completion in an isolated nested call (callSync) — used
// at a CALL_GLOBAL_COUNTED_LAZY site, where the operand stack already
// holds the pending call's real arguments and cannot be disturbed by the
// forcing call's own result. The thunk's own DONE is what actually
// clears Lazy/InProgress and installs the cached value; this also
// rewrites the opcode tag at tagAddr to strictOp so later dispatches of
// this instruction skip the check entirely.
func (m *Machine) resolveGlobal(id global.Id, tagAddr heap.Addr, strictOp opcode.Op) cell.Cell {
	ident := m.Globals.Get(id)
	if !ident.Lazy {
		m.Heap.Pool.Set(tagAddr, cell.Raw(uint64(strictOp)))
		return ident.Cell
	}
	if ident.InProgress {
		panic(diagnostics.Newf(diagnostics.RunTime, "call.global.counted.lazy", "recursive lazy evaluation"))
	}
	if !cell.IsTaggedPtr(ident.Cell) || !m.Heap.IsFunctionObject(heap.AddrOf(ident.Cell)) {
		panic(diagnostics.Newf(diagnostics.RunTime, "call.global.counted.lazy", "lazy global has no initializer function"))
	}
	ident.InProgress = true
	m.callSync(heap.AddrOf(ident.Cell), nil)
	m.Heap.Pool.Set(tagAddr, cell.Raw(uint64(strictOp)))
	return ident.Cell
}

// ---- handlers ----

func opHalt(m *Machine, operand heap.Addr) heap.Addr {
	m.halted = true
	return operand
}

func opPushValue(m *Machine, operand heap.Addr) heap.Addr {
	m.Push(m.Heap.Pool.Get(operand))
	return operand + 1
}

// localSlot validates a local-offset operand against the current return
// stack depth and returns the index into m.ret it refers to, raising a
// diagnosed return-stack underflow instead of letting a malformed
// offset (from an adversarial or buggy binding) panic as a raw Go
// slice-index error that would escape Run's recover.
func (m *Machine) localSlot(off uint64) int {
	idx := len(m.ret) - int(off)
	if off == 0 || idx < 0 || idx >= len(m.ret) {
		panic(diagnostics.Newf(diagnostics.RunTime, "local", "return stack underflow: offset %d against depth %d", off, len(m.ret)))
	}
	return idx
}

func opPushLocal(m *Machine, operand heap.Addr) heap.Addr {
	off := cell.RawValue(m.Heap.Pool.Get(operand))
	m.Push(m.ret[m.localSlot(off)])
	return operand + 1
}

func opPopLocal(m *Machine, operand heap.Addr) heap.Addr {
	off := cell.RawValue(m.Heap.Pool.Get(operand))
	m.ret[m.localSlot(off)] = m.Pop()
	return operand + 1
}

// opStackLength snapshots the current operand-stack depth into a local,
// for a later CALL_GLOBAL_COUNTED, SYSCALL_COUNTED or DONE at the same
// call site to recover the argument count as the growth since the
// snapshot.
func opStackLength(m *Machine, operand heap.Addr) heap.Addr {
	off := cell.RawValue(m.Heap.Pool.Get(operand))
	m.ret[m.localSlot(off)] = cell.TagInt(int64(m.StackSize()))
	return operand + 1
}

// snapshotLocal reads back a STACK_LENGTH snapshot stored at local offset
// off cells from the top of the return stack.
func (m *Machine) snapshotLocal(off uint64) int64 {
	return cell.DetagInt(m.ret[m.localSlot(off)])
}

func opCheckBool(m *Machine, operand heap.Addr) heap.Addr {
	off := cell.RawValue(m.Heap.Pool.Get(operand))
	if int64(m.StackSize()) != m.snapshotLocal(off)+1 {
		panic(diagnostics.Newf(diagnostics.RunTime, "check.bool", "expected exactly one value pushed since the snapshot"))
	}
	if !cell.IsBool(m.Peek()) {
		panic(diagnostics.Newf(diagnostics.RunTime, "check.bool", "expected a boolean on top of stack"))
	}
	return operand + 1
}

func opPushGlobal(m *Machine, operand heap.Addr) heap.Addr {
	id := global.Id(cell.RawValue(m.Heap.Pool.Get(operand)))
	m.Push(m.Globals.Get(id).Cell)
	return operand + 1
}

// opPushGlobalLazy is the literal lazy-promotion mechanism from the data
// model: on first access it calls the Ident's thunk as a plain 0-arg
// function, return address set to the instruction right after this one.
// The thunk's DONE leaves its computed value on top of the operand
// stack (Peek, not Pop) — exactly where a plain push would have put it —
// so by the time the thunk's RETURN lands back here, nothing more needs
// to happen. If some other call site already forced the Ident in the
// meantime, this site instead rewrites its own tag to the strict variant
// and rewinds pc by one to re-dispatch immediately through it.
func opPushGlobalLazy(m *Machine, operand heap.Addr) heap.Addr {
	tagAddr := operand - 1
	id := global.Id(cell.RawValue(m.Heap.Pool.Get(operand)))
	ident := m.Globals.Get(id)
	if !ident.Lazy {
		m.Heap.Pool.Set(tagAddr, cell.Raw(uint64(opcode.PUSH_GLOBAL)))
		return tagAddr
	}
	if ident.InProgress {
		panic(diagnostics.Newf(diagnostics.RunTime, "push.global.lazy", "recursive lazy evaluation"))
	}
	if !cell.IsTaggedPtr(ident.Cell) || !m.Heap.IsFunctionObject(heap.AddrOf(ident.Cell)) {
		panic(diagnostics.Newf(diagnostics.RunTime, "push.global.lazy", "lazy global has no initializer function"))
	}
	ident.InProgress = true
	m.buildFrame(heap.AddrOf(ident.Cell), operand+1)
	return m.Heap.GetFunctionCodeAddr(heap.AddrOf(ident.Cell))
}

func callTarget(m *Machine, callee cell.Cell, argc int64, retAddr heap.Addr) heap.Addr {
	if !cell.IsTaggedPtr(callee) || !m.Heap.IsFunctionObject(heap.AddrOf(callee)) {
		panic(diagnostics.Newf(diagnostics.RunTime, "call.global.counted", "callee is not a function"))
	}
	fnAddr := heap.AddrOf(callee)
	if nparams := m.Heap.GetFunctionNParams(fnAddr); int(argc) != nparams {
		panic(diagnostics.Newf(diagnostics.RunTime, "call.global.counted",
			"arity mismatch: called with %d argument(s), expected %d", argc, nparams))
	}
	m.buildFrame(fnAddr, retAddr)
	return m.Heap.GetFunctionCodeAddr(fnAddr)
}

func opCallGlobalCounted(m *Machine, operand heap.Addr) heap.Addr {
	off := cell.RawValue(m.Heap.Pool.Get(operand))
	id := global.Id(cell.RawValue(m.Heap.Pool.Get(operand + 1)))
	callee := m.Globals.Get(id).Cell
	argc := int64(m.StackSize()) - m.snapshotLocal(off)
	return callTarget(m, callee, argc, operand+2)
}

func opCallGlobalCountedLazy(m *Machine, operand heap.Addr) heap.Addr {
	off := cell.RawValue(m.Heap.Pool.Get(operand))
	id := global.Id(cell.RawValue(m.Heap.Pool.Get(operand + 1)))
	callee := m.resolveGlobal(id, operand-1, opcode.CALL_GLOBAL_COUNTED)
	argc := int64(m.StackSize()) - m.snapshotLocal(off)
	return callTarget(m, callee, argc, operand+2)
}

func opSyscallCounted(m *Machine, operand heap.Addr) heap.Addr {
	off := cell.RawValue(m.Heap.Pool.Get(operand))
	id := sysfn.Id(cell.RawValue(m.Heap.Pool.Get(operand + 1)))
	argc := uint64(int64(m.StackSize()) - m.snapshotLocal(off))
	m.Sys.Call(id, m, argc)
	return operand + 2
}

// opDone implements lazy-binding completion: by precondition exactly one
// value sits on the operand stack above the call site's snapshot. That
// value becomes the Ident's cell — left in place with Peek rather than
// Pop, since for a PUSH_GLOBAL_LAZY site the value being there IS the
// push the caller wanted.
func opDone(m *Machine, operand heap.Addr) heap.Addr {
	off := cell.RawValue(m.Heap.Pool.Get(operand))
	id := global.Id(cell.RawValue(m.Heap.Pool.Get(operand + 1)))
	if int64(m.StackSize()) != m.snapshotLocal(off)+1 {
		panic(diagnostics.Newf(diagnostics.RunTime, "done", "expected exactly one value pushed since the snapshot"))
	}
	ident := m.Globals.Get(id)
	ident.Cell = m.Peek()
	ident.Lazy = false
	ident.InProgress = false
	return operand + 2
}

func opReturn(m *Machine, operand heap.Addr) heap.Addr {
	n := len(m.ret)
	if n < 2 {
		panic(diagnostics.Newf(diagnostics.RunTime, "return", "return stack underflow"))
	}
	funcCell := m.ret[n-2]
	retCell := m.ret[n-1]
	nlocals := m.Heap.GetFunctionNLocals(heap.AddrOf(funcCell))
	if n-nlocals-2 < 0 {
		panic(diagnostics.Newf(diagnostics.RunTime, "return", "return stack underflow"))
	}
	m.ret = m.ret[:n-nlocals-2]
	return heap.Addr(cell.RawValue(retCell))
}

func opGoto(m *Machine, operand heap.Addr) heap.Addr {
	offset := int64(cell.RawValue(m.Heap.Pool.Get(operand)))
	return heap.Addr(int64(operand+1) + offset)
}

func opIfNot(m *Machine, operand heap.Addr) heap.Addr {
	offset := int64(cell.RawValue(m.Heap.Pool.Get(operand)))
	v := m.Pop()
	if v == cell.FALSE {
		return heap.Addr(int64(operand+1) + offset)
	}
	return operand + 1
}

// opLaunch builds the entry-point frame: its operand is the entry's
// function pointer directly (the loader already resolved the Ident
// before emitting this instruction), and any arguments the entry
// declares are taken from whatever the loader pushed onto the operand
// stack beforehand — the program's command-line arguments. Its return
// address is the instruction following the operand, by convention the
// HALT the loader appends right after LAUNCH.
func opLaunch(m *Machine, operand heap.Addr) heap.Addr {
	entry := m.Heap.Pool.Get(operand)
	if !cell.IsTaggedPtr(entry) || !m.Heap.IsFunctionObject(heap.AddrOf(entry)) {
		panic(diagnostics.Newf(diagnostics.RunTime, "launch", "entry point is not a function"))
	}
	fnAddr := heap.AddrOf(entry)
	m.buildFrame(fnAddr, operand+1)
	return m.Heap.GetFunctionCodeAddr(fnAddr)
}
