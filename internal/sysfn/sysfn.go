// Package sysfn implements the built-in sys-functions println, +, -, *,
// /, <, >, =, <=, >=, <> and negate, and the fixed name->handle table the
// planter resolves SYSCALL_COUNTED operands through.
//
// The core treats sys-functions as opaque, per spec.md §4.6 — this
// package is one of the two external collaborators spec.md names
// (alongside the bundle reader) given a concrete body for this
// repository.
package sysfn

import (
	"fmt"

	"github.com/sfkleach/nutmeg-run/internal/cell"
	"github.com/sfkleach/nutmeg-run/internal/diagnostics"
	"github.com/sfkleach/nutmeg-run/internal/heap"
)

// Machine is the slice of VM functionality a sys-function may use: the
// operand stack, and read-only access to heap string data. It is
// satisfied structurally by *vm.Machine without either package
// importing the other.
type Machine interface {
	Push(c cell.Cell)
	Pop() cell.Cell
	Peek() cell.Cell
	PeekAt(i int) cell.Cell
	PopMultiple(k int)
	StackSize() int
	StringData(addr heap.Addr) string
	Print(s string)
}

// Fn is a sys-function's ABI: given the machine and the argument count
// derived at the call site, perform its effect on the operand stack.
type Fn func(m Machine, argc uint64)

// Id is a planter-resolved handle into a Table, embedded as a raw
// instruction operand in place of the raw function pointer the original
// implementation embeds — Go code cannot portably pack a func value into
// a 64-bit cell, so a small table index plays the same role: a single
// indirect call with no name lookup at run time.
type Id uint32

// Table is the fixed name -> Id -> Fn table the planter consults.
type Table struct {
	byName map[string]Id
	fns    []Fn
}

// NewTable builds the standard sys-function table.
func NewTable() *Table {
	t := &Table{byName: make(map[string]Id)}
	t.register("println", sysPrintln)
	t.register("+", binaryInt(func(a, b int64) int64 { return a + b }))
	t.register("-", binaryInt(func(a, b int64) int64 { return a - b }))
	t.register("*", binaryInt(func(a, b int64) int64 { return a * b }))
	t.register("/", sysDivide)
	t.register("negate", sysNegate)
	t.register("<", binaryIntBool(func(a, b int64) bool { return a < b }))
	t.register(">", binaryIntBool(func(a, b int64) bool { return a > b }))
	t.register("=", binaryIntBool(func(a, b int64) bool { return a == b }))
	t.register("<>", binaryIntBool(func(a, b int64) bool { return a != b }))
	t.register("<=", binaryIntBool(func(a, b int64) bool { return a <= b }))
	t.register(">=", binaryIntBool(func(a, b int64) bool { return a >= b }))
	return t
}

func (t *Table) register(name string, fn Fn) {
	id := Id(len(t.fns))
	t.fns = append(t.fns, fn)
	t.byName[name] = id
}

// Resolve looks a sys-function name up by its fixed table entry. The
// planter fails plant-time, per spec.md §4.4, when a name is absent.
func (t *Table) Resolve(name string) (Id, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Call invokes the sys-function identified by id.
func (t *Table) Call(id Id, m Machine, argc uint64) {
	t.fns[id](m, argc)
}

func requireArgc(op string, argc uint64, want uint64) {
	if argc != want {
		panic(diagnostics.Newf(diagnostics.RunTime, op, "expected %d argument(s), got %d", want, argc))
	}
}

// binaryInt builds a sys-function implementing the common integer
// template from spec.md §4.6: require argc == 2, pop one operand, peek
// the other, demand both be tagged ints, overwrite the top with the
// result.
func binaryInt(op func(a, b int64) int64) Fn {
	return func(m Machine, argc uint64) {
		requireArgc("binary-int", argc, 2)
		rhs := popInt(m, "binary-int")
		lhsCell := m.Peek()
		lhs := requireInt(lhsCell, "binary-int")
		m.Pop()
		m.Push(cell.TagInt(op(lhs, rhs)))
	}
}

func binaryIntBool(op func(a, b int64) bool) Fn {
	return func(m Machine, argc uint64) {
		requireArgc("binary-int-compare", argc, 2)
		rhs := popInt(m, "binary-int-compare")
		lhsCell := m.Peek()
		lhs := requireInt(lhsCell, "binary-int-compare")
		m.Pop()
		m.Push(cell.MakeBool(op(lhs, rhs)))
	}
}

func sysDivide(m Machine, argc uint64) {
	requireArgc("/", argc, 2)
	rhs := popInt(m, "/")
	lhsCell := m.Peek()
	lhs := requireInt(lhsCell, "/")
	if rhs == 0 {
		panic(diagnostics.Newf(diagnostics.RunTime, "/", "division by zero"))
	}
	m.Pop()
	m.Push(cell.TagInt(lhs / rhs))
}

func sysNegate(m Machine, argc uint64) {
	requireArgc("negate", argc, 1)
	v := requireInt(m.Peek(), "negate")
	m.Pop()
	m.Push(cell.TagInt(-v))
}

func sysPrintln(m Machine, argc uint64) {
	args := make([]cell.Cell, argc)
	for i := int(argc) - 1; i >= 0; i-- {
		args[i] = m.Pop()
	}
	var s string
	for i, c := range args {
		if i > 0 {
			s += " "
		}
		s += cellString(m, c)
	}
	m.Print(s + "\n")
}

func cellString(m Machine, c cell.Cell) string {
	switch {
	case cell.IsTaggedInt(c):
		return fmt.Sprintf("%d", cell.DetagInt(c))
	case cell.IsTaggedFloat(c):
		return fmt.Sprintf("%g", cell.DetagFloat(c))
	case cell.IsBool(c):
		return fmt.Sprintf("%t", cell.AsBool(c))
	case c == cell.NIL:
		return "nil"
	case c == cell.UNDEF:
		return "undef"
	case cell.IsTaggedPtr(c):
		return m.StringData(heap.AddrOf(c))
	default:
		return fmt.Sprintf("<cell %#x>", uint64(c))
	}
}

func popInt(m Machine, op string) int64 {
	c := m.Pop()
	return requireInt(c, op)
}

func requireInt(c cell.Cell, op string) int64 {
	if !cell.IsTaggedInt(c) {
		panic(diagnostics.Newf(diagnostics.RunTime, op, "expected a tagged int operand"))
	}
	return cell.DetagInt(c)
}
