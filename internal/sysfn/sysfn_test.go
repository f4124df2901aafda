package sysfn

import (
	"testing"

	"github.com/sfkleach/nutmeg-run/internal/cell"
	"github.com/sfkleach/nutmeg-run/internal/heap"
)

type fakeMachine struct {
	stack []cell.Cell
	out   string
	heap  *heap.Heap
}

func (f *fakeMachine) Push(c cell.Cell)     { f.stack = append(f.stack, c) }
func (f *fakeMachine) Pop() cell.Cell {
	n := len(f.stack) - 1
	v := f.stack[n]
	f.stack = f.stack[:n]
	return v
}
func (f *fakeMachine) Peek() cell.Cell          { return f.stack[len(f.stack)-1] }
func (f *fakeMachine) PeekAt(i int) cell.Cell   { return f.stack[i] }
func (f *fakeMachine) PopMultiple(k int)        { f.stack = f.stack[:len(f.stack)-k] }
func (f *fakeMachine) StackSize() int           { return len(f.stack) }
func (f *fakeMachine) StringData(a heap.Addr) string {
	return f.heap.GetStringData(a)
}
func (f *fakeMachine) Print(s string) { f.out += s }

func TestArithmetic(t *testing.T) {
	table := NewTable()
	for _, tt := range []struct {
		name     string
		a, b     int64
		wantInt  int64
		wantBool bool
		isBool   bool
	}{
		{"+", 3, 4, 7, false, false},
		{"-", 10, 3, 7, false, false},
		{"*", 6, 7, 42, false, false},
		{"/", 20, 4, 5, false, false},
		{"<", 3, 4, 0, true, true},
		{">", 4, 3, 0, true, true},
		{"=", 5, 5, 0, true, true},
		{"<>", 5, 6, 0, true, true},
	} {
		id, ok := table.Resolve(tt.name)
		if !ok {
			t.Fatalf("sys-function %q not registered", tt.name)
		}
		m := &fakeMachine{}
		m.Push(cell.TagInt(tt.a))
		m.Push(cell.TagInt(tt.b))
		table.Call(id, m, 2)
		if len(m.stack) != 1 {
			t.Fatalf("%s: stack size = %d, want 1", tt.name, len(m.stack))
		}
		got := m.stack[0]
		if tt.isBool {
			if !cell.IsBool(got) || cell.AsBool(got) != tt.wantBool {
				t.Errorf("%s(%d,%d) = %v, want bool %v", tt.name, tt.a, tt.b, got, tt.wantBool)
			}
		} else {
			if !cell.IsTaggedInt(got) || cell.DetagInt(got) != tt.wantInt {
				t.Errorf("%s(%d,%d) = %v, want int %v", tt.name, tt.a, tt.b, got, tt.wantInt)
			}
		}
	}
}

func TestDivisionByZeroPanics(t *testing.T) {
	table := NewTable()
	id, _ := table.Resolve("/")
	m := &fakeMachine{}
	m.Push(cell.TagInt(1))
	m.Push(cell.TagInt(0))
	defer func() {
		if recover() == nil {
			t.Error("expected a panic on division by zero")
		}
	}()
	table.Call(id, m, 2)
}

func TestPrintlnFormatsArgsSpaceSeparated(t *testing.T) {
	table := NewTable()
	id, _ := table.Resolve("println")
	m := &fakeMachine{}
	m.Push(cell.TagInt(1))
	m.Push(cell.TagInt(42))
	table.Call(id, m, 2)
	if m.out != "1 42\n" {
		t.Errorf("println output = %q, want %q", m.out, "1 42\n")
	}
}

func TestNegate(t *testing.T) {
	table := NewTable()
	id, _ := table.Resolve("negate")
	m := &fakeMachine{}
	m.Push(cell.TagInt(5))
	table.Call(id, m, 1)
	if got := cell.DetagInt(m.Peek()); got != -5 {
		t.Errorf("negate(5) = %d, want -5", got)
	}
}
