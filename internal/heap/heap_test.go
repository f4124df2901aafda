package heap

import (
	"testing"

	"github.com/sfkleach/nutmeg-run/internal/cell"
)

func TestRootDatakeys(t *testing.T) {
	h, err := New(1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.Pool.Get(h.DatakeyDatakey) != PointerTo(h.DatakeyDatakey) {
		t.Error("DatakeyDatakey is not self-referential")
	}
	if h.Pool.Get(h.StringDatakey) != PointerTo(h.DatakeyDatakey) {
		t.Error("StringDatakey is not typed by DatakeyDatakey")
	}
	if h.Pool.Get(h.FunctionDatakey) != PointerTo(h.DatakeyDatakey) {
		t.Error("FunctionDatakey is not typed by DatakeyDatakey")
	}
}

func TestAllocateString(t *testing.T) {
	h, err := New(1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, s := range []string{"", "hi", "hello, world", "a string longer than eight bytes"} {
		id, err := h.AllocateString(s)
		if err != nil {
			t.Fatalf("AllocateString(%q): %v", s, err)
		}
		if h.Pool.Get(id) != PointerTo(h.StringDatakey) {
			t.Errorf("string %q: identity cell does not point to StringDatakey", s)
		}
		if !h.IsStringObject(id) {
			t.Errorf("string %q: IsStringObject false", s)
		}
		if got := h.GetStringData(id); got != s {
			t.Errorf("GetStringData: got %q, want %q", got, s)
		}
	}
}

func TestAllocateFunction(t *testing.T) {
	h, err := New(1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	code := []cell.Cell{cell.TagInt(1), cell.TagInt(2), cell.TagInt(3)}
	id, err := h.AllocateFunction(code, 4, 2)
	if err != nil {
		t.Fatalf("AllocateFunction: %v", err)
	}
	if !h.IsFunctionObject(id) {
		t.Error("IsFunctionObject false for allocated function")
	}
	if got := h.GetFunctionNWords(id); got != int64(len(code)) {
		t.Errorf("GetFunctionNWords = %d, want %d", got, len(code))
	}
	if got := h.GetFunctionNLocals(id); got != 4 {
		t.Errorf("GetFunctionNLocals = %d, want 4", got)
	}
	if got := h.GetFunctionNParams(id); got != 2 {
		t.Errorf("GetFunctionNParams = %d, want 2", got)
	}
	if got := h.GetFunctionNExtras(id); got != 2 {
		t.Errorf("GetFunctionNExtras = %d, want 2", got)
	}
	codeAddr := h.GetFunctionCodeAddr(id)
	for i, want := range code {
		if got := h.Pool.Get(codeAddr + Addr(i)); got != want {
			t.Errorf("code[%d] = %v, want %v", i, got, want)
		}
	}
}

func TestIsFunctionObjectRejectsNonFunction(t *testing.T) {
	h, err := New(1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := h.AllocateString("not a function")
	if err != nil {
		t.Fatalf("AllocateString: %v", err)
	}
	if h.IsFunctionObject(id) {
		t.Error("IsFunctionObject true for a string object")
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := NewPool(4)
	if _, err := p.Allocate(3); err != nil {
		t.Fatalf("unexpected error allocating within capacity: %v", err)
	}
	if _, err := p.Allocate(2); err != ErrExhausted {
		t.Errorf("Allocate beyond capacity: got %v, want ErrExhausted", err)
	}
}
