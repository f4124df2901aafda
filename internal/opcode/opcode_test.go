package opcode

import "testing"

func TestLookupDottedAndCamelCase(t *testing.T) {
	for _, pair := range [][2]string{
		{"push.int", "PushInt"},
		{"push.string", "PushString"},
		{"push.bool", "PushBool"},
		{"push.local", "PushLocal"},
		{"pop.local", "PopLocal"},
		{"push.global", "PushGlobal"},
		{"call.global.counted", "CallGlobalCounted"},
		{"syscall.counted", "SyscallCounted"},
		{"stack.length", "StackLength"},
		{"check.bool", "CheckBool"},
		{"done", "Done"},
		{"return", "Return"},
		{"halt", "Halt"},
		{"launch", "Launch"},
		{"label", "Label"},
		{"goto", "Goto"},
		{"if.not", "IfNot"},
	} {
		dotted, camel := pair[0], pair[1]
		d, ok := Lookup(dotted)
		if !ok {
			t.Errorf("Lookup(%q) not found", dotted)
		}
		c, ok := Lookup(camel)
		if !ok {
			t.Errorf("Lookup(%q) not found", camel)
		}
		if d != c {
			t.Errorf("%q and %q mapped to different sources: %v != %v", dotted, camel, d, c)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, ok := Lookup("not.a.real.opcode"); ok {
		t.Error("Lookup succeeded for unknown spelling")
	}
}

func TestSelectLazyVsStrict(t *testing.T) {
	strict, ok := Select(SrcPushGlobal, false)
	if !ok || strict != PUSH_GLOBAL {
		t.Errorf("Select(PushGlobal, false) = %v, %v", strict, ok)
	}
	lazy, ok := Select(SrcPushGlobal, true)
	if !ok || lazy != PUSH_GLOBAL_LAZY {
		t.Errorf("Select(PushGlobal, true) = %v, %v", lazy, ok)
	}
	if strict == lazy {
		t.Error("strict and lazy columns for PushGlobal must differ")
	}
}

func TestSelectUnaffectedByLaziness(t *testing.T) {
	// Opcodes with no lazy column must select the same Op either way.
	a, _ := Select(SrcPushInt, false)
	b, _ := Select(SrcPushInt, true)
	if a != b {
		t.Errorf("PushInt should be unaffected by laziness: %v != %v", a, b)
	}
}

func TestEveryOpHasOperandCount(t *testing.T) {
	if len(NumOperands) != int(Count) {
		t.Fatalf("NumOperands has %d entries, want %d", len(NumOperands), Count)
	}
}
