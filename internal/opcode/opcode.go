// Package opcode defines the threaded instruction set: the source opcodes,
// their lazy variants, the control-flow opcodes, and the source-name to
// opcode translation table the planter consults.
//
// A threaded code stream is a flat []cell.Cell alternating an opcode tag
// (the "handler address" the spec describes) with that opcode's fixed
// operand cells. Dispatch looks the tag up in a dense array of handlers
// (see package vm) rather than relying on a computed-goto extension.
package opcode

// Op identifies a threaded-code handler.
type Op uint8

const (
	HALT Op = iota
	PUSH_VALUE // PUSH_INT, PUSH_STRING, PUSH_BOOL all share this handler
	PUSH_LOCAL
	POP_LOCAL
	STACK_LENGTH
	CHECK_BOOL
	PUSH_GLOBAL
	PUSH_GLOBAL_LAZY
	CALL_GLOBAL_COUNTED
	CALL_GLOBAL_COUNTED_LAZY
	SYSCALL_COUNTED
	DONE
	RETURN
	GOTO
	IF_NOT
	LAUNCH

	Count // sentinel: number of opcodes
)

// NumOperands is the number of operand cells each opcode carries, not
// counting the opcode tag itself. LABEL is planter-only and never reaches
// a code stream, so it has no entry here.
var NumOperands = [Count]int{
	HALT:                     0,
	PUSH_VALUE:               1,
	PUSH_LOCAL:               1,
	POP_LOCAL:                1,
	STACK_LENGTH:             1,
	CHECK_BOOL:               1,
	PUSH_GLOBAL:              1,
	PUSH_GLOBAL_LAZY:         1,
	CALL_GLOBAL_COUNTED:      2,
	CALL_GLOBAL_COUNTED_LAZY: 2,
	SYSCALL_COUNTED:          2,
	DONE:                     2,
	RETURN:                   0,
	GOTO:                     1,
	IF_NOT:                   1,
	LAUNCH:                   1,
}

// String names an Op for diagnostics and tracing.
func (o Op) String() string {
	switch o {
	case HALT:
		return "HALT"
	case PUSH_VALUE:
		return "PUSH_VALUE"
	case PUSH_LOCAL:
		return "PUSH_LOCAL"
	case POP_LOCAL:
		return "POP_LOCAL"
	case STACK_LENGTH:
		return "STACK_LENGTH"
	case CHECK_BOOL:
		return "CHECK_BOOL"
	case PUSH_GLOBAL:
		return "PUSH_GLOBAL"
	case PUSH_GLOBAL_LAZY:
		return "PUSH_GLOBAL_LAZY"
	case CALL_GLOBAL_COUNTED:
		return "CALL_GLOBAL_COUNTED"
	case CALL_GLOBAL_COUNTED_LAZY:
		return "CALL_GLOBAL_COUNTED_LAZY"
	case SYSCALL_COUNTED:
		return "SYSCALL_COUNTED"
	case DONE:
		return "DONE"
	case RETURN:
		return "RETURN"
	case GOTO:
		return "GOTO"
	case IF_NOT:
		return "IF_NOT"
	case LAUNCH:
		return "LAUNCH"
	default:
		return "UNKNOWN"
	}
}

// Source identifies one of the planter's declarative instruction kinds —
// the JSON "type" field, before the strict/lazy column choice is made.
type Source uint8

const (
	SrcPushInt Source = iota
	SrcPushString
	SrcPushBool
	SrcPushLocal
	SrcPopLocal
	SrcStackLength
	SrcCheckBool
	SrcPushGlobal
	SrcCallGlobalCounted
	SrcSyscallCounted
	SrcDone
	SrcReturn
	SrcHalt
	SrcLaunch
	SrcLabel
	SrcGoto
	SrcIfNot
)

// Pair is the (strict, lazy) opcode column the planter chooses between,
// keyed on whether the instruction's dependency is declared lazy.
type Pair struct {
	Strict Op
	Lazy   Op
}

// columns maps each instruction kind that has a strict/lazy distinction to
// its Pair. Kinds with no lazy variant repeat the same Op in both columns.
var columns = map[Source]Pair{
	SrcPushInt:           {PUSH_VALUE, PUSH_VALUE},
	SrcPushString:        {PUSH_VALUE, PUSH_VALUE},
	SrcPushBool:          {PUSH_VALUE, PUSH_VALUE},
	SrcPushLocal:         {PUSH_LOCAL, PUSH_LOCAL},
	SrcPopLocal:          {POP_LOCAL, POP_LOCAL},
	SrcStackLength:       {STACK_LENGTH, STACK_LENGTH},
	SrcCheckBool:         {CHECK_BOOL, CHECK_BOOL},
	SrcPushGlobal:        {PUSH_GLOBAL, PUSH_GLOBAL_LAZY},
	SrcCallGlobalCounted: {CALL_GLOBAL_COUNTED, CALL_GLOBAL_COUNTED_LAZY},
	SrcSyscallCounted:    {SYSCALL_COUNTED, SYSCALL_COUNTED},
	SrcDone:              {DONE, DONE},
	SrcReturn:            {RETURN, RETURN},
	SrcHalt:               {HALT, HALT},
	SrcLaunch:            {LAUNCH, LAUNCH},
	SrcGoto:              {GOTO, GOTO},
	SrcIfNot:             {IF_NOT, IF_NOT},
}

// Select returns the strict or lazy Op for src depending on whether the
// instruction's named dependency is declared lazy in the bundle.
func Select(src Source, lazy bool) (Op, bool) {
	pair, ok := columns[src]
	if !ok {
		return 0, false
	}
	if lazy {
		return pair.Lazy, true
	}
	return pair.Strict, true
}

// nameTable maps every recognised JSON instruction-type spelling — dotted
// canonical form and accepted CamelCase form — to its Source. Grounded on
// the original implementation's string_to_opcode_map, extended with the
// spellings this specification adds beyond that working subset.
var nameTable = map[string]Source{
	"push.int":  SrcPushInt,
	"PushInt":   SrcPushInt,
	"push.string": SrcPushString,
	"PushString":  SrcPushString,
	"push.bool": SrcPushBool,
	"PushBool":  SrcPushBool,
	"push.local": SrcPushLocal,
	"PushLocal":  SrcPushLocal,
	"pop.local": SrcPopLocal,
	"PopLocal":  SrcPopLocal,
	"stack.length": SrcStackLength,
	"StackLength":  SrcStackLength,
	"check.bool": SrcCheckBool,
	"CheckBool":  SrcCheckBool,
	"push.global": SrcPushGlobal,
	"PushGlobal":  SrcPushGlobal,
	"call.global.counted": SrcCallGlobalCounted,
	"CallGlobalCounted":   SrcCallGlobalCounted,
	"syscall.counted": SrcSyscallCounted,
	"SyscallCounted":  SrcSyscallCounted,
	"done": SrcDone,
	"Done": SrcDone,
	"return": SrcReturn,
	"Return": SrcReturn,
	"halt":   SrcHalt,
	"Halt":   SrcHalt,
	"launch": SrcLaunch,
	"Launch": SrcLaunch,
	"label":  SrcLabel,
	"Label":  SrcLabel,
	"goto":   SrcGoto,
	"Goto":   SrcGoto,
	"if.not": SrcIfNot,
	"IfNot":  SrcIfNot,
}

// Lookup translates a JSON instruction "type" spelling to a Source. It
// reports false for any spelling not in the fixed table, which the
// planter must treat as fatal ("unknown opcode"), never silently elided.
func Lookup(typ string) (Source, bool) {
	src, ok := nameTable[typ]
	return src, ok
}
