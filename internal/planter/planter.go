// Package planter compiles a binding's declarative instruction list into
// the threaded code stream the interpreter dispatches, per spec.md §4.4:
// a single pass over the JSON instruction list, resolving labels and
// choosing between an opcode's strict and lazy column according to the
// bundle's declared laziness for the dependency the instruction names.
package planter

import (
	"encoding/json"
	"fmt"

	"github.com/sfkleach/nutmeg-run/internal/cell"
	"github.com/sfkleach/nutmeg-run/internal/diagnostics"
	"github.com/sfkleach/nutmeg-run/internal/global"
	"github.com/sfkleach/nutmeg-run/internal/heap"
	"github.com/sfkleach/nutmeg-run/internal/opcode"
	"github.com/sfkleach/nutmeg-run/internal/sysfn"
)

// Instruction is one entry of a binding's declarative instruction list,
// decoded against the strict schema spec.md §6 gives. Fields absent in a
// given instruction decode to nil, never to a zero value that could be
// confused with a genuine zero operand.
type Instruction struct {
	Type   string  `json:"type"`
	Index  *int    `json:"index,omitempty"`
	IValue *int64  `json:"ivalue,omitempty"`
	Value  *string `json:"value,omitempty"`
	Name   *string `json:"name,omitempty"`
}

// FunctionJSON is the decoded form of one bindings.value row.
type FunctionJSON struct {
	NLocals      int           `json:"nlocals"`
	NParams      int           `json:"nparams"`
	Instructions []Instruction `json:"instructions"`
}

type forwardRef struct {
	label string
	ref   int
}

const op = "plant"

// Plant compiles value (a binding's raw JSON text) into a function object
// allocated in h, resolving globals through globals and sys-function
// names through sys. deps gives the laziness of every name this binding
// may reference via name, as the loader's dependency-discovery pass
// computed it; a name absent from deps is treated as strict, matching
// spec.md §4.4's "Otherwise use strict" fallback.
func Plant(value string, deps map[string]bool, globals *global.Table, h *heap.Heap, sys *sysfn.Table) (heap.Addr, error) {
	var fn FunctionJSON
	if err := json.Unmarshal([]byte(value), &fn); err != nil {
		return 0, diagnostics.New(diagnostics.PlantTime, op, fmt.Errorf("malformed binding JSON: %w", err))
	}

	var code []cell.Cell
	labels := map[string]int{}
	var forward []forwardRef

	for i, ins := range fn.Instructions {
		src, ok := opcode.Lookup(ins.Type)
		if !ok {
			return 0, diagnostics.Newf(diagnostics.PlantTime, op, "unknown opcode %q at instruction %d", ins.Type, i)
		}

		if src == opcode.SrcLabel {
			name, err := requireName(ins, i)
			if err != nil {
				return 0, err
			}
			if _, dup := labels[name]; dup {
				return 0, diagnostics.Newf(diagnostics.PlantTime, op, "duplicate label %q", name)
			}
			labels[name] = len(code)
			continue
		}

		if src == opcode.SrcLaunch {
			return 0, diagnostics.Newf(diagnostics.PlantTime, op,
				"launch is a loader-only driver instruction, not valid inside a binding (instruction %d)", i)
		}

		selOp, ok := opcode.Select(src, dependencyIsLazy(ins, deps))
		if !ok {
			return 0, diagnostics.Newf(diagnostics.PlantTime, op, "opcode %q has no strict/lazy column", ins.Type)
		}

		var err error
		switch src {
		case opcode.SrcPushInt:
			err = plantPushInt(&code, selOp, ins, i)
		case opcode.SrcPushBool:
			err = plantPushBool(&code, selOp, ins, i)
		case opcode.SrcPushString:
			err = plantPushString(&code, selOp, ins, i, h)
		case opcode.SrcPushLocal, opcode.SrcPopLocal, opcode.SrcStackLength, opcode.SrcCheckBool:
			err = plantOffsetOnly(&code, selOp, ins, i, fn.NLocals)
		case opcode.SrcPushGlobal:
			err = plantPushGlobal(&code, selOp, ins, i, globals)
		case opcode.SrcCallGlobalCounted:
			err = plantOffsetAndGlobal(&code, selOp, ins, i, fn.NLocals, globals)
		case opcode.SrcSyscallCounted:
			err = plantOffsetAndSysfn(&code, selOp, ins, i, fn.NLocals, sys)
		case opcode.SrcDone:
			err = plantOffsetAndGlobal(&code, selOp, ins, i, fn.NLocals, globals)
		case opcode.SrcReturn, opcode.SrcHalt:
			code = append(code, cell.Raw(uint64(selOp)))
		case opcode.SrcGoto, opcode.SrcIfNot:
			err = plantBranch(&code, selOp, ins, i, labels, &forward)
		default:
			return 0, diagnostics.Newf(diagnostics.PlantTime, op, "opcode %q not implemented by the planter", ins.Type)
		}
		if err != nil {
			return 0, err
		}
	}

	code = append(code, cell.Raw(uint64(opcode.HALT)))

	for _, fr := range forward {
		target, ok := labels[fr.label]
		if !ok {
			return 0, diagnostics.Newf(diagnostics.PlantTime, op, "unresolved label %q", fr.label)
		}
		code[fr.ref] = cell.Raw(uint64(int64(target) - int64(fr.ref+1)))
	}

	fnAddr, err := h.AllocateFunction(code, fn.NLocals, fn.NParams)
	if err != nil {
		return 0, diagnostics.New(diagnostics.RunTime, op, err)
	}
	return fnAddr, nil
}

// dependencyIsLazy reports the laziness deps records for the instruction's
// named dependency, or false (the strict column) if the instruction names
// no dependency or the name is absent from deps.
func dependencyIsLazy(ins Instruction, deps map[string]bool) bool {
	if ins.Name == nil {
		return false
	}
	return deps[*ins.Name]
}

func requireName(ins Instruction, i int) (string, error) {
	if ins.Name == nil {
		return "", diagnostics.Newf(diagnostics.PlantTime, op, "instruction %d (%s) is missing its required name operand", i, ins.Type)
	}
	return *ins.Name, nil
}

func requireIndex(ins Instruction, i int) (int, error) {
	if ins.Index == nil {
		return 0, diagnostics.Newf(diagnostics.PlantTime, op, "instruction %d (%s) is missing its required index operand", i, ins.Type)
	}
	return *ins.Index, nil
}

func requireIValue(ins Instruction, i int) (int64, error) {
	if ins.IValue == nil {
		return 0, diagnostics.Newf(diagnostics.PlantTime, op, "instruction %d (%s) is missing its required ivalue operand", i, ins.Type)
	}
	return *ins.IValue, nil
}

func requireValue(ins Instruction, i int) (string, error) {
	if ins.Value == nil {
		return "", diagnostics.Newf(diagnostics.PlantTime, op, "instruction %d (%s) is missing its required value operand", i, ins.Type)
	}
	return *ins.Value, nil
}

// localOffset implements §4.3's "local offset computation":
// nlocals - index + 2.
func localOffset(nlocals, index int) uint64 {
	return uint64(nlocals - index + 2)
}

func plantPushInt(code *[]cell.Cell, selOp opcode.Op, ins Instruction, i int) error {
	v, err := requireIValue(ins, i)
	if err != nil {
		return err
	}
	*code = append(*code, cell.Raw(uint64(selOp)), cell.TagInt(v))
	return nil
}

func plantPushBool(code *[]cell.Cell, selOp opcode.Op, ins Instruction, i int) error {
	v, err := requireValue(ins, i)
	if err != nil {
		return err
	}
	var b cell.Cell
	switch v {
	case "true":
		b = cell.TRUE
	case "false":
		b = cell.FALSE
	default:
		return diagnostics.Newf(diagnostics.PlantTime, op, "instruction %d: invalid push.bool spelling %q, want \"true\" or \"false\"", i, v)
	}
	*code = append(*code, cell.Raw(uint64(selOp)), b)
	return nil
}

func plantPushString(code *[]cell.Cell, selOp opcode.Op, ins Instruction, i int, h *heap.Heap) error {
	s, err := requireValue(ins, i)
	if err != nil {
		return err
	}
	addr, allocErr := h.AllocateString(s)
	if allocErr != nil {
		return diagnostics.New(diagnostics.RunTime, op, allocErr)
	}
	*code = append(*code, cell.Raw(uint64(selOp)), heap.PointerTo(addr))
	return nil
}

func plantOffsetOnly(code *[]cell.Cell, selOp opcode.Op, ins Instruction, i, nlocals int) error {
	idx, err := requireIndex(ins, i)
	if err != nil {
		return err
	}
	*code = append(*code, cell.Raw(uint64(selOp)), cell.Raw(localOffset(nlocals, idx)))
	return nil
}

func plantPushGlobal(code *[]cell.Cell, selOp opcode.Op, ins Instruction, i int, globals *global.Table) error {
	name, err := requireName(ins, i)
	if err != nil {
		return err
	}
	id, ok := globals.Address(name)
	if !ok {
		return diagnostics.Newf(diagnostics.PlantTime, op, "instruction %d: unknown global %q", i, name)
	}
	*code = append(*code, cell.Raw(uint64(selOp)), cell.Raw(uint64(id)))
	return nil
}

func plantOffsetAndGlobal(code *[]cell.Cell, selOp opcode.Op, ins Instruction, i, nlocals int, globals *global.Table) error {
	idx, err := requireIndex(ins, i)
	if err != nil {
		return err
	}
	name, err := requireName(ins, i)
	if err != nil {
		return err
	}
	id, ok := globals.Address(name)
	if !ok {
		return diagnostics.Newf(diagnostics.PlantTime, op, "instruction %d: unknown global %q", i, name)
	}
	*code = append(*code, cell.Raw(uint64(selOp)), cell.Raw(localOffset(nlocals, idx)), cell.Raw(uint64(id)))
	return nil
}

func plantOffsetAndSysfn(code *[]cell.Cell, selOp opcode.Op, ins Instruction, i, nlocals int, sys *sysfn.Table) error {
	idx, err := requireIndex(ins, i)
	if err != nil {
		return err
	}
	name, err := requireName(ins, i)
	if err != nil {
		return err
	}
	id, ok := sys.Resolve(name)
	if !ok {
		return diagnostics.Newf(diagnostics.PlantTime, op, "instruction %d: unknown sys-function %q", i, name)
	}
	*code = append(*code, cell.Raw(uint64(selOp)), cell.Raw(localOffset(nlocals, idx)), cell.Raw(uint64(id)))
	return nil
}

// plantBranch implements GOTO/IF_NOT per §4.4: emit the signed relative
// offset immediately if the label is already known (a backward jump),
// else a zero placeholder patched once the label is seen (a forward jump).
func plantBranch(code *[]cell.Cell, selOp opcode.Op, ins Instruction, i int, labels map[string]int, forward *[]forwardRef) error {
	label, err := requireName(ins, i)
	if err != nil {
		return err
	}
	*code = append(*code, cell.Raw(uint64(selOp)), cell.Raw(0))
	ref := len(*code) - 1
	if target, ok := labels[label]; ok {
		(*code)[ref] = cell.Raw(uint64(int64(target) - int64(ref+1)))
		return nil
	}
	*forward = append(*forward, forwardRef{label: label, ref: ref})
	return nil
}
