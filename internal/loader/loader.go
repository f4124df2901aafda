// Package loader implements spec.md §4.7's four-step algorithm: given an
// entry-point name, transitively discover its dependencies, pre-declare
// every name as an UNDEF global, plant each binding in turn, and hand
// back a tiny LAUNCH/HALT driver stream ready for vm.Machine.Run.
package loader

import (
	"strconv"

	"github.com/emirpasic/gods/sets/hashset"

	"github.com/sfkleach/nutmeg-run/internal/cell"
	"github.com/sfkleach/nutmeg-run/internal/diagnostics"
	"github.com/sfkleach/nutmeg-run/internal/global"
	"github.com/sfkleach/nutmeg-run/internal/heap"
	"github.com/sfkleach/nutmeg-run/internal/opcode"
	"github.com/sfkleach/nutmeg-run/internal/planter"
	"github.com/sfkleach/nutmeg-run/internal/sysfn"
)

const op = "load"

// BundleReader is the three methods the loader needs from a bundle, per
// SPEC_FULL.md §4.7 — the loader depends on this interface, never on
// internal/bundle's concrete Reader, so swapping storage backends never
// touches this package.
type BundleReader interface {
	EntryPoints() ([]string, error)
	GetBinding(name string) (Binding, error)
	GetDependencies(name string) (map[string]bool, error)
}

// Binding mirrors bundle.Binding's shape without this package importing
// internal/bundle directly.
type Binding struct {
	IdName   string
	Lazy     bool
	Value    string
	FileName string
}

// ResolveEntryPoint implements spec.md §6's entry-point selection rule:
// an explicit name is used verbatim; absent a name, exactly one declared
// entry point is used automatically, and zero or multiple is a load-time
// error (multiple lists every candidate, so the caller can re-run with
// -e without re-reading the bundle by hand).
func ResolveEntryPoint(b BundleReader, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	points, err := b.EntryPoints()
	if err != nil {
		return "", err
	}
	switch len(points) {
	case 0:
		return "", diagnostics.Newf(diagnostics.LoadTime, op, "bundle declares no entry points")
	case 1:
		return points[0], nil
	default:
		return "", diagnostics.Newf(diagnostics.LoadTime, op, "bundle declares multiple entry points %v, select one with -e", points)
	}
}

// Load runs the first three steps of the algorithm for entryPoint and
// returns the loaded heap, global table and sys-function table; Driver
// then builds the LAUNCH/HALT stream (step 4) to pass to vm.Machine.Run.
func Load(b BundleReader, entryPoint string, heapCells int) (*heap.Heap, *global.Table, *sysfn.Table, error) {
	h, err := heap.New(heapCells)
	if err != nil {
		return nil, nil, nil, diagnostics.New(diagnostics.RunTime, op, err)
	}
	globals := global.NewTable()
	sys := sysfn.NewTable()

	// Step 1: transitively compute the dependency set, cycle-safe via a
	// visited set — GetDependencies does this walk and its cycle guard
	// internally; the loader itself does no recursive traversal.
	deps, err := b.GetDependencies(entryPoint)
	if err != nil {
		return nil, nil, nil, err
	}

	// Step 2: pre-declare every discovered name as UNDEF, so every
	// Ident has a stable address before any binding is planted (a
	// binding may reference a name whose own binding is planted later).
	for name := range deps {
		globals.Define(name, cell.UNDEF, false)
	}

	// Step 3: fetch, plant and install each binding in turn.
	visited := hashset.New()
	for name := range deps {
		if err := plantOne(b, name, deps, globals, h, sys, visited); err != nil {
			return nil, nil, nil, err
		}
	}

	if _, ok := globals.Address(entryPoint); !ok {
		return nil, nil, nil, diagnostics.Newf(diagnostics.LoadTime, op, "entry point %q not found", entryPoint)
	}
	return h, globals, sys, nil
}

// plantOne plants name's binding exactly once; visited records every
// name already planted and makes a repeated call for it a no-op.
func plantOne(b BundleReader, name string, deps map[string]bool, globals *global.Table, h *heap.Heap, sys *sysfn.Table, visited *hashset.Set) error {
	if visited.Contains(name) {
		return nil
	}
	visited.Add(name)

	binding, err := b.GetBinding(name)
	if err != nil {
		return err
	}
	fnAddr, err := planter.Plant(binding.Value, deps, globals, h, sys)
	if err != nil {
		return err
	}
	globals.Define(name, heap.PointerTo(fnAddr), binding.Lazy)
	return nil
}

// Driver builds the entry-point's LAUNCH/HALT driver stream (step 4) and
// converts any CLI arguments to cells (each parsed as an integer literal
// if it looks like one, else stored as a heap string). It returns those
// cells for the caller to push onto the operand stack before Run, so
// LAUNCH's buildFrame pops them in declared order.
func Driver(h *heap.Heap, globals *global.Table, entryPoint string, args []string) (heap.Addr, []cell.Cell, error) {
	id, ok := globals.Address(entryPoint)
	if !ok {
		return 0, nil, diagnostics.Newf(diagnostics.LoadTime, op, "entry point %q not found", entryPoint)
	}
	ident := globals.Get(id)
	if !cell.IsTaggedPtr(ident.Cell) || !h.IsFunctionObject(heap.AddrOf(ident.Cell)) {
		return 0, nil, diagnostics.Newf(diagnostics.LoadTime, op, "entry point %q is not a function", entryPoint)
	}

	argv := make([]cell.Cell, 0, len(args))
	for _, a := range args {
		if n, err := strconv.ParseInt(a, 10, 64); err == nil {
			argv = append(argv, cell.TagInt(n))
			continue
		}
		addr, err := h.AllocateString(a)
		if err != nil {
			return 0, nil, diagnostics.New(diagnostics.RunTime, op, err)
		}
		argv = append(argv, heap.PointerTo(addr))
	}

	code := []cell.Cell{
		cell.Raw(uint64(opcode.LAUNCH)), ident.Cell,
		cell.Raw(uint64(opcode.HALT)),
	}
	driverAddr, err := h.AllocateFunction(code, 0, 0)
	if err != nil {
		return 0, nil, diagnostics.New(diagnostics.RunTime, op, err)
	}
	return h.GetFunctionCodeAddr(driverAddr), argv, nil
}
