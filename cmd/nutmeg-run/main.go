// Command nutmeg-run loads a bundle, resolves an entry point, and runs it
// to completion on the nutmeg virtual machine.
package main

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sfkleach/nutmeg-run/internal/bundle"
	"github.com/sfkleach/nutmeg-run/internal/heap"
	"github.com/sfkleach/nutmeg-run/internal/loader"
	"github.com/sfkleach/nutmeg-run/internal/opcode"
	"github.com/sfkleach/nutmeg-run/internal/vm"
)

var (
	entryPoint      string
	heapCells       int
	stackCells      int
	trace           bool
	listEntryPoints bool
)

var rootCmd = &cobra.Command{
	Use:   "nutmeg-run BUNDLE [ARGS...]",
	Short: "Run a compiled nutmeg bundle",
	Long:  "nutmeg-run loads a SQLite bundle, resolves an entry point and runs it on the nutmeg virtual machine.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&entryPoint, "entry-point", "e", "", "name of the entry point to run")
	rootCmd.Flags().IntVar(&heapCells, "heap-cells", heap.DefaultCapacity, "number of cells to allocate for the heap")
	rootCmd.Flags().IntVar(&stackCells, "stack-cells", vm.DefaultOperandCapacity, "capacity of the operand and return stacks, in cells")
	rootCmd.Flags().BoolVar(&trace, "trace", false, "print the transitive dependency graph and trace every dispatched instruction")
	rootCmd.Flags().BoolVar(&listEntryPoints, "list-entry-points", false, "print the bundle's entry points and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	bundlePath := args[0]
	extraArgs := args[1:]

	b, err := bundle.Open(bundlePath)
	if err != nil {
		return err
	}
	defer b.Close()

	br := bundleAdapter{b}

	if listEntryPoints {
		points, err := br.EntryPoints()
		if err != nil {
			return err
		}
		for _, p := range points {
			pterm.Info.Println(p)
		}
		return nil
	}

	resolved, err := loader.ResolveEntryPoint(br, entryPoint)
	if err != nil {
		return err
	}
	pterm.Info.Println("entry point: " + resolved)

	if trace {
		pterm.EnableDebugMessages()
		if err := printDependencyTree(br, resolved); err != nil {
			return err
		}
	}

	h, globals, sys, err := loader.Load(br, resolved, heapCells)
	if err != nil {
		return err
	}

	driverPC, argv, err := loader.Driver(h, globals, resolved, extraArgs)
	if err != nil {
		return err
	}

	m := vm.New(h, globals, sys, stackCells, stackCells)
	if trace {
		m.Trace = func(op opcode.Op, pc heap.Addr) {
			pterm.Debug.Printf("pc=%d op=%s\n", pc, op)
		}
	}
	for _, a := range argv {
		m.Push(a)
	}
	if err := m.Run(driverPC); err != nil {
		return err
	}
	return nil
}

// printDependencyTree renders resolved's transitive dependency set as a
// flat pterm tree, the Go-idiomatic analogue of the original's flat
// fmt::print loop over the same map — the dependency graph
// bundle.Reader.GetDependencies returns is already flattened, so there
// is no nested structure to recurse into.
func printDependencyTree(br loader.BundleReader, entryPoint string) error {
	deps, err := br.GetDependencies(entryPoint)
	if err != nil {
		return err
	}
	root := pterm.TreeNode{Text: entryPoint}
	for name, lazy := range deps {
		if name == entryPoint {
			continue
		}
		label := name
		if lazy {
			label = name + " (lazy)"
		}
		root.Children = append(root.Children, pterm.TreeNode{Text: label})
	}
	return pterm.DefaultTree.WithRoot(root).Render()
}

// bundleAdapter satisfies loader.BundleReader by converting
// bundle.Binding to loader.Binding. Only this file imports
// internal/bundle alongside internal/loader — neither package imports
// the other.
type bundleAdapter struct {
	r *bundle.Reader
}

func (a bundleAdapter) EntryPoints() ([]string, error) {
	return a.r.EntryPoints()
}

func (a bundleAdapter) GetBinding(name string) (loader.Binding, error) {
	b, err := a.r.GetBinding(name)
	if err != nil {
		return loader.Binding{}, err
	}
	return loader.Binding{IdName: b.IdName, Lazy: b.Lazy, Value: b.Value, FileName: b.FileName}, nil
}

func (a bundleAdapter) GetDependencies(name string) (map[string]bool, error) {
	return a.r.GetDependencies(name)
}
