// Package heap implements the linear, append-only allocation arena and the
// fixed object layouts (datakey, string, function) that sit on top of it.
//
// Objects never move once allocated: an object's identity is the Addr of
// the cell holding a pointer to its datakey, with metadata at negative
// offsets and payload at positive offsets from that address, exactly as
// described by the data model. There is no reclamation; running out of
// cells is a fatal, unrecoverable error (ErrExhausted).
package heap

import (
	"errors"

	"github.com/sfkleach/nutmeg-run/internal/cell"
)

// Addr is an index into the Pool's cell array. It doubles as an object's
// identity pointer once tagged with cell.TagPtr.
type Addr uint64

// ErrExhausted is returned once a Pool's fixed capacity is exceeded.
var ErrExhausted = errors.New("heap: pool exhausted")

// DefaultCapacity is the number of cells a Pool holds when the caller does
// not choose a different size (e.g. via the CLI's --heap-cells flag).
const DefaultCapacity = 131072

// Pool is a contiguous, fixed-capacity array of cells with a bump cursor.
// Allocation is O(1); there is no garbage collector and objects are never
// relocated.
type Pool struct {
	cells []cell.Cell
	next  Addr
}

// NewPool allocates a Pool with room for exactly capacity cells.
func NewPool(capacity int) *Pool {
	return &Pool{cells: make([]cell.Cell, capacity)}
}

// Allocate bumps the cursor by n cells and returns the address of the
// first one. The returned range is zeroed. Allocate is the only operation
// that can fail in the heap subsystem; every other access on a valid Addr
// is infallible.
func (p *Pool) Allocate(n int) (Addr, error) {
	if n < 0 {
		panic("heap: negative allocation size")
	}
	start := p.next
	end := start + Addr(n)
	if int(end) > len(p.cells) {
		return 0, ErrExhausted
	}
	p.next = end
	return start, nil
}

// Get returns the cell at addr.
func (p *Pool) Get(addr Addr) cell.Cell {
	return p.cells[addr]
}

// Set overwrites the cell at addr. This is also how lazy-promotion
// self-modifies a handler cell in the compiled code stream (see package
// vm): the pool is the single mutable view both the planter and the
// dispatcher ever hold, so there is never a stale copy to reconcile.
func (p *Pool) Set(addr Addr, c cell.Cell) {
	p.cells[addr] = c
}

// Len returns the number of cells allocated so far.
func (p *Pool) Len() Addr {
	return p.next
}

// Capacity returns the pool's fixed size in cells.
func (p *Pool) Capacity() int {
	return len(p.cells)
}

// builder accumulates cells off to the side and commits them to a Pool in
// a single bump, so an object never becomes visible half-built. Grounded
// on the original implementation's ObjectBuilder.
type builder struct {
	cells []cell.Cell
}

func (b *builder) add(c cell.Cell) {
	b.cells = append(b.cells, c)
}

func (b *builder) commit(p *Pool) (Addr, error) {
	start, err := p.Allocate(len(b.cells))
	if err != nil {
		return 0, err
	}
	for i, c := range b.cells {
		p.Set(start+Addr(i), c)
	}
	return start, nil
}
