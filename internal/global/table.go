// Package global implements the name -> Ident mapping with stable Ident
// addresses that the planter embeds directly into compiled code.
package global

import (
	"github.com/sfkleach/nutmeg-run/internal/cell"
)

// Ident is a heap-stable record naming a global. An Ident is never
// relocated or deleted once created; its Cell/Lazy/InProgress fields are
// the only things that ever change.
type Ident struct {
	Cell       cell.Cell
	Lazy       bool
	InProgress bool
}

// Id is the stable handle compiled code embeds for an Ident, in place of
// a raw pointer — the arena-indexed handle the design notes call for, so
// that no unsafe pointer arithmetic is needed to get a 64-bit Cell-sized
// "Ident*" immediate.
type Id uint32

// Table maps names to Idents, and Idents to their stable Id.
type Table struct {
	byName map[string]Id
	idents []*Ident
	order  []string
}

// NewTable returns an empty global table.
func NewTable() *Table {
	return &Table{byName: make(map[string]Id)}
}

// Define creates an Ident for name if one does not already exist, else
// updates the existing Ident's fields in place (so any Id a caller
// already captured keeps observing the new value via Get).
func (t *Table) Define(name string, c cell.Cell, lazy bool) Id {
	id, ok := t.byName[name]
	if !ok {
		ident := &Ident{Cell: cell.UNDEF}
		id = Id(len(t.idents))
		t.idents = append(t.idents, ident)
		t.byName[name] = id
		t.order = append(t.order, name)
	}
	ident := t.idents[id]
	ident.Cell = c
	ident.Lazy = lazy
	return id
}

// Address is the handle the planter captures for PUSH_GLOBAL[_LAZY],
// CALL_GLOBAL_COUNTED[_LAZY] and DONE operands. It reports whether name
// has been declared — the planter must fail plant-time if not.
func (t *Table) Address(name string) (Id, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Get dereferences an Id to its Ident. It never returns nil for an Id
// this Table issued.
func (t *Table) Get(id Id) *Ident {
	return t.idents[id]
}

// Names returns every declared name in declaration order.
func (t *Table) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}
