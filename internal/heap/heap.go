package heap

import (
	"encoding/binary"

	"github.com/sfkleach/nutmeg-run/internal/cell"
)

// Flavour identifies the shape of a heap object, recorded in its datakey's
// metadata.
type Flavour uint8

const (
	FlavourDatakey  Flavour = 0
	FlavourString   Flavour = 1
	FlavourFunction Flavour = 2
)

// Heap owns a Pool and the three root datakeys that are pre-allocated at
// startup: DatakeyDatakey (self-referential — it is its own type),
// StringDatakey and FunctionDatakey.
type Heap struct {
	Pool *Pool

	DatakeyDatakey  Addr
	StringDatakey   Addr
	FunctionDatakey Addr
}

// New builds a Heap backed by a Pool of the given capacity and installs the
// three root datakeys.
func New(capacity int) (*Heap, error) {
	h := &Heap{Pool: NewPool(capacity)}
	if err := h.initDatakeys(); err != nil {
		return nil, err
	}
	return h, nil
}

// PointerTo returns the tagged pointer Cell for an object's identity
// address. Scaling by 8 guarantees the 8-byte alignment the tagged-pointer
// representation requires.
func PointerTo(addr Addr) cell.Cell {
	return cell.TagPtr(uint64(addr) * 8)
}

// AddrOf recovers the Addr an identity pointer Cell refers to.
func AddrOf(c cell.Cell) Addr {
	return Addr(cell.DetagPtr(c) / 8)
}

// datakey layout: four metadata cells (Flavour, bit-width, ·, ·) followed
// by the identity cell, which holds a pointer to the object's own type
// (DatakeyDatakey for every datakey, including — self-referentially —
// DatakeyDatakey itself).
const datakeyMetaCells = 4

func (h *Heap) initDatakeys() error {
	// DatakeyDatakey must be allocated first so it can point to itself.
	ddk, err := h.Pool.Allocate(datakeyMetaCells + 1)
	if err != nil {
		return err
	}
	h.writeDatakeyMeta(ddk, FlavourDatakey, 0)
	h.Pool.Set(ddk+datakeyMetaCells, PointerTo(ddk+datakeyMetaCells))
	h.DatakeyDatakey = ddk + datakeyMetaCells

	sdk, err := h.allocateDatakey(FlavourString, 8)
	if err != nil {
		return err
	}
	h.StringDatakey = sdk

	fdk, err := h.allocateDatakey(FlavourFunction, 0)
	if err != nil {
		return err
	}
	h.FunctionDatakey = fdk
	return nil
}

func (h *Heap) writeDatakeyMeta(start Addr, flavour Flavour, bitWidth int64) {
	h.Pool.Set(start, cell.Raw(uint64(flavour)))
	h.Pool.Set(start+1, cell.TagInt(bitWidth))
	h.Pool.Set(start+2, cell.UNDEF)
	h.Pool.Set(start+3, cell.UNDEF)
}

func (h *Heap) allocateDatakey(flavour Flavour, bitWidth int64) (Addr, error) {
	start, err := h.Pool.Allocate(datakeyMetaCells + 1)
	if err != nil {
		return 0, err
	}
	h.writeDatakeyMeta(start, flavour, bitWidth)
	identity := start + datakeyMetaCells
	h.Pool.Set(identity, PointerTo(h.DatakeyDatakey))
	return identity, nil
}

// ---- Strings ----
//
// Layout: [length]@-1, identity@0 (-> StringDatakey), payload bytes@+1...
// packed eight to a cell, little-endian, including the trailing NUL.
// length counts bytes including the NUL.

// AllocateString allocates a UTF-8 string object (NUL-terminated payload)
// and returns its identity address.
func (h *Heap) AllocateString(s string) (Addr, error) {
	raw := append([]byte(s), 0)
	numCells := (len(raw) + 7) / 8
	var b builder
	b.add(cell.TagInt(int64(len(raw)))) // offset -1
	b.add(PointerTo(h.StringDatakey))   // offset 0 (identity)
	padded := make([]byte, numCells*8)
	copy(padded, raw)
	for i := 0; i < numCells; i++ {
		b.add(cell.Raw(binary.LittleEndian.Uint64(padded[i*8 : i*8+8])))
	}
	start, err := b.commit(h.Pool)
	if err != nil {
		return 0, err
	}
	return start + 1, nil
}

// IsStringObject reports whether addr is a string object's identity.
func (h *Heap) IsStringObject(addr Addr) bool {
	return h.Pool.Get(addr) == PointerTo(h.StringDatakey)
}

// GetStringData returns the decoded Go string for a string object,
// excluding the trailing NUL.
func (h *Heap) GetStringData(identity Addr) string {
	length := cell.DetagInt(h.Pool.Get(identity - 1))
	numCells := (length + 7) / 8
	buf := make([]byte, numCells*8)
	for i := int64(0); i < numCells; i++ {
		var chunk [8]byte
		binary.LittleEndian.PutUint64(chunk[:], cell.RawValue(h.Pool.Get(identity+1+Addr(i))))
		copy(buf[i*8:], chunk[:])
	}
	return string(buf[:length-1])
}

// ---- Functions ----
//
// Layout: [N]@-2, [L]@-1 (reserved, always 0), identity@0 (-> FunctionDatakey),
// header@+1 ({nparams:16, nextras:16, nlocals:16, 0:16}), code words@+2...

func packFunctionHeader(nparams, nextras, nlocals int) cell.Cell {
	return cell.Raw(uint64(nparams)<<48 | uint64(nextras&0xFFFF)<<32 | uint64(nlocals)<<16)
}

func unpackFunctionHeader(c cell.Cell) (nparams, nextras, nlocals int) {
	v := cell.RawValue(c)
	nparams = int(v >> 48 & 0xFFFF)
	nextras = int(v >> 32 & 0xFFFF)
	nlocals = int(v >> 16 & 0xFFFF)
	return
}

// AllocateFunction allocates a function object with the given threaded
// code words, returning its identity address. nextras is derived as
// nlocals - nparams, per the data model.
func (h *Heap) AllocateFunction(code []cell.Cell, nlocals, nparams int) (Addr, error) {
	nextras := nlocals - nparams
	var b builder
	b.add(cell.TagInt(int64(len(code)))) // offset -2: N
	b.add(cell.TagInt(0))                // offset -1: L (reserved)
	b.add(PointerTo(h.FunctionDatakey))  // offset 0: identity
	b.add(packFunctionHeader(nparams, nextras, nlocals))
	for _, c := range code {
		b.add(c)
	}
	start, err := b.commit(h.Pool)
	if err != nil {
		return 0, err
	}
	return start + 2, nil
}

// IsFunctionObject reports whether addr is a function object's identity,
// i.e. whether the cell at addr equals a pointer to FunctionDatakey.
func (h *Heap) IsFunctionObject(addr Addr) bool {
	if int(addr) >= int(h.Pool.Len()) {
		return false
	}
	return h.Pool.Get(addr) == PointerTo(h.FunctionDatakey)
}

// GetFunctionCodeAddr returns the address of the first code word.
func (h *Heap) GetFunctionCodeAddr(identity Addr) Addr {
	return identity + 2
}

// GetFunctionNWords returns N, the code word count, from offset -2.
func (h *Heap) GetFunctionNWords(identity Addr) int64 {
	return cell.DetagInt(h.Pool.Get(identity - 2))
}

// GetFunctionNLocals returns the function's declared local-slot count.
func (h *Heap) GetFunctionNLocals(identity Addr) int {
	_, _, nlocals := unpackFunctionHeader(h.Pool.Get(identity + 1))
	return nlocals
}

// GetFunctionNParams returns the function's declared parameter count.
func (h *Heap) GetFunctionNParams(identity Addr) int {
	nparams, _, _ := unpackFunctionHeader(h.Pool.Get(identity + 1))
	return nparams
}

// GetFunctionNExtras returns nlocals - nparams.
func (h *Heap) GetFunctionNExtras(identity Addr) int {
	_, nextras, _ := unpackFunctionHeader(h.Pool.Get(identity + 1))
	return nextras
}
