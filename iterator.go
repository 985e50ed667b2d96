package sekai

import "unsafe"

// Iter is the view over one matched chunk handed to Query.Each. Rows
// [begin, end) select the population being iterated; views are slices over
// exactly that range.
type Iter struct {
	world *World
	arch  *Archetype
	chunk *Chunk
	cols  []int8
	terms []Term
	begin uint16
	end   uint16
}

// Len returns the number of rows in the view.
func (it *Iter) Len() int {
	return int(it.end - it.begin)
}

// Entities returns the entity handles of the viewed rows.
func (it *Iter) Entities() []Entity {
	return it.chunk.entities()[it.begin:it.end]
}

// EntityAt returns the entity at index i of the view.
func (it *Iter) EntityAt(i int) Entity {
	return it.chunk.entities()[int(it.begin)+i]
}

// Chunk exposes the underlying chunk for introspection.
func (it *Iter) Chunk() *Chunk {
	return it.chunk
}

// Archetype exposes the matched archetype.
func (it *Iter) Archetype() *Archetype {
	return it.arch
}

// col resolves the column slot bound to a term index, panicking on a term
// that never bound (NOT terms, missing OPT columns).
func (it *Iter) col(term int) int {
	slot := it.cols[term]
	if slot < 0 {
		panic("sekai: term has no column in this archetype")
	}
	return int(slot)
}

// HasCol reports whether the term bound a column in this archetype; false
// for NOT terms and for OPT terms the archetype lacks.
func (it *Iter) HasCol(term int) bool {
	return it.cols[term] >= 0
}

// View returns a read-only slice over the term's column for the viewed
// rows. The slice aliases chunk memory and is invalidated by structural
// changes.
func View[T any](it *Iter, term int) []T {
	slot := it.col(term)
	base := it.chunk.compPtr(slot, it.begin)
	return unsafe.Slice((*T)(base), it.Len())
}

// ViewMut returns a mutable slice over the term's column and stamps the
// column's change version with a fresh world version. The term must carry
// the write mask (AllWrite); taking a mutable view through a read term is a
// programmer error.
func ViewMut[T any](it *Iter, term int) []T {
	if !it.terms[term].Write {
		panic("sekai: mutable view over a term without the write mask")
	}
	slot := it.col(term)
	it.chunk.bumpVersion(slot, it.world.bumpVersion())
	base := it.chunk.compPtr(slot, it.begin)
	return unsafe.Slice((*T)(base), it.Len())
}

// UniqueView reads the per-chunk value of a unique component column.
func UniqueView[T any](it *Iter, term int) *T {
	slot := it.col(term)
	return (*T)(it.chunk.uniquePtr(slot))
}
