package sekai

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ArchetypeID indexes the world's dense archetype slice. Edges and caches
// hold ids, never pointers, so archetype death cannot dangle.
type ArchetypeID uint32

// maxArchetypeComponents is the hard cap on components per archetype; the
// configured cap may be lower.
const maxArchetypeComponents = 64

// maxDataChunkEntities caps entities per chunk for archetypes that carry
// component data. Keeping the cap low lets small archetypes land in 8 KiB
// chunks. The root archetype stores bare entities and uses maxChunkEntities.
const maxDataChunkEntities = 512

// componentRecord binds one component entity of an archetype to its
// descriptor and its data offset inside every chunk of the archetype.
type componentRecord struct {
	id     Entity
	desc   *ComponentDescriptor
	offset uint16
}

// chunkLayout records the fixed region offsets shared by all chunks of one
// archetype.
type chunkLayout struct {
	versionsOff   uint16
	compIDsOff    uint16
	compOffsOff   uint16
	entityDataOff uint16
	compDataOff   uint16
}

// Archetype owns the chunks of one unique component composition. Components
// are kept sorted with the generic (per-entity) partition first and the
// unique (per-chunk) partition after it.
type Archetype struct {
	world *World
	id    ArchetypeID
	hash  uint64

	comps     []componentRecord
	genCount  int // comps[:genCount] are generic, the rest unique
	pairCount int

	capacity        uint16
	chunkTotalBytes int
	sizeClass       sizeClass
	layout          chunkLayout

	chunks     []*Chunk
	bulkCursor int

	graph archetypeGraph

	// lockDepth counts chunk iterations currently entered. Structural
	// mutation of the archetype requires depth zero.
	lockDepth int

	dying    bool
	lifespan uint8
}

// sortComponentIDs orders a component set the way archetypes store it:
// generic components first, then unique, each partition ordered by raw handle
// value.
func sortComponentIDs(ids []Entity) {
	sort.Slice(ids, func(i, j int) bool {
		ki, kj := ids[i].Kind(), ids[j].Kind()
		if ki != kj {
			return ki == KindGeneric
		}
		return ids[i] < ids[j]
	})
}

// archetypeHash computes the lookup hash of a sorted component set. It
// depends only on the set, so any path that assembles the same composition
// finds the same archetype.
func archetypeHash(sorted []Entity) uint64 {
	var h xxhash.Digest
	h.Reset()
	var buf [8]byte
	for _, id := range sorted {
		v := uint64(id)
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// newArchetype builds an archetype for a sorted component set, computing the
// per-chunk capacity and component offsets. ids must already be sorted with
// sortComponentIDs and deduplicated.
func newArchetype(w *World, id ArchetypeID, ids []Entity) *Archetype {
	a := &Archetype{
		world: w,
		id:    id,
		hash:  archetypeHash(ids),
		comps: make([]componentRecord, len(ids)),
	}
	for i, cid := range ids {
		a.comps[i] = componentRecord{id: cid, desc: Descriptor(cid)}
		if cid.Kind() == KindGeneric {
			a.genCount++
		}
		if cid.IsPair() {
			a.pairCount++
		}
	}
	a.graph.init()
	a.computeLayout()
	return a
}

// computeLayout solves the per-chunk capacity so the chunk fills its size
// class as tightly as alignment allows. It starts against the large class
// and refits into the small one when the used bytes land below the midpoint
// between the two classes.
func (a *Archetype) computeLayout() {
	n := len(a.comps)
	small := a.world.cfg.ChunkSmallBytes
	large := a.world.cfg.ChunkLargeBytes

	off := alignUp(chunkHeaderSize, 4)
	a.layout.versionsOff = uint16(off)
	off = alignUp(off+4*uintptr(n), 8)
	a.layout.compIDsOff = uint16(off)
	off += 8 * uintptr(n)
	a.layout.compOffsOff = uint16(off)
	off = alignUp(off+2*uintptr(n), 8)
	a.layout.entityDataOff = uint16(off)
	entityDataOff := off

	var genSize, uniSize uintptr
	for i, rec := range a.comps {
		if i < a.genCount {
			genSize += rec.desc.Size
		} else {
			uniSize += rec.desc.Size
		}
	}

	maxEnts := uintptr(maxDataChunkEntities)
	if n == 0 {
		maxEnts = maxChunkEntities
	}

	target := uintptr(large)
	perEntity := genSize + uintptr(8) // component bytes plus the entity handle
	capGuess := (target - entityDataOff - uniSize - 1) / perEntity
	if capGuess > maxEnts {
		capGuess = maxEnts
	}
	if capGuess < 1 {
		capGuess = 1
	}

	finalCheck := false
	for {
		end := a.placeComponents(entityDataOff, capGuess, false)
		if end > target {
			// Padding pushed the data past the block; shrink and retry.
			capGuess--
			if capGuess == 0 {
				panic("sekai: archetype does not fit a single entity into the largest chunk class")
			}
			continue
		}
		// Anything comfortably below the midpoint refits into the small
		// class so a near-empty large block is not wasted.
		if !finalCheck && end < uintptr(small+large)/2 && target != uintptr(small) {
			finalCheck = true
			target = uintptr(small)
			capGuess = (target - entityDataOff - uniSize - 1) / perEntity
			if capGuess > maxEnts {
				capGuess = maxEnts
			}
			if capGuess < 1 {
				capGuess = 1
			}
			continue
		}
		a.capacity = uint16(capGuess)
		a.chunkTotalBytes = int(a.placeComponents(entityDataOff, capGuess, true))
		if target == uintptr(small) {
			a.sizeClass = sizeClassSmall
		} else {
			a.sizeClass = sizeClassLarge
		}
		return
	}
}

// placeComponents lays the SoA arrays out after the entity array for the
// given capacity and returns the end offset. When record is set the offsets
// are written into the component records.
func (a *Archetype) placeComponents(entityDataOff, capacity uintptr, record bool) uintptr {
	off := entityDataOff + 8*capacity
	compDataOff := off
	for i := range a.comps {
		desc := a.comps[i].desc
		if desc.Size > 0 {
			off = alignUp(off, desc.Align)
		}
		if i == 0 {
			compDataOff = off
		}
		if record {
			a.comps[i].offset = uint16(off)
		}
		if i < a.genCount {
			off += desc.Size * capacity
		} else {
			off += desc.Size
		}
	}
	if record {
		a.layout.compDataOff = uint16(compDataOff)
	}
	return off
}

// ID returns the archetype's dense registry index.
func (a *Archetype) ID() ArchetypeID {
	return a.id
}

// Components returns the sorted component-entity set of the archetype.
func (a *Archetype) Components() []Entity {
	return a.ids()
}

// ChunkCount returns the number of chunks the archetype currently owns.
func (a *Archetype) ChunkCount() int {
	return len(a.chunks)
}

// ChunkAt returns the i-th chunk.
func (a *Archetype) ChunkAt(i int) *Chunk {
	return a.chunks[i]
}

// Capacity returns the per-chunk entity capacity.
func (a *Archetype) Capacity() int {
	return int(a.capacity)
}

// slotOf returns the column index of a component entity, or -1.
func (a *Archetype) slotOf(id Entity) int {
	for i := range a.comps {
		if a.comps[i].id == id {
			return i
		}
	}
	return -1
}

// has reports whether the archetype's composition contains id.
func (a *Archetype) has(id Entity) bool {
	return a.slotOf(id) >= 0
}

// ids returns the sorted component-entity set.
func (a *Archetype) ids() []Entity {
	out := make([]Entity, len(a.comps))
	for i := range a.comps {
		out[i] = a.comps[i].id
	}
	return out
}

// sameSet reports whether the archetype's composition equals the sorted set.
func (a *Archetype) sameSet(sorted []Entity) bool {
	if len(sorted) != len(a.comps) {
		return false
	}
	for i := range sorted {
		if a.comps[i].id != sorted[i] {
			return false
		}
	}
	return true
}

// findOrCreateChunk returns a chunk with a free row. Nearly-full chunks are
// preferred, then any partial chunk, then an empty one; only when all chunks
// are full is a new block allocated.
func (a *Archetype) findOrCreateChunk(worldVersion uint32) (*Chunk, error) {
	var partial, empty *Chunk
	for _, c := range a.chunks {
		if c.full() {
			continue
		}
		if c.empty() {
			if empty == nil {
				empty = c
			}
			continue
		}
		if c.semiFull() {
			return c, nil
		}
		if partial == nil {
			partial = c
		}
	}
	if partial != nil {
		return partial, nil
	}
	if empty != nil {
		return empty, nil
	}
	return a.appendChunk(worldVersion)
}

// findOrCreateChunkBulk scans linearly from the cursor, for bulk insertion
// paths that fill chunk after chunk.
func (a *Archetype) findOrCreateChunkBulk(cursor *int, worldVersion uint32) (*Chunk, error) {
	for *cursor < len(a.chunks) {
		c := a.chunks[*cursor]
		if !c.full() {
			return c, nil
		}
		*cursor++
	}
	c, err := a.appendChunk(worldVersion)
	if err != nil {
		return nil, err
	}
	*cursor = len(a.chunks) - 1
	return c, nil
}

func (a *Archetype) appendChunk(worldVersion uint32) (*Chunk, error) {
	c, err := newChunk(a, len(a.chunks), worldVersion)
	if err != nil {
		return nil, err
	}
	a.chunks = append(a.chunks, c)
	a.dying = false
	a.lifespan = 0
	return c, nil
}

// entityCount sums live rows across all chunks.
func (a *Archetype) entityCount() int {
	n := 0
	for _, c := range a.chunks {
		n += c.Count()
	}
	return n
}

// defragment compacts entities into the front chunks, consuming at most
// budget entity moves. Chunks holding unique components merge only when
// their unique bytes compare equal. The world version is left untouched:
// compaction is not an externally visible structural change.
func (a *Archetype) defragment(budget int) int {
	moved := 0
	front, back := 0, len(a.chunks)-1
	for front < back && budget > 0 {
		fc := a.chunks[front]
		if fc.full() {
			front++
			continue
		}
		bc := a.chunks[back]
		if bc.empty() {
			back--
			continue
		}
		if a.genCount < len(a.comps) {
			if fc.empty() {
				// An empty target adopts the source's unique values.
				for slot := a.genCount; slot < len(a.comps); slot++ {
					desc := a.comps[slot].desc
					if !desc.IsTag() {
						desc.Copy(fc.uniquePtr(slot), bc.uniquePtr(slot), 1)
					}
				}
			} else if !fc.uniqueBytesEqual(bc) {
				back--
				continue
			}
		}
		for !fc.full() && !bc.empty() && budget > 0 {
			a.moveRowBetweenChunks(bc, fc)
			moved++
			budget--
		}
		if bc.empty() {
			a.world.chunkEmptied(bc)
			back--
		}
	}
	return moved
}

// moveRowBetweenChunks transplants the last row of src into dst, preserving
// the entity's enabled/disabled state, and patches the entity table.
func (a *Archetype) moveRowBetweenChunks(src, dst *Chunk) {
	sh := src.header()
	w := a.world

	srcRow := sh.count - 1
	enabled := srcRow >= sh.firstEnabledRow
	e := src.entities()[srcRow]

	dst.clearDying()
	dh := dst.header()
	dstRow := dh.count
	dst.entities()[dstRow] = e
	for slot := 0; slot < a.genCount; slot++ {
		desc := a.comps[slot].desc
		if desc.IsTag() {
			continue
		}
		desc.Move(dst.compPtr(slot, dstRow), src.compPtr(slot, srcRow))
	}
	dh.count++
	dh.countEnabled++
	sh.count--
	if enabled {
		sh.countEnabled--
	} else {
		// The moved row was disabled; it can only be the last row when the
		// chunk holds no enabled rows at all.
		sh.firstEnabledRow--
	}

	ec := &w.entities[e.ID()]
	ec.chunk = dst
	ec.row = dstRow

	if !enabled {
		moved, didSwap, newRow := dst.setEnabled(dstRow, false, dh.worldVersion)
		if didSwap {
			w.entities[moved.e.ID()].row = moved.row
		}
		ec.row = newRow
	}
}
