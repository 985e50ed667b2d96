package sekai

import "unsafe"

// chunkHeader sits at offset 0 of every chunk block. All offsets are relative
// to the block start. Field order keeps the struct free of implicit padding
// so the binary layout stays stable for introspection.
type chunkHeader struct {
	archetypeID  uint32
	worldVersion uint32 // world version at the last write to this chunk

	index           uint16 // position in the owning archetype's chunk list
	count           uint16
	countEnabled    uint16
	firstEnabledRow uint16
	capacity        uint16
	compCount       uint16
	structuralLock  uint16

	versionsOff   uint16
	compIDsOff    uint16
	compOffsOff   uint16
	entityDataOff uint16
	compDataOff   uint16

	sizeClass uint8
	lifespan  uint8
	flags     uint8
	_         uint8
}

const chunkHeaderSize = unsafe.Sizeof(chunkHeader{})

const (
	chunkFlagDying = 1 << 0
	// chunkFlagListed marks chunks already present on the world's death row,
	// so revive/empty cycles cannot enqueue a chunk twice.
	chunkFlagListed = 1 << 1
)

// maxChunkEntities is the hard cap on entities per chunk. The root archetype
// stores bare entities only and uses the cap directly; data archetypes clamp
// far lower so small chunks stay in play.
const maxChunkEntities = 1<<16 - 1

// Chunk is a view over one allocator block holding up to capacity entities of
// a single archetype in SoA form. Disabled entities occupy the row prefix
// [0, firstEnabledRow); enabled entities occupy [firstEnabledRow, count).
type Chunk struct {
	block []byte
	arch  *Archetype
}

func newChunk(arch *Archetype, index int, worldVersion uint32) (*Chunk, error) {
	block, class, err := arch.world.allocator.Alloc(arch.chunkTotalBytes)
	if err != nil {
		return nil, err
	}
	c := &Chunk{block: block, arch: arch}
	h := c.header()
	h.archetypeID = uint32(arch.id)
	h.worldVersion = worldVersion
	h.index = uint16(index)
	h.capacity = arch.capacity
	h.compCount = uint16(len(arch.comps))
	h.sizeClass = uint8(class)
	h.versionsOff = arch.layout.versionsOff
	h.compIDsOff = arch.layout.compIDsOff
	h.compOffsOff = arch.layout.compOffsOff
	h.entityDataOff = arch.layout.entityDataOff
	h.compDataOff = arch.layout.compDataOff

	ids := c.compIDs()
	offs := c.compOffsets()
	for i, rec := range arch.comps {
		ids[i] = rec.id
		offs[i] = rec.offset
	}
	return c, nil
}

func (c *Chunk) header() *chunkHeader {
	return (*chunkHeader)(unsafe.Pointer(&c.block[0]))
}

// versions returns the per-component change-version array.
func (c *Chunk) versions() []uint32 {
	h := c.header()
	return unsafe.Slice((*uint32)(unsafe.Pointer(&c.block[h.versionsOff])), h.compCount)
}

// compIDs returns the component-entity array recorded in the chunk.
func (c *Chunk) compIDs() []Entity {
	h := c.header()
	return unsafe.Slice((*Entity)(unsafe.Pointer(&c.block[h.compIDsOff])), h.compCount)
}

// compOffsets returns the per-component data offsets, relative to the block
// start.
func (c *Chunk) compOffsets() []uint16 {
	h := c.header()
	return unsafe.Slice((*uint16)(unsafe.Pointer(&c.block[h.compOffsOff])), h.compCount)
}

// entities returns the full entity array, capacity long. Rows at and beyond
// count are stale.
func (c *Chunk) entities() []Entity {
	h := c.header()
	return unsafe.Slice((*Entity)(unsafe.Pointer(&c.block[h.entityDataOff])), h.capacity)
}

// EntityAt returns the entity stored at row.
func (c *Chunk) EntityAt(row uint16) Entity {
	return c.entities()[row]
}

// Count returns the number of live rows.
func (c *Chunk) Count() int {
	return int(c.header().count)
}

// CountEnabled returns the number of enabled rows.
func (c *Chunk) CountEnabled() int {
	return int(c.header().countEnabled)
}

// FirstEnabledRow returns the boundary between the disabled prefix and the
// enabled rows.
func (c *Chunk) FirstEnabledRow() int {
	return int(c.header().firstEnabledRow)
}

// Capacity returns the maximum number of rows the chunk can hold.
func (c *Chunk) Capacity() int {
	return int(c.header().capacity)
}

func (c *Chunk) full() bool {
	h := c.header()
	return h.count == h.capacity
}

func (c *Chunk) empty() bool {
	return c.header().count == 0
}

// semiFull reports whether the chunk sits above the defragmentation
// utilization threshold.
func (c *Chunk) semiFull() bool {
	h := c.header()
	return int(h.count)*10 >= int(h.capacity)*7
}

// compPtr returns the address of the value in column slot at row.
func (c *Chunk) compPtr(slot int, row uint16) unsafe.Pointer {
	base := c.compOffsets()[slot]
	size := c.arch.comps[slot].desc.Size
	return unsafe.Pointer(&c.block[uintptr(base)+uintptr(row)*size])
}

// uniquePtr returns the address of a unique component's single per-chunk
// value.
func (c *Chunk) uniquePtr(slot int) unsafe.Pointer {
	return unsafe.Pointer(&c.block[c.compOffsets()[slot]])
}

// bumpVersions stamps every component column with the given world version.
// Called on structural changes to the chunk.
func (c *Chunk) bumpVersions(worldVersion uint32) {
	h := c.header()
	h.worldVersion = worldVersion
	vs := c.versions()
	for i := range vs {
		vs[i] = worldVersion
	}
}

// bumpVersion stamps a single column, as happens when a mutable view is
// taken out over it.
func (c *Chunk) bumpVersion(slot int, worldVersion uint32) {
	c.header().worldVersion = worldVersion
	c.versions()[slot] = worldVersion
}

// didChange reports whether the column in slot changed after since.
func (c *Chunk) didChange(slot int, since uint32) bool {
	return versionNewer(c.versions()[slot], since)
}

// addEntity appends e as an enabled row and returns the row index. The chunk
// must not be full.
func (c *Chunk) addEntity(e Entity, worldVersion uint32) uint16 {
	h := c.header()
	row := h.count
	c.entities()[row] = e
	h.count++
	h.countEnabled++
	c.clearDying()
	c.bumpVersions(worldVersion)
	return row
}

// rowMove records an entity whose row changed during a removal or an
// enable/disable swap, so the caller can patch the entity table.
type rowMove struct {
	e   Entity
	row uint16
}

// removeEntity deletes the row, compacting the enabled/disabled partition.
// It returns the entities whose rows changed as a result. Component values in
// the vacated slots are destructed.
func (c *Chunk) removeEntity(row uint16, worldVersion uint32) (moves [2]rowMove, n int) {
	h := c.header()
	ents := c.entities()

	// A disabled row first swaps with the last disabled row so the partition
	// stays a prefix.
	if row < h.firstEnabledRow {
		lastDisabled := h.firstEnabledRow - 1
		if row != lastDisabled {
			c.swapRows(row, lastDisabled)
			moves[n] = rowMove{e: ents[row], row: row}
			n++
		}
		row = lastDisabled
		h.firstEnabledRow--
	} else {
		h.countEnabled--
	}

	last := h.count - 1
	if row != last {
		c.moveRow(last, row)
		moves[n] = rowMove{e: ents[row], row: row}
		n++
	}
	c.destructRow(last)
	h.count--
	c.bumpVersions(worldVersion)
	return moves, n
}

// setEnabled moves the row across the enabled/disabled boundary. Returns the
// row swap performed, if any, and the row the target entity ends up in.
func (c *Chunk) setEnabled(row uint16, enabled bool, worldVersion uint32) (moved rowMove, didSwap bool, newRow uint16) {
	h := c.header()
	ents := c.entities()
	if enabled {
		// Last disabled row trades places with the target.
		boundary := h.firstEnabledRow - 1
		if row != boundary {
			c.swapRows(row, boundary)
			moved, didSwap = rowMove{e: ents[row], row: row}, true
		}
		h.firstEnabledRow--
		h.countEnabled++
		newRow = boundary
	} else {
		boundary := h.firstEnabledRow
		if row != boundary {
			c.swapRows(row, boundary)
			moved, didSwap = rowMove{e: ents[row], row: row}, true
		}
		h.firstEnabledRow++
		h.countEnabled--
		newRow = boundary
	}
	c.bumpVersions(worldVersion)
	return moved, didSwap, newRow
}

// swapRows exchanges two rows, entity handles and generic component values.
func (c *Chunk) swapRows(a, b uint16) {
	ents := c.entities()
	ents[a], ents[b] = ents[b], ents[a]
	for slot := 0; slot < c.arch.genCount; slot++ {
		desc := c.arch.comps[slot].desc
		if desc.IsTag() {
			continue
		}
		pa, pb := c.compPtr(slot, a), c.compPtr(slot, b)
		tmp := c.arch.world.swapScratch[:desc.Size]
		copyBytes(unsafe.Pointer(&tmp[0]), pa, desc.Size)
		copyBytes(pa, pb, desc.Size)
		copyBytes(pb, unsafe.Pointer(&tmp[0]), desc.Size)
	}
}

// moveRow move-constructs row src into row dst and destructs src.
func (c *Chunk) moveRow(src, dst uint16) {
	ents := c.entities()
	ents[dst] = ents[src]
	for slot := 0; slot < c.arch.genCount; slot++ {
		desc := c.arch.comps[slot].desc
		if desc.IsTag() {
			continue
		}
		desc.Move(c.compPtr(slot, dst), c.compPtr(slot, src))
	}
}

// destructRow tears down the generic component values of a vacated row.
func (c *Chunk) destructRow(row uint16) {
	for slot := 0; slot < c.arch.genCount; slot++ {
		desc := c.arch.comps[slot].desc
		if desc.IsTag() {
			continue
		}
		desc.Dtor(c.compPtr(slot, row), 1)
	}
}

// uniqueBytesEqual reports whether two chunks of the same archetype hold
// byte-identical unique component values. Defragmentation may only merge
// such chunks.
func (c *Chunk) uniqueBytesEqual(other *Chunk) bool {
	for slot := c.arch.genCount; slot < len(c.arch.comps); slot++ {
		desc := c.arch.comps[slot].desc
		if desc.IsTag() {
			continue
		}
		if !desc.Cmp(c.uniquePtr(slot), other.uniquePtr(slot)) {
			return false
		}
	}
	return true
}

func (c *Chunk) dying() bool {
	return c.header().flags&chunkFlagDying != 0
}

func (c *Chunk) startDying(lifespan uint8) {
	h := c.header()
	h.flags |= chunkFlagDying
	h.lifespan = lifespan
}

func (c *Chunk) clearDying() {
	h := c.header()
	h.flags &^= chunkFlagDying
	h.lifespan = 0
}

// tickLifespan decrements the death countdown and reports whether it hit
// zero.
func (c *Chunk) tickLifespan() bool {
	h := c.header()
	if h.lifespan > 0 {
		h.lifespan--
	}
	return h.lifespan == 0
}
