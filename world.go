package sekai

import (
	"math"
	"unsafe"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const freeListEnd = math.MaxUint32

// World owns the chunk allocator, the entity table, the archetype registry
// and the query caches. All structural mutation and query execution must run
// on one logical thread; concurrent read-only iteration is allowed only while
// no mutation runs.
type World struct {
	cfg       Config
	id        uuid.UUID
	logger    zerolog.Logger
	allocator *ChunkAllocator

	entities  []entityContainer
	freeHead  uint32
	freeCount int

	archetypes      []*Archetype // dense, indexed by ArchetypeID; nil once dead
	archetypeByHash map[uint64][]ArchetypeID
	root            *Archetype

	// compToArchetypes is the entity→archetypes index queries match against:
	// for every component entity, the ids of live archetypes containing it,
	// in creation order.
	compToArchetypes map[Entity][]ArchetypeID

	version uint32

	dyingChunks     []*Chunk
	dyingArchetypes []ArchetypeID

	queries []*QueryInfo

	// hashLookups counts archetype resolutions that missed the graph and fell
	// back to the sorted-set hash.
	hashLookups int

	swapScratch []byte
	allocLimit  int
}

// Option configures a World at construction.
type Option func(*World)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(w *World) { w.cfg = cfg }
}

// WithLogger attaches a logger; structural events and GC sweeps log at debug
// level. The default logger discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *World) { w.logger = logger }
}

// WithAllocatorLimit caps total chunk memory in bytes; allocations beyond the
// limit fail with ErrAllocFailed.
func WithAllocatorLimit(bytes int) Option {
	return func(w *World) { w.allocLimit = bytes }
}

// NewWorld creates an empty world holding only the root archetype.
func NewWorld(opts ...Option) (*World, error) {
	w := &World{
		cfg:              DefaultConfig(),
		id:               uuid.New(),
		logger:           zerolog.Nop(),
		freeHead:         freeListEnd,
		archetypeByHash:  make(map[uint64][]ArchetypeID, 64),
		compToArchetypes: make(map[Entity][]ArchetypeID, 64),
		version:          1,
		swapScratch:      make([]byte, 64),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.cfg.validate(); err != nil {
		return nil, err
	}
	w.logger = w.logger.With().Str("world_id", w.id.String()).Logger()
	w.allocator = newChunkAllocator(w.cfg, w.logger)
	w.allocator.limitBytes = w.allocLimit
	root, err := w.createArchetype(nil)
	if err != nil {
		return nil, err
	}
	w.root = root
	return w, nil
}

// Version returns the current world version. It is bumped on every
// structural change and wraps around at 32 bits.
func (w *World) Version() uint32 {
	return w.version
}

func (w *World) bumpVersion() uint32 {
	w.version++
	if w.version == 0 {
		w.version = 1
	}
	return w.version
}

// Config returns the configuration the world was built with.
func (w *World) Config() Config {
	return w.cfg
}

// ---------------------------------------------------------------------------
// Entity table

// container returns the live table entry for e, or an error if the handle is
// stale or out of range.
func (w *World) container(e Entity) (*entityContainer, error) {
	if e.IsComponent() || e.IsPair() {
		return nil, eris.Wrapf(ErrInvalidEntity, "handle %#x is not a data entity", uint64(e))
	}
	id := e.ID()
	if int(id) >= len(w.entities) {
		return nil, eris.Wrapf(ErrInvalidEntity, "entity id %d out of range", id)
	}
	ec := &w.entities[id]
	if ec.arch == nil || ec.gen != e.Gen() {
		return nil, eris.Wrapf(ErrInvalidEntity, "stale handle for entity id %d", id)
	}
	return ec, nil
}

// IsValid reports whether e refers to a live entity.
func (w *World) IsValid(e Entity) bool {
	_, err := w.container(e)
	return err == nil
}

// allocEntityID pops a recycled id off the free list or extends the table.
func (w *World) allocEntityID() (uint32, uint32) {
	if w.freeHead != freeListEnd {
		id := w.freeHead
		ec := &w.entities[id]
		w.freeHead = ec.nextFree
		w.freeCount--
		return id, ec.gen
	}
	if len(w.entities) > maxEntityID {
		panic("sekai: entity id space exhausted")
	}
	w.entities = append(w.entities, entityContainer{gen: 1})
	return uint32(len(w.entities) - 1), 1
}

// Create creates a new entity in the root archetype.
func (w *World) Create() (Entity, error) {
	return w.createIn(w.root)
}

// CreateMany creates n entities in the root archetype, filling chunks front
// to back through the bulk cursor.
func (w *World) CreateMany(n int) ([]Entity, error) {
	return w.createManyIn(w.root, n)
}

func (w *World) createIn(a *Archetype) (Entity, error) {
	if a.lockDepth > 0 {
		return EntityNil, eris.Wrapf(ErrStructuralChangeDuringIteration, "create into archetype %d", a.id)
	}
	v := w.bumpVersion()
	c, err := a.findOrCreateChunk(v)
	if err != nil {
		return EntityNil, err
	}
	id, gen := w.allocEntityID()
	e := newEntity(id, gen)
	row := c.addEntity(e, v)
	ec := &w.entities[id]
	ec.arch = a
	ec.chunk = c
	ec.row = row
	ec.disabled = false
	return e, nil
}

func (w *World) createManyIn(a *Archetype, n int) ([]Entity, error) {
	if n <= 0 {
		return nil, nil
	}
	if a.lockDepth > 0 {
		return nil, eris.Wrapf(ErrStructuralChangeDuringIteration, "bulk create into archetype %d", a.id)
	}
	v := w.bumpVersion()
	out := make([]Entity, 0, n)
	cursor := a.bulkCursor
	for len(out) < n {
		c, err := a.findOrCreateChunkBulk(&cursor, v)
		if err != nil {
			a.bulkCursor = cursor
			return out, err
		}
		for !c.full() && len(out) < n {
			id, gen := w.allocEntityID()
			e := newEntity(id, gen)
			row := c.addEntity(e, v)
			ec := &w.entities[id]
			ec.arch = a
			ec.chunk = c
			ec.row = row
			ec.disabled = false
			out = append(out, e)
		}
	}
	a.bulkCursor = cursor
	return out, nil
}

// CreateWith creates an entity directly in the archetype of the given
// component set, skipping the per-component structural hops.
func (w *World) CreateWith(comps ...Entity) (Entity, error) {
	a, err := w.archetypeFor(comps)
	if err != nil {
		return EntityNil, err
	}
	return w.createIn(a)
}

// CreateManyWith bulk-creates n entities directly in the archetype of the
// given component set.
func (w *World) CreateManyWith(n int, comps ...Entity) ([]Entity, error) {
	a, err := w.archetypeFor(comps)
	if err != nil {
		return nil, err
	}
	return w.createManyIn(a, n)
}

// archetypeFor resolves the archetype of an arbitrary component list,
// sorting and deduplicating it first.
func (w *World) archetypeFor(comps []Entity) (*Archetype, error) {
	if len(comps) == 0 {
		return w.root, nil
	}
	sorted := make([]Entity, 0, len(comps))
	for _, c := range comps {
		if _, ok := Find(c); !ok {
			return nil, eris.Wrapf(ErrComponentNotRegistered, "component %#x", uint64(c))
		}
		sorted = append(sorted, c)
	}
	sortComponentIDs(sorted)
	dedup := sorted[:1]
	for _, c := range sorted[1:] {
		if c != dedup[len(dedup)-1] {
			dedup = append(dedup, c)
		}
	}
	return w.getOrCreateArchetype(dedup)
}

// Clear removes every entity while keeping archetypes and component
// registrations in place, the cheap way to reset state between runs. The
// emptied chunks stay linked but go on death row, so later GC calls free
// them unless new rows land in them first.
func (w *World) Clear() error {
	for _, a := range w.archetypes {
		if a == nil {
			continue
		}
		if a.lockDepth > 0 {
			return eris.Wrapf(ErrStructuralChangeDuringIteration, "clear while archetype %d is iterated", a.id)
		}
	}
	v := w.bumpVersion()
	for _, a := range w.archetypes {
		if a == nil {
			continue
		}
		for _, c := range a.chunks {
			h := c.header()
			for row := uint16(0); row < h.count; row++ {
				c.destructRow(row)
			}
			h.count = 0
			h.countEnabled = 0
			h.firstEnabledRow = 0
			c.bumpVersions(v)
			w.chunkEmptied(c)
		}
		a.bulkCursor = 0
	}
	w.freeHead = freeListEnd
	w.freeCount = 0
	for id := len(w.entities) - 1; id >= 0; id-- {
		ec := &w.entities[id]
		if ec.arch != nil {
			ec.gen = (ec.gen + 1) & entityGenMask
			if ec.gen == 0 {
				ec.gen = 1
			}
		}
		ec.arch = nil
		ec.chunk = nil
		ec.row = 0
		ec.disabled = false
		ec.nextFree = w.freeHead
		w.freeHead = uint32(id)
		w.freeCount++
	}
	return nil
}

// CreateFrom creates a new entity with the same composition as template and
// copies every generic component value over.
func (w *World) CreateFrom(template Entity) (Entity, error) {
	tc, err := w.container(template)
	if err != nil {
		return EntityNil, err
	}
	a := tc.arch
	srcChunk, srcRow := tc.chunk, tc.row
	e, err := w.createIn(a)
	if err != nil {
		return EntityNil, err
	}
	ec := &w.entities[e.ID()]
	for slot := 0; slot < a.genCount; slot++ {
		desc := a.comps[slot].desc
		if desc.IsTag() {
			continue
		}
		desc.Copy(ec.chunk.compPtr(slot, ec.row), srcChunk.compPtr(slot, srcRow), 1)
	}
	return e, nil
}

// Delete removes e from the world and recycles its id. Deleting a stale
// handle is a no-op.
func (w *World) Delete(e Entity) error {
	ec, err := w.container(e)
	if err != nil {
		return nil // stale generation: already deleted
	}
	if ec.arch.lockDepth > 0 {
		return eris.Wrapf(ErrStructuralChangeDuringIteration, "delete from archetype %d", ec.arch.id)
	}
	v := w.bumpVersion()
	w.removeFromChunk(ec, v)

	ec.gen = (ec.gen + 1) & entityGenMask
	if ec.gen == 0 {
		ec.gen = 1
	}
	ec.arch = nil
	ec.chunk = nil
	ec.row = 0
	ec.disabled = false
	ec.nextFree = w.freeHead
	w.freeHead = e.ID()
	w.freeCount++
	return nil
}

// removeFromChunk deletes the entity's row and patches the table entries of
// any rows the chunk compacted.
func (w *World) removeFromChunk(ec *entityContainer, worldVersion uint32) {
	c := ec.chunk
	moves, n := c.removeEntity(ec.row, worldVersion)
	for i := 0; i < n; i++ {
		w.entities[moves[i].e.ID()].row = moves[i].row
	}
	if c.empty() {
		w.chunkEmptied(c)
	}
}

// Enable moves the entity across the enabled/disabled partition of its
// chunk. Enabling an already-enabled entity is a no-op.
func (w *World) Enable(e Entity, enabled bool) error {
	ec, err := w.container(e)
	if err != nil {
		return err
	}
	if ec.disabled == !enabled {
		return nil
	}
	if ec.arch.lockDepth > 0 {
		return eris.Wrapf(ErrStructuralChangeDuringIteration, "enable/disable in archetype %d", ec.arch.id)
	}
	v := w.bumpVersion()
	moved, didSwap, newRow := ec.chunk.setEnabled(ec.row, enabled, v)
	if didSwap {
		w.entities[moved.e.ID()].row = moved.row
	}
	ec.row = newRow
	ec.disabled = !enabled
	return nil
}

// IsEnabled reports whether the entity participates in default iteration.
func (w *World) IsEnabled(e Entity) bool {
	ec, err := w.container(e)
	return err == nil && !ec.disabled
}

// ---------------------------------------------------------------------------
// Archetype registry

// createArchetype registers a new archetype for a sorted, deduplicated
// component set.
func (w *World) createArchetype(sorted []Entity) (*Archetype, error) {
	if len(sorted) > w.cfg.MaxComponentsPerArchetype {
		return nil, eris.Wrapf(ErrCapacityExceeded, "%d components exceeds cap of %d", len(sorted), w.cfg.MaxComponentsPerArchetype)
	}
	id := ArchetypeID(len(w.archetypes))
	a := newArchetype(w, id, sorted)
	w.archetypes = append(w.archetypes, a)
	w.archetypeByHash[a.hash] = append(w.archetypeByHash[a.hash], id)
	for _, rec := range a.comps {
		w.compToArchetypes[rec.id] = append(w.compToArchetypes[rec.id], id)
		w.ensureScratch(rec.desc.Size)
	}
	w.logger.Debug().
		Uint32("archetype_id", uint32(id)).
		Int("components", len(sorted)).
		Uint16("capacity", a.capacity).
		Int("chunk_bytes", a.chunkTotalBytes).
		Msg("archetype created")
	return a, nil
}

// findArchetype resolves a sorted component set through the hash table.
func (w *World) findArchetype(sorted []Entity) (*Archetype, bool) {
	hash := archetypeHash(sorted)
	for _, id := range w.archetypeByHash[hash] {
		a := w.archetypes[id]
		if a != nil && a.sameSet(sorted) {
			return a, true
		}
	}
	return nil, false
}

// getOrCreateArchetype resolves or creates the archetype for a sorted set,
// counting the hash lookup.
func (w *World) getOrCreateArchetype(sorted []Entity) (*Archetype, error) {
	w.hashLookups++
	if a, ok := w.findArchetype(sorted); ok {
		if a.dying {
			a.dying = false
			a.lifespan = 0
		}
		return a, nil
	}
	return w.createArchetype(sorted)
}

func (w *World) archetype(id ArchetypeID) *Archetype {
	return w.archetypes[id]
}

func (w *World) ensureScratch(size uintptr) {
	if uintptr(len(w.swapScratch)) < size {
		w.swapScratch = make([]byte, size)
	}
}

// ---------------------------------------------------------------------------
// Structural mutation

// AddID adds the component entity comp to e. The destination archetype is
// resolved through the graph edge when one exists; otherwise through the
// sorted-set hash, recording the edge for next time.
func (w *World) AddID(e Entity, comp Entity) error {
	ec, err := w.container(e)
	if err != nil {
		return err
	}
	if _, ok := Find(comp); !ok {
		return eris.Wrapf(ErrComponentNotRegistered, "component %#x", uint64(comp))
	}
	src := ec.arch
	if src.has(comp) {
		return eris.Wrapf(ErrDuplicateComponent, "component %#x on entity %d", uint64(comp), e.ID())
	}

	var dst *Archetype
	if edge, ok := src.graph.findEdgeRight(comp); ok {
		dst = w.archetypes[edge.id]
	}
	if dst == nil || dst.dying {
		target := append(src.ids(), comp)
		sortComponentIDs(target)
		dst, err = w.getOrCreateArchetype(target)
		if err != nil {
			return err
		}
		if src != w.root {
			src.graph.addEdgeRight(comp, dst.id, dst.hash)
		}
		dst.graph.addEdgeLeft(comp, src.id, src.hash)
	}
	return w.moveEntity(e, ec, dst)
}

// RemoveID removes the component entity comp from e.
func (w *World) RemoveID(e Entity, comp Entity) error {
	ec, err := w.container(e)
	if err != nil {
		return err
	}
	src := ec.arch
	if !src.has(comp) {
		return eris.Wrapf(ErrMissingComponent, "component %#x on entity %d", uint64(comp), e.ID())
	}

	var dst *Archetype
	if edge, ok := src.graph.findEdgeLeft(comp); ok {
		dst = w.archetypes[edge.id]
	}
	if dst == nil || dst.dying {
		ids := src.ids()
		target := ids[:0]
		for _, id := range ids {
			if id != comp {
				target = append(target, id)
			}
		}
		dst, err = w.getOrCreateArchetype(target)
		if err != nil {
			return err
		}
		src.graph.addEdgeLeft(comp, dst.id, dst.hash)
		if dst != w.root {
			dst.graph.addEdgeRight(comp, src.id, src.hash)
		}
	}
	return w.moveEntity(e, ec, dst)
}

// moveEntity transfers e's row from its current chunk into dst, moving the
// values of every component the two archetypes share.
func (w *World) moveEntity(e Entity, ec *entityContainer, dst *Archetype) error {
	src := ec.arch
	if src.lockDepth > 0 || dst.lockDepth > 0 {
		return eris.Wrapf(ErrStructuralChangeDuringIteration, "move between archetypes %d and %d", src.id, dst.id)
	}
	v := w.bumpVersion()
	dstChunk, err := dst.findOrCreateChunk(v)
	if err != nil {
		return err
	}
	srcChunk, srcRow := ec.chunk, ec.row
	dstRow := dstChunk.addEntity(e, v)

	// Both component lists are sorted, so the shared subset falls out of a
	// merge walk. Only the generic partitions hold per-row data.
	i, j := 0, 0
	for i < src.genCount && j < dst.genCount {
		si, dj := src.comps[i].id, dst.comps[j].id
		switch {
		case si == dj:
			desc := src.comps[i].desc
			if !desc.IsTag() {
				desc.Move(dstChunk.compPtr(j, dstRow), srcChunk.compPtr(i, srcRow))
			}
			i++
			j++
		case si < dj:
			i++
		default:
			j++
		}
	}

	w.removeFromChunk(ec, v)
	ec.arch = dst
	ec.chunk = dstChunk
	ec.row = dstRow
	ec.disabled = false
	return nil
}

// ---------------------------------------------------------------------------
// Component access

// getPtr resolves the address of e's value for a generic component.
func (w *World) getPtr(e Entity, comp Entity) (ptr unsafe.Pointer, err error) {
	ec, err := w.container(e)
	if err != nil {
		return nil, err
	}
	slot := ec.arch.slotOf(comp)
	if slot < 0 || slot >= ec.arch.genCount {
		return nil, eris.Wrapf(ErrMissingComponent, "component %#x on entity %d", uint64(comp), e.ID())
	}
	return ec.chunk.compPtr(slot, ec.row), nil
}

// getPtrMut is getPtr plus a change-version stamp on the column.
func (w *World) getPtrMut(e Entity, comp Entity) (unsafe.Pointer, error) {
	ec, err := w.container(e)
	if err != nil {
		return nil, err
	}
	slot := ec.arch.slotOf(comp)
	if slot < 0 || slot >= ec.arch.genCount {
		return nil, eris.Wrapf(ErrMissingComponent, "component %#x on entity %d", uint64(comp), e.ID())
	}
	ec.chunk.bumpVersion(slot, w.bumpVersion())
	return ec.chunk.compPtr(slot, ec.row), nil
}

// ArchetypeOf returns the archetype currently holding e.
func (w *World) ArchetypeOf(e Entity) (*Archetype, error) {
	ec, err := w.container(e)
	if err != nil {
		return nil, err
	}
	return ec.arch, nil
}

// HasID reports whether e's archetype contains the component entity.
func (w *World) HasID(e Entity, comp Entity) bool {
	ec, err := w.container(e)
	return err == nil && ec.arch.has(comp)
}

// ---------------------------------------------------------------------------
// Chunk and archetype lifecycle

// chunkEmptied puts an empty chunk on death row. The chunk revives if a row
// lands in it before the countdown expires.
func (w *World) chunkEmptied(c *Chunk) {
	if c.dying() {
		return
	}
	c.startDying(uint8(w.cfg.MaxChunkLifespan))
	h := c.header()
	if h.flags&chunkFlagListed == 0 {
		h.flags |= chunkFlagListed
		w.dyingChunks = append(w.dyingChunks, c)
	}
}

// GC walks dying chunks and archetypes, decrementing countdowns and freeing
// whatever reaches zero while still empty. At most budget frees happen per
// call; budget <= 0 means unbounded.
func (w *World) GC(budget int) int {
	if budget <= 0 {
		budget = math.MaxInt
	}
	freed := 0

	keptChunks := w.dyingChunks[:0]
	for _, c := range w.dyingChunks {
		if c.block == nil {
			// Already freed through another death-row entry.
			continue
		}
		if !c.dying() || !c.empty() {
			c.clearDying()
			c.header().flags &^= chunkFlagListed
			continue
		}
		if freed >= budget || !c.tickLifespan() {
			keptChunks = append(keptChunks, c)
			continue
		}
		w.freeChunk(c)
		freed++
	}
	for i := len(keptChunks); i < len(w.dyingChunks); i++ {
		w.dyingChunks[i] = nil
	}
	w.dyingChunks = keptChunks

	keptArchs := w.dyingArchetypes[:0]
	for _, id := range w.dyingArchetypes {
		a := w.archetypes[id]
		if a == nil {
			continue
		}
		if !a.dying || len(a.chunks) > 0 {
			a.dying = false
			continue
		}
		if freed >= budget {
			keptArchs = append(keptArchs, id)
			continue
		}
		if a.lifespan > 0 {
			a.lifespan--
		}
		if a.lifespan > 0 {
			keptArchs = append(keptArchs, id)
			continue
		}
		w.freeArchetype(a)
		freed++
	}
	w.dyingArchetypes = keptArchs

	if freed > 0 {
		w.logger.Debug().Int("freed", freed).Msg("gc sweep")
	}
	return freed
}

// freeChunk releases the chunk's block and unlinks it from its archetype.
func (w *World) freeChunk(c *Chunk) {
	a := c.arch
	idx := int(c.header().index)
	last := len(a.chunks) - 1
	if idx < last {
		moved := a.chunks[last]
		a.chunks[idx] = moved
		moved.header().index = uint16(idx)
	}
	a.chunks[last] = nil
	a.chunks = a.chunks[:last]
	if a.bulkCursor > len(a.chunks) {
		a.bulkCursor = 0
	}
	w.allocator.Free(c.block)
	c.block = nil

	if len(a.chunks) == 0 && a != w.root && !a.dying {
		a.dying = true
		a.lifespan = uint8(w.cfg.MaxArchetypeLifespan)
		w.dyingArchetypes = append(w.dyingArchetypes, a.id)
	}
}

// freeArchetype removes a dead archetype from the registry, the query
// caches, the component index and its neighbors' graphs.
func (w *World) freeArchetype(a *Archetype) {
	ids := w.archetypeByHash[a.hash]
	for i, id := range ids {
		if id == a.id {
			ids[i] = ids[len(ids)-1]
			ids = ids[:len(ids)-1]
			break
		}
	}
	if len(ids) == 0 {
		delete(w.archetypeByHash, a.hash)
	} else {
		w.archetypeByHash[a.hash] = ids
	}

	for _, rec := range a.comps {
		list := w.compToArchetypes[rec.id]
		out := list[:0]
		for _, id := range list {
			if id != a.id {
				out = append(out, id)
			}
		}
		if len(out) == 0 {
			delete(w.compToArchetypes, rec.id)
		} else {
			w.compToArchetypes[rec.id] = out
		}
	}

	for _, edge := range a.graph.edgesAdd {
		if n := w.archetypes[edge.id]; n != nil {
			n.graph.removeEdgesTo(a.id)
		}
	}
	for _, edge := range a.graph.edgesDel {
		if n := w.archetypes[edge.id]; n != nil {
			n.graph.removeEdgesTo(a.id)
		}
	}

	for _, qi := range w.queries {
		qi.removeArchetype(a.id)
	}

	w.archetypes[a.id] = nil
	w.logger.Debug().Uint32("archetype_id", uint32(a.id)).Msg("archetype freed")
}

// Defragment compacts chunks across all archetypes, moving at most budget
// entities in total. budget <= 0 means unbounded.
func (w *World) Defragment(budget int) int {
	if budget <= 0 {
		budget = math.MaxInt
	}
	moved := 0
	for _, a := range w.archetypes {
		if a == nil || len(a.chunks) < 2 {
			continue
		}
		moved += a.defragment(budget - moved)
		if moved >= budget {
			break
		}
	}
	return moved
}

// Close releases every chunk back to the allocator and flushes the pools.
// Diag-visible leak counters stay observable on the allocator afterwards.
func (w *World) Close() {
	for _, a := range w.archetypes {
		if a == nil {
			continue
		}
		for _, c := range a.chunks {
			w.allocator.Free(c.block)
			c.block = nil
		}
		a.chunks = nil
	}
	w.dyingChunks = nil
	w.dyingArchetypes = nil
	w.allocator.Flush()
	st := w.allocator.Stats()
	if st.UsedBytes != 0 {
		w.logger.Warn().Int("leaked_bytes", st.UsedBytes).Msg("allocator reports live blocks at shutdown")
	}
}
