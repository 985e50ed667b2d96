package sekai

import (
	"testing"

	"gotest.tools/v3/assert"
)

// testWorld resets the global cache and builds a world with the default
// configuration.
func testWorld(t *testing.T, opts ...Option) *World {
	t.Helper()
	ResetGlobalCache()
	w, err := NewWorld(opts...)
	assert.NilError(t, err)
	return w
}

// smallChunkConfig shrinks the size classes so multi-chunk behavior is cheap
// to provoke.
func smallChunkConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkSmallBytes = 1024
	cfg.ChunkLargeBytes = 2048
	return cfg
}

func TestComponentOrderingIsCanonical(t *testing.T) {
	w := testWorld(t)
	pos := GetOrRegister[position]()
	vel := GetOrRegister[velocity]()
	settings := GetOrRegisterUnique[chunkSettings]()

	e, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, w.AddID(e, settings))
	assert.NilError(t, w.AddID(e, vel))
	assert.NilError(t, w.AddID(e, pos))

	a, err := w.ArchetypeOf(e)
	assert.NilError(t, err)
	// Generic components come first, unique after, each sorted by handle.
	assert.DeepEqual(t, []Entity{pos, vel, settings}, a.Components())
	assert.Equal(t, 2, a.genCount)
}

func TestArchetypeHashDependsOnlyOnSet(t *testing.T) {
	ResetGlobalCache()
	pos := GetOrRegister[position]()
	vel := GetOrRegister[velocity]()

	a := []Entity{vel, pos}
	b := []Entity{pos, vel}
	sortComponentIDs(a)
	sortComponentIDs(b)
	assert.Equal(t, archetypeHash(a), archetypeHash(b))
}

func TestLayoutRespectsAlignment(t *testing.T) {
	type odd struct {
		A uint8
	}
	type wide struct {
		A uint64
	}
	w := testWorld(t)
	GetOrRegister[odd]()
	GetOrRegister[wide]()

	e, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, Add[odd](w, e))
	assert.NilError(t, Add[wide](w, e))

	a, err := w.ArchetypeOf(e)
	assert.NilError(t, err)
	for _, rec := range a.comps {
		if rec.desc.Size == 0 {
			continue
		}
		assert.Equal(t, uintptr(0), uintptr(rec.offset)%rec.desc.Align,
			"component %s at offset %d misaligned", rec.desc.Name, rec.offset)
	}
}

func TestLayoutFitsSizeClass(t *testing.T) {
	w := testWorld(t)

	e, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, Add[position](w, e))
	assert.NilError(t, Add[velocity](w, e))
	assert.NilError(t, Add[health](w, e))

	a, err := w.ArchetypeOf(e)
	assert.NilError(t, err)
	assert.Assert(t, a.chunkTotalBytes <= w.allocator.blockSize(a.sizeClass))
	assert.Assert(t, a.capacity > 0)
}

func TestTinyArchetypeRefitsIntoSmallClass(t *testing.T) {
	type tiny struct{ A uint8 }
	w := testWorld(t)

	e, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, Add[tiny](w, e))

	a, err := w.ArchetypeOf(e)
	assert.NilError(t, err)
	// One byte per entity caps out at maxDataChunkEntities, which lands the
	// used bytes far below the class midpoint.
	assert.Equal(t, sizeClassSmall, a.sizeClass)
	assert.Equal(t, maxDataChunkEntities, int(a.capacity))
}

func TestRootArchetypeUsesFullChunk(t *testing.T) {
	w := testWorld(t)

	root := w.root
	assert.Equal(t, 0, len(root.comps))
	// Only the entity array: capacity approaches block size / 8.
	assert.Assert(t, int(root.capacity) > w.cfg.ChunkLargeBytes/8-64)
}

func TestChunkOverflowAllocatesNewChunk(t *testing.T) {
	w := testWorld(t, WithConfig(smallChunkConfig()))
	GetOrRegister[position]()
	GetOrRegister[velocity]()

	proto, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, Add[position](w, proto))
	assert.NilError(t, Add[velocity](w, proto))
	a, err := w.ArchetypeOf(proto)
	assert.NilError(t, err)

	capacity := a.Capacity()
	assert.Assert(t, capacity > 1)

	for i := 1; i < capacity+1; i++ {
		e, err := w.Create()
		assert.NilError(t, err)
		assert.NilError(t, Add[position](w, e))
		assert.NilError(t, Add[velocity](w, e))
	}

	assert.Equal(t, 2, a.ChunkCount())
	assert.Equal(t, capacity, a.ChunkAt(0).Count())
	assert.Equal(t, 1, a.ChunkAt(1).Count())
}

func TestChunkBinaryLayout(t *testing.T) {
	w := testWorld(t)
	pos := GetOrRegister[position]()

	e, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, AddValue(w, e, position{X: 1, Y: 2, Z: 3}))

	a, err := w.ArchetypeOf(e)
	assert.NilError(t, err)
	c := a.ChunkAt(0)
	h := c.header()

	assert.Equal(t, uint32(a.id), h.archetypeID)
	assert.Assert(t, uintptr(h.versionsOff) >= chunkHeaderSize)
	assert.Assert(t, h.compIDsOff >= h.versionsOff+4*h.compCount)
	assert.Assert(t, h.compOffsOff >= h.compIDsOff+8*h.compCount)
	assert.Assert(t, h.entityDataOff >= h.compOffsOff+2*h.compCount)
	assert.Assert(t, h.compDataOff >= h.entityDataOff+8*h.capacity)
	assert.Equal(t, pos, c.compIDs()[0])
	assert.Equal(t, e, c.EntityAt(0))
}

func TestCapacityExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxComponentsPerArchetype = 2
	w := testWorld(t, WithConfig(cfg))

	e, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, Add[position](w, e))
	assert.NilError(t, Add[velocity](w, e))
	err = Add[health](w, e)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}
