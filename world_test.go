package sekai

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestAddRemoveRoundTrip(t *testing.T) {
	w := testWorld(t)
	GetOrRegister[position]()
	GetOrRegister[velocity]()

	e, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, AddValue(w, e, position{X: 1, Y: 2, Z: 3}))

	onlyPos, err := w.ArchetypeOf(e)
	assert.NilError(t, err)

	assert.NilError(t, AddValue(w, e, velocity{X: 4, Y: 5}))
	both, err := w.ArchetypeOf(e)
	assert.NilError(t, err)
	assert.DeepEqual(t, []Entity{GetOrRegister[position](), GetOrRegister[velocity]()}, both.Components())

	assert.NilError(t, Remove[velocity](w, e))
	after, err := w.ArchetypeOf(e)
	assert.NilError(t, err)
	// The round trip lands in the same archetype, not merely an equal set.
	assert.Equal(t, onlyPos.ID(), after.ID())

	p, err := Get[position](w, e)
	assert.NilError(t, err)
	assert.Equal(t, position{X: 1, Y: 2, Z: 3}, p)
}

func TestDuplicateAndMissingComponent(t *testing.T) {
	w := testWorld(t)

	e, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, Add[position](w, e))

	assert.ErrorIs(t, Add[position](w, e), ErrDuplicateComponent)
	assert.ErrorIs(t, Remove[velocity](w, e), ErrMissingComponent)
	_, err = Get[velocity](w, e)
	assert.ErrorIs(t, err, ErrMissingComponent)
}

func TestDeleteRecyclesIDAndBumpsGeneration(t *testing.T) {
	w := testWorld(t)

	e, err := w.Create()
	assert.NilError(t, err)
	assert.Equal(t, uint32(1), e.Gen())

	freeBefore := w.freeCount
	assert.NilError(t, w.Delete(e))
	assert.Equal(t, freeBefore+1, w.freeCount)
	assert.Assert(t, !w.IsValid(e))

	again, err := w.Create()
	assert.NilError(t, err)
	assert.Equal(t, e.ID(), again.ID())
	assert.Equal(t, uint32(2), again.Gen())
	assert.Assert(t, w.IsValid(again))
}

func TestDeleteStaleHandleIsNoop(t *testing.T) {
	w := testWorld(t)

	e, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, w.Delete(e))
	freeAfter := w.freeCount

	// Deleting through the stale handle again must change nothing.
	assert.NilError(t, w.Delete(e))
	assert.Equal(t, freeAfter, w.freeCount)
}

func TestOperationsOnStaleHandleFail(t *testing.T) {
	w := testWorld(t)

	e, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, w.Delete(e))

	assert.ErrorIs(t, Add[position](w, e), ErrInvalidEntity)
	_, err = Get[position](w, e)
	assert.ErrorIs(t, err, ErrInvalidEntity)
	assert.ErrorIs(t, w.Enable(e, false), ErrInvalidEntity)
}

func TestEnableDisablePartitions(t *testing.T) {
	w := testWorld(t)
	GetOrRegister[position]()

	ents := make([]Entity, 5)
	for i := range ents {
		e, err := w.Create()
		assert.NilError(t, err)
		assert.NilError(t, Add[position](w, e))
		ents[i] = e
	}
	a, err := w.ArchetypeOf(ents[0])
	assert.NilError(t, err)
	c := a.ChunkAt(0)

	assert.NilError(t, w.Enable(ents[2], false))
	assert.NilError(t, w.Enable(ents[4], false))

	assert.Equal(t, 2, c.FirstEnabledRow())
	assert.Equal(t, 3, c.CountEnabled())
	assert.Equal(t, 5, c.Count())

	disabled := map[Entity]bool{c.EntityAt(0): true, c.EntityAt(1): true}
	assert.Assert(t, disabled[ents[2]])
	assert.Assert(t, disabled[ents[4]])
	for row := 2; row < 5; row++ {
		e := c.EntityAt(uint16(row))
		assert.Assert(t, e == ents[0] || e == ents[1] || e == ents[3])
	}

	for _, e := range ents {
		ec := &w.entities[e.ID()]
		assert.Equal(t, ec.disabled, int(ec.row) < c.FirstEnabledRow())
	}
}

func TestEnableIsIdempotent(t *testing.T) {
	w := testWorld(t)

	e, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, w.Enable(e, false))
	v := w.Version()
	assert.NilError(t, w.Enable(e, false))
	assert.Equal(t, v, w.Version(), "repeated disable must not mutate")

	assert.NilError(t, w.Enable(e, true))
	assert.Assert(t, w.IsEnabled(e))
	v = w.Version()
	assert.NilError(t, w.Enable(e, true))
	assert.Equal(t, v, w.Version())
}

func TestCreateFromClonesComponents(t *testing.T) {
	w := testWorld(t)

	template, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, AddValue(w, template, position{X: 7, Y: 8, Z: 9}))
	assert.NilError(t, AddValue(w, template, health{Current: 5, Max: 10}))

	clone, err := w.CreateFrom(template)
	assert.NilError(t, err)

	ta, _ := w.ArchetypeOf(template)
	ca, _ := w.ArchetypeOf(clone)
	assert.Equal(t, ta.ID(), ca.ID())

	p, err := Get[position](w, clone)
	assert.NilError(t, err)
	assert.Equal(t, position{X: 7, Y: 8, Z: 9}, p)

	// The clone owns its values.
	assert.NilError(t, Set(w, clone, position{X: 1}))
	p, err = Get[position](w, template)
	assert.NilError(t, err)
	assert.Equal(t, position{X: 7, Y: 8, Z: 9}, p)
}

func TestEntityAccountingInvariant(t *testing.T) {
	w := testWorld(t)

	ents, err := w.CreateMany(100)
	assert.NilError(t, err)
	for i := 0; i < 30; i++ {
		assert.NilError(t, w.Delete(ents[i]))
	}
	for i := 30; i < 50; i++ {
		assert.NilError(t, Add[position](w, ents[i]))
	}

	live := 0
	for _, a := range w.archetypes {
		if a == nil {
			continue
		}
		live += a.entityCount()
	}
	assert.Equal(t, len(w.entities), live+w.freeCount)
}

func TestCreateManyFillsChunksInOrder(t *testing.T) {
	w := testWorld(t, WithConfig(smallChunkConfig()))

	capacity := int(w.root.capacity)
	ents, err := w.CreateMany(capacity + 5)
	assert.NilError(t, err)
	assert.Equal(t, capacity+5, len(ents))
	assert.Equal(t, 2, w.root.ChunkCount())
	assert.Equal(t, capacity, w.root.ChunkAt(0).Count())
	assert.Equal(t, 5, w.root.ChunkAt(1).Count())
}

func TestUniqueComponentIsPerChunk(t *testing.T) {
	w := testWorld(t)
	GetOrRegisterUnique[chunkSettings]()

	e1, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, w.AddID(e1, GetOrRegisterUnique[chunkSettings]()))
	e2, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, w.AddID(e2, GetOrRegisterUnique[chunkSettings]()))

	a1, _ := w.ArchetypeOf(e1)
	a2, _ := w.ArchetypeOf(e2)
	assert.Equal(t, a1.ID(), a2.ID())

	assert.NilError(t, SetUnique(w, e1, chunkSettings{Biome: 3}))

	// Both entities share one chunk, hence one value.
	got, err := GetUnique[chunkSettings](w, e2)
	assert.NilError(t, err)
	assert.Equal(t, uint32(3), got.Biome)
}

func TestPairsAttachAndDetach(t *testing.T) {
	w := testWorld(t)
	likes := GetOrRegister[frozen]() // tag relation

	alice, err := w.Create()
	assert.NilError(t, err)
	bob, err := w.Create()
	assert.NilError(t, err)

	assert.NilError(t, AddPair(w, alice, likes, bob))
	assert.Assert(t, HasPair(w, alice, likes, bob))
	assert.Assert(t, !HasPair(w, bob, likes, alice))

	a, _ := w.ArchetypeOf(alice)
	assert.Equal(t, 1, a.pairCount)

	assert.NilError(t, RemovePair(w, alice, likes, bob))
	assert.Assert(t, !HasPair(w, alice, likes, bob))
}

func TestGraphEdgeAmortization(t *testing.T) {
	w := testWorld(t)
	GetOrRegister[position]()
	GetOrRegister[velocity]()

	for i := 0; i < 1000; i++ {
		e, err := w.Create()
		assert.NilError(t, err)
		assert.NilError(t, Add[position](w, e))
		assert.NilError(t, Add[velocity](w, e))
	}

	// Root, {P} and {P,V}.
	assert.Equal(t, 3, w.Diag().Archetypes)
	// Transitions out of the root always hash; the P->PV hop hashes once and
	// rides the graph edge afterwards.
	assert.Assert(t, w.HashLookups() <= 1001, "got %d hash lookups", w.HashLookups())
	assert.Assert(t, w.HashLookups() >= 2)
}

func TestMovePreservesComponentBytes(t *testing.T) {
	w := testWorld(t)

	e, err := w.Create()
	assert.NilError(t, err)
	assert.NilError(t, AddValue(w, e, position{X: 1.5, Y: -2.5, Z: 1e9}))
	assert.NilError(t, AddValue(w, e, health{Current: -1, Max: 1 << 30}))

	// Hop through three archetypes and back.
	assert.NilError(t, Add[velocity](w, e))
	assert.NilError(t, Remove[velocity](w, e))

	p, err := Get[position](w, e)
	assert.NilError(t, err)
	assert.Equal(t, position{X: 1.5, Y: -2.5, Z: 1e9}, p)
	h, err := Get[health](w, e)
	assert.NilError(t, err)
	assert.Equal(t, health{Current: -1, Max: 1 << 30}, h)
}

func TestSwapRemoveFixesMovedEntityRow(t *testing.T) {
	w := testWorld(t)

	var ents []Entity
	for i := 0; i < 4; i++ {
		e, err := w.Create()
		assert.NilError(t, err)
		assert.NilError(t, AddValue(w, e, health{Current: int32(i), Max: 100}))
		ents = append(ents, e)
	}

	// Deleting the first row swaps the last one in.
	assert.NilError(t, w.Delete(ents[0]))
	for i := 1; i < 4; i++ {
		h, err := Get[health](w, ents[i])
		assert.NilError(t, err)
		assert.Equal(t, int32(i), h.Current)
	}
}
