package sekai

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestEntityHandleFields(t *testing.T) {
	e := newEntity(0xABCDEF, 0x123456)
	assert.Equal(t, uint32(0xABCDEF), e.ID())
	assert.Equal(t, uint32(0x123456), e.Gen())
	assert.Assert(t, !e.IsPair())
	assert.Assert(t, !e.IsComponent())
	assert.Equal(t, KindGeneric, e.Kind())
}

func TestComponentEntityFlags(t *testing.T) {
	g := newComponentEntity(7, 1, KindGeneric)
	u := newComponentEntity(8, 1, KindUnique)

	assert.Assert(t, g.IsComponent())
	assert.Equal(t, KindGeneric, g.Kind())
	assert.Assert(t, u.IsComponent())
	assert.Equal(t, KindUnique, u.Kind())
}

func TestPairEncoding(t *testing.T) {
	rel := newComponentEntity(3, 1, KindGeneric)
	tgt := newEntity(9, 5)

	p := Pair(rel, tgt)
	assert.Assert(t, p.IsPair())
	assert.Equal(t, uint32(3), p.Rel())
	assert.Equal(t, uint32(9), p.Tgt())

	// Pairs carry ids only; generations of both sides are dropped.
	p2 := Pair(rel, newEntity(9, 6))
	assert.Equal(t, p, p2)
}

func TestEntityNilIsInvalid(t *testing.T) {
	ResetGlobalCache()
	w, err := NewWorld()
	assert.NilError(t, err)
	assert.Assert(t, !w.IsValid(EntityNil))
}
