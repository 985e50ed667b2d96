package sekai

import (
	"testing"
	"unsafe"

	"gotest.tools/v3/assert"
)

type position struct{ X, Y, Z float32 }
type velocity struct{ X, Y float32 }
type health struct{ Current, Max int32 }
type frozen struct{}

type chunkSettings struct{ Biome uint32 }

func TestRegisterIsIdempotent(t *testing.T) {
	ResetGlobalCache()

	a := GetOrRegister[position]()
	b := GetOrRegister[position]()
	assert.Equal(t, a, b)

	c := GetOrRegister[velocity]()
	assert.Assert(t, a != c)
}

func TestDescriptorFields(t *testing.T) {
	ResetGlobalCache()

	comp := GetOrRegister[position]()
	d := Descriptor(comp)
	assert.Equal(t, uintptr(12), d.Size)
	assert.Equal(t, uintptr(4), d.Align)
	assert.Equal(t, "sekai.position", d.Name)
	assert.Assert(t, !d.IsTag())
}

func TestTagDescriptor(t *testing.T) {
	ResetGlobalCache()

	comp := GetOrRegister[frozen]()
	d := Descriptor(comp)
	assert.Assert(t, d.IsTag())
	assert.Equal(t, uintptr(0), d.Size)
}

func TestUniqueComponentKind(t *testing.T) {
	ResetGlobalCache()

	comp := GetOrRegisterUnique[chunkSettings]()
	assert.Equal(t, KindUnique, comp.Kind())
}

func TestFindUnknownComponent(t *testing.T) {
	ResetGlobalCache()

	_, ok := Find(newComponentEntity(999, 1, KindGeneric))
	assert.Assert(t, !ok)
}

func TestPairStorageRule(t *testing.T) {
	ResetGlobalCache()

	rel := GetOrRegister[frozen]()   // tag relation
	tgt := GetOrRegister[position]() // sized target

	d, ok := Find(Pair(rel, tgt))
	assert.Assert(t, ok)
	assert.Equal(t, "sekai.position", d.Name)

	// Sized relation wins over a sized target.
	sized := GetOrRegister[velocity]()
	d, ok = Find(Pair(sized, tgt))
	assert.Assert(t, ok)
	assert.Equal(t, "sekai.velocity", d.Name)

	// Two tags make the pair a tag.
	tag2 := GetOrRegister[struct{ _ [0]byte }]()
	d, ok = Find(Pair(rel, tag2))
	assert.Assert(t, ok)
	assert.Assert(t, d.IsTag())
}

func TestDescriptorThunks(t *testing.T) {
	ResetGlobalCache()

	d := Descriptor(GetOrRegister[health]())
	src := health{Current: 42, Max: 100}
	var dst health

	d.Copy(unsafe.Pointer(&dst), unsafe.Pointer(&src), 1)
	assert.Equal(t, src, dst)
	assert.Assert(t, d.Cmp(unsafe.Pointer(&dst), unsafe.Pointer(&src)))
	assert.Equal(t, d.Hash(unsafe.Pointer(&dst)), d.Hash(unsafe.Pointer(&src)))

	d.Move(unsafe.Pointer(&dst), unsafe.Pointer(&src))
	assert.Equal(t, health{Current: 42, Max: 100}, dst)
	assert.Equal(t, health{}, src)
}

func TestPointerfulComponentPanics(t *testing.T) {
	ResetGlobalCache()

	defer func() {
		assert.Assert(t, recover() != nil, "pointerful component must be rejected")
	}()
	GetOrRegister[struct{ S string }]()
}
