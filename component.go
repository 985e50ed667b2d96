package sekai

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// ComponentDescriptor carries everything the engine needs to store values of
// one component type inside chunks without generics on the hot path: size,
// alignment and a set of non-generic operation thunks built once at
// registration.
type ComponentDescriptor struct {
	Entity Entity
	Name   string
	Type   reflect.Type
	Size   uintptr
	Align  uintptr

	// Ctor zero-initializes n consecutive values starting at p.
	Ctor func(p unsafe.Pointer, n int)
	// Dtor tears down n consecutive values starting at p. Chunk component
	// types are pointer-free, so teardown is a zeroing pass.
	Dtor func(p unsafe.Pointer, n int)
	// Copy copies n consecutive values from src to dst.
	Copy func(dst, src unsafe.Pointer, n int)
	// Move transfers one value from src to dst and destructs src.
	Move func(dst, src unsafe.Pointer)
	// Cmp reports whether two values compare equal bytewise.
	Cmp func(a, b unsafe.Pointer) bool
	// Hash hashes one value.
	Hash func(p unsafe.Pointer) uint64
}

// IsTag reports whether the component occupies no bytes.
func (d *ComponentDescriptor) IsTag() bool {
	return d.Size == 0
}

// componentCache is the process-scoped component registry. Components are
// entities: the cache issues the entity handle at first registration and the
// mapping is monotonic for the process lifetime.
type componentCache struct {
	typeToDesc map[reflect.Type]*ComponentDescriptor
	idToDesc   map[uint32]*ComponentDescriptor
	nextID     uint32
}

var cache = newComponentCache()

func newComponentCache() *componentCache {
	return &componentCache{
		typeToDesc: make(map[reflect.Type]*ComponentDescriptor, 64),
		idToDesc:   make(map[uint32]*ComponentDescriptor, 64),
		nextID:     1, // id 0 stays reserved so EntityNil never aliases a component
	}
}

// ResetGlobalCache resets the process-wide component registry. Worlds created
// before the reset must be discarded. Intended for tests.
func ResetGlobalCache() {
	cache = newComponentCache()
}

// GetOrRegister registers T as a generic (per-entity) component and returns
// its component entity. Repeated calls return the same handle.
func GetOrRegister[T any]() Entity {
	return getOrRegister(reflect.TypeOf((*T)(nil)).Elem(), KindGeneric)
}

// GetOrRegisterUnique registers T as a unique (per-chunk) component and
// returns its component entity.
func GetOrRegisterUnique[T any]() Entity {
	return getOrRegister(reflect.TypeOf((*T)(nil)).Elem(), KindUnique)
}

func getOrRegister(typ reflect.Type, kind EntityKind) Entity {
	if d, ok := cache.typeToDesc[typ]; ok {
		if d.Entity.Kind() != kind {
			panic(fmt.Sprintf("sekai: component %s already registered with a different kind", d.Name))
		}
		return d.Entity
	}
	if cache.nextID > maxEntityID {
		panic("sekai: component id space exhausted")
	}
	if typeHasPointers(typ) {
		panic(fmt.Sprintf("sekai: component %s contains Go pointers; chunk storage requires pointer-free types", typ))
	}
	id := cache.nextID
	cache.nextID++
	d := buildDescriptor(typ, newComponentEntity(id, 1, kind))
	cache.typeToDesc[typ] = d
	cache.idToDesc[id] = d
	return d.Entity
}

// Find looks up the descriptor for a component entity. Pair handles resolve
// to the descriptor of the side that defines storage; a pair of two tags is
// itself a tag and resolves to the relation's descriptor.
func Find(e Entity) (*ComponentDescriptor, bool) {
	if e.IsPair() {
		return findPair(e)
	}
	d, ok := cache.idToDesc[e.ID()]
	return d, ok
}

// Descriptor returns the descriptor for a component entity. The entity must
// have been registered; this is the hot-path variant of Find.
func Descriptor(e Entity) *ComponentDescriptor {
	d, ok := Find(e)
	if !ok {
		panic(fmt.Sprintf("sekai: no descriptor for component entity %#x", uint64(e)))
	}
	return d
}

// findPair applies the pair storage rule: when exactly one of relation and
// target has non-zero size, that side defines the stored type; two zero-sized
// sides make the pair a tag.
func findPair(p Entity) (*ComponentDescriptor, bool) {
	rel, relOK := cache.idToDesc[p.Rel()]
	tgt, tgtOK := cache.idToDesc[p.Tgt()]
	switch {
	case relOK && rel.Size > 0:
		return rel, true
	case tgtOK && tgt.Size > 0:
		return tgt, true
	case relOK:
		return rel, true
	case tgtOK:
		return tgt, true
	}
	return nil, false
}

func buildDescriptor(typ reflect.Type, e Entity) *ComponentDescriptor {
	size := typ.Size()
	align := uintptr(typ.Align())
	d := &ComponentDescriptor{
		Entity: e,
		Name:   typ.String(),
		Type:   typ,
		Size:   size,
		Align:  align,
	}
	if size == 0 {
		nop := func(unsafe.Pointer, int) {}
		d.Ctor, d.Dtor, d.Copy = nop, nop, func(unsafe.Pointer, unsafe.Pointer, int) {}
		d.Move = func(unsafe.Pointer, unsafe.Pointer) {}
		d.Cmp = func(unsafe.Pointer, unsafe.Pointer) bool { return true }
		d.Hash = func(unsafe.Pointer) uint64 { return 0 }
		return d
	}
	d.Ctor = func(p unsafe.Pointer, n int) {
		zeroBytes(p, size*uintptr(n))
	}
	d.Dtor = d.Ctor
	d.Copy = func(dst, src unsafe.Pointer, n int) {
		copyBytes(dst, src, size*uintptr(n))
	}
	d.Move = func(dst, src unsafe.Pointer) {
		copyBytes(dst, src, size)
		zeroBytes(src, size)
	}
	d.Cmp = func(a, b unsafe.Pointer) bool {
		return string(unsafe.Slice((*byte)(a), size)) == string(unsafe.Slice((*byte)(b), size))
	}
	d.Hash = func(p unsafe.Pointer) uint64 {
		return xxhash.Sum64(unsafe.Slice((*byte)(p), size))
	}
	return d
}

// typeHasPointers walks the type looking for anything the Go GC would need to
// scan. Chunk memory is untyped, so such components cannot be stored.
func typeHasPointers(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return typeHasPointers(typ.Elem())
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			if typeHasPointers(typ.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}
