package sekai

import "unsafe"

// The generic API wraps the monomorphic core: every function here resolves
// the component entity through the cache and hands the raw pointer work to
// the world.

// Add adds a zero-valued component of type T to an entity.
func Add[T any](w *World, e Entity) error {
	return w.AddID(e, GetOrRegister[T]())
}

// AddValue adds a component of type T to an entity and initializes it.
func AddValue[T any](w *World, e Entity, value T) error {
	comp := GetOrRegister[T]()
	if err := w.AddID(e, comp); err != nil {
		return err
	}
	p, err := w.getPtrMut(e, comp)
	if err != nil {
		return err
	}
	*(*T)(p) = value
	return nil
}

// Remove removes the component of type T from an entity.
func Remove[T any](w *World, e Entity) error {
	return w.RemoveID(e, GetOrRegister[T]())
}

// Has reports whether the entity carries a component of type T.
func Has[T any](w *World, e Entity) bool {
	return w.HasID(e, GetOrRegister[T]())
}

// Get returns a copy of the entity's component of type T.
func Get[T any](w *World, e Entity) (T, error) {
	var zero T
	p, err := w.getPtr(e, GetOrRegister[T]())
	if err != nil {
		return zero, err
	}
	return *(*T)(p), nil
}

// GetPtr returns a pointer into chunk storage for the entity's component of
// type T. The pointer is invalidated by any structural change.
func GetPtr[T any](w *World, e Entity) (*T, error) {
	p, err := w.getPtr(e, GetOrRegister[T]())
	if err != nil {
		return nil, err
	}
	return (*T)(p), nil
}

// Set writes the entity's component of type T, adding it first when absent,
// and stamps the column's change version.
func Set[T any](w *World, e Entity, value T) error {
	comp := GetOrRegister[T]()
	if !w.HasID(e, comp) {
		return AddValue(w, e, value)
	}
	p, err := w.getPtrMut(e, comp)
	if err != nil {
		return err
	}
	*(*T)(p) = value
	return nil
}

// AddPair attaches the relationship pair (rel, tgt) to an entity.
func AddPair(w *World, e Entity, rel, tgt Entity) error {
	return w.AddID(e, Pair(rel, tgt))
}

// RemovePair detaches the relationship pair (rel, tgt) from an entity.
func RemovePair(w *World, e Entity, rel, tgt Entity) error {
	return w.RemoveID(e, Pair(rel, tgt))
}

// HasPair reports whether the entity carries the relationship pair.
func HasPair(w *World, e Entity, rel, tgt Entity) bool {
	return w.HasID(e, Pair(rel, tgt))
}

// SetUnique writes the per-chunk value of a unique component for the chunk
// the entity lives in.
func SetUnique[T any](w *World, e Entity, value T) error {
	comp := GetOrRegisterUnique[T]()
	p, err := w.uniquePtrFor(e, comp, true)
	if err != nil {
		return err
	}
	*(*T)(p) = value
	return nil
}

// GetUnique reads the per-chunk value of a unique component for the chunk
// the entity lives in.
func GetUnique[T any](w *World, e Entity) (T, error) {
	var zero T
	p, err := w.uniquePtrFor(e, GetOrRegisterUnique[T](), false)
	if err != nil {
		return zero, err
	}
	return *(*T)(p), nil
}

// uniquePtrFor resolves the address of a unique component's per-chunk value
// for the chunk holding e.
func (w *World) uniquePtrFor(e Entity, comp Entity, mutate bool) (unsafe.Pointer, error) {
	ec, err := w.container(e)
	if err != nil {
		return nil, err
	}
	slot := ec.arch.slotOf(comp)
	if slot < ec.arch.genCount {
		return nil, errMissingOn(comp, e)
	}
	if mutate {
		ec.chunk.bumpVersion(slot, w.bumpVersion())
	}
	return ec.chunk.uniquePtr(slot), nil
}

// isRelation is the built-in relation behind MatchAs: a pair (Is, B) marks
// an entity as a variant of base B for query matching.
type isRelation struct{}

// Is returns the built-in Is relation entity.
func Is() Entity {
	return GetOrRegister[isRelation]()
}
