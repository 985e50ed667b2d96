package sekai

import "github.com/rotisserie/eris"

var (
	// ErrInvalidEntity is returned when a handle's generation does not match
	// the entity table, or its id is out of range.
	ErrInvalidEntity = eris.New("invalid entity handle")
	// ErrDuplicateComponent is returned when adding a component the entity
	// already has.
	ErrDuplicateComponent = eris.New("component already on entity")
	// ErrMissingComponent is returned when removing or reading a component the
	// entity lacks.
	ErrMissingComponent = eris.New("component not on entity")
	// ErrCapacityExceeded is returned when an archetype would exceed the
	// component-per-archetype cap.
	ErrCapacityExceeded = eris.New("too many components in archetype")
	// ErrStructuralChangeDuringIteration is returned when a structural
	// mutation targets an archetype whose chunks are being iterated.
	ErrStructuralChangeDuringIteration = eris.New("structural change during iteration")
	// ErrAllocFailed is returned when the chunk allocator cannot obtain more
	// memory from the host.
	ErrAllocFailed = eris.New("chunk allocation failed")
	// ErrComponentNotRegistered is returned when an operation names a
	// component type that was never registered with the cache.
	ErrComponentNotRegistered = eris.New("component type not registered")
)

func errMissingOn(comp, e Entity) error {
	return eris.Wrapf(ErrMissingComponent, "component %#x on entity %d", uint64(comp), e.ID())
}
