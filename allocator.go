package sekai

import (
	"math/bits"
	"unsafe"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// slabBlockCount is the number of fixed-size blocks carved out of one slab.
const slabBlockCount = 64

// slabAlign is the alignment of the first block in a slab. Component offsets
// inside a chunk are computed relative to the block start, so the block start
// itself must be at least as aligned as any component.
const slabAlign = 64

type sizeClass uint8

const (
	sizeClassSmall sizeClass = iota
	sizeClassLarge
	sizeClassCount
)

// slab is a contiguous region of slabBlockCount fixed-size blocks with a
// bitset tracking which blocks are free (bit set = free).
type slab struct {
	raw   []byte
	base  uintptr
	free  uint64
	class sizeClass
}

func (s *slab) fullyFree() bool {
	return s.free == ^uint64(0)
}

func (s *slab) fullyUsed() bool {
	return s.free == 0
}

// ChunkAllocator hands out fixed-size memory blocks in two size classes with
// slab pooling. Owned by the World; not safe for concurrent use.
type ChunkAllocator struct {
	blockSizes [sizeClassCount]int
	pools      [sizeClassCount][]*slab
	blockToSlab map[uintptr]*slab

	// limitBytes caps total slab memory; 0 means unlimited. Alloc fails when
	// a new slab would exceed the limit.
	limitBytes int

	allocated int
	used      int
	logger    zerolog.Logger
}

// AllocatorStats is a point-in-time snapshot of allocator memory usage.
type AllocatorStats struct {
	AllocatedBytes int `json:"allocated_bytes"`
	UsedBytes      int `json:"used_bytes"`
	SlabCount      int `json:"slab_count"`
	FreeBlockCount int `json:"free_block_count"`
}

func newChunkAllocator(cfg Config, logger zerolog.Logger) *ChunkAllocator {
	return &ChunkAllocator{
		blockSizes:  [sizeClassCount]int{cfg.ChunkSmallBytes, cfg.ChunkLargeBytes},
		blockToSlab: make(map[uintptr]*slab, 64),
		logger:      logger,
	}
}

// blockSize returns the byte size of blocks in the given class.
func (a *ChunkAllocator) blockSize(c sizeClass) int {
	return a.blockSizes[c]
}

// classFor picks the smallest size class whose blocks hold totalBytes.
func (a *ChunkAllocator) classFor(totalBytes int) sizeClass {
	if totalBytes <= a.blockSizes[sizeClassSmall] {
		return sizeClassSmall
	}
	return sizeClassLarge
}

// Alloc returns a zeroed block of the smallest size class that holds
// totalBytes. It fails when totalBytes exceeds the largest size class or when
// the configured memory limit would be exceeded.
func (a *ChunkAllocator) Alloc(totalBytes int) ([]byte, sizeClass, error) {
	class := a.classFor(totalBytes)
	if totalBytes > a.blockSizes[class] {
		return nil, class, eris.Wrapf(ErrAllocFailed, "request of %d bytes exceeds largest size class", totalBytes)
	}
	s := a.findFreeSlab(class)
	if s == nil {
		var err error
		if s, err = a.newSlab(class); err != nil {
			return nil, class, err
		}
	}
	idx := bits.TrailingZeros64(s.free)
	s.free &^= uint64(1) << idx

	bs := a.blockSizes[class]
	off := uintptr(idx * bs)
	block := unsafe.Slice((*byte)(unsafe.Pointer(s.base+off)), bs)
	zeroBytes(unsafe.Pointer(&block[0]), uintptr(bs))
	a.used += bs
	return block, class, nil
}

// Free returns a block obtained from Alloc to its slab.
func (a *ChunkAllocator) Free(block []byte) {
	base := uintptr(unsafe.Pointer(&block[0]))
	s, ok := a.blockToSlab[base]
	if !ok {
		panic("sekai: Free of a pointer the allocator does not own")
	}
	bs := a.blockSizes[s.class]
	idx := int(base-s.base) / bs
	mask := uint64(1) << idx
	if s.free&mask != 0 {
		panic("sekai: double free of chunk block")
	}
	s.free |= mask
	a.used -= bs
}

// Flush releases fully-free slabs back to the host. A slab is only released
// while its class still holds at least one slab that is not fully free, so a
// warm pool survives transient empty states.
func (a *ChunkAllocator) Flush() {
	for class := range a.pools {
		hasBusy := false
		for _, s := range a.pools[class] {
			if !s.fullyFree() {
				hasBusy = true
				break
			}
		}
		if !hasBusy {
			continue
		}
		kept := a.pools[class][:0]
		for _, s := range a.pools[class] {
			if !s.fullyFree() {
				kept = append(kept, s)
				continue
			}
			a.releaseSlab(s)
		}
		a.pools[class] = kept
	}
}

// Stats reports current memory usage.
func (a *ChunkAllocator) Stats() AllocatorStats {
	st := AllocatorStats{
		AllocatedBytes: a.allocated,
		UsedBytes:      a.used,
	}
	for class := range a.pools {
		st.SlabCount += len(a.pools[class])
		for _, s := range a.pools[class] {
			st.FreeBlockCount += bits.OnesCount64(s.free)
		}
	}
	return st
}

func (a *ChunkAllocator) findFreeSlab(class sizeClass) *slab {
	for _, s := range a.pools[class] {
		if !s.fullyUsed() {
			return s
		}
	}
	return nil
}

func (a *ChunkAllocator) newSlab(class sizeClass) (*slab, error) {
	bs := a.blockSizes[class]
	total := bs * slabBlockCount
	if a.limitBytes > 0 && a.allocated+total > a.limitBytes {
		return nil, eris.Wrapf(ErrAllocFailed, "allocator limit of %d bytes reached", a.limitBytes)
	}
	raw := make([]byte, total+slabAlign-1)
	base := alignUp(uintptr(unsafe.Pointer(&raw[0])), slabAlign)
	s := &slab{
		raw:   raw,
		base:  base,
		free:  ^uint64(0),
		class: class,
	}
	a.pools[class] = append(a.pools[class], s)
	for i := 0; i < slabBlockCount; i++ {
		a.blockToSlab[base+uintptr(i*bs)] = s
	}
	a.allocated += total
	a.logger.Debug().
		Int("block_size", bs).
		Int("slab_count", len(a.pools[class])).
		Int("allocated_bytes", a.allocated).
		Msg("chunk allocator grew")
	return s, nil
}

func (a *ChunkAllocator) releaseSlab(s *slab) {
	bs := a.blockSizes[s.class]
	for i := 0; i < slabBlockCount; i++ {
		delete(a.blockToSlab, s.base+uintptr(i*bs))
	}
	a.allocated -= bs * slabBlockCount
	s.raw = nil
}
