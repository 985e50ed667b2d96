package sekai

import "sort"

// cacheEntry is the per-archetype payload of a query cache: the group id and
// the column slot each term binds to in that archetype (-1 when unbound).
type cacheEntry struct {
	groupID uint32
	cols    []int8
}

// groupRange is one contiguous run of cache entries sharing a group id.
type groupRange struct {
	groupID uint32
	first   int
	last    int // exclusive
}

// QueryInfo owns the compiled instruction stream and the incrementally
// built archetype cache of one query. Matching is resumable: per candidate
// source it records the last archetype id scanned, and only archetypes
// created since are examined on the next exec.
type QueryInfo struct {
	world  *World
	terms  []Term
	instrs []instr

	// sources are the component entities whose index lists seed candidates.
	// Empty means the query has no positive term and scans all archetypes.
	sources     []Entity
	lastScanned []int64 // per source, last archetype id consumed
	lastAll     int64   // scan-all cursor

	archCache []ArchetypeID
	cacheData []cacheEntry
	inCache   map[ArchetypeID]int

	groupBy      Entity
	groupFn      GroupByFunc
	groupData    []groupRange
	needsSorting bool
}

func newQueryInfo(w *World, terms []Term, instrs []instr, groupBy Entity, groupFn GroupByFunc) *QueryInfo {
	qi := &QueryInfo{
		world:   w,
		terms:   terms,
		instrs:  instrs,
		inCache: make(map[ArchetypeID]int, 16),
		lastAll: -1,
		groupBy: groupBy,
		groupFn: groupFn,
	}
	qi.sources = candidateSources(terms)
	qi.lastScanned = make([]int64, len(qi.sources))
	for i := range qi.lastScanned {
		qi.lastScanned[i] = -1
	}
	return qi
}

// candidateSources picks the index lists that can seed candidates. A single
// ALL term anchors the whole query; failing that, every As and Any term
// contributes its own list; a query with no positive term scans everything.
func candidateSources(terms []Term) []Entity {
	for _, t := range terms {
		if t.Op == OpAll {
			return []Entity{t.Comp}
		}
	}
	var sources []Entity
	for _, t := range terms {
		switch t.Op {
		case OpAs:
			sources = append(sources, t.Comp, Pair(Is(), t.Comp))
		case OpAny:
			sources = append(sources, t.Comp)
		}
	}
	return sources
}

// exec advances the incremental match: candidates beyond the per-source
// cursors are tested against the instruction stream and appended to the
// cache.
func (qi *QueryInfo) exec() {
	w := qi.world
	if len(qi.sources) == 0 {
		for id := qi.lastAll + 1; id < int64(len(w.archetypes)); id++ {
			qi.consider(ArchetypeID(id))
		}
		qi.lastAll = int64(len(w.archetypes)) - 1
		return
	}
	for si, src := range qi.sources {
		list := w.compToArchetypes[src]
		// Lists are ordered by creation, hence by ascending id; resume past
		// the last id consumed.
		start := sort.Search(len(list), func(i int) bool {
			return int64(list[i]) > qi.lastScanned[si]
		})
		for _, id := range list[start:] {
			qi.consider(id)
		}
		if len(list) > 0 {
			qi.lastScanned[si] = int64(list[len(list)-1])
		}
	}
}

// consider runs the instruction stream over one archetype and caches it on a
// match.
func (qi *QueryInfo) consider(id ArchetypeID) {
	if _, ok := qi.inCache[id]; ok {
		return
	}
	a := qi.world.archetypes[id]
	if a == nil {
		return
	}
	anyTerms, anyHit := false, false
	for _, ins := range qi.instrs {
		t := qi.terms[ins.term]
		switch ins.op {
		case opMatchAll:
			if !a.has(t.Comp) {
				return
			}
		case opMatchAs:
			if !a.has(t.Comp) && !a.has(Pair(Is(), t.Comp)) {
				return
			}
		case opMatchAny:
			anyTerms = true
			if a.has(t.Comp) {
				anyHit = true
			}
		case opMatchNot:
			if a.has(t.Comp) {
				return
			}
		case opMatchOpt:
			// Binds a column; never constrains.
		}
	}
	if anyTerms && !anyHit {
		return
	}
	qi.append(a)
}

// append caches a matched archetype, resolving per-term columns and the
// group id.
func (qi *QueryInfo) append(a *Archetype) {
	entry := cacheEntry{cols: make([]int8, len(qi.terms))}
	for i, t := range qi.terms {
		slot := a.slotOf(t.Comp)
		if slot < 0 && t.Op == OpAs {
			slot = a.slotOf(Pair(Is(), t.Comp))
		}
		entry.cols[i] = int8(slot)
	}
	if qi.groupFn != nil {
		entry.groupID = qi.groupFn(qi.world, a, qi.groupBy)
	}

	qi.inCache[a.id] = len(qi.archCache)
	qi.archCache = append(qi.archCache, a.id)
	qi.cacheData = append(qi.cacheData, entry)

	if qi.groupFn != nil {
		n := len(qi.cacheData)
		if n > 1 && qi.cacheData[n-2].groupID > entry.groupID {
			// Out-of-order group: defer the stable sort to the next Each.
			qi.needsSorting = true
		}
		if !qi.needsSorting {
			qi.extendGroups(entry.groupID)
		}
	}
}

// extendGroups grows the trailing group range or opens a new one for an
// in-order append.
func (qi *QueryInfo) extendGroups(groupID uint32) {
	n := len(qi.archCache)
	if len(qi.groupData) > 0 {
		last := &qi.groupData[len(qi.groupData)-1]
		if last.groupID == groupID {
			last.last = n
			return
		}
	}
	qi.groupData = append(qi.groupData, groupRange{groupID: groupID, first: n - 1, last: n})
}

// sortGroupsIfNeeded stable-sorts the cache by group id, keeping insertion
// order inside each group, then rebuilds the group table.
func (qi *QueryInfo) sortGroupsIfNeeded() {
	if !qi.needsSorting {
		return
	}
	qi.needsSorting = false

	idx := make([]int, len(qi.archCache))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return qi.cacheData[idx[i]].groupID < qi.cacheData[idx[j]].groupID
	})

	archCache := make([]ArchetypeID, len(qi.archCache))
	cacheData := make([]cacheEntry, len(qi.cacheData))
	for to, from := range idx {
		archCache[to] = qi.archCache[from]
		cacheData[to] = qi.cacheData[from]
	}
	qi.archCache = archCache
	qi.cacheData = cacheData
	for i, id := range qi.archCache {
		qi.inCache[id] = i
	}
	qi.rebuildGroups()
}

func (qi *QueryInfo) rebuildGroups() {
	qi.groupData = qi.groupData[:0]
	if qi.groupFn == nil {
		return
	}
	for i, entry := range qi.cacheData {
		if len(qi.groupData) > 0 && qi.groupData[len(qi.groupData)-1].groupID == entry.groupID {
			qi.groupData[len(qi.groupData)-1].last = i + 1
			continue
		}
		qi.groupData = append(qi.groupData, groupRange{groupID: entry.groupID, first: i, last: i + 1})
	}
}

// Groups returns the current grouped ranges over the archetype cache.
func (qi *QueryInfo) Groups() []groupRange {
	return qi.groupData
}

// removeArchetype erases a dead archetype from the cache and repairs the
// grouped ranges. Incremental cursors are id-based and survive removal
// untouched.
func (qi *QueryInfo) removeArchetype(id ArchetypeID) {
	idx, ok := qi.inCache[id]
	if !ok {
		return
	}
	delete(qi.inCache, id)
	copy(qi.archCache[idx:], qi.archCache[idx+1:])
	qi.archCache = qi.archCache[:len(qi.archCache)-1]
	copy(qi.cacheData[idx:], qi.cacheData[idx+1:])
	qi.cacheData = qi.cacheData[:len(qi.cacheData)-1]
	for i := idx; i < len(qi.archCache); i++ {
		qi.inCache[qi.archCache[i]] = i
	}
	qi.rebuildGroups()
}
