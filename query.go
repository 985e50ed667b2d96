package sekai

import "sort"

// TermOp classifies one query term.
type TermOp uint8

const (
	// OpAll requires the archetype to contain the term's entity.
	OpAll TermOp = iota
	// OpAny requires the archetype to contain at least one of the query's
	// Any terms.
	OpAny
	// OpNot excludes archetypes containing the term's entity.
	OpNot
	// OpOpt binds a column when present without constraining the match.
	OpOpt
	// OpAs matches the term's entity or anything declaring Is(entity) by a
	// relationship pair, one hop.
	OpAs
)

// Term is one constraint of a query: a component entity and how it
// restricts matching. Write marks terms the caller intends to mutate
// through ViewMut.
type Term struct {
	Comp  Entity
	Op    TermOp
	Write bool
}

// opcode is one instruction of the compiled matcher.
type opcode uint8

const (
	opMatchAll opcode = iota
	opMatchAny
	opMatchNot
	opMatchOpt
	opMatchAs
)

// instr pairs an opcode with the index of the term it applies to.
type instr struct {
	op   opcode
	term uint8
}

// GroupByFunc maps a matched archetype to a group id. Entries in the query
// cache are ordered by group id; insertion order is retained within a group.
type GroupByFunc func(w *World, a *Archetype, groupBy Entity) uint32

// population selects which rows of a chunk an iteration visits.
type population uint8

const (
	populationEnabled population = iota
	populationDisabled
	populationAll
)

// Query is a declarative description of the archetypes to visit. Terms
// accumulate through the builder methods; the query compiles lazily on first
// execution and caches its matches incrementally from then on.
type Query struct {
	world   *World
	terms   []Term
	changed []Entity
	groupBy Entity
	groupFn GroupByFunc
	pop     population

	info *QueryInfo

	// lastWorldVersion is the world version the change filter compares
	// against; it advances after every Each.
	lastWorldVersion uint32
}

// Query starts a new query builder.
func (w *World) Query() *Query {
	return &Query{world: w}
}

// All requires every given component entity to be present.
func (q *Query) All(ids ...Entity) *Query {
	for _, id := range ids {
		q.terms = append(q.terms, Term{Comp: id, Op: OpAll})
	}
	return q
}

// AllWrite is All with the write mask set; columns bound to these terms
// stamp their change version when viewed mutably.
func (q *Query) AllWrite(ids ...Entity) *Query {
	for _, id := range ids {
		q.terms = append(q.terms, Term{Comp: id, Op: OpAll, Write: true})
	}
	return q
}

// Any requires at least one of the given component entities.
func (q *Query) Any(ids ...Entity) *Query {
	for _, id := range ids {
		q.terms = append(q.terms, Term{Comp: id, Op: OpAny})
	}
	return q
}

// None excludes archetypes containing any of the given component entities.
func (q *Query) None(ids ...Entity) *Query {
	for _, id := range ids {
		q.terms = append(q.terms, Term{Comp: id, Op: OpNot})
	}
	return q
}

// Opt binds a column for the given entity when the archetype has it, without
// constraining the match.
func (q *Query) Opt(ids ...Entity) *Query {
	for _, id := range ids {
		q.terms = append(q.terms, Term{Comp: id, Op: OpOpt})
	}
	return q
}

// As matches archetypes containing base directly, or containing an
// Is-relationship pair naming base. The relation is followed a single hop.
func (q *Query) As(base Entity) *Query {
	q.terms = append(q.terms, Term{Comp: base, Op: OpAs})
	return q
}

// Changed adds a change filter: chunks are visited only when one of the
// listed components changed since the previous Each.
func (q *Query) Changed(ids ...Entity) *Query {
	q.changed = append(q.changed, ids...)
	return q
}

// GroupBy orders matched archetypes by the group id fn assigns them.
func (q *Query) GroupBy(e Entity, fn GroupByFunc) *Query {
	q.groupBy = e
	q.groupFn = fn
	return q
}

// IncludeDisabled widens iteration to both enabled and disabled rows.
func (q *Query) IncludeDisabled() *Query {
	q.pop = populationAll
	return q
}

// DisabledOnly restricts iteration to disabled rows.
func (q *Query) DisabledOnly() *Query {
	q.pop = populationDisabled
	return q
}

// compile canonicalizes the term list and builds the instruction stream and
// the cache. Equivalent term permutations compile to the same stream.
func (q *Query) compile() *QueryInfo {
	if q.info != nil {
		return q.info
	}
	terms := canonicalizeTerms(q.terms)
	instrs := make([]instr, 0, len(terms))
	// Positive terms first so they seed candidates; NOT only subtracts.
	for pass := 0; pass < 4; pass++ {
		for i, t := range terms {
			emit := false
			var op opcode
			switch {
			case pass == 0 && t.Op == OpAll:
				op, emit = opMatchAll, true
			case pass == 1 && t.Op == OpAs:
				op, emit = opMatchAs, true
			case pass == 2 && t.Op == OpAny:
				op, emit = opMatchAny, true
			case pass == 3 && t.Op == OpNot:
				op, emit = opMatchNot, true
			case pass == 3 && t.Op == OpOpt:
				op, emit = opMatchOpt, true
			}
			if emit {
				instrs = append(instrs, instr{op: op, term: uint8(i)})
			}
		}
	}
	q.info = newQueryInfo(q.world, terms, instrs, q.groupBy, q.groupFn)
	q.world.queries = append(q.world.queries, q.info)
	return q.info
}

// canonicalizeTerms stable-sorts terms by component entity and strips exact
// duplicates, so term order never affects matching.
func canonicalizeTerms(in []Term) []Term {
	terms := make([]Term, len(in))
	copy(terms, in)
	sort.SliceStable(terms, func(i, j int) bool {
		return terms[i].Comp < terms[j].Comp
	})
	out := terms[:0]
	for i, t := range terms {
		if i > 0 && t.Comp == out[len(out)-1].Comp && t.Op == out[len(out)-1].Op {
			if t.Write {
				out[len(out)-1].Write = true
			}
			continue
		}
		out = append(out, t)
	}
	return out
}

// Term returns the canonical index of the term bound to comp, or -1. Views
// are addressed by canonical term index, which follows component-entity
// order rather than builder call order.
func (q *Query) Term(comp Entity) int {
	qi := q.compile()
	for i, t := range qi.terms {
		if t.Comp == comp {
			return i
		}
	}
	return -1
}

// Each runs fn once per matched chunk. The iteration holds a structural
// lock on each archetype while its chunks are visited, so structural
// mutation from inside fn fails with ErrStructuralChangeDuringIteration.
func (q *Query) Each(fn func(*Iter)) {
	qi := q.compile()
	qi.exec()
	qi.sortGroupsIfNeeded()

	w := q.world
	snapshot := w.version
	for idx := 0; idx < len(qi.archCache); idx++ {
		a := w.archetypes[qi.archCache[idx]]
		if a == nil {
			continue
		}
		a.lockDepth++
		for _, c := range a.chunks {
			it, ok := q.makeIter(a, c, qi.cacheData[idx].cols)
			if !ok {
				continue
			}
			c.header().structuralLock++
			fn(&it)
			c.header().structuralLock--
		}
		a.lockDepth--
	}
	q.lastWorldVersion = snapshot
}

// makeIter builds the per-chunk view, applying the population selection and
// the change filter.
func (q *Query) makeIter(a *Archetype, c *Chunk, cols []int8) (Iter, bool) {
	h := c.header()
	var begin, end uint16
	switch q.pop {
	case populationEnabled:
		begin, end = h.firstEnabledRow, h.count
	case populationDisabled:
		begin, end = 0, h.firstEnabledRow
	default:
		begin, end = 0, h.count
	}
	if begin >= end {
		return Iter{}, false
	}
	if len(q.changed) > 0 && !q.chunkChanged(a, c) {
		return Iter{}, false
	}
	return Iter{
		world: q.world,
		arch:  a,
		chunk: c,
		cols:  cols,
		terms: q.info.terms,
		begin: begin,
		end:   end,
	}, true
}

// chunkChanged reports whether any component on the change-filter list was
// written in this chunk since the previous Each.
func (q *Query) chunkChanged(a *Archetype, c *Chunk) bool {
	for _, comp := range q.changed {
		slot := a.slotOf(comp)
		if slot < 0 {
			continue
		}
		if c.didChange(slot, q.lastWorldVersion) {
			return true
		}
	}
	return false
}

// Count returns the number of entities the query currently matches under
// its population selection. The change filter does not apply to counting.
func (q *Query) Count() int {
	qi := q.compile()
	qi.exec()
	n := 0
	for _, id := range qi.archCache {
		a := q.world.archetypes[id]
		if a == nil {
			continue
		}
		for _, c := range a.chunks {
			switch q.pop {
			case populationEnabled:
				n += c.CountEnabled()
			case populationDisabled:
				n += c.Count() - c.CountEnabled()
			default:
				n += c.Count()
			}
		}
	}
	return n
}
