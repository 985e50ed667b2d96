package sekai

import "github.com/rotisserie/eris"

// CheckIntegrity walks the whole world and verifies its structural
// invariants: entity table against chunk rows, partition counts, column
// alignment, graph edge inversion and entity accounting. It is meant for
// tests and debug builds; a healthy world always returns nil.
func (w *World) CheckIntegrity() error {
	live := 0
	for _, a := range w.archetypes {
		if a == nil {
			continue
		}
		for _, rec := range a.comps {
			if rec.desc.Size > 0 && uintptr(rec.offset)%rec.desc.Align != 0 {
				return eris.Errorf("archetype %d: component %s misaligned at offset %d", a.id, rec.desc.Name, rec.offset)
			}
		}
		for ci, c := range a.chunks {
			h := c.header()
			if int(h.index) != ci {
				return eris.Errorf("archetype %d: chunk %d records index %d", a.id, ci, h.index)
			}
			if h.countEnabled != h.count-h.firstEnabledRow {
				return eris.Errorf("archetype %d chunk %d: countEnabled %d != count %d - firstEnabledRow %d",
					a.id, ci, h.countEnabled, h.count, h.firstEnabledRow)
			}
			for row := uint16(0); row < h.count; row++ {
				e := c.EntityAt(row)
				ec := &w.entities[e.ID()]
				if ec.arch != a || ec.chunk != c || ec.row != row {
					return eris.Errorf("entity %d: table entry disagrees with chunk %d row %d of archetype %d",
						e.ID(), ci, row, a.id)
				}
				if ec.gen != e.Gen() {
					return eris.Errorf("entity %d: chunk holds generation %d, table holds %d", e.ID(), e.Gen(), ec.gen)
				}
				if ec.disabled != (row < h.firstEnabledRow) {
					return eris.Errorf("entity %d: disabled flag disagrees with row %d / boundary %d",
						e.ID(), row, h.firstEnabledRow)
				}
			}
			live += int(h.count)
		}
		for comp, edge := range a.graph.edgesAdd {
			b := w.archetypes[edge.id]
			if b == nil {
				return eris.Errorf("archetype %d: add-edge on %#x points at dead archetype %d", a.id, uint64(comp), edge.id)
			}
			if back, ok := b.graph.findEdgeLeft(comp); !ok || back.id != a.id {
				return eris.Errorf("archetype %d: add-edge on %#x to %d has no inverse", a.id, uint64(comp), edge.id)
			}
		}
		for comp, edge := range a.graph.edgesDel {
			b := w.archetypes[edge.id]
			if b == nil {
				return eris.Errorf("archetype %d: del-edge on %#x points at dead archetype %d", a.id, uint64(comp), edge.id)
			}
			if b != w.root {
				if back, ok := b.graph.findEdgeRight(comp); !ok || back.id != a.id {
					return eris.Errorf("archetype %d: del-edge on %#x to %d has no inverse", a.id, uint64(comp), edge.id)
				}
			}
		}
	}
	if live+w.freeCount != len(w.entities) {
		return eris.Errorf("entity accounting: %d live + %d free != %d table entries", live, w.freeCount, len(w.entities))
	}
	return nil
}
