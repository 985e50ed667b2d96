package sekai

import (
	json "github.com/goccy/go-json"
)

// Diag is a numeric snapshot of the world's internal state, meant for leak
// hunting and tests.
type Diag struct {
	Entities        int            `json:"entities"`
	FreeEntities    int            `json:"free_entities"`
	Archetypes      int            `json:"archetypes"`
	DyingArchetypes int            `json:"dying_archetypes"`
	Chunks          int            `json:"chunks"`
	DyingChunks     int            `json:"dying_chunks"`
	WorldVersion    uint32         `json:"world_version"`
	HashLookups     int            `json:"hash_lookups"`
	Allocator       AllocatorStats `json:"allocator"`
}

// Diag collects the current counters.
func (w *World) Diag() Diag {
	d := Diag{
		Entities:     len(w.entities) - w.freeCount,
		FreeEntities: w.freeCount,
		WorldVersion: w.version,
		HashLookups:  w.hashLookups,
		Allocator:    w.allocator.Stats(),
	}
	for _, a := range w.archetypes {
		if a == nil {
			continue
		}
		d.Archetypes++
		if a.dying {
			d.DyingArchetypes++
		}
		d.Chunks += len(a.chunks)
	}
	for _, c := range w.dyingChunks {
		if c.block != nil && c.dying() {
			d.DyingChunks++
		}
	}
	w.logger.Debug().
		Int("entities", d.Entities).
		Int("archetypes", d.Archetypes).
		Int("chunks", d.Chunks).
		Int("used_bytes", d.Allocator.UsedBytes).
		Msg("diag snapshot")
	return d
}

// JSON renders the snapshot for external tooling.
func (d Diag) JSON() ([]byte, error) {
	return json.Marshal(d)
}

// HashLookups returns how many structural transitions missed the archetype
// graph and resolved through the sorted-set hash.
func (w *World) HashLookups() int {
	return w.hashLookups
}
