// Profiling:
// go build ./profile/entities
// go tool pprof -http=":8000" -nodefraction=0.001 ./entities mem.pprof

package main

import (
	"github.com/pkg/profile"
	"github.com/sekai-ecs/sekai"
)

type comp1 struct {
	V int64
	W int64
}

type comp2 struct {
	V int64
	W int64
}

func main() {
	count := 50
	iters := 1000
	entities := 1000
	p := profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook)
	run(count, iters, entities)
	p.Stop()
}

func run(rounds, iters, numEntities int) {
	c1 := sekai.GetOrRegister[comp1]()
	c2 := sekai.GetOrRegister[comp2]()
	for i := 0; i < rounds; i++ {
		w, err := sekai.NewWorld()
		if err != nil {
			panic(err)
		}
		query := w.Query().All(c1).AllWrite(c2)

		for j := 0; j < iters; j++ {
			ents, err := w.CreateMany(numEntities)
			if err != nil {
				panic(err)
			}
			for _, e := range ents {
				_ = sekai.Add[comp1](w, e)
				_ = sekai.Add[comp2](w, e)
			}
			query.Each(func(it *sekai.Iter) {
				a := sekai.View[comp1](it, 0)
				b := sekai.ViewMut[comp2](it, 1)
				for i := range b {
					b[i].V += a[i].V
					b[i].W += a[i].W
				}
			})
			for _, e := range ents {
				_ = w.Delete(e)
			}
			w.GC(0)
		}
		w.Close()
	}
}
