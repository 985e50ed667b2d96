// Profiling:
// go build ./profile/query
// go tool pprof -http=":8000" -nodefraction=0.001 ./query cpu.prof

package main

import (
	"os"
	"runtime"
	"runtime/pprof"

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

type comp3 struct{ V, W int64 }

type comp4 struct{ V, W int64 }

func main() {
	f, _ := os.Create("cpu.prof")
	_ = pprof.StartCPUProfile(f)
	defer pprof.StopCPUProfile()

	count := 50
	iters := 10000
	entities := 100000
	run(count, iters, entities)

	memFile, _ := os.Create("mem.prof")
	defer memFile.Close()
	runtime.GC()
	_ = pprof.WriteHeapProfile(memFile)
}

func run(rounds, iters, numEntities int) {
	c1 := sekai.GetOrRegister[comp1]()
	c2 := sekai.GetOrRegister[comp2]()
	c3 := sekai.GetOrRegister[comp3]()
	c4 := sekai.GetOrRegister[comp4]()
	for i := 0; i < rounds; i++ {
		w, err := sekai.NewWorld()
		if err != nil {
			panic(err)
		}
		ents, err := w.CreateMany(numEntities)
		if err != nil {
			panic(err)
		}
		for _, e := range ents {
			_ = sekai.Add[comp1](w, e)
			_ = sekai.Add[comp2](w, e)
			_ = sekai.Add[comp3](w, e)
			_ = sekai.Add[comp4](w, e)
		}
		query := w.Query().AllWrite(c1).All(c2, c3, c4)

		for j := 0; j < iters; j++ {
			query.Each(func(it *sekai.Iter) {
				a := sekai.ViewMut[comp1](it, 0)
				b := sekai.View[comp2](it, 1)
				for i := range a {
					a[i].V += b[i].V
					a[i].W += b[i].W
				}
			})
		}
		w.Close()
	}
}
