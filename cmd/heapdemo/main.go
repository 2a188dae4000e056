package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"cairn/heap"
	"cairn/runtime"
	"cairn/storage"
	"cairn/value"
)

func main() {
	configPath := flag.String("config", "", "Heap config file path (YAML); defaults apply when empty")
	elements := flag.Int("elements", 10000, "Number of string elements to push")
	collectEvery := flag.Int("collect-every", 1000, "Force a collection every N pushes (0 disables)")
	snapshotPath := flag.String("snapshot", "", "Write a heap snapshot to this file before exit")
	stats := flag.Bool("stats", true, "Print collection statistics on exit")

	flag.Parse()

	cfg := heap.DefaultConfig()
	if *configPath != "" {
		loaded, err := heap.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.TripwireCallback = func(ctx heap.TripwireContext) {
		log.Printf("Heap %s tripwire: %d live bytes over limit %d", ctx.HeapName, ctx.LiveBytes, ctx.Limit)
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create runtime: %v", err)
	}
	gc := rt.GC()

	log.Printf("Heap: %s", gc.Name())
	log.Printf("Elements: %d", *elements)

	rt.PushCallFrame("main")
	rt.Intern("length")
	rt.Intern("prototype")
	rt.RegisterSymbol("demo.registry")

	scope := gc.NewScope()
	defer scope.Close()

	arrRef, err := storage.Create(gc, 0)
	if err != nil {
		log.Fatalf("Failed to create array: %v", err)
	}
	arr := scope.RefHandle(arrRef)
	rt.AllocRegisters(1)
	rt.SetRegister(0, arr.Value())

	// A weak view of an early element, to show clearing on collection.
	var weak heap.WeakRef

	for i := 0; i < *elements; i++ {
		elemScope := gc.NewScope()
		str := elemScope.RefHandle(rt.NewString(fmt.Sprintf("element-%d", i)))
		if err := storage.PushBack(gc, arr, str); err != nil {
			log.Fatalf("Push %d failed: %v", i, err)
		}
		if i == 0 {
			weak = rt.NewWeakRef(str.Ref())
		}
		elemScope.Close()
		rt.SetRegister(0, arr.Value())

		if *collectEvery > 0 && (i+1)%*collectEvery == 0 {
			gc.Collect()
			rt.SetRegister(0, arr.Value())
		}
	}

	payload := storage.Payload(gc, arr.Ref())
	log.Printf("Array size: %d, capacity: %d", payload.Size(gc), payload.Capacity())
	log.Printf("First element: %s", runtime.StringText(gc, payload.At(gc, 0).Ref()))
	log.Printf("Weak ref valid: %v", weak.IsValid())

	// Drop everything and collect: the weak ref clears, the array dies.
	rt.SetRegister(0, value.Undefined())
	arr.Set(value.Undefined())
	gc.Collect()
	log.Printf("Weak ref valid after drop: %v (cells live: %d, finalized: %d)",
		weak.IsValid(), gc.NumCells(), gc.NumFinalizedInLastGC())

	if *snapshotPath != "" {
		f, err := os.Create(*snapshotPath)
		if err != nil {
			log.Fatalf("Failed to create snapshot file: %v", err)
		}
		if err := gc.CreateSnapshot(f); err != nil {
			log.Fatalf("Failed to write snapshot: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("Failed to close snapshot file: %v", err)
		}
		log.Printf("Snapshot written to %s", *snapshotPath)
	}

	if *stats {
		info := gc.HeapInfo()
		log.Printf("Collections: %d, total allocated: %d bytes, heap size: %d bytes",
			info.NumCollections, info.TotalAllocatedBytes, info.HeapSize)
		if err := gc.PrintAllCollectedStats(os.Stdout); err != nil {
			log.Fatalf("Failed to print stats: %v", err)
		}
	}
}
