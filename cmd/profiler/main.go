package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"web/clustermap/cluster"
)

var (
	cpuprofile  = flag.String("cpuprofile", "", "write cpu profile to file")
	memprofile  = flag.String("memprofile", "", "write memory profile to file")
	heapprofile = flag.String("heapprofile", "", "write heap profile to file")
	numPoints   = flag.Int("points", 100000, "number of points to generate")
	zoomLevel   = flag.Int("zoom", 8, "zoom level to profile queries at")
	queries     = flag.Int("queries", 1000, "number of viewport queries to run")
	testall     = flag.Bool("testall", false, "test all configurations")
)

type result struct {
	build    time.Duration
	query    time.Duration
	entities int
	allocMB  float64
	gcRuns   uint32
}

// profile builds an index over n generated points and runs q queries at zoom
// over viewports sliding across the continental US.
func profile(n, zoom, q int) result {
	points := cluster.GenerateTestPoints(n, cluster.ContinentalUS, 42)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	start := time.Now()
	idx, _ := cluster.Build(points, cluster.DefaultOptions())
	res := result{build: time.Since(start)}

	us := cluster.ContinentalUS
	width := (us.Max[0] - us.Min[0]) / 4
	height := (us.Max[1] - us.Min[1]) / 4
	start = time.Now()
	for i := 0; i < q; i++ {
		f := float64(i%100) / 100
		b := us
		b.Min[0] = us.Min[0] + f*(us.Max[0]-us.Min[0]-width)
		b.Max[0] = b.Min[0] + width
		b.Min[1] = us.Min[1] + f*(us.Max[1]-us.Min[1]-height)
		b.Max[1] = b.Min[1] + height
		res.entities += len(idx.Clusters(b, zoom))
	}
	res.query = time.Since(start)

	runtime.ReadMemStats(&after)
	res.allocMB = float64(after.TotalAlloc-before.TotalAlloc) / 1024 / 1024
	res.gcRuns = after.NumGC - before.NumGC
	return res
}

func runSingleProfile(n, zoom, q int) {
	fmt.Printf("Profiling with %d points, %d queries at zoom level %d\n", n, q, zoom)
	res := profile(n, zoom, q)

	fmt.Printf("Index built in %v\n", res.build)
	fmt.Printf("Queries completed in %v (%v per query, %d entities)\n",
		res.query, res.query/time.Duration(max(q, 1)), res.entities)
	fmt.Printf("Memory allocated: %.2f MB\n", res.allocMB)
}

func runProfileBattery(q int) {
	pointCounts := []int{1000, 10000, 50000, 100000}
	zoomLevels := []int{2, 5, 8, 12, 15}

	fmt.Println("Running comprehensive profile battery...")
	fmt.Println("=======================================")

	fmt.Printf("%-10s | %-6s | %-15s | %-15s | %-10s | %-10s\n",
		"Points", "Zoom", "Build", "Query", "Memory (MB)", "GC Runs")
	fmt.Printf("%s\n", "--------------------------------------------------------------------------")

	for _, points := range pointCounts {
		for _, zoom := range zoomLevels {
			res := profile(points, zoom, q)
			fmt.Printf("%-10d | %-6d | %-15s | %-15s | %-10.2f | %-10d\n",
				points, zoom, res.build, res.query, res.allocMB, res.gcRuns)
		}
		fmt.Printf("%s\n", "--------------------------------------------------------------------------")
	}
}

func main() {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			return
		}
		defer f.Close()

		fmt.Println("Starting CPU profiling...")
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			return
		}
		defer pprof.StopCPUProfile()
	}

	if *testall {
		runProfileBattery(*queries)
	} else {
		runSingleProfile(*numPoints, *zoomLevel, *queries)
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
			return
		}
		defer f.Close()
		runtime.GC() // Get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
		}
	}

	if *heapprofile != "" {
		f, err := os.Create(*heapprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create heap profile: %v\n", err)
			return
		}
		defer f.Close()

		heap := pprof.Lookup("heap")
		if heap == nil {
			fmt.Fprintf(os.Stderr, "Could not find heap profile\n")
			return
		}
		if err := heap.WriteTo(f, 0); err != nil {
			fmt.Fprintf(os.Stderr, "Could not write heap profile: %v\n", err)
		}
	}
}
