package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/yaml.v3"

	"github.com/INLOpen/nexuscatalog/config"
)

// Weights of the cost terms.
const (
	wSpill    = 4.0 // a transaction staged on disk instead of off-heap
	wMemory   = 1.0 // share of the memory budget reserved by the arena
	wRotation = 0.5 // WAL rotations per second
	wRetained = 0.5 // share of the disk budget held by retained WAL files
)

type host struct {
	TotalMemory uint64
	FreeDisk    uint64
}

type workload struct {
	TransactionBytes float64 // typical staged payload
	Concurrency      float64 // transactions staged at the same time
	Rate             float64 // committed transactions per second
	FilesKept        int
}

type estimate struct {
	RegionSize  int
	RegionCount int
	WALFileSize int64
	Score       float64
}

// arenaCost rates a region layout. A region smaller than a transaction spills
// every transaction; fewer regions than concurrent writers spill the rest.
func arenaCost(w workload, memBudget, size, count float64) float64 {
	spill := 0.0
	if size < w.TransactionBytes {
		spill = 1
	} else if count < w.Concurrency {
		spill = 1 - count/w.Concurrency
	}
	return wSpill*spill + wMemory*(size*count)/memBudget
}

// walCost rates a WAL file size: small files rotate often, large files keep
// more bytes on disk than retention needs.
func walCost(w workload, diskBudget, fileSize float64) float64 {
	rotations := w.Rate * w.TransactionBytes / fileSize
	return wRotation*rotations + wRetained*fileSize*float64(w.FilesKept)/diskBudget
}

func estimateFor(h host, w workload) estimate {
	// A quarter of the memory for the arena, a tenth of the free disk for the log.
	memBudget := float64(h.TotalMemory) / 4
	diskBudget := float64(h.FreeDisk) / 10

	regionSizes := []float64{64 << 10, 256 << 10, 1 << 20, 4 << 20, 16 << 20}
	regionCounts := []float64{1, 2, 4, 8, 16, 32, 64}
	fileSizes := []float64{1 << 20, 4 << 20, 16 << 20, 64 << 20, 256 << 20}

	best := estimate{Score: math.MaxFloat64}
	for _, s := range regionSizes {
		for _, c := range regionCounts {
			if s*c > memBudget {
				continue
			}
			arena := arenaCost(w, memBudget, s, c)
			for _, f := range fileSizes {
				if f*float64(w.FilesKept) > diskBudget {
					continue
				}
				score := arena + walCost(w, diskBudget, f)
				if score < best.Score {
					best = estimate{RegionSize: int(s), RegionCount: int(c), WALFileSize: int64(f), Score: score}
				}
			}
		}
	}
	return best
}

func main() {
	dataDir := flag.String("data-dir", "./data", "Catalog data directory, used to measure free disk space")
	catalog := flag.String("catalog", "catalog", "Catalog name")
	txBytes := flag.Float64("tx-bytes", 64<<10, "Typical transaction payload size in bytes")
	concurrency := flag.Float64("concurrency", 8, "Transactions staged concurrently")
	rate := flag.Float64("rate", 100, "Committed transactions per second")
	filesKept := flag.Int("files-kept", 8, "WAL files to retain")
	flag.Parse()

	vm, err := mem.VirtualMemory()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading memory stats: %v\n", err)
		os.Exit(1)
	}
	du, err := disk.Usage(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading disk usage of %s: %v\n", *dataDir, err)
		os.Exit(1)
	}

	best := estimateFor(host{TotalMemory: vm.Total, FreeDisk: du.Free}, workload{
		TransactionBytes: *txBytes,
		Concurrency:      *concurrency,
		Rate:             *rate,
		FilesKept:        *filesKept,
	})
	if best.Score == math.MaxFloat64 {
		fmt.Fprintln(os.Stderr, "Error: no layout fits the available memory and disk.")
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.Catalog.Name = *catalog
	cfg.Catalog.DataDir = *dataDir
	cfg.WAL.MaxFileSizeBytes = best.WALFileSize
	cfg.WAL.FileCountKept = *filesKept
	cfg.OffHeap.RegionSizeBytes = best.RegionSize
	cfg.OffHeap.RegionCount = best.RegionCount

	fmt.Printf("# memory %.1f GiB, free disk %.1f GiB, score %.4f (lower is better)\n",
		float64(vm.Total)/(1<<30), float64(du.Free)/(1<<30), best.Score)
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding config: %v\n", err)
		os.Exit(1)
	}
	enc.Close()
}
