package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateFor(t *testing.T) {
	const gib = 1 << 30
	base := workload{TransactionBytes: 64 << 10, Concurrency: 8, Rate: 100, FilesKept: 8}

	testCases := []struct {
		name string
		host host
		load workload
		want estimate
	}{
		{
			name: "roomy host picks the smallest sufficient arena",
			host: host{TotalMemory: 16 * gib, FreeDisk: 100 * gib},
			load: base,
			want: estimate{RegionSize: 64 << 10, RegionCount: 8, WALFileSize: 64 << 20},
		},
		{
			name: "large transactions need large regions",
			host: host{TotalMemory: 16 * gib, FreeDisk: 100 * gib},
			load: workload{TransactionBytes: 1 << 20, Concurrency: 8, Rate: 100, FilesKept: 8},
			want: estimate{RegionSize: 1 << 20, RegionCount: 8, WALFileSize: 256 << 20},
		},
		{
			name: "tight memory accepts some spilling",
			host: host{TotalMemory: 1 << 20, FreeDisk: 100 * gib},
			load: base,
			want: estimate{RegionSize: 64 << 10, RegionCount: 4, WALFileSize: 64 << 20},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := estimateFor(tc.host, tc.load)
			assert.Equal(t, tc.want.RegionSize, got.RegionSize)
			assert.Equal(t, tc.want.RegionCount, got.RegionCount)
			assert.Equal(t, tc.want.WALFileSize, got.WALFileSize)
		})
	}
}

func TestEstimateFor_NoFit(t *testing.T) {
	got := estimateFor(host{TotalMemory: 1 << 30, FreeDisk: 0}, workload{TransactionBytes: 1024, Concurrency: 1, Rate: 1, FilesKept: 1})
	assert.Equal(t, math.MaxFloat64, got.Score)
}
