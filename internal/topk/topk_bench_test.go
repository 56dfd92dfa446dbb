package topk

import (
	"fmt"
	"math/rand"
	"testing"
)

func generateInts(n int, rng *rand.Rand) []int {
	data := make([]int, n)
	for i := range data {
		data[i] = rng.Intn(1_000_000)
	}
	return data
}

func intDesc(a, b int) bool { return a > b }

// BenchmarkSelect covers the two shapes Select is actually used for in
// the decoder: a small k against a large input (per-frame class-axis
// pruning against cutoff_top_n) and a k close to the input size
// (sorting the live beam for the adaptive cutoff).
func BenchmarkSelect(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	data := generateInts(10000, rng)

	for _, k := range []int{1, 8, 100, 1000, 10000} {
		b.Run(fmt.Sprintf("n=10000/k=%d", k), func(b *testing.B) {
			items := make([]int, len(data))
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				copy(items, data)
				_ = Select(items, intDesc, k)
			}
		})
	}
}
